// Package templates manages job templates: validation, default seeds,
// and importing YAML template files from a watched directory.
package templates

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Service is the TemplateStore operations layer over persistence.
type Service struct {
	store state.TemplateStore
	log   *logrus.Entry
}

// NewService creates a template service backed by store.
func NewService(store state.TemplateStore, log *logrus.Entry) *Service {
	return &Service{store: store, log: log}
}

// List returns all templates ordered by name.
func (s *Service) List() ([]*models.JobTemplate, error) {
	list, err := s.store.ListTemplates()
	if err != nil {
		return nil, models.PersistenceError("list templates", err)
	}
	return list, nil
}

// Get returns a template by ID.
func (s *Service) Get(id string) (*models.JobTemplate, error) {
	t, err := s.store.GetTemplate(id)
	if err != nil {
		return nil, models.PersistenceError("get template", err)
	}
	if t == nil {
		return nil, models.NewNotFound("template", id)
	}
	return t, nil
}

// Resolve looks a template up by ID, then by name.
func (s *Service) Resolve(ref string) (*models.JobTemplate, error) {
	t, err := s.store.GetTemplate(ref)
	if err != nil {
		return nil, models.PersistenceError("get template", err)
	}
	if t != nil {
		return t, nil
	}
	t, err = s.store.GetTemplateByName(ref)
	if err != nil {
		return nil, models.PersistenceError("get template", err)
	}
	if t == nil {
		return nil, models.NewNotFound("template", ref)
	}
	return t, nil
}

// Upsert validates and stores t. A missing ID is derived from the name.
// Names are unique across templates.
func (s *Service) Upsert(t *models.JobTemplate) (*models.JobTemplate, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = slug(t.Name)
	}

	clash, err := s.store.GetTemplateByName(t.Name)
	if err != nil {
		return nil, models.PersistenceError("get template", err)
	}
	if clash != nil && clash.ID != t.ID {
		return nil, models.NewValidationError("template name %q is already used by %s", t.Name, clash.ID)
	}

	if existing, err := s.store.GetTemplate(t.ID); err != nil {
		return nil, models.PersistenceError("get template", err)
	} else if existing != nil {
		t.CreatedAt = existing.CreatedAt
	}

	if err := s.store.UpsertTemplate(t); err != nil {
		return nil, models.PersistenceError("upsert template", err)
	}
	s.log.WithFields(logrus.Fields{"template_id": t.ID, "name": t.Name}).Debug("Template saved")
	return t, nil
}

// Patch applies a partial update to an existing template.
func (s *Service) Patch(id string, patch models.TemplatePatch) (*models.JobTemplate, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	patch.Apply(t)
	return s.Upsert(t)
}

// Delete removes a template.
func (s *Service) Delete(id string) error {
	ok, err := s.store.DeleteTemplate(id)
	if err != nil {
		return models.PersistenceError("delete template", err)
	}
	if !ok {
		return models.NewNotFound("template", id)
	}
	return nil
}

// SeedDefaults stores the built-in templates when none exist.
// It returns the number of templates added.
func (s *Service) SeedDefaults() (int, error) {
	n, err := s.store.CountTemplates()
	if err != nil {
		return 0, models.PersistenceError("count templates", err)
	}
	if n > 0 {
		return 0, nil
	}

	defaults := Defaults()
	for _, t := range defaults {
		if _, err := s.Upsert(t); err != nil {
			return 0, fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	s.log.WithField("count", len(defaults)).Info("Seeded default templates")
	return len(defaults), nil
}

// ImportFile reads a YAML template file and upserts it.
func (s *Service) ImportFile(path string) (*models.JobTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	t, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s.Upsert(t)
}

// ImportDir imports every YAML file in dir. Invalid files are logged and skipped.
func (s *Service) ImportDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read templates dir: %w", err)
	}

	imported := 0
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := s.ImportFile(path); err != nil {
			s.log.WithError(err).WithField("file", path).Warn("Skipping template file")
			continue
		}
		imported++
	}
	return imported, nil
}

// ParseYAML decodes a template document.
func ParseYAML(data []byte) (*models.JobTemplate, error) {
	var t models.JobTemplate
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, models.NewValidationError("parse template: %v", err)
	}
	return &t, nil
}

// MarshalYAML encodes a template document.
func MarshalYAML(t *models.JobTemplate) ([]byte, error) {
	return yaml.Marshal(t)
}

func isTemplateFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// slug lowercases name and collapses everything else into single dashes.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return uuid.New().String()
	}
	return s
}
