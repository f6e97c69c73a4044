package sandbox

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// DefaultProtected lists workspace-relative globs a worker may read but
// never write. "**" matches any number of directories.
var DefaultProtected = []string{
	"**/.ssh/**",
	"**/secrets/**",
	"**/credentials/**",
	"**/*.pem",
	"**/*.key",
	"**/*.p12",
	"**/*.pfx",
	"**/*.jks",
	"**/.env",
	"**/.env.*",
	"container.toml",
}

// Protected reports whether a workspace-relative path matches one of the
// protected globs.
func (c Capabilities) Protected(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	rel = strings.TrimPrefix(rel, "./")
	for _, pattern := range c.Protect {
		if matchGlob(rel, pattern) {
			return true
		}
	}
	return false
}

// CheckWritable resolves path like Resolve and additionally refuses
// protected paths.
func (ws *Workspace) CheckWritable(p string) (string, error) {
	abs, err := ws.Resolve(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(ws.Dir, abs)
	if err != nil {
		return "", fmt.Errorf("path %q is outside the workspace scope", p)
	}
	if ws.Caps.Protected(rel) {
		return "", fmt.Errorf("path %q is protected", p)
	}
	return abs, nil
}

func matchGlob(p, pattern string) bool {
	return matchParts(strings.Split(p, "/"), strings.Split(pattern, "/"))
}

func matchParts(p, pattern []string) bool {
	if len(pattern) == 0 {
		return len(p) == 0
	}
	head, rest := pattern[0], pattern[1:]
	if head == "**" {
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(p); i++ {
			if matchParts(p[i:], rest) {
				return true
			}
		}
		return false
	}
	if len(p) == 0 {
		return false
	}
	if ok, err := path.Match(head, p[0]); err != nil || !ok {
		return false
	}
	return matchParts(p[1:], rest)
}

func defaultProtect() []string {
	return append([]string(nil), DefaultProtected...)
}
