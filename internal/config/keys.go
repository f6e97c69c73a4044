package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// ResolveAPIKey returns the reasoner API key and where it came from.
// The ANTHROPIC_API_KEY environment variable wins over the config file.
func ResolveAPIKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if cfg != nil && cfg.Reasoner.APIKey != "" {
		key := os.ExpandEnv(cfg.Reasoner.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// GetAPIKey returns the reasoner API key or ErrNoAPIKey.
func GetAPIKey(cfg *Config) (string, error) {
	key, src := ResolveAPIKey(cfg)
	if src == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
