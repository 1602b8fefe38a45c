package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceConfig is one knowledge source entry.
type SourceConfig struct {
	ID       string  `yaml:"id"`
	Weight   float64 `yaml:"weight"`
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
}

// SourcesFile maps a caller scope (project id or "default") to its sources.
//
//	scopes:
//	  default:
//	    - id: docs
//	      weight: 1.0
//	      endpoint: https://search.internal/docs
type SourcesFile struct {
	Scopes map[string][]SourceConfig `yaml:"scopes"`
}

// LoadSources reads and validates a sources file. An empty path yields an
// empty table.
func LoadSources(path string) (*SourcesFile, error) {
	if path == "" {
		return &SourcesFile{Scopes: map[string][]SourceConfig{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadSources: %w", err)
	}
	return ParseSources(raw)
}

// ParseSources decodes and validates a sources document. Unknown keys are
// rejected.
func ParseSources(raw []byte) (*SourcesFile, error) {
	var f SourcesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ParseSources: %w", err)
	}
	if f.Scopes == nil {
		f.Scopes = map[string][]SourceConfig{}
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("ParseSources: %w", err)
	}
	return &f, nil
}

func (f *SourcesFile) validate() error {
	for scope, sources := range f.Scopes {
		seen := make(map[string]bool, len(sources))
		for i, s := range sources {
			switch {
			case s.ID == "":
				return fmt.Errorf("scope %q: source %d: id is required", scope, i)
			case seen[s.ID]:
				return fmt.Errorf("scope %q: duplicate source id %q", scope, s.ID)
			case s.Weight <= 0:
				return fmt.Errorf("scope %q: source %q: weight must be > 0", scope, s.ID)
			case s.Endpoint == "":
				return fmt.Errorf("scope %q: source %q: endpoint is required", scope, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return nil
}
