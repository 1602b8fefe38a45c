package retrieval

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
)

// DefaultScope is the catalog entry used when a project has no sources of
// its own.
const DefaultScope = "default"

// Catalog maps a caller scope (project id) to its knowledge sources.
type Catalog struct {
	scopes map[string][]Weighted
}

// NewCatalog validates and stores the scope table. Every weight must be
// positive.
func NewCatalog(scopes map[string][]Weighted) (*Catalog, error) {
	c := &Catalog{scopes: make(map[string][]Weighted, len(scopes))}
	for scope, sources := range scopes {
		for _, s := range sources {
			if s.Source == nil {
				return nil, fmt.Errorf("NewCatalog: scope %q: nil source", scope)
			}
			if s.Weight <= 0 {
				return nil, fmt.Errorf("NewCatalog: scope %q: source %q: weight must be > 0, got %v", scope, s.Source.ID(), s.Weight)
			}
		}
		c.scopes[scope] = append([]Weighted(nil), sources...)
	}
	return c, nil
}

// SourcesFor returns the project's sources, or the default scope's.
func (c *Catalog) SourcesFor(projectID string) []Weighted {
	if c == nil {
		return nil
	}
	if s, ok := c.scopes[projectID]; ok && len(s) > 0 {
		return s
	}
	return c.scopes[DefaultScope]
}

// ProviderSource adapts a search.Provider into a Source.
type ProviderSource struct {
	id       string
	provider search.Provider
}

func NewProviderSource(id string, provider search.Provider) *ProviderSource {
	return &ProviderSource{id: id, provider: provider}
}

func (p *ProviderSource) ID() string { return p.id }

func (p *ProviderSource) Search(ctx context.Context, query string, topK int) ([]search.Result, error) {
	return p.provider.Search(ctx, query, search.Options{MaxResults: topK})
}
