package tools

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/retrieval"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 20
	defaultTopK          = 5
	maxTopK              = 50
)

type searchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

var queryParam = map[string]any{"type": "string", "minLength": 1}

func searchTool(name, description string, provider search.Provider) tool.Descriptor {
	return tool.Descriptor{
		Name:        name,
		Version:     version,
		Description: description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":      queryParam,
				"maxResults": map[string]any{"type": "integer", "description": "1-20, default 5."},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Permissions: []string{PermWebSearch},
		Metadata:    meta("search", 20*time.Second, 2),
		Handler: tool.Typed(func(ctx context.Context, args searchArgs, _ tool.ExecutionContext) (tool.Outcome, error) {
			n := defaultSearchResults
			if args.MaxResults != 0 {
				n = clamp(args.MaxResults, 1, maxSearchResults)
			}
			results, err := provider.Search(ctx, args.Query, search.Options{MaxResults: n})
			if err != nil {
				return searchFailure(err), nil
			}
			if results == nil {
				results = []search.Result{}
			}
			return tool.Ok(map[string]any{"results": results}), nil
		}),
	}
}

// searchFailure classifies provider errors: rejected requests are the
// caller's to fix, upstream and network failures are retryable.
func searchFailure(err error) tool.Outcome {
	var se *search.StatusError
	switch {
	case errors.Is(err, search.ErrNotConfigured):
		return tool.Fail(tool.KindNoSourceConfigured, err.Error())
	case errors.As(err, &se) && !se.Temporary():
		return tool.Fail(tool.KindValidation, err.Error())
	}
	return tool.Fail(tool.KindTransient, err.Error())
}

type knowledgeArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
}

func knowledgeSearch(catalog *retrieval.Catalog, merger *retrieval.Merger) tool.Descriptor {
	return tool.Descriptor{
		Name:        "knowledge_search",
		Version:     version,
		Description: "Search the caller's configured knowledge bases and return the best matches across all of them.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": queryParam,
				"topK":  map[string]any{"type": "integer", "description": "1-50, default 5."},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Permissions: []string{PermKBRead},
		Metadata:    meta("knowledge", 20*time.Second, 1),
		Handler: tool.Typed(func(ctx context.Context, args knowledgeArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
			k := defaultTopK
			if args.TopK != 0 {
				k = clamp(args.TopK, 1, maxTopK)
			}
			results, err := merger.Merge(ctx, args.Query, k, catalog.SourcesFor(ec.Caller.ProjectID))
			if errors.Is(err, retrieval.ErrNoSourceConfigured) {
				return tool.Fail(tool.KindNoSourceConfigured, "no knowledge sources are configured for this project"), nil
			}
			if err != nil {
				return nil, err
			}
			return tool.Ok(map[string]any{"results": results}), nil
		}),
	}
}
