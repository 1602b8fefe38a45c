// Package retrieval fans a query out to weighted knowledge sources and merges
// the rescaled results into one ranked list.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
)

// ErrNoSourceConfigured is returned when a merge is requested with no sources.
var ErrNoSourceConfigured = errors.New("no knowledge source configured")

// Result is a merged hit. Score is the source score multiplied by the
// source weight.
type Result struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	SourceID string         `json:"sourceId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Source is one searchable knowledge corpus.
type Source interface {
	ID() string
	Search(ctx context.Context, query string, topK int) ([]search.Result, error)
}

// Weighted pairs a source with its positive score multiplier.
type Weighted struct {
	Source Source
	Weight float64
}

// Merger runs the parallel fan-out.
type Merger struct {
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewMerger creates a merger. A zero timeout leaves the caller's deadline in
// charge.
func NewMerger(timeout time.Duration, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("tool_runtime/retrieval"),
	}
}

type sourceOutput struct {
	index   int
	results []search.Result
	err     error
}

// Merge searches every source in parallel, rescales each result by its
// source weight and returns at most topK results in descending score order.
// Equal scores keep source order. A failing source contributes nothing.
func (m *Merger) Merge(ctx context.Context, query string, topK int, sources []Weighted) ([]Result, error) {
	if len(sources) == 0 {
		return nil, ErrNoSourceConfigured
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	ctx, span := m.tracer.Start(ctx, "retrieval.Merge", trace.WithAttributes(
		attribute.Int("sources", len(sources)),
		attribute.Int("top_k", topK),
	))
	defer span.End()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	ch := make(chan sourceOutput, len(sources))
	for i, src := range sources {
		go func(i int, s Source) {
			results, err := s.Search(ctx, query, topK)
			ch <- sourceOutput{index: i, results: results, err: err}
		}(i, src.Source)
	}

	perSource := make([][]search.Result, len(sources))
	remaining := len(sources)
	for remaining > 0 {
		select {
		case out := <-ch:
			remaining--
			if out.err != nil {
				m.logger.Warn("knowledge source failed",
					zap.String("source", sources[out.index].Source.ID()),
					zap.Error(out.err),
				)
				continue
			}
			perSource[out.index] = out.results
		case <-ctx.Done():
			m.logger.Warn("retrieval deadline exceeded, merging partial results",
				zap.Int("pending_sources", remaining),
			)
			remaining = 0
		}
	}

	var merged []Result
	for i, results := range perSource {
		src := sources[i]
		for j, r := range results {
			if j >= topK {
				break
			}
			merged = append(merged, Result{
				Text:     r.Text,
				Score:    r.Score * src.Weight,
				SourceID: src.Source.ID(),
				Metadata: r.Metadata,
			})
		}
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Score > merged[b].Score
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	span.SetAttributes(attribute.Int("results", len(merged)))
	if merged == nil {
		merged = []Result{}
	}
	return merged, nil
}
