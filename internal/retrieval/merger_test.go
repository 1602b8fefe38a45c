package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
)

// stubSource returns fixed results after an optional delay.
type stubSource struct {
	id      string
	results []search.Result
	err     error
	delay   time.Duration
}

func (s *stubSource) ID() string { return s.id }
func (s *stubSource) Search(ctx context.Context, _ string, topK int) ([]search.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func scored(text string, score float64) search.Result {
	return search.Result{Text: text, Score: score}
}

func TestMerge_WeightedOrdering(t *testing.T) {
	m := NewMerger(0, zap.NewNop())
	sources := []Weighted{
		{Source: &stubSource{id: "A", results: []search.Result{scored("a", 10)}}, Weight: 2},
		{Source: &stubSource{id: "B", results: []search.Result{scored("b", 15)}}, Weight: 1},
	}

	got, err := m.Merge(context.Background(), "q", 5, sources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].SourceID != "A" || got[0].Score != 20 {
		t.Fatalf("expected A=20 first, got %+v", got[0])
	}
	if got[1].SourceID != "B" || got[1].Score != 15 {
		t.Fatalf("expected B=15 second, got %+v", got[1])
	}
}

func TestMerge_NoSources(t *testing.T) {
	m := NewMerger(0, zap.NewNop())
	if _, err := m.Merge(context.Background(), "q", 5, nil); !errors.Is(err, ErrNoSourceConfigured) {
		t.Fatalf("expected ErrNoSourceConfigured, got %v", err)
	}
}

func TestMerge_FailingSourceIsIsolated(t *testing.T) {
	m := NewMerger(0, zap.NewNop())
	sources := []Weighted{
		{Source: &stubSource{id: "broken", err: errors.New("boom")}, Weight: 1},
		{Source: &stubSource{id: "ok", results: []search.Result{scored("x", 1), scored("y", 2)}}, Weight: 1},
	}

	got, err := m.Merge(context.Background(), "q", 5, sources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Text != "y" {
		t.Fatalf("unexpected results: %+v", got)
	}
}

func TestMerge_AllSourcesFailingYieldsEmpty(t *testing.T) {
	m := NewMerger(0, zap.NewNop())
	sources := []Weighted{{Source: &stubSource{id: "broken", err: errors.New("boom")}, Weight: 1}}

	got, err := m.Merge(context.Background(), "q", 5, sources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestMerge_TiesKeepSourceOrder(t *testing.T) {
	m := NewMerger(0, zap.NewNop())
	sources := []Weighted{
		{Source: &stubSource{id: "first", results: []search.Result{scored("f", 3)}, delay: 20 * time.Millisecond}, Weight: 1},
		{Source: &stubSource{id: "second", results: []search.Result{scored("s", 1.5)}}, Weight: 2},
	}

	got, err := m.Merge(context.Background(), "q", 5, sources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].SourceID != "first" || got[1].SourceID != "second" {
		t.Fatalf("expected fan-out order on tie, got %+v", got)
	}
}

func TestMerge_SlowSourceSkippedAfterTimeout(t *testing.T) {
	m := NewMerger(30*time.Millisecond, zap.NewNop())
	sources := []Weighted{
		{Source: &stubSource{id: "slow", results: []search.Result{scored("late", 100)}, delay: time.Second}, Weight: 1},
		{Source: &stubSource{id: "fast", results: []search.Result{scored("early", 1)}}, Weight: 1},
	}

	start := time.Now()
	got, err := m.Merge(context.Background(), "q", 5, sources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("merge waited for the slow source")
	}
	if len(got) != 1 || got[0].SourceID != "fast" {
		t.Fatalf("expected only the fast result, got %+v", got)
	}
}

func TestMerge_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(scoresA, scoresB []float64) []Weighted {
		toResults := func(scores []float64) []search.Result {
			out := make([]search.Result, len(scores))
			for i, s := range scores {
				out[i] = scored("r", s)
			}
			return out
		}
		return []Weighted{
			{Source: &stubSource{id: "A", results: toResults(scoresA)}, Weight: 2},
			{Source: &stubSource{id: "B", results: toResults(scoresB)}, Weight: 0.5},
		}
	}
	m := NewMerger(0, zap.NewNop())

	properties.Property("result count never exceeds topK", prop.ForAll(
		func(a, b []float64, topK int) bool {
			got, err := m.Merge(context.Background(), "q", topK, build(a, b))
			return err == nil && len(got) <= topK
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.IntRange(1, 20),
	))

	properties.Property("results are sorted by descending weighted score", prop.ForAll(
		func(a, b []float64, topK int) bool {
			got, err := m.Merge(context.Background(), "q", topK, build(a, b))
			if err != nil {
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i-1].Score < got[i].Score {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestCatalog_FallsBackToDefault(t *testing.T) {
	def := Weighted{Source: &stubSource{id: "docs"}, Weight: 1}
	proj := Weighted{Source: &stubSource{id: "wiki"}, Weight: 3}
	c, err := NewCatalog(map[string][]Weighted{
		DefaultScope: {def},
		"proj-1":     {proj},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.SourcesFor("proj-1"); len(got) != 1 || got[0].Source.ID() != "wiki" {
		t.Fatalf("expected project sources, got %+v", got)
	}
	if got := c.SourcesFor("proj-2"); len(got) != 1 || got[0].Source.ID() != "docs" {
		t.Fatalf("expected default sources, got %+v", got)
	}
}

func TestCatalog_RejectsNonPositiveWeight(t *testing.T) {
	_, err := NewCatalog(map[string][]Weighted{
		DefaultScope: {{Source: &stubSource{id: "docs"}, Weight: 0}},
	})
	if err == nil {
		t.Fatal("expected weight validation error")
	}
}

func TestProviderSource_PassesTopK(t *testing.T) {
	p := &recordingProvider{}
	s := NewProviderSource("web", p)
	if _, err := s.Search(context.Background(), "q", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.opts.MaxResults != 7 {
		t.Fatalf("expected MaxResults 7, got %d", p.opts.MaxResults)
	}
}

type recordingProvider struct {
	opts search.Options
}

func (r *recordingProvider) Search(_ context.Context, _ string, opts search.Options) ([]search.Result, error) {
	r.opts = opts
	return nil, nil
}

func BenchmarkMerge(b *testing.B) {
	m := NewMerger(0, zap.NewNop())
	results := make([]search.Result, 50)
	for i := range results {
		results[i] = scored("r", float64(i))
	}
	sources := []Weighted{
		{Source: &stubSource{id: "A", results: results}, Weight: 1},
		{Source: &stubSource{id: "B", results: results}, Weight: 2},
		{Source: &stubSource{id: "C", results: results}, Weight: 0.5},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Merge(context.Background(), "q", 10, sources)
	}
}
