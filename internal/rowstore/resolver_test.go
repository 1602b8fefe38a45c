package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubConnectorStore struct {
	dsns  map[string]string
	err   error
	calls atomic.Int32
}

func (s *stubConnectorStore) LookupConnection(_ context.Context, documentID string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	dsn, ok := s.dsns[documentID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return dsn, nil
}

func TestCache_FreshHit(t *testing.T) {
	c := newDSNCache(30 * time.Second)
	c.Set("doc1", "postgres://a")

	res := c.Get("doc1")
	if !res.Hit || res.NeedsRefresh || res.DSN != "postgres://a" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := newDSNCache(1 * time.Millisecond)
	c.Set("doc1", "postgres://a")
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var signals atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Get("doc1").NeedsRefresh {
				signals.Add(1)
			}
		}()
	}
	wg.Wait()
	if signals.Load() != 1 {
		t.Fatalf("expected exactly 1 refresh signal, got %d", signals.Load())
	}
}

func TestCache_ReleaseRefresh(t *testing.T) {
	c := newDSNCache(1 * time.Millisecond)
	c.Set("doc1", "postgres://a")
	time.Sleep(5 * time.Millisecond)

	if !c.Get("doc1").NeedsRefresh {
		t.Fatal("expected first refresh signal")
	}
	c.releaseRefresh("doc1")
	if !c.Get("doc1").NeedsRefresh {
		t.Fatal("expected refresh signal after release")
	}
}

func TestResolver_CachesHitsAndMisses(t *testing.T) {
	store := &stubConnectorStore{dsns: map[string]string{"doc1": "postgres://a"}}
	r := newPostgresResolverWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	for range 3 {
		dsn, err := r.Resolve(ctx, "doc1")
		if err != nil || dsn != "postgres://a" {
			t.Fatalf("unexpected resolve: %q (%v)", dsn, err)
		}
	}
	for range 3 {
		if _, err := r.Resolve(ctx, "doc2"); !errors.Is(err, ErrNoConnection) {
			t.Fatalf("expected ErrNoConnection, got %v", err)
		}
	}
	if store.calls.Load() != 2 {
		t.Fatalf("expected 2 store lookups, got %d", store.calls.Load())
	}
}

func TestResolver_StoreErrorIsNotCached(t *testing.T) {
	store := &stubConnectorStore{err: errors.New("connection refused")}
	r := newPostgresResolverWithStore(store, time.Minute, zap.NewNop())

	for range 2 {
		_, err := r.Resolve(context.Background(), "doc1")
		if err == nil || errors.Is(err, ErrNoConnection) {
			t.Fatalf("expected a store error, got %v", err)
		}
	}
	if store.calls.Load() != 2 {
		t.Fatalf("expected errors to bypass the cache, got %d lookups", store.calls.Load())
	}
}

func TestResolver_StaleServesWhileRefreshing(t *testing.T) {
	store := &stubConnectorStore{dsns: map[string]string{"doc1": "postgres://a"}}
	r := newPostgresResolverWithStore(store, time.Millisecond, zap.NewNop())
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "doc1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	dsn, err := r.Resolve(ctx, "doc1")
	if err != nil || dsn != "postgres://a" {
		t.Fatalf("expected stale value, got %q (%v)", dsn, err)
	}

	deadline := time.Now().Add(time.Second)
	for store.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.calls.Load() < 2 {
		t.Fatal("expected a background refresh")
	}
}

func TestStaticResolver(t *testing.T) {
	if _, err := StaticResolver("").Resolve(context.Background(), "doc"); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
	dsn, err := StaticResolver("postgres://x").Resolve(context.Background(), "doc")
	if err != nil || dsn != "postgres://x" {
		t.Fatalf("unexpected resolve: %q (%v)", dsn, err)
	}
}

func TestPoolConnector_ReusesPoolPerDSN(t *testing.T) {
	var opened atomic.Int32
	c := NewPoolConnector(StaticResolver("postgres://shared"), zap.NewNop())
	c.open = func(dsn string) (*sql.DB, error) {
		opened.Add(1)
		return sql.Open("pgx", dsn)
	}
	t.Cleanup(func() { _ = c.Close() })

	for _, doc := range []string{"a", "b", "c"} {
		if _, err := c.StoreFor(context.Background(), doc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if opened.Load() != 1 {
		t.Fatalf("expected 1 pool, got %d", opened.Load())
	}
}

func TestPoolConnector_NoConnection(t *testing.T) {
	c := NewPoolConnector(StaticResolver(""), zap.NewNop())
	if _, err := c.StoreFor(context.Background(), "doc"); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}
