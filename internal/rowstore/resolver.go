package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Resolver maps a document to the connection string of its backing database.
// It returns ErrNoConnection when the document has none.
type Resolver interface {
	Resolve(ctx context.Context, documentID string) (string, error)
}

// StaticResolver returns the same DSN for every document.
type StaticResolver string

func (s StaticResolver) Resolve(_ context.Context, _ string) (string, error) {
	if s == "" {
		return "", ErrNoConnection
	}
	return string(s), nil
}

// ConnectorStore abstracts DB queries for testability.
type ConnectorStore interface {
	LookupConnection(ctx context.Context, documentID string) (string, error)
}

type sqlConnectorStore struct {
	db *sql.DB
}

func (s *sqlConnectorStore) LookupConnection(ctx context.Context, documentID string) (string, error) {
	var dsn string
	err := s.db.QueryRowContext(ctx, `
		SELECT connection_string
		FROM data_connectors
		WHERE document_id = $1
	`, documentID).Scan(&dsn)
	return dsn, err
}

// PostgresResolver reads connection strings from the data_connectors table.
type PostgresResolver struct {
	store  ConnectorStore
	cache  *dsnCache
	logger *zap.Logger
}

// PostgresResolverConfig configures the PostgresResolver.
type PostgresResolverConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresResolver(cfg PostgresResolverConfig) *PostgresResolver {
	return newPostgresResolverWithStore(&sqlConnectorStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresResolverWithStore creates a resolver with a custom store (for testing).
func newPostgresResolverWithStore(store ConnectorStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresResolver {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresResolver{
		store:  store,
		cache:  newDSNCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresResolver) Resolve(ctx context.Context, documentID string) (string, error) {
	res := r.cache.Get(documentID)
	if res.Hit {
		if res.NeedsRefresh {
			go r.refreshInBackground(documentID)
		}
		if res.DSN == "" {
			return "", ErrNoConnection
		}
		return res.DSN, nil
	}

	dsn, err := r.store.LookupConnection(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(documentID, "")
			return "", ErrNoConnection
		}
		return "", fmt.Errorf("Resolve: %w", err)
	}

	r.cache.Set(documentID, dsn)
	if dsn == "" {
		return "", ErrNoConnection
	}
	return dsn, nil
}

func (r *PostgresResolver) refreshInBackground(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dsn, err := r.store.LookupConnection(ctx, documentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.cache.Set(documentID, "")
	case err != nil:
		r.logger.Warn("background connection refresh failed",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		r.cache.releaseRefresh(documentID)
	default:
		r.cache.Set(documentID, dsn)
	}
}
