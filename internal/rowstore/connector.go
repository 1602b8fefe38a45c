package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PoolConnector opens one pooled *sql.DB per distinct connection string and
// hands out PostgresStores over it.
type PoolConnector struct {
	resolver Resolver
	logger   *zap.Logger
	open     func(dsn string) (*sql.DB, error)

	mu    sync.Mutex
	pools map[string]*sql.DB
}

func NewPoolConnector(resolver Resolver, logger *zap.Logger) *PoolConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolConnector{
		resolver: resolver,
		logger:   logger,
		open:     openPool,
		pools:    make(map[string]*sql.DB),
	}
}

func openPool(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (c *PoolConnector) StoreFor(ctx context.Context, documentID string) (Store, error) {
	dsn, err := c.resolver.Resolve(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrNoConnection) {
			return nil, fmt.Errorf("document %q: %w", documentID, ErrNoConnection)
		}
		return nil, fmt.Errorf("StoreFor: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.pools[dsn]; ok {
		return NewPostgresStore(db), nil
	}
	db, err := c.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("StoreFor: open: %w", err)
	}
	c.pools[dsn] = db
	c.logger.Info("opened data connection pool", zap.String("document_id", documentID))
	return NewPostgresStore(db), nil
}

// Close closes every pool opened so far.
func (c *PoolConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for dsn, db := range c.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.pools, dsn)
	}
	return errors.Join(errs...)
}
