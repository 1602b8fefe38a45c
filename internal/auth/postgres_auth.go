package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	KeyID       string
	ProjectID   string
	KeyHash     string
	Permissions string // JSONB array as string
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, key_hash, permissions
		FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.KeyID, &r.ProjectID, &r.KeyHash, &r.Permissions); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (tool.Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return tool.Caller{}, err
	}

	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Caller, nil
	}

	caller, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return tool.Caller{}, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, caller)
	return caller, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (tool.Caller, error) {
	if len(token) < 12 {
		return tool.Caller{}, ErrUnauthenticated
	}
	prefix := token[:12]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tool.Caller{}, ErrUnauthenticated
		}
		return tool.Caller{}, fmt.Errorf("authenticateFromDB: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return tool.Caller{}, ErrUnauthenticated
	}

	var perms []string
	if row.Permissions != "" {
		if err := json.Unmarshal([]byte(row.Permissions), &perms); err != nil {
			return tool.Caller{}, fmt.Errorf("authenticateFromDB: permissions: %w", err)
		}
	}

	return tool.Caller{
		ID:          row.KeyID,
		ProjectID:   row.ProjectID,
		Permissions: tool.NewPermissionSet(perms...),
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			a.cache.Delete(token)
			return
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, caller)
}
