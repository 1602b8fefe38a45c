package editor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrFileNotFound is returned when a path is unknown to the store.
var ErrFileNotFound = errors.New("file not found")

// FileStore holds the virtual files of each session.
type FileStore interface {
	Get(ctx context.Context, sessionID, path string) (string, error)
	Set(ctx context.Context, sessionID, path, content string) error
}

// MemoryFileStore keeps files in process memory.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string]map[string]string // session -> path -> content
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string]map[string]string)}
}

func (m *MemoryFileStore) Get(_ context.Context, sessionID, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.files[sessionID][path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	return content, nil
}

func (m *MemoryFileStore) Set(_ context.Context, sessionID, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, ok := m.files[sessionID]
	if !ok {
		files = make(map[string]string)
		m.files[sessionID] = files
	}
	files[path] = content
	return nil
}

// PostgresFileStore keeps files in the virtual_files table.
type PostgresFileStore struct {
	db *sql.DB
}

func NewPostgresFileStore(db *sql.DB) *PostgresFileStore {
	return &PostgresFileStore{db: db}
}

func (s *PostgresFileStore) Get(ctx context.Context, sessionID, path string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content
		FROM virtual_files
		WHERE session_id = $1 AND path = $2
	`, sessionID, path).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("Get: %w", err)
	}
	return content, nil
}

func (s *PostgresFileStore) Set(ctx context.Context, sessionID, path, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_files (session_id, path, content, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, path)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()
	`, sessionID, path, content)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}
