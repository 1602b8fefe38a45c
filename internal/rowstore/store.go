// Package rowstore provides row-level access to a document's target data store.
package rowstore

import (
	"context"
	"errors"
)

var (
	// ErrTableNotFound is returned when a table does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrRowNotFound is returned when a keyed mutation matches no row.
	ErrRowNotFound = errors.New("row not found")
	// ErrNoConnection is returned when a document has no configured data store.
	ErrNoConnection = errors.New("no data connection configured")
	// ErrConstraint is returned when a write violates the table's shape or keys.
	ErrConstraint = errors.New("constraint violation")
)

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"dataType"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey"`
}

// TableSchema describes a table.
type TableSchema struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primaryKey"`
}

// HasColumn reports whether the table has a column with the given name.
func (s *TableSchema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Row is one record keyed by column name.
type Row map[string]any

// Page is one page of a paginated select.
type Page struct {
	Table    string `json:"table"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Total    int64  `json:"total"`
	Rows     []Row  `json:"rows"`
}

// Key addresses rows by a single column value.
type Key struct {
	Column string
	Value  any
}

// Store is the row-level contract of a target data store. Each method is one
// atomic store call.
type Store interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*TableSchema, error)
	SelectPaged(ctx context.Context, table string, page, pageSize int, search string) (*Page, error)
	Insert(ctx context.Context, table string, data Row) (Row, error)
	Update(ctx context.Context, table string, key Key, data Row) ([]Row, error)
	Upsert(ctx context.Context, table string, keyColumn string, data Row) (Row, error)
	Delete(ctx context.Context, table string, key Key) (int64, error)
}

// Connector returns the Store for a document.
type Connector interface {
	StoreFor(ctx context.Context, documentID string) (Store, error)
}
