package rowstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used for local development and tests.
// Rows are kept in insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	schema TableSchema
	rows   []Row
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

// CreateTable adds a table. The first primary key column is used for keyed
// conflict detection.
func (m *MemoryStore) CreateTable(schema TableSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := make(map[string]bool, len(schema.PrimaryKey))
	for _, k := range schema.PrimaryKey {
		pk[k] = true
	}
	cols := slices.Clone(schema.Columns)
	for i := range cols {
		cols[i].PrimaryKey = pk[cols[i].Name]
	}
	schema.Columns = cols
	schema.PrimaryKey = slices.Clone(schema.PrimaryKey)
	m.tables[schema.Name] = &memTable{schema: schema}
}

func (m *MemoryStore) lookup(table string) (*memTable, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	return t, nil
}

func (m *MemoryStore) ListTables(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DescribeTable(_ context.Context, table string) (*TableSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(table)
	if err != nil {
		return nil, fmt.Errorf("DescribeTable: %w", err)
	}
	ts := t.schema
	ts.Columns = slices.Clone(ts.Columns)
	ts.PrimaryKey = slices.Clone(ts.PrimaryKey)
	return &ts, nil
}

func (m *MemoryStore) SelectPaged(_ context.Context, table string, page, pageSize int, search string) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.lookup(table)
	if err != nil {
		return nil, fmt.Errorf("SelectPaged: %w", err)
	}

	var matched []Row
	needle := strings.ToLower(search)
	for _, r := range t.rows {
		if needle == "" || rowContains(r, needle) {
			matched = append(matched, r)
		}
	}

	start := max(page-1, 0) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+pageSize, len(matched))

	rows := make([]Row, 0, end-start)
	for _, r := range matched[start:end] {
		rows = append(rows, copyRow(r))
	}
	return &Page{Table: table, Page: page, PageSize: pageSize, Total: int64(len(matched)), Rows: rows}, nil
}

func (m *MemoryStore) Insert(_ context.Context, table string, data Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(table)
	if err != nil {
		return nil, fmt.Errorf("Insert: %w", err)
	}
	if err := t.checkColumns(data); err != nil {
		return nil, fmt.Errorf("Insert: %w", err)
	}
	if pk := t.primaryKey(); pk != "" {
		if _, ok := data[pk]; ok && t.find(pk, data[pk]) >= 0 {
			return nil, fmt.Errorf("Insert: duplicate key %s=%v: %w", pk, data[pk], ErrConstraint)
		}
	}
	row := copyRow(data)
	t.rows = append(t.rows, row)
	return copyRow(row), nil
}

func (m *MemoryStore) Update(_ context.Context, table string, key Key, data Row) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(table)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	if err := t.checkColumns(data); err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}

	var updated []Row
	for _, r := range t.rows {
		if !sameValue(r[key.Column], key.Value) {
			continue
		}
		for k, v := range data {
			r[k] = v
		}
		updated = append(updated, copyRow(r))
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("Update: %s.%s = %v: %w", table, key.Column, key.Value, ErrRowNotFound)
	}
	return updated, nil
}

func (m *MemoryStore) Upsert(_ context.Context, table string, keyColumn string, data Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(table)
	if err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	if err := t.checkColumns(data); err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	kv, ok := data[keyColumn]
	if !ok {
		return nil, fmt.Errorf("Upsert: data must include key column %q: %w", keyColumn, ErrConstraint)
	}

	if i := t.find(keyColumn, kv); i >= 0 {
		for k, v := range data {
			t.rows[i][k] = v
		}
		return copyRow(t.rows[i]), nil
	}
	row := copyRow(data)
	t.rows = append(t.rows, row)
	return copyRow(row), nil
}

func (m *MemoryStore) Delete(_ context.Context, table string, key Key) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(table)
	if err != nil {
		return 0, fmt.Errorf("Delete: %w", err)
	}
	kept := t.rows[:0]
	var n int64
	for _, r := range t.rows {
		if sameValue(r[key.Column], key.Value) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return n, nil
}

func (t *memTable) primaryKey() string {
	if len(t.schema.PrimaryKey) == 0 {
		return ""
	}
	return t.schema.PrimaryKey[0]
}

func (t *memTable) find(column string, value any) int {
	for i, r := range t.rows {
		if sameValue(r[column], value) {
			return i
		}
	}
	return -1
}

func (t *memTable) checkColumns(data Row) error {
	for k := range data {
		if !t.schema.HasColumn(k) {
			return fmt.Errorf("column %q does not exist on %s: %w", k, t.schema.Name, ErrConstraint)
		}
	}
	return nil
}

// sameValue compares loosely so a JSON number matches a stored integer.
func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func rowContains(r Row, needle string) bool {
	for _, v := range r {
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			return true
		}
	}
	return false
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StaticConnector serves the same Store for every document.
type StaticConnector struct {
	Store Store
}

func (c StaticConnector) StoreFor(_ context.Context, _ string) (Store, error) {
	if c.Store == nil {
		return nil, ErrNoConnection
	}
	return c.Store, nil
}
