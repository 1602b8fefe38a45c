package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PostgresStore implements Store over a database/sql pool using the pgx driver.
type PostgresStore struct {
	db     *sql.DB
	schema string
}

// NewPostgresStore creates a store for tables in the public schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, schema: "public"}
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func quote(column string) string {
	return pgx.Identifier{column}.Sanitize()
}

func (s *PostgresStore) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ListTables: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	return tables, nil
}

func (s *PostgresStore) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, s.schema, table)
	if err != nil {
		return nil, fmt.Errorf("DescribeTable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ts := &TableSchema{Name: table}
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("DescribeTable: %w", err)
		}
		c.Nullable = nullable == "YES"
		ts.Columns = append(ts.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("DescribeTable: %w", err)
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("DescribeTable: %s: %w", table, ErrTableNotFound)
	}

	pkRows, err := s.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`, s.schema, table)
	if err != nil {
		return nil, fmt.Errorf("DescribeTable: primary key: %w", err)
	}
	defer func() { _ = pkRows.Close() }()

	pk := make(map[string]bool)
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("DescribeTable: primary key: %w", err)
		}
		ts.PrimaryKey = append(ts.PrimaryKey, name)
		pk[name] = true
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("DescribeTable: primary key: %w", err)
	}
	for i := range ts.Columns {
		ts.Columns[i].PrimaryKey = pk[ts.Columns[i].Name]
	}
	return ts, nil
}

func (s *PostgresStore) SelectPaged(ctx context.Context, table string, page, pageSize int, search string) (*Page, error) {
	ts, err := s.DescribeTable(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("SelectPaged: %w", err)
	}

	var where string
	var args []any
	if search != "" {
		conds := make([]string, 0, len(ts.Columns))
		for _, c := range ts.Columns {
			conds = append(conds, quote(c.Name)+"::text ILIKE $1")
		}
		where = " WHERE " + strings.Join(conds, " OR ")
		args = append(args, "%"+search+"%")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+s.table(table)+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("SelectPaged: count: %w", err)
	}

	orderBy := "1"
	if len(ts.PrimaryKey) > 0 {
		quoted := make([]string, len(ts.PrimaryKey))
		for i, k := range ts.PrimaryKey {
			quoted[i] = quote(k)
		}
		orderBy = strings.Join(quoted, ", ")
	}
	n := len(args)
	query := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT $%d OFFSET $%d", s.table(table), where, orderBy, n+1, n+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SelectPaged: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("SelectPaged: %w", err)
	}
	return &Page{Table: table, Page: page, PageSize: pageSize, Total: total, Rows: result}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, table string, data Row) (Row, error) {
	cols, vals := splitRow(data)
	if len(cols) == 0 {
		return nil, fmt.Errorf("Insert: no columns given: %w", ErrConstraint)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		s.table(table), quoteAll(cols), placeholders(1, len(cols)))
	return s.queryOne(ctx, "Insert", query, vals)
}

func (s *PostgresStore) Update(ctx context.Context, table string, key Key, data Row) ([]Row, error) {
	cols, vals := splitRow(data)
	if len(cols) == 0 {
		return nil, fmt.Errorf("Update: no columns given: %w", ErrConstraint)
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quote(c), i+1)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		s.table(table), strings.Join(sets, ", "), quote(key.Column), len(cols)+1)

	rows, err := s.db.QueryContext(ctx, query, append(vals, key.Value)...)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	defer func() { _ = rows.Close() }()

	updated, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("Update: %s.%s = %v: %w", table, key.Column, key.Value, ErrRowNotFound)
	}
	return updated, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, keyColumn string, data Row) (Row, error) {
	if _, ok := data[keyColumn]; !ok {
		return nil, fmt.Errorf("Upsert: data must include key column %q: %w", keyColumn, ErrConstraint)
	}
	cols, vals := splitRow(data)

	var sets []string
	for _, c := range cols {
		if c == keyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(keyColumn), quote(keyColumn)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING *",
		s.table(table), quoteAll(cols), placeholders(1, len(cols)), quote(keyColumn), strings.Join(sets, ", "))
	return s.queryOne(ctx, "Upsert", query, vals)
}

func (s *PostgresStore) Delete(ctx context.Context, table string, key Key) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.table(table), quote(key.Column))
	res, err := s.db.ExecContext(ctx, query, key.Value)
	if err != nil {
		return 0, fmt.Errorf("Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Delete: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, op, query string, args []any) (Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(result) == 0 {
		return Row{}, nil
	}
	return result[0], nil
}

// splitRow returns the row's columns in sorted order and the matching values.
func splitRow(data Row) ([]string, []any) {
	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = data[c]
	}
	return cols, vals
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
