package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/rowstore"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxCandidates   = 10
)

type rowTools struct {
	conn   rowstore.Connector
	logger *zap.Logger
}

func (r *rowTools) store(ctx context.Context, ec tool.ExecutionContext) (rowstore.Store, tool.Outcome) {
	if ec.DocumentID == "" {
		return nil, tool.Fail(tool.KindValidation, "no document in context; row tools need a document with a data connection")
	}
	s, err := r.conn.StoreFor(ctx, ec.DocumentID)
	if err != nil {
		return nil, storeFailure(err)
	}
	return s, nil
}

var tableParam = map[string]any{"type": "string", "minLength": 1, "description": "Table name."}

func (r *rowTools) listTables() tool.Descriptor {
	return tool.Descriptor{
		Name:        "db_list_tables",
		Version:     version,
		Description: "List the tables in the document's database.",
		Parameters:  map[string]any{"type": "object", "additionalProperties": false},
		Permissions: []string{PermDBRead},
		Metadata:    meta("database", 10*time.Second, 2),
		Handler: tool.Typed(func(ctx context.Context, _ struct{}, ec tool.ExecutionContext) (tool.Outcome, error) {
			s, fail := r.store(ctx, ec)
			if fail != nil {
				return fail, nil
			}
			tables, err := s.ListTables(ctx)
			if err != nil {
				return storeFailure(err), nil
			}
			if tables == nil {
				tables = []string{}
			}
			return tool.Ok(map[string]any{"tables": tables}), nil
		}),
	}
}

type describeArgs struct {
	Table string `json:"table"`
}

func (r *rowTools) describeTable() tool.Descriptor {
	return tool.Descriptor{
		Name:        "db_describe_table",
		Version:     version,
		Description: "Describe a table's columns and primary key.",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"table": tableParam},
			"required":             []any{"table"},
			"additionalProperties": false,
		},
		Permissions: []string{PermDBRead},
		Metadata:    meta("database", 10*time.Second, 2),
		Handler: tool.Typed(func(ctx context.Context, args describeArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
			s, fail := r.store(ctx, ec)
			if fail != nil {
				return fail, nil
			}
			ts, fail := r.describe(ctx, s, args.Table)
			if fail != nil {
				return fail, nil
			}
			return tool.Ok(ts), nil
		}),
	}
}

// describe resolves a table, turning an unknown name into a validation
// failure that lists candidates.
func (r *rowTools) describe(ctx context.Context, s rowstore.Store, table string) (*rowstore.TableSchema, tool.Outcome) {
	ts, err := s.DescribeTable(ctx, table)
	if errors.Is(err, rowstore.ErrTableNotFound) {
		return nil, r.unknownTable(ctx, s, table)
	}
	if err != nil {
		return nil, storeFailure(err)
	}
	return ts, nil
}

func (r *rowTools) unknownTable(ctx context.Context, s rowstore.Store, table string) tool.Outcome {
	tables, err := s.ListTables(ctx)
	if err != nil {
		r.logger.Warn("listing tables for unknown table hint failed", zap.Error(err))
		return tool.Failf(tool.KindValidation, "table %q does not exist", table)
	}
	return tool.Fail(tool.KindValidation, unknownTableMessage(table, tables))
}

func unknownTableMessage(table string, tables []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table %q does not exist", table)

	if near := nearMatch(table, tables); near != "" {
		fmt.Fprintf(&b, "; did you mean %q?", near)
	}
	if len(tables) == 0 {
		b.WriteString("; the database has no tables")
		return b.String()
	}
	shown := tables[:min(len(tables), maxCandidates)]
	fmt.Fprintf(&b, "; available tables: %s", strings.Join(shown, ", "))
	if rest := len(tables) - len(shown); rest > 0 {
		fmt.Fprintf(&b, " (and %d more)", rest)
	}
	return b.String()
}

// nearMatch returns a case-insensitive exact match, or failing that a table
// whose name contains or is contained in the requested one.
func nearMatch(table string, tables []string) string {
	lower := strings.ToLower(table)
	for _, t := range tables {
		if strings.EqualFold(t, table) {
			return t
		}
	}
	for _, t := range tables {
		lt := strings.ToLower(t)
		if strings.Contains(lt, lower) || strings.Contains(lower, lt) {
			return t
		}
	}
	return ""
}

type selectArgs struct {
	Table    string `json:"table"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Search   string `json:"search"`
}

func (r *rowTools) selectRows() tool.Descriptor {
	return tool.Descriptor{
		Name:        "db_select",
		Version:     version,
		Description: "Read a page of rows from a table, optionally filtered by a search term matched against every column.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table":    tableParam,
				"page":     map[string]any{"type": "integer", "description": "1-based page number."},
				"pageSize": map[string]any{"type": "integer", "description": "Rows per page (1-500, default 50)."},
				"search":   map[string]any{"type": "string"},
			},
			"required":             []any{"table"},
			"additionalProperties": false,
		},
		Permissions: []string{PermDBRead},
		Metadata:    meta("database", 15*time.Second, 2),
		Handler: tool.Typed(func(ctx context.Context, args selectArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
			s, fail := r.store(ctx, ec)
			if fail != nil {
				return fail, nil
			}
			if _, fail := r.describe(ctx, s, args.Table); fail != nil {
				return fail, nil
			}

			page := max(args.Page, 1)
			size := defaultPageSize
			if args.PageSize != 0 {
				size = clamp(args.PageSize, 1, maxPageSize)
			}
			p, err := s.SelectPaged(ctx, args.Table, page, size, strings.TrimSpace(args.Search))
			if err != nil {
				return storeFailure(err), nil
			}
			if p.Rows == nil {
				p.Rows = []rowstore.Row{}
			}
			return tool.Ok(p), nil
		}),
	}
}

type writeArgs struct {
	Op              string         `json:"op"`
	Table           string         `json:"table"`
	Data            map[string]any `json:"data"`
	PrimaryKey      string         `json:"primaryKey"`
	PrimaryKeyValue any            `json:"primaryKeyValue"`
}

func (a *writeArgs) affectedKeys() []string {
	keys := make([]string, 0, len(a.Data)+1)
	for k := range a.Data {
		keys = append(keys, k)
	}
	if a.PrimaryKey != "" {
		if _, ok := a.Data[a.PrimaryKey]; !ok {
			keys = append(keys, a.PrimaryKey)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *rowTools) write() tool.Descriptor {
	return tool.Descriptor{
		Name:        "db_write",
		Version:     version,
		Description: "Insert, update, upsert or delete rows in a table. Requires confirmation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"op":              map[string]any{"type": "string", "enum": []any{"insert", "update", "upsert", "delete"}},
				"table":           tableParam,
				"data":            map[string]any{"type": "object"},
				"primaryKey":      map[string]any{"type": "string", "minLength": 1},
				"primaryKeyValue": map[string]any{"type": []any{"string", "number", "integer", "boolean"}},
			},
			"required":             []any{"op", "table"},
			"additionalProperties": false,
		},
		Permissions: []string{PermDBWrite},
		Metadata: tool.Metadata{
			Category:        "database",
			RequiresConfirm: true,
			Timeout:         15 * time.Second,
			MaxRetries:      0,
		},
		Confirm: func(raw json.RawMessage) tool.ConfirmPayload {
			var a writeArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				// Zero payload falls back to the gate's default.
				return tool.ConfirmPayload{}
			}
			return tool.ConfirmPayload{
				Kind:  "row_mutation",
				Title: fmt.Sprintf("Confirm %s on %s", a.Op, a.Table),
				Details: map[string]any{
					"op":           a.Op,
					"table":        a.Table,
					"affectedKeys": a.affectedKeys(),
				},
			}
		},
		Handler: tool.Typed(r.handleWrite),
	}
}

func (r *rowTools) handleWrite(ctx context.Context, args writeArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
	if fail := checkWriteArgs(&args); fail != nil {
		return fail, nil
	}
	s, fail := r.store(ctx, ec)
	if fail != nil {
		return fail, nil
	}

	ts, fail := r.describe(ctx, s, args.Table)
	if fail != nil {
		return fail, nil
	}
	if args.Op != "delete" {
		if unknown := unknownColumns(ts, args.Data); len(unknown) > 0 {
			return tool.Failf(tool.KindValidation, "table %q has no column(s) %s", args.Table, strings.Join(unknown, ", ")), nil
		}
	}

	key := rowstore.Key{Column: args.PrimaryKey, Value: args.PrimaryKeyValue}
	switch args.Op {
	case "insert":
		row, err := s.Insert(ctx, args.Table, args.Data)
		if err != nil {
			return storeFailure(err), nil
		}
		return tool.Ok(map[string]any{"op": args.Op, "table": args.Table, "affected": 1, "row": row}), nil
	case "update":
		rows, err := s.Update(ctx, args.Table, key, args.Data)
		if err != nil {
			return storeFailure(err), nil
		}
		return tool.Ok(map[string]any{"op": args.Op, "table": args.Table, "affected": len(rows), "rows": rows}), nil
	case "upsert":
		row, err := s.Upsert(ctx, args.Table, args.PrimaryKey, args.Data)
		if err != nil {
			return storeFailure(err), nil
		}
		return tool.Ok(map[string]any{"op": args.Op, "table": args.Table, "affected": 1, "row": row}), nil
	default:
		n, err := s.Delete(ctx, args.Table, key)
		if err != nil {
			return storeFailure(err), nil
		}
		if n == 0 {
			return tool.Failf(tool.KindNotFound, "no row in %q where %s = %v", args.Table, args.PrimaryKey, args.PrimaryKeyValue), nil
		}
		return tool.Ok(map[string]any{"op": args.Op, "table": args.Table, "affected": n}), nil
	}
}

// checkWriteArgs enforces the per-op argument rules the schema cannot express.
func checkWriteArgs(a *writeArgs) tool.Outcome {
	switch a.Op {
	case "update", "delete":
		if a.PrimaryKey == "" || a.PrimaryKeyValue == nil {
			return tool.Failf(tool.KindValidation, "%s requires primaryKey and primaryKeyValue", a.Op)
		}
	case "upsert":
		if a.PrimaryKey == "" {
			return tool.Fail(tool.KindValidation, "upsert requires primaryKey")
		}
		if _, ok := a.Data[a.PrimaryKey]; !ok {
			if a.PrimaryKeyValue == nil {
				return tool.Failf(tool.KindValidation, "upsert requires data.%s or primaryKeyValue", a.PrimaryKey)
			}
			if a.Data == nil {
				a.Data = map[string]any{}
			}
			a.Data[a.PrimaryKey] = a.PrimaryKeyValue
		}
	}
	if a.Op != "delete" && len(a.Data) == 0 {
		return tool.Failf(tool.KindValidation, "%s requires a non-empty data object", a.Op)
	}
	return nil
}

func unknownColumns(ts *rowstore.TableSchema, data map[string]any) []string {
	var unknown []string
	for k := range data {
		if !ts.HasColumn(k) {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// storeFailure classifies a row store error. Constraint, data and syntax
// errors reported by Postgres are the caller's to fix; everything else is
// treated as transient.
func storeFailure(err error) tool.Outcome {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, rowstore.ErrNoConnection):
		return tool.Fail(tool.KindNoSourceConfigured, err.Error())
	case errors.Is(err, rowstore.ErrTableNotFound):
		return tool.Fail(tool.KindValidation, err.Error())
	case errors.Is(err, rowstore.ErrRowNotFound):
		return tool.Fail(tool.KindNotFound, err.Error())
	case errors.Is(err, rowstore.ErrConstraint):
		return tool.Fail(tool.KindValidation, err.Error())
	case errors.As(err, &pgErr) && len(pgErr.Code) >= 2:
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return tool.Failf(tool.KindValidation, "%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
		}
		return tool.Failf(tool.KindTransient, "database error: %s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	return tool.Failf(tool.KindTransient, "database error: %v", err)
}
