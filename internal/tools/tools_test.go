package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/editor"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/gate"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/retrieval"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/rowstore"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

type fixture struct {
	gate  *gate.Gate
	rows  *rowstore.MemoryStore
	files *editor.MemoryFileStore
	reg   *registry.Registry
}

type fixedProvider struct {
	results []search.Result
	err     error
}

func (p fixedProvider) Search(context.Context, string, search.Options) ([]search.Result, error) {
	return p.results, p.err
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	rows := rowstore.NewMemoryStore()
	rows.CreateTable(rowstore.TableSchema{
		Name:       "users",
		Columns:    []rowstore.Column{{Name: "id", DataType: "integer"}, {Name: "name", DataType: "text"}},
		PrimaryKey: []string{"id"},
	})
	files := editor.NewMemoryFileStore()
	if deps.Rows == nil {
		deps.Rows = rowstore.StaticConnector{Store: rows}
	}
	deps.Files = files
	deps.Logger = zap.NewNop()

	reg := registry.New()
	if err := RegisterAll(reg, deps); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return &fixture{gate: gate.New(reg, nil, zap.NewNop()), rows: rows, files: files, reg: reg}
}

func allPerms() tool.PermissionSet {
	return tool.NewPermissionSet(PermDBRead, PermDBWrite, PermWebSearch, PermKBRead, PermCodeRead, PermCodeWrite)
}

func (f *fixture) call(t *testing.T, name string, args any, perms tool.PermissionSet) tool.Outcome {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return f.gate.Invoke(context.Background(), gate.Call{
		ToolName:  name,
		Arguments: raw,
		Context: tool.ExecutionContext{
			SessionID:  "sess",
			DocumentID: "doc",
			Caller:     tool.Caller{ID: "u1", ProjectID: "proj", Permissions: perms},
		},
	})
}

func mustSucceed(t *testing.T, out tool.Outcome) map[string]any {
	t.Helper()
	s, ok := out.(tool.Success)
	if !ok {
		t.Fatalf("expected success, got %#v", out)
	}
	raw, err := json.Marshal(s.Output)
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("output is not an object: %s", raw)
	}
	return m
}

func mustFail(t *testing.T, out tool.Outcome, kind tool.ErrorKind) tool.Failure {
	t.Helper()
	f, ok := out.(tool.Failure)
	if !ok {
		t.Fatalf("expected %s failure, got %#v", kind, out)
	}
	if f.ErrorKind != kind {
		t.Fatalf("expected %s, got %s: %s", kind, f.ErrorKind, f.Message)
	}
	return f
}

func TestRegisterAll(t *testing.T) {
	f := newFixture(t, Deps{})
	if f.reg.Count() != 9 {
		t.Fatalf("expected 9 tools, got %d", f.reg.Count())
	}
	err := f.reg.Register(tool.Descriptor{Name: "late", Version: "1.0.0", Handler: func(context.Context, json.RawMessage, tool.ExecutionContext) (tool.Outcome, error) {
		return tool.Ok(nil), nil
	}})
	if !errors.Is(err, registry.ErrSealed) {
		t.Fatalf("expected sealed registry, got %v", err)
	}
}

func TestDescribeTable_UnknownListsCandidates(t *testing.T) {
	f := newFixture(t, Deps{})
	for i := range 14 {
		f.rows.CreateTable(rowstore.TableSchema{Name: fmt.Sprintf("t%02d", i), Columns: []rowstore.Column{{Name: "id"}}})
	}

	fail := mustFail(t, f.call(t, "db_describe_table", map[string]any{"table": "Users"}, allPerms()), tool.KindValidation)
	if !strings.Contains(fail.Message, `did you mean "users"`) {
		t.Fatalf("expected near-match hint, got %q", fail.Message)
	}
	_, list, ok := strings.Cut(fail.Message, "available tables: ")
	if !ok {
		t.Fatalf("expected candidate list, got %q", fail.Message)
	}
	list, _, _ = strings.Cut(list, " (and")
	if n := len(strings.Split(list, ", ")); n > 10 {
		t.Fatalf("expected at most 10 candidates, got %d: %q", n, fail.Message)
	}
	if !strings.Contains(fail.Message, "(and 5 more)") {
		t.Fatalf("expected overflow count, got %q", fail.Message)
	}
}

func TestWrite_UnknownTableListsCandidates(t *testing.T) {
	f := newFixture(t, Deps{})
	f.rows.CreateTable(rowstore.TableSchema{Name: "orders", Columns: []rowstore.Column{{Name: "id"}}})

	cases := []map[string]any{
		{"op": "insert", "data": map[string]any{"id": 1}},
		{"op": "update", "primaryKey": "id", "primaryKeyValue": 1, "data": map[string]any{"name": "x"}},
		{"op": "upsert", "primaryKey": "id", "data": map[string]any{"id": 1}},
		{"op": "delete", "primaryKey": "id", "primaryKeyValue": 1},
	}
	for _, args := range cases {
		args["table"] = "Users"
		args["confirm"] = true
		fail := mustFail(t, f.call(t, "db_write", args, allPerms()), tool.KindValidation)
		if !strings.Contains(fail.Message, "available tables: ") {
			t.Fatalf("%s: expected candidate list, got %q", args["op"], fail.Message)
		}
		if !strings.Contains(fail.Message, `did you mean "users"`) {
			t.Fatalf("%s: expected near-match hint, got %q", args["op"], fail.Message)
		}
	}
}

func TestWrite_ConfirmPayloadFallsBackOnBadArguments(t *testing.T) {
	var write tool.Descriptor
	for _, d := range Descriptors(Deps{}) {
		if d.Name == "db_write" {
			write = d
		}
	}
	if write.Confirm == nil {
		t.Fatal("db_write has no Confirm func")
	}
	if p := write.Confirm(json.RawMessage(`{"op": 7`)); p.Kind != "" || p.Title != "" || p.Details != nil {
		t.Fatalf("expected zero payload for undecodable arguments, got %+v", p)
	}
	p := write.Confirm(json.RawMessage(`{"op":"delete","table":"users","primaryKey":"id","primaryKeyValue":1}`))
	if p.Kind != "row_mutation" || p.Title != "Confirm delete on users" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestDescribeTable_Known(t *testing.T) {
	f := newFixture(t, Deps{})
	out := mustSucceed(t, f.call(t, "db_describe_table", map[string]any{"table": "users"}, allPerms()))
	if out["name"] != "users" {
		t.Fatalf("unexpected schema %v", out)
	}
}

func TestListTables_NoConnection(t *testing.T) {
	f := newFixture(t, Deps{Rows: rowstore.StaticConnector{}})
	mustFail(t, f.call(t, "db_list_tables", map[string]any{}, allPerms()), tool.KindNoSourceConfigured)
}

func TestSelect_ClampsPageSize(t *testing.T) {
	f := newFixture(t, Deps{})
	out := mustSucceed(t, f.call(t, "db_select", map[string]any{"table": "users", "pageSize": 10000}, allPerms()))
	if out["pageSize"] != float64(maxPageSize) {
		t.Fatalf("expected pageSize clamped to %d, got %v", maxPageSize, out["pageSize"])
	}
	out = mustSucceed(t, f.call(t, "db_select", map[string]any{"table": "users"}, allPerms()))
	if out["pageSize"] != float64(defaultPageSize) || out["page"] != float64(1) {
		t.Fatalf("expected defaults, got %v", out)
	}
}

func TestWrite_RequiresConfirmation(t *testing.T) {
	f := newFixture(t, Deps{})
	args := map[string]any{"op": "insert", "table": "users", "data": map[string]any{"id": 1, "name": "ann"}}

	out := f.call(t, "db_write", args, allPerms())
	nc, ok := out.(tool.NeedsConfirmation)
	if !ok {
		t.Fatalf("expected NeedsConfirmation, got %#v", out)
	}
	if nc.Payload.Kind != "row_mutation" || nc.Payload.Details["op"] != "insert" || nc.Payload.Details["table"] != "users" {
		t.Fatalf("unexpected payload %+v", nc.Payload)
	}
	keys, _ := nc.Payload.Details["affectedKeys"].([]string)
	if strings.Join(keys, ",") != "id,name" {
		t.Fatalf("unexpected affected keys %v", nc.Payload.Details["affectedKeys"])
	}
	page, _ := f.rows.SelectPaged(context.Background(), "users", 1, 50, "")
	if page.Total != 0 {
		t.Fatal("unconfirmed write mutated the store")
	}

	args["confirm"] = true
	res := mustSucceed(t, f.call(t, "db_write", args, allPerms()))
	if res["affected"] != float64(1) {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestWrite_PermissionCheckedBeforeConfirmation(t *testing.T) {
	f := newFixture(t, Deps{})
	args := map[string]any{"op": "delete", "table": "users", "primaryKey": "id", "primaryKeyValue": 1}
	mustFail(t, f.call(t, "db_write", args, tool.NewPermissionSet(PermDBRead)), tool.KindPermissionDenied)
}

func TestWrite_ArgumentRules(t *testing.T) {
	f := newFixture(t, Deps{})
	cases := []map[string]any{
		{"op": "update", "table": "users", "data": map[string]any{"name": "x"}},
		{"op": "delete", "table": "users", "primaryKey": "id"},
		{"op": "upsert", "table": "users", "data": map[string]any{"id": 1}},
		{"op": "insert", "table": "users"},
		{"op": "insert", "table": "users", "data": map[string]any{"email": "x"}},
		{"op": "insert", "table": "ghosts", "data": map[string]any{"id": 1}},
		{"op": "truncate", "table": "users"},
	}
	for _, args := range cases {
		args["confirm"] = true
		mustFail(t, f.call(t, "db_write", args, allPerms()), tool.KindValidation)
	}
}

func TestWrite_UpsertIdempotent(t *testing.T) {
	f := newFixture(t, Deps{})
	args := map[string]any{"op": "upsert", "table": "users", "primaryKey": "id", "data": map[string]any{"id": 5, "name": "eve"}, "confirm": true}
	for range 2 {
		mustSucceed(t, f.call(t, "db_write", args, allPerms()))
	}
	page, _ := f.rows.SelectPaged(context.Background(), "users", 1, 50, "")
	if page.Total != 1 || page.Rows[0]["name"] != "eve" {
		t.Fatalf("expected one eve row, got %+v", page.Rows)
	}
}

func TestWrite_UpdateAndDeleteMissingRow(t *testing.T) {
	f := newFixture(t, Deps{})
	upd := map[string]any{"op": "update", "table": "users", "primaryKey": "id", "primaryKeyValue": 404, "data": map[string]any{"name": "x"}, "confirm": true}
	mustFail(t, f.call(t, "db_write", upd, allPerms()), tool.KindNotFound)

	del := map[string]any{"op": "delete", "table": "users", "primaryKey": "id", "primaryKeyValue": 404, "confirm": true}
	mustFail(t, f.call(t, "db_write", del, allPerms()), tool.KindNotFound)
}

func TestStoreFailure_Classification(t *testing.T) {
	cases := []struct {
		err  error
		kind tool.ErrorKind
	}{
		{&pgconn.PgError{Code: "23505", Message: "duplicate key"}, tool.KindValidation},
		{&pgconn.PgError{Code: "42703", Message: "column does not exist"}, tool.KindValidation},
		{&pgconn.PgError{Code: "57P01", Message: "admin shutdown"}, tool.KindTransient},
		{fmt.Errorf("Insert: %w", rowstore.ErrConstraint), tool.KindValidation},
		{errors.New("connection refused"), tool.KindTransient},
	}
	for _, tc := range cases {
		f, ok := storeFailure(tc.err).(tool.Failure)
		if !ok || f.ErrorKind != tc.kind {
			t.Fatalf("%v: expected %s, got %#v", tc.err, tc.kind, f)
		}
	}
}

func TestUnknownTableMessage_Empty(t *testing.T) {
	msg := unknownTableMessage("users", nil)
	if !strings.Contains(msg, "no tables") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestWebSearch(t *testing.T) {
	f := newFixture(t, Deps{WebSearch: fixedProvider{results: []search.Result{{Text: "hit", Score: 1}}}})
	out := mustSucceed(t, f.call(t, "web_search", map[string]any{"query": "golang"}, allPerms()))
	if results, _ := out["results"].([]any); len(results) != 1 {
		t.Fatalf("unexpected results %v", out)
	}
	mustFail(t, f.call(t, "web_search", map[string]any{"query": ""}, allPerms()), tool.KindValidation)
}

func TestSearchFailure_Classification(t *testing.T) {
	cases := []struct {
		err  error
		kind tool.ErrorKind
	}{
		{&search.StatusError{Code: 400}, tool.KindValidation},
		{&search.StatusError{Code: 503}, tool.KindTransient},
		{&search.StatusError{Code: 429}, tool.KindTransient},
		{errors.New("dial tcp: refused"), tool.KindTransient},
		{search.ErrNotConfigured, tool.KindNoSourceConfigured},
	}
	for _, tc := range cases {
		f := searchFailure(tc.err).(tool.Failure)
		if f.ErrorKind != tc.kind {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.kind, f.ErrorKind)
		}
		if f.Retryable != tc.kind.DefaultRetryable() {
			t.Fatalf("%v: unexpected retryable flag", tc.err)
		}
	}
}

func TestImageSearch_Unconfigured(t *testing.T) {
	f := newFixture(t, Deps{})
	mustFail(t, f.call(t, "image_search", map[string]any{"query": "cats"}, allPerms()), tool.KindNoSourceConfigured)
}

type namedSource struct {
	id      string
	results []search.Result
}

func (s namedSource) ID() string { return s.id }
func (s namedSource) Search(context.Context, string, int) ([]search.Result, error) {
	return s.results, nil
}

func TestKnowledgeSearch(t *testing.T) {
	f := newFixture(t, Deps{})
	mustFail(t, f.call(t, "knowledge_search", map[string]any{"query": "q"}, allPerms()), tool.KindNoSourceConfigured)

	catalog, err := retrieval.NewCatalog(map[string][]retrieval.Weighted{
		retrieval.DefaultScope: {
			{Source: namedSource{id: "A", results: []search.Result{{Text: "a", Score: 10}}}, Weight: 2},
			{Source: namedSource{id: "B", results: []search.Result{{Text: "b", Score: 15}}}, Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f = newFixture(t, Deps{Knowledge: catalog})
	out := mustSucceed(t, f.call(t, "knowledge_search", map[string]any{"query": "q", "topK": 1}, allPerms()))
	results, _ := out["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["sourceId"] != "A" {
		t.Fatalf("unexpected results %v", out)
	}
}

func TestReadAndEditFiles(t *testing.T) {
	f := newFixture(t, Deps{})
	_ = f.files.Set(context.Background(), "sess", "app.go", "package main\n\nfunc main() {}\n")

	out := mustSucceed(t, f.call(t, "edit_files", map[string]any{"edits": []map[string]any{
		{"filePath": "app.go", "oldString": "func main() {}", "newString": "func main() { run() }"},
		{"filePath": "app.go", "oldString": "run()", "newString": "serve()"},
		{"filePath": "gone.go", "oldString": "x", "newString": "y"},
	}}, allPerms()))

	status, _ := out["status"].([]any)
	if len(status) != 3 {
		t.Fatalf("expected 3 status lines, got %v", out["status"])
	}
	touched, _ := out["touchedFiles"].([]any)
	if len(touched) != 1 || touched[0] != "app.go" {
		t.Fatalf("unexpected touched files %v", out["touchedFiles"])
	}

	read := mustSucceed(t, f.call(t, "read_file", map[string]any{"path": "app.go"}, allPerms()))
	if !strings.Contains(read["content"].(string), "serve()") {
		t.Fatalf("unexpected content %v", read["content"])
	}
	mustFail(t, f.call(t, "read_file", map[string]any{"path": "gone.go"}, allPerms()), tool.KindNotFound)
}

func TestEditFiles_RequiresAtLeastOneEdit(t *testing.T) {
	f := newFixture(t, Deps{})
	mustFail(t, f.call(t, "edit_files", map[string]any{"edits": []any{}}, allPerms()), tool.KindValidation)
}
