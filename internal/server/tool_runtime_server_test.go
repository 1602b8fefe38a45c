package server

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/audit"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/gate"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/relay"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/rowstore"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tools"
)

// stubCompleter replays fixed tokens.
type stubCompleter struct {
	tokens []string
	err    error
}

func (s *stubCompleter) Stream(_ context.Context, _ []relay.Message) (iter.Seq2[string, error], error) {
	if s.err != nil {
		return nil, s.err
	}
	return func(yield func(string, error) bool) {
		for _, tok := range s.tokens {
			if !yield(tok, nil) {
				return
			}
		}
	}, nil
}

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T, completions Completer) (*Client, *rowstore.MemoryStore, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	rows := rowstore.NewMemoryStore()
	rows.CreateTable(rowstore.TableSchema{
		Name:       "users",
		Columns:    []rowstore.Column{{Name: "id", DataType: "integer"}, {Name: "name", DataType: "text"}},
		PrimaryKey: []string{"id"},
	})

	reg := registry.New()
	if err := tools.RegisterAll(reg, tools.Deps{Rows: rowstore.StaticConnector{Store: rows}, Logger: logger}); err != nil {
		t.Fatal(err)
	}

	srv := NewToolRuntimeServer(Config{
		Gate:        gate.New(reg, audit.NewLogWriter(logger), logger),
		Registry:    reg,
		Auth:        auth.NewStaticAuthenticator(tools.PermDBRead, tools.PermDBWrite),
		Completions: completions,
		Logger:      logger,
	})

	grpcServer := grpc.NewServer()
	RegisterToolRuntimeService(grpcServer, srv)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}

	return NewClient(conn), rows, cleanup
}

func authCtx() context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer trk_testkey1234",
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestServer_ListTools(t *testing.T) {
	client, _, cleanup := setupTestServer(t, nil)
	defer cleanup()

	resp, err := client.ListTools(authCtx())
	if err != nil {
		t.Fatal(err)
	}
	list := resp.Fields["tools"].GetListValue().GetValues()
	if len(list) != 9 {
		t.Fatalf("expected 9 tools, got %d", len(list))
	}
	first := list[0].GetStructValue().GetFields()
	if len(first) != 3 || first["parameterSchema"] == nil {
		t.Fatalf("unexpected tool listing entry %v", first)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	client, _, cleanup := setupTestServer(t, nil)
	defer cleanup()

	_, err := client.ListTools(context.Background())
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestServer_InvokeConfirmationRoundTrip(t *testing.T) {
	client, rows, cleanup := setupTestServer(t, nil)
	defer cleanup()

	req := map[string]any{
		"toolName":   "db_write",
		"documentId": "doc-1",
		"arguments": map[string]any{
			"op":    "insert",
			"table": "users",
			"data":  map[string]any{"id": 1, "name": "ann"},
		},
	}

	resp, err := client.Invoke(authCtx(), mustStruct(t, req))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Fields["outcome"].GetStringValue(); got != "needs_confirmation" {
		t.Fatalf("expected needs_confirmation, got %q", got)
	}
	payload := resp.Fields["confirmPayload"].GetStructValue().GetFields()
	if payload["kind"].GetStringValue() != "row_mutation" {
		t.Fatalf("unexpected confirm payload %v", payload)
	}

	req["arguments"].(map[string]any)["confirm"] = true
	resp, err = client.Invoke(authCtx(), mustStruct(t, req))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Fields["outcome"].GetStringValue(); got != "success" {
		t.Fatalf("expected success, got %v", resp.Fields)
	}

	page, _ := rows.SelectPaged(context.Background(), "users", 1, 10, "")
	if page.Total != 1 {
		t.Fatalf("expected one inserted row, got %d", page.Total)
	}
}

func TestServer_InvokeFailureInBody(t *testing.T) {
	client, _, cleanup := setupTestServer(t, nil)
	defer cleanup()

	resp, err := client.Invoke(authCtx(), mustStruct(t, map[string]any{
		"toolName":  "web_search",
		"arguments": map[string]any{"query": "golang"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Fields["outcome"].GetStringValue() != "failure" || resp.Fields["errorKind"].GetStringValue() != "permission_denied" {
		t.Fatalf("expected permission_denied failure, got %v", resp.Fields)
	}
	if resp.Fields["retryable"].GetBoolValue() {
		t.Fatal("permission_denied must not be retryable")
	}
}

func TestServer_InvokeRequiresToolName(t *testing.T) {
	client, _, cleanup := setupTestServer(t, nil)
	defer cleanup()

	_, err := client.Invoke(authCtx(), mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServer_StreamCompletion(t *testing.T) {
	client, _, cleanup := setupTestServer(t, &stubCompleter{tokens: []string{"he", "llo"}})
	defer cleanup()

	stream, err := client.StreamCompletion(authCtx(), mustStruct(t, map[string]any{"prompt": "hi"}))
	if err != nil {
		t.Fatal(err)
	}

	var got string
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got += msg.Fields["token"].GetStringValue()
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestServer_StreamCompletion_Errors(t *testing.T) {
	cases := []struct {
		name string
		comp Completer
		req  map[string]any
		code codes.Code
	}{
		{"not configured", nil, map[string]any{"prompt": "hi"}, codes.FailedPrecondition},
		{"empty request", &stubCompleter{}, map[string]any{}, codes.InvalidArgument},
		{"upstream 400", &stubCompleter{err: &relay.UpstreamError{Code: 400}}, map[string]any{"prompt": "hi"}, codes.InvalidArgument},
		{"upstream 503", &stubCompleter{err: &relay.UpstreamError{Code: 503}}, map[string]any{"prompt": "hi"}, codes.Unavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _, cleanup := setupTestServer(t, tc.comp)
			defer cleanup()

			stream, err := client.StreamCompletion(authCtx(), mustStruct(t, tc.req))
			if err != nil {
				t.Fatal(err)
			}
			_, err = stream.Recv()
			if status.Code(err) != tc.code {
				t.Fatalf("expected %v, got %v", tc.code, err)
			}
		})
	}
}
