package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/gate"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/relay"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// Completer streams completion tokens from an upstream model.
type Completer interface {
	Stream(ctx context.Context, messages []relay.Message) (iter.Seq2[string, error], error)
}

// ToolRuntimeServer implements the ToolRuntime gRPC service.
//
// Invoke request:  {toolName, arguments, sessionId?, documentId?, retry?}
// Invoke response: {outcome: "success", output}
//
//	| {outcome: "failure", errorKind, message, retryable}
//	| {outcome: "needs_confirmation", confirmPayload: {kind, title, details}}
//
// StreamCompletion request: {messages: [{role, content}]} or {prompt};
// each response message is {token}.
type ToolRuntimeServer struct {
	gate        *gate.Gate
	registry    *registry.Registry
	auth        auth.Authenticator
	completions Completer
	retry       gate.RetryPolicy
	logger      *zap.Logger
}

// Config wires the server's collaborators. Completions may be nil, in which
// case StreamCompletion reports FailedPrecondition.
type Config struct {
	Gate        *gate.Gate
	Registry    *registry.Registry
	Auth        auth.Authenticator
	Completions Completer
	Retry       gate.RetryPolicy
	Logger      *zap.Logger
}

func NewToolRuntimeServer(cfg Config) *ToolRuntimeServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolRuntimeServer{
		gate:        cfg.Gate,
		registry:    cfg.Registry,
		auth:        cfg.Auth,
		completions: cfg.Completions,
		retry:       cfg.Retry,
		logger:      logger,
	}
}

func (s *ToolRuntimeServer) authenticate(ctx context.Context) (tool.Caller, error) {
	caller, err := s.auth.Authenticate(ctx)
	if err != nil {
		return tool.Caller{}, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return caller, nil
}

// ListTools implements the ToolRuntime.ListTools RPC.
func (s *ToolRuntimeServer) ListTools(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"tools": s.registry.ListForExternalToolFormat()})
}

type invokeRequest struct {
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments"`
	SessionID  string          `json:"sessionId"`
	DocumentID string          `json:"documentId"`
	Retry      bool            `json:"retry"`
}

// Invoke implements the ToolRuntime.Invoke RPC. Tool failures are returned
// in the response body, never as gRPC errors.
func (s *ToolRuntimeServer) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var req invokeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed invoke request: %v", err)
	}
	if req.ToolName == "" {
		return nil, status.Error(codes.InvalidArgument, "toolName is required")
	}

	call := gate.Call{
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
		Context: tool.ExecutionContext{
			SessionID:  req.SessionID,
			DocumentID: req.DocumentID,
			Caller:     caller,
		},
	}

	var out tool.Outcome
	if req.Retry {
		out = s.gate.InvokeWithRetry(ctx, call, s.retry)
	} else {
		out = s.gate.Invoke(ctx, call)
	}
	return toStruct(outcomeDocument(out))
}

func outcomeDocument(out tool.Outcome) map[string]any {
	doc := map[string]any{"outcome": out.Kind().String()}
	switch o := out.(type) {
	case tool.Success:
		doc["output"] = o.Output
	case tool.Failure:
		doc["errorKind"] = o.ErrorKind
		doc["message"] = o.Message
		doc["retryable"] = o.Retryable
	case tool.NeedsConfirmation:
		doc["confirmPayload"] = o.Payload
	}
	return doc
}

type completionRequest struct {
	Messages []relay.Message `json:"messages"`
	Prompt   string          `json:"prompt"`
}

// StreamCompletion implements the ToolRuntime.StreamCompletion RPC. The
// upstream request shares the stream's context, so a client disconnect
// cancels it.
func (s *ToolRuntimeServer) StreamCompletion(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	caller, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	if s.completions == nil {
		return status.Error(codes.FailedPrecondition, "no completion endpoint configured")
	}

	var req completionRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed completion request: %v", err)
	}
	messages := req.Messages
	if len(messages) == 0 && req.Prompt != "" {
		messages = []relay.Message{{Role: "user", Content: req.Prompt}}
	}
	if len(messages) == 0 {
		return status.Error(codes.InvalidArgument, "messages or prompt is required")
	}

	start := time.Now()
	tokens, err := s.completions.Stream(ctx, messages)
	if err != nil {
		return upstreamStatus(err)
	}

	sent := 0
	for tok, err := range tokens {
		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			return status.Errorf(codes.Unavailable, "completion stream failed: %v", err)
		}
		msg, err := structpb.NewStruct(map[string]any{"token": tok})
		if err != nil {
			return status.Errorf(codes.Internal, "encode token: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		sent++
	}

	s.logger.Debug("completion stream finished",
		zap.String("caller_id", caller.ID),
		zap.Int("tokens", sent),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func upstreamStatus(err error) error {
	var ue *relay.UpstreamError
	if errors.As(err, &ue) && ue.Code >= 400 && ue.Code < 500 && ue.Code != http.StatusTooManyRequests {
		return status.Errorf(codes.InvalidArgument, "completion rejected: %v", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Errorf(codes.Unavailable, "completion upstream unavailable: %v", err)
}

// toStruct converts a JSON-shaped value into a Struct via its JSON encoding,
// so typed Go values (structs, []string) are accepted.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
