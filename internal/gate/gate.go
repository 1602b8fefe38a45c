package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/audit"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConfirmField is the argument that acknowledges a confirmation-gated call.
const ConfirmField = "confirm"

// Call is one tool invocation request.
type Call struct {
	ToolName  string
	Arguments json.RawMessage
	Context   tool.ExecutionContext
}

// Gate is the only path from a tool call to a handler. Every step is a hard
// gate: lookup, schema validation, permission check, confirmation, then a
// supervised invocation under the descriptor's deadline.
type Gate struct {
	registry *registry.Registry
	writer   audit.EventWriter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates a Gate over a populated registry.
func New(reg *registry.Registry, writer audit.EventWriter, logger *zap.Logger) *Gate {
	if writer == nil {
		writer = audit.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		registry: reg,
		writer:   writer,
		tracer:   otel.Tracer("github.com/triage-ai/palisade/services/tool_runtime/internal/gate"),
		logger:   logger,
	}
}

// Invoke runs call through the gate. It never panics and never returns a Go
// error: every problem is reported as a tool.Failure.
func (g *Gate) Invoke(ctx context.Context, call Call) tool.Outcome {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gate.Invoke",
		trace.WithAttributes(attribute.String("tool.name", call.ToolName)),
	)
	defer span.End()

	var (
		desc      tool.Descriptor
		out       tool.Outcome
		confirmed bool
	)
	entry, ok := g.registry.Lookup(call.ToolName)
	if !ok {
		out = tool.Failf(tool.KindNotFound, "unknown tool %q", call.ToolName)
	} else {
		desc = entry.Descriptor()
		out, confirmed = g.run(ctx, entry, &desc, call)
	}

	span.SetAttributes(attribute.String("tool.outcome", out.Kind().String()))
	g.record(call, &desc, out, confirmed, time.Since(start))
	return out
}

func (g *Gate) run(ctx context.Context, entry *registry.Entry, desc *tool.Descriptor, call Call) (tool.Outcome, bool) {
	args, confirmed, failure := decodeArguments(call.Arguments)
	if failure != nil {
		return failure, false
	}

	if err := entry.Schema().Validate(args); err != nil {
		return tool.Failf(tool.KindValidation, "invalid arguments for %s: %v", desc.Name, err), confirmed
	}

	if missing := call.Context.Caller.Permissions.Missing(desc.Permissions); len(missing) > 0 {
		return tool.Failf(tool.KindPermissionDenied, "%s requires permissions not granted to caller: %s",
			desc.Name, strings.Join(missing, ", ")), confirmed
	}

	stripped, err := json.Marshal(args)
	if err != nil {
		return tool.Failf(tool.KindInternal, "re-encode arguments: %v", err), confirmed
	}

	if desc.Metadata.RequiresConfirm && !confirmed {
		payload, err := confirmPayload(desc, stripped, args)
		if err != nil {
			g.logger.Error("confirm payload builder failed",
				zap.String("tool_name", desc.Name),
				zap.Error(err),
			)
			return tool.Failf(tool.KindInternal, "%s failed unexpectedly", desc.Name), false
		}
		return tool.NeedsConfirmation{Payload: payload}, false
	}

	return g.supervise(ctx, desc, stripped, call.Context), confirmed
}

// decodeArguments parses the argument object and removes the confirm flag.
func decodeArguments(raw json.RawMessage) (map[string]any, bool, tool.Outcome) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, false, tool.Fail(tool.KindValidation, "arguments must be a JSON object")
	}

	confirmed := false
	if v, ok := args[ConfirmField]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, false, tool.Failf(tool.KindValidation, "%s must be a boolean, got %T", ConfirmField, v)
		}
		confirmed = b
		delete(args, ConfirmField)
	}
	return args, confirmed, nil
}

// supervise invokes the handler under the descriptor deadline. The handler runs
// on its own goroutine so a handler that ignores ctx cannot hold the caller
// past the deadline; its late result is discarded.
func (g *Gate) supervise(ctx context.Context, desc *tool.Descriptor, args json.RawMessage, ec tool.ExecutionContext) tool.Outcome {
	timeout := desc.EffectiveTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan tool.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("tool handler panicked",
					zap.String("tool_name", desc.Name),
					zap.Any("panic", r),
				)
				ch <- tool.Failf(tool.KindInternal, "%s failed unexpectedly", desc.Name)
			}
		}()

		out, err := desc.Handler(ctx, args, ec)
		switch {
		case err != nil:
			ch <- tool.FailureFromError(err)
		case out == nil:
			ch <- tool.Failf(tool.KindInternal, "%s returned no outcome", desc.Name)
		default:
			ch <- out
		}
	}()

	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("tool handler timed out",
				zap.String("tool_name", desc.Name),
				zap.Duration("timeout", timeout),
			)
			return tool.Failure{
				ErrorKind: tool.KindTimeout,
				Message:   fmt.Sprintf("%s did not finish within %s", desc.Name, timeout),
				Retryable: true,
			}
		}
		return tool.Fail(tool.KindTransient, "call canceled by caller")
	}
}

func (g *Gate) record(call Call, desc *tool.Descriptor, out tool.Outcome, confirmed bool, latency time.Duration) {
	event := &audit.InvocationEvent{
		InvocationID: uuid.New().String(),
		Timestamp:    time.Now(),
		ToolName:     call.ToolName,
		ToolVersion:  desc.Version,
		CallerID:     call.Context.Caller.ID,
		ProjectID:    call.Context.Caller.ProjectID,
		SessionID:    call.Context.SessionID,
		DocumentID:   call.Context.DocumentID,
		Outcome:      out.Kind().String(),
		Confirmed:    confirmed,
		LatencyMs:    float32(float64(latency) / float64(time.Millisecond)),
	}
	if f, ok := out.(tool.Failure); ok {
		event.ErrorKind = string(f.ErrorKind)
		event.Message = f.Message
		event.Retryable = f.Retryable
	}
	g.writer.Write(event)
}

// RetryPolicy controls caller-level resubmission in InvokeWithRetry.
type RetryPolicy struct {
	Backoff time.Duration // wait before attempt n is n*Backoff
}

// InvokeWithRetry resubmits call while the outcome is a retryable Failure, up
// to the descriptor's MaxRetries extra attempts. Each attempt is an ordinary,
// independent Invoke.
func (g *Gate) InvokeWithRetry(ctx context.Context, call Call, policy RetryPolicy) tool.Outcome {
	maxRetries := 0
	if entry, ok := g.registry.Lookup(call.ToolName); ok {
		maxRetries = entry.Descriptor().Metadata.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		out := g.Invoke(ctx, call)
		f, failed := out.(tool.Failure)
		if !failed || !f.Retryable || attempt >= maxRetries {
			return out
		}

		g.logger.Debug("retrying tool call",
			zap.String("tool_name", call.ToolName),
			zap.Int("attempt", attempt+1),
			zap.String("error_kind", string(f.ErrorKind)),
		)
		if policy.Backoff > 0 {
			timer := time.NewTimer(time.Duration(attempt+1) * policy.Backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return out
			}
		}
	}
}
