package tool

import (
	"context"
	"encoding/json"
)

// TypedHandler is a handler over a decoded argument struct.
type TypedHandler[A any] func(ctx context.Context, args A, ec ExecutionContext) (Outcome, error)

// Typed adapts a TypedHandler into a Handler. Arguments reach it after schema
// validation, so a decode failure means the schema and the struct disagree.
func Typed[A any](fn TypedHandler[A]) Handler {
	return func(ctx context.Context, raw json.RawMessage, ec ExecutionContext) (Outcome, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return Failf(KindValidation, "arguments do not match the declared shape: %v", err), nil
			}
		}
		return fn(ctx, args, ec)
	}
}
