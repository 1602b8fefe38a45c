package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultTimeout applies when a descriptor does not set Metadata.Timeout.
const DefaultTimeout = 30 * time.Second

// ErrInvalidDescriptor is returned for descriptors that cannot be registered.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Handler executes a tool. args has already passed schema validation and has
// had the confirmation flag removed. A returned error is normalized by the gate
// (see FailureFromError); panics are recovered as internal errors.
type Handler func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (Outcome, error)

// ConfirmFunc builds the confirmation payload shown before a side-effecting call.
type ConfirmFunc func(args json.RawMessage) ConfirmPayload

// Metadata holds execution hints for a descriptor.
type Metadata struct {
	Category        string
	RequiresConfirm bool
	Timeout         time.Duration
	MaxRetries      int
}

// Descriptor declares one capability.
type Descriptor struct {
	Name        string
	Version     string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments object
	Permissions []string
	Metadata    Metadata
	Handler     Handler
	Confirm     ConfirmFunc // optional
}

// EffectiveTimeout returns the invocation deadline for the descriptor.
func (d *Descriptor) EffectiveTimeout() time.Duration {
	if d.Metadata.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Metadata.Timeout
}

// Check reports whether d is well formed.
func (d *Descriptor) Check() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s: handler is required", ErrInvalidDescriptor, d.Name)
	}
	if _, err := semver.StrictNewVersion(d.Version); err != nil {
		return fmt.Errorf("%w: %s: version %q: %v", ErrInvalidDescriptor, d.Name, d.Version, err)
	}
	if d.Metadata.MaxRetries < 0 {
		return fmt.Errorf("%w: %s: maxRetries must not be negative", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// Clone copies d so a stored descriptor does not alias the caller's slices.
func (d Descriptor) Clone() Descriptor {
	d.Permissions = append([]string(nil), d.Permissions...)
	return d
}
