package audit

import "time"

// EventWriter is the interface for recording gate decisions.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *InvocationEvent)
	Close()
}

// InvocationEvent records one pass through the execution gate.
type InvocationEvent struct {
	InvocationID string
	Timestamp    time.Time
	ToolName     string
	ToolVersion  string
	CallerID     string
	ProjectID    string
	SessionID    string
	DocumentID   string
	Outcome      string // "success", "failure", "needs_confirmation"
	ErrorKind    string
	Message      string
	Retryable    bool
	Confirmed    bool
	LatencyMs    float32
}
