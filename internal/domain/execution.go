package domain

import "time"

// ExecutionStatus enumerates execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "PENDING"
	ExecutionStatusProcessing ExecutionStatus = "PROCESSING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusProcessing,
		ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	}
	return false
}

// CancelledByUserMessage is the error recorded on executions terminated
// through the cancellation path.
const CancelledByUserMessage = "Cancelled by user"

// Execution records a single attempt to run a prompt through a generation
// provider. Rows are created PENDING by the dispatcher and mutated only by
// the worker pool and the cancellation path; they are retained for audit.
type Execution struct {
	ID           string
	PromptID     string
	UserID       string
	Status       ExecutionStatus
	Parameters   map[string]any
	Result       *ExecutionResult
	ErrorMessage string
	AssetID      string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// ExecutionResult is the structured payload stored on successful completion.
// It carries enough to locate the produced asset without another lookup.
type ExecutionResult struct {
	Message    string         `json:"message"`
	AssetID    string         `json:"asset_id"`
	AssetURL   string         `json:"asset_url"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
}

// JobDescriptor is the immutable message enqueued for a worker. It is the
// only channel through which the worker learns what to do: prompt text and
// parameters are snapshotted at dispatch time so mutable prompt state cannot
// leak into an in-flight job.
type JobDescriptor struct {
	ExecutionID string         `json:"execution_id"`
	PromptID    string         `json:"prompt_id"`
	UserID      string         `json:"user_id"`
	MediaKind   MediaKind      `json:"media_kind"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters"`
}
