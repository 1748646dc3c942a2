package server

import (
	"time"

	"github.com/dipeo/engine/internal/state"
)

// SubmitExecutionRequest is the POST /executions request body.
type SubmitExecutionRequest struct {
	// Diagram is the diagram document inline (YAML or JSON).
	// Exactly one of Diagram or DiagramPath must be set.
	Diagram string `json:"diagram,omitempty"`

	// DiagramPath is a filesystem path to the diagram file.
	DiagramPath string `json:"diagram_path,omitempty"`

	// ExecutionID is optional. If empty, a ULID is generated.
	ExecutionID string `json:"execution_id,omitempty"`

	// Variables seed the execution context.
	Variables map[string]any `json:"variables,omitempty"`

	MaxIterations  int  `json:"max_iterations,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	Debug          bool `json:"debug,omitempty"`
}

// ExecutionStatus is returned by GET /executions/{id}: the persisted state
// plus any prompts currently waiting for an answer.
type ExecutionStatus struct {
	*state.ExecutionState
	PendingPrompts []PendingPrompt `json:"pending_prompts,omitempty"`
}

// PendingPrompt is one parked user_response question.
type PendingPrompt struct {
	PromptID string    `json:"prompt_id"`
	Prompt   string    `json:"prompt"`
	AskedAt  time.Time `json:"asked_at"`
}

// RespondRequest is the POST /executions/{id}/respond body. PromptID may be
// omitted when exactly one prompt is pending.
type RespondRequest struct {
	PromptID string `json:"prompt_id,omitempty"`
	Answer   string `json:"answer"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
