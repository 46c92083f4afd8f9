package workflow

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types recorded in a workflow's durable event log. The rows double as
// the orchestrator's inbox: unprocessed rows are what a wakeup summarizes.
const (
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventUserResponse       = "user_response"
	EventEscalationResolved = "escalation_resolved"
	EventExecutionTimeout   = "execution_timeout"
	EventOrchestratorWakeup = "orchestrator_wakeup"

	// Marker rows persist in-flight await conditions and timer deadlines so
	// they survive restarts. They are born processed (never summarized) and
	// are updated in place on resolution.
	EventAwaitPending   = "await_pending"
	EventTimeoutPending = "timeout_pending"
)

// WorkflowEvent is one append-only row in a workflow's event log.
type WorkflowEvent struct {
	ID          string         `yaml:"id"`
	WorkflowID  string         `yaml:"workflow_id"`
	Type        string         `yaml:"type"`
	StepID      string         `yaml:"step_id,omitempty"`
	ExecutionID string         `yaml:"execution_id,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at"`
	ProcessedAt *time.Time     `yaml:"processed_at,omitempty"`
}

// NewWorkflowEvent builds an event row with a fresh ULID id, so file names
// sort chronologically.
func NewWorkflowEvent(workflowID, eventType string) *WorkflowEvent {
	return &WorkflowEvent{
		ID:         ulid.Make().String(),
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    map[string]any{},
		CreatedAt:  time.Now(),
	}
}

func (e *WorkflowEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// Payload values come back from YAML as any; the accessors below tolerate the
// decoded shapes (strings, []any, the integer types yaml produces).

func payloadString(e *WorkflowEvent, key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadStrings(e *WorkflowEvent, key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadBool(e *WorkflowEvent, key string) bool {
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return false
}

func payloadInt(e *WorkflowEvent, key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadTime(e *WorkflowEvent, key string) *time.Time {
	s := payloadString(e, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
