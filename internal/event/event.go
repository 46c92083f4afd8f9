package event

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies a bus topic.
type EventType string

const (
	// Workflow lifecycle events
	WorkflowCreated   EventType = "workflow.created"
	WorkflowStarted   EventType = "workflow.started"
	WorkflowPaused    EventType = "workflow.paused"
	WorkflowResumed   EventType = "workflow.resumed"
	WorkflowCompleted EventType = "workflow.completed"
	WorkflowFailed    EventType = "workflow.failed"
	WorkflowCancelled EventType = "workflow.cancelled"

	// Step events
	StepStarted   EventType = "step.started"
	StepCompleted EventType = "step.completed"
	StepFailed    EventType = "step.failed"
	StepSkipped   EventType = "step.skipped"

	// Execution events
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"

	// Orchestrator events
	OrchestratorWakeup EventType = "orchestrator.wakeup"
	AwaitRegistered    EventType = "orchestrator.await_registered"
	AwaitResolved      EventType = "orchestrator.await_resolved"
)

// AllEventTypes lists every topic, for subscribers that fan in everything
// (NDJSON logger, hooks).
func AllEventTypes() []EventType {
	return []EventType{
		WorkflowCreated, WorkflowStarted, WorkflowPaused, WorkflowResumed,
		WorkflowCompleted, WorkflowFailed, WorkflowCancelled,
		StepStarted, StepCompleted, StepFailed, StepSkipped,
		ExecutionStarted, ExecutionCompleted,
		OrchestratorWakeup, AwaitRegistered, AwaitResolved,
	}
}

// Event is a typed system event.
type Event[T any] struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      T         `json:"data"`
}

// EventMessage is the serialized form used on the wire and in the NDJSON log.
type EventMessage struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

func NewEvent[T any](source string, data T) *Event[T] {
	return &Event[T]{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// ToMessage converts a typed event to its transport form.
func (e *Event[T]) ToMessage() (*EventMessage, error) {
	rawData, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return &EventMessage{
		ID:        e.ID,
		Type:      inferEventType(e.Data),
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Data:      rawData,
	}, nil
}

// FromMessage converts a transport message back to a typed event.
func FromMessage[T any](msg *EventMessage) (*Event[T], error) {
	var data T
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, err
	}
	return &Event[T]{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
		Data:      data,
	}, nil
}

// inferEventType maps a payload struct to its topic.
func inferEventType(data any) EventType {
	dataType := reflect.TypeOf(data)
	if dataType == nil {
		return EventType("unknown")
	}
	if dataType.Kind() == reflect.Ptr {
		dataType = dataType.Elem()
	}

	switch dataType.Name() {
	case "WorkflowCreatedData":
		return WorkflowCreated
	case "WorkflowStartedData":
		return WorkflowStarted
	case "WorkflowPausedData":
		return WorkflowPaused
	case "WorkflowResumedData":
		return WorkflowResumed
	case "WorkflowCompletedData":
		return WorkflowCompleted
	case "WorkflowFailedData":
		return WorkflowFailed
	case "WorkflowCancelledData":
		return WorkflowCancelled
	case "StepStartedData":
		return StepStarted
	case "StepCompletedData":
		return StepCompleted
	case "StepFailedData":
		return StepFailed
	case "StepSkippedData":
		return StepSkipped
	case "ExecutionStartedData":
		return ExecutionStarted
	case "ExecutionCompletedData":
		return ExecutionCompleted
	case "OrchestratorWakeupData":
		return OrchestratorWakeup
	case "AwaitRegisteredData":
		return AwaitRegistered
	case "AwaitResolvedData":
		return AwaitResolved
	default:
		// Fallback: FooBarData → foo.bar
		return EventType(camelToSnake(strings.TrimSuffix(dataType.Name(), "Data")))
	}
}

func camelToSnake(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('.')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}

type WorkflowCreatedData struct {
	WorkflowID string `json:"workflow_id"`
	Title      string `json:"title"`
	SourceKind string `json:"source_kind"`
	StepCount  int    `json:"step_count"`
}

type WorkflowStartedData struct {
	WorkflowID   string `json:"workflow_id"`
	WorktreePath string `json:"worktree_path,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
}

type WorkflowPausedData struct {
	WorkflowID string `json:"workflow_id"`
}

type WorkflowResumedData struct {
	WorkflowID string `json:"workflow_id"`
}

type WorkflowCompletedData struct {
	WorkflowID string `json:"workflow_id"`
}

type WorkflowFailedData struct {
	WorkflowID string `json:"workflow_id"`
	Error      string `json:"error,omitempty"`
}

type WorkflowCancelledData struct {
	WorkflowID string `json:"workflow_id"`
}

type StepStartedData struct {
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type StepCompletedData struct {
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
}

type StepFailedData struct {
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type StepSkippedData struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Reason     string `json:"reason,omitempty"`
}

type ExecutionStartedData struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
}

type ExecutionCompletedData struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	Status      string `json:"status"`
}

type OrchestratorWakeupData struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	EventCount  int    `json:"event_count"`
	Reason      string `json:"reason,omitempty"`
}

type AwaitRegisteredData struct {
	WorkflowID string   `json:"workflow_id"`
	EventTypes []string `json:"event_types"`
	Message    string   `json:"message,omitempty"`
}

type AwaitResolvedData struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
}
