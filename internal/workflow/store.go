package workflow

import "context"

// ListEventsOptions filters a workflow's event log.
type ListEventsOptions struct {
	UnprocessedOnly bool
	// Types keeps only the given event types when non-empty.
	Types []string
}

// Store persists workflow rows and their event logs.
//
// UpdateWorkflow is the only way to mutate a row: the mutator runs against
// the latest persisted copy under the store's lock, so concurrent control
// calls and the execution loop never clobber each other's fields.
type Store interface {
	// NextWorkflowID reserves nothing; it reports the next free WF-### id.
	// CreateWorkflow rejects duplicates, which backstops allocation races.
	NextWorkflowID(ctx context.Context) (string, error)
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	// UpdateWorkflow applies mutate to the latest persisted copy, writes it
	// back, and returns the written row.
	UpdateWorkflow(ctx context.Context, id string, mutate func(*Workflow) error) (*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e *WorkflowEvent) error
	GetEvent(ctx context.Context, workflowID, eventID string) (*WorkflowEvent, error)
	// ListEvents returns the workflow's events in creation order.
	ListEvents(ctx context.Context, workflowID string, opts ListEventsOptions) ([]*WorkflowEvent, error)
	UpdateEvent(ctx context.Context, workflowID, eventID string, mutate func(*WorkflowEvent) error) (*WorkflowEvent, error)
	MarkEventsProcessed(ctx context.Context, workflowID string, eventIDs []string) error
}
