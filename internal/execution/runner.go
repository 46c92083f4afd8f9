package execution

import "context"

// CreateRequest describes one agent run.
type CreateRequest struct {
	IssueID    string
	WorkflowID string
	StepID     string
	Prompt     string
	AgentType  string
	Model      string
	BaseBranch string
	// Cwd is the working directory for the agent process, usually the
	// workflow's worktree checkout.
	Cwd string
	// ResumeSessionID continues a previous agent session when set.
	ResumeSessionID string
	// ParentExecutionID links a follow-up to the execution it continues.
	ParentExecutionID string
}

// Runner launches and tracks agent executions. The engine only ever observes
// executions through this interface, so tests substitute a fake.
type Runner interface {
	// CreateExecution persists a pending execution row and launches the agent
	// run in the background. The returned row reflects the pending state.
	CreateExecution(ctx context.Context, req CreateRequest) (*Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// CancelExecution is best-effort: it cancels the run context and marks the
	// row stopped, without blocking on confirmation from the agent process.
	CancelExecution(ctx context.Context, id string) error
	// CreateFollowUp starts a new execution continuing the parent's agent
	// session with the given message.
	CreateFollowUp(ctx context.Context, parentID, message string) (*Execution, error)
}
