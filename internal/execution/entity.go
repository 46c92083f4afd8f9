package execution

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// Execution is one attempt (possibly resumed) at running an autonomous agent
// process, either for a workflow step or for the orchestrator itself.
type Execution struct {
	ID           string     `yaml:"id"`
	IssueID      string     `yaml:"issue_id,omitempty"`
	WorkflowID   string     `yaml:"workflow_id,omitempty"`
	StepID       string     `yaml:"step_id,omitempty"`
	ParentID     string     `yaml:"parent_id,omitempty"`
	Status       Status     `yaml:"status"`
	SessionID    string     `yaml:"session_id,omitempty"`
	AgentType    string     `yaml:"agent_type,omitempty"`
	Model        string     `yaml:"model,omitempty"`
	Cwd          string     `yaml:"cwd,omitempty"`
	BaseBranch   string     `yaml:"base_branch,omitempty"`
	BeforeCommit string     `yaml:"before_commit,omitempty"`
	AfterCommit  string     `yaml:"after_commit,omitempty"`
	Summary      string     `yaml:"summary,omitempty"`
	ErrorMessage string     `yaml:"error_message,omitempty"`
	CreatedAt    time.Time  `yaml:"created_at"`
	StartedAt    *time.Time `yaml:"started_at,omitempty"`
	FinishedAt   *time.Time `yaml:"finished_at,omitempty"`
}
