package workflow

import (
	"fmt"
	"time"

	"github.com/kazz187/flowguild/pkg/cerr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further lifecycle transitions apply. Failed
// workflows are not terminal: retrying or skipping a failed step revives them.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusBlocked   StepStatus = "blocked"
)

// Done reports whether a dependency on this step is satisfied. Skipped steps
// count as done so their dependents are not stranded.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

type SourceKind string

const (
	SourceKindIssues SourceKind = "issues"
	SourceKindSpec   SourceKind = "spec"
	SourceKindRoot   SourceKind = "root"
	SourceKindGoal   SourceKind = "goal"
)

// Source selects the issues a workflow operates on. Exactly one field must be
// populated.
type Source struct {
	// Issues is an explicit issue id set, executed in the given order.
	Issues []string `yaml:"issues,omitempty"`
	// Spec selects every issue whose spec field references this document id.
	Spec string `yaml:"spec,omitempty"`
	// RootIssue selects the root issue plus its transitive dependents.
	RootIssue string `yaml:"root_issue,omitempty"`
	// Goal is a free-form objective; the workflow starts with zero steps and
	// an orchestrator agent grows it via AddStep.
	Goal string `yaml:"goal,omitempty"`
}

func (s Source) Kind() SourceKind {
	switch {
	case len(s.Issues) > 0:
		return SourceKindIssues
	case s.Spec != "":
		return SourceKindSpec
	case s.RootIssue != "":
		return SourceKindRoot
	default:
		return SourceKindGoal
	}
}

func (s Source) Validate() error {
	n := 0
	if len(s.Issues) > 0 {
		n++
	}
	if s.Spec != "" {
		n++
	}
	if s.RootIssue != "" {
		n++
	}
	if s.Goal != "" {
		n++
	}
	if n == 0 {
		return cerr.NewError(cerr.InvalidArgument, "workflow source is empty", nil)
	}
	if n > 1 {
		return cerr.NewError(cerr.InvalidArgument, "workflow source must set exactly one of issues, spec, root_issue, goal", nil)
	}
	return nil
}

type Parallelism string

const (
	ParallelismSequential Parallelism = "sequential"
	ParallelismAuto       Parallelism = "auto"
)

// FailureStrategy selects how a step failure propagates through the workflow.
type FailureStrategy string

const (
	// OnFailureStop fails the whole workflow.
	OnFailureStop FailureStrategy = "stop"
	// OnFailurePause resets the step to pending, preserving its execution so
	// the agent session can be resumed, and pauses the workflow.
	OnFailurePause FailureStrategy = "pause"
	// OnFailureSkipDependents skips every still-pending step reachable from
	// the failed one.
	OnFailureSkipDependents FailureStrategy = "skip_dependents"
	// OnFailureContinue blocks only the direct dependents and keeps
	// dispatching independent branches.
	OnFailureContinue FailureStrategy = "continue"
)

type Config struct {
	Parallelism       Parallelism     `yaml:"parallelism"`
	OnFailure         FailureStrategy `yaml:"on_failure"`
	MaxConcurrency    int             `yaml:"max_concurrency"`
	AutoCommit        bool            `yaml:"auto_commit"`
	CreateBaseBranch  bool            `yaml:"create_base_branch"`
	OrchestratorModel string          `yaml:"orchestrator_model,omitempty"`
	DefaultAgentType  string          `yaml:"default_agent_type,omitempty"`
	AutonomyLevel     string          `yaml:"autonomy_level,omitempty"`
}

// Normalize fills defaults and rejects unrecognized enum values. Called once
// at workflow creation so a bad strategy never surfaces mid-run.
func (c *Config) Normalize() error {
	if c.Parallelism == "" {
		c.Parallelism = ParallelismSequential
	}
	switch c.Parallelism {
	case ParallelismSequential, ParallelismAuto:
	default:
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown parallelism %q", c.Parallelism), nil)
	}
	if c.OnFailure == "" {
		c.OnFailure = OnFailureStop
	}
	switch c.OnFailure {
	case OnFailureStop, OnFailurePause, OnFailureSkipDependents, OnFailureContinue:
	default:
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown on_failure strategy %q", c.OnFailure), nil)
	}
	if c.MaxConcurrency <= 0 {
		if c.Parallelism == ParallelismAuto {
			c.MaxConcurrency = 3
		} else {
			c.MaxConcurrency = 1
		}
	}
	return nil
}

// Step is one node of the workflow's dependency graph, resolving one issue.
type Step struct {
	ID      string `yaml:"id"`
	IssueID string `yaml:"issue_id"`
	// Dependencies holds sibling step ids; dependencies on issues outside the
	// workflow are considered pre-satisfied and never appear here.
	Dependencies []string   `yaml:"dependencies,omitempty"`
	Status       StepStatus `yaml:"status"`
	ExecutionID  string     `yaml:"execution_id,omitempty"`
	CommitSHA    string     `yaml:"commit_sha,omitempty"`
	Error        string     `yaml:"error,omitempty"`
	SkipReason   string     `yaml:"skip_reason,omitempty"`
	Index        int        `yaml:"index"`
}

type Workflow struct {
	ID     string  `yaml:"id"`
	Title  string  `yaml:"title"`
	Source Source  `yaml:"source"`
	Status Status  `yaml:"status"`
	Steps  []*Step `yaml:"steps,omitempty"`
	Config Config  `yaml:"config"`
	// CurrentStepIndex is monotonically non-decreasing while running.
	CurrentStepIndex int    `yaml:"current_step_index"`
	WorktreePath     string `yaml:"worktree_path,omitempty"`
	BranchName       string `yaml:"branch_name,omitempty"`
	BaseBranch       string `yaml:"base_branch,omitempty"`
	// OrchestratorExecutionID tracks the orchestrator agent's latest
	// execution; OrchestratorSessionID its agent session for follow-ups.
	OrchestratorExecutionID string     `yaml:"orchestrator_execution_id,omitempty"`
	OrchestratorSessionID   string     `yaml:"orchestrator_session_id,omitempty"`
	Error                   string     `yaml:"error,omitempty"`
	CreatedAt               time.Time  `yaml:"created_at"`
	UpdatedAt               time.Time  `yaml:"updated_at"`
	StartedAt               *time.Time `yaml:"started_at,omitempty"`
	CompletedAt             *time.Time `yaml:"completed_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(stepID string) *Step {
	for _, s := range w.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// StepByIssue returns the step resolving the given issue, or nil.
func (w *Workflow) StepByIssue(issueID string) *Step {
	for _, s := range w.Steps {
		if s.IssueID == issueID {
			return s
		}
	}
	return nil
}

// StepID formats the id of the step at the given zero-based index.
func StepID(workflowID string, index int) string {
	return fmt.Sprintf("%s-S%02d", workflowID, index+1)
}

// directDependents returns the steps listing stepID as a dependency, in step
// order.
func directDependents(w *Workflow, stepID string) []*Step {
	var out []*Step
	for _, s := range w.Steps {
		for _, dep := range s.Dependencies {
			if dep == stepID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// transitiveDependents returns every step reachable from stepID via
// dependency edges, in step order.
func transitiveDependents(w *Workflow, stepID string) []*Step {
	reached := make(map[string]bool)
	var collect func(id string)
	collect = func(id string) {
		for _, s := range directDependents(w, id) {
			if !reached[s.ID] {
				reached[s.ID] = true
				collect(s.ID)
			}
		}
	}
	collect(stepID)

	var out []*Step
	for _, s := range w.Steps {
		if reached[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
