package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Step mirrors the daemon's step resource.
type Step struct {
	ID           string   `json:"id"`
	IssueID      string   `json:"issue_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       string   `json:"status"`
	ExecutionID  string   `json:"execution_id,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	Error        string   `json:"error,omitempty"`
	SkipReason   string   `json:"skip_reason,omitempty"`
	Index        int      `json:"index"`
}

// Workflow mirrors the daemon's workflow resource.
type Workflow struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Status           string     `json:"status"`
	SourceKind       string     `json:"source_kind"`
	Goal             string     `json:"goal,omitempty"`
	Steps            []Step     `json:"steps,omitempty"`
	Parallelism      string     `json:"parallelism"`
	OnFailure        string     `json:"on_failure"`
	MaxConcurrency   int        `json:"max_concurrency"`
	AutoCommit       bool       `json:"auto_commit"`
	CurrentStepIndex int        `json:"current_step_index"`
	WorktreePath     string     `json:"worktree_path,omitempty"`
	BranchName       string     `json:"branch_name,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Event mirrors one row of a workflow's event log.
type Event struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Type        string         `json:"type"`
	StepID      string         `json:"step_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// CreateWorkflowRequest describes a workflow to create. Exactly one of
// Issues, Spec, RootIssue, Goal selects the source.
type CreateWorkflowRequest struct {
	Title             string   `json:"title"`
	Issues            []string `json:"issues,omitempty"`
	Spec              string   `json:"spec,omitempty"`
	RootIssue         string   `json:"root_issue,omitempty"`
	Goal              string   `json:"goal,omitempty"`
	Parallelism       string   `json:"parallelism,omitempty"`
	OnFailure         string   `json:"on_failure,omitempty"`
	MaxConcurrency    int      `json:"max_concurrency,omitempty"`
	AutoCommit        bool     `json:"auto_commit,omitempty"`
	DefaultAgentType  string   `json:"default_agent_type,omitempty"`
	OrchestratorModel string   `json:"orchestrator_model,omitempty"`
	BaseBranch        string   `json:"base_branch,omitempty"`
}

func (c *Client) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*Workflow, error) {
	var w Workflow
	if err := c.do(ctx, http.MethodPost, "/api/workflows", req, &w); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return &w, nil
}

func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out []Workflow
	if err := c.do(ctx, http.MethodGet, "/api/workflows", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return out, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &w, nil
}

func (c *Client) lifecycle(ctx context.Context, id, op string) (*Workflow, error) {
	var w Workflow
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/"+op, nil, &w); err != nil {
		return nil, fmt.Errorf("failed to %s workflow: %w", op, err)
	}
	return &w, nil
}

func (c *Client) StartWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.lifecycle(ctx, id, "start")
}

func (c *Client) PauseWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.lifecycle(ctx, id, "pause")
}

func (c *Client) ResumeWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.lifecycle(ctx, id, "resume")
}

func (c *Client) CancelWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.lifecycle(ctx, id, "cancel")
}

func (c *Client) RetryStep(ctx context.Context, id, stepID string, freshStart bool) (*Workflow, error) {
	var w Workflow
	body := map[string]bool{"fresh_start": freshStart}
	path := "/api/workflows/" + url.PathEscape(id) + "/steps/" + url.PathEscape(stepID) + "/retry"
	if err := c.do(ctx, http.MethodPost, path, body, &w); err != nil {
		return nil, fmt.Errorf("failed to retry step: %w", err)
	}
	return &w, nil
}

func (c *Client) SkipStep(ctx context.Context, id, stepID, reason string) (*Workflow, error) {
	var w Workflow
	body := map[string]string{"reason": reason}
	path := "/api/workflows/" + url.PathEscape(id) + "/steps/" + url.PathEscape(stepID) + "/skip"
	if err := c.do(ctx, http.MethodPost, path, body, &w); err != nil {
		return nil, fmt.Errorf("failed to skip step: %w", err)
	}
	return &w, nil
}

func (c *Client) ListSteps(ctx context.Context, id string) ([]Step, error) {
	var out []Step
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id)+"/steps", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return out, nil
}

func (c *Client) ReadySteps(ctx context.Context, id string) ([]Step, error) {
	var out []Step
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id)+"/steps/ready", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list ready steps: %w", err)
	}
	return out, nil
}

func (c *Client) GetStep(ctx context.Context, id, stepID string) (*Step, error) {
	var st Step
	path := "/api/workflows/" + url.PathEscape(id) + "/steps/" + url.PathEscape(stepID)
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &st, nil
}

func (c *Client) AddStep(ctx context.Context, id, issueID string, deps []string) (*Step, error) {
	var st Step
	body := map[string]any{"issue_id": issueID, "dependencies": deps}
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/steps", body, &st); err != nil {
		return nil, fmt.Errorf("failed to add step: %w", err)
	}
	return &st, nil
}

func (c *Client) ListEvents(ctx context.Context, id string, unprocessedOnly bool) ([]Event, error) {
	path := "/api/workflows/" + url.PathEscape(id) + "/events"
	if unprocessedOnly {
		path += "?unprocessed=true"
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// RecordEvent reports a user-originated event (a response or an escalation
// resolution) to the workflow's orchestrator.
func (c *Client) RecordEvent(ctx context.Context, id, eventType, message string) (*Event, error) {
	var ev Event
	body := map[string]string{"type": eventType, "message": message}
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/events", body, &ev); err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return &ev, nil
}
