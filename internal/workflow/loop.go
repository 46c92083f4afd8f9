package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/internal/issue"
)

// worktreeDataDir is where a worktree checkout carries its own copy of the
// issue files.
const worktreeDataDir = ".flowguild"

var (
	// errDispatchDiscarded aborts a dispatch whose outcome no longer matters:
	// the workflow was paused or cancelled, or another actor already moved
	// the step on.
	errDispatchDiscarded = errors.New("dispatch discarded")
	errWaitCeiling       = errors.New("execution wait ceiling reached")
)

type stepOutcome int

const (
	outcomeSuccess stepOutcome = iota
	outcomeFailure
	outcomeDiscarded
)

// runLoop drives one workflow until it completes, gets stuck on a failed or
// blocked step, or an external control call stops it. Every iteration
// re-reads the persisted row; the in-memory flags are the single source of
// truth for "should I stop".
func (c *Core) runLoop(ctx context.Context, id string) error {
	h := c.handleFor(id)
	for {
		if ctx.Err() != nil || h.paused.Load() || h.cancelled.Load() {
			return nil
		}

		w, err := c.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != StatusRunning {
			return nil
		}

		if allSettled(w) {
			if w.Source.Kind() == SourceKindGoal {
				// Goal workflows grow dynamically; the orchestrator decides
				// when they are done, so the loop just parks until AddStep
				// relaunches it.
				return nil
			}
			return c.completeWorkflow(ctx, id)
		}

		ready := readySteps(w)
		if len(ready) == 0 {
			if anyStuck(w) {
				c.logger.Info("workflow waiting for manual intervention", "workflow_id", id)
				return nil
			}
			// All remaining steps wait on pending dependencies with nothing
			// failed or blocked, which a valid DAG cannot produce.
			c.logger.Warn("no dispatchable steps", "workflow_id", id)
			return nil
		}

		batch := ready
		if w.Config.Parallelism != ParallelismAuto {
			batch = ready[:1]
		} else if w.Config.MaxConcurrency > 0 && len(batch) > w.Config.MaxConcurrency {
			batch = batch[:w.Config.MaxConcurrency]
		}

		// All steps share one worktree and need a total commit order, so
		// even an auto batch executes serially.
		for _, st := range batch {
			if ctx.Err() != nil || h.paused.Load() || h.cancelled.Load() {
				return nil
			}
			outcome, err := c.dispatchStep(ctx, h, id, st.ID)
			if err != nil {
				return err
			}
			if outcome == outcomeDiscarded {
				return nil
			}
			if outcome == outcomeFailure && w.Config.OnFailure != OnFailureContinue {
				// The failure strategy already decided the workflow's fate;
				// the rest of the batch is stale.
				break
			}
		}
	}
}

// allSettled reports whether no step will ever be dispatched again without
// manual intervention reviving one.
func allSettled(w *Workflow) bool {
	for _, st := range w.Steps {
		switch st.Status {
		case StepStatusCompleted, StepStatusSkipped, StepStatusBlocked:
		default:
			return false
		}
	}
	return true
}

func anyStuck(w *Workflow) bool {
	for _, st := range w.Steps {
		if st.Status == StepStatusFailed || st.Status == StepStatusBlocked {
			return true
		}
	}
	return false
}

func (c *Core) completeWorkflow(ctx context.Context, id string) error {
	now := time.Now()
	var completed bool
	_, err := c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status != StatusRunning {
			return nil
		}
		w.Status = StatusCompleted
		w.CompletedAt = &now
		completed = true
		return nil
	})
	if err != nil {
		return err
	}
	if completed {
		c.sink.Emit(ctx, engineSource, event.WorkflowCompletedData{WorkflowID: id})
		c.logger.Info("workflow completed", "workflow_id", id)
	}
	return nil
}

// dispatchStep runs one step to a terminal outcome: it builds the prompt
// (resuming the prior agent session when the step carries one), launches the
// execution, polls it, and routes the result to the success or failure
// handler. A pause or cancel while waiting discards the outcome.
func (c *Core) dispatchStep(ctx context.Context, h *handle, workflowID, stepID string) (stepOutcome, error) {
	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return outcomeDiscarded, err
	}
	st := w.Step(stepID)
	if st == nil {
		return outcomeDiscarded, newStepNotFoundError(workflowID, stepID)
	}
	if st.Status != StepStatusPending {
		return outcomeDiscarded, nil
	}

	iss, err := c.issues.Get(ctx, st.IssueID)
	if err != nil {
		return outcomeFailure, c.handleStepFailure(ctx, workflowID, stepID, fmt.Sprintf("failed to load issue %s: %v", st.IssueID, err))
	}

	// A step that already ran keeps its execution id across pause and retry;
	// resuming that session preserves the agent's context.
	resumeSessionID := ""
	if st.ExecutionID != "" {
		if prior, err := c.runner.GetExecution(ctx, st.ExecutionID); err == nil && prior.SessionID != "" {
			resumeSessionID = prior.SessionID
		}
	}
	prompt := buildStepPrompt(w, st, iss)
	if resumeSessionID != "" {
		prompt = buildResumePrompt(iss)
	}

	_, err = c.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		st := w.Step(stepID)
		if st == nil {
			return newStepNotFoundError(workflowID, stepID)
		}
		if st.Status != StepStatusPending {
			return errDispatchDiscarded
		}
		st.Status = StepStatusRunning
		return nil
	})
	if errors.Is(err, errDispatchDiscarded) {
		return outcomeDiscarded, nil
	}
	if err != nil {
		return outcomeDiscarded, err
	}

	agentType := w.Config.DefaultAgentType
	if agentType == "" {
		agentType = execution.AgentTypeImplementer
	}
	exec, err := c.runner.CreateExecution(ctx, execution.CreateRequest{
		IssueID:         iss.ID,
		WorkflowID:      workflowID,
		StepID:          stepID,
		Prompt:          prompt,
		AgentType:       agentType,
		BaseBranch:      w.BaseBranch,
		Cwd:             w.WorktreePath,
		ResumeSessionID: resumeSessionID,
	})
	if err != nil {
		return outcomeFailure, c.handleStepFailure(ctx, workflowID, stepID, fmt.Sprintf("failed to start execution: %v", err))
	}
	if _, err := c.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		if st := w.Step(stepID); st != nil {
			st.ExecutionID = exec.ID
		}
		return nil
	}); err != nil {
		return outcomeDiscarded, err
	}

	c.sink.Emit(ctx, engineSource, event.StepStartedData{
		WorkflowID:  workflowID,
		StepID:      stepID,
		IssueID:     iss.ID,
		ExecutionID: exec.ID,
	})
	c.sink.Emit(ctx, engineSource, event.ExecutionStartedData{
		ExecutionID: exec.ID,
		WorkflowID:  workflowID,
		StepID:      stepID,
	})
	c.logger.Info("step dispatched", "workflow_id", workflowID, "step_id", stepID, "issue_id", iss.ID, "execution_id", exec.ID, "resumed", resumeSessionID != "")

	result, err := c.waitForExecution(ctx, h, exec.ID)
	switch {
	case errors.Is(err, errDispatchDiscarded):
		return outcomeDiscarded, nil
	case errors.Is(err, errWaitCeiling):
		if cerr := c.runner.CancelExecution(ctx, exec.ID); cerr != nil {
			c.logger.Warn("failed to cancel timed out execution", "execution_id", exec.ID, "error", cerr)
		}
		return outcomeFailure, c.handleStepFailure(ctx, workflowID, stepID, fmt.Sprintf("execution did not finish within %s", c.waitCeiling))
	case err != nil:
		return outcomeDiscarded, err
	}

	c.sink.Emit(ctx, engineSource, event.ExecutionCompletedData{
		ExecutionID: exec.ID,
		WorkflowID:  workflowID,
		Status:      string(result.Status),
	})

	switch result.Status {
	case execution.StatusCompleted:
		return outcomeSuccess, c.handleStepSuccess(ctx, workflowID, stepID, result)
	default:
		// The execution may have been stopped by a pause or cancel that
		// raced the last flag check; those outcomes are discarded, not
		// failed.
		if h.paused.Load() || h.cancelled.Load() {
			return outcomeDiscarded, nil
		}
		msg := result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("execution %s %s", result.ID, result.Status)
		}
		return outcomeFailure, c.handleStepFailure(ctx, workflowID, stepID, msg)
	}
}

// waitForExecution polls the runner until the execution reaches a terminal
// status, the wait ceiling expires, or a control flag tells the loop to let
// go. Pause and cancel interrupt cooperatively at each tick, not preemptively.
func (c *Core) waitForExecution(ctx context.Context, h *handle, execID string) (*execution.Execution, error) {
	deadline := time.Now().Add(c.waitCeiling)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, errDispatchDiscarded
		case <-ticker.C:
		}
		if h.paused.Load() || h.cancelled.Load() {
			return nil, errDispatchDiscarded
		}
		exec, err := c.runner.GetExecution(ctx, execID)
		if err != nil {
			c.logger.Warn("failed to poll execution", "execution_id", execID, "error", err)
		} else if exec.Status.IsTerminal() {
			return exec, nil
		}
		if time.Now().After(deadline) {
			return nil, errWaitCeiling
		}
	}
}

// handleStepSuccess finalizes a completed step: it closes the issue inside
// the workflow's worktree checkout (the change stays scoped until the branch
// is merged), optionally auto-commits, advances the workflow cursor, and
// records the step_completed event. Recovery replays it for steps whose
// execution finished while the server was down. Issue-close and commit
// failures log and continue; the step already succeeded.
func (c *Core) handleStepSuccess(ctx context.Context, workflowID, stepID string, exec *execution.Execution) error {
	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	st := w.Step(stepID)
	if st == nil {
		return newStepNotFoundError(workflowID, stepID)
	}
	if w.Status.IsTerminal() || st.Status.Done() {
		return nil
	}

	title := st.IssueID
	if iss, err := c.issues.Get(ctx, st.IssueID); err == nil {
		title = iss.Title
	}

	if ws, err := issue.NewYAMLStoreAt(filepath.Join(w.WorktreePath, worktreeDataDir)); err != nil {
		c.logger.Warn("failed to open worktree issue store", "workflow_id", workflowID, "error", err)
	} else if err := ws.Close(ctx, st.IssueID); err != nil {
		c.logger.Warn("failed to close issue in worktree", "workflow_id", workflowID, "issue_id", st.IssueID, "error", err)
	}

	commitSHA := exec.AfterCommit
	if w.Config.AutoCommit {
		sha, err := c.trees.CommitAll(ctx, w.WorktreePath, fmt.Sprintf("[flowguild] complete %s: %s", stepID, title))
		if err != nil {
			c.logger.Warn("auto-commit failed", "workflow_id", workflowID, "step_id", stepID, "error", err)
		} else if sha != "" {
			commitSHA = sha
		}
	}

	w, err = c.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		st := w.Step(stepID)
		if st == nil {
			return newStepNotFoundError(workflowID, stepID)
		}
		st.Status = StepStatusCompleted
		st.CommitSHA = commitSHA
		st.Error = ""
		st.ExecutionID = exec.ID
		if st.Index+1 > w.CurrentStepIndex {
			w.CurrentStepIndex = st.Index + 1
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec := NewWorkflowEvent(workflowID, EventStepCompleted)
	rec.StepID = stepID
	rec.ExecutionID = exec.ID
	rec.Payload["issue_id"] = st.IssueID
	if commitSHA != "" {
		rec.Payload["commit_sha"] = commitSHA
	}
	c.recordWakeupEvent(ctx, rec)

	c.sink.Emit(ctx, engineSource, event.StepCompletedData{
		WorkflowID:  workflowID,
		StepID:      stepID,
		IssueID:     st.IssueID,
		ExecutionID: exec.ID,
		CommitSHA:   commitSHA,
	})
	c.logger.Info("step completed", "workflow_id", workflowID, "step_id", stepID, "issue_id", st.IssueID, "commit", commitSHA)
	return nil
}

// handleStepFailure routes a failed step through the workflow's failure
// strategy. Recovery replays it for executions that died while the server
// was down.
func (c *Core) handleStepFailure(ctx context.Context, workflowID, stepID, errMsg string) error {
	var (
		issueID     string
		executionID string
		strategy    FailureStrategy
		failedWf    bool
		pausedWf    bool
		skipped     []*Step
		blocked     []*Step
	)
	_, err := c.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		failedWf, pausedWf = false, false
		skipped, blocked = nil, nil
		if w.Status.IsTerminal() {
			return errDispatchDiscarded
		}
		st := w.Step(stepID)
		if st == nil {
			return newStepNotFoundError(workflowID, stepID)
		}
		if st.Status.Done() {
			return errDispatchDiscarded
		}
		issueID = st.IssueID
		executionID = st.ExecutionID
		strategy = w.Config.OnFailure

		switch w.Config.OnFailure {
		case OnFailurePause:
			// Not a failure mark: the step returns to pending with its
			// execution preserved, so resume continues the agent session.
			st.Status = StepStatusPending
			st.Error = errMsg
			if w.Status == StatusRunning {
				w.Status = StatusPaused
			}
			pausedWf = true

		case OnFailureSkipDependents:
			st.Status = StepStatusFailed
			st.Error = errMsg
			for _, dep := range transitiveDependents(w, stepID) {
				if dep.Status == StepStatusPending {
					dep.Status = StepStatusSkipped
					dep.SkipReason = fmt.Sprintf("dependency %s failed", stepID)
					skipped = append(skipped, dep)
				}
			}

		case OnFailureContinue:
			st.Status = StepStatusFailed
			st.Error = errMsg
			for _, dep := range directDependents(w, stepID) {
				if dep.Status == StepStatusPending {
					dep.Status = StepStatusBlocked
					blocked = append(blocked, dep)
				}
			}

		default: // stop
			st.Status = StepStatusFailed
			st.Error = errMsg
			w.Status = StatusFailed
			w.Error = fmt.Sprintf("step %s failed: %s", stepID, errMsg)
			failedWf = true
		}
		return nil
	})
	if errors.Is(err, errDispatchDiscarded) {
		return nil
	}
	if err != nil {
		return err
	}

	if pausedWf {
		h := c.handleFor(workflowID)
		h.paused.Store(true)
	}

	rec := NewWorkflowEvent(workflowID, EventStepFailed)
	rec.StepID = stepID
	rec.ExecutionID = executionID
	rec.Payload["issue_id"] = issueID
	rec.Payload["error"] = errMsg
	c.recordWakeupEvent(ctx, rec)

	c.sink.Emit(ctx, engineSource, event.StepFailedData{
		WorkflowID:  workflowID,
		StepID:      stepID,
		IssueID:     issueID,
		ExecutionID: executionID,
		Error:       errMsg,
	})
	for _, dep := range skipped {
		c.sink.Emit(ctx, engineSource, event.StepSkippedData{WorkflowID: workflowID, StepID: dep.ID, Reason: dep.SkipReason})
	}
	if failedWf {
		c.sink.Emit(ctx, engineSource, event.WorkflowFailedData{WorkflowID: workflowID, Error: fmt.Sprintf("step %s failed: %s", stepID, errMsg)})
	}
	if pausedWf {
		c.sink.Emit(ctx, engineSource, event.WorkflowPausedData{WorkflowID: workflowID})
	}

	c.logger.Warn("step failed",
		"workflow_id", workflowID,
		"step_id", stepID,
		"strategy", string(strategy),
		"error", errMsg,
		"skipped", len(skipped),
		"blocked", len(blocked),
	)
	return nil
}

// recordWakeupEvent is best-effort: a lost event costs an orchestrator
// nudge, never the step outcome that produced it.
func (c *Core) recordWakeupEvent(ctx context.Context, e *WorkflowEvent) {
	if c.wakeup == nil {
		return
	}
	if err := c.wakeup.RecordEvent(ctx, e); err != nil {
		c.logger.Warn("failed to record workflow event", "workflow_id", e.WorkflowID, "type", e.Type, "error", err)
	}
}

func buildStepPrompt(w *Workflow, st *Step, iss *issue.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve issue %s: %s\n", iss.ID, iss.Title)
	if iss.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", iss.Description)
	}
	if len(st.Dependencies) > 0 {
		b.WriteString("\nCompleted prerequisite steps:\n")
		for _, depID := range st.Dependencies {
			dep := w.Step(depID)
			if dep == nil {
				continue
			}
			fmt.Fprintf(&b, "- %s (issue %s, %s", dep.ID, dep.IssueID, dep.Status)
			if dep.CommitSHA != "" {
				fmt.Fprintf(&b, ", commit %s", dep.CommitSHA)
			}
			b.WriteString(")\n")
		}
	}
	b.WriteString("\nWork in the current checkout. Commit your changes when the issue is resolved.")
	return b.String()
}

func buildResumePrompt(iss *issue.Issue) string {
	return fmt.Sprintf("Continue working on issue %s: %s. Pick up where the previous session left off and finish the remaining work.", iss.ID, iss.Title)
}

func buildOrchestratorPrompt(w *Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are orchestrating workflow %s: %s\n", w.ID, w.Title)
	fmt.Fprintf(&b, "\nGoal:\n%s\n", w.Source.Goal)
	b.WriteString("\nBreak the goal into issues, add workflow steps for them, and react to the step event summaries you will receive as the steps run.")
	return b.String()
}
