package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/panicerr"
)

const engineSource = "workflow-engine"

// EventSink receives lifecycle notifications for external subscribers.
// Implementations must never block the engine; delivery failures are the
// sink's problem.
type EventSink interface {
	Emit(ctx context.Context, source string, data any)
}

// WorktreeProvisioner isolates a workflow's changes in a dedicated checkout.
// pkg/worktree.Manager satisfies it.
type WorktreeProvisioner interface {
	CreateWorkflowWorktree(ctx context.Context, workflowID, title, baseBranch string) (worktreePath, branchName string, err error)
	CommitAll(ctx context.Context, worktreePath, message string) (string, error)
	RemoveWorktree(ctx context.Context, workflowID string) error
}

// CreateRequest describes a workflow to create.
type CreateRequest struct {
	Title      string
	Source     Source
	Config     Config
	BaseBranch string
}

// Engine is the workflow control surface. Every mutating operation rejects
// calls invalid for the current lifecycle state instead of coalescing them.
type Engine interface {
	Create(ctx context.Context, req CreateRequest) (*Workflow, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	RetryStep(ctx context.Context, id, stepID string, freshStart bool) error
	SkipStep(ctx context.Context, id, stepID, reason string) error
	Get(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
	ReadySteps(ctx context.Context, id string) ([]*Step, error)
	StepStatus(ctx context.Context, id, stepID string) (*Step, error)
}

// Options wires a Core's collaborators.
type Options struct {
	Store     Store
	Issues    issue.Store
	Runner    execution.Runner
	Worktrees WorktreeProvisioner
	Sink      EventSink
	Wakeup    *WakeupService
	Logger    *slog.Logger
	// PollInterval is the execution status poll period (default 1s);
	// WaitCeiling bounds one step execution (default 1h).
	PollInterval time.Duration
	WaitCeiling  time.Duration
}

// handle is the in-memory control block for one workflow. The Core mutex
// owns the map and the cancel func; the flags are atomics so the loop can
// consult them at every tick without locking.
type handle struct {
	cancel    context.CancelFunc
	paused    atomic.Bool
	cancelled atomic.Bool
	// looping guards against two loops for the same workflow.
	looping atomic.Bool
}

// Core holds the engine machinery shared by the Sequential and Orchestrator
// variants. Both wrap one Core so a workflow created by either is visible to
// both, and the variants differ only in creation policy and AddStep.
type Core struct {
	store  Store
	issues issue.Store
	runner execution.Runner
	trees  WorktreeProvisioner
	sink   EventSink
	wakeup *WakeupService
	logger *slog.Logger

	pollInterval time.Duration
	waitCeiling  time.Duration

	mu     sync.Mutex
	active map[string]*handle

	wg *conc.WaitGroup
}

func NewCore(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	waitCeiling := opts.WaitCeiling
	if waitCeiling <= 0 {
		waitCeiling = time.Hour
	}
	return &Core{
		store:        opts.Store,
		issues:       opts.Issues,
		runner:       opts.Runner,
		trees:        opts.Worktrees,
		sink:         opts.Sink,
		wakeup:       opts.Wakeup,
		logger:       logger,
		pollInterval: pollInterval,
		waitCeiling:  waitCeiling,
		active:       map[string]*handle{},
		wg:           conc.NewWaitGroup(),
	}
}

// Wait blocks until every workflow loop has exited. Called at shutdown after
// the loops were cancelled.
func (c *Core) Wait() {
	c.wg.Wait()
}

func (c *Core) handleFor(id string) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.active[id]
	if h == nil {
		h = &handle{}
		c.active[id] = h
	}
	return h
}

func (c *Core) cancelLoop(id string) {
	c.mu.Lock()
	h := c.active[id]
	var cancel context.CancelFunc
	if h != nil {
		cancel = h.cancel
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// launchLoop starts the workflow's execution loop in the background unless
// one is already running. A loop failure downs only this workflow.
func (c *Core) launchLoop(id string) {
	c.mu.Lock()
	h := c.active[id]
	if h == nil {
		h = &handle{}
		c.active[id] = h
	}
	if !h.looping.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	c.mu.Unlock()

	c.wg.Go(func() {
		defer cancel()
		defer h.looping.Store(false)
		err := panicerr.SafeContext(func(ctx context.Context) error {
			return c.runLoop(ctx, id)
		})(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("workflow loop failed", "workflow_id", id, "error", err)
		if _, uerr := c.store.UpdateWorkflow(context.Background(), id, func(w *Workflow) error {
			if w.Status.IsTerminal() {
				return nil
			}
			w.Status = StatusFailed
			w.Error = err.Error()
			return nil
		}); uerr != nil {
			c.logger.Error("failed to record loop failure", "workflow_id", id, "error", uerr)
			return
		}
		c.sink.Emit(context.Background(), engineSource, event.WorkflowFailedData{WorkflowID: id, Error: err.Error()})
	})
}

func (c *Core) create(ctx context.Context, req CreateRequest, allowGoal bool) (*Workflow, error) {
	if err := req.Source.Validate(); err != nil {
		return nil, err
	}
	kind := req.Source.Kind()
	if kind == SourceKindGoal && !allowGoal {
		return nil, cerr.NewError(cerr.InvalidArgument, "goal-sourced workflows require the orchestrator engine", nil)
	}
	cfg := req.Config
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	issues, err := c.resolveSource(ctx, req.Source)
	if err != nil {
		return nil, err
	}

	id, err := c.store.NextWorkflowID(ctx)
	if err != nil {
		return nil, err
	}

	// Steps are built, and the issue graph validated, before anything is
	// persisted: a cycle must leave no workflow row behind.
	var steps []*Step
	if kind != SourceKindGoal {
		ids := make([]string, len(issues))
		for i, iss := range issues {
			ids[i] = iss.ID
		}
		rels, err := c.issues.Relationships(ctx, ids)
		if err != nil {
			return nil, err
		}
		steps, err = BuildSteps(id, issues, rels)
		if err != nil {
			return nil, err
		}
	}

	w := &Workflow{
		ID:         id,
		Title:      req.Title,
		Source:     req.Source,
		Status:     StatusPending,
		Steps:      steps,
		Config:     cfg,
		BaseBranch: req.BaseBranch,
	}
	if err := c.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	c.sink.Emit(ctx, engineSource, event.WorkflowCreatedData{
		WorkflowID: w.ID,
		Title:      w.Title,
		SourceKind: string(kind),
		StepCount:  len(steps),
	})
	c.logger.Info("workflow created", "workflow_id", w.ID, "source", kind, "steps", len(steps))
	return w, nil
}

// resolveSource expands a workflow source into its ordered issue set.
func (c *Core) resolveSource(ctx context.Context, src Source) ([]*issue.Issue, error) {
	switch src.Kind() {
	case SourceKindIssues:
		issues := make([]*issue.Issue, 0, len(src.Issues))
		for _, id := range src.Issues {
			iss, err := c.issues.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			issues = append(issues, iss)
		}
		return issues, nil

	case SourceKindSpec:
		all, err := c.issues.List(ctx)
		if err != nil {
			return nil, err
		}
		var issues []*issue.Issue
		for _, iss := range all {
			if iss.Spec == src.Spec {
				issues = append(issues, iss)
			}
		}
		if len(issues) == 0 {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("no issues implement spec %s", src.Spec), nil)
		}
		return issues, nil

	case SourceKindRoot:
		if _, err := c.issues.Get(ctx, src.RootIssue); err != nil {
			return nil, err
		}
		all, err := c.issues.List(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(all))
		for i, iss := range all {
			ids[i] = iss.ID
		}
		rels, err := c.issues.Relationships(ctx, ids)
		if err != nil {
			return nil, err
		}
		// dependents[x] lists the issues that depend on x.
		dependents := make(map[string][]string)
		for _, rel := range rels {
			switch rel.Type {
			case issue.RelationDependsOn:
				dependents[rel.To] = append(dependents[rel.To], rel.From)
			case issue.RelationBlocks:
				dependents[rel.From] = append(dependents[rel.From], rel.To)
			}
		}
		closure := map[string]bool{src.RootIssue: true}
		queue := []string{src.RootIssue}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, dep := range dependents[cur] {
				if !closure[dep] {
					closure[dep] = true
					queue = append(queue, dep)
				}
			}
		}
		var issues []*issue.Issue
		for _, iss := range all {
			if closure[iss.ID] {
				issues = append(issues, iss)
			}
		}
		return issues, nil

	default: // goal
		return nil, nil
	}
}

func (c *Core) Start(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusPending {
		return newStateError("start", id, w.Status)
	}

	worktreePath, branchName := w.WorktreePath, w.BranchName
	if worktreePath == "" {
		worktreePath, branchName, err = c.trees.CreateWorkflowWorktree(ctx, w.ID, w.Title, w.BaseBranch)
		if err != nil {
			return cerr.NewError(cerr.Internal, "failed to provision worktree", err)
		}
	}

	now := time.Now()
	w, err = c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status != StatusPending {
			return newStateError("start", id, w.Status)
		}
		w.Status = StatusRunning
		w.StartedAt = &now
		w.WorktreePath = worktreePath
		w.BranchName = branchName
		return nil
	})
	if err != nil {
		return err
	}

	h := c.handleFor(id)
	h.paused.Store(false)
	h.cancelled.Store(false)

	if w.Source.Kind() == SourceKindGoal && w.OrchestratorExecutionID == "" {
		if err := c.startOrchestrator(ctx, w); err != nil {
			// Roll back to pending so the caller can retry; the worktree is
			// kept and reused.
			if _, uerr := c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
				w.Status = StatusPending
				w.StartedAt = nil
				return nil
			}); uerr != nil {
				c.logger.Error("failed to roll back workflow start", "workflow_id", id, "error", uerr)
			}
			return err
		}
	}

	c.sink.Emit(ctx, engineSource, event.WorkflowStartedData{
		WorkflowID:   id,
		WorktreePath: worktreePath,
		BranchName:   branchName,
	})
	c.logger.Info("workflow started", "workflow_id", id, "worktree", worktreePath, "branch", branchName)
	c.launchLoop(id)
	return nil
}

// startOrchestrator launches the long-lived orchestrator agent for a
// goal-sourced workflow and records its execution id on the row.
func (c *Core) startOrchestrator(ctx context.Context, w *Workflow) error {
	exec, err := c.runner.CreateExecution(ctx, execution.CreateRequest{
		WorkflowID: w.ID,
		Prompt:     buildOrchestratorPrompt(w),
		AgentType:  execution.AgentTypeOrchestrator,
		Model:      w.Config.OrchestratorModel,
		BaseBranch: w.BaseBranch,
		Cwd:        w.WorktreePath,
	})
	if err != nil {
		return err
	}
	_, err = c.store.UpdateWorkflow(ctx, w.ID, func(w *Workflow) error {
		w.OrchestratorExecutionID = exec.ID
		return nil
	})
	return err
}

func (c *Core) Pause(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusRunning {
		return newStateError("pause", id, w.Status)
	}

	// Flag first so a loop waiting on an execution discards its outcome
	// instead of racing the step reset below.
	h := c.handleFor(id)
	h.paused.Store(true)

	var cancelIDs []string
	_, err = c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status != StatusRunning {
			return newStateError("pause", id, w.Status)
		}
		for _, st := range w.Steps {
			if st.Status != StepStatusRunning {
				continue
			}
			if st.ExecutionID != "" {
				cancelIDs = append(cancelIDs, st.ExecutionID)
			}
			// ExecutionID is preserved so resume continues the agent session.
			st.Status = StepStatusPending
		}
		w.Status = StatusPaused
		return nil
	})
	if err != nil {
		h.paused.Store(false)
		return err
	}

	for _, execID := range cancelIDs {
		if err := c.runner.CancelExecution(ctx, execID); err != nil {
			c.logger.Warn("failed to cancel execution on pause", "workflow_id", id, "execution_id", execID, "error", err)
		}
	}

	c.sink.Emit(ctx, engineSource, event.WorkflowPausedData{WorkflowID: id})
	c.logger.Info("workflow paused", "workflow_id", id)
	return nil
}

func (c *Core) Resume(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusPaused {
		return newStateError("resume", id, w.Status)
	}

	_, err = c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status != StatusPaused {
			return newStateError("resume", id, w.Status)
		}
		w.Status = StatusRunning
		return nil
	})
	if err != nil {
		return err
	}

	h := c.handleFor(id)
	h.paused.Store(false)

	c.sink.Emit(ctx, engineSource, event.WorkflowResumedData{WorkflowID: id})
	c.logger.Info("workflow resumed", "workflow_id", id)
	c.launchLoop(id)
	return nil
}

func (c *Core) Cancel(ctx context.Context, id string) error {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return newStateError("cancel", id, w.Status)
	}

	h := c.handleFor(id)
	h.cancelled.Store(true)
	c.cancelLoop(id)

	now := time.Now()
	var cancelIDs []string
	_, err = c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status.IsTerminal() {
			return newStateError("cancel", id, w.Status)
		}
		for _, st := range w.Steps {
			if st.Status != StepStatusRunning {
				continue
			}
			if st.ExecutionID != "" {
				cancelIDs = append(cancelIDs, st.ExecutionID)
			}
			st.Status = StepStatusPending
		}
		if w.OrchestratorExecutionID != "" {
			cancelIDs = append(cancelIDs, w.OrchestratorExecutionID)
		}
		w.Status = StatusCancelled
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	// Best-effort: the agent process may already be gone.
	for _, execID := range cancelIDs {
		if err := c.runner.CancelExecution(ctx, execID); err != nil {
			c.logger.Warn("failed to cancel execution", "workflow_id", id, "execution_id", execID, "error", err)
		}
	}

	c.sink.Emit(ctx, engineSource, event.WorkflowCancelledData{WorkflowID: id})
	c.logger.Info("workflow cancelled", "workflow_id", id)
	return nil
}

func (c *Core) RetryStep(ctx context.Context, id, stepID string, freshStart bool) error {
	var recovered bool
	w, err := c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Status.IsTerminal() {
			return newStateError("retry a step of", id, w.Status)
		}
		st := w.Step(stepID)
		if st == nil {
			return newStepNotFoundError(id, stepID)
		}
		if st.Status != StepStatusFailed {
			return newStepStateError("retry", stepID, st.Status)
		}
		st.Status = StepStatusPending
		st.Error = ""
		if freshStart {
			st.ExecutionID = ""
		}
		for _, dep := range transitiveDependents(w, stepID) {
			if dep.Status == StepStatusBlocked {
				dep.Status = StepStatusPending
			}
		}
		if w.Status == StatusPaused || w.Status == StatusFailed {
			w.Status = StatusRunning
			w.Error = ""
			recovered = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if recovered {
		h := c.handleFor(id)
		h.paused.Store(false)
	}
	c.logger.Info("step retried", "workflow_id", id, "step_id", stepID, "fresh_start", freshStart)
	if w.Status == StatusRunning {
		c.launchLoop(id)
	}
	return nil
}

func (c *Core) SkipStep(ctx context.Context, id, stepID, reason string) error {
	var skipped []*Step
	var resumed bool
	w, err := c.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		skipped = skipped[:0]
		if w.Status.IsTerminal() {
			return newStateError("skip a step of", id, w.Status)
		}
		st := w.Step(stepID)
		if st == nil {
			return newStepNotFoundError(id, stepID)
		}
		if st.Status != StepStatusPending && st.Status != StepStatusFailed {
			return newStepStateError("skip", stepID, st.Status)
		}
		st.Status = StepStatusSkipped
		st.SkipReason = reason
		skipped = append(skipped, st)

		// A skipped step satisfies its dependents, so any that were blocked
		// on it return to pending before the cascade below.
		for _, dep := range transitiveDependents(w, stepID) {
			if dep.Status == StepStatusBlocked {
				dep.Status = StepStatusPending
			}
		}
		if w.Config.OnFailure == OnFailureSkipDependents {
			for _, dep := range transitiveDependents(w, stepID) {
				if dep.Status == StepStatusPending {
					dep.Status = StepStatusSkipped
					dep.SkipReason = fmt.Sprintf("dependency %s skipped", stepID)
					skipped = append(skipped, dep)
				}
			}
		}
		if w.Status == StatusPaused || w.Status == StatusFailed {
			w.Status = StatusRunning
			w.Error = ""
			resumed = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if resumed {
		h := c.handleFor(id)
		h.paused.Store(false)
	}
	for _, st := range skipped {
		c.sink.Emit(ctx, engineSource, event.StepSkippedData{WorkflowID: id, StepID: st.ID, Reason: st.SkipReason})
	}
	c.logger.Info("step skipped", "workflow_id", id, "step_id", stepID, "reason", reason)
	if w.Status == StatusRunning {
		c.launchLoop(id)
	}
	return nil
}

func (c *Core) Get(ctx context.Context, id string) (*Workflow, error) {
	return c.store.GetWorkflow(ctx, id)
}

func (c *Core) List(ctx context.Context) ([]*Workflow, error) {
	return c.store.ListWorkflows(ctx)
}

func (c *Core) ReadySteps(ctx context.Context, id string) ([]*Step, error) {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return readySteps(w), nil
}

func (c *Core) StepStatus(ctx context.Context, id, stepID string) (*Step, error) {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	st := w.Step(stepID)
	if st == nil {
		return nil, newStepNotFoundError(id, stepID)
	}
	return st, nil
}

// readySteps returns the pending steps whose every dependency is satisfied,
// in step order.
func readySteps(w *Workflow) []*Step {
	var out []*Step
	for _, st := range w.Steps {
		if st.Status != StepStatusPending {
			continue
		}
		ready := true
		for _, depID := range st.Dependencies {
			dep := w.Step(depID)
			if dep == nil || !dep.Status.Done() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, st)
		}
	}
	return out
}

// SequentialEngine executes workflows whose step DAG is fixed at creation.
type SequentialEngine struct {
	*Core
}

func NewSequentialEngine(c *Core) *SequentialEngine {
	return &SequentialEngine{Core: c}
}

func (e *SequentialEngine) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	return e.create(ctx, req, false)
}

// OrchestratorEngine additionally accepts goal-sourced workflows: they start
// with zero steps and a long-lived orchestrator agent grows them via AddStep.
type OrchestratorEngine struct {
	*Core
}

func NewOrchestratorEngine(c *Core) *OrchestratorEngine {
	return &OrchestratorEngine{Core: c}
}

func (e *OrchestratorEngine) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	return e.create(ctx, req, true)
}

// AddStep appends a step for the given issue to a goal-sourced workflow.
// Dependencies may only reference existing sibling steps, which keeps the
// graph acyclic without a separate check.
func (e *OrchestratorEngine) AddStep(ctx context.Context, id, issueID string, deps []string) (*Step, error) {
	if _, err := e.issues.Get(ctx, issueID); err != nil {
		return nil, err
	}
	var added *Step
	w, err := e.store.UpdateWorkflow(ctx, id, func(w *Workflow) error {
		if w.Source.Kind() != SourceKindGoal {
			return cerr.NewError(cerr.FailedPrecondition, "step membership is fixed for non-goal workflows", nil)
		}
		if w.Status.IsTerminal() {
			return newStateError("add a step to", id, w.Status)
		}
		if w.StepByIssue(issueID) != nil {
			return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("issue %s already has a step in workflow %s", issueID, id), nil)
		}
		for _, dep := range deps {
			if w.Step(dep) == nil {
				return newStepNotFoundError(id, dep)
			}
		}
		added = &Step{
			ID:           StepID(w.ID, len(w.Steps)),
			IssueID:      issueID,
			Dependencies: append([]string{}, deps...),
			Status:       StepStatusPending,
			Index:        len(w.Steps),
		}
		w.Steps = append(w.Steps, added)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("step added", "workflow_id", id, "step_id", added.ID, "issue_id", issueID)
	if w.Status == StatusRunning {
		e.launchLoop(id)
	}
	return added, nil
}
