package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	claudeagent "github.com/kazz187/claude-agent-sdk-go"
	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/panicerr"
	"github.com/kazz187/flowguild/pkg/storage"
	"github.com/kazz187/flowguild/pkg/worktree"
)

const (
	AgentTypeImplementer  = "implementer"
	AgentTypeOrchestrator = "orchestrator"
)

const (
	invokeInitialBackoff = 5 * time.Second
	invokeMaxBackoff     = 5 * time.Minute
	// maxInvokeRetries bounds retries after the first attempt.
	maxInvokeRetries = 4
)

var systemPrompts = map[string]string{
	AgentTypeImplementer: `You are an autonomous software engineer resolving one issue in a git checkout.
Work until the issue's acceptance criteria are met, keep changes minimal and focused,
and finish with a short summary of what you changed.`,
	AgentTypeOrchestrator: `You are the orchestrator of a multi-step workflow over a set of issues.
You receive summaries of step events and decide what should happen next.
Keep your responses short and action-oriented.`,
}

func systemPromptFor(agentType string) string {
	if p, ok := systemPrompts[agentType]; ok {
		return p
	}
	return systemPrompts[AgentTypeImplementer]
}

// invokeResult is the subset of an agent run outcome the runner acts on.
type invokeResult struct {
	sessionID string
	summary   string
	isError   bool
}

type invokeFunc func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error)

func sdkInvoke(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
	result, err := claudeagent.RunQuerySync(ctx, prompt, opts)
	if err != nil {
		return invokeResult{}, err
	}
	var res invokeResult
	if result.Result != nil {
		res.sessionID = result.Result.SessionID
		res.summary = result.Result.Result
		res.isError = result.Result.IsError
	}
	return res, nil
}

// AgentRunner runs agent executions through the Claude Agent SDK, persisting
// every status transition so the engine (and recovery after a crash) can
// observe progress purely from the stored rows.
type AgentRunner struct {
	store     *YAMLStore
	waitGroup *conc.WaitGroup

	// invoke is swapped out in tests.
	invoke         invokeFunc
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     uint64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewAgentRunner(s storage.Storage) *AgentRunner {
	return &AgentRunner{
		store:          NewYAMLStore(s),
		waitGroup:      conc.NewWaitGroup(),
		invoke:         sdkInvoke,
		initialBackoff: invokeInitialBackoff,
		maxBackoff:     invokeMaxBackoff,
		maxRetries:     maxInvokeRetries,
		cancels:        make(map[string]context.CancelFunc),
	}
}

// Store exposes the underlying row store for recovery-time scans.
func (r *AgentRunner) Store() *YAMLStore {
	return r.store
}

func (r *AgentRunner) CreateExecution(ctx context.Context, req CreateRequest) (*Execution, error) {
	exec := &Execution{
		ID:         ulid.Make().String(),
		IssueID:    req.IssueID,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		ParentID:   req.ParentExecutionID,
		Status:     StatusPending,
		SessionID:  req.ResumeSessionID,
		AgentType:  req.AgentType,
		Model:      req.Model,
		Cwd:        req.Cwd,
		BaseBranch: req.BaseBranch,
		CreatedAt:  time.Now(),
	}
	if err := r.store.Create(ctx, exec); err != nil {
		return nil, err
	}

	// The run outlives the request that created it.
	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[exec.ID] = cancel
	r.mu.Unlock()

	r.waitGroup.Go(func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, exec.ID)
			r.mu.Unlock()
			cancel()
		}()
		panicerr.LogRecovered(runCtx, "execution "+exec.ID, func(ctx context.Context) error {
			return r.run(ctx, exec.ID, req)
		})
	})

	return exec, nil
}

func (r *AgentRunner) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return r.store.Get(ctx, id)
}

func (r *AgentRunner) CancelExecution(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	if ok {
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}

	// Mark the row stopped unless the run already reached a terminal status.
	err := r.store.Update(ctx, id, func(e *Execution) error {
		if e.Status.IsTerminal() {
			return nil
		}
		e.Status = StatusStopped
		now := time.Now()
		e.FinishedAt = &now
		return nil
	})
	if err != nil && !cerr.IsCode(err, cerr.NotFound) {
		return err
	}
	return nil
}

func (r *AgentRunner) CreateFollowUp(ctx context.Context, parentID, message string) (*Execution, error) {
	parent, err := r.store.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.SessionID == "" {
		return nil, cerr.NewError(cerr.FailedPrecondition, "parent execution has no session to continue", nil)
	}
	return r.CreateExecution(ctx, CreateRequest{
		IssueID:           parent.IssueID,
		WorkflowID:        parent.WorkflowID,
		StepID:            parent.StepID,
		Prompt:            message,
		AgentType:         parent.AgentType,
		Model:             parent.Model,
		BaseBranch:        parent.BaseBranch,
		Cwd:               parent.Cwd,
		ResumeSessionID:   parent.SessionID,
		ParentExecutionID: parent.ID,
	})
}

// Wait blocks until all launched runs have finished. Used at daemon shutdown.
func (r *AgentRunner) Wait() {
	r.waitGroup.Wait()
}

// RecoverOrphans fails every persisted execution that claims to be in flight
// but has no live run behind it. Called once at daemon startup, before
// workflow recovery reads the rows.
func (r *AgentRunner) RecoverOrphans(ctx context.Context) error {
	execs, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.Status.IsTerminal() {
			continue
		}
		r.mu.Lock()
		_, live := r.cancels[e.ID]
		r.mu.Unlock()
		if live {
			continue
		}
		now := time.Now()
		err := r.store.Update(ctx, e.ID, func(e *Execution) error {
			if e.Status.IsTerminal() {
				return nil
			}
			e.Status = StatusFailed
			e.ErrorMessage = "server crashed during execution"
			e.FinishedAt = &now
			return nil
		})
		if err != nil {
			slog.Warn("failed to mark orphaned execution", "execution_id", e.ID, "error", err)
			continue
		}
		slog.Info("orphaned execution marked failed", "execution_id", e.ID, "workflow_id", e.WorkflowID)
	}
	return nil
}

func (r *AgentRunner) run(ctx context.Context, id string, req CreateRequest) error {
	logger := slog.With("execution_id", id, "workflow_id", req.WorkflowID, "step_id", req.StepID)

	// Row writes use a separate context so terminal statuses still persist
	// after the run context is cancelled.
	pctx := context.Background()

	if err := r.transition(pctx, id, StatusPreparing, nil); err != nil {
		return err
	}

	var beforeCommit string
	if req.Cwd != "" {
		if sha, err := worktree.Head(ctx, req.Cwd); err == nil {
			beforeCommit = sha
		}
	}

	now := time.Now()
	if err := r.transition(pctx, id, StatusRunning, func(e *Execution) {
		e.BeforeCommit = beforeCommit
		e.StartedAt = &now
	}); err != nil {
		return err
	}

	res, runErr := r.invokeWithRetry(ctx, id, req, logger)

	if ctx.Err() != nil {
		// Cancelled while running: CancelExecution has usually marked the row
		// stopped already; cover the direct context-cancellation path too.
		return r.transition(pctx, id, StatusCancelled, nil)
	}

	var afterCommit string
	if req.Cwd != "" {
		if sha, err := worktree.Head(pctx, req.Cwd); err == nil {
			afterCommit = sha
		}
	}

	finished := time.Now()
	if runErr != nil {
		logger.Error("execution failed", "error", runErr)
		return r.transition(pctx, id, StatusFailed, func(e *Execution) {
			e.AfterCommit = afterCommit
			e.ErrorMessage = runErr.Error()
			e.FinishedAt = &finished
		})
	}

	logger.Info("execution completed", "session_id", res.sessionID)
	return r.transition(pctx, id, StatusCompleted, func(e *Execution) {
		e.AfterCommit = afterCommit
		e.Summary = res.summary
		e.FinishedAt = &finished
	})
}

// invokeWithRetry runs the agent with exponential backoff on transient
// failures. A failing resume clears the session once and restarts fresh; the
// session id returned by each attempt is persisted immediately so a later
// resume survives a crash mid-run.
func (r *AgentRunner) invokeWithRetry(ctx context.Context, id string, req CreateRequest, logger *slog.Logger) (invokeResult, error) {
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   systemPromptFor(req.AgentType),
		Cwd:            req.Cwd,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		StderrCallback: func(line string) {
			logger.Debug("agent stderr", "line", line)
		},
	}
	if req.ResumeSessionID != "" {
		opts.Resume = req.ResumeSessionID
	}

	var res invokeResult
	resumeCleared := false

	operation := func() error {
		attemptRes, err := r.invoke(ctx, req.Prompt, opts)
		if attemptRes.sessionID != "" {
			res.sessionID = attemptRes.sessionID
			if uerr := r.store.Update(context.Background(), id, func(e *Execution) error {
				e.SessionID = attemptRes.sessionID
				return nil
			}); uerr != nil {
				logger.Warn("failed to persist session id", "error", uerr)
			}
		}
		if err == nil && attemptRes.isError {
			err = fmt.Errorf("agent returned an error: %s", attemptRes.summary)
		}
		if err != nil {
			if opts.Resume != "" && !resumeCleared {
				logger.Warn("resume failed, restarting with fresh session", "error", err)
				opts.Resume = ""
				resumeCleared = true
			}
			return err
		}
		res = attemptRes
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialBackoff
	bo.MaxInterval = r.maxBackoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
	return res, err
}

// transition applies a status change unless the row already reached a
// terminal status (first terminal writer wins).
func (r *AgentRunner) transition(ctx context.Context, id string, to Status, mutate func(*Execution)) error {
	return r.store.Update(ctx, id, func(e *Execution) error {
		if e.Status.IsTerminal() {
			return nil
		}
		e.Status = to
		if mutate != nil {
			mutate(e)
		}
		return nil
	})
}
