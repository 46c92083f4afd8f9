package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/pkg/panicerr"
)

// RecoveryManager replays the fate of workflows that were live when the
// server went down. Steps whose executions finished while nobody was
// watching get their success or failure handling applied without invoking
// the agent again; executions that died mid-flight are routed through the
// workflow's failure strategy.
type RecoveryManager struct {
	core   *Core
	wakeup *WakeupService
	logger *slog.Logger
}

func NewRecoveryManager(core *Core, wakeup *WakeupService, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{core: core, wakeup: wakeup, logger: logger}
}

// Run recovers every persisted workflow that claims to be running or
// paused, then rebuilds the wakeup timers. Failures are isolated per
// workflow: one broken row marks that workflow failed and recovery moves
// on to the next.
func (r *RecoveryManager) Run(ctx context.Context) error {
	workflows, err := r.core.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if w.Status != StatusRunning && w.Status != StatusPaused {
			continue
		}
		err := panicerr.SafeContext(func(ctx context.Context) error {
			return r.recoverWorkflow(ctx, w)
		})(ctx)
		if err != nil {
			r.logger.Error("workflow recovery failed", "workflow_id", w.ID, "error", err)
			r.markRecoveryFailed(ctx, w.ID, err)
		}
	}
	if r.wakeup != nil {
		return r.wakeup.RecoverTimers(ctx)
	}
	return nil
}

func (r *RecoveryManager) recoverWorkflow(ctx context.Context, w *Workflow) error {
	c := r.core
	h := c.handleFor(w.ID)
	h.paused.Store(w.Status == StatusPaused)
	h.cancelled.Store(false)

	r.logger.Info("recovering workflow", "workflow_id", w.ID, "status", string(w.Status))

	// Snapshot the running steps first; the handlers below rewrite the row
	// as they go.
	var running []*Step
	for _, st := range w.Steps {
		if st.Status == StepStatusRunning {
			running = append(running, st)
		}
	}

	for _, st := range running {
		if st.ExecutionID == "" {
			// Crashed between marking the step running and launching its
			// execution; nothing ran, so the step goes back to pending.
			if _, err := c.store.UpdateWorkflow(ctx, w.ID, func(w *Workflow) error {
				if cur := w.Step(st.ID); cur != nil && cur.Status == StepStatusRunning {
					cur.Status = StepStatusPending
				}
				return nil
			}); err != nil {
				return err
			}
			continue
		}

		exec, err := c.runner.GetExecution(ctx, st.ExecutionID)
		if err != nil {
			if err := c.handleStepFailure(ctx, w.ID, st.ID, "server crashed during execution"); err != nil {
				return err
			}
			continue
		}
		switch exec.Status {
		case execution.StatusCompleted:
			// The agent finished while the server was down; apply the
			// success handling without running it again.
			if err := c.handleStepSuccess(ctx, w.ID, st.ID, exec); err != nil {
				return err
			}
		case execution.StatusFailed, execution.StatusCancelled, execution.StatusStopped:
			msg := exec.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("execution %s %s", exec.ID, exec.Status)
			}
			if err := c.handleStepFailure(ctx, w.ID, st.ID, msg); err != nil {
				return err
			}
		default:
			// The process behind a non-terminal execution did not survive
			// the restart.
			if err := c.handleStepFailure(ctx, w.ID, st.ID, "server crashed during execution"); err != nil {
				return err
			}
		}
	}

	cur, err := c.store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return err
	}
	if cur.Status == StatusRunning {
		c.launchLoop(cur.ID)
	}
	return nil
}

func (r *RecoveryManager) markRecoveryFailed(ctx context.Context, workflowID string, cause error) {
	msg := fmt.Sprintf("recovery failed: %v", cause)
	var marked bool
	_, err := r.core.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		if w.Status.IsTerminal() {
			return nil
		}
		w.Status = StatusFailed
		w.Error = msg
		marked = true
		return nil
	})
	if err != nil {
		r.logger.Error("failed to mark workflow after recovery error", "workflow_id", workflowID, "error", err)
		return
	}
	if marked {
		r.core.sink.Emit(ctx, engineSource, event.WorkflowFailedData{WorkflowID: workflowID, Error: msg})
	}
}
