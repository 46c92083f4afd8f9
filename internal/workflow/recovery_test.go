package workflow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/pkg/storage"
)

func (r *fakeRunner) inject(e *execution.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[e.ID] = e
}

// seedWorkflow persists a row the way a pre-crash daemon would have left it,
// with the config normalization Create would have applied.
func seedWorkflow(t *testing.T, s Store, w *Workflow) *Workflow {
	t.Helper()
	if w.Config.Parallelism == "" {
		w.Config.Parallelism = ParallelismSequential
	}
	if w.Config.OnFailure == "" {
		w.Config.OnFailure = OnFailureStop
	}
	if w.Config.MaxConcurrency == 0 {
		w.Config.MaxConcurrency = 1
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), w))
	return w
}

func TestRecoveryReplaysCompletedExecutionWithoutRerunning(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t,
		&issue.Issue{ID: "ISSUE-001", Title: "a"},
		&issue.Issue{ID: "ISSUE-002", Title: "b", DependsOn: []string{"ISSUE-001"}},
	)
	now := time.Now()
	fx.runner.inject(&execution.Execution{
		ID: "EX-900", IssueID: "ISSUE-001", WorkflowID: "WF-001", StepID: "WF-001-S01",
		Status: execution.StatusCompleted, SessionID: "sess-EX-900", AfterCommit: "sha900",
		CreatedAt: now,
	})
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusRunning,
		Source:       Source{Issues: []string{"ISSUE-001", "ISSUE-002"}},
		WorktreePath: t.TempDir(), BranchName: "flowguild/wf-001", StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, ExecutionID: "EX-900", Index: 0},
			{ID: "WF-001-S02", IssueID: "ISSUE-002", Status: StepStatusPending, Dependencies: []string{"WF-001-S01"}, Index: 1},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	final := waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusCompleted
	})
	assert.Equal(t, StepStatusCompleted, final.Steps[0].Status)
	assert.Equal(t, "sha900", final.Steps[0].CommitSHA)
	assert.Equal(t, 2, final.CurrentStepIndex)

	reqs := fx.runner.createdRequests()
	require.Len(t, reqs, 1, "the finished execution is replayed, not re-run")
	assert.Equal(t, "ISSUE-002", reqs[0].IssueID)
}

func TestRecoveryResetsStepThatNeverLaunched(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "a"})
	now := time.Now()
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusRunning,
		Source:       Source{Issues: []string{"ISSUE-001"}},
		WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			// Crashed after marking the step running, before creating its execution.
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusCompleted
	})
	assert.Len(t, fx.runner.createdRequests(), 1, "the reset step dispatches fresh")
}

func TestRecoveryReplaysFailureFromFailedExecution(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "a"})
	now := time.Now()
	fx.runner.inject(&execution.Execution{
		ID: "EX-901", IssueID: "ISSUE-001", WorkflowID: "WF-001", StepID: "WF-001-S01",
		Status: execution.StatusFailed, ErrorMessage: "agent exploded", CreatedAt: now,
	})
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusRunning,
		Source:       Source{Issues: []string{"ISSUE-001"}},
		WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, ExecutionID: "EX-901", Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	final := waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusFailed
	})
	assert.Equal(t, StepStatusFailed, final.Steps[0].Status)
	assert.Contains(t, final.Steps[0].Error, "agent exploded")
	assert.Empty(t, fx.runner.createdRequests())
}

func TestRecoveryFailsStepWhoseExecutionVanished(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "a"})
	now := time.Now()
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusRunning,
		Source:       Source{Issues: []string{"ISSUE-001"}},
		WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, ExecutionID: "EX-902", Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	final := waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusFailed
	})
	assert.Contains(t, final.Steps[0].Error, "server crashed during execution")
}

func TestRecoveryFailsInterruptedExecution(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "a"})
	now := time.Now()
	// The row claims to be running but the process behind it died with the
	// server.
	fx.runner.inject(&execution.Execution{
		ID: "EX-903", IssueID: "ISSUE-001", WorkflowID: "WF-001", StepID: "WF-001-S01",
		Status: execution.StatusRunning, CreatedAt: now,
	})
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusRunning,
		Source:       Source{Issues: []string{"ISSUE-001"}},
		WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, ExecutionID: "EX-903", Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	final := waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusFailed
	})
	assert.Contains(t, final.Steps[0].Error, "server crashed during execution")
}

func TestRecoveryLeavesPausedWorkflowParked(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "a"})
	now := time.Now()
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "w", Status: StatusPaused,
		Source:       Source{Issues: []string{"ISSUE-001"}},
		WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusPending, Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	time.Sleep(50 * time.Millisecond)
	got, err := fx.store.GetWorkflow(context.Background(), "WF-001")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Empty(t, fx.runner.createdRequests(), "a paused workflow stays parked")

	// A later resume picks up where the crash left off.
	require.NoError(t, fx.seq.Resume(context.Background(), "WF-001"))
	waitForWorkflow(t, fx.store, "WF-001", func(w *Workflow) bool {
		return w.Status == StatusCompleted
	})
	assert.Len(t, fx.runner.createdRequests(), 1)
}

func TestRecoveryIgnoresSettledWorkflows(t *testing.T) {
	fx := newEngineFixture(t)
	now := time.Now()
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "done", Status: StatusCompleted,
		Source: Source{Issues: []string{"ISSUE-001"}}, CompletedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusCompleted, Index: 0},
		},
	})
	seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-002", Title: "not started", Status: StatusPending,
		Source: Source{Issues: []string{"ISSUE-002"}},
		Steps: []*Step{
			{ID: "WF-002-S01", IssueID: "ISSUE-002", Status: StepStatusPending, Index: 0},
		},
	})

	rm := NewRecoveryManager(fx.core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.runner.createdRequests())
	done, err := fx.store.GetWorkflow(context.Background(), "WF-001")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	idle, err := fx.store.GetWorkflow(context.Background(), "WF-002")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, idle.Status)
}

// panickyRunner simulates a corrupted execution record that blows up the
// recovery of one workflow.
type panickyRunner struct {
	*fakeRunner
	panicOn string
}

func (r *panickyRunner) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	if id == r.panicOn {
		panic("corrupted execution row")
	}
	return r.fakeRunner.GetExecution(ctx, id)
}

func TestRecoveryIsolatesPerWorkflowFailures(t *testing.T) {
	ls, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := NewYAMLStore(ls)
	issues, err := issue.NewYAMLStoreAt(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, issues.Create(context.Background(), &issue.Issue{ID: "ISSUE-001", Title: "a"}))
	require.NoError(t, issues.Create(context.Background(), &issue.Issue{ID: "ISSUE-002", Title: "b"}))

	base := newFakeRunner()
	runner := &panickyRunner{fakeRunner: base, panicOn: "EX-911"}
	sink := &recordingSink{}
	core := NewCore(Options{
		Store:        store,
		Issues:       issues,
		Runner:       runner,
		Worktrees:    newFakeWorktrees(t.TempDir()),
		Sink:         sink,
		Logger:       slog.New(slog.DiscardHandler),
		PollInterval: time.Millisecond,
		WaitCeiling:  5 * time.Second,
	})
	t.Cleanup(core.Wait)

	now := time.Now()
	base.inject(&execution.Execution{
		ID: "EX-912", IssueID: "ISSUE-002", WorkflowID: "WF-002", StepID: "WF-002-S01",
		Status: execution.StatusCompleted, CreatedAt: now,
	})
	seedWorkflow(t, store, &Workflow{
		ID: "WF-001", Title: "bad", Status: StatusRunning,
		Source: Source{Issues: []string{"ISSUE-001"}}, WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-001-S01", IssueID: "ISSUE-001", Status: StepStatusRunning, ExecutionID: "EX-911", Index: 0},
		},
	})
	seedWorkflow(t, store, &Workflow{
		ID: "WF-002", Title: "good", Status: StatusRunning,
		Source: Source{Issues: []string{"ISSUE-002"}}, WorktreePath: t.TempDir(), StartedAt: &now,
		Steps: []*Step{
			{ID: "WF-002-S01", IssueID: "ISSUE-002", Status: StepStatusRunning, ExecutionID: "EX-912", Index: 0},
		},
	})

	rm := NewRecoveryManager(core, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	bad, err := store.GetWorkflow(context.Background(), "WF-001")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Contains(t, bad.Error, "recovery failed")

	waitForWorkflow(t, store, "WF-002", func(w *Workflow) bool {
		return w.Status == StatusCompleted
	})

	failures := sinkEvents[event.WorkflowFailedData](sink)
	require.Len(t, failures, 1)
	assert.Equal(t, "WF-001", failures[0].WorkflowID)
}

func TestRecoveryRearmsWakeupTimers(t *testing.T) {
	fx := newEngineFixture(t)
	now := time.Now()
	fx.runner.inject(&execution.Execution{
		ID: "EX-950", WorkflowID: "WF-001", AgentType: execution.AgentTypeOrchestrator,
		Status: execution.StatusRunning, SessionID: "sess-EX-950", CreatedAt: now,
	})
	w := seedWorkflow(t, fx.store, &Workflow{
		ID: "WF-001", Title: "goal", Status: StatusRunning,
		Source: Source{Goal: "ship it"}, WorktreePath: t.TempDir(), StartedAt: &now,
		OrchestratorExecutionID: "EX-950",
	})

	// An event landed right before the crash and was never delivered.
	aged := NewWorkflowEvent(w.ID, EventStepCompleted)
	aged.StepID = "WF-001-S01"
	aged.CreatedAt = now.Add(-time.Minute)
	require.NoError(t, fx.store.AppendEvent(context.Background(), aged))

	svc := NewWakeupService(fx.store, fx.runner, fx.sink, slog.New(slog.DiscardHandler))
	svc.debounce = 20 * time.Millisecond
	t.Cleanup(svc.Close)

	rm := NewRecoveryManager(fx.core, svc, slog.New(slog.DiscardHandler))
	require.NoError(t, rm.Run(context.Background()))

	require.Len(t, fx.runner.followUpCalls(), 1, "stale backlog wakes the orchestrator during recovery")
	got, err := fx.store.GetWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "EX-950", got.OrchestratorExecutionID)
}
