package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/storage"
)

func newTestRunner(t *testing.T, invoke invokeFunc) *AgentRunner {
	t.Helper()
	ls, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := NewAgentRunner(ls)
	r.invoke = invoke
	r.initialBackoff = time.Millisecond
	r.maxBackoff = 5 * time.Millisecond
	return r
}

func waitForTerminal(t *testing.T, r *AgentRunner, id string) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := r.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if e.Status.IsTerminal() {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal status")
	return nil
}

func TestAgentRunnerCompletesExecution(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		return invokeResult{sessionID: "sess-1", summary: "implemented the fix"}, nil
	})

	exec, err := r.CreateExecution(context.Background(), CreateRequest{
		IssueID:    "ISSUE-001",
		WorkflowID: "WF-001",
		StepID:     "WF-001-S01",
		Prompt:     "resolve the issue",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "implemented the fix", got.Summary)
	require.NotNil(t, got.FinishedAt)
}

func TestAgentRunnerRetriesThenCompletes(t *testing.T) {
	var calls atomic.Int32
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		if calls.Add(1) < 3 {
			return invokeResult{}, errors.New("transient failure")
		}
		return invokeResult{sessionID: "sess-2", summary: "ok"}, nil
	})

	exec, err := r.CreateExecution(context.Background(), CreateRequest{Prompt: "go"})
	require.NoError(t, err)

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentRunnerFailsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		calls.Add(1)
		return invokeResult{}, errors.New("agent exploded")
	})
	r.maxRetries = 1

	exec, err := r.CreateExecution(context.Background(), CreateRequest{Prompt: "go"})
	require.NoError(t, err)

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "agent exploded")
	assert.Equal(t, int32(2), calls.Load())
}

func TestAgentRunnerClearsSessionOnResumeFailure(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		if opts.Resume != "" {
			return invokeResult{}, errors.New("session expired")
		}
		return invokeResult{sessionID: "fresh-sess", summary: "done"}, nil
	})

	exec, err := r.CreateExecution(context.Background(), CreateRequest{
		Prompt:          "continue",
		ResumeSessionID: "stale-sess",
	})
	require.NoError(t, err)

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "fresh-sess", got.SessionID)
}

func TestAgentRunnerTreatsAgentErrorAsFailure(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		return invokeResult{sessionID: "sess-3", summary: "could not apply patch", isError: true}, nil
	})
	r.maxRetries = 0

	exec, err := r.CreateExecution(context.Background(), CreateRequest{Prompt: "go"})
	require.NoError(t, err)

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "could not apply patch")
	// Session id from the failed attempt is still preserved for resume.
	assert.Equal(t, "sess-3", got.SessionID)
}

func TestAgentRunnerCancelExecution(t *testing.T) {
	started := make(chan struct{})
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		close(started)
		<-ctx.Done()
		return invokeResult{}, ctx.Err()
	})

	exec, err := r.CreateExecution(context.Background(), CreateRequest{Prompt: "go"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent invocation never started")
	}

	require.NoError(t, r.CancelExecution(context.Background(), exec.ID))

	got := waitForTerminal(t, r, exec.ID)
	assert.Equal(t, StatusStopped, got.Status)
	r.Wait()
}

func TestCreateFollowUpContinuesSession(t *testing.T) {
	var resumes []string
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		resumes = append(resumes, opts.Resume)
		return invokeResult{sessionID: "sess-orch", summary: "ack"}, nil
	})

	parent, err := r.CreateExecution(context.Background(), CreateRequest{
		WorkflowID: "WF-001",
		Prompt:     "plan the workflow",
		AgentType:  AgentTypeOrchestrator,
	})
	require.NoError(t, err)
	waitForTerminal(t, r, parent.ID)

	child, err := r.CreateFollowUp(context.Background(), parent.ID, "2 events since last wakeup")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)

	got := waitForTerminal(t, r, child.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.Len(t, resumes, 2)
	assert.Empty(t, resumes[0])
	assert.Equal(t, "sess-orch", resumes[1])
}

func TestCreateFollowUpRequiresSession(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (invokeResult, error) {
		return invokeResult{summary: "no session issued"}, nil
	})

	parent, err := r.CreateExecution(context.Background(), CreateRequest{Prompt: "go"})
	require.NoError(t, err)
	waitForTerminal(t, r, parent.ID)

	_, err = r.CreateFollowUp(context.Background(), parent.ID, "hello again")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}
