package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/flowguild/internal/config"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/internal/notify"
	"github.com/kazz187/flowguild/internal/workflow"
	"github.com/kazz187/flowguild/pkg/storage"
)

// stubRunner settles every execution immediately so workflows driven over
// HTTP finish within a few poll ticks.
type stubRunner struct {
	mu      sync.Mutex
	seq     int
	execs   map[string]*execution.Execution
	failFor map[string]string
}

func newStubRunner() *stubRunner {
	return &stubRunner{execs: map[string]*execution.Execution{}, failFor: map[string]string{}}
}

// failIssue makes future executions for the issue fail; an empty message
// clears the trap.
func (r *stubRunner) failIssue(issueID, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errMsg == "" {
		delete(r.failFor, issueID)
		return
	}
	r.failFor[issueID] = errMsg
}

func (r *stubRunner) CreateExecution(_ context.Context, req execution.CreateRequest) (*execution.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := &execution.Execution{
		ID:         fmt.Sprintf("EX-%03d", r.seq),
		IssueID:    req.IssueID,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		AgentType:  req.AgentType,
		Cwd:        req.Cwd,
		SessionID:  fmt.Sprintf("sess-%03d", r.seq),
		Status:     execution.StatusCompleted,
	}
	if req.AgentType == execution.AgentTypeOrchestrator {
		e.Status = execution.StatusRunning
	}
	if msg, ok := r.failFor[req.IssueID]; ok {
		e.Status = execution.StatusFailed
		e.ErrorMessage = msg
	}
	r.execs[e.ID] = e
	cp := *e
	return &cp, nil
}

func (r *stubRunner) GetExecution(_ context.Context, id string) (*execution.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (r *stubRunner) CancelExecution(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.execs[id]; ok && !e.Status.IsTerminal() {
		e.Status = execution.StatusStopped
	}
	return nil
}

func (r *stubRunner) CreateFollowUp(_ context.Context, parentID, message string) (*execution.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.execs[parentID]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", parentID)
	}
	r.seq++
	e := &execution.Execution{
		ID:         fmt.Sprintf("EX-%03d", r.seq),
		WorkflowID: parent.WorkflowID,
		AgentType:  parent.AgentType,
		SessionID:  parent.SessionID,
		ParentID:   parent.ID,
		Status:     execution.StatusRunning,
	}
	r.execs[e.ID] = e
	cp := *e
	return &cp, nil
}

type stubWorktrees struct {
	root string
}

func (s *stubWorktrees) CreateWorkflowWorktree(_ context.Context, workflowID, _, _ string) (string, string, error) {
	dir := filepath.Join(s.root, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	return dir, "flowguild/" + strings.ToLower(workflowID), nil
}

func (s *stubWorktrees) CommitAll(context.Context, string, string) (string, error) {
	return "stubsha", nil
}

func (s *stubWorktrees) RemoveWorktree(context.Context, string) error { return nil }

type noopSink struct{}

func (noopSink) Emit(context.Context, string, any) {}

type serverFixture struct {
	ts     *httptest.Server
	issues issue.Store
	runner *stubRunner
	apiKey string
}

func newServerFixture(t *testing.T, apiKey string) *serverFixture {
	t.Helper()

	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	workflows := workflow.NewYAMLStore(st)
	issues := issue.NewYAMLStore(st)
	subs := notify.NewYAMLStore(st)
	runner := newStubRunner()

	logger := slog.New(slog.DiscardHandler)
	wakeup := workflow.NewWakeupService(workflows, runner, noopSink{}, logger)
	t.Cleanup(wakeup.Close)

	core := workflow.NewCore(workflow.Options{
		Store:        workflows,
		Issues:       issues,
		Runner:       runner,
		Worktrees:    &stubWorktrees{root: t.TempDir()},
		Sink:         noopSink{},
		Wakeup:       wakeup,
		Logger:       logger,
		PollInterval: time.Millisecond,
		WaitCeiling:  5 * time.Second,
	})
	t.Cleanup(core.Wait)

	srv := NewServer(
		&config.BaseEnv{APIKey: apiKey},
		workflow.NewSequentialEngine(core),
		workflow.NewOrchestratorEngine(core),
		workflows,
		issues,
		wakeup,
		subs,
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, issues: issues, runner: runner, apiKey: apiKey}
}

func (fx *serverFixture) seedIssues(t *testing.T, issues ...*issue.Issue) {
	t.Helper()
	for _, i := range issues {
		require.NoError(t, fx.issues.Create(context.Background(), i))
	}
}

// do sends a JSON request and decodes the JSON response body into a generic
// map alongside the status code.
func (fx *serverFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, reader)
	require.NoError(t, err)
	if fx.apiKey != "" {
		req.Header.Set("X-API-Key", fx.apiKey)
	}

	resp, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func decodeSlice(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var s []map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func (fx *serverFixture) waitForStatus(t *testing.T, workflowID, status string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		code, body := fx.do(t, http.MethodGet, "/api/workflows/"+workflowID, nil)
		if code != http.StatusOK {
			return false
		}
		last = decodeMap(t, body)
		return last["status"] == status
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t, "")

	resp, err := http.Get(fx.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyGuardsAPIRoutes(t *testing.T) {
	fx := newServerFixture(t, "secret")

	req, err := http.NewRequest(http.MethodGet, fx.ts.URL+"/api/workflows", nil)
	require.NoError(t, err)
	resp, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-API-Key", "secret")
	resp, err = fx.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Del("X-API-Key")
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = fx.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays reachable without credentials.
	resp, err = http.Get(fx.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEmptyAPIKeyDisablesCheck(t *testing.T) {
	fx := newServerFixture(t, "")

	code, _ := fx.do(t, http.MethodGet, "/api/workflows", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestUnknownAPIRouteReturnsJSONNotFound(t *testing.T) {
	fx := newServerFixture(t, "")

	code, body := fx.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", decodeMap(t, body)["code"])
}

func TestCreateWorkflowFromIssues(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t,
		&issue.Issue{ID: "ISSUE-001", Title: "Add schema"},
		&issue.Issue{ID: "ISSUE-002", Title: "Add API", DependsOn: []string{"ISSUE-001"}},
	)

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "Build feature",
		"issues": []string{"ISSUE-001", "ISSUE-002"},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	got := decodeMap(t, body)
	assert.Equal(t, "WF-001", got["id"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, "issues", got["source_kind"])
	steps := got["steps"].([]any)
	require.Len(t, steps, 2)
	first := steps[0].(map[string]any)
	assert.Equal(t, "WF-001-S01", first["id"])
	assert.Equal(t, "ISSUE-001", first["issue_id"])

	code, body = fx.do(t, http.MethodGet, "/api/workflows/WF-001", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "WF-001", decodeMap(t, body)["id"])

	code, body = fx.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeSlice(t, body), 1)
}

func TestCreateWorkflowValidationErrors(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t,
		&issue.Issue{ID: "ISSUE-001", Title: "A", DependsOn: []string{"ISSUE-002"}},
		&issue.Issue{ID: "ISSUE-002", Title: "B", DependsOn: []string{"ISSUE-001"}},
	)

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":       "bad config",
		"issues":      []string{"ISSUE-001"},
		"parallelism": "turbo",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", decodeMap(t, body)["code"])

	code, body = fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "cycle",
		"issues": []string{"ISSUE-001", "ISSUE-002"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, decodeMap(t, body)["message"], "cycle")

	code, body = fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "missing issue",
		"issues": []string{"ISSUE-404"},
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = fx.do(t, http.MethodGet, "/api/workflows/WF-001", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t,
		&issue.Issue{ID: "ISSUE-001", Title: "First"},
		&issue.Issue{ID: "ISSUE-002", Title: "Second", DependsOn: []string{"ISSUE-001"}},
	)

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "run it",
		"issues": []string{"ISSUE-001", "ISSUE-002"},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	id := decodeMap(t, body)["id"].(string)

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	got := fx.waitForStatus(t, id, "completed")
	for _, raw := range got["steps"].([]any) {
		step := raw.(map[string]any)
		assert.Equal(t, "completed", step["status"])
	}

	// Terminal workflows reject further lifecycle calls.
	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, code)
	assert.Equal(t, "failed_precondition", decodeMap(t, body)["code"])

	code, _ = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusPreconditionFailed, code)
}

func TestPauseResumeOverHTTP(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "Only"})

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "pausing",
		"issues": []string{"ISSUE-001"},
	})
	require.Equal(t, http.StatusOK, code)
	id := decodeMap(t, body)["id"].(string)

	// Pausing before start is rejected.
	code, _ = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/pause", nil)
	assert.Equal(t, http.StatusPreconditionFailed, code)

	code, _ = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, code)
	fx.waitForStatus(t, id, "completed")
}

func TestRetryFailedStepOverHTTP(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "Flaky"})

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "retry me",
		"issues": []string{"ISSUE-001"},
	})
	require.Equal(t, http.StatusOK, code)
	id := decodeMap(t, body)["id"].(string)
	stepID := id + "-S01"

	// First run fails, then the retry goes through on a clean session.
	fx.runner.failIssue("ISSUE-001", "tests are red")
	code, _ = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, code)
	fx.waitForStatus(t, id, "failed")

	code, body = fx.do(t, http.MethodGet, "/api/workflows/"+id+"/steps/"+stepID, nil)
	require.Equal(t, http.StatusOK, code)
	step := decodeMap(t, body)
	assert.Equal(t, "failed", step["status"])
	assert.Contains(t, step["error"], "tests are red")

	fx.runner.failIssue("ISSUE-001", "")
	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/steps/"+stepID+"/retry", map[string]any{
		"fresh_start": true,
	})
	require.Equal(t, http.StatusOK, code, string(body))
	fx.waitForStatus(t, id, "completed")
}

func TestSkipStepOverHTTP(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "Skippable"})

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "skip it",
		"issues": []string{"ISSUE-001"},
	})
	require.Equal(t, http.StatusOK, code)
	id := decodeMap(t, body)["id"].(string)

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/steps/"+id+"-S01/skip", map[string]any{
		"reason": "not needed",
	})
	require.Equal(t, http.StatusOK, code, string(body))

	got := decodeMap(t, body)
	step := got["steps"].([]any)[0].(map[string]any)
	assert.Equal(t, "skipped", step["status"])
	assert.Equal(t, "not needed", step["skip_reason"])
}

func TestStepQueryEndpoints(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t,
		&issue.Issue{ID: "ISSUE-001", Title: "First"},
		&issue.Issue{ID: "ISSUE-002", Title: "Second", DependsOn: []string{"ISSUE-001"}},
	)

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "steps",
		"issues": []string{"ISSUE-001", "ISSUE-002"},
	})
	require.Equal(t, http.StatusOK, code)
	id := decodeMap(t, body)["id"].(string)

	code, body = fx.do(t, http.MethodGet, "/api/workflows/"+id+"/steps", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeSlice(t, body), 2)

	code, body = fx.do(t, http.MethodGet, "/api/workflows/"+id+"/steps/ready", nil)
	require.Equal(t, http.StatusOK, code)
	ready := decodeSlice(t, body)
	require.Len(t, ready, 1)
	assert.Equal(t, "ISSUE-001", ready[0]["issue_id"])

	code, _ = fx.do(t, http.MethodGet, "/api/workflows/"+id+"/steps/"+id+"-S99", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGoalWorkflowAddStepOverHTTP(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "Discovered work"})

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title": "goal flow",
		"goal":  "make the tests pass",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	got := decodeMap(t, body)
	id := got["id"].(string)
	assert.Equal(t, "goal", got["source_kind"])
	assert.Empty(t, got["steps"])

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/steps", map[string]any{
		"issue_id": "ISSUE-001",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, id+"-S01", decodeMap(t, body)["id"])

	// Graph-sourced workflows cannot grow.
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-002", Title: "Fixed"})
	code, body = fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "fixed flow",
		"issues": []string{"ISSUE-002"},
	})
	require.Equal(t, http.StatusOK, code)
	fixedID := decodeMap(t, body)["id"].(string)

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+fixedID+"/steps", map[string]any{
		"issue_id": "ISSUE-001",
	})
	assert.Equal(t, http.StatusPreconditionFailed, code)
	assert.Equal(t, "failed_precondition", decodeMap(t, body)["code"])
}

func TestIssueEndpoints(t *testing.T) {
	fx := newServerFixture(t, "")

	code, body := fx.do(t, http.MethodPost, "/api/issues", map[string]any{
		"title":       "Wire the API",
		"description": "expose the engine over HTTP",
		"labels":      []string{"api"},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	created := decodeMap(t, body)
	assert.Equal(t, "ISSUE-001", created["id"])
	assert.Equal(t, "open", created["status"])

	code, body = fx.do(t, http.MethodPost, "/api/issues", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", decodeMap(t, body)["code"])

	code, body = fx.do(t, http.MethodGet, "/api/issues", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeSlice(t, body), 1)

	code, body = fx.do(t, http.MethodGet, "/api/issues/ISSUE-001", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Wire the API", decodeMap(t, body)["title"])

	code, body = fx.do(t, http.MethodPost, "/api/issues/ISSUE-001/close", nil)
	require.Equal(t, http.StatusOK, code)
	closed := decodeMap(t, body)
	assert.Equal(t, "closed", closed["status"])
	assert.NotNil(t, closed["closed_at"])

	code, _ = fx.do(t, http.MethodGet, "/api/issues/ISSUE-404", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPushSubscriptionEndpoints(t *testing.T) {
	fx := newServerFixture(t, "")

	code, body := fx.do(t, http.MethodPost, "/api/push-subscriptions", map[string]any{
		"endpoint":   "https://push.example.com/sub/1",
		"p256dh_key": "p256dh",
		"auth_key":   "auth",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	first := decodeMap(t, body)
	require.NotEmpty(t, first["id"])

	// Same endpoint re-registers in place.
	code, body = fx.do(t, http.MethodPost, "/api/push-subscriptions", map[string]any{
		"endpoint":   "https://push.example.com/sub/1",
		"p256dh_key": "rotated",
		"auth_key":   "rotated",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first["id"], decodeMap(t, body)["id"])

	code, body = fx.do(t, http.MethodPost, "/api/push-subscriptions", map[string]any{
		"endpoint": "https://push.example.com/sub/2",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", decodeMap(t, body)["code"])

	code, _ = fx.do(t, http.MethodDelete, "/api/push-subscriptions/"+first["id"].(string), nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = fx.do(t, http.MethodDelete, "/api/push-subscriptions/"+first["id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRecordEventEndpoint(t *testing.T) {
	fx := newServerFixture(t, "")
	fx.seedIssues(t, &issue.Issue{ID: "ISSUE-001", Title: "Only"})

	code, body := fx.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"title":  "eventful",
		"issues": []string{"ISSUE-001"},
	})
	require.Equal(t, http.StatusOK, code)
	id := decodeMap(t, body)["id"].(string)

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/events", map[string]any{
		"type":    "user_response",
		"message": "go ahead with the migration",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	ev := decodeMap(t, body)
	assert.Equal(t, "user_response", ev["type"])

	code, body = fx.do(t, http.MethodGet, "/api/workflows/"+id+"/events?unprocessed=true", nil)
	require.Equal(t, http.StatusOK, code)
	events := decodeSlice(t, body)
	require.Len(t, events, 1)
	payload := events[0]["payload"].(map[string]any)
	assert.Equal(t, "go ahead with the migration", payload["message"])

	code, body = fx.do(t, http.MethodPost, "/api/workflows/"+id+"/events", map[string]any{
		"type": "step_completed",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, decodeMap(t, body)["message"], "unsupported event type")

	code, _ = fx.do(t, http.MethodPost, "/api/workflows/WF-404/events", map[string]any{
		"type": "user_response",
	})
	assert.Equal(t, http.StatusNotFound, code)
}
