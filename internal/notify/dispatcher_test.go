package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/workflow"
	"github.com/kazz187/flowguild/pkg/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, workflow.Store) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	workflows := workflow.NewYAMLStore(st)
	return NewDispatcher(workflows, nil), workflows
}

func TestCompletedPayloadUsesWorkflowTitle(t *testing.T) {
	ctx := context.Background()
	d, workflows := newTestDispatcher(t)

	require.NoError(t, workflows.CreateWorkflow(ctx, &workflow.Workflow{
		ID:    "WF-001",
		Title: "Ship login flow",
	}))

	p := d.completedPayload(ctx, event.WorkflowCompletedData{WorkflowID: "WF-001"})
	assert.Equal(t, "Workflow Completed", p.Title)
	assert.Equal(t, "Ship login flow (WF-001)", p.Body)
	assert.Equal(t, "/workflows/WF-001", p.URL)
	assert.Equal(t, "WF-001", p.Tag)
}

func TestFailedPayloadIncludesError(t *testing.T) {
	ctx := context.Background()
	d, workflows := newTestDispatcher(t)

	require.NoError(t, workflows.CreateWorkflow(ctx, &workflow.Workflow{
		ID:    "WF-002",
		Title: "Refactor billing",
	}))

	p := d.failedPayload(ctx, event.WorkflowFailedData{
		WorkflowID: "WF-002",
		Error:      "step WF-002-S01 failed: tests are red",
	})
	assert.Equal(t, "Workflow Failed", p.Title)
	assert.Equal(t, "Refactor billing (WF-002): step WF-002-S01 failed: tests are red", p.Body)
	assert.Equal(t, "WF-002", p.Tag)
}

func TestPayloadFallsBackToIDWhenWorkflowMissing(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	p := d.completedPayload(ctx, event.WorkflowCompletedData{WorkflowID: "WF-404"})
	assert.Equal(t, "WF-404", p.Body)
}

func TestEscalationPayloadCarriesMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	p := d.escalationPayload(event.AwaitRegisteredData{
		WorkflowID: "WF-003",
		EventTypes: []string{"user_response"},
		Message:    "Need a decision on the schema migration",
	})
	assert.Equal(t, "Workflow Needs Attention", p.Title)
	assert.Equal(t, "Need a decision on the schema migration", p.Body)
	assert.Equal(t, "/workflows/WF-003", p.URL)
	assert.Equal(t, "WF-003", p.Tag)
}
