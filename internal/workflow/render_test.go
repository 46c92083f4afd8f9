package workflow

import (
	"testing"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/flowguild/internal/execution"
)

func TestRenderWakeupSummary(t *testing.T) {
	completed := &WorkflowEvent{
		Type:        EventStepCompleted,
		StepID:      "WF-001-S01",
		ExecutionID: "EX-001",
		Payload:     map[string]any{"issue_id": "ISSUE-001", "commit_sha": "abc1234"},
	}
	failed := &WorkflowEvent{
		Type:    EventStepFailed,
		StepID:  "WF-001-S02",
		Payload: map[string]any{"error": "tests failed"},
	}
	response := &WorkflowEvent{
		Type:    EventUserResponse,
		Payload: map[string]any{"message": "looks good, continue"},
	}
	timedOut := &WorkflowEvent{
		Type:        EventExecutionTimeout,
		StepID:      "WF-003-S02",
		ExecutionID: "EX-007",
	}
	escalation := &WorkflowEvent{
		Type:    EventEscalationResolved,
		Payload: map[string]any{"message": "unblocked by ops"},
	}

	tests := []struct {
		name     string
		workflow *Workflow
		events   []*WorkflowEvent
		execs    map[string]*execution.Execution
		resolved *awaitResolution
		want     string
	}{
		{
			name:     "await resolved by event",
			workflow: &Workflow{ID: "WF-001"},
			events:   []*WorkflowEvent{completed, failed, response},
			execs: map[string]*execution.Execution{
				"EX-001": {Summary: "Implemented the login form."},
			},
			resolved: &awaitResolution{
				spec: AwaitSpec{
					EventTypes: []string{EventStepCompleted},
					Message:    "waiting on the login step",
				},
				reason: "event",
			},
			want: `An event you were awaiting (step_completed) has arrived.
Await note: waiting on the login step

Workflow WF-001 has 3 new event(s):
- step WF-001-S01 completed (issue ISSUE-001, commit abc1234)
  Implemented the login form.
- step WF-001-S02 failed: tests failed
- user response: looks good, continue

Review the workflow state and decide what to do next.`,
		},
		{
			name:     "await timeout with empty backlog",
			workflow: &Workflow{ID: "WF-002"},
			resolved: &awaitResolution{
				spec: AwaitSpec{
					EventTypes:     []string{EventStepCompleted},
					TimeoutSeconds: 30,
				},
				reason: "timeout",
			},
			want: `The await you registered timed out after 30 seconds.

No new events for workflow WF-002.

Review the workflow state and decide what to do next.`,
		},
		{
			name:     "burst without await",
			workflow: &Workflow{ID: "WF-003"},
			events:   []*WorkflowEvent{timedOut, escalation},
			want: `Workflow WF-003 has 2 new event(s):
- execution EX-007 timed out (step WF-003-S02)
- escalation resolved: unblocked by ops

Review the workflow state and decide what to do next.`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderWakeupSummary(tt.workflow, tt.events, tt.execs, tt.resolved)
			if got == tt.want {
				return
			}
			diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(tt.want),
				B:        difflib.SplitLines(got),
				FromFile: "want",
				ToFile:   "got",
				Context:  2,
			})
			if err != nil {
				t.Fatalf("failed to diff summaries: %v", err)
			}
			t.Errorf("unexpected wakeup summary:\n%s", diff)
		})
	}
}
