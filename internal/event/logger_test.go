package event

import (
	"context"
	"testing"
	"time"
)

func TestEventLogger_LogEvent(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create event logger: %v", err)
	}

	event := NewEvent("engine", WorkflowCreatedData{
		WorkflowID: "WF-001",
		Title:      "test workflow",
		SourceKind: "issues",
		StepCount:  3,
	})
	eventMsg, err := event.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}

	if err := logger.LogEvent(context.Background(), eventMsg); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	reader := NewEventLogReader(tmpDir)
	events, err := reader.ReadEvents(eventMsg.Timestamp)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].ID != eventMsg.ID {
		t.Errorf("ID = %s, want %s", events[0].ID, eventMsg.ID)
	}
	if events[0].Type != WorkflowCreated {
		t.Errorf("Type = %s, want %s", events[0].Type, WorkflowCreated)
	}
}

func TestEventLogReader_ReadEventsByType(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create event logger: %v", err)
	}

	ctx := context.Background()
	now := time.Now()

	payloads := []any{
		StepCompletedData{WorkflowID: "WF-001", StepID: "WF-001-S01"},
		StepCompletedData{WorkflowID: "WF-001", StepID: "WF-001-S02"},
		StepFailedData{WorkflowID: "WF-001", StepID: "WF-001-S03"},
		WorkflowCompletedData{WorkflowID: "WF-001"},
	}
	for _, p := range payloads {
		event := NewEvent("engine", p)
		eventMsg, err := event.ToMessage()
		if err != nil {
			t.Fatalf("ToMessage() error = %v", err)
		}
		eventMsg.Timestamp = now
		if err := logger.LogEvent(ctx, eventMsg); err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}
	}

	reader := NewEventLogReader(tmpDir)

	all, err := reader.ReadEvents(now)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("got %d events, want 4", len(all))
	}

	completed, err := reader.ReadEventsByType(now, StepCompleted)
	if err != nil {
		t.Fatalf("ReadEventsByType() error = %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("got %d step.completed events, want 2", len(completed))
	}
	for _, e := range completed {
		if e.Type != StepCompleted {
			t.Errorf("Type = %s, want %s", e.Type, StepCompleted)
		}
	}
}

func TestEventLogReader_MissingDay(t *testing.T) {
	reader := NewEventLogReader(t.TempDir())
	events, err := reader.ReadEvents(time.Now())
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestEventLogger_ConcurrentLogging(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create event logger: %v", err)
	}

	ctx := context.Background()
	now := time.Now()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			event := NewEvent("engine", StepStartedData{
				WorkflowID: "WF-001",
				StepID:     "WF-001-S" + string(rune('0'+i)),
			})
			eventMsg, err := event.ToMessage()
			if err != nil {
				t.Errorf("ToMessage() error = %v", err)
				done <- true
				return
			}
			eventMsg.Timestamp = now
			if err := logger.LogEvent(ctx, eventMsg); err != nil {
				t.Errorf("LogEvent() error = %v", err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	reader := NewEventLogReader(tmpDir)
	events, err := reader.ReadEvents(now)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 10 {
		t.Errorf("got %d events, want 10", len(events))
	}
}
