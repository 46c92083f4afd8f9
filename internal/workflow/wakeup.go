package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/panicerr"
)

const wakeupSource = "wakeup-service"

// DefaultWakeupDebounce is the quiet window collapsing a burst of workflow
// events into a single orchestrator wakeup.
const DefaultWakeupDebounce = 5 * time.Second

// AwaitSpec describes what an orchestrator wants to be woken for. An empty
// ExecutionIDs list matches any execution; TimeoutSeconds of zero waits
// forever.
type AwaitSpec struct {
	EventTypes     []string `json:"event_types" yaml:"event_types"`
	ExecutionIDs   []string `json:"execution_ids,omitempty" yaml:"execution_ids,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Message        string   `json:"message,omitempty" yaml:"message,omitempty"`
}

type awaitState struct {
	eventID  string
	spec     AwaitSpec
	deadline *time.Time
	timer    *time.Timer
}

type execTimeoutState struct {
	eventID    string
	workflowID string
	stepID     string
	timer      *time.Timer
}

type debounceState struct {
	timer *time.Timer
	gen   uint64
}

type awaitResolution struct {
	spec   AwaitSpec
	reason string
}

// WakeupService turns persisted workflow events into orchestrator follow-up
// messages. Bursts of events are debounced into one wakeup; a registered
// await short-circuits the debounce and wakes the orchestrator the moment a
// matching event arrives. All deadlines are persisted as absolute times so
// RecoverTimers can rebuild them after a restart.
type WakeupService struct {
	store  Store
	runner execution.Runner
	sink   EventSink
	logger *slog.Logger

	debounce time.Duration

	mu             sync.Mutex
	closed         bool
	debounceGen    uint64
	debounceTimers map[string]*debounceState
	awaits         map[string]*awaitState
	execTimers     map[string]*execTimeoutState
}

func NewWakeupService(store Store, runner execution.Runner, sink EventSink, logger *slog.Logger) *WakeupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeupService{
		store:          store,
		runner:         runner,
		sink:           sink,
		logger:         logger,
		debounce:       DefaultWakeupDebounce,
		debounceTimers: map[string]*debounceState{},
		awaits:         map[string]*awaitState{},
		execTimers:     map[string]*execTimeoutState{},
	}
}

// SetDebounce overrides the debounce window. Call before recording events;
// already-armed timers keep their original delay.
func (s *WakeupService) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// RecordEvent persists the event and schedules its delivery. A matching
// await outranks the debounce window: the orchestrator asked for exactly
// this event, so it is resolved and woken immediately. Anything else
// (re)starts the workflow's debounce timer, collapsing a burst of events
// into one wakeup.
func (s *WakeupService) RecordEvent(ctx context.Context, e *WorkflowEvent) error {
	if err := s.store.AppendEvent(ctx, e); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	aw := s.awaits[e.WorkflowID]
	if aw == nil || !awaitMatches(aw.spec, e) {
		s.scheduleDebounceLocked(e.WorkflowID, s.debounce)
		s.mu.Unlock()
		return nil
	}
	if aw.timer != nil {
		aw.timer.Stop()
	}
	delete(s.awaits, e.WorkflowID)
	if st := s.debounceTimers[e.WorkflowID]; st != nil {
		st.timer.Stop()
		delete(s.debounceTimers, e.WorkflowID)
	}
	s.mu.Unlock()

	s.resolveMarker(ctx, e.WorkflowID, aw.eventID, "event")
	s.sink.Emit(ctx, wakeupSource, event.AwaitResolvedData{WorkflowID: e.WorkflowID, Reason: "event", Message: aw.spec.Message})
	return s.triggerWakeup(ctx, e.WorkflowID, &awaitResolution{spec: aw.spec, reason: "event"})
}

// TriggerWakeup forces an immediate wakeup, bypassing any pending debounce.
// It is a no-op when the workflow has no unprocessed events.
func (s *WakeupService) TriggerWakeup(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	if st := s.debounceTimers[workflowID]; st != nil {
		st.timer.Stop()
		delete(s.debounceTimers, workflowID)
	}
	s.mu.Unlock()
	return s.triggerWakeup(ctx, workflowID, nil)
}

func (s *WakeupService) triggerWakeup(ctx context.Context, workflowID string, resolved *awaitResolution) error {
	events, err := s.store.ListEvents(ctx, workflowID, ListEventsOptions{UnprocessedOnly: true})
	if err != nil {
		return err
	}
	if len(events) == 0 && resolved == nil {
		return nil
	}

	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if w.OrchestratorExecutionID == "" || w.Status.IsTerminal() {
		// Nobody to deliver to. Drain the backlog so it cannot keep
		// re-triggering wakeups for a workflow that will never read them.
		if len(ids) > 0 {
			return s.store.MarkEventsProcessed(ctx, workflowID, ids)
		}
		return nil
	}

	execs := map[string]*execution.Execution{}
	for _, e := range events {
		if e.ExecutionID == "" {
			continue
		}
		if _, ok := execs[e.ExecutionID]; ok {
			continue
		}
		if ex, err := s.runner.GetExecution(ctx, e.ExecutionID); err == nil {
			execs[e.ExecutionID] = ex
		}
	}

	summary := renderWakeupSummary(w, events, execs, resolved)

	// A still-running orchestrator turn is stopped first; the follow-up
	// continues the same session with the fresh summary.
	if orch, err := s.runner.GetExecution(ctx, w.OrchestratorExecutionID); err == nil && !orch.Status.IsTerminal() {
		if err := s.runner.CancelExecution(ctx, w.OrchestratorExecutionID); err != nil {
			s.logger.Warn("failed to stop orchestrator execution", "workflow_id", workflowID, "execution_id", w.OrchestratorExecutionID, "error", err)
		}
	}

	follow, err := s.runner.CreateFollowUp(ctx, w.OrchestratorExecutionID, summary)
	if err != nil {
		// Events stay unprocessed so the next trigger retries the delivery.
		return cerr.NewError(cerr.Internal, fmt.Sprintf("failed to wake orchestrator for workflow %s", workflowID), err)
	}

	if _, err := s.store.UpdateWorkflow(ctx, workflowID, func(w *Workflow) error {
		w.OrchestratorExecutionID = follow.ID
		if follow.SessionID != "" {
			w.OrchestratorSessionID = follow.SessionID
		}
		return nil
	}); err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := s.store.MarkEventsProcessed(ctx, workflowID, ids); err != nil {
			s.logger.Warn("failed to mark events processed", "workflow_id", workflowID, "error", err)
		}
	}

	reason := "events"
	if resolved != nil {
		if resolved.reason == "timeout" {
			reason = "await_timeout"
		} else {
			reason = "await_resolved"
		}
	}

	now := time.Now()
	audit := NewWorkflowEvent(workflowID, EventOrchestratorWakeup)
	audit.ProcessedAt = &now
	audit.ExecutionID = follow.ID
	audit.Payload["event_count"] = len(events)
	audit.Payload["reason"] = reason
	if err := s.store.AppendEvent(ctx, audit); err != nil {
		s.logger.Warn("failed to record wakeup audit event", "workflow_id", workflowID, "error", err)
	}

	s.sink.Emit(ctx, wakeupSource, event.OrchestratorWakeupData{
		WorkflowID:  workflowID,
		ExecutionID: follow.ID,
		EventCount:  len(events),
		Reason:      reason,
	})
	s.logger.Info("orchestrator woken", "workflow_id", workflowID, "execution_id", follow.ID, "events", len(events), "reason", reason)
	return nil
}

// RegisterAwait parks the workflow's orchestrator until one of the named
// event types arrives or the timeout elapses. A workflow holds at most one
// await; registering a new one supersedes the old. The pending await is
// persisted as a marker event carrying its absolute deadline.
func (s *WakeupService) RegisterAwait(ctx context.Context, workflowID string, spec AwaitSpec) error {
	if len(spec.EventTypes) == 0 {
		return cerr.NewError(cerr.InvalidArgument, "await requires at least one event type", nil)
	}
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return newStateError("await events for", workflowID, w.Status)
	}

	now := time.Now()
	marker := NewWorkflowEvent(workflowID, EventAwaitPending)
	marker.ProcessedAt = &now
	marker.Payload["resolved"] = false
	marker.Payload["event_types"] = spec.EventTypes
	if len(spec.ExecutionIDs) > 0 {
		marker.Payload["execution_ids"] = spec.ExecutionIDs
	}
	if spec.Message != "" {
		marker.Payload["message"] = spec.Message
	}
	var deadline *time.Time
	if spec.TimeoutSeconds > 0 {
		d := now.Add(time.Duration(spec.TimeoutSeconds) * time.Second)
		deadline = &d
		marker.Payload["timeout_seconds"] = spec.TimeoutSeconds
		marker.Payload["deadline"] = d.Format(time.RFC3339Nano)
	}
	if err := s.store.AppendEvent(ctx, marker); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.awaits[workflowID]
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	st := &awaitState{eventID: marker.ID, spec: spec, deadline: deadline}
	if deadline != nil && !s.closed {
		st.timer = time.AfterFunc(time.Until(*deadline), func() { s.onAwaitTimeout(workflowID, marker.ID) })
	}
	s.awaits[workflowID] = st
	s.mu.Unlock()

	if prev != nil {
		s.resolveMarker(ctx, workflowID, prev.eventID, "superseded")
		s.sink.Emit(ctx, wakeupSource, event.AwaitResolvedData{WorkflowID: workflowID, Reason: "superseded", Message: prev.spec.Message})
	}

	s.sink.Emit(ctx, wakeupSource, event.AwaitRegisteredData{WorkflowID: workflowID, EventTypes: spec.EventTypes, Message: spec.Message})
	s.logger.Info("await registered", "workflow_id", workflowID, "event_types", strings.Join(spec.EventTypes, ","), "timeout_seconds", spec.TimeoutSeconds)
	return nil
}

// onAwaitTimeout fires when an await's deadline elapses. The map entry plus
// event id check makes it resolve exactly once even when it races an
// arriving event or a superseding registration.
func (s *WakeupService) onAwaitTimeout(workflowID, eventID string) {
	s.mu.Lock()
	aw := s.awaits[workflowID]
	if s.closed || aw == nil || aw.eventID != eventID {
		s.mu.Unlock()
		return
	}
	delete(s.awaits, workflowID)
	if st := s.debounceTimers[workflowID]; st != nil {
		// The forced wakeup below carries the backlog anyway.
		st.timer.Stop()
		delete(s.debounceTimers, workflowID)
	}
	s.mu.Unlock()

	panicerr.LogRecovered(context.Background(), "await timeout", func(ctx context.Context) error {
		s.resolveMarker(ctx, workflowID, eventID, "timeout")
		s.sink.Emit(ctx, wakeupSource, event.AwaitResolvedData{WorkflowID: workflowID, Reason: "timeout", Message: aw.spec.Message})
		return s.triggerWakeup(ctx, workflowID, &awaitResolution{spec: aw.spec, reason: "timeout"})
	})
}

// StartExecutionTimeout arms a deadline for one execution. Firing cancels
// the execution and records an execution_timeout event, which then flows
// through the normal await and debounce machinery. Each execution holds a
// single timeout slot; arming again replaces the previous deadline.
func (s *WakeupService) StartExecutionTimeout(ctx context.Context, workflowID, stepID, executionID string, timeout time.Duration) error {
	if timeout <= 0 {
		return cerr.NewError(cerr.InvalidArgument, "execution timeout must be positive", nil)
	}
	now := time.Now()
	deadline := now.Add(timeout)
	marker := NewWorkflowEvent(workflowID, EventTimeoutPending)
	marker.ProcessedAt = &now
	marker.StepID = stepID
	marker.ExecutionID = executionID
	marker.Payload["resolved"] = false
	marker.Payload["deadline"] = deadline.Format(time.RFC3339Nano)
	if err := s.store.AppendEvent(ctx, marker); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.execTimers[executionID]
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	st := &execTimeoutState{eventID: marker.ID, workflowID: workflowID, stepID: stepID}
	if !s.closed {
		st.timer = time.AfterFunc(time.Until(deadline), func() { s.onExecutionTimeout(executionID, marker.ID) })
	}
	s.execTimers[executionID] = st
	s.mu.Unlock()

	if prev != nil {
		s.resolveMarker(ctx, prev.workflowID, prev.eventID, "superseded")
	}
	s.logger.Info("execution timeout armed", "workflow_id", workflowID, "execution_id", executionID, "timeout", timeout)
	return nil
}

// ClearExecutionTimeout disarms the execution's timeout, typically because
// it finished. Clearing an execution with no armed timeout is a no-op.
func (s *WakeupService) ClearExecutionTimeout(ctx context.Context, executionID string) error {
	s.mu.Lock()
	st := s.execTimers[executionID]
	if st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.execTimers, executionID)
	}
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	s.resolveMarker(ctx, st.workflowID, st.eventID, "cleared")
	s.logger.Info("execution timeout cleared", "execution_id", executionID)
	return nil
}

func (s *WakeupService) onExecutionTimeout(executionID, eventID string) {
	s.mu.Lock()
	st := s.execTimers[executionID]
	if s.closed || st == nil || st.eventID != eventID {
		s.mu.Unlock()
		return
	}
	delete(s.execTimers, executionID)
	s.mu.Unlock()

	panicerr.LogRecovered(context.Background(), "execution timeout", func(ctx context.Context) error {
		if err := s.runner.CancelExecution(ctx, executionID); err != nil {
			s.logger.Warn("failed to cancel timed out execution", "execution_id", executionID, "error", err)
		}
		s.resolveMarker(ctx, st.workflowID, eventID, "timeout")

		e := NewWorkflowEvent(st.workflowID, EventExecutionTimeout)
		e.StepID = st.stepID
		e.ExecutionID = executionID
		e.Payload["error"] = "execution timed out"
		return s.RecordEvent(ctx, e)
	})
}

// RecoverTimers rebuilds in-memory timer state from persisted marker rows
// after a restart. Deadlines were stored as absolute times, so an await or
// execution timeout that elapsed while the server was down fires
// immediately rather than restarting its full window, and a half-elapsed
// debounce resumes from the newest event's timestamp.
func (s *WakeupService) RecoverTimers(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if w.Status.IsTerminal() {
			continue
		}
		if err := s.recoverWorkflowTimers(ctx, w); err != nil {
			s.logger.Error("failed to recover wakeup timers", "workflow_id", w.ID, "error", err)
		}
	}
	return nil
}

func (s *WakeupService) recoverWorkflowTimers(ctx context.Context, w *Workflow) error {
	if err := s.recoverAwait(ctx, w); err != nil {
		return err
	}
	if err := s.recoverExecutionTimeouts(ctx, w); err != nil {
		return err
	}
	return s.recoverDebounce(ctx, w)
}

func (s *WakeupService) recoverAwait(ctx context.Context, w *Workflow) error {
	markers, err := s.store.ListEvents(ctx, w.ID, ListEventsOptions{Types: []string{EventAwaitPending}})
	if err != nil {
		return err
	}
	var open []*WorkflowEvent
	for _, m := range markers {
		if !payloadBool(m, "resolved") {
			open = append(open, m)
		}
	}
	if len(open) == 0 {
		return nil
	}
	// At most one await per workflow survives; older leftovers close as
	// superseded.
	for _, m := range open[:len(open)-1] {
		s.resolveMarker(ctx, w.ID, m.ID, "superseded")
	}
	m := open[len(open)-1]
	spec := AwaitSpec{
		EventTypes:     payloadStrings(m, "event_types"),
		ExecutionIDs:   payloadStrings(m, "execution_ids"),
		TimeoutSeconds: payloadInt(m, "timeout_seconds"),
		Message:        payloadString(m, "message"),
	}
	deadline := payloadTime(m, "deadline")
	expired := deadline != nil && !deadline.After(time.Now())

	st := &awaitState{eventID: m.ID, spec: spec, deadline: deadline}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if deadline != nil && !expired {
		st.timer = time.AfterFunc(time.Until(*deadline), func() { s.onAwaitTimeout(w.ID, m.ID) })
	}
	s.awaits[w.ID] = st
	s.mu.Unlock()

	if expired {
		s.onAwaitTimeout(w.ID, m.ID)
	}
	return nil
}

func (s *WakeupService) recoverExecutionTimeouts(ctx context.Context, w *Workflow) error {
	markers, err := s.store.ListEvents(ctx, w.ID, ListEventsOptions{Types: []string{EventTimeoutPending}})
	if err != nil {
		return err
	}
	open := map[string]*WorkflowEvent{}
	var order []string
	for _, m := range markers {
		if payloadBool(m, "resolved") || m.ExecutionID == "" {
			continue
		}
		if prev, ok := open[m.ExecutionID]; ok {
			s.resolveMarker(ctx, w.ID, prev.ID, "superseded")
		} else {
			order = append(order, m.ExecutionID)
		}
		open[m.ExecutionID] = m
	}
	for _, executionID := range order {
		m := open[executionID]
		deadline := payloadTime(m, "deadline")
		if deadline == nil {
			s.resolveMarker(ctx, w.ID, m.ID, "invalid")
			continue
		}
		expired := !deadline.After(time.Now())
		st := &execTimeoutState{eventID: m.ID, workflowID: w.ID, stepID: m.StepID}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		if !expired {
			st.timer = time.AfterFunc(time.Until(*deadline), func() { s.onExecutionTimeout(executionID, m.ID) })
		}
		s.execTimers[executionID] = st
		s.mu.Unlock()

		if expired {
			s.onExecutionTimeout(executionID, m.ID)
		}
	}
	return nil
}

func (s *WakeupService) recoverDebounce(ctx context.Context, w *Workflow) error {
	pending, err := s.store.ListEvents(ctx, w.ID, ListEventsOptions{UnprocessedOnly: true})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// An unprocessed event matching the rehydrated await means the crash
	// landed between append and resolution; finish the resolution now
	// instead of debouncing.
	s.mu.Lock()
	aw := s.awaits[w.ID]
	var matched *WorkflowEvent
	if aw != nil {
		for _, e := range pending {
			if awaitMatches(aw.spec, e) {
				matched = e
				break
			}
		}
	}
	if matched != nil {
		if aw.timer != nil {
			aw.timer.Stop()
		}
		delete(s.awaits, w.ID)
	}
	s.mu.Unlock()
	if matched != nil {
		s.resolveMarker(ctx, w.ID, aw.eventID, "event")
		s.sink.Emit(ctx, wakeupSource, event.AwaitResolvedData{WorkflowID: w.ID, Reason: "event", Message: aw.spec.Message})
		return s.triggerWakeup(ctx, w.ID, &awaitResolution{spec: aw.spec, reason: "event"})
	}

	remaining := time.Until(pending[len(pending)-1].CreatedAt.Add(s.debounce))
	if remaining <= 0 {
		return s.triggerWakeup(ctx, w.ID, nil)
	}
	s.mu.Lock()
	if !s.closed {
		s.scheduleDebounceLocked(w.ID, remaining)
	}
	s.mu.Unlock()
	return nil
}

// Close stops every timer. Pending markers stay persisted; a later
// RecoverTimers rebuilds them.
func (s *WakeupService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, st := range s.debounceTimers {
		st.timer.Stop()
		delete(s.debounceTimers, id)
	}
	for id, aw := range s.awaits {
		if aw.timer != nil {
			aw.timer.Stop()
		}
		delete(s.awaits, id)
	}
	for id, st := range s.execTimers {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.execTimers, id)
	}
}

func (s *WakeupService) scheduleDebounceLocked(workflowID string, d time.Duration) {
	if st := s.debounceTimers[workflowID]; st != nil {
		st.timer.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	st := &debounceState{gen: gen}
	st.timer = time.AfterFunc(d, func() { s.fireDebounce(workflowID, gen) })
	s.debounceTimers[workflowID] = st
}

func (s *WakeupService) fireDebounce(workflowID string, gen uint64) {
	s.mu.Lock()
	st := s.debounceTimers[workflowID]
	if s.closed || st == nil || st.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.debounceTimers, workflowID)
	s.mu.Unlock()

	panicerr.LogRecovered(context.Background(), "workflow wakeup", func(ctx context.Context) error {
		return s.triggerWakeup(ctx, workflowID, nil)
	})
}

func (s *WakeupService) resolveMarker(ctx context.Context, workflowID, eventID, resolution string) {
	_, err := s.store.UpdateEvent(ctx, workflowID, eventID, func(e *WorkflowEvent) error {
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		e.Payload["resolved"] = true
		e.Payload["resolution"] = resolution
		e.Payload["resolved_at"] = time.Now().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to resolve marker event", "workflow_id", workflowID, "event_id", eventID, "resolution", resolution, "error", err)
	}
}

func awaitMatches(spec AwaitSpec, e *WorkflowEvent) bool {
	if !containsString(spec.EventTypes, e.Type) {
		return false
	}
	if len(spec.ExecutionIDs) > 0 && !containsString(spec.ExecutionIDs, e.ExecutionID) {
		return false
	}
	return true
}

func renderWakeupSummary(w *Workflow, events []*WorkflowEvent, execs map[string]*execution.Execution, resolved *awaitResolution) string {
	var b strings.Builder
	if resolved != nil {
		switch resolved.reason {
		case "timeout":
			fmt.Fprintf(&b, "The await you registered timed out after %d seconds.\n", resolved.spec.TimeoutSeconds)
		default:
			fmt.Fprintf(&b, "An event you were awaiting (%s) has arrived.\n", strings.Join(resolved.spec.EventTypes, ", "))
		}
		if resolved.spec.Message != "" {
			fmt.Fprintf(&b, "Await note: %s\n", resolved.spec.Message)
		}
		b.WriteString("\n")
	}
	if len(events) == 0 {
		fmt.Fprintf(&b, "No new events for workflow %s.\n", w.ID)
	} else {
		fmt.Fprintf(&b, "Workflow %s has %d new event(s):\n", w.ID, len(events))
		for _, e := range events {
			b.WriteString(renderEventLine(e, execs))
			b.WriteString("\n")
		}
	}
	b.WriteString("\nReview the workflow state and decide what to do next.")
	return b.String()
}

func renderEventLine(e *WorkflowEvent, execs map[string]*execution.Execution) string {
	switch e.Type {
	case EventStepCompleted:
		line := fmt.Sprintf("- step %s completed (issue %s", e.StepID, payloadString(e, "issue_id"))
		if sha := payloadString(e, "commit_sha"); sha != "" {
			line += ", commit " + sha
		}
		line += ")"
		if ex := execs[e.ExecutionID]; ex != nil && ex.Summary != "" {
			line += "\n  " + ex.Summary
		}
		return line
	case EventStepFailed:
		return fmt.Sprintf("- step %s failed: %s", e.StepID, payloadString(e, "error"))
	case EventExecutionTimeout:
		return fmt.Sprintf("- execution %s timed out (step %s)", e.ExecutionID, e.StepID)
	case EventUserResponse:
		return fmt.Sprintf("- user response: %s", payloadString(e, "message"))
	case EventEscalationResolved:
		return fmt.Sprintf("- escalation resolved: %s", payloadString(e, "message"))
	default:
		return "- " + e.Type
	}
}
