package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/workflow"
)

// Dispatcher turns workflow bus events into push notifications. It covers
// the moments a user away from their terminal cares about: a workflow
// finishing either way, and the orchestrator escalating to a human.
type Dispatcher struct {
	workflows workflow.Store
	sender    *Sender
}

func NewDispatcher(workflows workflow.Store, sender *Sender) *Dispatcher {
	return &Dispatcher{workflows: workflows, sender: sender}
}

// Register wires the dispatcher's handlers into the bus. Call before the
// bus starts.
func (d *Dispatcher) Register(bus *event.EventBus) error {
	if err := event.SubscribeTyped(bus, event.WorkflowCompleted, "notify-workflow-completed",
		func(ctx context.Context, e *event.Event[event.WorkflowCompletedData]) error {
			d.sender.SendToAll(ctx, d.completedPayload(ctx, e.Data))
			return nil
		}); err != nil {
		return err
	}
	if err := event.SubscribeTyped(bus, event.WorkflowFailed, "notify-workflow-failed",
		func(ctx context.Context, e *event.Event[event.WorkflowFailedData]) error {
			d.sender.SendToAll(ctx, d.failedPayload(ctx, e.Data))
			return nil
		}); err != nil {
		return err
	}
	if err := event.SubscribeTyped(bus, event.AwaitRegistered, "notify-await-registered",
		func(ctx context.Context, e *event.Event[event.AwaitRegisteredData]) error {
			// Awaits without a message are routine orchestration pauses,
			// not escalations.
			if e.Data.Message == "" {
				return nil
			}
			d.sender.SendToAll(ctx, d.escalationPayload(e.Data))
			return nil
		}); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) completedPayload(ctx context.Context, data event.WorkflowCompletedData) *NotificationPayload {
	return &NotificationPayload{
		Title: "Workflow Completed",
		Body:  d.workflowLabel(ctx, data.WorkflowID),
		URL:   workflowURL(data.WorkflowID),
		Tag:   data.WorkflowID,
	}
}

func (d *Dispatcher) failedPayload(ctx context.Context, data event.WorkflowFailedData) *NotificationPayload {
	body := d.workflowLabel(ctx, data.WorkflowID)
	if data.Error != "" {
		body = fmt.Sprintf("%s: %s", body, data.Error)
	}
	return &NotificationPayload{
		Title: "Workflow Failed",
		Body:  body,
		URL:   workflowURL(data.WorkflowID),
		Tag:   data.WorkflowID,
	}
}

func (d *Dispatcher) escalationPayload(data event.AwaitRegisteredData) *NotificationPayload {
	return &NotificationPayload{
		Title: "Workflow Needs Attention",
		Body:  data.Message,
		URL:   workflowURL(data.WorkflowID),
		Tag:   data.WorkflowID,
	}
}

// workflowLabel resolves the workflow title for notification bodies,
// falling back to the ID when the row cannot be read.
func (d *Dispatcher) workflowLabel(ctx context.Context, workflowID string) string {
	w, err := d.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		slog.Warn("push dispatcher: failed to get workflow", "workflow_id", workflowID, "error", err)
		return workflowID
	}
	if w.Title == "" {
		return w.ID
	}
	return fmt.Sprintf("%s (%s)", w.Title, w.ID)
}

func workflowURL(workflowID string) string {
	return fmt.Sprintf("/workflows/%s", workflowID)
}
