package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/kazz187/flowguild/internal/client"
)

var statusColors = map[string]*color.Color{
	"pending":     color.New(color.FgYellow),
	"running":     color.New(color.FgCyan),
	"paused":      color.New(color.FgYellow),
	"completed":   color.New(color.FgGreen),
	"failed":      color.New(color.FgRed),
	"cancelled":   color.New(color.FgHiBlack),
	"skipped":     color.New(color.FgHiBlack),
	"blocked":     color.New(color.FgHiBlack),
	"open":        color.New(color.FgYellow),
	"in_progress": color.New(color.FgCyan),
	"closed":      color.New(color.FgGreen),
}

func colorStatus(status string) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(status)
	}
	return status
}

func createWorkflow(ctx context.Context, cli *client.Client) error {
	w, err := cli.CreateWorkflow(ctx, client.CreateWorkflowRequest{
		Title:             *wfCreateTitle,
		Issues:            *wfCreateIssues,
		Spec:              *wfCreateSpec,
		RootIssue:         *wfCreateRoot,
		Goal:              *wfCreateGoal,
		Parallelism:       *wfCreatePar,
		OnFailure:         *wfCreateOnFailure,
		MaxConcurrency:    *wfCreateMaxConc,
		AutoCommit:        *wfCreateAutoCommit,
		DefaultAgentType:  *wfCreateAgentType,
		OrchestratorModel: *wfCreateModel,
		BaseBranch:        *wfCreateBranch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created workflow %s (%d steps)\n", w.ID, len(w.Steps))
	return nil
}

func listWorkflows(ctx context.Context, cli *client.Client) error {
	workflows, err := cli.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEPS\tTITLE\tCREATED")
	for _, w := range workflows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			w.ID, colorStatus(w.Status), len(w.Steps), w.Title, w.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func showWorkflow(ctx context.Context, cli *client.Client, id string) error {
	w, err := cli.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", w.ID, colorStatus(w.Status))
	if w.Title != "" {
		fmt.Printf("Title:       %s\n", w.Title)
	}
	fmt.Printf("Source:      %s\n", describeSource(w))
	fmt.Printf("Parallelism: %s (on failure: %s)\n", w.Parallelism, w.OnFailure)
	if w.BranchName != "" {
		fmt.Printf("Branch:      %s\n", w.BranchName)
	}
	if w.WorktreePath != "" {
		fmt.Printf("Worktree:    %s\n", w.WorktreePath)
	}
	if w.Error != "" {
		fmt.Printf("Error:       %s\n", color.RedString(w.Error))
	}

	if len(w.Steps) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tISSUE\tSTATUS\tDEPENDS ON\tDETAIL")
		for _, st := range w.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				st.ID, st.IssueID, colorStatus(st.Status), strings.Join(st.Dependencies, ","), stepDetail(st))
		}
		return tw.Flush()
	}
	return nil
}

func describeSource(w *client.Workflow) string {
	if w.SourceKind == "goal" && w.Goal != "" {
		return "goal: " + w.Goal
	}
	return w.SourceKind
}

func stepDetail(st client.Step) string {
	switch {
	case st.Error != "":
		return st.Error
	case st.SkipReason != "":
		return "skipped: " + st.SkipReason
	case st.CommitSHA != "":
		if len(st.CommitSHA) > 8 {
			return st.CommitSHA[:8]
		}
		return st.CommitSHA
	}
	return ""
}

func lifecycleWorkflow(ctx context.Context, op func(context.Context, string) (*client.Workflow, error), id string) error {
	w, err := op(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Workflow %s is now %s\n", w.ID, colorStatus(w.Status))
	return nil
}

func retryStep(ctx context.Context, cli *client.Client) error {
	w, err := cli.RetryStep(ctx, *wfRetryID, *wfRetryStep, *wfRetryFresh)
	if err != nil {
		return err
	}
	fmt.Printf("Step %s queued for retry (workflow %s is %s)\n", *wfRetryStep, w.ID, colorStatus(w.Status))
	return nil
}

func skipStep(ctx context.Context, cli *client.Client) error {
	w, err := cli.SkipStep(ctx, *wfSkipID, *wfSkipStep, *wfSkipReason)
	if err != nil {
		return err
	}
	fmt.Printf("Step %s skipped (workflow %s is %s)\n", *wfSkipStep, w.ID, colorStatus(w.Status))
	return nil
}

func respondWorkflow(ctx context.Context, cli *client.Client) error {
	eventType := "user_response"
	if *wfRespondResolve {
		eventType = "escalation_resolved"
	}
	ev, err := cli.RecordEvent(ctx, *wfRespondID, eventType, *wfRespondMessage)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded %s event %s\n", ev.Type, ev.ID)
	return nil
}
