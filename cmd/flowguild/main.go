package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/flowguild/internal/client"
	"github.com/kazz187/flowguild/internal/daemon"
)

var (
	app       = kingpin.New("flowguild", "Dependency-aware workflow orchestration for autonomous coding agents")
	serverURL = app.Flag("server", "Daemon base URL").Default("http://localhost:3100").Envar("FLOWGUILD_SERVER_URL").String()
	apiKey    = app.Flag("api-key", "API key for the daemon").Envar("FLOWGUILD_API_KEY").String()

	// Daemon commands
	startCmd = app.Command("start", "Start the supervised daemon (restarts on crash or binary update)")
	runCmd   = app.Command("run", "Run the daemon in the foreground")

	// Workflow commands
	workflowCmd = app.Command("workflow", "Manage workflows")

	wfCreateCmd        = workflowCmd.Command("create", "Create a workflow")
	wfCreateTitle      = wfCreateCmd.Flag("title", "Workflow title").String()
	wfCreateIssues     = wfCreateCmd.Flag("issue", "Issue to include (repeatable)").Strings()
	wfCreateSpec       = wfCreateCmd.Flag("spec", "Spec document id; every issue referencing it is included").String()
	wfCreateRoot       = wfCreateCmd.Flag("root", "Root issue; its dependency closure becomes the step graph").String()
	wfCreateGoal       = wfCreateCmd.Flag("goal", "Free-form goal; an orchestrator agent plans and grows the steps").String()
	wfCreatePar        = wfCreateCmd.Flag("parallelism", "Step scheduling mode").Default("sequential").Enum("sequential", "auto")
	wfCreateOnFailure  = wfCreateCmd.Flag("on-failure", "Failure strategy").Default("stop").Enum("stop", "pause", "skip_dependents", "continue")
	wfCreateMaxConc    = wfCreateCmd.Flag("max-concurrency", "Parallel step limit in auto mode").Int()
	wfCreateAutoCommit = wfCreateCmd.Flag("auto-commit", "Commit worktree changes after each completed step").Bool()
	wfCreateAgentType  = wfCreateCmd.Flag("agent-type", "Default agent type for steps").String()
	wfCreateModel      = wfCreateCmd.Flag("orchestrator-model", "Model for the orchestrator agent").String()
	wfCreateBranch     = wfCreateCmd.Flag("base-branch", "Base branch for the workflow worktree").String()

	wfListCmd = workflowCmd.Command("list", "List workflows")

	wfShowCmd = workflowCmd.Command("show", "Show one workflow with its steps")
	wfShowID  = wfShowCmd.Arg("id", "Workflow ID").Required().String()

	wfStartCmd = workflowCmd.Command("start", "Start a pending workflow")
	wfStartID  = wfStartCmd.Arg("id", "Workflow ID").Required().String()

	wfPauseCmd = workflowCmd.Command("pause", "Pause a running workflow")
	wfPauseID  = wfPauseCmd.Arg("id", "Workflow ID").Required().String()

	wfResumeCmd = workflowCmd.Command("resume", "Resume a paused workflow")
	wfResumeID  = wfResumeCmd.Arg("id", "Workflow ID").Required().String()

	wfCancelCmd = workflowCmd.Command("cancel", "Cancel a workflow")
	wfCancelID  = wfCancelCmd.Arg("id", "Workflow ID").Required().String()

	wfRetryCmd   = workflowCmd.Command("retry", "Retry a failed step")
	wfRetryID    = wfRetryCmd.Arg("id", "Workflow ID").Required().String()
	wfRetryStep  = wfRetryCmd.Arg("step", "Step ID").Required().String()
	wfRetryFresh = wfRetryCmd.Flag("fresh", "Discard the previous agent session and start over").Bool()

	wfSkipCmd    = workflowCmd.Command("skip", "Skip a step")
	wfSkipID     = wfSkipCmd.Arg("id", "Workflow ID").Required().String()
	wfSkipStep   = wfSkipCmd.Arg("step", "Step ID").Required().String()
	wfSkipReason = wfSkipCmd.Flag("reason", "Why the step is skipped").String()

	wfRespondCmd     = workflowCmd.Command("respond", "Send a response to a workflow's orchestrator")
	wfRespondID      = wfRespondCmd.Arg("id", "Workflow ID").Required().String()
	wfRespondMessage = wfRespondCmd.Arg("message", "Response text").Required().String()
	wfRespondResolve = wfRespondCmd.Flag("resolve", "Mark the pending escalation resolved").Bool()

	// Issue commands
	issueCmd = app.Command("issue", "Manage issues")

	issueCreateCmd   = issueCmd.Command("create", "Create an issue")
	issueCreateTitle = issueCreateCmd.Arg("title", "Issue title").Required().String()
	issueCreateDesc  = issueCreateCmd.Flag("description", "Issue description").String()
	issueCreateSpec  = issueCreateCmd.Flag("spec", "Spec document id this issue implements").String()
	issueCreateDeps  = issueCreateCmd.Flag("depends-on", "Issue this one depends on (repeatable)").Strings()
	issueCreateLabel = issueCreateCmd.Flag("label", "Label (repeatable)").Strings()

	issueListCmd = issueCmd.Command("list", "List issues")

	issueShowCmd = issueCmd.Command("show", "Show issue details")
	issueShowID  = issueShowCmd.Arg("id", "Issue ID").Required().String()

	issueCloseCmd = issueCmd.Command("close", "Close an issue")
	issueCloseID  = issueCloseCmd.Arg("id", "Issue ID").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	switch command {
	case startCmd.FullCommand():
		runSentinel()
		return
	case runCmd.FullCommand():
		runDaemon()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := client.New(*serverURL, *apiKey)

	var err error
	switch command {
	case wfCreateCmd.FullCommand():
		err = createWorkflow(ctx, cli)
	case wfListCmd.FullCommand():
		err = listWorkflows(ctx, cli)
	case wfShowCmd.FullCommand():
		err = showWorkflow(ctx, cli, *wfShowID)
	case wfStartCmd.FullCommand():
		err = lifecycleWorkflow(ctx, cli.StartWorkflow, *wfStartID)
	case wfPauseCmd.FullCommand():
		err = lifecycleWorkflow(ctx, cli.PauseWorkflow, *wfPauseID)
	case wfResumeCmd.FullCommand():
		err = lifecycleWorkflow(ctx, cli.ResumeWorkflow, *wfResumeID)
	case wfCancelCmd.FullCommand():
		err = lifecycleWorkflow(ctx, cli.CancelWorkflow, *wfCancelID)
	case wfRetryCmd.FullCommand():
		err = retryStep(ctx, cli)
	case wfSkipCmd.FullCommand():
		err = skipStep(ctx, cli)
	case wfRespondCmd.FullCommand():
		err = respondWorkflow(ctx, cli)
	case issueCreateCmd.FullCommand():
		err = createIssue(ctx, cli)
	case issueListCmd.FullCommand():
		err = listIssues(ctx, cli)
	case issueShowCmd.FullCommand():
		err = showIssue(ctx, cli, *issueShowID)
	case issueCloseCmd.FullCommand():
		err = closeIssue(ctx, cli, *issueCloseID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	d, err := daemon.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Println("daemon stopped")
			return
		}
		fmt.Fprintf(os.Stderr, "Error running daemon: %v\n", err)
		os.Exit(1)
	}
}
