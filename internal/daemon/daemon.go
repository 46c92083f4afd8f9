package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/flowguild/internal/config"
	"github.com/kazz187/flowguild/internal/event"
	"github.com/kazz187/flowguild/internal/execution"
	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/internal/notify"
	"github.com/kazz187/flowguild/internal/server"
	"github.com/kazz187/flowguild/internal/workflow"
	"github.com/kazz187/flowguild/pkg/clog"
	"github.com/kazz187/flowguild/pkg/storage"
	"github.com/kazz187/flowguild/pkg/worktree"
)

// Daemon assembles the full flowguild runtime: stores, event bus, agent
// runner, wakeup service, both engine variants over one core, recovery, and
// the HTTP API.
type Daemon struct {
	env      *config.Env
	bus      *event.EventBus
	runner   *execution.AgentRunner
	wakeup   *workflow.WakeupService
	core     *workflow.Core
	recovery *workflow.RecoveryManager
	server   *server.Server
}

func New() (*Daemon, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	setupLogger(env)

	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, err
		}
	default:
		store, err = storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return nil, err
		}
	}

	workflows := workflow.NewYAMLStore(store)
	issues := issue.NewYAMLStore(store)
	subs := notify.NewYAMLStore(store)

	bus, err := event.NewEventBus()
	if err != nil {
		return nil, err
	}
	eventLogger, err := event.NewEventLogger(filepath.Join(env.BaseDir, "logs"))
	if err != nil {
		return nil, err
	}
	event.RegisterEventLogger(bus, eventLogger)

	hooks, err := event.LoadHooksFile(filepath.Join(env.RepoPath, ".flowguild", "hooks.yaml"))
	if err != nil {
		return nil, err
	}
	if len(hooks) > 0 {
		event.RegisterHooks(bus, event.NewHookExecutor(hooks))
	}

	sender := notify.NewSender(config.VAPIDEnvFromEnv(env), subs)
	dispatcher := notify.NewDispatcher(workflows, sender)
	if err := dispatcher.Register(bus); err != nil {
		return nil, err
	}

	trees, err := worktree.NewManager(env.RepoPath)
	if err != nil {
		return nil, err
	}

	runner := execution.NewAgentRunner(store)
	sink := event.NewBusSink(bus)

	wakeup := workflow.NewWakeupService(workflows, runner, sink, slog.Default())
	wakeup.SetDebounce(env.WakeupDebounce)

	core := workflow.NewCore(workflow.Options{
		Store:        workflows,
		Issues:       issues,
		Runner:       runner,
		Worktrees:    trees,
		Sink:         sink,
		Wakeup:       wakeup,
		Logger:       slog.Default(),
		PollInterval: env.StepPollInterval,
		WaitCeiling:  env.StepWaitCeiling,
	})

	srv := server.NewServer(
		config.BaseEnvFromEnv(env),
		workflow.NewSequentialEngine(core),
		workflow.NewOrchestratorEngine(core),
		workflows,
		issues,
		wakeup,
		subs,
	)

	return &Daemon{
		env:      env,
		bus:      bus,
		runner:   runner,
		wakeup:   wakeup,
		core:     core,
		recovery: workflow.NewRecoveryManager(core, wakeup, slog.Default()),
		server:   srv,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails. Recovery happens before the API comes up so clients never observe
// stale running workflows.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.bus.Start(ctx); err != nil {
		return err
	}

	// Orphaned executions must be settled first: workflow recovery reads
	// their final status to decide each step's fate.
	if err := d.runner.RecoverOrphans(ctx); err != nil {
		slog.Warn("failed to recover orphaned executions", "error", err)
	}
	if err := d.recovery.Run(ctx); err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		err := d.server.ListenAndServe(ctx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		d.shutdown()
		return nil
	})
	return p.Wait()
}

func (d *Daemon) shutdown() {
	slog.Info("shutting down daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	d.wakeup.Close()
	d.core.Wait()
	d.runner.Wait()

	if err := d.bus.Stop(); err != nil {
		slog.Error("event bus shutdown error", "error", err)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}
