package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"
)

// Hook runs a shell command in response to an event.
type Hook struct {
	Name  string    `yaml:"name"`
	Event EventType `yaml:"event"`
	// Condition optionally restricts the hook to events whose payload field
	// matches, written as "key=value".
	Condition string `yaml:"condition,omitempty"`
	Command   string `yaml:"command"`
	Timeout   int    `yaml:"timeout,omitempty"` // seconds
}

// Validate checks the hook definition, including parsing the command with a
// real shell grammar so broken commands are rejected at load time instead of
// silently failing at event time.
func (h *Hook) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("hook has no name")
	}
	if h.Event == "" {
		return fmt.Errorf("hook %s has no event", h.Name)
	}
	if h.Command == "" {
		return fmt.Errorf("hook %s has no command", h.Name)
	}
	if h.Condition != "" && !strings.Contains(h.Condition, "=") {
		return fmt.Errorf("hook %s condition must be key=value, got %q", h.Name, h.Condition)
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(h.Command), h.Name); err != nil {
		return fmt.Errorf("hook %s command does not parse: %w", h.Name, err)
	}
	return nil
}

// formatCommand renders a command in canonical shell form for logs. On parse
// error the original input is returned unchanged.
func formatCommand(command string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return command
	}
	var sb strings.Builder
	printer := syntax.NewPrinter(syntax.Indent(2), syntax.SpaceRedirects(true))
	if err := printer.Print(&sb, prog); err != nil {
		return command
	}
	return strings.TrimRight(sb.String(), "\n")
}

// LoadHooksFile reads hook definitions from a YAML file. A missing file means
// no hooks.
func LoadHooksFile(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}

	var cfg struct {
		Hooks []Hook `yaml:"hooks"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse hooks file: %w", err)
	}
	for i := range cfg.Hooks {
		if err := cfg.Hooks[i].Validate(); err != nil {
			return nil, err
		}
	}
	return cfg.Hooks, nil
}

// HookExecutor runs hooks in response to bus events. Hook failures are
// logged, never propagated.
type HookExecutor struct {
	hooks []Hook
}

func NewHookExecutor(hooks []Hook) *HookExecutor {
	return &HookExecutor{hooks: hooks}
}

func (he *HookExecutor) Execute(ctx context.Context, eventMsg *EventMessage) {
	for _, hook := range he.hooks {
		if hook.Event != eventMsg.Type {
			continue
		}
		if !matchCondition(hook.Condition, eventMsg.Data) {
			continue
		}
		if err := he.executeHook(ctx, hook, eventMsg); err != nil {
			slog.Warn("hook failed", "hook", hook.Name, "event_type", eventMsg.Type, "error", err)
		}
	}
}

// matchCondition evaluates a "key=value" condition against the payload.
// An empty condition always matches.
func matchCondition(condition string, payload json.RawMessage) bool {
	if condition == "" {
		return true
	}
	key, want, ok := strings.Cut(condition, "=")
	if !ok {
		return false
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	got, ok := fields[key]
	if !ok {
		return false
	}
	return fmt.Sprint(got) == want
}

func (he *HookExecutor) executeHook(ctx context.Context, hook Hook, eventMsg *EventMessage) error {
	env := []string{
		fmt.Sprintf("FLOWGUILD_EVENT_TYPE=%s", eventMsg.Type),
		fmt.Sprintf("FLOWGUILD_EVENT_ID=%s", eventMsg.ID),
		fmt.Sprintf("FLOWGUILD_EVENT_SOURCE=%s", eventMsg.Source),
		fmt.Sprintf("FLOWGUILD_EVENT_TIMESTAMP=%s", eventMsg.Timestamp.Format(time.RFC3339)),
		fmt.Sprintf("FLOWGUILD_EVENT_PAYLOAD=%s", string(eventMsg.Data)),
	}

	// Common payload fields get dedicated variables so hooks don't need a
	// JSON parser for the usual cases.
	var fields map[string]any
	if err := json.Unmarshal(eventMsg.Data, &fields); err == nil {
		if v, ok := fields["workflow_id"]; ok {
			env = append(env, fmt.Sprintf("FLOWGUILD_WORKFLOW_ID=%v", v))
		}
		if v, ok := fields["step_id"]; ok {
			env = append(env, fmt.Sprintf("FLOWGUILD_STEP_ID=%v", v))
		}
	}

	timeout := 30 * time.Second
	if hook.Timeout > 0 {
		timeout = time.Duration(hook.Timeout) * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("running hook", "hook", hook.Name, "command", formatCommand(hook.Command))

	cmd := exec.CommandContext(hookCtx, "sh", "-c", hook.Command)
	cmd.Env = append(os.Environ(), env...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook command failed: %w, output: %s", err, string(output))
	}
	return nil
}

// RegisterHooks subscribes the executor to every topic.
func RegisterHooks(eventBus *EventBus, executor *HookExecutor) {
	for _, eventType := range AllEventTypes() {
		et := eventType
		if err := eventBus.SubscribeAsync(et, fmt.Sprintf("hook-%s", et), func(ctx context.Context, eventMsg *EventMessage) error {
			executor.Execute(ctx, eventMsg)
			return nil
		}); err != nil {
			slog.Warn("failed to subscribe hook executor", "event_type", et, "error", err)
		}
	}
}
