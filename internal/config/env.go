package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APIKey guards the HTTP API when set. Empty disables the check, which
	// is the expected mode for a daemon bound to localhost.
	APIKey string `envconfig:"API_KEY"`
	// RepoPath is the git repository flowguild operates on. Worktrees and
	// per-repo issue files live under <RepoPath>/.flowguild/.
	RepoPath string `envconfig:"REPO_PATH" default:"."`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".flowguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"flowguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type EngineEnv struct {
	// WakeupDebounce is how long the wakeup service batches events before
	// invoking the orchestrator.
	WakeupDebounce time.Duration `envconfig:"WAKEUP_DEBOUNCE" default:"5s"`
	// StepPollInterval is the wait between execution-loop passes when no
	// step is ready yet.
	StepPollInterval time.Duration `envconfig:"STEP_POLL_INTERVAL" default:"1s"`
	// StepWaitCeiling bounds how long a dispatched execution may run before
	// the step is failed.
	StepWaitCeiling time.Duration `envconfig:"STEP_WAIT_CEILING" default:"1h"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `envconfig:"VAPID_SUBSCRIBER" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	EngineEnv
	VAPIDEnv
}

const namespace = "FLOWGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func EngineEnvFromEnv(env *Env) *EngineEnv {
	return &env.EngineEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
