// Package config loads runtime configuration from maestro.yaml and the
// MAESTRO_* environment, layered over built-in defaults.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete maestro configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	DAG        DAGConfig        `mapstructure:"dag"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WebSocket surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// CORSOrigins restricts browser origins; empty allows all.
	CORSOrigins      []string `mapstructure:"cors_origins"`
	Debug            bool     `mapstructure:"debug"`
	ReadTimeoutSecs  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSecs int      `mapstructure:"write_timeout_seconds"`
}

// CheckpointConfig selects where run state is persisted.
type CheckpointConfig struct {
	// Backend is "file" or "postgres".
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	PostgresURI string `mapstructure:"postgres_uri"`
}

// WorkspaceConfig controls where runs execute.
type WorkspaceConfig struct {
	// Root is the trunk checkout worker output merges back into.
	Root string `mapstructure:"root"`
	// WorktreeDir is where per-task worktrees are created. Empty means
	// <root>/.maestro/worktrees.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// LogsDir receives per-task LLM request logs. Empty disables recording.
	LogsDir string `mapstructure:"logs_dir"`
}

// DispatchConfig tunes the per-run controller loop.
type DispatchConfig struct {
	MaxConcurrentWorkers int `mapstructure:"max_concurrent_workers"`
	MaxRetries           int `mapstructure:"max_retries"`
	// DeadlockThreshold is how many consecutive idle iterations end the run.
	DeadlockThreshold int `mapstructure:"deadlock_threshold"`
	GitTimeoutSecs    int `mapstructure:"git_timeout_seconds"`
}

// DAGConfig tunes plan integration.
type DAGConfig struct {
	// TransitiveReduction drops dependency edges already implied by longer
	// paths during plan integration.
	TransitiveReduction bool `mapstructure:"transitive_reduction"`
}

// LLMConfig selects the model invoker. Provider implementations live outside
// this module; "mock" wires the scripted invoker for local and headless use.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// RecordRequests writes every completion request under workspace.logs_dir.
	RecordRequests bool `mapstructure:"record_requests"`
	TimeoutSecs    int  `mapstructure:"timeout_seconds"`
}

// WorkerConfig tunes agent execution.
type WorkerConfig struct {
	// ProfilesPath points at a yaml file overriding per-profile prompts,
	// toolsets and step budgets.
	ProfilesPath string `mapstructure:"profiles_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "localhost",
			Port:             8080,
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 30,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "~/.maestro/checkpoints",
		},
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Dispatch: DispatchConfig{
			MaxConcurrentWorkers: 3,
			MaxRetries:           3,
			DeadlockThreshold:    10,
			GitTimeoutSecs:       60,
		},
		DAG: DAGConfig{
			TransitiveReduction: true,
		},
		LLM: LLMConfig{
			Provider:    "mock",
			TimeoutSecs: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.debug", d.Server.Debug)
	v.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeoutSecs)
	v.SetDefault("server.write_timeout_seconds", d.Server.WriteTimeoutSecs)

	v.SetDefault("checkpoint.backend", d.Checkpoint.Backend)
	v.SetDefault("checkpoint.dir", d.Checkpoint.Dir)
	v.SetDefault("checkpoint.postgres_uri", d.Checkpoint.PostgresURI)

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.worktree_dir", d.Workspace.WorktreeDir)
	v.SetDefault("workspace.logs_dir", d.Workspace.LogsDir)

	v.SetDefault("dispatch.max_concurrent_workers", d.Dispatch.MaxConcurrentWorkers)
	v.SetDefault("dispatch.max_retries", d.Dispatch.MaxRetries)
	v.SetDefault("dispatch.deadlock_threshold", d.Dispatch.DeadlockThreshold)
	v.SetDefault("dispatch.git_timeout_seconds", d.Dispatch.GitTimeoutSecs)

	v.SetDefault("dag.transitive_reduction", d.DAG.TransitiveReduction)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.record_requests", d.LLM.RecordRequests)
	v.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSecs)

	v.SetDefault("worker.profiles_path", d.Worker.ProfilesPath)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads configuration layered as defaults < yaml file < MAESTRO_* env.
// An empty path searches for maestro.yaml in the working directory; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("maestro")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/maestro")
	}
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir is required for the file backend")
		}
	case "postgres":
		if c.Checkpoint.PostgresURI == "" {
			return fmt.Errorf("checkpoint.postgres_uri is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint.backend %q (want file or postgres)", c.Checkpoint.Backend)
	}
	if c.Dispatch.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("dispatch.max_concurrent_workers must be positive")
	}
	switch c.LLM.Provider {
	case "mock":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	return nil
}

// ReadTimeout returns the server read timeout.
func (c *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSecs) * time.Second
}

// WriteTimeout returns the server write timeout.
func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSecs) * time.Second
}

// GitTimeout returns the per-subprocess git timeout.
func (c *DispatchConfig) GitTimeout() time.Duration {
	return time.Duration(c.GitTimeoutSecs) * time.Second
}

// Timeout returns the per-completion LLM timeout.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}
