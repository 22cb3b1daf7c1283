// Package config provides configuration types and defaults for aime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/tracing"
	"github.com/DarkNoah/aime-chat-sub001/internal/worker"
)

// Well-known worker names.
const (
	WorkerAudio  = "audio"
	WorkerOCR    = "ocr"
	WorkerEngine = "engine"
)

// DefaultCallTimeout bounds a worker call when the worker sets no timeout.
const DefaultCallTimeout = 600 * time.Second

// Config holds all configuration options for aime.
type Config struct {
	Workers map[string]WorkerConfig `mapstructure:"workers"`
	Chat    ChatConfig              `mapstructure:"chat"`
	Tracing tracing.Config          `mapstructure:"tracing"`
}

// WorkerConfig describes one long-lived worker process.
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`

	// Env holds extra "KEY=VALUE" pairs. A list rather than a map because
	// viper lowercases map keys.
	Env []string `mapstructure:"env"`

	// Timeout is the default per-call timeout. 0 uses DefaultCallTimeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// StderrLines is how many trailing stderr lines are kept for crash reports.
	StderrLines int `mapstructure:"stderr_lines"`
}

// CallTimeout returns the effective default call timeout.
func (w WorkerConfig) CallTimeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return DefaultCallTimeout
}

// Process converts the entry into a spawnable worker config.
func (w WorkerConfig) Process(name string) worker.Config {
	return worker.Config{
		Name:        name,
		Command:     w.Command,
		Args:        w.Args,
		Dir:         w.Dir,
		Env:         w.Env,
		StderrLines: w.StderrLines,
	}
}

// ChatConfig holds chat streaming options.
type ChatConfig struct {
	Engine         string        `mapstructure:"engine"`          // worker name of the chat engine
	QueueSize      int           `mapstructure:"queue_size"`      // chunks buffered per session
	Mode           string        `mapstructure:"mode"`            // "agent" (default) or "workflow"
	ControlTimeout time.Duration `mapstructure:"control_timeout"` // start/abort acknowledgement timeout
	OutcomeTTL     time.Duration `mapstructure:"outcome_ttl"`     // how long closed outcomes are kept
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "aime", "traces", "traces.jsonl")
}

// DefaultRuntimeDir returns where workers stage temporary files.
func DefaultRuntimeDir() string {
	return filepath.Join(os.TempDir(), "aime")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tr := tracing.DefaultConfig()
	tr.FilePath = DefaultTracesFilePath()

	return Config{
		Workers: map[string]WorkerConfig{
			WorkerAudio: {
				Command: "uv",
				Args:    []string{"run", "--project", ".", "python", "main.py"},
				Env: []string{
					"PYTHONUNBUFFERED=1",
					"PYTHONUTF8=1",
					"PYTHONIOENCODING=utf-8",
				},
				Timeout: DefaultCallTimeout,
			},
		},
		Chat: ChatConfig{
			Engine:         WorkerEngine,
			QueueSize:      chatstream.DefaultQueueSize,
			Mode:           string(chatstream.ModeAgent),
			ControlTimeout: 30 * time.Second,
			OutcomeTTL:     10 * time.Minute,
		},
		Tracing: tr,
	}
}

// Worker returns the named worker entry.
func (c Config) Worker(name string) (WorkerConfig, error) {
	w, ok := c.Workers[name]
	if !ok {
		return WorkerConfig{}, fmt.Errorf("worker %q is not configured", name)
	}
	return w, nil
}

// WorkerNames returns the configured worker names, sorted.
func (c Config) WorkerNames() []string {
	names := make([]string, 0, len(c.Workers))
	for name := range c.Workers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateWorkers(c.Workers); err != nil {
		return err
	}
	if err := ValidateChat(c.Chat); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// ValidateWorkers checks every worker entry.
func ValidateWorkers(workers map[string]WorkerConfig) error {
	for _, name := range (Config{Workers: workers}).WorkerNames() {
		w := workers[name]
		if w.Command == "" {
			return fmt.Errorf("workers.%s.command is required", name)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("workers.%s.timeout must not be negative, got %s", name, w.Timeout)
		}
		for _, kv := range w.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("workers.%s.env entries must be KEY=VALUE, got %q", name, kv)
			}
		}
		if w.StderrLines < 0 {
			return fmt.Errorf("workers.%s.stderr_lines must not be negative, got %d", name, w.StderrLines)
		}
	}
	return nil
}

// ValidateChat checks chat options. Empty values use defaults.
func ValidateChat(chat ChatConfig) error {
	switch chatstream.Mode(chat.Mode) {
	case "", chatstream.ModeAgent, chatstream.ModeWorkflow:
	default:
		return fmt.Errorf("chat.mode must be \"agent\" or \"workflow\", got %q", chat.Mode)
	}
	if chat.QueueSize < 0 {
		return fmt.Errorf("chat.queue_size must not be negative, got %d", chat.QueueSize)
	}
	if chat.ControlTimeout < 0 {
		return fmt.Errorf("chat.control_timeout must not be negative, got %s", chat.ControlTimeout)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# aime transport configuration

# Long-lived worker processes, one JSON message per line on stdin/stdout.
workers:
  audio:
    command: uv
    args: [run, --project, ., python, main.py]
    # dir: /path/to/runtime   # working directory (default: current directory)
    env:
      - PYTHONUNBUFFERED=1
      - PYTHONUTF8=1
      - PYTHONIOENCODING=utf-8
    timeout: 600s             # default per-call timeout
    # stderr_lines: 20        # stderr lines kept for crash reports

  # engine:
  #   command: node
  #   args: [engine.js]

# Chat streaming
chat:
  engine: engine          # worker that runs the chat engine
  queue_size: 64          # chunks buffered per session before backpressure
  mode: agent             # "agent" or "workflow"
  control_timeout: 30s    # timeout for start/abort acknowledgements
  outcome_ttl: 10m        # how long finished sessions are remembered

# Distributed tracing
tracing:
  enabled: false
  exporter: file          # "none", "file", "stdout", or "otlp"
  # file_path: ~/.config/aime/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates parent directories if needed.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Debug(log.CatConfig, "Wrote default config", "path", configPath)
	return nil
}
