package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/DarkNoah/aime-chat-sub001/internal/log"
)

const (
	// defaultStderrLines is how many trailing stderr lines are kept for exit reports.
	defaultStderrLines = 20

	// defaultWaitDelay bounds how long Wait blocks on pipes after the process is killed.
	defaultWaitDelay = 5 * time.Second

	// defaultDrainTimeout bounds how long output is still read after the
	// process exited. Output stays open past that only when a descendant
	// inherited the pipes.
	defaultDrainTimeout = time.Second
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable path, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config describes how to launch one worker process.
type Config struct {
	// Name identifies the worker in logs and errors (e.g. "audio", "engine").
	Name string

	// Command is the executable path or name looked up in PATH.
	Command string

	// Args are passed to Command verbatim.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra "KEY=VALUE" pairs appended to os.Environ().
	Env []string

	// StderrLines is how many trailing stderr lines to keep. 0 uses the default.
	StderrLines int

	// DrainTimeout bounds reading leftover output after exit. 0 uses the default.
	DrainTimeout time.Duration
}

// Validate checks that the config can be spawned.
func (c Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("worker %q: command is required", c.Name)
	}
	return nil
}

func (c Config) stderrLines() int {
	if c.StderrLines > 0 {
		return c.StderrLines
	}
	return defaultStderrLines
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout > 0 {
		return c.DrainTimeout
	}
	return defaultDrainTimeout
}

// process is one spawned incarnation of a worker.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	cancel context.CancelFunc
	tail   *stderrTail
	exited chan struct{}

	// stopped is set under Handle.mu when Stop requested the exit.
	stopped bool

	// dead is set under Handle.mu once the process has been reaped. The
	// process stays current until its exit callbacks have run.
	dead bool
}

// spawn creates pipes and starts the process. The process lifetime is bound
// to its own context, not the caller's, so a short-lived call context never
// kills a long-lived worker.
//
// On error, all created resources are cleaned up.
func spawn(cfg Config, factory CommandFactoryFunc) (*process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())

	var cmd *exec.Cmd
	var stdin io.WriteCloser
	var stdoutR, stdoutW, stderrR, stderrW *os.File

	closeAll := func(files ...*os.File) {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}
	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
	}

	if factory != nil {
		cmd = factory(procCtx, cfg.Command, cfg.Args...)
	} else {
		// #nosec G204 -- command and args come from the worker config, not user input
		cmd = exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	}
	cmd.Dir = cfg.Dir
	cmd.WaitDelay = defaultWaitDelay

	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	var err error
	stdin, err = cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker %s: failed to create stdin pipe: %w", cfg.Name, err)
	}

	// Output pipes are owned here rather than by exec.Cmd, so Wait returns
	// when the process exits even if a descendant keeps them open.
	stdoutR, stdoutW, err = os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker %s: failed to create stdout pipe: %w", cfg.Name, err)
	}
	cmd.Stdout = stdoutW

	stderrR, stderrW, err = os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker %s: failed to create stderr pipe: %w", cfg.Name, err)
	}
	cmd.Stderr = stderrW

	log.Debug(log.CatWorker, "Spawning worker",
		"worker", cfg.Name,
		"command", cfg.Command,
		"dir", cfg.Dir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("worker %s: failed to start: %w", cfg.Name, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	log.Debug(log.CatWorker, "Worker started",
		"worker", cfg.Name,
		"pid", cmd.Process.Pid)

	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		cancel: cancel,
		tail:   newStderrTail(cfg.stderrLines()),
		exited: make(chan struct{}),
	}, nil
}
