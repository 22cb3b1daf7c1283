package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/DarkNoah/aime-chat-sub001/internal/log"
)

// ErrNotAlive is returned by WriteLine when no process is running.
var ErrNotAlive = errors.New("worker process is not alive")

// ExitInfo describes how a worker process ended.
type ExitInfo struct {
	// Worker is the configured worker name.
	Worker string

	// PID is the OS process ID of the exited process.
	PID int

	// Code is the exit code, or -1 if the process was killed by a signal.
	Code int

	// Err is the error returned by Wait, nil on a clean exit.
	Err error

	// Stopped reports whether the exit was requested via Stop.
	Stopped bool

	// Stderr holds the trailing stderr lines captured before exit.
	Stderr []string
}

// Option configures a Handle.
type Option func(*Handle)

// WithOnLine sets the callback invoked once per complete JSON line on stdout.
// The callback runs on the reader goroutine; lines arrive in output order.
func WithOnLine(fn func(line []byte)) Option {
	return func(h *Handle) {
		h.onLine = fn
	}
}

// WithOnExit sets the callback invoked exactly once per process lifetime.
// The next process is not started until the callback returns, so it must
// not call EnsureStarted itself.
func WithOnExit(fn func(ExitInfo)) Option {
	return func(h *Handle) {
		h.onExit = fn
	}
}

// WithCommandFactory sets a custom command factory for testing.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(h *Handle) {
		h.commandFactory = fn
	}
}

// Handle owns the spawn/stop lifecycle of one external worker process.
// All methods are safe for concurrent use.
type Handle struct {
	cfg Config

	onLine         func(line []byte)
	onExit         func(ExitInfo)
	commandFactory CommandFactoryFunc

	mu         sync.Mutex
	proc       *process
	status     Status
	lastStderr []string

	// writeMu keeps concurrent WriteLine calls from interleaving mid-line.
	writeMu sync.Mutex
}

// New creates a Handle. No process is started until EnsureStarted.
func New(cfg Config, opts ...Option) *Handle {
	h := &Handle{
		cfg:    cfg,
		status: StatusPending,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the configured worker name.
func (h *Handle) Name() string {
	return h.cfg.Name
}

// EnsureStarted spawns the process if none is alive. It is a no-op while a
// process is running. If the previous process has exited but its exit
// callbacks are still running, EnsureStarted waits for them first, so
// nothing issued to the new process is mistaken for work lost by the old.
func (h *Handle) EnsureStarted(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h.mu.Lock()
		p := h.proc
		if p == nil {
			err := h.startLocked()
			h.mu.Unlock()
			return err
		}
		if !p.dead {
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		select {
		case <-p.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handle) startLocked() error {
	p, err := spawn(h.cfg, h.commandFactory)
	if err != nil {
		return err
	}
	h.proc = p
	h.status = StatusRunning

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readStdout(p, &readers)
	go h.readStderr(p, &readers)
	go h.waitForExit(p, &readers)

	return nil
}

// Alive reports whether a process is currently running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc != nil && !h.proc.dead
}

// Status returns the current lifecycle status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// PID returns the OS process ID, or -1 if not running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil || h.proc.dead || h.proc.cmd.Process == nil {
		return -1
	}
	return h.proc.cmd.Process.Pid
}

// StderrTail returns the trailing stderr lines of the running process, or of
// the last one to exit.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc != nil {
		return h.proc.tail.lines()
	}
	return h.lastStderr
}

// WriteLine encodes v as a single line of JSON and writes it to the
// process's stdin. It fails with ErrNotAlive when no process is running.
func (h *Handle) WriteLine(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("worker %s: encode line: %w", h.cfg.Name, err)
	}
	payload = append(payload, '\n')

	h.mu.Lock()
	p := h.proc
	alive := p != nil && !p.dead
	h.mu.Unlock()
	if !alive {
		return ErrNotAlive
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := p.stdin.Write(payload); err != nil {
		return fmt.Errorf("worker %s: write line: %w", h.cfg.Name, err)
	}
	return nil
}

// Stop requests termination of the running process. It does not wait for
// the exit and does not restart the process. Stop is a no-op when no
// process is running.
func (h *Handle) Stop() error {
	h.mu.Lock()
	p := h.proc
	if p == nil || p.dead {
		h.mu.Unlock()
		return nil
	}
	p.stopped = true
	h.mu.Unlock()

	log.Debug(log.CatWorker, "Stopping worker", "worker", h.cfg.Name, "pid", p.cmd.Process.Pid)

	_ = p.stdin.Close()
	p.cancel()
	return nil
}

// Wait blocks until the current process exits or ctx ends.
// It returns immediately when no process is running.
func (h *Handle) Wait(ctx context.Context) error {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p == nil {
		return nil
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readStdout hands every complete JSON line to onLine. Lines that are not a
// single JSON value are diagnostic noise and are dropped.
func (h *Handle) readStdout(p *process, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(p.stdout)
	// 64KB initial, 10MB max: transcription results can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) {
			log.Debug(log.CatWorker, "dropping non-JSON line",
				"worker", h.cfg.Name, "line", string(line))
			continue
		}

		if h.onLine == nil {
			continue
		}

		owned := make([]byte, len(line))
		copy(owned, line)
		h.onLine(owned)
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "stdout scanner error",
			"worker", h.cfg.Name, "error", err)
	}
}

// readStderr logs stderr output and keeps a bounded tail for exit reports.
func (h *Handle) readStderr(p *process, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatWorker, "STDERR", "worker", h.cfg.Name, "line", line)
		p.tail.add(line)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "stderr scanner error",
			"worker", h.cfg.Name, "error", err)
	}
}

// waitForExit reaps the process, gives the readers a bounded window to
// drain what it wrote, and fires onExit exactly once. Only then is the
// process released, so a restart never overlaps the exit callbacks.
func (h *Handle) waitForExit(p *process, readers *sync.WaitGroup) {
	err := p.cmd.Wait()
	p.cancel()

	h.mu.Lock()
	p.dead = true
	stopped := p.stopped
	if stopped {
		h.status = StatusStopped
	} else {
		h.status = StatusExited
	}
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(h.cfg.drainTimeout()):
		log.Warn(log.CatWorker, "Worker output still open after exit",
			"worker", h.cfg.Name, "pid", p.cmd.Process.Pid)
	}
	// Closing the read ends stops readers held up by a descendant.
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	<-drained

	info := ExitInfo{
		Worker:  h.cfg.Name,
		PID:     p.cmd.Process.Pid,
		Code:    exitCode(p.cmd, err),
		Err:     err,
		Stopped: stopped,
		Stderr:  p.tail.lines(),
	}

	if info.Stopped {
		log.Debug(log.CatWorker, "Worker stopped", "worker", h.cfg.Name, "code", info.Code)
	} else {
		log.Warn(log.CatWorker, "Worker exited", "worker", h.cfg.Name, "code", info.Code, "error", err)
	}

	if h.onExit != nil {
		h.onExit(info)
	}

	h.mu.Lock()
	h.lastStderr = info.Stderr
	if h.proc == p {
		h.proc = nil
	}
	h.mu.Unlock()
	close(p.exited)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stderrTail is a bounded ring of the most recent stderr lines.
type stderrTail struct {
	mu    sync.Mutex
	max   int
	buf   []string
	start int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) < t.max {
		t.buf = append(t.buf, line)
		return
	}
	t.buf[t.start] = line
	t.start = (t.start + 1) % t.max
}

func (t *stderrTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return out
}
