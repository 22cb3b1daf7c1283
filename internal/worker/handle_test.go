package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoScript echoes every stdin line back on stdout using shell builtins only,
// so no child process outlives the shell.
const echoScript = `while IFS= read -r line; do printf '%s\n' "$line"; done`

func shConfig(name, script string) Config {
	return Config{
		Name:    name,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
}

// lineCollector gathers OnLine callbacks for assertions.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, string(line))
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *lineCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestConfig_Validate(t *testing.T) {
	require.Error(t, Config{Name: "x"}.Validate())
	require.NoError(t, Config{Name: "x", Command: "/bin/sh"}.Validate())
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
		terminal bool
	}{
		{StatusPending, "pending", false},
		{StatusRunning, "running", false},
		{StatusExited, "exited", true},
		{StatusStopped, "stopped", true},
		{Status(99), "unknown", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, tt.status.String())
		require.Equal(t, tt.terminal, tt.status.IsTerminal())
	}
}

func TestHandle_NotStartedByDefault(t *testing.T) {
	h := New(shConfig("echo", echoScript))

	require.False(t, h.Alive())
	require.Equal(t, StatusPending, h.Status())
	require.Equal(t, -1, h.PID())
	require.Equal(t, "echo", h.Name())
}

func TestHandle_WriteLineWhenNotAlive(t *testing.T) {
	h := New(shConfig("echo", echoScript))

	err := h.WriteLine(map[string]string{"id": "1"})
	require.ErrorIs(t, err, ErrNotAlive)
}

func TestHandle_EnsureStartedIsIdempotent(t *testing.T) {
	h := New(shConfig("echo", echoScript))
	t.Cleanup(func() { _ = h.Stop() })

	require.NoError(t, h.EnsureStarted(context.Background()))
	pid := h.PID()
	require.Greater(t, pid, 0)

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.Equal(t, pid, h.PID(), "second EnsureStarted must not respawn")
	require.Equal(t, StatusRunning, h.Status())
}

func TestHandle_EnsureStartedCancelledContext(t *testing.T) {
	h := New(shConfig("echo", echoScript))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.EnsureStarted(ctx), context.Canceled)
	require.False(t, h.Alive())
}

func TestHandle_EnsureStartedMissingExecutable(t *testing.T) {
	h := New(Config{Name: "ghost", Command: "/nonexistent/worker-binary"})

	err := h.EnsureStarted(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to start")
	require.False(t, h.Alive())
}

func TestHandle_WriteLineRoundTrip(t *testing.T) {
	lines := &lineCollector{}
	h := New(shConfig("echo", echoScript), WithOnLine(lines.add))
	t.Cleanup(func() { _ = h.Stop() })

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.NoError(t, h.WriteLine(map[string]any{"id": "a", "method": "ping"}))

	require.Eventually(t, func() bool { return lines.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines.snapshot()[0]), &got))
	require.Equal(t, "a", got["id"])
	require.Equal(t, "ping", got["method"])
}

func TestHandle_DropsMalformedLines(t *testing.T) {
	lines := &lineCollector{}
	exited := make(chan ExitInfo, 1)
	script := `echo 'loading model...'; echo '{"a":1}'; echo '[1,2'; echo; echo '"str"'; exit 0`

	h := New(shConfig("noisy", script),
		WithOnLine(lines.add),
		WithOnExit(func(info ExitInfo) { exited <- info }))

	require.NoError(t, h.EnsureStarted(context.Background()))

	select {
	case info := <-exited:
		require.Equal(t, 0, info.Code)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "worker did not exit")
	}

	require.Equal(t, []string{`{"a":1}`, `"str"`}, lines.snapshot())
}

func TestHandle_OnExitCarriesCodeAndStderr(t *testing.T) {
	exits := make(chan ExitInfo, 2)
	h := New(shConfig("crashy", `echo 'fatal: model missing' >&2; exit 3`),
		WithOnExit(func(info ExitInfo) { exits <- info }))

	require.NoError(t, h.EnsureStarted(context.Background()))

	select {
	case info := <-exits:
		require.Equal(t, 3, info.Code)
		require.Equal(t, "crashy", info.Worker)
		require.False(t, info.Stopped)
		require.Error(t, info.Err)
		require.Equal(t, []string{"fatal: model missing"}, info.Stderr)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "worker did not exit")
	}

	require.False(t, h.Alive())
	require.Equal(t, StatusExited, h.Status())
	require.Equal(t, []string{"fatal: model missing"}, h.StderrTail())
	require.ErrorIs(t, h.WriteLine(map[string]string{}), ErrNotAlive)

	select {
	case <-exits:
		require.Fail(t, "OnExit fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandle_RestartsAfterExit(t *testing.T) {
	var mu sync.Mutex
	exitCount := 0
	h := New(shConfig("oneshot", `read -r line; exit 1`),
		WithOnExit(func(ExitInfo) {
			mu.Lock()
			exitCount++
			mu.Unlock()
		}))

	require.NoError(t, h.EnsureStarted(context.Background()))
	firstPID := h.PID()
	require.NoError(t, h.WriteLine(map[string]string{"id": "1"}))

	require.Eventually(t, func() bool { return !h.Alive() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.True(t, h.Alive())
	require.NotEqual(t, firstPID, h.PID())

	require.NoError(t, h.WriteLine(map[string]string{"id": "2"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exitCount == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandle_Stop(t *testing.T) {
	exits := make(chan ExitInfo, 1)
	h := New(shConfig("echo", echoScript), WithOnExit(func(info ExitInfo) { exits <- info }))

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.NoError(t, h.Stop())

	select {
	case info := <-exits:
		require.True(t, info.Stopped)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "worker did not stop")
	}

	require.False(t, h.Alive())
	require.Equal(t, StatusStopped, h.Status())

	// Stop on a dead handle is a no-op and never restarts.
	require.NoError(t, h.Stop())
	require.False(t, h.Alive())
}

func TestHandle_Wait(t *testing.T) {
	h := New(shConfig("echo", echoScript))

	require.NoError(t, h.Wait(context.Background()), "wait without process returns immediately")

	require.NoError(t, h.EnsureStarted(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, h.Stop())
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.Wait(waitCtx))
}

func TestHandle_EnvAndDir(t *testing.T) {
	lines := &lineCollector{}
	dir := t.TempDir()
	cfg := Config{
		Name:    "env",
		Command: "/bin/sh",
		Args:    []string{"-c", `printf '{"var":"%s","dir":"%s"}\n' "$AIME_TEST_VAR" "$(pwd)"`},
		Dir:     dir,
		Env:     []string{"AIME_TEST_VAR=hello"},
	}
	h := New(cfg, WithOnLine(lines.add))

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.Eventually(t, func() bool { return lines.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	var got struct {
		Var string `json:"var"`
		Dir string `json:"dir"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines.snapshot()[0]), &got))
	require.Equal(t, "hello", got.Var)
	require.True(t, strings.HasSuffix(got.Dir, dir) || strings.HasSuffix(dir, got.Dir))
}

// TestHandle_ConcurrentWritesDoNotInterleave writes many large lines from
// many goroutines; every echoed line must still be a single JSON value.
func TestHandle_ConcurrentWritesDoNotInterleave(t *testing.T) {
	lines := &lineCollector{}
	h := New(shConfig("echo", echoScript), WithOnLine(lines.add))
	t.Cleanup(func() { _ = h.Stop() })

	require.NoError(t, h.EnsureStarted(context.Background()))

	const writers = 20
	const perWriter = 10
	payload := strings.Repeat("x", 8*1024)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := h.WriteLine(map[string]string{
					"id":   fmt.Sprintf("%d-%d", w, i),
					"data": payload,
				})
				if err != nil {
					t.Errorf("write %d-%d: %v", w, i, err)
				}
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return lines.len() == writers*perWriter
	}, 5*time.Second, 10*time.Millisecond)

	seen := make(map[string]bool)
	for _, line := range lines.snapshot() {
		var msg map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		require.Len(t, msg["data"], len(payload))
		seen[msg["id"]] = true
	}
	require.Len(t, seen, writers*perWriter)
}

func TestHandle_CommandFactory(t *testing.T) {
	var gotName string
	var gotArgs []string
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName = name
		gotArgs = args
		return exec.CommandContext(ctx, "/bin/sh", "-c", "exit 0")
	}

	exited := make(chan ExitInfo, 1)
	h := New(Config{Name: "fake", Command: "python", Args: []string{"main.py"}},
		WithCommandFactory(factory),
		WithOnExit(func(info ExitInfo) { exited <- info }))

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.Equal(t, "python", gotName)
	require.Equal(t, []string{"main.py"}, gotArgs)

	select {
	case info := <-exited:
		require.Equal(t, 0, info.Code)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "fake worker did not exit")
	}
}

func TestStderrTail_KeepsMostRecent(t *testing.T) {
	tail := newStderrTail(3)
	require.Empty(t, tail.lines())

	for i := 1; i <= 5; i++ {
		tail.add(fmt.Sprintf("line %d", i))
	}

	require.Equal(t, []string{"line 3", "line 4", "line 5"}, tail.lines())
}

// descendantScript answers one line, then exits while a background child
// keeps stdout and stderr open.
const descendantScript = `read -r line; echo '{"reply":1}'; sleep 3 & exit 1`

func TestHandle_ExitDetectedWhileDescendantHoldsOutput(t *testing.T) {
	lines := &lineCollector{}
	exits := make(chan ExitInfo, 1)
	cfg := shConfig("leaky", descendantScript)
	cfg.DrainTimeout = 100 * time.Millisecond

	h := New(cfg,
		WithOnLine(lines.add),
		WithOnExit(func(info ExitInfo) { exits <- info }))

	require.NoError(t, h.EnsureStarted(context.Background()))
	firstPID := h.PID()
	require.NoError(t, h.WriteLine(map[string]string{"id": "1"}))

	select {
	case info := <-exits:
		require.Equal(t, 1, info.Code)
		require.False(t, info.Stopped)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "exit not detected while a descendant holds the output pipes")
	}

	require.Equal(t, []string{`{"reply":1}`}, lines.snapshot(), "output written before exit is delivered")
	require.False(t, h.Alive())
	require.ErrorIs(t, h.WriteLine(map[string]string{"id": "2"}), ErrNotAlive)

	require.NoError(t, h.EnsureStarted(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	require.True(t, h.Alive())
	require.NotEqual(t, firstPID, h.PID())
}

func TestHandle_RestartWaitsForExitCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var exits sync.WaitGroup
	exits.Add(2)

	h := New(shConfig("oneshot", `read -r line; exit 1`),
		WithOnExit(func(ExitInfo) {
			defer exits.Done()
			select {
			case <-entered:
				return
			default:
			}
			close(entered)
			<-release
		}))

	require.NoError(t, h.EnsureStarted(context.Background()))
	require.NoError(t, h.WriteLine(map[string]string{"id": "1"}))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "worker did not exit")
	}

	// The old process is gone but its exit callback has not returned.
	require.False(t, h.Alive())
	require.Equal(t, StatusExited, h.Status())
	require.Equal(t, -1, h.PID())
	require.ErrorIs(t, h.WriteLine(map[string]string{"id": "2"}), ErrNotAlive)

	started := make(chan error, 1)
	go func() { started <- h.EnsureStarted(context.Background()) }()

	select {
	case err := <-started:
		require.FailNow(t, "restart overlapped the exit callback", "err=%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "restart did not proceed after the exit callback")
	}
	require.True(t, h.Alive())

	require.NoError(t, h.WriteLine(map[string]string{"id": "3"}))
	exits.Wait()
}

func TestHandle_EnsureStartedWaitHonorsContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := New(shConfig("oneshot", `exit 0`),
		WithOnExit(func(ExitInfo) {
			close(entered)
			<-release
		}))
	defer close(release)

	require.NoError(t, h.EnsureStarted(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.EnsureStarted(ctx), context.DeadlineExceeded)
}
