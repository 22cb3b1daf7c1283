// Package worker owns the lifecycle of one long-lived external worker process
// that speaks line-delimited JSON over stdin/stdout.
//
// A Handle spawns the process lazily, hands every complete JSON line from
// stdout to an OnLine callback, writes one JSON value per line to stdin, and
// reports the exit code exactly once per process lifetime through OnExit.
// After an exit the handle is not alive; the next EnsureStarted spawns a
// fresh process once the exit callback has returned. An exit is noticed
// even when a descendant of the worker still holds its output open. Stray
// non-JSON output on stdout is dropped.
//
// Example:
//
//	h := worker.New(worker.Config{
//	    Name:    "audio",
//	    Command: "uv",
//	    Args:    []string{"run", "python", "main.py"},
//	},
//	    worker.WithOnLine(func(line []byte) { ... }),
//	    worker.WithOnExit(func(info worker.ExitInfo) { ... }),
//	)
//	if err := h.EnsureStarted(ctx); err != nil {
//	    return err
//	}
//	err := h.WriteLine(map[string]any{"id": "1", "method": "ping"})
package worker
