package worker

// Status represents the lifecycle state of a worker process.
type Status int

const (
	// StatusPending indicates no process has been started yet.
	StatusPending Status = iota
	// StatusRunning indicates the process is alive and accepting lines.
	StatusRunning
	// StatusExited indicates the process exited on its own.
	StatusExited
	// StatusStopped indicates the process was stopped via Stop.
	StatusStopped
)

// String returns a human-readable string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no process is alive in this status.
// A terminal handle restarts on the next EnsureStarted.
func (s Status) IsTerminal() bool {
	return s == StatusExited || s == StatusStopped
}
