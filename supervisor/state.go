package supervisor

// State is the liveness of a managed backend process.
type State int

const (
	// StateStarting means the process is spawned but has not yet produced a
	// valid frame.
	StateStarting State = iota
	// StateRunning means the process is exchanging frames normally.
	StateRunning
	// StateDegraded means the process's output stream closed unexpectedly or
	// it exceeded the malformed-frame threshold; a restart is in progress.
	StateDegraded
	// StateTerminated is terminal: explicit stop, normal exit, failed
	// startup, or an exhausted restart budget.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
