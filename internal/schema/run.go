package schema

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunStopped   RunStatus = "stopped"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunStopped:
		return true
	default:
		return false
	}
}

// RunResult tracks one dispatched prompt from running to exactly one
// terminal status, after which it lives in the engine's activity log.
type RunResult struct {
	RunID            string    `json:"run_id"`
	SessionID        string    `json:"session_id"`
	SessionName      string    `json:"session_name"`
	SubscriptionName string    `json:"subscription_name"`
	Event            Event     `json:"event"`
	Status           RunStatus `json:"status"`
	Stdout           string    `json:"stdout,omitempty"`
	Stderr           string    `json:"stderr,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
}
