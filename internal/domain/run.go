package domain

import "time"

// RunStatus is the lifecycle state of a generation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one generation attempt: topic + document in, report out.
type Run struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	Topic      string     `json:"topic"`
	Filename   string     `json:"filename"`
	Mode       string     `json:"mode"`
	Status     RunStatus  `json:"status"`
	ReportPath string     `json:"report_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the run reached a terminal state.
func (r *Run) Done() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// Duration returns the wall time of a finished run, or 0.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
