package domain

import "time"

// StatusEvent describes one job transition on the global status channel.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusEvent snapshots job into a status event.
func NewStatusEvent(job *Job, stage string) StatusEvent {
	if stage == "" {
		stage = job.Status.Stage()
	}
	return StatusEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Stage:     stage,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
}

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEvent is one line on a job's log channel. Seq increases per job.
type LogEvent struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}
