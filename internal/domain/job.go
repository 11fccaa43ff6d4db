package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending         JobStatus = "PENDING"
	StatusDownloading     JobStatus = "DOWNLOADING"
	StatusTranscribing    JobStatus = "TRANSCRIBING"
	StatusTranslating     JobStatus = "TRANSLATING"
	StatusProcessingVideo JobStatus = "PROCESSING_VIDEO"
	StatusAnalyzing       JobStatus = "ANALYZING"
	StatusPublishing      JobStatus = "PUBLISHING"
	StatusCompleted       JobStatus = "COMPLETED"
	StatusFailed          JobStatus = "FAILED"
	StatusCancelled       JobStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusDownloading,
	StatusTranscribing,
	StatusTranslating,
	StatusProcessingVideo,
	StatusAnalyzing,
	StatusPublishing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ParseStatus validates a status name, case-insensitively.
func ParseStatus(s string) (JobStatus, error) {
	want := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == want {
			return st, nil
		}
	}
	return "", ErrInvalidStatus
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the status is an active pipeline stage.
func (s JobStatus) IsRunning() bool {
	return s != StatusPending && !s.IsTerminal() && s != ""
}

// stageOrder is the forward path every job follows.
var stageOrder = []JobStatus{
	StatusPending,
	StatusDownloading,
	StatusTranscribing,
	StatusTranslating,
	StatusProcessingVideo,
	StatusAnalyzing,
	StatusPublishing,
	StatusCompleted,
}

// Next returns the status that follows s on the forward path.
func (s JobStatus) Next() (JobStatus, bool) {
	for i, st := range stageOrder[:len(stageOrder)-1] {
		if st == s {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether a job in status from may move to to.
// Stages advance one at a time, FAILED and CANCELLED are reachable from
// any non-terminal status, and a terminal status never changes.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// UpdatableFrom lists the statuses a stored job may be in for u to apply.
func UpdatableFrom(u JobUpdate) []JobStatus {
	var out []JobStatus
	for _, st := range AllStatuses {
		if st.IsTerminal() {
			continue
		}
		if u.Status == nil || CanTransition(st, *u.Status) {
			out = append(out, st)
		}
	}
	return out
}

// Stage returns the lowercase tag used in events and logs.
func (s JobStatus) Stage() string {
	return strings.ToLower(string(s))
}

// Job represents one submitted URL moving through the pipeline.
type Job struct {
	ID              string
	URL             string
	Status          JobStatus
	Progress        int
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// VideoID returns the video identifier embedded in the job URL, if any.
func (j *Job) VideoID() string {
	return ExtractVideoID(j.URL)
}

// Duration returns the wall time between start and completion.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// JobUpdate is an atomic partial update; nil fields are left unchanged.
type JobUpdate struct {
	Status          *JobStatus
	Progress        *int
	Error           *string
	CancelRequested *bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Check returns why u cannot be applied to a job in status from, or nil.
func (u JobUpdate) Check(from JobStatus) error {
	if from.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if u.Status != nil && !CanTransition(from, *u.Status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, *u.Status)
	}
	return nil
}

// Apply copies the set fields onto job.
func (u JobUpdate) Apply(job *Job) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.CancelRequested != nil {
		job.CancelRequested = *u.CancelRequested
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
}

// Terminal builds the update that moves a job into a terminal status.
func Terminal(status JobStatus, now time.Time, errMsg string) JobUpdate {
	u := JobUpdate{Status: &status, CompletedAt: &now}
	switch status {
	case StatusCompleted:
		full := 100
		u.Progress = &full
	case StatusFailed:
		u.Error = &errMsg
	}
	return u
}

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage     JobStatus
	OK        bool
	Payload   any
	Detail    string
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// StageRecord is the stored form of a StageResult. Payload holds the stage
// output encoded as JSON and is empty when the output was nil or could not
// be encoded.
type StageRecord struct {
	JobID     string
	Stage     JobStatus
	OK        bool
	Detail    string
	Error     string
	Payload   json.RawMessage
	StartedAt time.Time
	Duration  time.Duration
}

// NewStageRecord converts the result of a stage run on jobID.
func NewStageRecord(jobID string, res StageResult) StageRecord {
	rec := StageRecord{
		JobID:     jobID,
		Stage:     res.Stage,
		OK:        res.OK,
		Detail:    res.Detail,
		StartedAt: res.StartedAt.UTC(),
		Duration:  res.Duration,
	}
	if res.Err != nil {
		rec.Error = FailureMessage(res.Err)
	}
	if res.Payload != nil {
		if b, err := json.Marshal(res.Payload); err == nil {
			rec.Payload = b
		}
	}
	return rec
}
