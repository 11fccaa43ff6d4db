package domain

import (
	"time"

	"github.com/samber/lo"
)

// Stats summarizes the job table.
type Stats struct {
	TotalJobs      int
	CountsByStatus map[JobStatus]int
	Running        int
	AvgDuration    *time.Duration
}

// NewStats builds Stats from per-status counts and the durations of completed jobs.
func NewStats(counts map[JobStatus]int, completed []time.Duration) *Stats {
	st := &Stats{CountsByStatus: make(map[JobStatus]int, len(AllStatuses))}
	for _, status := range AllStatuses {
		n := counts[status]
		st.CountsByStatus[status] = n
		st.TotalJobs += n
		if status.IsRunning() {
			st.Running += n
		}
	}
	if len(completed) > 0 {
		avg := lo.Sum(completed) / time.Duration(len(completed))
		st.AvgDuration = &avg
	}
	return st
}

// StatsFromJobs computes Stats over an in-memory job set.
func StatsFromJobs(jobs []Job) *Stats {
	counts := lo.CountValuesBy(jobs, func(j Job) JobStatus { return j.Status })
	var durations []time.Duration
	for i := range jobs {
		if jobs[i].Status != StatusCompleted {
			continue
		}
		if d, ok := jobs[i].Duration(); ok {
			durations = append(durations, d)
		}
	}
	return NewStats(counts, durations)
}
