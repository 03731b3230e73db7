package jobs

import (
	"time"

	"github.com/kalambet/segscope/internal/analytics"
)

// Status is a job lifecycle state. Values other than the constants below
// are passed through from the service and treated as non-terminal.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is the payload captured when a job reaches a terminal state.
type Result struct {
	FeaturesUsed []string       `json:"features_used,omitempty"`
	Distribution map[string]int `json:"cluster_distribution,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	TotalRecords int            `json:"total_records_processed,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Job is a snapshot of the tracked analysis job.
type Job struct {
	ID         string    `json:"id,omitempty"`
	DatasetID  int       `json:"dataset_id,omitempty"`
	Generation uint64    `json:"generation"`
	Status     Status    `json:"status"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Polls      int       `json:"polls"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func resultFrom(r *analytics.JobResults) *Result {
	if r == nil {
		return nil
	}
	dist := make(map[string]int, len(r.ClusterDistribution))
	for k, v := range r.ClusterDistribution {
		dist[k] = v
	}
	return &Result{
		FeaturesUsed: append([]string(nil), r.FeaturesUsed...),
		Distribution: dist,
		Summary:      r.Summary,
		TotalRecords: r.TotalRecordsProcessed,
		Error:        r.Error,
	}
}

// clone returns a deep copy so snapshots never alias tracker state.
func (j Job) clone() Job {
	if j.Result == nil {
		return j
	}
	r := *j.Result
	r.FeaturesUsed = append([]string(nil), j.Result.FeaturesUsed...)
	r.Distribution = make(map[string]int, len(j.Result.Distribution))
	for k, v := range j.Result.Distribution {
		r.Distribution[k] = v
	}
	j.Result = &r
	return j
}
