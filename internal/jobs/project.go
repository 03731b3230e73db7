package jobs

import (
	"sort"
	"strconv"
)

const defaultFailureMessage = "analysis failed"

// ClusterCount is one (label, member count) pair of a job result.
type ClusterCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary is the display-ready view of a completed job.
type Summary struct {
	FeaturesUsed []string       `json:"features_used"`
	Clusters     []ClusterCount `json:"clusters"`
	Total        int            `json:"total"`
}

// Project reshapes a completed job's result for display. Clusters are ordered
// by numeric label; labels that are not integers sort after, lexically.
func Project(r Result) Summary {
	s := Summary{
		FeaturesUsed: append([]string{}, r.FeaturesUsed...),
		Clusters:     make([]ClusterCount, 0, len(r.Distribution)),
	}
	for label, n := range r.Distribution {
		s.Clusters = append(s.Clusters, ClusterCount{Label: label, Count: n})
		s.Total += n
	}
	sort.Slice(s.Clusters, func(i, j int) bool {
		return labelLess(s.Clusters[i].Label, s.Clusters[j].Label)
	})
	return s
}

// FailureMessage returns the error text of a failed job, falling back to a
// generic message when neither the service nor the poller supplied one.
func FailureMessage(j Job) string {
	if j.Result != nil && j.Result.Error != "" {
		return j.Result.Error
	}
	if j.Error != "" {
		return j.Error
	}
	return defaultFailureMessage
}

func labelLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}
