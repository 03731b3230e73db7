// Package chart turns clustered history and a live prediction into
// scatter-plot series.
package chart

import (
	"errors"
	"sort"

	"github.com/kalambet/segscope/internal/analytics"
)

// ErrNoData means there is no history to plot, as opposed to a history
// that simply has no prediction yet.
var ErrNoData = errors.New("no clustered data")

const (
	historyMarkerSize    = 4
	predictionMarkerSize = 10

	// PredictionColor highlights the live prediction point.
	PredictionColor = "#ff1744"
)

// Point is one (income, spending) coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Series is one scatter-plot dataset.
type Series struct {
	Label      string  `json:"label"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	MarkerSize int     `json:"marker_size"`
	Highlight  bool    `json:"highlight,omitempty"`
	Points     []Point `json:"points"`
}

// Prediction is the user's submitted input and the label assigned to it.
type Prediction struct {
	Income float64 `json:"annual_income"`
	Score  float64 `json:"spending_score"`
	Label  int     `json:"cluster_label"`
}

// Build groups records by cluster label into one series per label, ordered
// by ascending label, and appends the prediction as a final single-point
// series when p is non-nil. It returns ErrNoData for empty history.
func Build(records []analytics.ClusteredRecord, p *Prediction) ([]Series, error) {
	if len(records) == 0 {
		return nil, ErrNoData
	}

	groups := make(map[int][]Point)
	for _, r := range records {
		groups[r.ClusterLabel] = append(groups[r.ClusterLabel], Point{X: r.AnnualIncome, Y: r.SpendingScore})
	}

	labels := make([]int, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	series := make([]Series, 0, len(labels)+1)
	for _, l := range labels {
		e := LookupInt(l)
		series = append(series, Series{
			Label:      e.Label,
			Name:       e.Name,
			Color:      e.Color,
			MarkerSize: historyMarkerSize,
			Points:     groups[l],
		})
	}

	if p != nil {
		e := LookupInt(p.Label)
		series = append(series, Series{
			Label:      e.Label,
			Name:       "Your prediction: " + e.Name,
			Color:      PredictionColor,
			MarkerSize: predictionMarkerSize,
			Highlight:  true,
			Points:     []Point{{X: p.Income, Y: p.Score}},
		})
	}
	return series, nil
}
