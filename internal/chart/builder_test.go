package chart

import (
	"errors"
	"testing"

	"github.com/kalambet/segscope/internal/analytics"
)

func rec(income, score float64, label int) analytics.ClusteredRecord {
	return analytics.ClusteredRecord{AnnualIncome: income, SpendingScore: score, ClusterLabel: label}
}

func TestBuild_TwoClustersAndPrediction(t *testing.T) {
	records := []analytics.ClusteredRecord{
		rec(15, 39, 1), rec(16, 81, 0), rec(17, 6, 1), rec(18, 77, 0), rec(19, 40, 1),
	}
	series, err := Build(records, &Prediction{Income: 67, Score: 56, Label: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(series) != 3 {
		t.Fatalf("got %d series, want 3", len(series))
	}
	if series[0].Label != "0" || series[1].Label != "1" {
		t.Errorf("history labels = %q, %q; want 0, 1", series[0].Label, series[1].Label)
	}
	if len(series[0].Points) != 2 || len(series[1].Points) != 3 {
		t.Errorf("point counts = %d, %d; want 2, 3", len(series[0].Points), len(series[1].Points))
	}

	last := series[2]
	if !last.Highlight {
		t.Error("prediction series is not highlighted")
	}
	if len(last.Points) != 1 {
		t.Fatalf("prediction points = %d, want 1", len(last.Points))
	}
	if last.Points[0] != (Point{X: 67, Y: 56}) {
		t.Errorf("prediction point = %+v", last.Points[0])
	}
	if last.Color != PredictionColor {
		t.Errorf("prediction color = %q", last.Color)
	}
	if last.MarkerSize <= series[0].MarkerSize {
		t.Errorf("prediction marker %d not larger than history marker %d", last.MarkerSize, series[0].MarkerSize)
	}
	if last.Label != "1" {
		t.Errorf("prediction label = %q, want 1", last.Label)
	}
}

func TestBuild_NoPrediction(t *testing.T) {
	series, err := Build([]analytics.ClusteredRecord{rec(1, 1, 3)}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(series) != 1 || series[0].Highlight {
		t.Errorf("series = %+v", series)
	}
}

func TestBuild_EmptyHistoryIsNoData(t *testing.T) {
	for _, records := range [][]analytics.ClusteredRecord{nil, {}} {
		series, err := Build(records, &Prediction{Income: 1, Score: 1, Label: 0})
		if !errors.Is(err, ErrNoData) {
			t.Errorf("error = %v, want ErrNoData", err)
		}
		if series != nil {
			t.Errorf("series = %v, want nil", series)
		}
	}
}

func TestBuild_DeterministicOrder(t *testing.T) {
	records := []analytics.ClusteredRecord{rec(1, 1, 4), rec(2, 2, 2), rec(3, 3, 9), rec(4, 4, 0)}
	first, _ := Build(records, nil)
	reversed := []analytics.ClusteredRecord{records[3], records[2], records[1], records[0]}
	second, _ := Build(reversed, nil)

	for i := range first {
		if first[i].Label != second[i].Label {
			t.Fatalf("order differs at %d: %q vs %q", i, first[i].Label, second[i].Label)
		}
	}
	if first[len(first)-1].Label != "9" {
		t.Errorf("last label = %q, want 9", first[len(first)-1].Label)
	}
}

func TestBuild_UnmappedLabelFallback(t *testing.T) {
	series, err := Build([]analytics.ClusteredRecord{rec(1, 1, 42)}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if series[0].Name != "Cluster 42" {
		t.Errorf("Name = %q, want Cluster 42", series[0].Name)
	}
	if series[0].Color != FallbackColor {
		t.Errorf("Color = %q, want %q", series[0].Color, FallbackColor)
	}
}

func TestLookup(t *testing.T) {
	e := Lookup("1")
	if e.Label != "1" || e.Name != "Target" || e.Color == "" {
		t.Errorf("Lookup(1) = %+v", e)
	}

	f := Lookup("-1")
	if f.Name != "Cluster -1" || f.Color != FallbackColor {
		t.Errorf("Lookup(-1) = %+v", f)
	}
}

func TestLegendOrdered(t *testing.T) {
	entries := Legend()
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.Label != LookupInt(i).Label {
			t.Errorf("entries[%d].Label = %q", i, e.Label)
		}
	}
}
