package chart

import (
	"sort"
	"strconv"
)

// LegendEntry is the display metadata of one cluster label.
type LegendEntry struct {
	Label       string `json:"label"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// FallbackColor is used for any label missing from the legend.
const FallbackColor = "#9e9e9e"

// legend maps the labels produced by the five-segment income/spending model.
var legend = map[string]LegendEntry{
	"0": {Name: "Standard", Description: "Average income, average spending", Color: "#1e88e5"},
	"1": {Name: "Target", Description: "High income, high spending", Color: "#43a047"},
	"2": {Name: "Careless", Description: "Low income, high spending", Color: "#fb8c00"},
	"3": {Name: "Careful", Description: "High income, low spending", Color: "#8e24aa"},
	"4": {Name: "Sensible", Description: "Low income, low spending", Color: "#00acc1"},
}

// Lookup returns the legend entry for label, or a synthetic
// "Cluster {label}" entry in FallbackColor when the label is unmapped.
func Lookup(label string) LegendEntry {
	if e, ok := legend[label]; ok {
		e.Label = label
		return e
	}
	return LegendEntry{
		Label:       label,
		Name:        "Cluster " + label,
		Description: "Unmapped cluster",
		Color:       FallbackColor,
	}
}

// LookupInt is Lookup for an integer label.
func LookupInt(label int) LegendEntry {
	return Lookup(strconv.Itoa(label))
}

// Legend returns the fixed legend table ordered by label.
func Legend() []LegendEntry {
	labels := make([]int, 0, len(legend))
	for k := range legend {
		n, _ := strconv.Atoi(k)
		labels = append(labels, n)
	}
	sort.Ints(labels)

	out := make([]LegendEntry, 0, len(labels))
	for _, n := range labels {
		out = append(out, LookupInt(n))
	}
	return out
}
