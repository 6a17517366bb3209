// Package labels derives supervised training examples from stored
// telemetry. It looks into the future of each bus's history, so it must
// never be used at inference time.
package labels

import (
	"fmt"
	"sort"

	"battery-fault-monitor/internal/features"
	"battery-fault-monitor/internal/models"
)

// Lookahead horizons in samples (5 s per sample).
const (
	Horizon5Min  = 60
	Horizon30Min = 360
)

// MinHistory is the shortest per-bus history that yields any example.
const MinHistory = features.WindowSize + Horizon30Min

// Target holds the three supervised labels of one sample.
type Target struct {
	FaultWithin5Min  bool
	FaultWithin30Min bool
	FaultTypeID      int
}

// LabeledExample is a feature row plus its targets.
type LabeledExample struct {
	BusID    string
	Index    int
	Features features.Vector
	Target   Target
}

// Targets returns the labels of sample i. ok is false when either
// lookahead index falls past the end of the history.
func Targets(samples []models.TelemetrySample, i int) (Target, bool) {
	if i < 0 || i+Horizon30Min >= len(samples) {
		return Target{}, false
	}
	return Target{
		FaultWithin5Min:  samples[i+Horizon5Min].CurrentFaultType.IsFault(),
		FaultWithin30Min: samples[i+Horizon30Min].CurrentFaultType.IsFault(),
		FaultTypeID:      int(samples[i].CurrentFaultType),
	}, true
}

// BusReport describes what happened to one bus during generation.
type BusReport struct {
	BusID    string
	Samples  int
	Examples int
	Skipped  bool
}

// Dataset is the flattened training set.
type Dataset struct {
	Columns  []string
	Examples []LabeledExample
	Buses    []BusReport
}

// X returns the feature matrix.
func (d *Dataset) X() [][]float64 {
	out := make([][]float64, len(d.Examples))
	for i, e := range d.Examples {
		out[i] = e.Features
	}
	return out
}

// Y5Min returns the 5-minute targets as 0/1 classes.
func (d *Dataset) Y5Min() []int {
	return d.column(func(t Target) int { return boolClass(t.FaultWithin5Min) })
}

// Y30Min returns the 30-minute targets as 0/1 classes.
func (d *Dataset) Y30Min() []int {
	return d.column(func(t Target) int { return boolClass(t.FaultWithin30Min) })
}

// YFaultType returns the current fault-type ids.
func (d *Dataset) YFaultType() []int {
	return d.column(func(t Target) int { return t.FaultTypeID })
}

func (d *Dataset) column(f func(Target) int) []int {
	out := make([]int, len(d.Examples))
	for i, e := range d.Examples {
		out[i] = f(e.Target)
	}
	return out
}

func boolClass(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Generate builds the dataset from every bus's history. Rows inside the
// rolling warm-up or without a defined 30-minute target are dropped, and
// buses shorter than MinHistory are skipped entirely.
func Generate(histories map[string][]models.TelemetrySample) (*Dataset, error) {
	busIDs := make([]string, 0, len(histories))
	for id := range histories {
		busIDs = append(busIDs, id)
	}
	sort.Strings(busIDs)

	ds := &Dataset{Columns: features.Columns()}
	for _, id := range busIDs {
		history := histories[id]
		report := BusReport{BusID: id, Samples: len(history)}
		if len(history) < MinHistory {
			report.Skipped = true
			ds.Buses = append(ds.Buses, report)
			continue
		}

		for i := features.WindowSize - 1; i < len(history); i++ {
			target, ok := Targets(history, i)
			if !ok {
				break
			}
			vec, err := features.ExtractAt(history, i)
			if err != nil {
				return nil, fmt.Errorf("bus %s index %d: %w", id, i, err)
			}
			ds.Examples = append(ds.Examples, LabeledExample{
				BusID:    id,
				Index:    i,
				Features: vec,
				Target:   target,
			})
			report.Examples++
		}
		ds.Buses = append(ds.Buses, report)
	}
	return ds, nil
}

// Distribution counts how often each class occurs.
func Distribution(y []int) map[int]int {
	counts := make(map[int]int)
	for _, v := range y {
		counts[v]++
	}
	return counts
}
