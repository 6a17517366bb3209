// Package features turns a window of raw telemetry into the fixed feature
// vector consumed by the fault models. Training and inference both go
// through ExtractAt so the two can never drift apart.
package features

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"battery-fault-monitor/internal/models"
)

// WindowSize is the number of trailing samples the rolling statistics cover
// (five minutes at the simulator's tick).
const WindowSize = 60

var (
	ErrInsufficientData = errors.New("insufficient data for feature window")
	ErrUnknownMode      = errors.New("driving mode outside feature vocabulary")
	ErrUnordered        = errors.New("samples are not in chronological order")
	ErrSchemaMismatch   = errors.New("feature columns do not match extractor output")
)

// Rolling-statistic columns, in canonical order.
const (
	ColBatterySOH     = "battery_soh_val"
	ColVoltageMean    = "voltage_mean"
	ColVoltageStd     = "voltage_std"
	ColMaxTempMean    = "max_temp_mean"
	ColMaxTempStd     = "max_temp_std"
	ColMinTempMean    = "min_temp_mean"
	ColMinTempStd     = "min_temp_std"
	ColTempDiffMean   = "temp_diff_mean"
	ColEfficiencyMean = "efficiency_mean"
	ColEfficiencyStd  = "efficiency_std"
)

var statColumns = []string{
	ColBatterySOH,
	ColVoltageMean, ColVoltageStd,
	ColMaxTempMean, ColMaxTempStd,
	ColMinTempMean, ColMinTempStd,
	ColTempDiffMean,
	ColEfficiencyMean, ColEfficiencyStd,
}

var columns = buildColumns()

func buildColumns() []string {
	cols := make([]string, 0, len(statColumns)+len(models.DrivingModes))
	cols = append(cols, statColumns...)
	for _, m := range models.DrivingModes {
		cols = append(cols, ModeColumn(m))
	}
	return cols
}

// ModeColumn is the one-hot column name of a driving mode.
func ModeColumn(m models.DrivingMode) string {
	return "mode_" + m.String()
}

// Columns returns the canonical feature column order.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns)
	return out
}

// NumFeatures is the length of every Vector.
func NumFeatures() int {
	return len(columns)
}

// Vector is one row of features, ordered as Columns().
type Vector []float64

// Value looks up a feature by column name.
func (v Vector) Value(col string) (float64, bool) {
	for i, c := range columns {
		if c == col && i < len(v) {
			return v[i], true
		}
	}
	return 0, false
}

// CheckColumns verifies that cols is exactly the extractor's column order.
func CheckColumns(cols []string) error {
	if len(cols) != len(columns) {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrSchemaMismatch, len(columns), len(cols))
	}
	for i, c := range cols {
		if c != columns[i] {
			return fmt.Errorf("%w: column %d is %q, extractor produces %q", ErrSchemaMismatch, i, c, columns[i])
		}
	}
	return nil
}

// SortChronologically orders samples oldest first, in place.
func SortChronologically(samples []models.TelemetrySample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}

// GroupByBus splits a mixed sample stream per bus and sorts each history
// chronologically.
func GroupByBus(samples []models.TelemetrySample) map[string][]models.TelemetrySample {
	groups := make(map[string][]models.TelemetrySample)
	for _, s := range samples {
		groups[s.BusID] = append(groups[s.BusID], s)
	}
	for _, g := range groups {
		SortChronologically(g)
	}
	return groups
}

// Extract computes the feature vector for the most recent window.
func Extract(samples []models.TelemetrySample) (Vector, error) {
	return ExtractAt(samples, len(samples)-1)
}

// ExtractAt computes the feature vector of the window ending at index end.
// Samples must be in chronological order.
func ExtractAt(samples []models.TelemetrySample, end int) (Vector, error) {
	if end < WindowSize-1 || end >= len(samples) {
		return nil, fmt.Errorf("%w: need %d samples ending at index %d, have %d",
			ErrInsufficientData, WindowSize, end, len(samples))
	}
	window := samples[end-WindowSize+1 : end+1]

	voltage := make([]float64, WindowSize)
	maxTemp := make([]float64, WindowSize)
	minTemp := make([]float64, WindowSize)
	tempDiff := make([]float64, WindowSize)
	efficiency := make([]float64, WindowSize)
	for i, s := range window {
		if i > 0 && s.Timestamp.Before(window[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: bus %s at window offset %d", ErrUnordered, s.BusID, i)
		}
		voltage[i] = s.CellVoltage
		maxTemp[i] = s.CellMaxTemp
		minTemp[i] = s.CellMinTemp
		tempDiff[i] = s.CellMaxTemp - s.CellMinTemp
		efficiency[i] = s.EnergyEfficiency
	}

	last := window[WindowSize-1]
	if !last.CurrentDrivingMode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(last.CurrentDrivingMode))
	}

	v := make(Vector, 0, len(columns))
	v = append(v, last.BatterySOH)
	v = appendMeanStd(v, voltage)
	v = appendMeanStd(v, maxTemp)
	v = appendMeanStd(v, minTemp)
	v = append(v, stat.Mean(tempDiff, nil))
	v = appendMeanStd(v, efficiency)
	for _, m := range models.DrivingModes {
		if m == last.CurrentDrivingMode {
			v = append(v, 1)
		} else {
			v = append(v, 0)
		}
	}
	return v, nil
}

// appendMeanStd appends the mean and the sample (n-1) standard deviation.
func appendMeanStd(v Vector, x []float64) Vector {
	mean, std := stat.MeanStdDev(x, nil)
	return append(v, mean, std)
}
