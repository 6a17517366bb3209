// Package predictor turns the latest telemetry of each bus into fault
// forecasts using a loaded model bundle.
package predictor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"

	"battery-fault-monitor/internal/bundle"
	"battery-fault-monitor/internal/features"
	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/ml"
	"battery-fault-monitor/internal/models"
)

// ErrSchemaMismatch is returned for a bus when the bundle's feature columns
// differ from what the extractor produces.
var ErrSchemaMismatch = features.ErrSchemaMismatch

// Threshold is the probability above which a fault is flagged imminent.
const Threshold = 0.5

// UnknownFaultType is reported when no fault-type model is loaded.
const UnknownFaultType = "unknown"

const (
	defaultReason = "System operating normally; no significant fault risk."
	unknownReason = "Fault-type model not loaded; no classification available."
)

var faultReasons = map[string]string{
	models.FaultVoltageDrop.String():    "Critical downward trend in cell voltage.",
	models.FaultOverheat.String():       "Battery pack temperature is at a dangerous level.",
	models.FaultEfficiencyLoss.String(): "Significant drop in energy efficiency.",
	models.FaultCellImbalance.String():  "Imbalance between cells detected.",
	models.FaultCapacityLoss.String():   "Severe loss of battery capacity.",
}

// Reason returns the explanation attached to a fault-type name.
func Reason(faultType string) string {
	if r, ok := faultReasons[faultType]; ok {
		return r
	}
	return defaultReason
}

// Engine scores buses against one immutable bundle. It holds no mutable
// state and may be shared between goroutines.
type Engine struct {
	bundle *bundle.Bundle
	logger *slog.Logger
	now    func() time.Time
}

type EngineOption func(*Engine)

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the predicted_at clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wraps b. A nil bundle behaves like bundle.Empty().
func NewEngine(b *bundle.Bundle, opts ...EngineOption) *Engine {
	if b == nil {
		b = bundle.Empty()
	}
	e := &Engine{bundle: b, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Bundle returns the bundle the engine predicts with.
func (e *Engine) Bundle() *bundle.Bundle {
	return e.bundle
}

// Predict forecasts faults for one bus from its recent samples, which need
// not be sorted. It fails with features.ErrInsufficientData when fewer than
// a full window is available.
func (e *Engine) Predict(busID string, samples []models.TelemetrySample) (models.PredictionRecord, error) {
	// A bundle without models has no column contract to honour.
	if e.bundle.HasModels() {
		if err := features.CheckColumns(e.bundle.FeatureColumns); err != nil {
			return models.PredictionRecord{}, fmt.Errorf("bus %s: %w", busID, err)
		}
	}

	ordered := slices.Clone(samples)
	features.SortChronologically(ordered)
	vec, err := features.Extract(ordered)
	if err != nil {
		return models.PredictionRecord{}, fmt.Errorf("bus %s: %w", busID, err)
	}

	rec := models.PredictionRecord{
		BusID:            busID,
		TimestampDataEnd: ordered[len(ordered)-1].Timestamp,
		PredictedAt:      e.now().UTC().Truncate(models.TimestampPrecision),
		FaultType:        UnknownFaultType,
		FaultReason:      unknownReason,
		ModelVersion:     e.bundle.Version,
	}

	if m := e.bundle.Model5Min; m != nil {
		p := positiveProba(m, vec)
		rec.Prob5Min = round4(p)
		rec.IsFaultImminent5Min = p > Threshold
	}
	if m := e.bundle.Model30Min; m != nil {
		p := positiveProba(m, vec)
		rec.Prob30Min = round4(p)
		rec.IsFaultImminent30Min = p > Threshold
	}
	if m := e.bundle.ModelFaultType; m != nil {
		name, ok := e.bundle.FaultTypeName(m.Predict(vec))
		if !ok {
			name = UnknownFaultType
		}
		rec.FaultType = name
		rec.FaultReason = Reason(name)
	}
	return rec, nil
}

// Analyze groups a mixed batch by bus and predicts for every bus that can
// be scored. Buses that cannot are logged and left out.
func (e *Engine) Analyze(samples []models.TelemetrySample) []models.PredictionRecord {
	groups := features.GroupByBus(samples)
	busIDs := make([]string, 0, len(groups))
	for id := range groups {
		busIDs = append(busIDs, id)
	}
	sort.Strings(busIDs)

	var out []models.PredictionRecord
	for _, id := range busIDs {
		rec, err := e.Predict(id, groups[id])
		if err != nil {
			reason := skipReason(err)
			metrics.BusesSkipped.WithLabelValues(reason).Inc()
			if reason == "insufficient_data" {
				e.logger.Info("bus skipped", "bus_id", id, "reason", reason, "samples", len(groups[id]))
			} else {
				e.logger.Warn("bus skipped", "bus_id", id, "reason", reason, "error", err)
			}
			continue
		}
		metrics.PredictionsEmitted.WithLabelValues(rec.FaultType).Inc()
		out = append(out, rec)
	}
	return out
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, features.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, features.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, features.ErrUnknownMode):
		return "unknown_mode"
	case errors.Is(err, features.ErrUnordered):
		return "unordered"
	default:
		return "error"
	}
}

// positiveProba is the probability of class 1, or 0 if the model never saw it.
func positiveProba(m ml.Classifier, x []float64) float64 {
	proba := m.PredictProba(x)
	for i, c := range m.Classes() {
		if c == 1 {
			return proba[i]
		}
	}
	return 0
}

func round4(p float64) float64 {
	return math.Round(p*1e4) / 1e4
}
