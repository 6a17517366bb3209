// Package trainer fits the three fault models from stored telemetry and
// writes them out as one bundle.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"battery-fault-monitor/internal/bundle"
	"battery-fault-monitor/internal/features"
	"battery-fault-monitor/internal/labels"
	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/ml"
	"battery-fault-monitor/internal/models"
)

// Target names, also used as report keys in the bundle.
const (
	Target5Min      = "fault_within_5min"
	Target30Min     = "fault_within_30min"
	TargetFaultType = "fault_type_id"
)

var ErrNoTrainingData = errors.New("no bus has enough history to train on")

// TelemetrySource supplies the training history.
type TelemetrySource interface {
	LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error)
}

// Config controls a training run.
type Config struct {
	FetchLimit int
	TestSize   float64
	Forest     ml.ForestConfig
}

// DefaultConfig holds out 20% and trains 100-tree balanced forests.
func DefaultConfig() Config {
	return Config{
		FetchLimit: 200000,
		TestSize:   0.2,
		Forest:     ml.DefaultForestConfig(),
	}
}

// Trainer runs one training job.
type Trainer struct {
	source TelemetrySource
	cfg    Config
	logger *slog.Logger
}

type Option func(*Trainer)

func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

func New(source TelemetrySource, cfg Config, opts ...Option) *Trainer {
	t := &Trainer{source: source, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run fetches history, trains and saves the bundle to path.
func (t *Trainer) Run(ctx context.Context, path string) (*bundle.Bundle, error) {
	t.logger.Info("fetching training data", "limit", t.cfg.FetchLimit)
	samples, err := t.source.LatestTelemetry(ctx, t.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch training data: %w", err)
	}

	ds, err := labels.Generate(features.GroupByBus(samples))
	if err != nil {
		return nil, fmt.Errorf("label training data: %w", err)
	}
	for _, r := range ds.Buses {
		if r.Skipped {
			t.logger.Info("bus skipped, history too short",
				"bus_id", r.BusID, "samples", r.Samples, "required", labels.MinHistory)
		}
	}

	b, err := t.Train(ds)
	if err != nil {
		return nil, err
	}
	if err := bundle.Save(path, b); err != nil {
		return nil, err
	}
	t.logger.Info("model bundle saved", "path", path, "version", b.Version)
	return b, nil
}

// Train fits every target of ds. Targets with a single observed class are
// left without a model.
func (t *Trainer) Train(ds *labels.Dataset) (*bundle.Bundle, error) {
	if len(ds.Examples) == 0 {
		return nil, ErrNoTrainingData
	}
	t.logger.Info("training data prepared",
		"examples", len(ds.Examples), "features", len(ds.Columns), "columns", ds.Columns)

	b := bundle.New()
	b.FeatureColumns = ds.Columns
	X := ds.X()

	binaryName := func(c int) string {
		if c == 1 {
			return "Fault"
		}
		return "Normal"
	}
	faultName := func(c int) string {
		return models.FaultType(c).String()
	}

	var err error
	if b.Model5Min, err = t.fitTarget(b, Target5Min, X, ds.Y5Min(), binaryName); err != nil {
		return nil, err
	}
	if b.Model30Min, err = t.fitTarget(b, Target30Min, X, ds.Y30Min(), binaryName); err != nil {
		return nil, err
	}
	if b.ModelFaultType, err = t.fitTarget(b, TargetFaultType, X, ds.YFaultType(), faultName); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *Trainer) fitTarget(b *bundle.Bundle, target string, X [][]float64, y []int, name func(int) string) (*ml.RandomForest, error) {
	dist := labels.Distribution(y)
	t.logger.Info("label distribution", "target", target, "counts", formatDistribution(dist, name))

	if len(dist) < 2 {
		t.logger.Warn("single class observed, no model trained", "target", target)
		metrics.TrainingRuns.WithLabelValues(target, "single_class").Inc()
		return nil, nil
	}

	train, test := ml.StratifiedSplit(y, t.cfg.TestSize, t.cfg.Forest.Seed)
	start := time.Now()
	model, err := ml.FitForest(ml.Rows(X, train), ml.Labels(y, train), t.cfg.Forest)
	if errors.Is(err, ml.ErrSingleClass) {
		t.logger.Warn("training split has a single class, no model trained", "target", target)
		metrics.TrainingRuns.WithLabelValues(target, "single_class").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.TrainingRuns.WithLabelValues(target, "error").Inc()
		return nil, fmt.Errorf("train %s: %w", target, err)
	}

	if len(test) > 0 {
		yTest := ml.Labels(y, test)
		pred := make([]int, len(test))
		for i, row := range ml.Rows(X, test) {
			pred[i] = model.Predict(row)
		}
		rep := ml.ClassificationReport(yTest, pred, name)
		b.Reports[target] = rep
	}

	t.logger.Info("model trained",
		"target", target,
		"train_rows", len(train),
		"test_rows", len(test),
		"trees", len(model.Trees),
		"took", time.Since(start).Round(time.Millisecond))
	metrics.TrainingRuns.WithLabelValues(target, "trained").Inc()
	return model, nil
}

func formatDistribution(dist map[int]int, name func(int) string) map[string]int {
	out := make(map[string]int, len(dist))
	for k, n := range dist {
		out[name(k)] = n
	}
	return out
}
