package predictor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/models"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultFetchLimit = 5000
)

// Source returns the newest samples across all buses.
type Source interface {
	LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error)
}

// Sink receives each prediction record.
type Sink interface {
	PostPrediction(ctx context.Context, rec models.PredictionRecord) error
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) PostPrediction(ctx context.Context, rec models.PredictionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.PostPrediction(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Service polls the store and forecasts every bus on a fixed interval.
type Service struct {
	engine     *Engine
	source     Source
	sink       Sink
	interval   time.Duration
	fetchLimit int
	logger     *slog.Logger
}

type ServiceOption func(*Service)

func WithInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.interval = d }
}

func WithFetchLimit(n int) ServiceOption {
	return func(s *Service) { s.fetchLimit = n }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(engine *Engine, source Source, sink Sink, opts ...ServiceOption) *Service {
	s := &Service{
		engine:     engine,
		source:     source,
		sink:       sink,
		interval:   DefaultInterval,
		fetchLimit: DefaultFetchLimit,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Samples int
	Posted  int
	Failed  int
}

// Cycle runs a single fetch, analyze and post pass. Only a failed fetch is
// returned as an error; post failures are logged and counted.
func (s *Service) Cycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	samples, err := s.source.LatestTelemetry(ctx, s.fetchLimit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("fetch").Inc()
		return CycleResult{}, err
	}
	res := CycleResult{Samples: len(samples)}
	if len(samples) == 0 {
		s.logger.Info("no telemetry in store yet, waiting")
		return res, nil
	}

	for _, rec := range s.engine.Analyze(samples) {
		if err := s.sink.PostPrediction(ctx, rec); err != nil {
			metrics.StoreErrors.WithLabelValues("post_prediction").Inc()
			s.logger.Error("posting prediction failed", "bus_id", rec.BusID, "error", err)
			res.Failed++
			continue
		}
		res.Posted++
	}
	return res, nil
}

// Run cycles until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("prediction service started",
		"interval", s.interval, "fetch_limit", s.fetchLimit, "model_version", s.engine.Bundle().Version)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		res, err := s.Cycle(ctx)
		if err != nil {
			s.logger.Error("fetching telemetry failed", "error", err)
		} else if res.Samples > 0 {
			s.logger.Info("prediction cycle complete",
				"samples", res.Samples, "posted", res.Posted, "failed", res.Failed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
