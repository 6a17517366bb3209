// Package metrics exposes the Prometheus collectors shared by the CLI
// services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bfm"

var (
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "samples_ingested_total",
			Help:      "Telemetry samples accepted by the store, by ingestion path.",
		},
		[]string{"source"},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed store operations.",
		},
		[]string{"op"},
	)

	SamplesSimulated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "samples_total",
			Help:      "Samples generated by the simulator.",
		},
	)

	PredictionsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "predictions_total",
			Help:      "Prediction records produced, by fault type.",
		},
		[]string{"fault_type"},
	)

	BusesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "buses_skipped_total",
			Help:      "Buses left out of a prediction cycle, by reason.",
		},
		[]string{"reason"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one fetch-analyze-post cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	TrainingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "target_runs_total",
			Help:      "Training attempts per target, by outcome.",
		},
		[]string{"target", "outcome"},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Connected prediction feed clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesIngested,
		StoreErrors,
		SamplesSimulated,
		PredictionsEmitted,
		BusesSkipped,
		CycleDuration,
		TrainingRuns,
		WebsocketClients,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
