// Package db provides the telemetry and prediction storage backends.
package db

import (
	"context"
	"errors"
	"fmt"

	"battery-fault-monitor/internal/models"
)

var ErrBusNotFound = errors.New("bus not found")

// Store is the storage capability shared by the SQLite and TimescaleDB
// backends.
type Store interface {
	InsertTelemetry(ctx context.Context, s *models.TelemetrySample) error
	InsertTelemetryBatch(ctx context.Context, samples []models.TelemetrySample) (int64, error)
	QueryTelemetry(ctx context.Context, q models.TelemetryQuery) ([]models.TelemetrySample, error)
	LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error)
	ListBuses(ctx context.Context) ([]string, error)
	GetBusSummary(ctx context.Context, busID string) (*models.BusSummary, error)
	InsertPrediction(ctx context.Context, p *models.PredictionRecord) error
	LatestPredictions(ctx context.Context, busID string, limit int) ([]models.PredictionRecord, error)
	GetStats(ctx context.Context) (*models.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend.
func Open(ctx context.Context, driver, sqlitePath, postgresDSN string) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		d, err := New(sqlitePath)
		if err != nil {
			return nil, err
		}
		return d, nil
	case DriverPostgres:
		ts, err := NewTimescale(ctx, postgresDSN)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

var (
	_ Store = (*Database)(nil)
	_ Store = (*Timescale)(nil)
)
