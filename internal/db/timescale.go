package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"battery-fault-monitor/internal/models"
)

// Timescale stores telemetry in a TimescaleDB hypertable through a pgx pool.
type Timescale struct {
	pool *pgxpool.Pool
}

// NewTimescale connects, pings and ensures the schema exists.
func NewTimescale(ctx context.Context, dsn string) (*Timescale, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	ts := &Timescale{pool: pool}
	if err := ts.initialize(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return ts, nil
}

func (s *Timescale) initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS battery_telemetry (
			id BIGINT GENERATED ALWAYS AS IDENTITY,
			timestamp TIMESTAMPTZ NOT NULL,
			bus_id TEXT NOT NULL,
			cell_voltage DOUBLE PRECISION NOT NULL,
			cell_min_temp DOUBLE PRECISION NOT NULL,
			cell_max_temp DOUBLE PRECISION NOT NULL,
			energy_efficiency DOUBLE PRECISION NOT NULL,
			current_driving_mode TEXT NOT NULL,
			battery_soh DOUBLE PRECISION NOT NULL,
			current_fault_type TEXT NOT NULL DEFAULT 'normal'
		);
		CREATE INDEX IF NOT EXISTS idx_battery_telemetry_bus_ts ON battery_telemetry (bus_id, timestamp DESC);

		CREATE TABLE IF NOT EXISTS battery_predictions (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			bus_id TEXT NOT NULL,
			timestamp_data_end TIMESTAMPTZ NOT NULL,
			predicted_at TIMESTAMPTZ NOT NULL,
			fault_type TEXT NOT NULL,
			fault_reason TEXT NOT NULL,
			prob_5min DOUBLE PRECISION NOT NULL,
			prob_30min DOUBLE PRECISION NOT NULL,
			is_fault_imminent_5min BOOLEAN NOT NULL,
			is_fault_imminent_30min BOOLEAN NOT NULL,
			model_version TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_battery_predictions_bus ON battery_predictions (bus_id, predicted_at DESC);
	`)
	if err != nil {
		return err
	}

	// Plain PostgreSQL without the extension still works as a store.
	_, err = s.pool.Exec(ctx,
		`SELECT create_hypertable('battery_telemetry', 'timestamp', if_not_exists => TRUE)`)
	if err != nil && !strings.Contains(err.Error(), "create_hypertable") {
		return err
	}
	return nil
}

func (s *Timescale) Close() error {
	s.pool.Close()
	return nil
}

func (s *Timescale) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var timescaleTelemetryColumns = []string{
	"timestamp",
	"bus_id",
	"cell_voltage",
	"cell_min_temp",
	"cell_max_temp",
	"energy_efficiency",
	"current_driving_mode",
	"battery_soh",
	"current_fault_type",
}

// pgTime drops the sub-microsecond part instead of letting the server round it.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(models.TimestampPrecision)
}

func timescaleRow(m *models.TelemetrySample) []any {
	return []any{
		pgTime(m.Timestamp),
		m.BusID,
		m.CellVoltage,
		m.CellMinTemp,
		m.CellMaxTemp,
		m.EnergyEfficiency,
		m.CurrentDrivingMode.String(),
		m.BatterySOH,
		m.CurrentFaultType.String(),
	}
}

func (s *Timescale) InsertTelemetry(ctx context.Context, m *models.TelemetrySample) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO battery_telemetry
			(timestamp, bus_id, cell_voltage, cell_min_temp, cell_max_temp,
			 energy_efficiency, current_driving_mode, battery_soh, current_fault_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, timescaleRow(m)...).Scan(&m.ID)
}

// InsertTelemetryBatch uses COPY for the whole batch.
func (s *Timescale) InsertTelemetryBatch(ctx context.Context, samples []models.TelemetrySample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(samples))
	for i := range samples {
		rows[i] = timescaleRow(&samples[i])
	}

	n, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"battery_telemetry"},
		timescaleTelemetryColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("CopyFrom failed for batch of %d: %w", len(samples), err)
	}
	return n, nil
}

func (s *Timescale) QueryTelemetry(ctx context.Context, q models.TelemetryQuery) ([]models.TelemetrySample, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT id, bus_id, timestamp, cell_voltage, cell_min_temp, cell_max_temp,
		energy_efficiency, current_driving_mode, battery_soh, current_fault_type
		FROM battery_telemetry`
	if q.BusID != "" {
		conditions = append(conditions, "bus_id = "+arg(q.BusID))
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= "+arg(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= "+arg(q.EndTime))
	}
	if q.FaultOnly {
		conditions = append(conditions, "current_fault_type <> 'normal'")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
		if q.Offset > 0 {
			query += " OFFSET " + arg(q.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TelemetrySample
	for rows.Next() {
		var m models.TelemetrySample
		var mode, fault string
		if err := rows.Scan(&m.ID, &m.BusID, &m.Timestamp, &m.CellVoltage, &m.CellMinTemp,
			&m.CellMaxTemp, &m.EnergyEfficiency, &mode, &m.BatterySOH, &fault); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		if m.CurrentDrivingMode, err = models.ParseDrivingMode(mode); err != nil {
			return nil, err
		}
		if m.CurrentFaultType, err = models.ParseFaultType(fault); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Timescale) LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error) {
	return s.QueryTelemetry(ctx, models.TelemetryQuery{Limit: limit})
}

func (s *Timescale) ListBuses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT bus_id FROM battery_telemetry ORDER BY bus_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Timescale) GetBusSummary(ctx context.Context, busID string) (*models.BusSummary, error) {
	var sum models.BusSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			bus_id,
			COUNT(*),
			MIN(timestamp),
			MAX(timestamp),
			AVG(cell_voltage),
			AVG(cell_max_temp),
			AVG(energy_efficiency),
			COUNT(*) FILTER (WHERE current_fault_type <> 'normal'),
			(SELECT battery_soh FROM battery_telemetry t2 WHERE t2.bus_id = $1
			 ORDER BY timestamp DESC, id DESC LIMIT 1)
		FROM battery_telemetry
		WHERE bus_id = $1
		GROUP BY bus_id
	`, busID).Scan(&sum.BusID, &sum.TotalRecords, &sum.FirstSeen, &sum.LastSeen, &sum.AvgVoltage,
		&sum.AvgMaxTemp, &sum.AvgEfficiency, &sum.FaultSampleCount, &sum.LatestSOH)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBusNotFound, busID)
	}
	if err != nil {
		return nil, err
	}
	sum.FirstSeen = sum.FirstSeen.UTC()
	sum.LastSeen = sum.LastSeen.UTC()
	return &sum, nil
}

func (s *Timescale) InsertPrediction(ctx context.Context, p *models.PredictionRecord) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO battery_predictions
			(bus_id, timestamp_data_end, predicted_at, fault_type, fault_reason,
			 prob_5min, prob_30min, is_fault_imminent_5min, is_fault_imminent_30min, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, p.BusID, pgTime(p.TimestampDataEnd), pgTime(p.PredictedAt), p.FaultType, p.FaultReason,
		p.Prob5Min, p.Prob30Min, p.IsFaultImminent5Min, p.IsFaultImminent30Min, p.ModelVersion,
	).Scan(&p.ID)
}

func (s *Timescale) LatestPredictions(ctx context.Context, busID string, limit int) ([]models.PredictionRecord, error) {
	query := `SELECT id, bus_id, timestamp_data_end, predicted_at, fault_type, fault_reason,
		prob_5min, prob_30min, is_fault_imminent_5min, is_fault_imminent_30min, model_version
		FROM battery_predictions`
	var args []any
	if busID != "" {
		args = append(args, busID)
		query += " WHERE bus_id = $1"
	}
	query += " ORDER BY predicted_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PredictionRecord
	for rows.Next() {
		var p models.PredictionRecord
		if err := rows.Scan(&p.ID, &p.BusID, &p.TimestampDataEnd, &p.PredictedAt, &p.FaultType,
			&p.FaultReason, &p.Prob5Min, &p.Prob30Min, &p.IsFaultImminent5Min,
			&p.IsFaultImminent30Min, &p.ModelVersion); err != nil {
			return nil, err
		}
		p.TimestampDataEnd = p.TimestampDataEnd.UTC()
		p.PredictedAt = p.PredictedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Timescale) GetStats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT bus_id) FROM battery_telemetry),
			(SELECT COUNT(*) FROM battery_telemetry),
			(SELECT COUNT(*) FROM battery_telemetry WHERE current_fault_type <> 'normal'),
			(SELECT COUNT(*) FROM battery_predictions)
	`).Scan(&st.TotalBuses, &st.TelemetryRecords, &st.FaultRecords, &st.Predictions)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
