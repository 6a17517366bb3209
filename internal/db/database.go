package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"battery-fault-monitor/internal/models"
)

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bus_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		cell_voltage REAL NOT NULL,
		cell_min_temp REAL NOT NULL,
		cell_max_temp REAL NOT NULL,
		energy_efficiency REAL NOT NULL,
		current_driving_mode TEXT NOT NULL,
		battery_soh REAL NOT NULL,
		current_fault_type TEXT NOT NULL DEFAULT 'normal'
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bus_id TEXT NOT NULL,
		timestamp_data_end TEXT NOT NULL,
		predicted_at TEXT NOT NULL,
		fault_type TEXT NOT NULL,
		fault_reason TEXT NOT NULL,
		prob_5min REAL NOT NULL,
		prob_30min REAL NOT NULL,
		is_fault_imminent_5min INTEGER NOT NULL,
		is_fault_imminent_30min INTEGER NOT NULL,
		model_version TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_bus_timestamp ON telemetry(bus_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_fault ON telemetry(current_fault_type) WHERE current_fault_type != 'normal';
	CREATE INDEX IF NOT EXISTS idx_predictions_bus_predicted ON predictions(bus_id, predicted_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

const insertTelemetrySQL = `
	INSERT INTO telemetry
	(bus_id, timestamp, cell_voltage, cell_min_temp, cell_max_temp,
	 energy_efficiency, current_driving_mode, battery_soh, current_fault_type)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func telemetryArgs(s *models.TelemetrySample) []any {
	return []any{
		s.BusID, formatTime(s.Timestamp), s.CellVoltage, s.CellMinTemp, s.CellMaxTemp,
		s.EnergyEfficiency, s.CurrentDrivingMode.String(), s.BatterySOH, s.CurrentFaultType.String(),
	}
}

// InsertTelemetry adds a single sample
func (db *Database) InsertTelemetry(ctx context.Context, s *models.TelemetrySample) error {
	result, err := db.conn.ExecContext(ctx, insertTelemetrySQL, telemetryArgs(s)...)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	s.ID = id
	return nil
}

// InsertTelemetryBatch efficiently inserts multiple samples
func (db *Database) InsertTelemetryBatch(ctx context.Context, samples []models.TelemetrySample) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for i := range samples {
		if _, err := stmt.ExecContext(ctx, telemetryArgs(&samples[i])...); err != nil {
			return 0, err
		}
		count++
	}

	return count, tx.Commit()
}

const telemetryColumns = `id, bus_id, timestamp, cell_voltage, cell_min_temp, cell_max_temp,
	energy_efficiency, current_driving_mode, battery_soh, current_fault_type`

// QueryTelemetry retrieves samples based on query parameters, newest first
func (db *Database) QueryTelemetry(ctx context.Context, q models.TelemetryQuery) ([]models.TelemetrySample, error) {
	var conditions []string
	var args []any

	baseQuery := "SELECT " + telemetryColumns + " FROM telemetry"

	if q.BusID != "" {
		conditions = append(conditions, "bus_id = ?")
		args = append(args, q.BusID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, formatTime(q.EndTime))
	}
	if q.FaultOnly {
		conditions = append(conditions, "current_fault_type != 'normal'")
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY timestamp DESC, id DESC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.TelemetrySample
	for rows.Next() {
		s, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// LatestTelemetry returns the newest limit samples across all buses.
func (db *Database) LatestTelemetry(ctx context.Context, limit int) ([]models.TelemetrySample, error) {
	return db.QueryTelemetry(ctx, models.TelemetryQuery{Limit: limit})
}

func scanTelemetry(rows *sql.Rows) (models.TelemetrySample, error) {
	var s models.TelemetrySample
	var ts, mode, fault string
	err := rows.Scan(
		&s.ID, &s.BusID, &ts, &s.CellVoltage, &s.CellMinTemp, &s.CellMaxTemp,
		&s.EnergyEfficiency, &mode, &s.BatterySOH, &fault,
	)
	if err != nil {
		return s, err
	}
	if s.Timestamp, err = parseTime(ts); err != nil {
		return s, fmt.Errorf("row %d timestamp: %w", s.ID, err)
	}
	if s.CurrentDrivingMode, err = models.ParseDrivingMode(mode); err != nil {
		return s, fmt.Errorf("row %d: %w", s.ID, err)
	}
	if s.CurrentFaultType, err = models.ParseFaultType(fault); err != nil {
		return s, fmt.Errorf("row %d: %w", s.ID, err)
	}
	return s, nil
}

// ListBuses returns every bus id seen in telemetry
func (db *Database) ListBuses(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT bus_id FROM telemetry ORDER BY bus_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buses []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		buses = append(buses, id)
	}
	return buses, rows.Err()
}

// GetBusSummary returns aggregated statistics for a bus
func (db *Database) GetBusSummary(ctx context.Context, busID string) (*models.BusSummary, error) {
	query := `
		SELECT
			bus_id,
			COUNT(*),
			MIN(timestamp),
			MAX(timestamp),
			AVG(cell_voltage),
			AVG(cell_max_temp),
			AVG(energy_efficiency),
			SUM(CASE WHEN current_fault_type != 'normal' THEN 1 ELSE 0 END),
			(SELECT battery_soh FROM telemetry t2 WHERE t2.bus_id = telemetry.bus_id
			 ORDER BY timestamp DESC, id DESC LIMIT 1)
		FROM telemetry
		WHERE bus_id = ?
		GROUP BY bus_id
	`

	var s models.BusSummary
	var first, last string
	err := db.conn.QueryRowContext(ctx, query, busID).Scan(
		&s.BusID, &s.TotalRecords, &first, &last, &s.AvgVoltage,
		&s.AvgMaxTemp, &s.AvgEfficiency, &s.FaultSampleCount, &s.LatestSOH,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBusNotFound, busID)
	}
	if err != nil {
		return nil, err
	}
	if s.FirstSeen, err = parseTime(first); err != nil {
		return nil, err
	}
	if s.LastSeen, err = parseTime(last); err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertPrediction stores one prediction record
func (db *Database) InsertPrediction(ctx context.Context, p *models.PredictionRecord) error {
	query := `
		INSERT INTO predictions
		(bus_id, timestamp_data_end, predicted_at, fault_type, fault_reason,
		 prob_5min, prob_30min, is_fault_imminent_5min, is_fault_imminent_30min, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.conn.ExecContext(ctx, query,
		p.BusID, formatTime(p.TimestampDataEnd), formatTime(p.PredictedAt), p.FaultType, p.FaultReason,
		p.Prob5Min, p.Prob30Min, p.IsFaultImminent5Min, p.IsFaultImminent30Min, p.ModelVersion,
	)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	p.ID = id
	return nil
}

// LatestPredictions returns the newest predictions, optionally for one bus
func (db *Database) LatestPredictions(ctx context.Context, busID string, limit int) ([]models.PredictionRecord, error) {
	query := `
		SELECT id, bus_id, timestamp_data_end, predicted_at, fault_type, fault_reason,
		       prob_5min, prob_30min, is_fault_imminent_5min, is_fault_imminent_30min, model_version
		FROM predictions
	`
	var args []any
	if busID != "" {
		query += " WHERE bus_id = ?"
		args = append(args, busID)
	}
	query += " ORDER BY predicted_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.PredictionRecord
	for rows.Next() {
		var p models.PredictionRecord
		var end, at string
		err := rows.Scan(
			&p.ID, &p.BusID, &end, &at, &p.FaultType, &p.FaultReason,
			&p.Prob5Min, &p.Prob30Min, &p.IsFaultImminent5Min, &p.IsFaultImminent30Min, &p.ModelVersion,
		)
		if err != nil {
			return nil, err
		}
		if p.TimestampDataEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		if p.PredictedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (*models.Stats, error) {
	var s models.Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT bus_id) FROM telemetry),
			(SELECT COUNT(*) FROM telemetry),
			(SELECT COUNT(*) FROM telemetry WHERE current_fault_type != 'normal'),
			(SELECT COUNT(*) FROM predictions)
	`).Scan(&s.TotalBuses, &s.TelemetryRecords, &s.FaultRecords, &s.Predictions)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
