package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"battery-fault-monitor/internal/models"
)

// Supported input formats.
const (
	FormatCSV   = "csv"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatLog   = "log"
)

// Parser handles parsing of recorded telemetry files
type Parser struct {
	format string
	logger *slog.Logger
}

// NewParser creates a new parser with the specified format
func NewParser(format string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{format: strings.ToLower(format), logger: logger}
}

// ParseFile parses a telemetry data file
func (p *Parser) ParseFile(filename string) ([]models.TelemetrySample, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads samples from r. Malformed records are logged and skipped.
func (p *Parser) Parse(r io.Reader) ([]models.TelemetrySample, error) {
	switch p.format {
	case FormatCSV:
		return p.parseCSV(r)
	case FormatJSON:
		return p.parseJSON(r)
	case FormatJSONL:
		return p.parseJSONLines(r)
	case FormatLog:
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses CSV with a header row naming the sample fields
func (p *Parser) parseCSV(r io.Reader) ([]models.TelemetrySample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var results []models.TelemetrySample
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}
		lineNum++

		s, err := recordToSample(record, indices)
		if err != nil {
			p.logger.Warn("skipping record", "line", lineNum, "error", err)
			continue
		}
		results = append(results, s)
	}

	return results, nil
}

// recordToSample converts a CSV record to a TelemetrySample
func recordToSample(record []string, indices map[string]int) (models.TelemetrySample, error) {
	var s models.TelemetrySample
	var err error

	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	getFloat := func(key string) (float64, error) {
		v, err := strconv.ParseFloat(getValue(key), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}

	s.BusID = getValue("bus_id")
	if s.BusID == "" {
		return s, fmt.Errorf("missing bus_id")
	}
	if s.Timestamp, err = parseTimestamp(getValue("timestamp")); err != nil {
		return s, fmt.Errorf("invalid timestamp: %w", err)
	}
	if s.CellVoltage, err = getFloat("cell_voltage"); err != nil {
		return s, err
	}
	if s.CellMinTemp, err = getFloat("cell_min_temp"); err != nil {
		return s, err
	}
	if s.CellMaxTemp, err = getFloat("cell_max_temp"); err != nil {
		return s, err
	}
	if s.EnergyEfficiency, err = getFloat("energy_efficiency"); err != nil {
		return s, err
	}
	if s.BatterySOH, err = getFloat("battery_soh"); err != nil {
		return s, err
	}
	if s.CurrentDrivingMode, err = models.ParseDrivingMode(getValue("current_driving_mode")); err != nil {
		return s, err
	}
	if fault := getValue("current_fault_type"); fault != "" {
		if s.CurrentFaultType, err = models.ParseFaultType(fault); err != nil {
			return s, err
		}
	}

	return s, nil
}

// JSON decoding leaves an absent mode at its invalid zero value.
var errMissingMode = errors.New("current_driving_mode is required")

// parseJSON parses a JSON array, falling back to newline-delimited JSON
func (p *Parser) parseJSON(r io.Reader) ([]models.TelemetrySample, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var decoded []models.TelemetrySample
	if err := json.Unmarshal(data, &decoded); err == nil {
		results := decoded[:0]
		for i, s := range decoded {
			if !s.CurrentDrivingMode.Valid() {
				p.logger.Warn("skipping record", "index", i, "error", errMissingMode)
				continue
			}
			results = append(results, s)
		}
		return results, nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.TelemetrySample, error) {
	var results []models.TelemetrySample
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		line = strings.TrimSuffix(line, ",")

		var s models.TelemetrySample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			p.logger.Warn("skipping record", "line", lineNum, "error", err)
			continue
		}
		if !s.CurrentDrivingMode.Valid() {
			p.logger.Warn("skipping record", "line", lineNum, "error", errMissingMode)
			continue
		}
		results = append(results, s)
	}

	return results, scanner.Err()
}

// parseLog parses the pipe format:
// timestamp|bus_id|voltage|min_temp|max_temp|efficiency|mode|soh[|fault]
func (p *Parser) parseLog(r io.Reader) ([]models.TelemetrySample, error) {
	var results []models.TelemetrySample
	scanner := bufio.NewScanner(r)
	lineNum := 0

	keys := []string{
		"timestamp", "bus_id", "cell_voltage", "cell_min_temp", "cell_max_temp",
		"energy_efficiency", "current_driving_mode", "battery_soh", "current_fault_type",
	}
	indices := make(map[string]int, len(keys))
	for i, k := range keys {
		indices[k] = i
	}

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < len(keys)-1 {
			p.logger.Warn("skipping record", "line", lineNum, "error", "insufficient fields")
			continue
		}

		s, err := recordToSample(parts, indices)
		if err != nil {
			p.logger.Warn("skipping record", "line", lineNum, "error", err)
			continue
		}
		results = append(results, s)
	}

	return results, scanner.Err()
}

// parseTimestamp tries multiple timestamp formats; the result is UTC
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}

// ValidateSample checks a sample for physically implausible or missing
// values and returns one message per problem.
func ValidateSample(s *models.TelemetrySample) []string {
	var problems []string

	if s.BusID == "" {
		problems = append(problems, "bus_id is required")
	}
	if s.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if s.CellVoltage <= 0 || s.CellVoltage > 5 {
		problems = append(problems, "cell_voltage must be between 0 and 5")
	}
	if s.CellMinTemp > s.CellMaxTemp {
		problems = append(problems, "cell_min_temp cannot exceed cell_max_temp")
	}
	if s.CellMinTemp < -40 || s.CellMaxTemp > 120 {
		problems = append(problems, "cell temperatures must be between -40 and 120")
	}
	if s.EnergyEfficiency < 0 || s.EnergyEfficiency > 100 {
		problems = append(problems, "energy_efficiency must be between 0 and 100")
	}
	if s.BatterySOH < 0 || s.BatterySOH > 100 {
		problems = append(problems, "battery_soh must be between 0 and 100")
	}
	switch {
	case s.CurrentDrivingMode == models.ModeUnknown:
		problems = append(problems, errMissingMode.Error())
	case !s.CurrentDrivingMode.Valid():
		problems = append(problems, "current_driving_mode is not a known mode")
	}
	if !s.CurrentFaultType.Valid() {
		problems = append(problems, "current_fault_type is not a known fault type")
	}

	return problems
}
