package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DrivingMode is the operating regime a bus is in when a sample is taken.
// The zero value is ModeUnknown, which is never valid, so a sample that
// omits its mode fails validation instead of reading as idle.
type DrivingMode int

const (
	ModeUnknown DrivingMode = iota
	ModeIdle
	ModeAccelerating
	ModeCruising
	ModeBraking
	ModeUphill
	ModeDownhill
)

// DrivingModes is the canonical mode vocabulary. Its order fixes the
// one-hot feature columns and must never be reordered.
var DrivingModes = []DrivingMode{
	ModeIdle, ModeAccelerating, ModeCruising, ModeBraking, ModeUphill, ModeDownhill,
}

var drivingModeNames = [...]string{"idle", "accelerating", "cruising", "braking", "uphill", "downhill"}

func (m DrivingMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("DrivingMode(%d)", int(m))
	}
	return drivingModeNames[m-ModeIdle]
}

// Valid reports whether m belongs to the vocabulary.
func (m DrivingMode) Valid() bool {
	return m >= ModeIdle && m <= ModeDownhill
}

// ParseDrivingMode maps a mode name to its enum value.
func ParseDrivingMode(s string) (DrivingMode, error) {
	for i, name := range drivingModeNames {
		if name == s {
			return ModeIdle + DrivingMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown driving mode %q", s)
}

func (m DrivingMode) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid driving mode %d", int(m))
	}
	return json.Marshal(m.String())
}

func (m *DrivingMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("driving mode must be a string: %w", err)
	}
	parsed, err := ParseDrivingMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FaultType is the simulated ground-truth fault class of a sample.
type FaultType int

const (
	FaultNormal FaultType = iota
	FaultVoltageDrop
	FaultOverheat
	FaultEfficiencyLoss
	FaultCellImbalance
	FaultCapacityLoss
)

// FaultTypes is the canonical fault vocabulary; a fault's index in this
// slice is its fault_type_id.
var FaultTypes = []FaultType{
	FaultNormal, FaultVoltageDrop, FaultOverheat, FaultEfficiencyLoss, FaultCellImbalance, FaultCapacityLoss,
}

// InjectableFaults are the fault kinds the simulator can start an episode with.
var InjectableFaults = FaultTypes[1:]

var faultTypeNames = [...]string{
	"normal",
	"voltage_drop_fault",
	"overheat_fault",
	"efficiency_loss_fault",
	"cell_imbalance_fault",
	"capacity_loss_fault",
}

func (f FaultType) String() string {
	if !f.Valid() {
		return fmt.Sprintf("FaultType(%d)", int(f))
	}
	return faultTypeNames[f]
}

// Valid reports whether f belongs to the vocabulary.
func (f FaultType) Valid() bool {
	return f >= FaultNormal && int(f) < len(faultTypeNames)
}

// IsFault reports whether f is anything other than normal.
func (f FaultType) IsFault() bool {
	return f != FaultNormal
}

// ParseFaultType maps a fault name to its enum value.
func ParseFaultType(s string) (FaultType, error) {
	for i, name := range faultTypeNames {
		if name == s {
			return FaultType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fault type %q", s)
}

// FaultTypeNames returns the vocabulary as strings, in canonical order.
func FaultTypeNames() []string {
	out := make([]string, len(faultTypeNames))
	copy(out, faultTypeNames[:])
	return out
}

func (f FaultType) MarshalJSON() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid fault type %d", int(f))
	}
	return json.Marshal(f.String())
}

func (f *FaultType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("fault type must be a string: %w", err)
	}
	parsed, err := ParseFaultType(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// TimestampPrecision is the finest timestamp resolution every store keeps.
// PostgreSQL TIMESTAMPTZ holds microseconds.
const TimestampPrecision = time.Microsecond

// TelemetrySample is a single battery reading from a bus.
// CurrentFaultType is simulator ground truth and is only used for labeling.
type TelemetrySample struct {
	ID                 int64       `json:"id,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
	BusID              string      `json:"bus_id"`
	CellVoltage        float64     `json:"cell_voltage"`  // volts
	CellMinTemp        float64     `json:"cell_min_temp"` // Celsius
	CellMaxTemp        float64     `json:"cell_max_temp"` // Celsius
	EnergyEfficiency   float64     `json:"energy_efficiency"`
	CurrentDrivingMode DrivingMode `json:"current_driving_mode"`
	BatterySOH         float64     `json:"battery_soh"` // percentage
	CurrentFaultType   FaultType   `json:"current_fault_type"`
}

// PredictionRecord is the output of one prediction cycle for one bus.
type PredictionRecord struct {
	ID                   int64     `json:"id,omitempty"`
	BusID                string    `json:"bus_id"`
	TimestampDataEnd     time.Time `json:"timestamp_data_end"`
	PredictedAt          time.Time `json:"predicted_at"`
	FaultType            string    `json:"fault_type"`
	FaultReason          string    `json:"fault_reason"`
	Prob5Min             float64   `json:"prob_5min"`
	Prob30Min            float64   `json:"prob_30min"`
	IsFaultImminent5Min  bool      `json:"is_fault_imminent_5min"`
	IsFaultImminent30Min bool      `json:"is_fault_imminent_30min"`
	ModelVersion         string    `json:"model_version,omitempty"`
}

// TelemetryQuery represents query parameters for telemetry searches
type TelemetryQuery struct {
	BusID     string
	StartTime time.Time
	EndTime   time.Time
	FaultOnly bool
	Limit     int
	Offset    int
}

// BusSummary provides aggregated statistics for one bus
type BusSummary struct {
	BusID            string    `json:"bus_id"`
	TotalRecords     int       `json:"total_records"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	AvgVoltage       float64   `json:"avg_voltage"`
	AvgMaxTemp       float64   `json:"avg_max_temp"`
	AvgEfficiency    float64   `json:"avg_efficiency"`
	LatestSOH        float64   `json:"latest_soh"`
	FaultSampleCount int       `json:"fault_sample_count"`
}

// Stats is a store-wide overview.
type Stats struct {
	TotalBuses       int64 `json:"total_buses"`
	TelemetryRecords int64 `json:"total_telemetry_records"`
	FaultRecords     int64 `json:"fault_records"`
	Predictions      int64 `json:"total_predictions"`
}
