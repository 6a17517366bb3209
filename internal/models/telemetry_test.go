package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleDecodesWireNames(t *testing.T) {
	raw := `{
		"timestamp": "2024-05-01T10:00:05Z",
		"bus_id": "BUS001",
		"cell_voltage": 3.71,
		"cell_min_temp": 27.5,
		"cell_max_temp": 29.9,
		"energy_efficiency": 90.2,
		"current_driving_mode": "uphill",
		"battery_soh": 99.95,
		"current_fault_type": "overheat_fault"
	}`

	var s TelemetrySample
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.Equal(t, "BUS001", s.BusID)
	assert.Equal(t, ModeUphill, s.CurrentDrivingMode)
	assert.Equal(t, FaultOverheat, s.CurrentFaultType)
	assert.Equal(t, 2024, s.Timestamp.Year())
}

func TestUnknownVocabularyIsRejected(t *testing.T) {
	var m DrivingMode
	assert.Error(t, json.Unmarshal([]byte(`"reversing"`), &m))

	var f FaultType
	assert.Error(t, json.Unmarshal([]byte(`"meltdown"`), &f))

	_, err := json.Marshal(DrivingMode(42))
	assert.Error(t, err)
}

func TestVocabularyOrderIsStable(t *testing.T) {
	assert.Equal(t, []string{
		"normal", "voltage_drop_fault", "overheat_fault",
		"efficiency_loss_fault", "cell_imbalance_fault", "capacity_loss_fault",
	}, FaultTypeNames())

	names := make([]string, len(DrivingModes))
	for i, m := range DrivingModes {
		names[i] = m.String()
	}
	assert.Equal(t, []string{"idle", "accelerating", "cruising", "braking", "uphill", "downhill"}, names)
	assert.Len(t, InjectableFaults, 5)
	assert.NotContains(t, InjectableFaults, FaultNormal)
}

func TestZeroDrivingModeIsInvalid(t *testing.T) {
	var s TelemetrySample
	require.NoError(t, json.Unmarshal([]byte(`{"bus_id":"BUS001"}`), &s))
	assert.Equal(t, ModeUnknown, s.CurrentDrivingMode)
	assert.False(t, s.CurrentDrivingMode.Valid())
	assert.NotContains(t, DrivingModes, ModeUnknown)

	_, err := ParseDrivingMode("")
	assert.Error(t, err)
	m, err := ParseDrivingMode("idle")
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, m)
}
