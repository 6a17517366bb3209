package parser

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-fault-monitor/internal/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseCSV(t *testing.T) {
	in := `timestamp,bus_id,cell_voltage,cell_min_temp,cell_max_temp,energy_efficiency,current_driving_mode,battery_soh,current_fault_type
2024-05-01T08:00:00Z,BUS001,3.71,28.1,30.4,91.2,cruising,99.95,normal
2024-05-01 08:00:05,BUS001,3.10,28.0,30.2,90.8,uphill,99.95,voltage_drop_fault
2024-05-01T08:00:10Z,BUS001,3.70,28.0,30.2,90.8,flying,99.95,normal
2024-05-01T08:00:15Z,,3.70,28.0,30.2,90.8,idle,99.95,normal
`
	got, err := NewParser("CSV", quiet).Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, models.ModeCruising, got[0].CurrentDrivingMode)
	assert.Equal(t, 3.71, got[0].CellVoltage)
	assert.Equal(t, models.FaultVoltageDrop, got[1].CurrentFaultType)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 5, 0, time.UTC), got[1].Timestamp)
}

func TestParseJSONArrayAndLines(t *testing.T) {
	array := `[{"timestamp":"2024-05-01T08:00:00Z","bus_id":"BUS002","cell_voltage":3.9,
		"cell_min_temp":29,"cell_max_temp":31,"energy_efficiency":93,"current_driving_mode":"downhill",
		"battery_soh":98.5,"current_fault_type":"normal"}]`
	got, err := NewParser(FormatJSON, quiet).Parse(strings.NewReader(array))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ModeDownhill, got[0].CurrentDrivingMode)

	lines := `{"timestamp":"2024-05-01T08:00:00Z","bus_id":"BUS002","cell_voltage":3.9,"cell_min_temp":29,"cell_max_temp":31,"energy_efficiency":93,"current_driving_mode":"idle","battery_soh":98.5,"current_fault_type":"normal"}
{"timestamp":"2024-05-01T08:00:05Z","bus_id":"BUS002","current_driving_mode":"teleporting"}
{"timestamp":"2024-05-01T08:00:10Z","bus_id":"BUS002","cell_voltage":3.8,"cell_min_temp":29,"cell_max_temp":31,"energy_efficiency":93,"current_driving_mode":"idle","battery_soh":98.5,"current_fault_type":"overheat_fault"}
`
	got, err = NewParser(FormatJSON, quiet).Parse(strings.NewReader(lines))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.FaultOverheat, got[1].CurrentFaultType)

	got, err = NewParser(FormatJSONL, quiet).Parse(strings.NewReader(lines))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestParseLogFile(t *testing.T) {
	in := `# recorded on depot charger
1714550400|BUS003|3.75|27.5|29.0|90.1|idle|100
2024-05-01T08:00:05Z|BUS003|3.74|27.5|29.1|90.0|idle|100|cell_imbalance_fault
broken line
`
	path := filepath.Join(t.TempDir(), "bus.log")
	require.NoError(t, os.WriteFile(path, []byte(in), 0644))

	got, err := NewParser(FormatLog, quiet).ParseFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.Unix(1714550400, 0).UTC(), got[0].Timestamp)
	assert.Equal(t, models.FaultNormal, got[0].CurrentFaultType)
	assert.Equal(t, models.FaultCellImbalance, got[1].CurrentFaultType)
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := NewParser("xml", quiet).Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestValidateSample(t *testing.T) {
	good := models.TelemetrySample{
		Timestamp:          time.Now(),
		BusID:              "BUS001",
		CellVoltage:        3.7,
		CellMinTemp:        28,
		CellMaxTemp:        31,
		EnergyEfficiency:   90,
		CurrentDrivingMode: models.ModeIdle,
		BatterySOH:         99,
	}
	assert.Empty(t, ValidateSample(&good))

	bad := good
	bad.BusID = ""
	bad.CellMinTemp = 40
	bad.BatterySOH = 140
	bad.CurrentDrivingMode = models.DrivingMode(17)
	assert.Len(t, ValidateSample(&bad), 4)
}

func TestParseJSONRequiresDrivingMode(t *testing.T) {
	withoutMode := `{"timestamp":"2024-05-01T08:00:00Z","bus_id":"BUS001","cell_voltage":3.7,"cell_min_temp":28,"cell_max_temp":31,"energy_efficiency":90,"battery_soh":99,"current_fault_type":"normal"}`
	withMode := `{"timestamp":"2024-05-01T08:00:05Z","bus_id":"BUS001","cell_voltage":3.7,"cell_min_temp":28,"cell_max_temp":31,"energy_efficiency":90,"current_driving_mode":"braking","battery_soh":99,"current_fault_type":"normal"}`

	got, err := NewParser(FormatJSONL, quiet).Parse(strings.NewReader(withoutMode + "\n" + withMode + "\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ModeBraking, got[0].CurrentDrivingMode)

	got, err = NewParser(FormatJSON, quiet).Parse(strings.NewReader("[" + withoutMode + "," + withMode + "]"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ModeBraking, got[0].CurrentDrivingMode)
}

func TestValidateSampleMissingMode(t *testing.T) {
	s := models.TelemetrySample{
		Timestamp:        time.Now(),
		BusID:            "BUS001",
		CellVoltage:      3.7,
		CellMinTemp:      28,
		CellMaxTemp:      31,
		EnergyEfficiency: 90,
		BatterySOH:       99,
	}
	assert.Equal(t, []string{"current_driving_mode is required"}, ValidateSample(&s))
}
