package labels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-fault-monitor/internal/features"
	"battery-fault-monitor/internal/models"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func history(busID string, n int, faults map[int]models.FaultType) []models.TelemetrySample {
	out := make([]models.TelemetrySample, n)
	for i := range out {
		out[i] = models.TelemetrySample{
			Timestamp:          t0.Add(time.Duration(i) * 5 * time.Second),
			BusID:              busID,
			CellVoltage:        3.7,
			CellMinTemp:        29,
			CellMaxTemp:        31,
			EnergyEfficiency:   90,
			CurrentDrivingMode: models.ModeCruising,
			BatterySOH:         99,
			CurrentFaultType:   faults[i],
		}
	}
	return out
}

func overheatBetween(from, to int) map[int]models.FaultType {
	m := map[int]models.FaultType{}
	for i := from; i < to; i++ {
		m[i] = models.FaultOverheat
	}
	return m
}

func TestTargetsLookahead(t *testing.T) {
	samples := history("BUS001", 800, overheatBetween(100, 160))

	tg, ok := Targets(samples, 40)
	require.True(t, ok)
	assert.True(t, tg.FaultWithin5Min)
	assert.False(t, tg.FaultWithin30Min)
	assert.Equal(t, int(models.FaultNormal), tg.FaultTypeID)

	tg, ok = Targets(samples, 120)
	require.True(t, ok)
	assert.Equal(t, int(models.FaultOverheat), tg.FaultTypeID)
}

func TestTargets30MinLandsOnFault(t *testing.T) {
	samples := history("BUS001", 800, overheatBetween(360, 400))

	tg, ok := Targets(samples, 0)
	require.True(t, ok)
	assert.True(t, tg.FaultWithin30Min)
	assert.False(t, tg.FaultWithin5Min)
}

func TestTargetsUndefinedNearEnd(t *testing.T) {
	samples := history("BUS001", 500, nil)
	_, ok := Targets(samples, 139)
	assert.True(t, ok)
	_, ok = Targets(samples, 140)
	assert.False(t, ok)
	_, ok = Targets(samples, -1)
	assert.False(t, ok)
}

func TestGenerateDropsWarmupAndTail(t *testing.T) {
	ds, err := Generate(map[string][]models.TelemetrySample{
		"BUS001": history("BUS001", 500, overheatBetween(100, 160)),
	})
	require.NoError(t, err)

	// Indices 59 .. 139 inclusive.
	require.Len(t, ds.Examples, 81)
	assert.Equal(t, features.WindowSize-1, ds.Examples[0].Index)
	assert.Equal(t, 139, ds.Examples[len(ds.Examples)-1].Index)
	assert.Equal(t, features.Columns(), ds.Columns)

	for _, e := range ds.Examples {
		assert.Len(t, e.Features, features.NumFeatures())
		want, _ := Targets(history("BUS001", 500, overheatBetween(100, 160)), e.Index)
		assert.Equal(t, want, e.Target)
	}

	x := ds.X()
	assert.Len(t, x, 81)
	assert.Len(t, ds.Y5Min(), 81)
	assert.Len(t, ds.Y30Min(), 81)
	assert.Len(t, ds.YFaultType(), 81)
}

func TestGenerateSkipsShortBuses(t *testing.T) {
	ds, err := Generate(map[string][]models.TelemetrySample{
		"BUS001": history("BUS001", MinHistory-1, nil),
		"BUS002": history("BUS002", MinHistory, nil),
	})
	require.NoError(t, err)

	require.Len(t, ds.Buses, 2)
	assert.Equal(t, BusReport{BusID: "BUS001", Samples: MinHistory - 1, Skipped: true}, ds.Buses[0])
	assert.Equal(t, BusReport{BusID: "BUS002", Samples: MinHistory, Examples: 1}, ds.Buses[1])
	require.Len(t, ds.Examples, 1)
	assert.Equal(t, "BUS002", ds.Examples[0].BusID)
}

func TestDistribution(t *testing.T) {
	assert.Equal(t, map[int]int{0: 3, 1: 1}, Distribution([]int{0, 1, 0, 0}))
}
