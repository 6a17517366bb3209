package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-fault-monitor/internal/models"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSimulator(seed uint64, opts ...Option) *Simulator {
	opts = append([]Option{
		WithRand(rand.New(rand.NewPCG(seed, seed))),
		WithLogger(quietLogger()),
	}, opts...)
	return New([]string{"BUS002", "BUS001"}, t0, opts...)
}

func TestNewInitialState(t *testing.T) {
	sim := newTestSimulator(1)

	assert.Equal(t, []string{"BUS001", "BUS002"}, sim.BusIDs())
	st, ok := sim.State("BUS001")
	require.True(t, ok)
	assert.Equal(t, InitialSOH, st.BatterySOH)
	assert.False(t, st.FaultActive)
	assert.Equal(t, models.FaultNormal, st.FaultType)
	assert.True(t, st.DrivingMode.Valid())
	assert.GreaterOrEqual(t, st.FaultDuration, 10*time.Minute)
	assert.LessOrEqual(t, st.FaultDuration, 30*time.Minute)

	_, ok = sim.State("BUS999")
	assert.False(t, ok)
}

func TestTickInvariantsHoldOverLongRun(t *testing.T) {
	// Start aged so the low-SOH fault bonus and the floor both get exercised.
	sim := newTestSimulator(7, WithInitialSOH(50.2))

	lastSOH := map[string]float64{}
	lastTS := map[string]time.Time{}
	sawFault := false

	for k := 0; k < 20000; k++ {
		now := t0.Add(time.Duration(k) * DefaultTickInterval)
		for _, s := range sim.Tick(now) {
			st, _ := sim.State(s.BusID)
			require.Equal(t, st.FaultActive, st.FaultType != models.FaultNormal, "tick %d", k)
			require.Equal(t, st.FaultType, s.CurrentFaultType)

			require.LessOrEqual(t, s.CellMinTemp, s.CellMaxTemp)
			require.GreaterOrEqual(t, s.EnergyEfficiency, MinEfficiency)
			require.LessOrEqual(t, s.EnergyEfficiency, MaxEfficiency)
			require.GreaterOrEqual(t, s.CellVoltage, MinCellVoltage)
			require.LessOrEqual(t, s.CellVoltage, MaxCellVoltage)

			require.GreaterOrEqual(t, s.BatterySOH, SOHFloor)
			if prev, ok := lastSOH[s.BusID]; ok {
				require.LessOrEqual(t, s.BatterySOH, prev, "soh must never recover")
			}
			lastSOH[s.BusID] = s.BatterySOH

			if prev, ok := lastTS[s.BusID]; ok {
				require.True(t, s.Timestamp.After(prev))
			}
			lastTS[s.BusID] = s.Timestamp

			if s.CurrentFaultType.IsFault() {
				sawFault = true
			}
		}
	}
	assert.True(t, sawFault, "20000 ticks should inject at least one fault")
}

func TestFaultEpisodeResolvesAfterDuration(t *testing.T) {
	sim := newTestSimulator(3)
	st := sim.states["BUS001"]
	st.FaultActive = true
	st.FaultType = models.FaultOverheat
	st.FaultStart = t0
	st.FaultDuration = 10 * time.Minute

	// Still inside the episode: the type is frozen.
	s := sim.Tick(t0.Add(10 * time.Minute))[0]
	assert.Equal(t, models.FaultOverheat, s.CurrentFaultType)
	assert.GreaterOrEqual(t, s.CellMinTemp, 45.0)

	s = sim.Tick(t0.Add(10*time.Minute + DefaultTickInterval))[0]
	assert.Equal(t, models.FaultNormal, s.CurrentFaultType)
	got, _ := sim.State("BUS001")
	assert.False(t, got.FaultActive)
}

func TestSOHDecaysAndClampsAtFloor(t *testing.T) {
	sim := newTestSimulator(11, WithInitialSOH(50.004))
	st := sim.states["BUS001"]
	st.ModeChangedAt = t0
	before := st.BatterySOH
	sim.step("BUS001", st, t0.Add(time.Second))
	assert.Less(t, st.BatterySOH, before)
	assert.Equal(t, SOHFloor, st.BatterySOH)
}

func TestFaultChance(t *testing.T) {
	assert.InDelta(t, 0.003, faultChance(&BusState{BatterySOH: 90, DrivingMode: models.ModeIdle}), 1e-12)
	assert.InDelta(t, 0.005, faultChance(&BusState{BatterySOH: 69.9, DrivingMode: models.ModeIdle}), 1e-12)
	assert.InDelta(t, 0.006, faultChance(&BusState{BatterySOH: 60, DrivingMode: models.ModeUphill}), 1e-12)
}

func TestGenerateSampleFaultOverrides(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	for i := 0; i < 500; i++ {
		s := GenerateSample(rng, "BUS001", t0, models.ModeCruising, 100, models.FaultVoltageDrop)
		require.GreaterOrEqual(t, s.CellVoltage, 3.0)
		require.LessOrEqual(t, s.CellVoltage, 3.3)

		s = GenerateSample(rng, "BUS001", t0, models.ModeCruising, 100, models.FaultOverheat)
		require.GreaterOrEqual(t, s.CellMaxTemp, 45.0)

		s = GenerateSample(rng, "BUS001", t0, models.ModeIdle, 100, models.FaultCellImbalance)
		require.GreaterOrEqual(t, s.CellMaxTemp-s.CellMinTemp, 10.0-1e-9)

		s = GenerateSample(rng, "BUS001", t0, models.ModeIdle, 100, models.FaultCapacityLoss)
		require.LessOrEqual(t, s.EnergyEfficiency, 65.0)
	}
}

func TestGenerateSampleIdleProfile(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	var vSum, eSum float64
	const n = 600
	for i := 0; i < n; i++ {
		s := GenerateSample(rng, "BUS001", t0, models.ModeIdle, 100, models.FaultNormal)
		vSum += s.CellVoltage
		eSum += s.EnergyEfficiency
	}
	assert.InDelta(t, 3.75, vSum/n, 0.02)
	assert.InDelta(t, 90.0, eSum/n, 0.3)
}

func TestGenerateSpacesSamplesByTick(t *testing.T) {
	sim := newTestSimulator(2)
	samples := sim.Generate(t0, 10)
	require.Len(t, samples, 20)
	assert.Equal(t, t0, samples[0].Timestamp)
	assert.Equal(t, t0.Add(9*DefaultTickInterval), samples[19].Timestamp)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.TelemetrySample
	cancel  context.CancelFunc
	failAll bool
}

func (r *recordingSink) PostSample(_ context.Context, s models.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	if len(r.samples) >= 4 {
		r.cancel()
	}
	if r.failAll {
		return errors.New("store unreachable")
	}
	return nil
}

func TestRunPostsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{cancel: cancel, failAll: true}

	sim := newTestSimulator(4, WithTickInterval(time.Millisecond))
	err := sim.Run(ctx, sink)

	assert.ErrorIs(t, err, context.Canceled)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, len(sink.samples), 4)
}

func TestTickTruncatesToMicroseconds(t *testing.T) {
	sim := newTestSimulator(5)
	samples := sim.Tick(t0.Add(123456789 * time.Nanosecond))
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, t0.Add(123456*time.Microsecond), s.Timestamp)
	}
}

func TestModeHoldsForAtLeastTwoMinutes(t *testing.T) {
	sim := newTestSimulator(17)
	st := sim.states["BUS001"]
	st.ModeChangedAt = t0
	// Keep the fault branch out of the way.
	st.FaultActive = true
	st.FaultType = models.FaultOverheat
	st.FaultStart = t0
	st.FaultDuration = time.Hour

	for _, d := range []time.Duration{time.Minute, 2 * time.Minute} {
		mode := st.DrivingMode
		sim.step("BUS001", st, t0.Add(d))
		assert.Equal(t, mode, st.DrivingMode, d)
		assert.Equal(t, t0, st.ModeChangedAt, d)
	}
}

func TestModeChangesAfterTenMinutes(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		sim := newTestSimulator(seed)
		st := sim.states["BUS001"]
		st.ModeChangedAt = t0
		st.FaultActive = true
		st.FaultType = models.FaultOverheat
		st.FaultStart = t0
		st.FaultDuration = time.Hour

		now := t0.Add(10*time.Minute + time.Second)
		sim.step("BUS001", st, now)
		assert.Equal(t, now, st.ModeChangedAt, "seed %d", seed)
		assert.True(t, st.DrivingMode.Valid())
	}
}

func TestCapacityLossPenaltyTakenOnceAtOnset(t *testing.T) {
	sim := newTestSimulator(23)
	onsets := 0
	now := t0
	for k := 0; k < 50000 && onsets < 3; k++ {
		now = now.Add(DefaultTickInterval)
		before, _ := sim.State("BUS001")
		sim.Tick(now)
		after, _ := sim.State("BUS001")

		drop := before.BatterySOH - after.BatterySOH
		started := !before.FaultActive && after.FaultActive
		if started && after.FaultType == models.FaultCapacityLoss {
			if before.BatterySOH < SOHFloor+capacityLossMax+SOHDecrement {
				continue
			}
			onsets++
			assert.GreaterOrEqual(t, drop, capacityLossMin)
			assert.LessOrEqual(t, drop, capacityLossMax+SOHDecrement+1e-9)
			continue
		}
		// Inside an episode, or any other tick, only the slow decay applies.
		assert.LessOrEqual(t, drop, SOHDecrement+1e-9, "tick %d", k)
		assert.GreaterOrEqual(t, drop, 0.0, "tick %d", k)
	}
	assert.Positive(t, onsets, "expected at least one capacity loss episode")
}
