// Package simulator produces synthetic battery telemetry for a fleet of
// buses. Each bus is an independent state machine advanced once per tick.
package simulator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/models"
)

const (
	DefaultTickInterval = 5 * time.Second

	InitialSOH     = 100.0
	SOHFloor       = 50.0
	SOHDecrement   = 0.005
	SOHDecayPeriod = 10 * time.Minute

	BaseFaultChance  = 0.003
	LowSOHThreshold  = 70.0
	LowSOHFaultBonus = 0.002
	UphillFaultBonus = 0.001

	minModeMinutes  = 2
	maxModeMinutes  = 10
	minFaultMinutes = 10
	maxFaultMinutes = 30

	capacityLossMin = 1.0
	capacityLossMax = 2.0
)

// BusState is the mutable per-bus simulation state. FaultActive is true
// exactly when FaultType is not normal.
type BusState struct {
	BatterySOH    float64
	DrivingMode   models.DrivingMode
	FaultActive   bool
	FaultStart    time.Time
	FaultType     models.FaultType
	FaultDuration time.Duration
	ModeChangedAt time.Time
}

// SampleSink receives generated samples, usually the telemetry store.
type SampleSink interface {
	PostSample(ctx context.Context, s models.TelemetrySample) error
}

// Simulator owns the state of every simulated bus.
type Simulator struct {
	busIDs     []string
	states     map[string]*BusState
	rng        *rand.Rand
	tick       time.Duration
	initialSOH float64
	logger     *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand sets the random source; tests pass a seeded one.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// WithTickInterval overrides the 5 second tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithInitialSOH starts every bus at the given state of health.
func WithInitialSOH(soh float64) Option {
	return func(s *Simulator) {
		if soh >= SOHFloor && soh <= InitialSOH {
			s.initialSOH = soh
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// New creates a simulator for busIDs whose clocks start at start.
func New(busIDs []string, start time.Time, opts ...Option) *Simulator {
	s := &Simulator{
		states:     make(map[string]*BusState, len(busIDs)),
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		tick:       DefaultTickInterval,
		initialSOH: InitialSOH,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, id := range busIDs {
		if _, dup := s.states[id]; dup {
			continue
		}
		s.busIDs = append(s.busIDs, id)
		s.states[id] = &BusState{
			BatterySOH:    s.initialSOH,
			DrivingMode:   models.DrivingModes[s.rng.IntN(len(models.DrivingModes))],
			FaultType:     models.FaultNormal,
			FaultDuration: s.drawMinutes(minFaultMinutes, maxFaultMinutes),
			ModeChangedAt: start,
		}
	}
	sort.Strings(s.busIDs)
	return s
}

// BusIDs returns the simulated buses in sorted order.
func (s *Simulator) BusIDs() []string {
	out := make([]string, len(s.busIDs))
	copy(out, s.busIDs)
	return out
}

// State returns a copy of a bus's current state.
func (s *Simulator) State(busID string) (BusState, bool) {
	st, ok := s.states[busID]
	if !ok {
		return BusState{}, false
	}
	return *st, true
}

// TickInterval returns the configured tick.
func (s *Simulator) TickInterval() time.Duration {
	return s.tick
}

// Tick advances every bus to now and returns one sample per bus.
func (s *Simulator) Tick(now time.Time) []models.TelemetrySample {
	now = now.UTC().Truncate(models.TimestampPrecision)
	out := make([]models.TelemetrySample, 0, len(s.busIDs))
	for _, id := range s.busIDs {
		out = append(out, s.step(id, s.states[id], now))
	}
	metrics.SamplesSimulated.Add(float64(len(out)))
	return out
}

// Generate runs ticks steps on a simulated clock starting at from, spaced
// by the tick interval. Samples are returned in time order.
func (s *Simulator) Generate(from time.Time, ticks int) []models.TelemetrySample {
	out := make([]models.TelemetrySample, 0, ticks*len(s.busIDs))
	for k := 0; k < ticks; k++ {
		out = append(out, s.Tick(from.Add(time.Duration(k)*s.tick))...)
	}
	return out
}

// Run ticks on the wall clock until ctx is cancelled, posting every sample to
// sink. Delivery failures are logged and the loop carries on.
func (s *Simulator) Run(ctx context.Context, sink SampleSink) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		for _, sample := range s.Tick(time.Now().UTC()) {
			if err := sink.PostSample(ctx, sample); err != nil {
				s.logger.Warn("failed to send sample", "bus_id", sample.BusID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Simulator) step(busID string, st *BusState, now time.Time) models.TelemetrySample {
	// Mode transition
	if now.Sub(st.ModeChangedAt) > s.drawMinutes(minModeMinutes, maxModeMinutes) {
		st.DrivingMode = models.DrivingModes[s.rng.IntN(len(models.DrivingModes))]
		st.ModeChangedAt = now
	}

	// SOH decay, roughly once per decay period
	if now.Sub(st.ModeChangedAt)%SOHDecayPeriod < s.tick {
		st.BatterySOH -= SOHDecrement
	}
	if st.BatterySOH < SOHFloor {
		st.BatterySOH = SOHFloor
	}

	if !st.FaultActive && s.rng.Float64() < faultChance(st) {
		st.FaultActive = true
		st.FaultStart = now
		st.FaultType = models.InjectableFaults[s.rng.IntN(len(models.InjectableFaults))]
		st.FaultDuration = s.drawMinutes(minFaultMinutes, maxFaultMinutes)
		if st.FaultType == models.FaultCapacityLoss {
			st.BatterySOH = max(SOHFloor, st.BatterySOH-uniform(s.rng, capacityLossMin, capacityLossMax))
		}
		s.logger.Info("fault episode started",
			"bus_id", busID, "fault_type", st.FaultType.String(), "duration", st.FaultDuration)
	}

	if st.FaultActive && now.Sub(st.FaultStart) > st.FaultDuration {
		st.FaultActive = false
		st.FaultType = models.FaultNormal
		s.logger.Info("fault episode resolved", "bus_id", busID)
	}

	return GenerateSample(s.rng, busID, now, st.DrivingMode, st.BatterySOH, st.FaultType)
}

func faultChance(st *BusState) float64 {
	chance := BaseFaultChance
	if st.BatterySOH < LowSOHThreshold {
		chance += LowSOHFaultBonus
	}
	if st.DrivingMode == models.ModeUphill {
		chance += UphillFaultBonus
	}
	return chance
}

func (s *Simulator) drawMinutes(lo, hi int) time.Duration {
	return time.Duration(lo+s.rng.IntN(hi-lo+1)) * time.Minute
}
