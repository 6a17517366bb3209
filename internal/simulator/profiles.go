package simulator

import (
	"math"
	"math/rand/v2"
	"time"

	"battery-fault-monitor/internal/models"
)

// Profile holds the Gaussian signal parameters of one driving mode.
type Profile struct {
	VoltageMean, VoltageStd float64
	TempMean, TempStd       float64
	EfficiencyMean          float64
	EfficiencyStd           float64
}

// Profiles are the per-mode signal baselines. Braking sits high on voltage
// because of regenerative charging.
var Profiles = map[models.DrivingMode]Profile{
	models.ModeIdle:         {3.75, 0.05, 28.0, 2.0, 90.0, 1.0},
	models.ModeAccelerating: {3.50, 0.15, 35.0, 3.0, 85.0, 2.0},
	models.ModeCruising:     {3.70, 0.08, 32.0, 2.5, 92.0, 1.5},
	models.ModeBraking:      {4.00, 0.10, 30.0, 2.0, 95.0, 1.0},
	models.ModeUphill:       {3.40, 0.20, 40.0, 4.0, 80.0, 3.0},
	models.ModeDownhill:     {3.90, 0.12, 30.0, 2.5, 93.0, 1.5},
}

// Physical clamps applied to every generated sample.
const (
	MinCellVoltage   = 2.8
	MaxCellVoltage   = 4.3
	MinCellMinTemp   = -15.0
	MaxCellMinTemp   = 65.0
	MinCellMaxTemp   = -10.0
	MaxCellMaxTemp   = 75.0
	MinEfficiency    = 40.0
	MaxEfficiency    = 99.0
	minImbalanceTemp = 10.0
)

// GenerateSample synthesizes one reading for a bus in the given mode, state
// of health and fault condition. Lower SOH means lower voltage, hotter cells
// and worse efficiency; an active fault overrides the affected signals.
func GenerateSample(rng *rand.Rand, busID string, now time.Time, mode models.DrivingMode, soh float64, fault models.FaultType) models.TelemetrySample {
	p, ok := Profiles[mode]
	if !ok {
		p = Profiles[models.ModeIdle]
	}

	wear := (100.0 - soh) / 100.0
	sohVoltage := wear * 0.3
	sohTemp := wear * 10.0
	sohEfficiency := wear * 15.0

	voltage := round(gauss(rng, p.VoltageMean-sohVoltage, p.VoltageStd*(1+sohVoltage)), 2)

	spread := uniform(rng, 1.0, 3.0) * (1 + wear*0.5)
	tempStd := p.TempStd * (1 + sohTemp/5)
	minTemp := round(gauss(rng, p.TempMean+sohTemp-spread/2, tempStd), 1)
	maxTemp := round(gauss(rng, p.TempMean+sohTemp+spread/2, tempStd), 1)

	efficiency := round(gauss(rng, p.EfficiencyMean-sohEfficiency, p.EfficiencyStd*(1+sohEfficiency/10)), 1)

	switch fault {
	case models.FaultVoltageDrop:
		voltage = round(uniform(rng, 3.0, 3.3), 2)
		efficiency = round(uniform(rng, 70.0, 78.0), 1)
	case models.FaultOverheat:
		minTemp = round(uniform(rng, 45.0, 55.0), 1)
		maxTemp = round(uniform(rng, 50.0, 65.0), 1)
	case models.FaultEfficiencyLoss:
		efficiency = round(uniform(rng, 60.0, 75.0), 1)
		voltage = round(uniform(rng, voltage-0.2, voltage-0.1), 2)
	case models.FaultCellImbalance:
		voltage = round(uniform(rng, voltage-0.1, voltage+0.1), 2)
		minTemp = round(uniform(rng, 20.0, 30.0), 1)
		maxTemp = round(uniform(rng, 35.0, 45.0), 1)
		if math.Abs(maxTemp-minTemp) < minImbalanceTemp {
			maxTemp = minTemp + uniform(rng, 10, 15)
		}
	case models.FaultCapacityLoss:
		efficiency = round(uniform(rng, 55.0, 65.0), 1)
		voltage = round(uniform(rng, 3.2, 3.5), 2)
	}

	voltage = clamp(voltage, MinCellVoltage, MaxCellVoltage)
	minTemp = clamp(minTemp, MinCellMinTemp, MaxCellMinTemp)
	maxTemp = clamp(maxTemp, MinCellMaxTemp, MaxCellMaxTemp)
	if minTemp > maxTemp {
		minTemp, maxTemp = maxTemp, minTemp
	}
	efficiency = clamp(efficiency, MinEfficiency, MaxEfficiency)

	return models.TelemetrySample{
		Timestamp:          now.UTC(),
		BusID:              busID,
		CellVoltage:        voltage,
		CellMinTemp:        minTemp,
		CellMaxTemp:        maxTemp,
		EnergyEfficiency:   efficiency,
		CurrentDrivingMode: mode,
		BatterySOH:         round(soh, 2),
		CurrentFaultType:   fault,
	}
}

func gauss(rng *rand.Rand, mean, std float64) float64 {
	return mean + rng.NormFloat64()*std
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
