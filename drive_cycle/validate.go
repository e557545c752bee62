package drivecycle

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// steadyAccelMPS2 bounds the acceleration magnitude counted as steady driving.
const steadyAccelMPS2 = 0.5

// Stats summarises a cycle for a quick sanity check before use.
type Stats struct {
	DurationS      float64 `json:"duration_s"`
	MaxSpeedMPS    float64 `json:"max_speed_mps"`
	MaxSpeedMPH    float64 `json:"max_speed_mph"`
	MinSpeedMPS    float64 `json:"min_speed_mps"`
	AvgSpeedMPS    float64 `json:"avg_speed_mps"`
	MaxAccelMPS2   float64 `json:"max_accel_mps2"`
	MaxDecelMPS2   float64 `json:"max_decel_mps2"`
	SteadyStatePct float64 `json:"steady_state_pct"`
}

// Validate computes cycle statistics. Acceleration uses central differences
// in the interior and one-sided differences at the ends.
func (c Cycle) Validate() (Stats, error) {
	if len(c.Time) < 2 || len(c.Time) != len(c.Speed) {
		return Stats{}, fmt.Errorf("cycle needs at least 2 matching samples (time %d, speed %d)", len(c.Time), len(c.Speed))
	}

	diffs := make([]float64, len(c.Time)-1)
	for i := range diffs {
		diffs[i] = c.Time[i+1] - c.Time[i]
	}
	dt := stat.Mean(diffs, nil)
	if dt <= 0 || math.IsNaN(dt) {
		return Stats{}, fmt.Errorf("non-increasing time axis")
	}

	accel := c.Acceleration(dt)
	steady := lo.CountBy(accel, func(a float64) bool { return math.Abs(a) < steadyAccelMPS2 })

	maxSpeed := floats.Max(c.Speed)
	s := Stats{
		DurationS:      c.Duration(),
		MaxSpeedMPS:    maxSpeed,
		MaxSpeedMPH:    maxSpeed * 2.237,
		MinSpeedMPS:    floats.Min(c.Speed),
		AvgSpeedMPS:    stat.Mean(c.Speed, nil),
		MaxAccelMPS2:   floats.Max(accel),
		MaxDecelMPS2:   floats.Min(accel),
		SteadyStatePct: float64(steady) / float64(len(accel)) * 100,
	}
	log.Debugf("validated cycle: %d samples, max %.2f m/s, max accel %.2f m/s²", len(c.Time), s.MaxSpeedMPS, s.MaxAccelMPS2)
	return s, nil
}

// Acceleration differentiates the speed trace with sample spacing dt.
func (c Cycle) Acceleration(dt float64) []float64 {
	return gradient(c.Speed, dt)
}

func gradient(y []float64, dx float64) []float64 {
	n := len(y)
	g := make([]float64, n)
	if n < 2 {
		return g
	}
	g[0] = (y[1] - y[0]) / dx
	g[n-1] = (y[n-1] - y[n-2]) / dx
	for i := 1; i < n-1; i++ {
		g[i] = (y[i+1] - y[i-1]) / (2 * dx)
	}
	return g
}
