// Package drivecycle generates, stores and validates lead-vehicle speed
// profiles for exercising the CACC controller in closed loop.
package drivecycle

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

var log = logrus.WithField("module", "drive_cycle")

// Type selects a speed profile shape.
type Type string

const (
	Highway Type = "highway"
	City    Type = "city"
	Mixed   Type = "mixed"
)

// ParseType validates a profile name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Highway, City, Mixed:
		return t, nil
	default:
		return "", fmt.Errorf("unknown drive cycle type %q (want highway, city or mixed)", s)
	}
}

// cityCycleS is the length of one stop-and-go cycle in the city profile.
const cityCycleS = 20.0

// Options configures Generate. Zero fields take the defaults of
// DefaultOptions.
type Options struct {
	DurationS   float64 `json:"duration_s" yaml:"duration_s"`
	DtS         float64 `json:"dt_s" yaml:"dt_s"`
	MaxSpeedMPS float64 `json:"max_speed_mps" yaml:"max_speed_mps"`
	MinSpeedMPS float64 `json:"min_speed_mps" yaml:"min_speed_mps"`
	Type        Type    `json:"type" yaml:"type"`
}

// DefaultOptions is a 100 s mixed profile at 50 Hz between 5 and 30 m/s.
func DefaultOptions() Options {
	return Options{
		DurationS:   100.0,
		DtS:         0.02,
		MaxSpeedMPS: 30.0,
		MinSpeedMPS: 5.0,
		Type:        Mixed,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DurationS == 0 {
		o.DurationS = d.DurationS
	}
	if o.DtS == 0 {
		o.DtS = d.DtS
	}
	if o.MaxSpeedMPS == 0 {
		o.MaxSpeedMPS = d.MaxSpeedMPS
	}
	if o.Type == "" {
		o.Type = d.Type
	}
	return o
}

// Cycle is a sampled speed profile. Time is strictly increasing.
type Cycle struct {
	Time  []float64 // s
	Speed []float64 // m/s
}

// Len returns the number of samples.
func (c Cycle) Len() int { return len(c.Time) }

// Duration is the time between the first and last sample.
func (c Cycle) Duration() float64 {
	if len(c.Time) == 0 {
		return 0
	}
	return c.Time[len(c.Time)-1] - c.Time[0]
}

// SpeedAt linearly interpolates the profile at t, holding the end values
// outside the sampled range.
func (c Cycle) SpeedAt(t float64) float64 {
	n := len(c.Time)
	switch {
	case n == 0:
		return 0
	case t <= c.Time[0]:
		return c.Speed[0]
	case t >= c.Time[n-1]:
		return c.Speed[n-1]
	}
	i := sort.SearchFloat64s(c.Time, t)
	if c.Time[i] == t {
		return c.Speed[i]
	}
	t0, t1 := c.Time[i-1], c.Time[i]
	v0, v1 := c.Speed[i-1], c.Speed[i]
	return v0 + (v1-v0)*(t-t0)/(t1-t0)
}

// Generate builds a profile of the requested type.
func Generate(opts Options) (Cycle, error) {
	opts = opts.withDefaults()
	if opts.DurationS < 0 || opts.DtS < 0 || math.IsNaN(opts.DurationS) || math.IsNaN(opts.DtS) {
		return Cycle{}, fmt.Errorf("duration and dt must be positive (got %v, %v)", opts.DurationS, opts.DtS)
	}
	if opts.MaxSpeedMPS < 0 || opts.MinSpeedMPS < 0 || opts.MinSpeedMPS > opts.MaxSpeedMPS {
		return Cycle{}, fmt.Errorf("invalid speed range [%v, %v]", opts.MinSpeedMPS, opts.MaxSpeedMPS)
	}
	if _, err := ParseType(string(opts.Type)); err != nil {
		return Cycle{}, err
	}

	n := int(math.Ceil(opts.DurationS/opts.DtS - 1e-9))
	time := make([]float64, n)
	for i := range time {
		time[i] = float64(i) * opts.DtS
	}

	var speeds []float64
	switch opts.Type {
	case Highway:
		speeds = highwayProfile(time, opts.MaxSpeedMPS, opts.MinSpeedMPS)
	case City:
		speeds = cityProfile(time, opts.DtS, opts.MaxSpeedMPS)
	default:
		speeds = mixedProfile(time, opts.DtS, opts.MaxSpeedMPS, opts.MinSpeedMPS)
	}
	for i := range speeds {
		speeds[i] = lo.Clamp(speeds[i], 0, opts.MaxSpeedMPS)
	}

	log.Debugf("generated %s cycle: %d samples over %.1fs", opts.Type, n, opts.DurationS)
	return Cycle{Time: time, Speed: speeds}, nil
}

// highwayProfile: ramp to 80 % of max by 20 s, cruise to 40 s, ±5 m/s sine
// to 60 s, hold 70 % to 80 s, then ramp down to min.
func highwayProfile(time []float64, maxSpeed, minSpeed float64) []float64 {
	speeds := make([]float64, len(time))

	fill(speeds, where(time, func(t float64) bool { return t <= 20 }), func(n int) []float64 {
		return linspace(0, maxSpeed*0.8, n)
	})
	setEach(speeds, time, func(t float64) bool { return t > 20 && t <= 40 }, func(float64) float64 {
		return maxSpeed * 0.8
	})
	setEach(speeds, time, func(t float64) bool { return t > 40 && t <= 60 }, func(t float64) float64 {
		return maxSpeed*0.8 + 5*math.Sin(2*math.Pi*(t-40)/20)
	})
	setEach(speeds, time, func(t float64) bool { return t > 60 && t <= 80 }, func(float64) float64 {
		return maxSpeed * 0.7
	})
	fill(speeds, where(time, func(t float64) bool { return t > 80 }), func(n int) []float64 {
		return linspace(maxSpeed*0.7, minSpeed, n)
	})
	return speeds
}

// cityProfile repeats 20 s stop-and-go cycles: 5 s ramp to 60 % of max,
// 5 s cruise, 5 s ramp to rest, 5 s stopped. Only whole cycles that fit the
// sample count are laid down; trailing samples stay at rest.
func cityProfile(time []float64, dt, maxSpeed float64) []float64 {
	speeds := make([]float64, len(time))
	perCycle := int(math.Round(cityCycleS / dt))
	if perCycle <= 0 {
		return speeds
	}
	nCycles := len(time) / perCycle

	for i := 0; i < nCycles; i++ {
		start := i * perCycle
		end := min((i+1)*perCycle, len(time))
		if start >= len(time) {
			break
		}

		seg := speeds[start:end]
		cycleTime := make([]float64, end-start)
		for j := range cycleTime {
			cycleTime[j] = time[start+j] - time[start]
		}

		fill(seg, where(cycleTime, func(t float64) bool { return t <= 5 }), func(n int) []float64 {
			return linspace(0, maxSpeed*0.6, n)
		})
		setEach(seg, cycleTime, func(t float64) bool { return t > 5 && t <= 10 }, func(float64) float64 {
			return maxSpeed * 0.6
		})
		fill(seg, where(cycleTime, func(t float64) bool { return t > 10 && t <= 15 }), func(n int) []float64 {
			return linspace(maxSpeed*0.6, 0, n)
		})
		setEach(seg, cycleTime, func(t float64) bool { return t > 15 }, func(float64) float64 { return 0 })
	}
	return speeds
}

// mixedProfile: city driving (scaled to 70 % of max) for 30 s, ramp to max
// by 50 s, cruise to 70 s, then ramp down to min.
func mixedProfile(time []float64, dt, maxSpeed, minSpeed float64) []float64 {
	speeds := make([]float64, len(time))

	cityIdx := where(time, func(t float64) bool { return t <= 30 })
	if len(cityIdx) > 0 {
		cityTime := lo.Map(cityIdx, func(i int, _ int) float64 { return time[i] })
		city := cityProfile(cityTime, dt, maxSpeed*0.7)
		for k, i := range cityIdx {
			speeds[i] = city[k]
		}
	}
	fill(speeds, where(time, func(t float64) bool { return t > 30 && t <= 50 }), func(n int) []float64 {
		return linspace(0, maxSpeed, n)
	})
	setEach(speeds, time, func(t float64) bool { return t > 50 && t <= 70 }, func(float64) float64 {
		return maxSpeed
	})
	fill(speeds, where(time, func(t float64) bool { return t > 70 }), func(n int) []float64 {
		return linspace(maxSpeed, minSpeed, n)
	})
	return speeds
}

// linspace returns n evenly spaced values from l to u inclusive.
func linspace(l, u float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{l}
	}
	return floats.Span(make([]float64, n), l, u)
}

func where(ts []float64, pred func(t float64) bool) []int {
	var idx []int
	for i, t := range ts {
		if pred(t) {
			idx = append(idx, i)
		}
	}
	return idx
}

func fill(dst []float64, idx []int, values func(n int) []float64) {
	if len(idx) == 0 {
		return
	}
	for k, v := range values(len(idx)) {
		dst[idx[k]] = v
	}
}

func setEach(dst, ts []float64, pred func(t float64) bool, value func(t float64) float64) {
	for i, t := range ts {
		if pred(t) {
			dst[i] = value(t)
		}
	}
}
