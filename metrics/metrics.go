// Package metrics evaluates closed-loop traces against the following
// distance (FDCW-1) and steady-state speed error (FDCW-2) requirements.
package metrics

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	control "cacc-core/closed_loop/longitudinal_control"
)

var log = logrus.WithField("module", "metrics")

const (
	// DefaultSkipRows drops the setup rows at the start of a trace.
	DefaultSkipRows = 10

	MaxSpeedErrorPct   = 10.0
	SteadyAccelMPS2    = 0.5
	MinDesiredSpeedMPS = 1.0
	speedErrorEpsilon  = 1e-6
)

// Sample is one row of a closed-loop trace. Positions are absolute along
// the road.
type Sample struct {
	Time       float64
	EgoX       float64
	EgoSpeed   float64
	SetSpeed   float64
	LeadExists bool
	LeadX      float64
	LeadSpeed  float64
}

// Status is the outcome of one requirement check.
type Status string

const (
	Passed  Status = "PASS"
	Failed  Status = "FAIL"
	Skipped Status = "SKIP"
)

// Result describes a requirement check and, on failure, its worst sample.
type Result struct {
	Requirement string
	Status      Status
	Message     string

	WorstTime float64
	// FDCW-1
	WorstGap     float64
	AllowedGap   float64
	LeadSpeedMPH float64
	// FDCW-2
	MaxErrorPct   float64
	DesiredSpeed  float64
	ActualSpeed   float64
	SteadySamples int
}

func (r Result) Passed() bool { return r.Status != Failed }

func (r Result) String() string {
	return fmt.Sprintf("%s %s: %s", r.Requirement, r.Status, r.Message)
}

// CheckMinimumFollowingDistance verifies that after the first skip rows the
// gap to the lead never drops below 2.8·mph^0.45 + 8 at the lead's speed.
// Rows without a lead are not checked. The largest shortfall is reported.
func CheckMinimumFollowingDistance(samples []Sample, skip int) Result {
	res := Result{Requirement: "FDCW-1"}
	rows := tail(samples, skip)

	checked := 0
	worstShortfall := math.Inf(-1)
	for _, s := range rows {
		if !s.LeadExists {
			continue
		}
		checked++
		gap := s.LeadX - s.EgoX
		mph := control.LeadSpeedMph(s.LeadSpeed)
		allowed := control.FDCWCurve(s.LeadSpeed)
		if !(gap < allowed) {
			continue
		}
		if short := allowed - gap; short > worstShortfall {
			worstShortfall = short
			res.WorstTime = s.Time
			res.WorstGap = gap
			res.AllowedGap = allowed
			res.LeadSpeedMPH = mph
		}
	}

	switch {
	case checked == 0:
		res.Status = Skipped
		res.Message = "no samples with a lead vehicle"
	case math.IsInf(worstShortfall, -1):
		res.Status = Passed
		res.Message = fmt.Sprintf("all %d following distances >= minimum allowed distance", checked)
	default:
		res.Status = Failed
		res.Message = fmt.Sprintf("at time %.2fs following distance was %.2fm but minimum allowed was %.2fm (lead speed: %.2f mph)",
			res.WorstTime, res.WorstGap, res.AllowedGap, res.LeadSpeedMPH)
	}
	return res
}

// CheckSpeedError verifies the relative speed error stays within 10 % in
// steady state: the second half of the trace after skip rows, where the
// ego acceleration magnitude is below 0.5 m/s² and the desired speed above
// 1 m/s. Desired speed is the lead speed when a lead exists, otherwise the
// set speed.
func CheckSpeedError(samples []Sample, skip int) Result {
	res := Result{Requirement: "FDCW-2"}
	skip = max(skip, 0)
	rows := tail(samples, skip)
	if len(rows) < 2 {
		res.Status = Skipped
		res.Message = "trace too short"
		return res
	}

	dts := make([]float64, len(rows)-1)
	for i := range dts {
		dts[i] = rows[i+1].Time - rows[i].Time
	}
	dt := stat.Mean(dts, nil)

	// The half-way cut compares untrimmed row numbers against the trimmed
	// length.
	half := float64(len(rows)) * 0.5
	errs := make([]float64, 0, len(rows))
	var steady []Sample
	for k := 1; k < len(rows); k++ {
		s := rows[k]
		if float64(skip+k) < half {
			continue
		}
		accel := (s.EgoSpeed - rows[k-1].EgoSpeed) / dt
		desired := DesiredSpeed(s)
		if !(math.Abs(accel) < SteadyAccelMPS2) || !(desired > MinDesiredSpeedMPS) {
			continue
		}
		errs = append(errs, math.Abs(desired-s.EgoSpeed)/(desired+speedErrorEpsilon)*100)
		steady = append(steady, s)
	}

	res.SteadySamples = len(steady)
	if len(steady) == 0 {
		res.Status = Skipped
		res.Message = "no steady state periods meeting criteria"
		return res
	}

	worst := floats.MaxIdx(errs)
	res.MaxErrorPct = errs[worst]
	res.WorstTime = steady[worst].Time
	res.DesiredSpeed = DesiredSpeed(steady[worst])
	res.ActualSpeed = steady[worst].EgoSpeed

	if res.MaxErrorPct > MaxSpeedErrorPct {
		res.Status = Failed
		res.Message = fmt.Sprintf("at time %.2fs speed error was %.2f%% (desired: %.2f m/s, actual: %.2f m/s)",
			res.WorstTime, res.MaxErrorPct, res.DesiredSpeed, res.ActualSpeed)
	} else {
		res.Status = Passed
		res.Message = fmt.Sprintf("maximum steady state speed error %.2f%% (limit: %.0f%%)", res.MaxErrorPct, MaxSpeedErrorPct)
	}
	return res
}

// DesiredSpeed is the speed the ego is expected to hold at s.
func DesiredSpeed(s Sample) float64 {
	if s.LeadExists {
		return s.LeadSpeed
	}
	return s.SetSpeed
}

// RMSJerk is the root mean square of the second derivative of speed,
// sampled at dt. Fewer than three samples yield 0.
func RMSJerk(speeds []float64, dt float64) float64 {
	if len(speeds) < 3 || dt <= 0 {
		return 0
	}
	accel := make([]float64, len(speeds)-1)
	floats.SubTo(accel, speeds[1:], speeds[:len(speeds)-1])
	floats.Scale(1/dt, accel)

	jerk := make([]float64, len(accel)-1)
	floats.SubTo(jerk, accel[1:], accel[:len(accel)-1])
	floats.Scale(1/dt, jerk)

	return math.Sqrt(floats.Dot(jerk, jerk) / float64(len(jerk)))
}

// Report bundles every requirement check for one trace.
type Report struct {
	FollowingDistance Result
	SpeedError        Result
	RMSJerk           float64
}

// Evaluate runs all checks over a trace sampled at dt.
func Evaluate(samples []Sample, skip int, dt float64) Report {
	rows := tail(samples, skip)
	r := Report{
		FollowingDistance: CheckMinimumFollowingDistance(samples, skip),
		SpeedError:        CheckSpeedError(samples, skip),
		RMSJerk:           RMSJerk(lo.Map(rows, func(s Sample, _ int) float64 { return s.EgoSpeed }), dt),
	}
	log.WithFields(logrus.Fields{
		"fdcw1":    r.FollowingDistance.Status,
		"fdcw2":    r.SpeedError.Status,
		"rms_jerk": r.RMSJerk,
	}).Debug("trace evaluated")
	return r
}

// Passed reports whether no requirement failed. Skipped checks count as
// passing.
func (r Report) Passed() bool {
	return r.FollowingDistance.Passed() && r.SpeedError.Passed()
}

func tail(samples []Sample, skip int) []Sample {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(samples) {
		return nil
	}
	return samples[skip:]
}
