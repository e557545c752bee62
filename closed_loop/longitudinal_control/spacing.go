package control

import "math"

// MphPerMps converts m/s to mph the way the FDCW requirement is written.
const MphPerMps = 2.237

// FDCW closest-following-distance curve: gap = fdcwCoeff·mph^fdcwExponent + fdcwOffsetM.
const (
	fdcwCoeff    = 2.8
	fdcwExponent = 0.45
	fdcwOffsetM  = 8.0
)

// LeadSpeedMph converts a lead speed in m/s to mph.
func LeadSpeedMph(leadSpeedMps float64) float64 {
	return leadSpeedMps * MphPerMps
}

// FDCWCurve returns the closest following distance (m) allowed at the given
// lead speed. A negative lead speed yields NaN.
func FDCWCurve(leadSpeedMps float64) float64 {
	return fdcwCoeff*math.Pow(LeadSpeedMph(leadSpeedMps), fdcwExponent) + fdcwOffsetM
}

// FDCWMinimumGap is the FDCW curve floored at minGap. A NaN curve value is
// returned unchanged.
func FDCWMinimumGap(leadSpeedMps, minGap float64) float64 {
	gap := FDCWCurve(leadSpeedMps)
	if gap < minGap {
		gap = minGap
	}
	return gap
}

// DesiredGap is the larger of the FDCW floor and the constant time-headway
// policy egoSpeed·headway + minGap.
func DesiredGap(cfg CACCConfig, egoSpeed, leadSpeed float64) float64 {
	return math.Max(
		FDCWMinimumGap(leadSpeed, cfg.MinimumGapM),
		egoSpeed*cfg.TimeHeadwayS+cfg.MinimumGapM,
	)
}
