package control

import "github.com/samber/lo"

// Regime identifies which control law produced a step's acceleration.
type Regime int

const (
	// RegimeSetSpeed tracks the driver set speed (no lead vehicle).
	RegimeSetSpeed Regime = iota
	// RegimeGapClosing brakes in proportion to the spacing shortfall.
	RegimeGapClosing
	// RegimeSpeedTracking tracks the lead vehicle's speed.
	RegimeSpeedTracking
)

func (r Regime) String() string {
	switch r {
	case RegimeSetSpeed:
		return "SET_SPEED"
	case RegimeGapClosing:
		return "GAP_CLOSING"
	case RegimeSpeedTracking:
		return "SPEED_TRACKING"
	default:
		return "UNKNOWN"
	}
}

// ControlOutput contains both drive torque and brake commands for one step.
// At most one of TorqueNm and BrakeMPS2 is nonzero.
type ControlOutput struct {
	TorqueNm  float64 // [0, MaxTorqueNm]
	BrakeMPS2 float64 // requested deceleration, [0, MaxBrakeDecelMPS2]
	IsAccel   bool
	IsBrake   bool
	Regime    Regime
	AccelCmd  float64 // envelope-clamped acceleration the commands were derived from
}

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	return lo.Clamp(value, min, max)
}

// BoolToFloat converts bool to float64 (for CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// BoolToInt converts bool to int (for CSV logging)
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetControlModeStr returns a string describing the control mode
func GetControlModeStr(output ControlOutput) string {
	if output.IsAccel && output.TorqueNm > 0 {
		return "[ACCEL]"
	} else if output.IsBrake {
		return "[BRAKE]"
	}
	return "[COAST]"
}
