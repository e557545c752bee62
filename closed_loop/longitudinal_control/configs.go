package control

import (
	"fmt"
	"math"
)

// CACCConfig holds the CACC control law parameters. Values are fixed at
// construction and never mutated by the controller.
type CACCConfig struct {
	TimestepS      float64 `json:"timestep_s" yaml:"timestep_s"`
	GapGain        float64 `json:"gap_gain" yaml:"gap_gain"`
	SpeedGain      float64 `json:"speed_gain" yaml:"speed_gain"`
	DerivativeGain float64 `json:"derivative_gain" yaml:"derivative_gain"`

	// Spacing policy
	TimeHeadwayS float64 `json:"time_headway_s" yaml:"time_headway_s"`
	MinimumGapM  float64 `json:"minimum_gap_m" yaml:"minimum_gap_m"`

	// Vehicle envelope (m/s²), MaxDecelMPS2 is negative
	MaxAccelMPS2 float64 `json:"max_accel_mps2" yaml:"max_accel_mps2"`
	MaxDecelMPS2 float64 `json:"max_decel_mps2" yaml:"max_decel_mps2"`

	// Actuator conversion and limits
	TorquePerAccel    float64 `json:"torque_per_accel" yaml:"torque_per_accel"` // Nm per m/s²
	MaxTorqueNm       float64 `json:"max_torque_nm" yaml:"max_torque_nm"`
	MaxBrakeDecelMPS2 float64 `json:"max_brake_decel_mps2" yaml:"max_brake_decel_mps2"`

	// DropInvalidLead treats a lead track with a non-finite position or
	// velocity as absent. Off by default.
	DropInvalidLead bool `json:"drop_invalid_lead,omitempty" yaml:"drop_invalid_lead,omitempty"`
}

// DefaultCACCConfig returns the tuned 50 Hz parameter set.
func DefaultCACCConfig() CACCConfig {
	return CACCConfig{
		TimestepS:         0.02,
		GapGain:           0.4,
		SpeedGain:         1.5,
		DerivativeGain:    0.05,
		TimeHeadwayS:      1.5,
		MinimumGapM:       8.0,
		MaxAccelMPS2:      2.5,
		MaxDecelMPS2:      -6.0,
		TorquePerAccel:    300.0,
		MaxTorqueNm:       4500.0,
		MaxBrakeDecelMPS2: 8.0,
	}
}

// Validate reports configuration errors. The control law itself never
// calls it; loaders and harnesses do.
func (c CACCConfig) Validate() error {
	if !(c.TimestepS > 0) || math.IsInf(c.TimestepS, 0) {
		return fmt.Errorf("invalid timestep_s: %v", c.TimestepS)
	}
	if !(c.MaxDecelMPS2 < 0 && c.MaxAccelMPS2 > 0) {
		return fmt.Errorf("envelope must satisfy max_decel < 0 < max_accel (got %v, %v)",
			c.MaxDecelMPS2, c.MaxAccelMPS2)
	}
	nonNegative := map[string]float64{
		"gap_gain":             c.GapGain,
		"speed_gain":           c.SpeedGain,
		"derivative_gain":      c.DerivativeGain,
		"time_headway_s":       c.TimeHeadwayS,
		"minimum_gap_m":        c.MinimumGapM,
		"torque_per_accel":     c.TorquePerAccel,
		"max_torque_nm":        c.MaxTorqueNm,
		"max_brake_decel_mps2": c.MaxBrakeDecelMPS2,
	}
	for name, v := range nonNegative {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s: %v", name, v)
		}
	}
	if math.IsInf(c.MaxDecelMPS2, 0) || math.IsInf(c.MaxAccelMPS2, 0) {
		return fmt.Errorf("envelope limits must be finite")
	}
	return nil
}
