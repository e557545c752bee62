package control

import (
	"math"
	"sync"
)

// StepInput is the per-step sensor snapshot handed to the controller.
// Lead fields are only meaningful when LeadExists is set.
type StepInput struct {
	SetSpeed   float64 // m/s
	EgoSpeed   float64 // m/s; negative or NaN is treated as 0
	LeadExists bool

	LeadRelativePosition float64 // m, longitudinal distance to the lead
	// LeadRelativeVelocity is used as the lead's absolute speed (m/s) in both
	// the spacing floor and the speed-tracking law, with no ego-frame offset.
	LeadRelativeVelocity float64

	// Lateral lead state is accepted but unused.
	LeadLateralPosition float64
	LeadLateralVelocity float64
}

// CACCDiagnostics captures the intermediate values of the last step.
type CACCDiagnostics struct {
	Regime          Regime
	EgoSpeed        float64 // after sanitising
	FDCWMinGap      float64 // NaN unless a lead was present
	DesiredGap      float64 // NaN unless a lead was present
	GapError        float64 // NaN unless a lead was present
	RawAccel        float64
	SmoothedAccel   float64
	ClampedAccel    float64
	StepsSinceReset uint64
}

// CACCController implements the cooperative adaptive cruise control
// longitudinal law: a gap/speed regime switch followed by derivative
// smoothing on the commanded acceleration and a sign-split conversion into
// torque or brake.
//
// The only persisted state is the previous post-smoothing acceleration.
type CACCController struct {
	cfg CACCConfig

	mu        sync.Mutex
	prevAccel float64
	diag      CACCDiagnostics
}

// NewCACCController creates a controller with its filter state seeded to 0.
// The configuration is not validated here.
func NewCACCController(cfg CACCConfig) *CACCController {
	return &CACCController{
		cfg:  cfg,
		diag: emptyDiagnostics(),
	}
}

func emptyDiagnostics() CACCDiagnostics {
	return CACCDiagnostics{
		FDCWMinGap: math.NaN(),
		DesiredGap: math.NaN(),
		GapError:   math.NaN(),
	}
}

// Config returns the controller's parameters.
func (c *CACCController) Config() CACCConfig {
	return c.cfg
}

// Reset clears the filter state so a new episode starts from rest.
func (c *CACCController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevAccel = 0.0
	c.diag = emptyDiagnostics()
}

// Step computes one control period.
func (c *CACCController) Step(in StepInput) ControlOutput {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := &c.cfg
	diag := emptyDiagnostics()
	diag.StepsSinceReset = c.diag.StepsSinceReset + 1

	egoSpeed := in.EgoSpeed
	if egoSpeed < 0.0 || math.IsNaN(egoSpeed) {
		egoSpeed = 0.0
	}
	diag.EgoSpeed = egoSpeed

	leadExists := in.LeadExists
	if leadExists && cfg.DropInvalidLead && !leadIsFinite(in) {
		leadExists = false
	}

	var accel float64
	if leadExists {
		diag.FDCWMinGap = FDCWMinimumGap(in.LeadRelativeVelocity, cfg.MinimumGapM)
		diag.DesiredGap = math.Max(diag.FDCWMinGap, egoSpeed*cfg.TimeHeadwayS+cfg.MinimumGapM)
		diag.GapError = in.LeadRelativePosition - diag.DesiredGap

		if diag.GapError < 0.0 {
			diag.Regime = RegimeGapClosing
			accel = cfg.GapGain * diag.GapError
		} else {
			diag.Regime = RegimeSpeedTracking
			accel = cfg.SpeedGain * (in.LeadRelativeVelocity - egoSpeed)
		}
	} else {
		diag.Regime = RegimeSetSpeed
		accel = cfg.SpeedGain * (in.SetSpeed - egoSpeed)
	}
	diag.RawAccel = accel

	// Smoothing acts on the command's own rate of change and the stored value
	// is the smoothed one, so the filter compounds over the whole history.
	derivative := (accel - c.prevAccel) / cfg.TimestepS
	accel += cfg.DerivativeGain * derivative
	c.prevAccel = accel
	diag.SmoothedAccel = accel

	accel = ClampFloat(accel, cfg.MaxDecelMPS2, cfg.MaxAccelMPS2)
	diag.ClampedAccel = accel

	out := c.toActuators(accel)
	out.Regime = diag.Regime
	c.diag = diag
	return out
}

// ControllerStep is the positional form used by simulation harnesses:
// (setSpeed, egoSpeed, leadExists, leadXPos, leadXVel, leadYPos, leadYVel)
// in, (torque Nm, brake m/s²) out.
func (c *CACCController) ControllerStep(
	setSpeed, egoSpeed float64,
	leadExists bool,
	leadXPos, leadXVel, leadYPos, leadYVel float64,
) (torqueNm, brakeMPS2 float64) {
	out := c.Step(StepInput{
		SetSpeed:             setSpeed,
		EgoSpeed:             egoSpeed,
		LeadExists:           leadExists,
		LeadRelativePosition: leadXPos,
		LeadRelativeVelocity: leadXVel,
		LeadLateralPosition:  leadYPos,
		LeadLateralVelocity:  leadYVel,
	})
	return out.TorqueNm, out.BrakeMPS2
}

// toActuators splits the acceleration by sign: non-negative drives the motor,
// negative requests brake deceleration. There is no deadband at zero.
func (c *CACCController) toActuators(accel float64) ControlOutput {
	var output ControlOutput
	output.AccelCmd = accel

	if accel >= 0 {
		output.TorqueNm = accel * c.cfg.TorquePerAccel
		output.BrakeMPS2 = 0.0
		output.IsAccel = true
	} else {
		output.TorqueNm = 0.0
		output.BrakeMPS2 = -accel
		output.IsBrake = true
	}

	output.TorqueNm = ClampFloat(output.TorqueNm, 0, c.cfg.MaxTorqueNm)
	output.BrakeMPS2 = ClampFloat(output.BrakeMPS2, 0, c.cfg.MaxBrakeDecelMPS2)
	return output
}

func leadIsFinite(in StepInput) bool {
	for _, v := range []float64{in.LeadRelativePosition, in.LeadRelativeVelocity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// GetDiagnostics returns the intermediate values of the most recent step.
func (c *CACCController) GetDiagnostics() CACCDiagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag
}

// PreviousAcceleration returns the stored post-smoothing acceleration.
func (c *CACCController) PreviousAcceleration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevAccel
}
