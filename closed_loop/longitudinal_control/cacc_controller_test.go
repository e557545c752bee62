package control_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "cacc-core/closed_loop/longitudinal_control"
)

const tol = 1e-9

func TestInvalidEgoSpeedActsAsZero(t *testing.T) {
	inputs := []control.StepInput{
		{SetSpeed: 25},
		{SetSpeed: 25, LeadExists: true, LeadRelativePosition: 30, LeadRelativeVelocity: 12},
		{SetSpeed: 25, LeadExists: true, LeadRelativePosition: 4, LeadRelativeVelocity: 3},
	}
	for _, bad := range []float64{-0.1, -30, math.NaN(), math.Inf(-1)} {
		for _, in := range inputs {
			ref := control.NewCACCController(control.DefaultCACCConfig())
			zero := in
			zero.EgoSpeed = 0
			want := ref.Step(zero)

			c := control.NewCACCController(control.DefaultCACCConfig())
			in.EgoSpeed = bad
			got := c.Step(in)

			assert.Equal(t, want, got, "ego=%v", bad)
			assert.Equal(t, 0.0, c.GetDiagnostics().EgoSpeed)
		}
	}
}

func TestNoLeadFirstStepLiteral(t *testing.T) {
	c := control.NewCACCController(control.DefaultCACCConfig())

	// raw = 1.5·(30−20) = 15, derivative = 15/0.02 = 750,
	// smoothed = 15 + 0.05·750 = 52.5, clamped to 2.5 → 2.5·300 Nm.
	out := c.Step(control.StepInput{SetSpeed: 30, EgoSpeed: 20})
	assert.Equal(t, control.RegimeSetSpeed, out.Regime)
	assert.InDelta(t, 750.0, out.TorqueNm, tol)
	assert.Equal(t, 0.0, out.BrakeMPS2)
	assert.Equal(t, 2.5, out.AccelCmd)

	d := c.GetDiagnostics()
	assert.InDelta(t, 15.0, d.RawAccel, tol)
	assert.InDelta(t, 52.5, d.SmoothedAccel, tol)
	assert.InDelta(t, 52.5, c.PreviousAcceleration(), tol)

	// Second identical step: derivative = (15−52.5)/0.02 = −1875,
	// smoothed = 15 − 93.75 = −78.75, clamped to −6 → brake 6.
	out = c.Step(control.StepInput{SetSpeed: 30, EgoSpeed: 20})
	assert.Equal(t, 0.0, out.TorqueNm)
	assert.InDelta(t, 6.0, out.BrakeMPS2, tol)
	assert.InDelta(t, -78.75, c.PreviousAcceleration(), 1e-6)
}

func TestGapClosingLiteral(t *testing.T) {
	c := control.NewCACCController(control.DefaultCACCConfig())

	// Stationary lead 5 m ahead: FDCW floor is 8 m, gapError = −3,
	// raw = 0.4·−3 = −1.2, smoothed = −1.2 + 0.05·(−1.2/0.02) = −4.2.
	out := c.Step(control.StepInput{LeadExists: true, LeadRelativePosition: 5})
	assert.Equal(t, control.RegimeGapClosing, out.Regime)
	assert.Equal(t, 0.0, out.TorqueNm)
	assert.InDelta(t, 4.2, out.BrakeMPS2, tol)

	d := c.GetDiagnostics()
	assert.InDelta(t, 8.0, d.DesiredGap, tol)
	assert.InDelta(t, -3.0, d.GapError, tol)
}

func TestRegimeSwitchAtDesiredGap(t *testing.T) {
	cfg := control.DefaultCACCConfig()
	ego, lead := 10.0, 20.0
	desired := control.DesiredGap(cfg, ego, lead)

	c := control.NewCACCController(cfg)
	out := c.Step(control.StepInput{
		EgoSpeed: ego, LeadExists: true,
		LeadRelativePosition: desired, LeadRelativeVelocity: lead,
	})
	assert.Equal(t, control.RegimeSpeedTracking, out.Regime)
	assert.Equal(t, 0.0, c.GetDiagnostics().GapError)
	assert.InDelta(t, 1.5*(lead-ego), c.GetDiagnostics().RawAccel, tol)

	c = control.NewCACCController(cfg)
	out = c.Step(control.StepInput{
		EgoSpeed: ego, LeadExists: true,
		LeadRelativePosition: math.Nextafter(desired, 0), LeadRelativeVelocity: lead,
	})
	assert.Equal(t, control.RegimeGapClosing, out.Regime)
	assert.Less(t, c.GetDiagnostics().RawAccel, 0.0)
}

func TestFDCWFloorDominatesAtHighLeadSpeed(t *testing.T) {
	cfg := control.DefaultCACCConfig()
	ego, lead := 0.0, 40.0

	linear := ego*cfg.TimeHeadwayS + cfg.MinimumGapM
	floor := control.FDCWMinimumGap(lead, cfg.MinimumGapM)
	require.Greater(t, floor, linear)
	assert.InDelta(t, 2.8*math.Pow(40*2.237, 0.45)+8, floor, tol)
	assert.Equal(t, floor, control.DesiredGap(cfg, ego, lead))

	c := control.NewCACCController(cfg)
	c.Step(control.StepInput{EgoSpeed: ego, LeadExists: true, LeadRelativePosition: 20, LeadRelativeVelocity: lead})
	d := c.GetDiagnostics()
	assert.Equal(t, floor, d.DesiredGap)
	assert.Equal(t, control.RegimeGapClosing, d.Regime)
}

func TestFDCWFloorRespectsMinimumGap(t *testing.T) {
	assert.Equal(t, 8.0, control.FDCWMinimumGap(0, 8))
	assert.Equal(t, 12.0, control.FDCWMinimumGap(0.5, 12))
	assert.Greater(t, control.FDCWMinimumGap(10, 8), 8.0)
}

func TestNegativeLeadSpeedFallsToSpeedTracking(t *testing.T) {
	c := control.NewCACCController(control.DefaultCACCConfig())
	out := c.Step(control.StepInput{LeadExists: true, LeadRelativePosition: 1, LeadRelativeVelocity: -1})

	d := c.GetDiagnostics()
	assert.True(t, math.IsNaN(d.DesiredGap))
	assert.Equal(t, control.RegimeSpeedTracking, out.Regime)
	// raw = 1.5·(−1) = −1.5, smoothed = −1.5 + 0.05·(−75) = −5.25
	assert.InDelta(t, 5.25, out.BrakeMPS2, tol)
}

func TestOutputsExclusiveAndClamped(t *testing.T) {
	cfgs := map[string]control.CACCConfig{
		"default": control.DefaultCACCConfig(),
		"wide": func() control.CACCConfig {
			cfg := control.DefaultCACCConfig()
			cfg.TorquePerAccel = 3000
			cfg.MaxDecelMPS2 = -12
			return cfg
		}(),
	}
	for name, cfg := range cfgs {
		t.Run(name, func(t *testing.T) {
			c := control.NewCACCController(cfg)
			sawTorqueLimit, sawBrakeLimit := false, false
			for _, set := range []float64{0, 15, 35} {
				for _, ego := range []float64{-2, 0, 8, 22, 40} {
					for _, pos := range []float64{0, 6, 25, 80} {
						for _, vel := range []float64{0, 5, 20, 45} {
							for _, lead := range []bool{false, true} {
								out := c.Step(control.StepInput{
									SetSpeed: set, EgoSpeed: ego, LeadExists: lead,
									LeadRelativePosition: pos, LeadRelativeVelocity: vel,
								})
								assert.True(t, out.TorqueNm == 0 || out.BrakeMPS2 == 0)
								assert.GreaterOrEqual(t, out.TorqueNm, 0.0)
								assert.LessOrEqual(t, out.TorqueNm, 4500.0)
								assert.GreaterOrEqual(t, out.BrakeMPS2, 0.0)
								assert.LessOrEqual(t, out.BrakeMPS2, 8.0)
								assert.GreaterOrEqual(t, out.AccelCmd, cfg.MaxDecelMPS2)
								assert.LessOrEqual(t, out.AccelCmd, cfg.MaxAccelMPS2)
								sawTorqueLimit = sawTorqueLimit || out.TorqueNm == 4500
								sawBrakeLimit = sawBrakeLimit || out.BrakeMPS2 == 8
							}
						}
					}
				}
			}
			if name == "wide" {
				assert.True(t, sawTorqueLimit)
				assert.True(t, sawBrakeLimit)
			}
		})
	}
}

func TestDeterministicSequences(t *testing.T) {
	seq := []control.StepInput{
		{SetSpeed: 30, EgoSpeed: 0},
		{SetSpeed: 30, EgoSpeed: 0.05},
		{SetSpeed: 30, EgoSpeed: 0.1, LeadExists: true, LeadRelativePosition: 40, LeadRelativeVelocity: 15},
		{SetSpeed: 30, EgoSpeed: 0.2, LeadExists: true, LeadRelativePosition: 12, LeadRelativeVelocity: 15},
		{SetSpeed: 30, EgoSpeed: math.NaN()},
		{SetSpeed: 30, EgoSpeed: 5, LeadExists: true, LeadRelativePosition: 9, LeadRelativeVelocity: 2},
	}
	run := func() []control.ControlOutput {
		c := control.NewCACCController(control.DefaultCACCConfig())
		outs := make([]control.ControlOutput, 0, len(seq))
		for _, in := range seq {
			outs = append(outs, c.Step(in))
		}
		return outs
	}
	a, b := run(), run()
	require.Len(t, a, len(seq))
	for i := range a {
		assert.Equal(t, math.Float64bits(a[i].TorqueNm), math.Float64bits(b[i].TorqueNm))
		assert.Equal(t, math.Float64bits(a[i].BrakeMPS2), math.Float64bits(b[i].BrakeMPS2))
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	c := control.NewCACCController(control.DefaultCACCConfig())
	in := control.StepInput{SetSpeed: 30, EgoSpeed: 20}

	first := c.Step(in)
	c.Step(in)
	require.NotEqual(t, 0.0, c.PreviousAcceleration())

	c.Reset()
	assert.Equal(t, 0.0, c.PreviousAcceleration())
	assert.Equal(t, uint64(0), c.GetDiagnostics().StepsSinceReset)
	assert.Equal(t, first, c.Step(in))
	assert.Equal(t, uint64(1), c.GetDiagnostics().StepsSinceReset)
}

func TestLateralInputsIgnored(t *testing.T) {
	base := control.StepInput{EgoSpeed: 12, LeadExists: true, LeadRelativePosition: 20, LeadRelativeVelocity: 14}
	a := control.NewCACCController(control.DefaultCACCConfig()).Step(base)

	moved := base
	moved.LeadLateralPosition = 3.4
	moved.LeadLateralVelocity = -1.1
	b := control.NewCACCController(control.DefaultCACCConfig()).Step(moved)
	assert.Equal(t, a, b)
}

func TestControllerStepMatchesStep(t *testing.T) {
	a := control.NewCACCController(control.DefaultCACCConfig())
	b := control.NewCACCController(control.DefaultCACCConfig())

	for _, in := range []control.StepInput{
		{SetSpeed: 20, EgoSpeed: 3},
		{SetSpeed: 20, EgoSpeed: 4, LeadExists: true, LeadRelativePosition: 7, LeadRelativeVelocity: 1},
	} {
		out := a.Step(in)
		torque, brake := b.ControllerStep(in.SetSpeed, in.EgoSpeed, in.LeadExists,
			in.LeadRelativePosition, in.LeadRelativeVelocity, 0, 0)
		assert.Equal(t, out.TorqueNm, torque)
		assert.Equal(t, out.BrakeMPS2, brake)
	}
}

func TestDropInvalidLead(t *testing.T) {
	in := control.StepInput{SetSpeed: 20, EgoSpeed: 10, LeadExists: true,
		LeadRelativePosition: math.NaN(), LeadRelativeVelocity: 10}

	faithful := control.NewCACCController(control.DefaultCACCConfig())
	assert.Equal(t, control.RegimeSpeedTracking, faithful.Step(in).Regime)

	cfg := control.DefaultCACCConfig()
	cfg.DropInvalidLead = true
	dropping := control.NewCACCController(cfg)
	assert.Equal(t, control.RegimeSetSpeed, dropping.Step(in).Regime)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, control.DefaultCACCConfig().Validate())

	cases := map[string]func(*control.CACCConfig){
		"zero timestep":     func(c *control.CACCConfig) { c.TimestepS = 0 },
		"positive decel":    func(c *control.CACCConfig) { c.MaxDecelMPS2 = 1 },
		"negative gap gain": func(c *control.CACCConfig) { c.GapGain = -0.1 },
		"nan torque limit":  func(c *control.CACCConfig) { c.MaxTorqueNm = math.NaN() },
		"infinite accel":    func(c *control.CACCConfig) { c.MaxAccelMPS2 = math.Inf(1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := control.DefaultCACCConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetControlModeStr(t *testing.T) {
	assert.Equal(t, "[ACCEL]", control.GetControlModeStr(control.ControlOutput{TorqueNm: 10, IsAccel: true}))
	assert.Equal(t, "[BRAKE]", control.GetControlModeStr(control.ControlOutput{BrakeMPS2: 1, IsBrake: true}))
	assert.Equal(t, "[COAST]", control.GetControlModeStr(control.ControlOutput{IsAccel: true}))
}
