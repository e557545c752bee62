package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	control "cacc-core/closed_loop/longitudinal_control"
	drivecycle "cacc-core/drive_cycle"
)

// Scenario defines a closed-loop test: timing, controller tuning, the ego
// and lead vehicles, the plant and a schedule of set-speed segments.
type Scenario struct {
	Meta       ScenarioMeta       `json:"meta" yaml:"meta"`
	Timing     ScenarioTiming     `json:"timing" yaml:"timing"`
	Controller control.CACCConfig `json:"controller" yaml:"controller"`
	Ego        EgoConfig          `json:"ego" yaml:"ego"`
	Lead       *LeadConfig        `json:"lead,omitempty" yaml:"lead,omitempty"`
	Plant      PlantConfig        `json:"plant" yaml:"plant"`
	Segments   []ScenarioSegment  `json:"segments" yaml:"segments"`

	// baseDir resolves relative speed profile paths.
	baseDir string
}

type ScenarioMeta struct {
	Name        string `json:"name" yaml:"name"`
	Version     int    `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
}

// ScenarioTiming drives the simulation clock. The integration step is the
// controller's timestep.
type ScenarioTiming struct {
	DurationS    float64 `json:"duration_s" yaml:"duration_s"`
	LogHz        float64 `json:"log_hz" yaml:"log_hz"` // trace decimation, 0 logs every step
	RealTimeMode bool    `json:"real_time_mode" yaml:"real_time_mode"`
	Episodes     int     `json:"episodes" yaml:"episodes"`
}

type EgoConfig struct {
	InitialSpeedMPS    float64 `json:"initial_speed_mps" yaml:"initial_speed_mps"`
	InitialPositionM   float64 `json:"initial_position_m" yaml:"initial_position_m"`
	DefaultSetSpeedMPS float64 `json:"set_speed_mps" yaml:"set_speed_mps"`
}

// LeadConfig describes the lead vehicle. Speed comes from the first source
// that is set: a drive-cycle CSV, a generated profile, then a constant.
type LeadConfig struct {
	InitialGapM      float64             `json:"initial_gap_m" yaml:"initial_gap_m"`
	SpeedProfile     string              `json:"speed_profile,omitempty" yaml:"speed_profile,omitempty"`
	Profile          drivecycle.Type     `json:"profile,omitempty" yaml:"profile,omitempty"`
	ProfileOptions   *drivecycle.Options `json:"profile_options,omitempty" yaml:"profile_options,omitempty"`
	ConstantSpeedMPS float64             `json:"constant_speed_mps" yaml:"constant_speed_mps"`
}

// PlantConfig is the point-mass longitudinal model of the ego vehicle.
type PlantConfig struct {
	// TorquePerAccel converts drive torque to acceleration; 0 uses the
	// controller's value.
	TorquePerAccel   float64 `json:"torque_per_accel" yaml:"torque_per_accel"`
	DragCoeff        float64 `json:"drag_coeff" yaml:"drag_coeff"` // 1/m, deceleration = drag·v²
	RollingDecelMPS2 float64 `json:"rolling_decel_mps2" yaml:"rolling_decel_mps2"`
}

// ScenarioSegment overrides the set speed and lead visibility over
// [T0, T1). T1 < 0 extends to the end of the run.
type ScenarioSegment struct {
	T0          float64  `json:"t0" yaml:"t0"`
	T1          float64  `json:"t1" yaml:"t1"`
	SetSpeedMPS *float64 `json:"set_speed_mps,omitempty" yaml:"set_speed_mps,omitempty"`
	LeadVisible *bool    `json:"lead_visible,omitempty" yaml:"lead_visible,omitempty"`
	Comment     string   `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// SegmentState is the scenario's commanded state at one instant.
type SegmentState struct {
	SetSpeedMPS float64
	LeadVisible bool
}

// newScenario seeds the fields that have non-zero defaults so a file only
// needs to name what it changes.
func newScenario() Scenario {
	return Scenario{
		Timing:     ScenarioTiming{Episodes: 1},
		Controller: control.DefaultCACCConfig(),
	}
}

// LoadScenario reads a scenario from YAML (.yaml, .yml) or JSON (.json).
// Unknown keys are rejected in both formats.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}

	scen, err := ParseScenario(data, filepath.Ext(path))
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	scen.baseDir = filepath.Dir(path)
	return scen, nil
}

// ParseScenario decodes and validates a scenario. ext selects the format.
func ParseScenario(data []byte, ext string) (Scenario, error) {
	scen := newScenario()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, &scen); err != nil {
			return Scenario{}, fmt.Errorf("unmarshal: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&scen); err != nil {
			return Scenario{}, fmt.Errorf("unmarshal: %w", err)
		}
	default:
		return Scenario{}, fmt.Errorf("unsupported scenario format %q", ext)
	}

	if err := scen.Validate(); err != nil {
		return Scenario{}, err
	}
	return scen, nil
}

func (s *Scenario) Validate() error {
	if !(s.Timing.DurationS > 0) || math.IsInf(s.Timing.DurationS, 0) {
		return fmt.Errorf("invalid duration_s: %f", s.Timing.DurationS)
	}
	if s.Timing.LogHz < 0 {
		return fmt.Errorf("invalid log_hz: %f", s.Timing.LogHz)
	}
	if s.Timing.Episodes < 1 {
		return fmt.Errorf("invalid episodes: %d", s.Timing.Episodes)
	}
	if err := s.Controller.Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if s.Ego.InitialSpeedMPS < 0 {
		return fmt.Errorf("invalid ego initial_speed_mps: %f", s.Ego.InitialSpeedMPS)
	}
	if s.Plant.TorquePerAccel < 0 || s.Plant.DragCoeff < 0 || s.Plant.RollingDecelMPS2 < 0 {
		return fmt.Errorf("plant parameters must be non-negative")
	}

	if l := s.Lead; l != nil {
		if l.InitialGapM < 0 {
			return fmt.Errorf("invalid lead initial_gap_m: %f", l.InitialGapM)
		}
		if l.Profile != "" {
			if _, err := drivecycle.ParseType(string(l.Profile)); err != nil {
				return fmt.Errorf("lead: %w", err)
			}
		}
		if l.SpeedProfile == "" && l.Profile == "" && l.ConstantSpeedMPS < 0 {
			return fmt.Errorf("invalid lead constant_speed_mps: %f", l.ConstantSpeedMPS)
		}
	}

	for i, seg := range s.Segments {
		if seg.T0 < 0 || (seg.T1 >= 0 && seg.T1 <= seg.T0) {
			return fmt.Errorf("segment %d: invalid window [%v, %v)", i, seg.T0, seg.T1)
		}
		if seg.SetSpeedMPS != nil && *seg.SetSpeedMPS < 0 {
			return fmt.Errorf("segment %d: negative set_speed_mps", i)
		}
	}
	return nil
}

// EvalSegment returns the set speed and lead visibility at time t. The
// first segment covering t wins; outside all segments the ego defaults
// apply and the lead is visible whenever the scenario has one.
func EvalSegment(scen *Scenario, t float64) SegmentState {
	st := SegmentState{
		SetSpeedMPS: scen.Ego.DefaultSetSpeedMPS,
		LeadVisible: scen.Lead != nil,
	}

	for _, seg := range scen.Segments {
		t1 := seg.T1
		if t1 < 0 {
			t1 = scen.Timing.DurationS
		}

		if t >= seg.T0 && t < t1 {
			if seg.SetSpeedMPS != nil {
				st.SetSpeedMPS = *seg.SetSpeedMPS
			}
			if seg.LeadVisible != nil {
				st.LeadVisible = *seg.LeadVisible && scen.Lead != nil
			}
			break
		}
	}

	return st
}

// resolve returns p relative to the scenario file's directory.
func (s *Scenario) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.baseDir == "" {
		return p
	}
	return filepath.Join(s.baseDir, p)
}
