package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "cacc-core/closed_loop/longitudinal_control"
	drivecycle "cacc-core/drive_cycle"
)

const (
	yamlScenario = "../config/scenarios/straight_road_cacc_test.yaml"
	jsonScenario = "../config/scenarios/stop_and_go_cut_out.json"
)

func TestLoadYAMLScenario(t *testing.T) {
	scen, err := LoadScenario(yamlScenario)
	require.NoError(t, err)

	assert.Equal(t, "straight_road_cacc_test", scen.Meta.Name)
	assert.Equal(t, 100.0, scen.Timing.DurationS)
	assert.Equal(t, 1, scen.Timing.Episodes)
	assert.Equal(t, control.DefaultCACCConfig(), scen.Controller)
	require.NotNil(t, scen.Lead)
	assert.Equal(t, drivecycle.Mixed, scen.Lead.Profile)
	require.NotNil(t, scen.Lead.ProfileOptions)
	assert.Equal(t, 5.0, scen.Lead.ProfileOptions.MinSpeedMPS)
	assert.Equal(t, 0.1, scen.Plant.RollingDecelMPS2)

	assert.Equal(t, SegmentState{SetSpeedMPS: 25, LeadVisible: false}, EvalSegment(&scen, 1))
	assert.Equal(t, SegmentState{SetSpeedMPS: 25, LeadVisible: true}, EvalSegment(&scen, 2))
	assert.Equal(t, SegmentState{SetSpeedMPS: 25, LeadVisible: true}, EvalSegment(&scen, 80))
}

func TestLoadJSONScenarioKeepsControllerDefaults(t *testing.T) {
	scen, err := LoadScenario(jsonScenario)
	require.NoError(t, err)

	want := control.DefaultCACCConfig()
	want.DropInvalidLead = true
	assert.Equal(t, want, scen.Controller)
	assert.Equal(t, 2, scen.Timing.Episodes)
	assert.Equal(t, filepath.Join("..", "config", "drive_cycle", "stop_and_go.csv"), scen.resolve(scen.Lead.SpeedProfile))

	assert.Equal(t, SegmentState{SetSpeedMPS: 20, LeadVisible: true}, EvalSegment(&scen, 10))
	assert.Equal(t, SegmentState{SetSpeedMPS: 20, LeadVisible: false}, EvalSegment(&scen, 47))
	assert.Equal(t, SegmentState{SetSpeedMPS: 22, LeadVisible: false}, EvalSegment(&scen, 55))
}

func TestParseScenarioRejectsUnknownKeys(t *testing.T) {
	_, err := ParseScenario([]byte("timing:\n  duration_s: 10\n  durration: 3\n"), ".yaml")
	assert.Error(t, err)

	_, err = ParseScenario([]byte(`{"timing": {"duration_s": 10}, "extra": 1}`), ".json")
	assert.Error(t, err)

	_, err = ParseScenario([]byte(`duration_s = 10`), ".toml")
	assert.Error(t, err)
}

func TestScenarioValidation(t *testing.T) {
	cases := map[string]string{
		"zero duration":    "timing:\n  duration_s: 0\n",
		"no episodes":      "timing:\n  duration_s: 5\n  episodes: 0\n",
		"bad timestep":     "timing:\n  duration_s: 5\ncontroller:\n  timestep_s: 0\n",
		"inverted segment": "timing:\n  duration_s: 5\nsegments:\n  - t0: 3\n    t1: 2\n",
		"unknown profile":  "timing:\n  duration_s: 5\nlead:\n  profile: rally\n",
		"negative gap":     "timing:\n  duration_s: 5\nlead:\n  initial_gap_m: -1\n",
		"negative drag":    "timing:\n  duration_s: 5\nplant:\n  drag_coeff: -0.1\n",
	}
	for name, body := range cases {
		_, err := ParseScenario([]byte(body), ".yml")
		assert.Error(t, err, name)
	}

	scen, err := ParseScenario([]byte("timing:\n  duration_s: 5\n"), ".yml")
	require.NoError(t, err)
	assert.Nil(t, scen.Lead)
	assert.False(t, EvalSegment(&scen, 1).LeadVisible)
}

func TestSegmentCannotShowMissingLead(t *testing.T) {
	body := "timing:\n  duration_s: 5\nsegments:\n  - t0: 0\n    t1: -1\n    lead_visible: true\n"
	scen, err := ParseScenario([]byte(body), ".yaml")
	require.NoError(t, err)
	assert.False(t, EvalSegment(&scen, 1).LeadVisible)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
