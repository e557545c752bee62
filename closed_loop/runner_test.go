package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	control "cacc-core/closed_loop/longitudinal_control"
	"cacc-core/utils"
)

type fakeWriter struct {
	frames []can.Frame
}

func (w *fakeWriter) WriteFrame(_ context.Context, f can.Frame) error {
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestRunner(t *testing.T) (*Runner, *fakeWriter) {
	t.Helper()
	cmap, err := utils.LoadCANMap("../config/can/can_map.csv")
	require.NoError(t, err)

	w := &fakeWriter{}
	r, err := newRunner(RunnerConfig{FrameName: "CACC_CMD"}, quietLogger(), cmap, control.DefaultCACCConfig(), w, nil)
	require.NoError(t, err)
	return r, w
}

func (r *Runner) lastCommand(t *testing.T, w *fakeWriter) map[string]float64 {
	t.Helper()
	require.NotEmpty(t, w.frames)
	f := w.frames[len(w.frames)-1]
	assert.Equal(t, uint32(0x200), f.ID)
	v, err := r.cmap.DecodeEinrideFrame(f)
	require.NoError(t, err)
	return v
}

func egoFrame(at time.Time, speed, setSpeed float64, enable, reset bool) rxFrame {
	return rxFrame{name: egoFrameName, at: at, values: map[string]float64{
		"ego_speed_mps": speed,
		"set_speed_mps": setSpeed,
		"cacc_enable":   control.BoolToFloat(enable),
		"episode_reset": control.BoolToFloat(reset),
	}}
}

func leadFrame(at time.Time, exists bool, x, vx float64) rxFrame {
	return rxFrame{name: leadFrameName, at: at, values: map[string]float64{
		"lead_exists":    control.BoolToFloat(exists),
		"lead_x_pos_m":   x,
		"lead_x_vel_mps": vx,
	}}
}

func TestRunnerSendsZeroCommandWithoutFeedback(t *testing.T) {
	r, w := newTestRunner(t)
	require.NoError(t, r.tick(context.Background(), time.Now()))

	v := r.lastCommand(t, w)
	assert.Equal(t, 0.0, v["system_enable"])
	assert.Equal(t, 0.0, v["drive_torque_cmd_nm"])
	assert.Equal(t, 0.0, v["brake_cmd_mps2"])
	assert.Equal(t, 0.0, v["alive_counter"])
}

func TestRunnerSetSpeedCommand(t *testing.T) {
	r, w := newTestRunner(t)
	now := time.Now()
	r.apply(egoFrame(now, 20, 30, true, false))
	require.NoError(t, r.tick(context.Background(), now))

	v := r.lastCommand(t, w)
	assert.Equal(t, 1.0, v["system_enable"])
	assert.Equal(t, float64(control.RegimeSetSpeed), v["regime"])
	assert.InDelta(t, 750.0, v["drive_torque_cmd_nm"], 1e-9)
	assert.Equal(t, 0.0, v["brake_cmd_mps2"])
	assert.InDelta(t, 2.5, v["accel_cmd_mps2"], 1e-9)
}

func TestRunnerGapClosingWithFreshLead(t *testing.T) {
	r, w := newTestRunner(t)
	now := time.Now()
	r.apply(egoFrame(now, 0, 30, true, false))
	r.apply(leadFrame(now, true, 5, 0))
	require.NoError(t, r.tick(context.Background(), now.Add(20*time.Millisecond)))

	v := r.lastCommand(t, w)
	assert.Equal(t, float64(control.RegimeGapClosing), v["regime"])
	assert.Equal(t, 0.0, v["drive_torque_cmd_nm"])
	assert.InDelta(t, 4.2, v["brake_cmd_mps2"], 1e-9)
}

func TestRunnerDropsStaleLead(t *testing.T) {
	r, w := newTestRunner(t)
	now := time.Now()
	r.apply(egoFrame(now, 0, 30, true, false))
	r.apply(leadFrame(now.Add(-300*time.Millisecond), true, 5, 0))
	require.NoError(t, r.tick(context.Background(), now))

	v := r.lastCommand(t, w)
	assert.Equal(t, float64(control.RegimeSetSpeed), v["regime"])
	assert.Greater(t, v["drive_torque_cmd_nm"], 0.0)
}

func TestRunnerDisableResetsController(t *testing.T) {
	r, w := newTestRunner(t)
	now := time.Now()
	r.apply(egoFrame(now, 20, 30, true, false))
	require.NoError(t, r.tick(context.Background(), now))
	require.NotEqual(t, 0.0, r.ctrl.PreviousAcceleration())

	r.apply(egoFrame(now, 20, 30, false, false))
	require.NoError(t, r.tick(context.Background(), now))
	assert.Equal(t, 0.0, r.ctrl.PreviousAcceleration())

	v := r.lastCommand(t, w)
	assert.Equal(t, 0.0, v["system_enable"])
	assert.Equal(t, 0.0, v["drive_torque_cmd_nm"])
	assert.Equal(t, 0.0, v["brake_cmd_mps2"])
}

func TestRunnerEpisodeResetOnRisingEdge(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Now()
	r.apply(egoFrame(now, 20, 30, true, false))
	require.NoError(t, r.tick(ctx, now))
	require.NotEqual(t, 0.0, r.ctrl.PreviousAcceleration())

	r.apply(egoFrame(now, 20, 30, true, true))
	assert.Equal(t, 0.0, r.ctrl.PreviousAcceleration())

	// Holding the bit high does not reset again.
	require.NoError(t, r.tick(ctx, now))
	r.apply(egoFrame(now, 20, 30, true, true))
	assert.NotEqual(t, 0.0, r.ctrl.PreviousAcceleration())
}

func TestRunnerAliveCounterWraps(t *testing.T) {
	r, w := newTestRunner(t)
	now := time.Now()
	for i := 0; i < aliveCounterMod+1; i++ {
		require.NoError(t, r.tick(context.Background(), now))
	}
	require.Len(t, w.frames, aliveCounterMod+1)

	v, err := r.cmap.DecodeEinrideFrame(w.frames[aliveCounterMod-1])
	require.NoError(t, err)
	assert.Equal(t, float64(aliveCounterMod-1), v["alive_counter"])
	assert.Equal(t, 0.0, r.lastCommand(t, w)["alive_counter"])
}

func TestNewRunnerValidatesFrames(t *testing.T) {
	cmap, err := utils.LoadCANMap("../config/can/can_map.csv")
	require.NoError(t, err)

	_, err = newRunner(RunnerConfig{FrameName: "EGO_STATE"}, quietLogger(), cmap, control.DefaultCACCConfig(), &fakeWriter{}, nil)
	assert.Error(t, err)

	_, err = newRunner(RunnerConfig{FrameName: "NOPE"}, quietLogger(), cmap, control.DefaultCACCConfig(), &fakeWriter{}, nil)
	assert.Error(t, err)

	bad := control.DefaultCACCConfig()
	bad.TimestepS = 0
	_, err = newRunner(RunnerConfig{FrameName: "CACC_CMD"}, quietLogger(), cmap, bad, &fakeWriter{}, nil)
	assert.Error(t, err)

	r, err := newRunner(RunnerConfig{FrameName: "CACC_CMD"}, quietLogger(), cmap, control.DefaultCACCConfig(), &fakeWriter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultLeadTimeout, r.cfg.LeadTimeout)
}

func TestRunnerRunStopsAfterDuration(t *testing.T) {
	r, w := newTestRunner(t)
	r.cfg.Duration = 70 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.NotEmpty(t, w.frames)
}

func TestRunnerRunCancelled(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}
