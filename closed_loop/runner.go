package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	control "cacc-core/closed_loop/longitudinal_control"
	"cacc-core/utils"
)

const (
	egoFrameName  = "EGO_STATE"
	leadFrameName = "LEAD_TRACK"

	defaultLeadTimeout = 200 * time.Millisecond
	egoStaleAfter      = 500 * time.Millisecond
	aliveCounterMod    = 16
)

type RunnerConfig struct {
	Interface    string
	MapPath      string
	ScenarioPath string // optional, supplies controller tuning
	FrameName    string
	LeadTimeout  time.Duration
	Duration     time.Duration // 0 runs until cancelled
}

// busState is the latest decoded feedback from the RX frames.
type busState struct {
	egoAt      time.Time
	egoSpeed   float64
	setSpeed   float64
	caccEnable bool
	resetBit   bool

	leadAt     time.Time
	leadExists bool
	leadX      float64
	leadVX     float64
	leadY      float64
	leadVY     float64
}

type Runner struct {
	cfg    RunnerConfig
	log    *utils.Logger
	cmap   *utils.CANMap
	fd     *utils.FrameDef
	writer utils.CANWriter
	reader utils.CANReader
	ctrl   *control.CACCController

	bus         busState
	enabled     bool
	alive       uint8
	sent        uint64
	lastEgoWarn time.Time
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	cmap, err := utils.LoadCANMap(cfg.MapPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}

	ccfg := control.DefaultCACCConfig()
	if cfg.ScenarioPath != "" {
		scen, err := LoadScenario(cfg.ScenarioPath)
		if err != nil {
			return nil, fmt.Errorf("load scenario: %w", err)
		}
		ccfg = scen.Controller
		log.Info("Controller tuning from scenario %s", scen.Meta.Name)
	}

	// Create CAN writer (TX)
	writer, err := utils.NewSocketCANWriter(ctx, cfg.Interface)
	if err != nil {
		return nil, err
	}

	// Create CAN reader (RX) for ego and lead feedback
	reader, err := utils.NewSocketCANReader(ctx, cfg.Interface)
	if err != nil {
		writer.Close()
		return nil, err
	}

	r, err := newRunner(cfg, log, cmap, ccfg, writer, reader)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}
	return r, nil
}

// newRunner wires a runner around existing bus endpoints. reader may be nil
// when feedback is injected with apply.
func newRunner(cfg RunnerConfig, log *utils.Logger, cmap *utils.CANMap, ccfg control.CACCConfig,
	writer utils.CANWriter, reader utils.CANReader,
) (*Runner, error) {
	if err := ccfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	if cfg.LeadTimeout <= 0 {
		cfg.LeadTimeout = defaultLeadTimeout
	}

	fd, err := cmap.FrameByName(cfg.FrameName)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	if fd.Direction != utils.DirectionTX {
		return nil, fmt.Errorf("frame %s is not a tx frame", fd.Name)
	}
	if fd.CycleMS <= 0 {
		return nil, fmt.Errorf("frame %s has invalid cycle_ms %d", fd.Name, fd.CycleMS)
	}
	for _, name := range []string{egoFrameName, leadFrameName} {
		rx, err := cmap.FrameByName(name)
		if err != nil {
			return nil, fmt.Errorf("feedback frame: %w", err)
		}
		if rx.Direction != utils.DirectionRX {
			return nil, fmt.Errorf("frame %s is not an rx frame", name)
		}
	}

	return &Runner{
		cfg:    cfg,
		log:    log,
		cmap:   cmap,
		fd:     fd,
		writer: writer,
		reader: reader,
		ctrl:   control.NewCACCController(ccfg),
	}, nil
}

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting TX: frame=%s id=0x%X dlc=%d cycle_ms=%d iface=%s lead_timeout=%s duration=%s",
		r.fd.Name, r.fd.ID, r.fd.DLC, r.fd.CycleMS, r.cfg.Interface, r.cfg.LeadTimeout, r.cfg.Duration)

	start := time.Now()
	ticker := time.NewTicker(time.Duration(r.fd.CycleMS) * time.Millisecond)
	defer ticker.Stop()

	rxChan := make(chan rxFrame, 100)
	if r.reader != nil {
		go r.receiveLoop(ctx, rxChan)
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Warn("Context canceled; stopping TX")
			r.log.Info("Completed TX. frames_sent=%d", r.sent)
			return ctx.Err()

		case f := <-rxChan:
			r.apply(f)

		case now := <-ticker.C:
			if r.cfg.Duration > 0 && now.Sub(start) > r.cfg.Duration {
				r.log.Info("Completed TX. frames_sent=%d", r.sent)
				return nil
			}
			if err := r.tick(ctx, now); err != nil {
				return err
			}
		}
	}
}

// apply folds one decoded feedback frame into the bus state. A rising edge
// on episode_reset resets the controller.
func (r *Runner) apply(f rxFrame) {
	v := f.values
	switch f.name {
	case egoFrameName:
		r.bus.egoAt = f.at
		r.bus.egoSpeed = v["ego_speed_mps"]
		r.bus.setSpeed = v["set_speed_mps"]
		r.bus.caccEnable = v["cacc_enable"] >= 0.5

		reset := v["episode_reset"] >= 0.5
		if reset && !r.bus.resetBit {
			r.ctrl.Reset()
			r.log.Info("Episode reset requested; controller state cleared")
		}
		r.bus.resetBit = reset

	case leadFrameName:
		r.bus.leadAt = f.at
		r.bus.leadExists = v["lead_exists"] >= 0.5
		r.bus.leadX = v["lead_x_pos_m"]
		r.bus.leadVX = v["lead_x_vel_mps"]
		r.bus.leadY = v["lead_y_pos_m"]
		r.bus.leadVY = v["lead_y_vel_mps"]
	}
}

// tick computes and transmits one command frame. Without fresh ego
// feedback or with CACC disabled a zero command is sent and the controller
// is reset on the transition. A lead track older than LeadTimeout is
// treated as absent.
func (r *Runner) tick(ctx context.Context, now time.Time) error {
	haveEgo := !r.bus.egoAt.IsZero()
	if haveEgo {
		if age := now.Sub(r.bus.egoAt); age > egoStaleAfter && now.Sub(r.lastEgoWarn) > time.Second {
			r.log.Warn("No ego feedback for %.1f ms - command may be unreliable", age.Seconds()*1000)
			r.lastEgoWarn = now
		}
	}

	enabled := haveEgo && r.bus.caccEnable
	values := map[string]float64{
		"system_enable":       0,
		"regime":              0,
		"drive_torque_cmd_nm": 0,
		"brake_cmd_mps2":      0,
		"accel_cmd_mps2":      0,
	}

	var out control.ControlOutput
	if enabled {
		leadValid := r.bus.leadExists && !r.bus.leadAt.IsZero() && now.Sub(r.bus.leadAt) <= r.cfg.LeadTimeout
		out = r.ctrl.Step(control.StepInput{
			SetSpeed:             r.bus.setSpeed,
			EgoSpeed:             r.bus.egoSpeed,
			LeadExists:           leadValid,
			LeadRelativePosition: r.bus.leadX,
			LeadRelativeVelocity: r.bus.leadVX,
			LeadLateralPosition:  r.bus.leadY,
			LeadLateralVelocity:  r.bus.leadVY,
		})
		values["system_enable"] = 1
		values["regime"] = float64(out.Regime)
		values["drive_torque_cmd_nm"] = out.TorqueNm
		values["brake_cmd_mps2"] = out.BrakeMPS2
		values["accel_cmd_mps2"] = out.AccelCmd

		if r.sent%100 == 0 {
			d := r.ctrl.GetDiagnostics()
			r.log.Debug("CACC: %s regime=%s v=%.2f gap_err=%.2f raw=%.3f cmd=%.3f",
				control.GetControlModeStr(out), out.Regime, d.EgoSpeed, d.GapError, d.RawAccel, out.AccelCmd)
		}
	} else if r.enabled {
		r.ctrl.Reset()
		r.log.Info("CACC disabled; controller reset")
	}
	r.enabled = enabled
	values["alive_counter"] = float64(r.alive)

	frame, err := r.cmap.EncodeEinrideFrame(r.fd.Name, values)
	if err != nil {
		r.log.Error("Encode failed: %v", err)
		return err
	}
	if err := r.writer.WriteFrame(ctx, frame); err != nil {
		r.log.Critical("Transmit failed: %v", err)
		return err
	}

	r.alive = (r.alive + 1) % aliveCounterMod
	r.sent++
	r.log.Trace("TX id=0x%X len=%d data=% X enable=%v torque=%.2f brake=%.3f",
		frame.ID, frame.Length, frame.Data[:frame.Length], enabled, out.TorqueNm, out.BrakeMPS2)
	return nil
}

// rxFrame is a decoded feedback frame.
type rxFrame struct {
	name   string
	values map[string]float64
	at     time.Time
}

// receiveLoop continuously reads CAN frames and forwards decoded RX frames.
func (r *Runner) receiveLoop(ctx context.Context, out chan<- rxFrame) {
	r.log.Debug("RX loop started")
	defer r.log.Debug("RX loop stopped")

	for {
		frame, err := r.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, utils.ErrBusClosed) {
				return
			}
			r.log.Error("RX error: %v", err)
			continue
		}

		fd, err := r.cmap.FrameByID(frame.ID)
		if err != nil || fd.Direction != utils.DirectionRX {
			r.log.Trace("RX ignored id=0x%X", frame.ID)
			continue
		}
		values, err := r.cmap.DecodeEinrideFrame(frame)
		if err != nil {
			r.log.Warn("RX decode %s: %v", fd.Name, err)
			continue
		}

		select {
		case out <- rxFrame{name: fd.Name, values: values, at: time.Now()}:
		default:
			// Channel full, skip
		}
		r.log.Trace("RX %s id=0x%X len=%d data=% X", fd.Name, frame.ID, frame.Length, frame.Data[:frame.Length])
	}
}
