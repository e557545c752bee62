package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/lo"

	control "cacc-core/closed_loop/longitudinal_control"
	drivecycle "cacc-core/drive_cycle"
	"cacc-core/metrics"
	"cacc-core/utils"
)

// Plant is a point-mass longitudinal model of the ego vehicle, integrated
// with explicit Euler. Speed never goes negative.
type Plant struct {
	cfg PlantConfig

	X float64 // m
	V float64 // m/s
	A float64 // m/s², realised over the last step
}

// NewPlant places the vehicle at x0 moving at v0. A zero TorquePerAccel in
// cfg falls back to torquePerAccel.
func NewPlant(cfg PlantConfig, torquePerAccel, x0, v0 float64) *Plant {
	if cfg.TorquePerAccel == 0 {
		cfg.TorquePerAccel = torquePerAccel
	}
	return &Plant{cfg: cfg, X: x0, V: math.Max(v0, 0)}
}

// Step applies drive torque and brake deceleration for dt seconds.
func (p *Plant) Step(torqueNm, brakeMPS2, dt float64) {
	a := -brakeMPS2 - p.cfg.DragCoeff*p.V*p.V
	if p.cfg.TorquePerAccel > 0 {
		a += torqueNm / p.cfg.TorquePerAccel
	}
	if p.V > 0 {
		a -= p.cfg.RollingDecelMPS2
	}

	v := math.Max(p.V+a*dt, 0)
	p.X += p.V * dt
	p.A = (v - p.V) / dt
	p.V = v
}

// leadVehicle follows a prescribed speed trace.
type leadVehicle struct {
	x     float64
	speed func(t float64) float64
}

// leadSpeedSource picks the lead's speed trace from the scenario.
func leadSpeedSource(scen *Scenario) (func(t float64) float64, string, error) {
	l := scen.Lead
	switch {
	case l.SpeedProfile != "":
		path := scen.resolve(l.SpeedProfile)
		cycle, err := drivecycle.LoadCSV(path)
		if err != nil {
			return nil, "", fmt.Errorf("lead speed profile: %w", err)
		}
		return cycle.SpeedAt, "csv:" + path, nil

	case l.Profile != "":
		opts := drivecycle.Options{}
		if l.ProfileOptions != nil {
			opts = *l.ProfileOptions
		}
		opts.Type = l.Profile
		if opts.DurationS == 0 {
			opts.DurationS = scen.Timing.DurationS
		}
		if opts.DtS == 0 {
			opts.DtS = scen.Controller.TimestepS
		}
		cycle, err := drivecycle.Generate(opts)
		if err != nil {
			return nil, "", fmt.Errorf("lead profile: %w", err)
		}
		return cycle.SpeedAt, "generated:" + string(l.Profile), nil

	default:
		v := l.ConstantSpeedMPS
		return func(float64) float64 { return v }, fmt.Sprintf("constant:%.2f", v), nil
	}
}

// TraceRow is one logged simulation step. State is sampled before the
// command is applied.
type TraceRow struct {
	Episode     int
	Time        float64
	SetSpeed    float64
	EgoX        float64
	EgoSpeed    float64
	EgoAccel    float64
	LeadVisible bool
	LeadX       float64
	LeadSpeed   float64
	Gap         float64
	DesiredGap  float64
	Regime      control.Regime
	AccelCmd    float64
	TorqueNm    float64
	BrakeMPS2   float64
}

type EpisodeResult struct {
	Episode int
	Steps   int
	MinGapM float64 // NaN when the lead was never visible
	Report  metrics.Report
}

type SimulationResult struct {
	Scenario string
	Trace    []TraceRow
	Episodes []EpisodeResult
}

// Passed reports whether every episode met its requirements.
func (r SimulationResult) Passed() bool {
	return lo.EveryBy(r.Episodes, func(e EpisodeResult) bool { return e.Report.Passed() })
}

// Simulate runs the scenario in closed loop. The controller is reset between
// episodes and each episode is evaluated against the requirement metrics.
// On cancellation the partial result is returned with ctx.Err().
func Simulate(ctx context.Context, scen Scenario, log *utils.Logger) (SimulationResult, error) {
	if err := scen.Validate(); err != nil {
		return SimulationResult{}, err
	}
	res := SimulationResult{Scenario: scen.Meta.Name}

	var leadSpeed func(float64) float64
	if scen.Lead != nil {
		var src string
		var err error
		leadSpeed, src, err = leadSpeedSource(&scen)
		if err != nil {
			return res, err
		}
		log.Info("Lead speed source: %s", src)
	}

	dt := scen.Controller.TimestepS
	steps := int(math.Floor(scen.Timing.DurationS/dt + 1e-9))
	logEvery := 1
	if scen.Timing.LogHz > 0 {
		logEvery = max(1, int(math.Round(1/(scen.Timing.LogHz*dt))))
	}

	var tick <-chan time.Time
	if scen.Timing.RealTimeMode {
		ticker := time.NewTicker(time.Duration(dt * float64(time.Second)))
		defer ticker.Stop()
		tick = ticker.C
	}

	ctrl := control.NewCACCController(scen.Controller)

	log.Info("Starting simulation: scenario=%s duration=%.2fs dt=%.3fs episodes=%d real_time=%v",
		scen.Meta.Name, scen.Timing.DurationS, dt, scen.Timing.Episodes, scen.Timing.RealTimeMode)

	for ep := 1; ep <= scen.Timing.Episodes; ep++ {
		if ep > 1 {
			ctrl.Reset()
		}

		plant := NewPlant(scen.Plant, scen.Controller.TorquePerAccel, scen.Ego.InitialPositionM, scen.Ego.InitialSpeedMPS)
		var lead *leadVehicle
		if scen.Lead != nil {
			lead = &leadVehicle{x: scen.Ego.InitialPositionM + scen.Lead.InitialGapM, speed: leadSpeed}
		}

		er := EpisodeResult{Episode: ep, MinGapM: math.NaN()}
		samples := make([]metrics.Sample, 0, steps+1)
		collided := false

		for k := 0; k <= steps; k++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-tick:
				}
			} else if err := ctx.Err(); err != nil {
				return res, err
			}

			t := float64(k) * dt
			seg := EvalSegment(&scen, t)

			row := TraceRow{
				Episode:  ep,
				Time:     t,
				SetSpeed: seg.SetSpeedMPS,
				EgoX:     plant.X,
				EgoSpeed: plant.V,
				EgoAccel: plant.A,
				LeadX:    math.NaN(),
				Gap:      math.NaN(),
			}
			in := control.StepInput{SetSpeed: seg.SetSpeedMPS, EgoSpeed: plant.V}

			var vLead float64
			if lead != nil {
				vLead = lead.speed(t)
				row.LeadX = lead.x
				row.LeadSpeed = vLead
				row.Gap = lead.x - plant.X
				if seg.LeadVisible {
					in.LeadExists = true
					in.LeadRelativePosition = row.Gap
					in.LeadRelativeVelocity = vLead
				}
			}
			row.LeadVisible = in.LeadExists

			out := ctrl.Step(in)
			diag := ctrl.GetDiagnostics()
			row.Regime = out.Regime
			row.DesiredGap = diag.DesiredGap
			row.AccelCmd = out.AccelCmd
			row.TorqueNm = out.TorqueNm
			row.BrakeMPS2 = out.BrakeMPS2

			if in.LeadExists {
				if math.IsNaN(er.MinGapM) || row.Gap < er.MinGapM {
					er.MinGapM = row.Gap
				}
				if row.Gap <= 0 && !collided {
					collided = true
					log.Warn("Episode %d: ego reached the lead at t=%.2fs", ep, t)
				}
			}

			samples = append(samples, metrics.Sample{
				Time:       t,
				EgoX:       row.EgoX,
				EgoSpeed:   row.EgoSpeed,
				SetSpeed:   row.SetSpeed,
				LeadExists: row.LeadVisible,
				LeadX:      row.LeadX,
				LeadSpeed:  row.LeadSpeed,
			})
			if k%logEvery == 0 {
				res.Trace = append(res.Trace, row)
			}
			if k%100 == 0 {
				log.Debug("t=%.2f %s v=%.2f gap=%.2f a_cmd=%.2f torque=%.1f brake=%.2f",
					t, control.GetControlModeStr(out), row.EgoSpeed, row.Gap, out.AccelCmd, out.TorqueNm, out.BrakeMPS2)
			}

			plant.Step(out.TorqueNm, out.BrakeMPS2, dt)
			if lead != nil {
				lead.x += vLead * dt
			}
			er.Steps++
		}

		er.Report = metrics.Evaluate(samples, metrics.DefaultSkipRows, dt)
		res.Episodes = append(res.Episodes, er)

		log.Info("Episode %d complete: steps=%d min_gap=%.2fm rms_jerk=%.3f", ep, er.Steps, er.MinGapM, er.Report.RMSJerk)
		for _, r := range []metrics.Result{er.Report.FollowingDistance, er.Report.SpeedError} {
			if r.Status == metrics.Failed {
				log.Warn("Episode %d: %s", ep, r)
			} else {
				log.Info("Episode %d: %s", ep, r)
			}
		}
	}

	return res, nil
}

var traceHeader = []string{
	"episode", "time", "set_speed", "ego_x", "ego_speed", "ego_accel",
	"lead_visible", "lead_x", "lead_speed", "gap", "desired_gap",
	"regime", "accel_cmd", "drive_torque_cmd_nm", "brake_cmd_mps2",
}

// WriteTraceCSV stores trace rows with one column per TraceRow field.
func WriteTraceCSV(path string, rows []TraceRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(traceHeader); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.Episode), ff(r.Time), ff(r.SetSpeed),
			ff(r.EgoX), ff(r.EgoSpeed), ff(r.EgoAccel),
			strconv.Itoa(control.BoolToInt(r.LeadVisible)), ff(r.LeadX), ff(r.LeadSpeed), ff(r.Gap), ff(r.DesiredGap),
			r.Regime.String(), ff(r.AccelCmd), ff(r.TorqueNm), ff(r.BrakeMPS2),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// PlotTrace renders speed, gap and command panels for one episode.
func PlotTrace(path string, rows []TraceRow, episode int) error {
	rows = lo.Filter(rows, func(r TraceRow, _ int) bool { return r.Episode == episode })
	if len(rows) == 0 {
		return fmt.Errorf("no trace rows for episode %d", episode)
	}

	col := func(f func(TraceRow) float64) []float64 {
		return lo.Map(rows, func(r TraceRow, _ int) float64 { return f(r) })
	}
	t := col(func(r TraceRow) float64 { return r.Time })

	visible := lo.Filter(rows, func(r TraceRow, _ int) bool { return r.LeadVisible })
	vt := lo.Map(visible, func(r TraceRow, _ int) float64 { return r.Time })
	allowed := lo.Map(visible, func(r TraceRow, _ int) float64 { return control.FDCWCurve(r.LeadSpeed) })

	return utils.SavePanelsPNG(path, 12, 10,
		utils.Panel{
			Title:  fmt.Sprintf("Episode %d speeds", episode),
			XLabel: "Time (s)",
			YLabel: "Speed (m/s)",
			Series: []utils.Series{
				{Name: "ego", X: t, Y: col(func(r TraceRow) float64 { return r.EgoSpeed })},
				{Name: "lead", X: vt, Y: lo.Map(visible, func(r TraceRow, _ int) float64 { return r.LeadSpeed })},
				{Name: "set", X: t, Y: col(func(r TraceRow) float64 { return r.SetSpeed }), Dashed: true},
			},
		},
		utils.Panel{
			Title:  "Following distance",
			XLabel: "Time (s)",
			YLabel: "Gap (m)",
			Series: []utils.Series{
				{Name: "gap", X: vt, Y: lo.Map(visible, func(r TraceRow, _ int) float64 { return r.Gap })},
				{Name: "desired", X: vt, Y: lo.Map(visible, func(r TraceRow, _ int) float64 { return r.DesiredGap })},
				{Name: "FDCW minimum", X: vt, Y: allowed, Dashed: true},
			},
		},
		utils.Panel{
			Title:  "Commands",
			XLabel: "Time (s)",
			YLabel: "Acceleration (m/s²)",
			Series: []utils.Series{
				{Name: "accel cmd", X: t, Y: col(func(r TraceRow) float64 { return r.AccelCmd })},
				{Name: "brake", X: t, Y: col(func(r TraceRow) float64 { return r.BrakeMPS2 }), Dashed: true},
			},
		},
	)
}
