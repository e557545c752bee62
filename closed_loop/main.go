package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cacc-core/utils"
)

func main() {
	var (
		mode        = flag.String("mode", "sim", "sim (offline closed loop) or can (SocketCAN controller)")
		iface       = flag.String("iface", "vcan0", "SocketCAN interface name")
		mapPath     = flag.String("map", "config/can/can_map.csv", "Path to can_map.csv")
		scenPath    = flag.String("scenario", "config/scenarios/straight_road_cacc_test.yaml", "Scenario file (.yaml, .yml or .json)")
		frameName   = flag.String("frame", "CACC_CMD", "Command frame to transmit")
		leadTimeout = flag.Duration("lead-timeout", defaultLeadTimeout, "Age after which a lead track is ignored")
		duration    = flag.Duration("duration", 0, "CAN mode run time, 0 runs until interrupted")
		outDir      = flag.String("out", "results", "Directory for simulation traces and plots")
		plot        = flag.Bool("plot", false, "Render a PNG of the last simulated episode")
		logLevel    = flag.String("log", "info", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	log, err := utils.NewFileLogger("closed_loop.log", utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open closed_loop.log: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "can":
		err = runCAN(ctx, RunnerConfig{
			Interface:    *iface,
			MapPath:      *mapPath,
			ScenarioPath: *scenPath,
			FrameName:    *frameName,
			LeadTimeout:  *leadTimeout,
			Duration:     *duration,
		}, log)
	case "sim":
		err = runSim(ctx, *scenPath, *outDir, *plot, log)
	default:
		log.Critical("Unknown mode %q", *mode)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		log.Close()
		os.Exit(1)
	}
}

func runCAN(ctx context.Context, cfg RunnerConfig, log *utils.Logger) error {
	runner, err := NewRunner(ctx, cfg, log.WithModule("runner"))
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Run(ctx)
}

func runSim(ctx context.Context, scenPath, outDir string, plot bool, log *utils.Logger) error {
	scen, err := LoadScenario(scenPath)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := Simulate(ctx, scen, log.WithModule("sim"))
	if err != nil {
		return err
	}

	name := scen.Meta.Name
	if name == "" {
		name = "scenario"
	}
	tracePath := filepath.Join(outDir, name+"_trace.csv")
	if err := WriteTraceCSV(tracePath, res.Trace); err != nil {
		return err
	}
	log.Info("Trace written to %s (%d rows, %.2fs wall)", tracePath, len(res.Trace), time.Since(start).Seconds())

	if plot {
		plotPath := filepath.Join(outDir, name+"_trace.png")
		if err := PlotTrace(plotPath, res.Trace, len(res.Episodes)); err != nil {
			return err
		}
		log.Info("Plot written to %s", plotPath)
	}

	if !res.Passed() {
		log.Warn("Scenario %s failed one or more requirements", name)
	}
	return nil
}
