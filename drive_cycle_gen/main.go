// Command drive_cycle_gen writes a lead-vehicle speed profile CSV and can
// optionally validate and plot it.
package main

import (
	"flag"
	"path/filepath"

	"github.com/sirupsen/logrus"
	easy "github.com/t-tomalak/logrus-easy-formatter"

	drivecycle "cacc-core/drive_cycle"
)

var (
	logLevels = map[string]logrus.Level{
		"trace":    logrus.TraceLevel,
		"debug":    logrus.DebugLevel,
		"info":     logrus.InfoLevel,
		"warn":     logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"critical": logrus.FatalLevel,
	}

	name      = flag.String("name", "drive_cycle", "Output name without extension")
	dir       = flag.String("dir", "config/drive_cycle", "Output directory")
	duration  = flag.Float64("duration", 100, "Cycle duration in seconds")
	dt        = flag.Float64("dt", 0.02, "Sample spacing in seconds")
	cycleType = flag.String("scenario", "mixed", "Profile type: highway, city or mixed")
	maxSpeed  = flag.Float64("max-speed", 30, "Maximum speed in m/s")
	minSpeed  = flag.Float64("min-speed", 5, "Final speed of the highway and mixed ramps in m/s")
	plot      = flag.Bool("plot", false, "Write a PNG next to the CSV")
	validate  = flag.Bool("validate", true, "Print cycle statistics")
	logLevel  = flag.String("log", "info", "trace|debug|info|warn|error|critical")

	log = logrus.WithField("module", "drive_cycle_gen")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		LogFormat:       "[%module%] [%time%] [%lvl%] %msg%\n",
	})
	if level, ok := logLevels[*logLevel]; ok {
		logrus.SetLevel(level)
	} else {
		log.Fatalf("log must be one of trace, debug, info, warn, error, critical (got %q)", *logLevel)
	}

	typ, err := drivecycle.ParseType(*cycleType)
	if err != nil {
		log.Fatal(err)
	}

	cycle, err := drivecycle.Generate(drivecycle.Options{
		DurationS:   *duration,
		DtS:         *dt,
		MaxSpeedMPS: *maxSpeed,
		MinSpeedMPS: *minSpeed,
		Type:        typ,
	})
	if err != nil {
		log.Fatalf("generate: %v", err)
	}

	csvPath := filepath.Join(*dir, *name+".csv")
	if err := cycle.WriteCSV(csvPath); err != nil {
		log.Fatalf("write: %v", err)
	}
	log.Infof("%s drive cycle saved to %s (%d samples)", typ, csvPath, cycle.Len())

	if *validate {
		s, err := cycle.Validate()
		if err != nil {
			log.Fatalf("validate: %v", err)
		}
		log.Infof("duration %.1fs, speed %.1f..%.1f m/s (avg %.1f, max %.1f mph)",
			s.DurationS, s.MinSpeedMPS, s.MaxSpeedMPS, s.AvgSpeedMPS, s.MaxSpeedMPH)
		log.Infof("max accel %.2f m/s², max decel %.2f m/s², steady state %.1f%%",
			s.MaxAccelMPS2, s.MaxDecelMPS2, s.SteadyStatePct)
	}

	if *plot {
		if err := cycle.Plot(filepath.Join(*dir, *name+".png"), *name); err != nil {
			log.Fatalf("plot: %v", err)
		}
	}
}
