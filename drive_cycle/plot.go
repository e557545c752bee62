package drivecycle

import (
	"fmt"

	"cacc-core/utils"
)

// Plot renders speed and acceleration panels to a PNG at path.
func (c Cycle) Plot(path, name string) error {
	stats, err := c.Validate()
	if err != nil {
		return err
	}
	dt := c.Duration() / float64(c.Len()-1)
	accel := c.Acceleration(dt)

	zero := []float64{0, 0}
	span := []float64{c.Time[0], c.Time[c.Len()-1]}
	err = utils.SavePanelsPNG(path, 12, 8,
		utils.Panel{
			Title:  fmt.Sprintf("Drive Cycle Speed Profile: %s (max %.1f mph)", name, stats.MaxSpeedMPH),
			XLabel: "Time (s)",
			YLabel: "Speed (m/s)",
			Series: []utils.Series{{Name: "speed", X: c.Time, Y: c.Speed}},
		},
		utils.Panel{
			Title:  "Drive Cycle Acceleration Profile",
			XLabel: "Time (s)",
			YLabel: "Acceleration (m/s²)",
			Series: []utils.Series{
				{Name: "acceleration", X: c.Time, Y: accel},
				{X: span, Y: zero, Dashed: true},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("plot %s: %w", name, err)
	}
	log.Infof("drive cycle plot saved to %s", path)
	return nil
}
