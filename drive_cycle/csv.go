package drivecycle

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	TimeColumn  = "Time (s)"
	SpeedColumn = "Speed (m/s)"
)

// WriteCSV stores the cycle with a "Time (s),Speed (m/s)" header, creating
// parent directories as needed.
func (c Cycle) WriteCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// Encode writes the CSV form of the cycle to w.
func (c Cycle) Encode(w io.Writer) error {
	if len(c.Time) != len(c.Speed) {
		return fmt.Errorf("cycle has %d times but %d speeds", len(c.Time), len(c.Speed))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{TimeColumn, SpeedColumn}); err != nil {
		return err
	}
	for i := range c.Time {
		rec := []string{
			strconv.FormatFloat(c.Time[i], 'g', -1, 64),
			strconv.FormatFloat(c.Speed[i], 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func LoadCSV(path string) (Cycle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Cycle{}, err
	}
	defer f.Close()

	c, err := ParseCSV(f)
	if err != nil {
		return Cycle{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCSV reads a drive cycle. Columns are located by header name so extra
// columns are tolerated. At least two rows with strictly increasing time are
// required.
func ParseCSV(src io.Reader) (Cycle, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return Cycle{}, fmt.Errorf("read header: %w", err)
	}
	ti, si := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case strings.ToLower(TimeColumn):
			ti = i
		case strings.ToLower(SpeedColumn):
			si = i
		}
	}
	if ti < 0 || si < 0 {
		return Cycle{}, fmt.Errorf("header %v lacks %q and %q columns", header, TimeColumn, SpeedColumn)
	}

	var c Cycle
	for row := 2; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Cycle{}, err
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(rec[ti]), 64)
		if err != nil {
			return Cycle{}, fmt.Errorf("row %d: time: %w", row, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[si]), 64)
		if err != nil {
			return Cycle{}, fmt.Errorf("row %d: speed: %w", row, err)
		}
		if n := len(c.Time); n > 0 && t <= c.Time[n-1] {
			return Cycle{}, fmt.Errorf("row %d: time %v does not increase", row, t)
		}
		c.Time = append(c.Time, t)
		c.Speed = append(c.Speed, v)
	}
	if len(c.Time) < 2 {
		return Cycle{}, fmt.Errorf("drive cycle needs at least 2 samples, got %d", len(c.Time))
	}
	return c, nil
}
