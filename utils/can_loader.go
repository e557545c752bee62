package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

var canMapColumns = []string{
	"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "default", "unit", "comment",
}

func LoadCANMap(csvPath string) (*CANMap, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ParseCANMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csvPath, err)
	}
	return m, nil
}

// ParseCANMap reads a signal table with one row per signal. Rows sharing a
// frame_id are grouped into one frame.
func ParseCANMap(src io.Reader) (*CANMap, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range canMapColumns {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("can map missing required column: %q", k)
		}
	}

	m := &CANMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	for row := 2; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		p := rowParser{rec: rec, idx: idx}
		frameID := p.hexOrDec("frame_id")
		frameName := p.str("frame_name")
		direction := strings.ToLower(p.str("direction"))
		cycleMS := p.int("cycle_ms")
		dlc := p.int("dlc")

		sig := SignalDef{
			Name:       p.str("signal_name"),
			StartBit:   p.int("start_bit"),
			BitLength:  p.int("bit_length"),
			Endianness: strings.ToLower(p.str("endianness")),
			Signed:     p.bool("signed"),
			Factor:     p.float("factor"),
			Offset:     p.float("offset"),
			Min:        p.float("min"),
			Max:        p.float("max"),
			Default:    p.float("default"),
			Unit:       p.str("unit"),
			Comment:    p.str("comment"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("row %d: %w", row, p.err)
		}
		if sig.Endianness == "" {
			sig.Endianness = LittleEndian
		}

		if err := validateSignal(frameName, sig, direction, dlc); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			if other, dup := m.ByName[frameName]; dup {
				return nil, fmt.Errorf("row %d: frame name %s reused by 0x%X and 0x%X", row, frameName, other.ID, frameID)
			}
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: direction,
				CycleMS:   cycleMS,
				Signals:   []SignalDef{},
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}

		if fd.DLC != dlc {
			return nil, fmt.Errorf("frame %s (0x%X) has inconsistent DLC (%d vs %d)", frameName, frameID, fd.DLC, dlc)
		}
		if fd.Direction != direction {
			return nil, fmt.Errorf("frame %s (0x%X) has inconsistent direction (%s vs %s)", frameName, frameID, fd.Direction, direction)
		}

		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
	}

	return m, nil
}

func validateSignal(frameName string, sig SignalDef, direction string, dlc int) error {
	if direction != DirectionTX && direction != DirectionRX {
		return fmt.Errorf("frame %s: unknown direction %q", frameName, direction)
	}
	if sig.Endianness != LittleEndian && sig.Endianness != BigEndian {
		return fmt.Errorf("frame %s signal %s: unsupported endianness %q", frameName, sig.Name, sig.Endianness)
	}
	if sig.BitLength <= 0 || sig.BitLength > 64 {
		return fmt.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
	}
	if dlc <= 0 || dlc > 8 {
		return fmt.Errorf("frame %s: invalid dlc %d", frameName, dlc)
	}
	if sig.Endianness == LittleEndian && sig.StartBit+sig.BitLength > 8*dlc {
		return fmt.Errorf("frame %s signal %s: bits %d..%d exceed dlc %d",
			frameName, sig.Name, sig.StartBit, sig.StartBit+sig.BitLength-1, dlc)
	}
	if sig.Factor == 0 {
		return fmt.Errorf("frame %s signal %s: factor must be nonzero", frameName, sig.Name)
	}
	if sig.Min > sig.Max {
		return fmt.Errorf("frame %s signal %s: min %v > max %v", frameName, sig.Name, sig.Min, sig.Max)
	}
	return nil
}

func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

// rowParser keeps the first conversion error of a CSV row.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) fail(col string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (p *rowParser) int(col string) int {
	v, err := strconv.Atoi(p.str(col))
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) float(col string) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) bool(col string) bool {
	ss := strings.ToLower(p.str(col))
	return ss == "true" || ss == "1" || ss == "yes"
}

func (p *rowParser) hexOrDec(col string) uint32 {
	ss := p.str(col)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		p.fail(col, err)
	}
	return uint32(u)
}
