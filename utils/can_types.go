package utils

import (
	"fmt"
	"sort"
)

// Frame directions as seen from the controller.
const (
	DirectionTX = "tx"
	DirectionRX = "rx"
)

// Signal byte orders.
const (
	LittleEndian = "little"
	BigEndian    = "big"
)

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // "little" (default) or "big"
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal looks up a signal definition by name.
func (fd *FrameDef) Signal(name string) (SignalDef, error) {
	for _, s := range fd.Signals {
		if s.Name == name {
			return s, nil
		}
	}
	return SignalDef{}, fmt.Errorf("frame %s has no signal %q", fd.Name, name)
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FramesByDirection returns the frames with the given direction, sorted by ID.
func (m *CANMap) FramesByDirection(direction string) []*FrameDef {
	var out []*FrameDef
	for _, fd := range m.ByID {
		if fd.Direction == direction {
			out = append(out, fd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
