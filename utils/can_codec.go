package utils

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"go.einride.tech/can"
)

// EncodeFrame packs physical signal values into a payload of the frame's
// DLC. Missing signals take their default; every value is clamped to the
// signal's [min, max] before scaling.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) ([]byte, uint32, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, 0, err
	}
	data, err := fd.pack(values)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, fd.DLC)
	copy(out, data[:fd.DLC])
	return out, fd.ID, nil
}

// EncodeEinrideFrame produces an einride can.Frame ready to transmit.
func (m *CANMap) EncodeEinrideFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}
	data, err := fd.pack(values)
	if err != nil {
		return can.Frame{}, err
	}
	return can.Frame{
		ID:     fd.ID,
		Length: uint8(fd.DLC),
		Data:   data,
	}, nil
}

func (m *CANMap) DecodeFrame(frameID uint32, data []byte) (map[string]float64, error) {
	fd, err := m.FrameByID(frameID)
	if err != nil {
		return nil, err
	}
	if len(data) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frameID, fd.DLC, len(data))
	}
	var d can.Data
	copy(d[:], data)
	return fd.unpack(d), nil
}

// DecodeEinrideFrame decodes a received can.Frame.
func (m *CANMap) DecodeEinrideFrame(f can.Frame) (map[string]float64, error) {
	return m.DecodeFrame(f.ID, f.Data[:f.Length])
}

func (fd *FrameDef) pack(values map[string]float64) (can.Data, error) {
	var d can.Data
	if fd.DLC <= 0 || fd.DLC > can.MaxDataLength {
		return d, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok || math.IsNaN(v) {
			v = s.Default
		}

		v = lo.Clamp(v, s.Min, s.Max)

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = clampRaw(raw, s.BitLength, s.Signed)

		u := uint64(raw)
		if s.BitLength < 64 {
			u &= (uint64(1) << s.BitLength) - 1
		}
		start, length := uint8(s.StartBit), uint8(s.BitLength)
		if s.Endianness == BigEndian {
			d.SetUnsignedBitsBigEndian(start, length, u)
		} else {
			d.SetUnsignedBitsLittleEndian(start, length, u)
		}
	}
	return d, nil
}

func (fd *FrameDef) unpack(d can.Data) map[string]float64 {
	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		start, length := uint8(s.StartBit), uint8(s.BitLength)
		var raw float64
		switch {
		case s.Signed && s.Endianness == BigEndian:
			raw = float64(d.SignedBitsBigEndian(start, length))
		case s.Signed:
			raw = float64(d.SignedBitsLittleEndian(start, length))
		case s.Endianness == BigEndian:
			raw = float64(d.UnsignedBitsBigEndian(start, length))
		default:
			raw = float64(d.UnsignedBitsLittleEndian(start, length))
		}
		out[s.Name] = raw*s.Factor + s.Offset
	}
	return out
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		max := int64((1 << bitLen) - 1)
		if raw < 0 {
			return 0
		}
		if raw > max {
			return max
		}
		return raw
	}
	min := -int64(1 << (bitLen - 1))
	max := int64((1 << (bitLen - 1)) - 1)
	if raw < min {
		return min
	}
	if raw > max {
		return max
	}
	return raw
}
