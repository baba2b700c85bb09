package signal

import (
	"fmt"
	"math"
)

// OutOfBoundsError reports a descriptor whose bit range does not fit the
// payload it was applied to. Returned, never panicked: the payload length is
// wire-controlled.
type OutOfBoundsError struct {
	Signal    string
	StartBit  int
	BitLength int
	PayloadBits int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("signal %s: bits [%d,%d) exceed payload of %d bits",
		e.Signal, e.StartBit, e.StartBit+e.BitLength, e.PayloadBits)
}

// ValueOutOfRangeError reports an encode value that cannot be represented
// in the descriptor's bit field after removing scale and offset.
type ValueOutOfRangeError struct {
	Signal string
	Value  float64
	Bits   int
}

func (e *ValueOutOfRangeError) Error() string {
	return fmt.Sprintf("signal %s: value %g does not fit in %d bits", e.Signal, e.Value, e.Bits)
}

// maxRawBits is the widest field decoded as a number; anything wider is
// treated as raw bytes and must be byte aligned.
const maxRawBits = 64

// twoTo64 is the first value a 64-bit field cannot hold; float-to-uint64
// conversion at or above it is not portable.
const twoTo64 = float64(1 << 64)

// Decode extracts the descriptor's bit field from payload (little-endian
// bit packed, LSB first within each byte), applies raw*scale+offset and
// resolves the enumeration if one is declared. It is stateless and safe for
// concurrent use.
func Decode(payload []byte, d *Descriptor) (Value, error) {
	if err := checkBounds(payload, d); err != nil {
		return Value{}, err
	}
	if d.BitLength > maxRawBits {
		start := d.StartBit / 8
		n := d.BitLength / 8
		raw := make([]byte, n)
		copy(raw, payload[start:start+n])
		return RawBytes(raw), nil
	}

	raw := extractBits(payload, d.StartBit, d.BitLength)
	if d.Enum != nil {
		return Enum(raw, d.Enum[raw]), nil
	}
	return Numeric(float64(raw)*d.EffectiveScale() + d.Offset), nil
}

// Encode performs the inverse of Decode, inserting the value into payload.
// It fails if the payload is too short or the de-scaled value does not fit
// in the bit field. Bits outside the field are left untouched.
func Encode(v Value, d *Descriptor, payload []byte) error {
	if err := checkBounds(payload, d); err != nil {
		return err
	}

	var raw uint64
	switch v.Kind {
	case KindRaw:
		if d.BitLength > maxRawBits {
			if len(v.Raw)*8 != d.BitLength {
				return &ValueOutOfRangeError{Signal: d.Name, Value: float64(len(v.Raw)), Bits: d.BitLength}
			}
			copy(payload[d.StartBit/8:], v.Raw)
			return nil
		}
		if len(v.Raw) > maxRawBits/8 {
			// bytes past the eighth would be shifted out of the word
			return &ValueOutOfRangeError{Signal: d.Name, Value: float64(len(v.Raw)), Bits: d.BitLength}
		}
		for i, b := range v.Raw {
			raw |= uint64(b) << (8 * i)
		}
	case KindEnum:
		raw = v.Index
	default:
		scaled := (v.Num - d.Offset) / d.EffectiveScale()
		rounded := math.Round(scaled)
		if math.IsNaN(rounded) || rounded < 0 || rounded >= twoTo64 {
			return &ValueOutOfRangeError{Signal: d.Name, Value: v.Num, Bits: d.BitLength}
		}
		raw = uint64(rounded)
	}

	if d.BitLength < maxRawBits && raw >= 1<<uint(d.BitLength) {
		return &ValueOutOfRangeError{Signal: d.Name, Value: v.Num, Bits: d.BitLength}
	}
	insertBits(payload, d.StartBit, d.BitLength, raw)
	return nil
}

func checkBounds(payload []byte, d *Descriptor) error {
	bits := len(payload) * 8
	if d.StartBit < 0 || d.BitLength <= 0 || d.StartBit+d.BitLength > bits {
		return &OutOfBoundsError{
			Signal:      d.Name,
			StartBit:    d.StartBit,
			BitLength:   d.BitLength,
			PayloadBits: bits,
		}
	}
	if d.BitLength > maxRawBits && (d.StartBit%8 != 0 || d.BitLength%8 != 0) {
		return &OutOfBoundsError{
			Signal:      d.Name,
			StartBit:    d.StartBit,
			BitLength:   d.BitLength,
			PayloadBits: bits,
		}
	}
	return nil
}

func extractBits(payload []byte, start, length int) uint64 {
	var out uint64
	for i := 0; i < length; i++ {
		idx := start + i
		if payload[idx/8]&(1<<uint(idx%8)) != 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

func insertBits(payload []byte, start, length int, raw uint64) {
	for i := 0; i < length; i++ {
		idx := start + i
		mask := byte(1 << uint(idx%8))
		if raw&(1<<uint(i)) != 0 {
			payload[idx/8] |= mask
		} else {
			payload[idx/8] &^= mask
		}
	}
}
