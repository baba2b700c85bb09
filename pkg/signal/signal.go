// Package signal implements the bit-level codec that extracts and inserts
// scaled signal values from CAN payloads, driven by declarative descriptors
// loaded from the protocol specification.
package signal

import "fmt"

// Kind discriminates the closed set of decoded value representations.
type Kind int

const (
	KindNumeric Kind = iota
	KindEnum
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindEnum:
		return "enum"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Value is one decoded signal value. Exactly one representation is
// populated, selected by Kind.
type Value struct {
	Kind  Kind
	Num   float64
	Index uint64
	Label string
	Raw   []byte
}

// Numeric builds a numeric value.
func Numeric(v float64) Value { return Value{Kind: KindNumeric, Num: v} }

// Enum builds an enumerated value. Label is empty when the index has no
// entry in the descriptor's table.
func Enum(index uint64, label string) Value {
	return Value{Kind: KindEnum, Index: index, Label: label}
}

// RawBytes builds a raw value holding an opaque byte slice.
func RawBytes(b []byte) Value { return Value{Kind: KindRaw, Raw: b} }

func (v Value) String() string {
	switch v.Kind {
	case KindEnum:
		if v.Label != "" {
			return v.Label
		}
		return fmt.Sprintf("enum(%d)", v.Index)
	case KindRaw:
		return fmt.Sprintf("raw[%d]", len(v.Raw))
	default:
		return fmt.Sprintf("%g", v.Num)
	}
}

// Descriptor is the static definition of one signal within a message
// payload. Descriptors are immutable after specification load and shared
// read-only across all decode and encode calls.
type Descriptor struct {
	Name      string            `yaml:"name"`
	StartBit  int               `yaml:"start_bit"`
	BitLength int               `yaml:"bit_length"`
	Scale     float64           `yaml:"scale"`
	Offset    float64           `yaml:"offset"`
	Unit      string            `yaml:"unit"`
	Enum      map[uint64]string `yaml:"enum,omitempty"`
	Min       *float64          `yaml:"min,omitempty"`
	Max       *float64          `yaml:"max,omitempty"`
}

// EffectiveScale returns the scale factor, treating an unset (zero) scale
// as 1 so YAML descriptors may omit it.
func (d *Descriptor) EffectiveScale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// InRange reports whether v satisfies the descriptor's declared valid
// range. A descriptor with no declared range always passes.
func (d *Descriptor) InRange(v float64) bool {
	if d.Min != nil && v < *d.Min {
		return false
	}
	if d.Max != nil && v > *d.Max {
		return false
	}
	return true
}
