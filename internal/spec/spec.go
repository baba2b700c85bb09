// Package spec holds the protocol specification: message descriptor tables
// for both wire protocols, entity command definitions, engineering limits
// and authorized source ranges. The specification is immutable after load
// and hot-reloadable through an atomic swap, so an in-flight decode keeps
// the tables it started with.
package spec

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/pkg/signal"
)

// MaxMultiFrameBytes is the largest payload a BAM transfer can declare
// (255 packets of 7 bytes).
const MaxMultiFrameBytes = 1785

// Tier names used by descriptors; the scheduler maps them to queue tiers.
const (
	TierCritical   = "critical"
	TierHigh       = "high"
	TierNormal     = "normal"
	TierLow        = "low"
	TierBackground = "background"
)

// Dependency is a cross-signal constraint within one message: Signal is
// only meaningful while Requires carries the given enum label.
type Dependency struct {
	Signal   string `yaml:"signal"`
	Requires string `yaml:"requires"`
	Label    string `yaml:"label"`
}

// MessageDescriptor maps one DGN/PGN to its signal layout, priority tier
// and system classification.
type MessageDescriptor struct {
	ID           uint32               `yaml:"id"`
	Name         string               `yaml:"name"`
	System       string               `yaml:"system"`
	Tier         string               `yaml:"tier"`
	Length       int                  `yaml:"length"`
	Signals      []*signal.Descriptor `yaml:"signals"`
	Dependencies []Dependency         `yaml:"dependencies,omitempty"`
}

// MultiFrame reports whether the declared payload exceeds one frame.
func (m *MessageDescriptor) MultiFrame() bool { return m.Length > 8 }

// Signal returns the named signal descriptor, or nil.
func (m *MessageDescriptor) Signal(name string) *signal.Descriptor {
	for _, s := range m.Signals {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (m *MessageDescriptor) validate(protocol models.Protocol) error {
	if m.Length <= 0 {
		return fmt.Errorf("%s message %05X (%s): length must be positive", protocol, m.ID, m.Name)
	}
	if m.Length > MaxMultiFrameBytes {
		return fmt.Errorf("%s message %05X (%s): length %d exceeds transport maximum %d",
			protocol, m.ID, m.Name, m.Length, MaxMultiFrameBytes)
	}
	switch m.Tier {
	case "", TierCritical, TierHigh, TierNormal, TierLow, TierBackground:
	default:
		return fmt.Errorf("%s message %05X (%s): unknown tier %q", protocol, m.ID, m.Name, m.Tier)
	}
	for _, s := range m.Signals {
		if s.BitLength <= 0 || s.StartBit < 0 || s.StartBit+s.BitLength > m.Length*8 {
			return fmt.Errorf("%s message %05X signal %s: bits [%d,%d) exceed declared %d-byte payload",
				protocol, m.ID, s.Name, s.StartBit, s.StartBit+s.BitLength, m.Length)
		}
	}
	for _, dep := range m.Dependencies {
		if m.Signal(dep.Signal) == nil || m.Signal(dep.Requires) == nil {
			return fmt.Errorf("%s message %05X: dependency references unknown signal (%s -> %s)",
				protocol, m.ID, dep.Signal, dep.Requires)
		}
	}
	return nil
}

// Table is one protocol namespace's message descriptor set.
type Table struct {
	Protocol models.Protocol
	messages map[uint32]*MessageDescriptor
}

// NewTable builds a table, rejecting duplicate identifiers.
func NewTable(protocol models.Protocol, descriptors []*MessageDescriptor) (*Table, error) {
	t := &Table{Protocol: protocol, messages: make(map[uint32]*MessageDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := d.validate(protocol); err != nil {
			return nil, err
		}
		if _, dup := t.messages[d.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate message id %05X", protocol, d.ID)
		}
		t.messages[d.ID] = d
	}
	return t, nil
}

// Lookup returns the descriptor for a message identifier.
func (t *Table) Lookup(id uint32) (*MessageDescriptor, bool) {
	d, ok := t.messages[id]
	return d, ok
}

// Len returns the number of descriptors in the table.
func (t *Table) Len() int { return len(t.messages) }

// Extend layers a manufacturer extension on top of the base table. An
// extension identifier colliding with a base identifier is a configuration
// error surfaced here, at load time.
func (t *Table) Extend(ext []*MessageDescriptor) error {
	for _, d := range ext {
		if err := d.validate(t.Protocol); err != nil {
			return err
		}
		if base, dup := t.messages[d.ID]; dup {
			return fmt.Errorf("%s: extension message %05X (%s) collides with base %s",
				t.Protocol, d.ID, d.Name, base.Name)
		}
		t.messages[d.ID] = d
	}
	return nil
}

// EngineeringLimit is an absolute safety ceiling applied per unit,
// independent of any descriptor-declared range.
type EngineeringLimit struct {
	Unit string  `yaml:"unit"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// AddrRange is an inclusive authorized source address range.
type AddrRange struct {
	From uint8 `yaml:"from"`
	To   uint8 `yaml:"to"`
}

// CommandDescriptor resolves an (entity, command) pair to the message it
// encodes into. Fixed holds constant signal values (instance numbers,
// command codes) merged under the caller's values.
type CommandDescriptor struct {
	EntityID string             `yaml:"entity"`
	Name     string             `yaml:"name"`
	Protocol models.Protocol    `yaml:"protocol"`
	MsgID    uint32             `yaml:"id"`
	Priority uint8              `yaml:"priority"`
	Fixed    map[string]float64 `yaml:"fixed,omitempty"`
}

// Specification is the full, immutable protocol specification.
type Specification struct {
	RVC      *Table
	J1939    *Table
	Limits   []EngineeringLimit
	Sources  map[models.Protocol][]AddrRange
	Commands map[string]*CommandDescriptor // keyed by entity/command
}

// CommandKey builds the lookup key for a command descriptor.
func CommandKey(entityID, name string) string { return entityID + "/" + name }

// Table returns the descriptor table for a protocol.
func (s *Specification) Table(p models.Protocol) *Table {
	if p == models.ProtocolJ1939 {
		return s.J1939
	}
	return s.RVC
}

// Command resolves an (entity, command) pair.
func (s *Specification) Command(entityID, name string) (*CommandDescriptor, bool) {
	c, ok := s.Commands[CommandKey(entityID, name)]
	return c, ok
}

// Authorized reports whether a source address lies inside the protocol's
// authorized ranges. A protocol with no declared ranges accepts any source.
func (s *Specification) Authorized(p models.Protocol, source uint8) bool {
	ranges := s.Sources[p]
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if source >= r.From && source <= r.To {
			return true
		}
	}
	return false
}

// Limit returns the engineering limit declared for a unit, if any.
func (s *Specification) Limit(unit string) (EngineeringLimit, bool) {
	for _, l := range s.Limits {
		if l.Unit == unit {
			return l, true
		}
	}
	return EngineeringLimit{}, false
}

// Store publishes the active specification to concurrent readers and
// supports atomic hot reload.
type Store struct {
	current atomic.Pointer[Specification]
}

// NewStore creates a store holding the given specification.
func NewStore(s *Specification) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

// Active returns the current specification. The returned value stays valid
// for the caller even if a reload swaps in a newer one.
func (s *Store) Active() *Specification { return s.current.Load() }

// Swap atomically replaces the active specification.
func (s *Store) Swap(next *Specification) { s.current.Store(next) }

// specFile is the YAML shape of one protocol specification file.
type specFile struct {
	Protocol   models.Protocol      `yaml:"protocol"`
	Messages   []*MessageDescriptor `yaml:"messages"`
	Extensions []*MessageDescriptor `yaml:"extensions,omitempty"`
	Limits     []EngineeringLimit   `yaml:"limits,omitempty"`
	Sources    []AddrRange          `yaml:"sources,omitempty"`
	Commands   []*CommandDescriptor `yaml:"commands,omitempty"`
}

// LoadFiles builds a specification from the builtin tables overlaid with
// the given YAML specification files. A file's protocol selects the table
// it replaces; extensions layer on top with collision checking. Any
// inconsistency fails the load, not a later decode.
func LoadFiles(paths ...string) (*Specification, error) {
	s := Builtin()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spec file: %w", err)
		}
		var f specFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("unmarshal spec file %s: %w", path, err)
		}
		if err := s.apply(&f); err != nil {
			return nil, fmt.Errorf("apply spec file %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *Specification) apply(f *specFile) error {
	switch f.Protocol {
	case models.ProtocolRVC, models.ProtocolJ1939:
	default:
		return fmt.Errorf("unknown protocol %q", f.Protocol)
	}

	if len(f.Messages) > 0 {
		table, err := NewTable(f.Protocol, f.Messages)
		if err != nil {
			return err
		}
		if f.Protocol == models.ProtocolJ1939 {
			s.J1939 = table
		} else {
			s.RVC = table
		}
	}
	if len(f.Extensions) > 0 {
		if err := s.Table(f.Protocol).Extend(f.Extensions); err != nil {
			return err
		}
	}
	if len(f.Limits) > 0 {
		s.Limits = append(s.Limits, f.Limits...)
	}
	if len(f.Sources) > 0 {
		s.Sources[f.Protocol] = append(s.Sources[f.Protocol], f.Sources...)
	}
	for _, c := range f.Commands {
		key := CommandKey(c.EntityID, c.Name)
		if _, dup := s.Commands[key]; dup {
			return fmt.Errorf("duplicate command %s", key)
		}
		if _, ok := s.Table(c.Protocol).Lookup(c.MsgID); !ok {
			return fmt.Errorf("command %s references unknown %s message %05X", key, c.Protocol, c.MsgID)
		}
		s.Commands[key] = c
	}
	return nil
}
