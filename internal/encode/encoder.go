// Package encode turns validated entity commands into outbound frames.
// Every command passes a preflight check against declared ranges and
// engineering limits before a single frame is produced: a command that
// would push any signal past a safety ceiling yields zero frames.
package encode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/security"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/canbus"
	"github.com/rvlink/canhub/pkg/signal"
)

// ErrUnknownCommand is returned for an (entity, command) pair with no
// descriptor.
var ErrUnknownCommand = errors.New("encode: unknown command")

// PreflightError carries every limit the command would have broken. No
// frames were produced.
type PreflightError struct {
	Violations []security.Violation
}

func (e *PreflightError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "encode: preflight rejected command: " + strings.Join(parts, "; ")
}

// Encoder builds outbound frames from commands.
type Encoder struct {
	store      *spec.Store
	sourceAddr uint8
}

// New creates an encoder transmitting from the given source address.
func New(store *spec.Store, sourceAddr uint8) *Encoder {
	return &Encoder{store: store, sourceAddr: sourceAddr}
}

// Encode resolves, validates and serializes one command. The returned
// frames must be transmitted in order; a multi-frame payload comes back as
// its announce frame followed by its data frames.
func (e *Encoder) Encode(cmd models.Command) ([]canbus.OutboundFrame, error) {
	active := e.store.Active()
	cd, ok := active.Command(cmd.EntityID, cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, cmd.EntityID, cmd.Name)
	}
	desc, ok := active.Table(cd.Protocol).Lookup(cd.MsgID)
	if !ok {
		return nil, fmt.Errorf("encode: command %s/%s references missing message %05X", cmd.EntityID, cmd.Name, cd.MsgID)
	}

	// fixed values are defaults; the caller's values win on conflict
	values := make(map[string]float64, len(cd.Fixed)+len(cmd.Values))
	for name, v := range cd.Fixed {
		values[name] = v
	}
	for name, v := range cmd.Values {
		values[name] = v
	}

	if err := e.preflight(active, desc, values); err != nil {
		return nil, err
	}

	payload := make([]byte, desc.Length)
	for i := range payload {
		payload[i] = 0xFF // unset signals read as "no data"
	}
	for name, v := range values {
		sd := desc.Signal(name)
		if err := signal.Encode(signal.Numeric(v), sd, payload); err != nil {
			return nil, fmt.Errorf("encode %s/%s signal %s: %w", cmd.EntityID, cmd.Name, name, err)
		}
	}
	for name, raw := range cmd.Raw {
		sd := desc.Signal(name)
		if sd == nil {
			return nil, fmt.Errorf("encode %s/%s: unknown signal %s", cmd.EntityID, cmd.Name, name)
		}
		if err := signal.Encode(signal.RawBytes(raw), sd, payload); err != nil {
			return nil, fmt.Errorf("encode %s/%s signal %s: %w", cmd.EntityID, cmd.Name, name, err)
		}
	}

	if desc.MultiFrame() {
		return e.fragment(cd, payload), nil
	}

	id := canbus.Header{
		Priority:    cd.Priority,
		PGN:         cd.MsgID,
		Source:      e.sourceAddr,
		Destination: canbus.BroadcastAddr,
	}.ID()
	return []canbus.OutboundFrame{{ID: id, Data: payload}}, nil
}

// preflight checks every supplied value against the signal's declared range
// and the unit's engineering limit, collecting all violations. An unknown
// signal name is a hard error rather than a violation.
func (e *Encoder) preflight(active *spec.Specification, desc *spec.MessageDescriptor, values map[string]float64) error {
	var violations []security.Violation
	for name, v := range values {
		sd := desc.Signal(name)
		if sd == nil {
			return fmt.Errorf("encode: message %05X has no signal %s", desc.ID, name)
		}
		if !sd.InRange(v) {
			violations = append(violations, security.Violation{
				Signal: name, Rule: security.RuleRange, Value: v,
				Detail: fmt.Sprintf("value %g outside declared range", v),
			})
		}
		if sd.Unit != "" {
			if lim, found := active.Limit(sd.Unit); found && (v < lim.Min || v > lim.Max) {
				violations = append(violations, security.Violation{
					Signal: name, Rule: security.RuleLimit, Value: v,
					Detail: fmt.Sprintf("value %g%s outside engineering limit [%g, %g]", v, sd.Unit, lim.Min, lim.Max),
				})
			}
		}
	}
	if len(violations) > 0 {
		return &PreflightError{Violations: violations}
	}
	return nil
}

// fragment splits a multi-frame payload into a broadcast announce followed
// by sequenced data frames, 7 payload bytes per frame, padded with 0xFF.
func (e *Encoder) fragment(cd *spec.CommandDescriptor, payload []byte) []canbus.OutboundFrame {
	packets := (len(payload) + 6) / 7

	announceID := canbus.Header{
		Priority:    7,
		PGN:         0x0EC00,
		Source:      e.sourceAddr,
		Destination: canbus.BroadcastAddr,
	}.ID()
	announce := []byte{
		32, // BAM
		byte(len(payload)), byte(len(payload) >> 8),
		byte(packets), 0xFF,
		byte(cd.MsgID), byte(cd.MsgID >> 8), byte(cd.MsgID >> 16),
	}

	frames := make([]canbus.OutboundFrame, 0, packets+1)
	frames = append(frames, canbus.OutboundFrame{ID: announceID, Data: announce})

	dataID := canbus.Header{
		Priority:    7,
		PGN:         0x0EB00,
		Source:      e.sourceAddr,
		Destination: canbus.BroadcastAddr,
	}.ID()
	for seq := 1; seq <= packets; seq++ {
		chunk := make([]byte, 8)
		chunk[0] = byte(seq)
		for i := 1; i < 8; i++ {
			chunk[i] = 0xFF
		}
		copy(chunk[1:], payload[(seq-1)*7:])
		frames = append(frames, canbus.OutboundFrame{ID: dataID, Data: chunk})
	}
	return frames
}
