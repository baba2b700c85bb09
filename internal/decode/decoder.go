// Package decode turns raw frames into decoded messages for one protocol.
// Single-frame messages decode directly against the descriptor table;
// multi-frame broadcast transfers pass through the reassembler first.
package decode

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/reassembly"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/canbus"
	"github.com/rvlink/canhub/pkg/signal"
)

// Transport protocol group numbers (J1939-21; RV-C uses the same transport).
const (
	PGNTransferControl = 0x0EC00 // TP.CM
	PGNTransferData    = 0x0EB00 // TP.DT

	ctrlBAM = 32
)

// Result is the outcome of feeding one frame to the decoder. Message is nil
// for transport frames, unknown ids and malformed payloads; Events carries
// whatever the frame provoked.
type Result struct {
	Message *models.DecodedMessage
	Events  []models.Event
}

// Decoder decodes one protocol's traffic. Safe for concurrent use.
type Decoder struct {
	protocol models.Protocol
	store    *spec.Store
	reasm    *reassembly.Reassembler

	mu          sync.Mutex
	seenUnknown map[uint32]struct{}
	openKeys    map[transferOwner]reassembly.Key
}

// transferOwner locates the single broadcast transfer a source may have in
// flight on a channel; data frames carry no target id, so it is remembered
// from the announce.
type transferOwner struct {
	channel string
	source  uint8
}

// New creates a decoder for one protocol backed by its own reassembler.
func New(protocol models.Protocol, store *spec.Store, reasm *reassembly.Reassembler) *Decoder {
	return &Decoder{
		protocol:    protocol,
		store:       store,
		reasm:       reasm,
		seenUnknown: make(map[uint32]struct{}),
		openKeys:    make(map[transferOwner]reassembly.Key),
	}
}

// Protocol returns the protocol this decoder speaks.
func (d *Decoder) Protocol() models.Protocol { return d.protocol }

// Lookup resolves a message id in the active descriptor table.
func (d *Decoder) Lookup(id uint32) (*spec.MessageDescriptor, bool) {
	return d.store.Active().Table(d.protocol).Lookup(id)
}

// TierOf returns the scheduling tier name for a message id. Transport
// frames ride the high tier so an in-progress transfer is not starved by
// its own tier's backlog; unclassified ids take the normal tier.
func (d *Decoder) TierOf(id uint32) string {
	if id == PGNTransferControl || id == PGNTransferData {
		return spec.TierHigh
	}
	if desc, ok := d.Lookup(id); ok {
		return desc.Tier
	}
	return spec.TierNormal
}

// Decode consumes one frame. Transport frames advance reassembly and only
// produce a message when a transfer completes.
func (d *Decoder) Decode(frame canbus.Frame, now time.Time) Result {
	hdr := frame.Header()

	switch hdr.PGN {
	case PGNTransferControl:
		return d.handleAnnounce(frame, hdr, now)
	case PGNTransferData:
		return d.handleData(frame, hdr, now)
	}

	desc, ok := d.Lookup(hdr.PGN)
	if !ok {
		return Result{Events: d.unknownEvent(frame, hdr)}
	}
	return d.decodePayload(desc, frame.Channel, hdr.Source, frame.Data, frame.Timestamp)
}

func (d *Decoder) handleAnnounce(frame canbus.Frame, hdr canbus.Header, now time.Time) Result {
	if len(frame.Data) < 8 {
		return Result{Events: d.malformedEvent(frame, hdr, "transport announce shorter than 8 bytes")}
	}
	if frame.Data[0] != ctrlBAM {
		// destination-specific (RTS/CTS) transfers are not broadcast; ignore
		return Result{}
	}
	size := int(binary.LittleEndian.Uint16(frame.Data[1:3]))
	packets := int(frame.Data[3])
	target := uint32(frame.Data[5]) | uint32(frame.Data[6])<<8 | uint32(frame.Data[7])<<16

	key := reassembly.Key{Channel: frame.Channel, Source: hdr.Source, MsgID: target}
	replaced, err := d.reasm.Start(key, size, packets, now)
	if err != nil {
		return Result{Events: d.malformedEvent(frame, hdr, err.Error())}
	}
	d.mu.Lock()
	d.openKeys[transferOwner{channel: frame.Channel, source: hdr.Source}] = key
	d.mu.Unlock()
	if replaced {
		ev := models.NewEvent(models.EventKindReassemblySequence, models.EventLevelInfo,
			fmt.Sprintf("transfer for %05X restarted by new announce", target))
		ev.Channel, ev.Source, ev.MsgID = frame.Channel, hdr.Source, target
		return Result{Events: []models.Event{ev}}
	}
	return Result{}
}

func (d *Decoder) handleData(frame canbus.Frame, hdr canbus.Header, now time.Time) Result {
	if len(frame.Data) < 2 {
		return Result{Events: d.malformedEvent(frame, hdr, "transport data shorter than 2 bytes")}
	}
	seq := int(frame.Data[0])
	chunk := frame.Data[1:]

	// the target id is whichever transfer this source has open; probe by
	// scanning is avoided because the key carries it from the announce
	key, ok := d.openKeyFor(frame.Channel, hdr.Source)
	if !ok {
		ev := models.NewEvent(models.EventKindReassemblySequence, models.EventLevelWarning,
			"transport data without open transfer")
		ev.Channel, ev.Source = frame.Channel, hdr.Source
		return Result{Events: []models.Event{ev}}
	}

	payload, done, err := d.reasm.Add(key, seq, chunk, now)
	if err != nil {
		d.forgetOwner(frame.Channel, hdr.Source)
		ev := models.NewEvent(models.EventKindReassemblySequence, models.EventLevelWarning, err.Error())
		ev.Channel, ev.Source, ev.MsgID = frame.Channel, hdr.Source, key.MsgID
		return Result{Events: []models.Event{ev}}
	}
	if !done {
		return Result{}
	}
	d.forgetOwner(frame.Channel, hdr.Source)

	desc, known := d.Lookup(key.MsgID)
	if !known {
		return Result{Events: d.unknownEvent(frame, canbus.Header{PGN: key.MsgID, Source: hdr.Source})}
	}
	return d.decodePayload(desc, frame.Channel, hdr.Source, payload, frame.Timestamp)
}

func (d *Decoder) decodePayload(desc *spec.MessageDescriptor, channel string, source uint8, payload []byte, ts time.Time) Result {
	if len(payload) < desc.Length {
		hdr := canbus.Header{PGN: desc.ID, Source: source}
		return Result{Events: d.malformedEvent(canbus.Frame{Channel: channel}, hdr,
			fmt.Sprintf("payload %d bytes, descriptor declares %d", len(payload), desc.Length))}
	}

	msg := &models.DecodedMessage{
		Protocol:  d.protocol,
		MsgID:     desc.ID,
		Name:      desc.Name,
		System:    desc.System,
		Source:    source,
		Channel:   channel,
		Timestamp: ts,
		Signals:   make(map[string]signal.Value, len(desc.Signals)),
		Payload:   payload,
	}
	for _, sd := range desc.Signals {
		v, err := signal.Decode(payload, sd)
		if err != nil {
			// descriptor and payload disagree; the table was validated at
			// load so this points at the payload
			hdr := canbus.Header{PGN: desc.ID, Source: source}
			return Result{Events: d.malformedEvent(canbus.Frame{Channel: channel}, hdr, err.Error())}
		}
		msg.Signals[sd.Name] = v
	}
	return Result{Message: msg}
}

// Sweep expires stale transfers and returns their timeout events.
func (d *Decoder) Sweep(now time.Time) []models.Event {
	var events []models.Event
	for _, ex := range d.reasm.Sweep(now) {
		d.forgetOwner(ex.Key.Channel, ex.Key.Source)
		ev := models.NewEvent(models.EventKindReassemblyTimeout, models.EventLevelWarning,
			fmt.Sprintf("transfer for %05X timed out after %d of %d packets", ex.Key.MsgID, ex.Received, ex.Expected))
		ev.Channel, ev.Source, ev.MsgID = ex.Key.Channel, ex.Key.Source, ex.Key.MsgID
		events = append(events, ev)
		log.Debug().
			Str("channel", ex.Key.Channel).
			Uint8("source", ex.Key.Source).
			Uint32("msg_id", ex.Key.MsgID).
			Int("received", ex.Received).
			Msg("reassembly timeout")
	}
	return events
}

func (d *Decoder) openKeyFor(channel string, source uint8) (reassembly.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.openKeys[transferOwner{channel: channel, source: source}]
	return key, ok
}

func (d *Decoder) forgetOwner(channel string, source uint8) {
	d.mu.Lock()
	delete(d.openKeys, transferOwner{channel: channel, source: source})
	d.mu.Unlock()
}

// unknownEvent emits UNKNOWN_MESSAGE once per id; repeats are logged at
// debug only so a chatty unknown device cannot flood the event stream.
func (d *Decoder) unknownEvent(frame canbus.Frame, hdr canbus.Header) []models.Event {
	d.mu.Lock()
	_, seen := d.seenUnknown[hdr.PGN]
	if !seen {
		d.seenUnknown[hdr.PGN] = struct{}{}
	}
	d.mu.Unlock()

	if seen {
		log.Debug().Uint32("msg_id", hdr.PGN).Uint8("source", hdr.Source).Msg("unknown message id")
		return nil
	}
	ev := models.NewEvent(models.EventKindUnknownMessage, models.EventLevelInfo,
		fmt.Sprintf("no descriptor for %s message %05X", d.protocol, hdr.PGN))
	ev.Channel, ev.Source, ev.MsgID = frame.Channel, hdr.Source, hdr.PGN
	return []models.Event{ev}
}

func (d *Decoder) malformedEvent(frame canbus.Frame, hdr canbus.Header, detail string) []models.Event {
	ev := models.NewEvent(models.EventKindMalformedPayload, models.EventLevelWarning, detail)
	ev.Channel, ev.Source, ev.MsgID = frame.Channel, hdr.Source, hdr.PGN
	return []models.Event{ev}
}
