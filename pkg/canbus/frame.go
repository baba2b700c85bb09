// Package canbus defines the frame model shared by the RV-C and J1939
// pipelines: the raw inbound frame, the outbound frame, and the decomposed
// 29-bit arbitration header both protocols use.
package canbus

import "time"

// MaxFrameData is the largest payload a single classic CAN frame carries.
const MaxFrameData = 8

// BroadcastAddr is the global destination address (PDU2 / broadcast PGNs).
const BroadcastAddr = 0xFF

// Header is the decomposed 29-bit extended arbitration field. RV-C and J1939
// share the layout: priority(3) | EDP+DP(2) | PF(8) | PS(8) | source(8).
// PGN holds the message identifier (the DGN, in RV-C terms).
type Header struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
}

// ParseID decomposes a 29-bit arbitration id. When PF < 0xF0 the PS byte is
// a destination address and is excluded from the PGN; otherwise PS is part
// of the group number and the frame is broadcast.
func ParseID(id uint32) Header {
	h := Header{
		Priority: uint8((id >> 26) & 0x07),
		Source:   uint8(id),
	}
	pf := uint8(id >> 16)
	ps := uint8(id >> 8)
	dp := (id >> 24) & 0x03
	pgn := dp<<16 | uint32(pf)<<8
	if pf < 0xF0 {
		h.Destination = ps
		h.PGN = pgn
	} else {
		h.Destination = BroadcastAddr
		h.PGN = pgn | uint32(ps)
	}
	return h
}

// ID rebuilds the 29-bit arbitration id from the header fields.
func (h Header) ID() uint32 {
	id := uint32(h.Priority&0x07)<<26 | (h.PGN>>16&0x03)<<24 | (h.PGN>>8&0xFF)<<16
	pf := uint8(h.PGN >> 8)
	if pf < 0xF0 {
		id |= uint32(h.Destination) << 8
	} else {
		id |= (h.PGN & 0xFF) << 8
	}
	return id | uint32(h.Source)
}

// Frame is one raw inbound CAN frame as delivered by the transport layer.
type Frame struct {
	Channel   string    `json:"channel"`
	ID        uint32    `json:"id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Header parses the frame's arbitration field.
func (f Frame) Header() Header { return ParseID(f.ID) }

// OutboundFrame is one frame ready for transmission. Callers must transmit
// frames in the order the encoder produced them.
type OutboundFrame struct {
	ID   uint32 `json:"id"`
	Data []byte `json:"data"`
}
