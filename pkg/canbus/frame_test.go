package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseID_BroadcastPGN(t *testing.T) {
	// priority 6, DGN 0x1FEDA (DP=1, PF=0xFE, PS=0xDA), source 0x80
	h := ParseID(0x19FEDA80)
	assert.Equal(t, uint8(6), h.Priority)
	assert.Equal(t, uint32(0x1FEDA), h.PGN)
	assert.Equal(t, uint8(0x80), h.Source)
	assert.Equal(t, uint8(BroadcastAddr), h.Destination)
}

func TestParseID_DestinationSpecific(t *testing.T) {
	// PF 0xEC < 0xF0: PS carries the destination, not part of the PGN
	h := ParseID(0x1CEC4A21)
	assert.Equal(t, uint8(7), h.Priority)
	assert.Equal(t, uint32(0x0EC00), h.PGN)
	assert.Equal(t, uint8(0x4A), h.Destination)
	assert.Equal(t, uint8(0x21), h.Source)
}

func TestParseID_J1939Broadcast(t *testing.T) {
	// EEC1: priority 3, PGN 0xF004, source 0x00
	h := ParseID(0x0CF00400)
	assert.Equal(t, uint8(3), h.Priority)
	assert.Equal(t, uint32(0xF004), h.PGN)
	assert.Equal(t, uint8(0x00), h.Source)
}

func TestHeaderID_RoundTrip(t *testing.T) {
	cases := []uint32{
		0x19FEDA80, // RV-C broadcast
		0x0CF00400, // J1939 broadcast
		0x1CEC4A21, // destination-specific
		0x18EBFF9E, // transport data, global destination
	}
	for _, id := range cases {
		assert.Equal(t, id, ParseID(id).ID(), "id %08X", id)
	}
}

func TestHeader_BuildTransportID(t *testing.T) {
	h := Header{Priority: 7, PGN: 0x0EB00, Source: 0x9E, Destination: BroadcastAddr}
	parsed := ParseID(h.ID())
	assert.Equal(t, uint32(0x0EB00), parsed.PGN)
	assert.Equal(t, uint8(0x9E), parsed.Source)
	assert.Equal(t, uint8(BroadcastAddr), parsed.Destination)
}

func TestFrame_Header(t *testing.T) {
	f := Frame{Channel: "house", ID: 0x19FEDA80, Data: make([]byte, 8)}
	assert.Equal(t, uint32(0x1FEDA), f.Header().PGN)
}
