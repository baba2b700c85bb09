package encode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvlink/canhub/internal/decode"
	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/reassembly"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/canbus"
	"github.com/rvlink/canhub/pkg/signal"
)

const testSource = 0x9E

func newEncoder() *Encoder {
	return New(spec.NewStore(spec.Builtin()), testSource)
}

func TestEncode_SingleFrameCommand(t *testing.T) {
	e := newEncoder()
	frames, err := e.Encode(models.Command{
		EntityID: "light.salon", Name: "set_level",
		Values: map[string]float64{"desired_level": 50, "delay_duration": 0},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	hdr := canbus.ParseID(frames[0].ID)
	assert.Equal(t, uint32(spec.DGNDCDimmerCommand2), hdr.PGN)
	assert.Equal(t, uint8(6), hdr.Priority)
	assert.Equal(t, uint8(testSource), hdr.Source)

	data := frames[0].Data
	require.Len(t, data, 8)
	assert.Equal(t, byte(1), data[0])   // fixed instance
	assert.Equal(t, byte(0), data[1])   // fixed group
	assert.Equal(t, byte(100), data[2]) // 50% at 0.5%/bit
	assert.Equal(t, byte(0), data[3])   // fixed set_level command code
	assert.Equal(t, byte(0), data[4])
	assert.Equal(t, byte(0xFF), data[5]) // untouched filler
}

func TestEncode_CallerOverridesFixed(t *testing.T) {
	e := newEncoder()
	frames, err := e.Encode(models.Command{
		EntityID: "light.salon", Name: "set_level",
		Values: map[string]float64{"desired_level": 0, "command": 3}, // off
	})
	require.NoError(t, err)
	assert.Equal(t, byte(3), frames[0].Data[3])
}

func TestEncode_UnknownCommand(t *testing.T) {
	e := newEncoder()
	_, err := e.Encode(models.Command{EntityID: "light.garage", Name: "set_level"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestEncode_UnknownSignalRejected(t *testing.T) {
	e := newEncoder()
	_, err := e.Encode(models.Command{
		EntityID: "light.salon", Name: "set_level",
		Values: map[string]float64{"warp_factor": 9},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signal")
}

func TestEncode_PreflightBlocksOutOfRange(t *testing.T) {
	e := newEncoder()
	frames, err := e.Encode(models.Command{
		EntityID: "light.salon", Name: "set_level",
		Values: map[string]float64{"desired_level": 150},
	})
	assert.Nil(t, frames) // zero frames on the wire

	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	require.NotEmpty(t, pf.Violations)
	assert.Equal(t, "desired_level", pf.Violations[0].Signal)
}

func TestEncode_PreflightEngineeringLimit(t *testing.T) {
	e := newEncoder()
	// 160degC passes the declared encoding range but breaks the 150degC
	// engineering limit
	frames, err := e.Encode(models.Command{
		EntityID: "climate.front", Name: "set_mode",
		Values: map[string]float64{"setpoint_heat": 160},
	})
	assert.Nil(t, frames)

	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	found := false
	for _, v := range pf.Violations {
		if v.Rule == "engineering_limit" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEncode_PreflightCollectsAllViolations(t *testing.T) {
	e := newEncoder()
	_, err := e.Encode(models.Command{
		EntityID: "climate.front", Name: "set_mode",
		Values: map[string]float64{"setpoint_heat": 300, "fan_speed": 120},
	})
	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	assert.GreaterOrEqual(t, len(pf.Violations), 3)
}

func TestEncode_MultiFrameFragmentation(t *testing.T) {
	e := newEncoder()
	frames, err := e.Encode(models.Command{
		EntityID: "display.dash", Name: "show_text",
		Values: map[string]float64{"duration": 10},
		Raw:    map[string][]byte{"text": []byte("WATER TANK LOW ")},
	})
	require.NoError(t, err)
	require.Len(t, frames, 4) // announce + 3 data frames

	ann := frames[0]
	hdr := canbus.ParseID(ann.ID)
	assert.Equal(t, uint32(decode.PGNTransferControl), hdr.PGN)
	assert.Equal(t, byte(32), ann.Data[0])
	assert.Equal(t, byte(17), ann.Data[1]) // size lo
	assert.Equal(t, byte(0), ann.Data[2])  // size hi
	assert.Equal(t, byte(3), ann.Data[3])  // packets
	target := uint32(ann.Data[5]) | uint32(ann.Data[6])<<8 | uint32(ann.Data[7])<<16
	assert.Equal(t, uint32(spec.DGNTextDisplay), target)

	for i, f := range frames[1:] {
		assert.Equal(t, uint32(decode.PGNTransferData), canbus.ParseID(f.ID).PGN)
		assert.Equal(t, byte(i+1), f.Data[0])
		assert.Len(t, f.Data, 8)
	}
	// last frame padded with 0xFF past the payload tail
	assert.Equal(t, byte(0xFF), frames[3].Data[7])
}

func TestEncode_MultiFrameRoundTrip(t *testing.T) {
	e := newEncoder()
	text := []byte("GEN STARTING   ")
	frames, err := e.Encode(models.Command{
		EntityID: "display.dash", Name: "show_text",
		Values: map[string]float64{"duration": 5},
		Raw:    map[string][]byte{"text": text},
	})
	require.NoError(t, err)

	store := spec.NewStore(spec.Builtin())
	reasm := reassembly.New(reassembly.Config{Timeout: time.Second, Tolerance: 2})
	d := decode.New(models.ProtocolRVC, store, reasm)

	now := time.Now()
	var msg *models.DecodedMessage
	for _, f := range frames {
		res := d.Decode(canbus.Frame{Channel: "house", ID: f.ID, Data: f.Data, Timestamp: now}, now)
		if res.Message != nil {
			msg = res.Message
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, "TEXT_DISPLAY", msg.Name)
	assert.InDelta(t, 5.0, msg.Signals["duration"].Num, 1e-9)
	require.Equal(t, signal.KindRaw, msg.Signals["text"].Kind)
	assert.Equal(t, text, msg.Signals["text"].Raw)
}
