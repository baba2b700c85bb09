package bridge

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/signal"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func j1939Msg(id uint32, signals map[string]signal.Value) *models.DecodedMessage {
	return &models.DecodedMessage{
		Protocol: models.ProtocolJ1939, MsgID: id, Source: 0x00,
		Channel: "chassis", Timestamp: t0, Signals: signals,
	}
}

func rvcMsg(id uint32, signals map[string]signal.Value) *models.DecodedMessage {
	return &models.DecodedMessage{
		Protocol: models.ProtocolRVC, MsgID: id, Source: 0x44,
		Channel: "house", Timestamp: t0, Signals: signals,
	}
}

func TestBridge_EngineTelemetry(t *testing.T) {
	b := New()
	update, ok := b.ToEntity(j1939Msg(spec.PGNEEC1, map[string]signal.Value{
		"engine_speed":         signal.Numeric(1850),
		"actual_engine_torque": signal.Numeric(42),
	}))
	require.True(t, ok)
	assert.Equal(t, "engine", update.EntityID)
	assert.Equal(t, "engine", update.System)
	assert.Equal(t, models.ProtocolJ1939, update.Source)
	assert.InDelta(t, 1850.0, update.Values["rpm"], 1e-9)
	assert.InDelta(t, 42.0, update.Values["torque_pct"], 1e-9)
	assert.Equal(t, t0, update.Timestamp)
}

func TestBridge_InstanceFromEnumLabel(t *testing.T) {
	b := New()
	update, ok := b.ToEntity(rvcMsg(spec.DGNTankStatus, map[string]signal.Value{
		"instance":       signal.Enum(0, "fresh"),
		"relative_level": signal.Numeric(180),
		"resolution":     signal.Numeric(250),
	}))
	require.True(t, ok)
	assert.Equal(t, "tank.fresh", update.EntityID)
	assert.InDelta(t, 180.0, update.Values["level"], 1e-9)
}

func TestBridge_InstanceFromNumeric(t *testing.T) {
	b := New()
	update, ok := b.ToEntity(rvcMsg(spec.DGNDCDimmerStatus3, map[string]signal.Value{
		"instance":         signal.Numeric(2),
		"operating_status": signal.Numeric(75),
		"enable_status":    signal.Enum(1, "on"),
	}))
	require.True(t, ok)
	assert.Equal(t, "light.2", update.EntityID)
	assert.InDelta(t, 75.0, update.Values["level_pct"], 1e-9)
	assert.InDelta(t, 1.0, update.Values["enabled"], 1e-9)
}

func TestBridge_UnmappedIDCounted(t *testing.T) {
	b := New()
	update, ok := b.ToEntity(j1939Msg(spec.PGNTSC1, map[string]signal.Value{
		"requested_speed": signal.Numeric(1500),
	}))
	assert.False(t, ok)
	assert.Nil(t, update)
	assert.Equal(t, uint64(1), b.Stats().Unmapped)
}

func TestBridge_MissingSignalsAreSimplyAbsent(t *testing.T) {
	b := New()
	update, ok := b.ToEntity(j1939Msg(spec.PGNEngineTemp1, map[string]signal.Value{
		"engine_coolant_temp": signal.Numeric(85),
	}))
	require.True(t, ok)
	assert.InDelta(t, 85.0, update.Values["coolant_c"], 1e-9)
	_, present := update.Values["oil_c"]
	assert.False(t, present)
}

func TestBridge_StatsPerDirection(t *testing.T) {
	b := New()
	b.ToEntity(j1939Msg(spec.PGNEEC1, map[string]signal.Value{"engine_speed": signal.Numeric(900)}))
	b.ToEntity(j1939Msg(spec.PGNCruiseVehSpeed, map[string]signal.Value{"wheel_speed": signal.Numeric(88)}))
	b.ToEntity(rvcMsg(spec.DGNTankStatus, map[string]signal.Value{"instance": signal.Enum(2, "gray")}))
	b.ToEntity(j1939Msg(0xDEAD, nil))

	s := b.Stats()
	assert.Equal(t, uint64(2), s.ConvertedJ1939)
	assert.Equal(t, uint64(1), s.ConvertedRVC)
	assert.Equal(t, uint64(1), s.Unmapped)
}

func TestBridge_AddCustomMapping(t *testing.T) {
	b := New()
	b.Add(models.ProtocolJ1939, 0xFF10, &Mapping{
		EntityID: "engine", System: "engine",
		Fields: map[string]string{"hours": "hours"},
	})
	update, ok := b.ToEntity(j1939Msg(0xFF10, map[string]signal.Value{"hours": signal.Numeric(1234)}))
	require.True(t, ok)
	assert.InDelta(t, 1234.0, update.Values["hours"], 1e-9)
}

// every mapped field name must exist in the builtin descriptor tables, so a
// mapping can never silently reference a signal that cannot occur
func TestBridge_MappingsTotalOverBuiltinTables(t *testing.T) {
	s := spec.Builtin()
	for id, m := range builtinJ1939Mappings() {
		desc, ok := s.J1939.Lookup(id)
		require.True(t, ok, "mapping for unknown J1939 id %05X", id)
		for sig := range m.Fields {
			assert.NotNil(t, desc.Signal(sig), "J1939 %05X mapping references missing signal %s", id, sig)
		}
		if m.InstanceFrom != "" {
			assert.NotNil(t, desc.Signal(m.InstanceFrom))
		}
	}
	for id, m := range builtinRVCMappings() {
		desc, ok := s.RVC.Lookup(id)
		require.True(t, ok, "mapping for unknown RV-C id %05X", id)
		for sig := range m.Fields {
			assert.NotNil(t, desc.Signal(sig), "RV-C %05X mapping references missing signal %s", id, sig)
		}
		if m.InstanceFrom != "" {
			assert.NotNil(t, desc.Signal(m.InstanceFrom))
		}
	}
}

func TestBridge_AddWhileConverting(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.Add(models.ProtocolRVC, uint32(0x1EF00+i), &Mapping{
				EntityID: fmt.Sprintf("custom.%d", i),
				System:   "exterior",
				Fields:   map[string]string{"position": "position"},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.ToEntity(rvcMsg(spec.DGNTankStatus, map[string]signal.Value{
				"relative_level": signal.Numeric(100),
				"resolution":     signal.Numeric(250),
			}))
		}
	}()
	wg.Wait()

	update, ok := b.ToEntity(rvcMsg(0x1EF05, map[string]signal.Value{
		"position": signal.Numeric(50),
	}))
	require.True(t, ok)
	assert.Equal(t, "custom.5", update.EntityID)
}
