// Package bridge maps decoded messages from both protocols onto the shared
// entity model, so a heavy-chassis gauge and a house-side dimmer end up in
// the same state namespace. Conversions are pure and total: every decoded
// message of a mapped id produces an update, missing signals are simply
// absent from it, and nothing here can fail.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/signal"
)

// Mapping describes how one message id projects onto an entity. When
// InstanceFrom names a signal, its value (enum label preferred) becomes the
// entity id suffix: "tank" + instance "fresh" -> "tank.fresh".
type Mapping struct {
	EntityID     string
	InstanceFrom string
	System       string
	Fields       map[string]string // signal name -> entity value key
}

type mapKey struct {
	protocol models.Protocol
	msgID    uint32
}

// Stats is a snapshot of bridge traffic counters.
type Stats struct {
	ConvertedRVC   uint64 `json:"convertedRvc"`
	ConvertedJ1939 uint64 `json:"convertedJ1939"`
	Unmapped       uint64 `json:"unmapped"`
}

// Bridge converts decoded messages into entity updates. Mappings may be
// registered while conversions are in flight.
type Bridge struct {
	mu       sync.RWMutex
	mappings map[mapKey]*Mapping

	convertedRVC   atomic.Uint64
	convertedJ1939 atomic.Uint64
	unmapped       atomic.Uint64
}

// New creates a bridge carrying the builtin mapping set.
func New() *Bridge {
	b := &Bridge{mappings: make(map[mapKey]*Mapping)}
	for id, m := range builtinJ1939Mappings() {
		b.mappings[mapKey{models.ProtocolJ1939, id}] = m
	}
	for id, m := range builtinRVCMappings() {
		b.mappings[mapKey{models.ProtocolRVC, id}] = m
	}
	return b
}

// Add registers a mapping, replacing any existing one for the same id.
func (b *Bridge) Add(protocol models.Protocol, msgID uint32, m *Mapping) {
	b.mu.Lock()
	b.mappings[mapKey{protocol, msgID}] = m
	b.mu.Unlock()
}

// ToEntity projects a decoded message onto its entity. ok is false when the
// message id has no mapping; that is normal for diagnostic-only traffic and
// is only counted.
func (b *Bridge) ToEntity(msg *models.DecodedMessage) (*models.EntityUpdate, bool) {
	b.mu.RLock()
	m, found := b.mappings[mapKey{msg.Protocol, msg.MsgID}]
	b.mu.RUnlock()
	if !found {
		b.unmapped.Add(1)
		return nil, false
	}

	update := &models.EntityUpdate{
		EntityID:  m.EntityID,
		System:    m.System,
		Values:    make(map[string]float64, len(m.Fields)),
		Source:    msg.Protocol,
		Timestamp: msg.Timestamp,
	}

	if m.InstanceFrom != "" {
		if inst, ok := msg.Signals[m.InstanceFrom]; ok {
			update.EntityID = m.EntityID + "." + instanceSuffix(inst)
		}
	}

	for sig, key := range m.Fields {
		v, ok := msg.Signals[sig]
		if !ok {
			continue
		}
		switch v.Kind {
		case signal.KindNumeric:
			update.Values[key] = v.Num
		case signal.KindEnum:
			update.Values[key] = float64(v.Index)
		}
	}

	if msg.Protocol == models.ProtocolJ1939 {
		b.convertedJ1939.Add(1)
	} else {
		b.convertedRVC.Add(1)
	}
	return update, true
}

// Stats returns a snapshot of the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ConvertedRVC:   b.convertedRVC.Load(),
		ConvertedJ1939: b.convertedJ1939.Load(),
		Unmapped:       b.unmapped.Load(),
	}
}

func instanceSuffix(v signal.Value) string {
	switch v.Kind {
	case signal.KindEnum:
		if v.Label != "" {
			return v.Label
		}
		return fmt.Sprintf("%d", v.Index)
	case signal.KindNumeric:
		return fmt.Sprintf("%d", int64(v.Num))
	default:
		return "raw"
	}
}

func builtinJ1939Mappings() map[uint32]*Mapping {
	return map[uint32]*Mapping{
		spec.PGNEEC1: {
			EntityID: "engine", System: "engine",
			Fields: map[string]string{
				"engine_speed":         "rpm",
				"driver_demand_torque": "demand_torque_pct",
				"actual_engine_torque": "torque_pct",
			},
		},
		spec.PGNEEC2: {
			EntityID: "engine", System: "engine",
			Fields: map[string]string{
				"accel_pedal_position": "accel_pct",
				"engine_load":          "load_pct",
			},
		},
		spec.PGNEngineTemp1: {
			EntityID: "engine", System: "engine",
			Fields: map[string]string{
				"engine_coolant_temp": "coolant_c",
				"fuel_temp":           "fuel_c",
				"engine_oil_temp":     "oil_c",
			},
		},
		spec.PGNCruiseVehSpeed: {
			EntityID: "chassis", System: "chassis",
			Fields: map[string]string{
				"wheel_speed":          "speed_kmh",
				"parking_brake_switch": "parking_brake",
				"brake_switch":         "brake",
				"cruise_active":        "cruise",
			},
		},
		spec.PGNActiveDiagnostics: {
			EntityID: "engine.fault", System: "diagnostics",
			Fields: map[string]string{
				"spn":              "spn",
				"fmi":              "fmi",
				"occurrence_count": "occurrences",
				"red_stop_lamp":    "stop_lamp",
				"amber_warning_lamp": "warning_lamp",
			},
		},
		spec.PGNETC2: {
			EntityID: "transmission", System: "transmission",
			Fields: map[string]string{
				"selected_gear": "selected_gear",
				"current_gear":  "current_gear",
			},
		},
		spec.PGNTransmissionTemp: {
			EntityID: "transmission", System: "transmission",
			Fields: map[string]string{
				"oil_temp":        "oil_c",
				"oil_level":       "oil_level_pct",
				"clutch_pressure": "clutch_kpa",
			},
		},
	}
}

func builtinRVCMappings() map[uint32]*Mapping {
	return map[uint32]*Mapping{
		spec.DGNDCDimmerStatus3: {
			EntityID: "light", InstanceFrom: "instance", System: "lighting",
			Fields: map[string]string{
				"operating_status": "level_pct",
				"enable_status":    "enabled",
			},
		},
		spec.DGNTankStatus: {
			EntityID: "tank", InstanceFrom: "instance", System: "tanks",
			Fields: map[string]string{
				"relative_level": "level",
				"resolution":     "resolution",
				"absolute_level": "liters",
			},
		},
		spec.DGNThermostatStatus1: {
			EntityID: "climate", InstanceFrom: "instance", System: "climate",
			Fields: map[string]string{
				"operating_mode": "mode",
				"fan_speed":      "fan_pct",
				"setpoint_heat":  "setpoint_heat_c",
				"setpoint_cool":  "setpoint_cool_c",
			},
		},
		spec.DGNThermostatAmbient: {
			EntityID: "climate", InstanceFrom: "instance", System: "climate",
			Fields: map[string]string{
				"ambient_temp": "ambient_c",
			},
		},
		spec.DGNDCSourceStatus1: {
			EntityID: "power", InstanceFrom: "instance", System: "power",
			Fields: map[string]string{
				"dc_voltage": "voltage",
				"dc_current": "amps",
			},
		},
	}
}
