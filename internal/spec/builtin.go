package spec

import (
	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/pkg/signal"
)

func f64(v float64) *float64 { return &v }

// temp16 is the common 16-bit temperature encoding (0.03125 K/bit, -273 offset).
func temp16(name string, startBit int) *signal.Descriptor {
	return &signal.Descriptor{
		Name: name, StartBit: startBit, BitLength: 16,
		Scale: 0.03125, Offset: -273, Unit: "degC",
		Min: f64(-60), Max: f64(210),
	}
}

// Builtin returns the compiled-in specification: the core RV-C and J1939
// tables, engineering limits and the stock entity command set. YAML spec
// files overlay or extend these at startup.
func Builtin() *Specification {
	rvc, err := NewTable(models.ProtocolRVC, rvcMessages())
	if err != nil {
		panic(err) // compiled-in table, load-time invariant
	}
	j1939, err := NewTable(models.ProtocolJ1939, j1939Messages())
	if err != nil {
		panic(err)
	}

	return &Specification{
		RVC:   rvc,
		J1939: j1939,
		Limits: []EngineeringLimit{
			{Unit: "V", Min: 0, Max: 32},
			{Unit: "A", Min: -300, Max: 300},
			{Unit: "degC", Min: -60, Max: 150},
			{Unit: "kPa", Min: 0, Max: 1034},
			{Unit: "rpm", Min: 0, Max: 8031.875},
			{Unit: "%", Min: 0, Max: 100},
		},
		Sources: map[models.Protocol][]AddrRange{
			models.ProtocolRVC:   {{From: 0, To: 239}},
			models.ProtocolJ1939: {{From: 0, To: 253}},
		},
		Commands: builtinCommands(),
	}
}

// DGN constants for the house-coach (RV-C) table.
const (
	DGNDCDimmerStatus3    = 0x1FEDA
	DGNDCDimmerCommand2   = 0x1FEDB
	DGNTextDisplay        = 0x1FED9
	DGNTankStatus         = 0x1FFB7
	DGNThermostatStatus1  = 0x1FFE2
	DGNThermostatCommand1 = 0x1FEF9
	DGNThermostatAmbient  = 0x1FF9C
	DGNDCSourceStatus1    = 0x1FFFD
)

func rvcMessages() []*MessageDescriptor {
	onOff := map[uint64]string{0: "off", 1: "on", 2: "error", 3: "unavailable"}

	return []*MessageDescriptor{
		{
			ID: DGNDCDimmerStatus3, Name: "DC_DIMMER_STATUS_3", System: "lighting", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "group", StartBit: 8, BitLength: 8},
				{Name: "operating_status", StartBit: 16, BitLength: 8, Scale: 0.5, Unit: "%", Min: f64(0), Max: f64(100)},
				{Name: "lock_status", StartBit: 24, BitLength: 2, Enum: map[uint64]string{0: "unlocked", 1: "locked"}},
				{Name: "overcurrent_status", StartBit: 26, BitLength: 2, Enum: onOff},
				{Name: "override_status", StartBit: 28, BitLength: 2, Enum: onOff},
				{Name: "enable_status", StartBit: 30, BitLength: 2, Enum: onOff},
				{Name: "delay_duration", StartBit: 32, BitLength: 8, Unit: "s"},
			},
			Dependencies: []Dependency{
				{Signal: "operating_status", Requires: "enable_status", Label: "on"},
			},
		},
		{
			ID: DGNDCDimmerCommand2, Name: "DC_DIMMER_COMMAND_2", System: "lighting", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "group", StartBit: 8, BitLength: 8},
				{Name: "desired_level", StartBit: 16, BitLength: 8, Scale: 0.5, Unit: "%", Min: f64(0), Max: f64(100)},
				{Name: "command", StartBit: 24, BitLength: 8, Enum: map[uint64]string{
					0: "set_level", 1: "on_duration", 2: "on_delay", 3: "off", 5: "toggle", 17: "ramp_up", 18: "ramp_down",
				}},
				{Name: "delay_duration", StartBit: 32, BitLength: 8, Unit: "s"},
			},
		},
		{
			ID: DGNTextDisplay, Name: "TEXT_DISPLAY", System: "interior", Tier: TierLow, Length: 17,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "duration", StartBit: 8, BitLength: 8, Unit: "s"},
				{Name: "text", StartBit: 16, BitLength: 120},
			},
		},
		{
			ID: DGNTankStatus, Name: "TANK_STATUS", System: "tanks", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8, Enum: map[uint64]string{0: "fresh", 1: "black", 2: "gray", 3: "lpg"}},
				{Name: "relative_level", StartBit: 8, BitLength: 8, Min: f64(0), Max: f64(250)},
				{Name: "resolution", StartBit: 16, BitLength: 8, Min: f64(1), Max: f64(250)},
				{Name: "absolute_level", StartBit: 24, BitLength: 16, Unit: "L"},
			},
		},
		{
			ID: DGNThermostatStatus1, Name: "THERMOSTAT_STATUS_1", System: "climate", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "operating_mode", StartBit: 8, BitLength: 4, Enum: map[uint64]string{
					0: "off", 1: "cool", 2: "heat", 3: "auto_heat_cool", 4: "fan_only",
				}},
				{Name: "fan_mode", StartBit: 12, BitLength: 2, Enum: map[uint64]string{0: "auto", 1: "on"}},
				{Name: "schedule_mode", StartBit: 14, BitLength: 2, Enum: map[uint64]string{0: "disabled", 1: "enabled"}},
				{Name: "fan_speed", StartBit: 16, BitLength: 8, Scale: 0.5, Unit: "%", Min: f64(0), Max: f64(100)},
				temp16("setpoint_heat", 24),
				temp16("setpoint_cool", 40),
			},
			Dependencies: []Dependency{
				{Signal: "fan_speed", Requires: "fan_mode", Label: "on"},
			},
		},
		{
			ID: DGNThermostatCommand1, Name: "THERMOSTAT_COMMAND_1", System: "climate", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "operating_mode", StartBit: 8, BitLength: 4, Enum: map[uint64]string{
					0: "off", 1: "cool", 2: "heat", 3: "auto_heat_cool", 4: "fan_only",
				}},
				{Name: "fan_mode", StartBit: 12, BitLength: 2, Enum: map[uint64]string{0: "auto", 1: "on"}},
				{Name: "schedule_mode", StartBit: 14, BitLength: 2},
				{Name: "fan_speed", StartBit: 16, BitLength: 8, Scale: 0.5, Unit: "%", Min: f64(0), Max: f64(100)},
				temp16("setpoint_heat", 24),
				temp16("setpoint_cool", 40),
			},
		},
		{
			ID: DGNThermostatAmbient, Name: "THERMOSTAT_AMBIENT_STATUS", System: "climate", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				temp16("ambient_temp", 8),
			},
		},
		{
			ID: DGNDCSourceStatus1, Name: "DC_SOURCE_STATUS_1", System: "power", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "instance", StartBit: 0, BitLength: 8},
				{Name: "device_priority", StartBit: 8, BitLength: 8},
				{Name: "dc_voltage", StartBit: 16, BitLength: 16, Scale: 0.05, Unit: "V", Min: f64(0), Max: f64(65)},
				{Name: "dc_current", StartBit: 32, BitLength: 16, Scale: 0.05, Offset: -1600, Unit: "A", Min: f64(-1600), Max: f64(1600)},
			},
		},
	}
}

// PGN constants for the heavy-vehicle (J1939) table.
const (
	PGNTSC1              = 0x00000
	PGNEEC1              = 0x0F004
	PGNEEC2              = 0x0F003
	PGNETC2              = 0x0F005
	PGNActiveDiagnostics = 0x0FECA // DM1
	PGNEngineTemp1       = 0x0FEEE // ET1
	PGNCruiseVehSpeed    = 0x0FEF1 // CCVS1
	PGNTransmissionTemp  = 0x0FEF8
)

func j1939Messages() []*MessageDescriptor {
	pct := func(name string, startBit int) *signal.Descriptor {
		return &signal.Descriptor{Name: name, StartBit: startBit, BitLength: 8, Scale: 1, Offset: -125, Unit: "%", Min: f64(-125), Max: f64(125)}
	}

	return []*MessageDescriptor{
		{
			ID: PGNTSC1, Name: "TSC1", System: "engine", Tier: TierCritical, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "override_control_mode", StartBit: 0, BitLength: 2, Enum: map[uint64]string{
					0: "override_disabled", 1: "speed_control", 2: "torque_control", 3: "speed_torque_limit",
				}},
				{Name: "requested_speed", StartBit: 8, BitLength: 16, Scale: 0.125, Unit: "rpm", Min: f64(0), Max: f64(8031.875)},
				pct("requested_torque", 24),
			},
		},
		{
			ID: PGNEEC1, Name: "EEC1", System: "engine", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "engine_torque_mode", StartBit: 0, BitLength: 4},
				pct("driver_demand_torque", 8),
				pct("actual_engine_torque", 16),
				{Name: "engine_speed", StartBit: 24, BitLength: 16, Scale: 0.125, Unit: "rpm", Min: f64(0), Max: f64(8031.875)},
				{Name: "source_address", StartBit: 40, BitLength: 8},
			},
		},
		{
			ID: PGNEEC2, Name: "EEC2", System: "engine", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "accel_pedal_low_idle", StartBit: 0, BitLength: 2},
				{Name: "accel_pedal_position", StartBit: 8, BitLength: 8, Scale: 0.4, Unit: "%", Min: f64(0), Max: f64(100)},
				{Name: "engine_load", StartBit: 16, BitLength: 8, Unit: "%", Min: f64(0), Max: f64(125)},
			},
		},
		{
			ID: PGNETC2, Name: "ETC2", System: "transmission", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "selected_gear", StartBit: 0, BitLength: 8, Scale: 1, Offset: -125},
				{Name: "actual_gear_ratio", StartBit: 8, BitLength: 16, Scale: 0.001},
				{Name: "current_gear", StartBit: 24, BitLength: 8, Scale: 1, Offset: -125},
			},
		},
		{
			ID: PGNActiveDiagnostics, Name: "DM1", System: "diagnostics", Tier: TierCritical, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "protect_lamp", StartBit: 0, BitLength: 2},
				{Name: "amber_warning_lamp", StartBit: 2, BitLength: 2},
				{Name: "red_stop_lamp", StartBit: 4, BitLength: 2},
				{Name: "malfunction_lamp", StartBit: 6, BitLength: 2},
				{Name: "spn", StartBit: 16, BitLength: 19},
				{Name: "fmi", StartBit: 35, BitLength: 5},
				{Name: "occurrence_count", StartBit: 40, BitLength: 7},
			},
		},
		{
			ID: PGNEngineTemp1, Name: "ET1", System: "engine", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "engine_coolant_temp", StartBit: 0, BitLength: 8, Scale: 1, Offset: -40, Unit: "degC", Min: f64(-40), Max: f64(210)},
				{Name: "fuel_temp", StartBit: 8, BitLength: 8, Scale: 1, Offset: -40, Unit: "degC", Min: f64(-40), Max: f64(210)},
				temp16("engine_oil_temp", 16),
			},
		},
		{
			ID: PGNCruiseVehSpeed, Name: "CCVS1", System: "chassis", Tier: TierHigh, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "parking_brake_switch", StartBit: 2, BitLength: 2, Enum: map[uint64]string{0: "released", 1: "set"}},
				{Name: "wheel_speed", StartBit: 8, BitLength: 16, Scale: 0.00390625, Unit: "km/h", Min: f64(0), Max: f64(250.996)},
				{Name: "cruise_active", StartBit: 24, BitLength: 2, Enum: map[uint64]string{0: "off", 1: "on"}},
				{Name: "brake_switch", StartBit: 28, BitLength: 2, Enum: map[uint64]string{0: "released", 1: "pressed"}},
			},
		},
		{
			ID: PGNTransmissionTemp, Name: "TRF1", System: "transmission", Tier: TierNormal, Length: 8,
			Signals: []*signal.Descriptor{
				{Name: "clutch_pressure", StartBit: 0, BitLength: 8, Scale: 16, Unit: "kPa", Min: f64(0), Max: f64(4000)},
				{Name: "oil_level", StartBit: 8, BitLength: 8, Scale: 0.4, Unit: "%", Min: f64(0), Max: f64(100)},
				temp16("oil_temp", 32),
			},
		},
	}
}

func builtinCommands() map[string]*CommandDescriptor {
	cmds := []*CommandDescriptor{
		{
			EntityID: "light.salon", Name: "set_level", Protocol: models.ProtocolRVC,
			MsgID: DGNDCDimmerCommand2, Priority: 6,
			Fixed: map[string]float64{"instance": 1, "group": 0, "command": 0},
		},
		{
			EntityID: "light.bedroom", Name: "set_level", Protocol: models.ProtocolRVC,
			MsgID: DGNDCDimmerCommand2, Priority: 6,
			Fixed: map[string]float64{"instance": 2, "group": 0, "command": 0},
		},
		{
			EntityID: "climate.front", Name: "set_mode", Protocol: models.ProtocolRVC,
			MsgID: DGNThermostatCommand1, Priority: 6,
			Fixed: map[string]float64{"instance": 1},
		},
		{
			EntityID: "display.dash", Name: "show_text", Protocol: models.ProtocolRVC,
			MsgID: DGNTextDisplay, Priority: 7,
			Fixed: map[string]float64{"instance": 1},
		},
		{
			EntityID: "engine", Name: "limit_speed", Protocol: models.ProtocolJ1939,
			MsgID: PGNTSC1, Priority: 3,
			Fixed: map[string]float64{"override_control_mode": 1},
		},
	}
	out := make(map[string]*CommandDescriptor, len(cmds))
	for _, c := range cmds {
		out[CommandKey(c.EntityID, c.Name)] = c
	}
	return out
}
