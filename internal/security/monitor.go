package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/spec"
)

// Mode selects how the monitor reacts to abuse.
type Mode string

const (
	// ModeEnforce blocks offending traffic.
	ModeEnforce Mode = "enforce"
	// ModeAudit emits events but lets traffic through.
	ModeAudit Mode = "audit"
	// ModeBypass disables monitoring entirely.
	ModeBypass Mode = "bypass"
)

// Config tunes the monitor's windows and ceilings.
type Config struct {
	Mode           Mode
	Window         time.Duration // counting window
	SourceCeiling  int           // frames per source per window
	MessageCeiling int           // frames per (source, message) per window
	FloodFactor    int           // ceiling multiple that triggers isolation
	ScanThreshold  int           // distinct unknown ids per window
	IsolationTime  time.Duration // how long a flooding source stays blocked
}

// Decision is the monitor's verdict for one frame. Events accompany both
// allowed and blocked frames; Allow false means drop before decode.
type Decision struct {
	Allow  bool
	Events []models.Event
}

type sourceState struct {
	mu sync.Mutex

	windowStart time.Time
	total       int
	perMsg      map[uint32]int
	unknown     map[uint32]struct{}

	isolatedUntil time.Time
	flaggedFlood  bool
	flaggedScan   bool
}

// Monitor tracks per-source traffic on a fixed counting window. State for
// one source never influences decisions about another; each source carries
// its own lock so checks for different sources never contend.
type Monitor struct {
	cfg   Config
	store *spec.Store

	mu      sync.Mutex // guards the sources map only
	sources map[sourceKey]*sourceState
}

type sourceKey struct {
	protocol models.Protocol
	source   uint8
}

// NewMonitor creates a monitor with empty per-source state.
func NewMonitor(cfg Config, store *spec.Store) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.FloodFactor <= 0 {
		cfg.FloodFactor = 3
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	return &Monitor{cfg: cfg, store: store, sources: make(map[sourceKey]*sourceState)}
}

// Check records one inbound frame and decides whether it may proceed.
// known reports whether the message id resolved in the descriptor table
// (unknown ids feed scan detection).
func (m *Monitor) Check(protocol models.Protocol, channel string, source uint8, msgID uint32, known bool, now time.Time) Decision {
	if m.cfg.Mode == ModeBypass {
		return Decision{Allow: true}
	}

	d := Decision{Allow: true}
	enforce := m.cfg.Mode == ModeEnforce

	if !m.store.Active().Authorized(protocol, source) {
		ev := models.NewEvent(models.EventKindSpoofing, models.EventLevelCritical,
			fmt.Sprintf("frame from unauthorized source address %d", source))
		ev.Channel, ev.Source, ev.MsgID = channel, source, msgID
		d.Events = append(d.Events, ev)
		if enforce {
			d.Allow = false
		}
		return d
	}

	key := sourceKey{protocol: protocol, source: source}
	m.mu.Lock()
	st, ok := m.sources[key]
	if !ok {
		st = &sourceState{}
		m.sources[key] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if now.Before(st.isolatedUntil) {
		if enforce {
			d.Allow = false
		}
		return d
	}

	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= m.cfg.Window {
		st.windowStart = now
		st.total = 0
		st.perMsg = make(map[uint32]int)
		st.unknown = make(map[uint32]struct{})
		st.flaggedFlood = false
		st.flaggedScan = false
	}

	st.total++
	st.perMsg[msgID]++
	if !known {
		st.unknown[msgID] = struct{}{}
	}

	if m.cfg.SourceCeiling > 0 && st.total > m.cfg.SourceCeiling*m.cfg.FloodFactor {
		if !st.flaggedFlood {
			st.flaggedFlood = true
			st.isolatedUntil = now.Add(m.cfg.IsolationTime)
			ev := models.NewEvent(models.EventKindFlooding, models.EventLevelCritical,
				fmt.Sprintf("source %d exceeded %d frames in window, isolating", source, m.cfg.SourceCeiling*m.cfg.FloodFactor))
			ev.Channel, ev.Source = channel, source
			ev.Details = models.Variables{"frames": st.total, "isolation": m.cfg.IsolationTime.String()}
			d.Events = append(d.Events, ev)
			log.Warn().
				Str("protocol", string(protocol)).
				Uint8("source", source).
				Int("frames", st.total).
				Msg("flooding source isolated")
		}
		if enforce {
			d.Allow = false
		}
		return d
	}

	if m.cfg.MessageCeiling > 0 && st.perMsg[msgID] > m.cfg.MessageCeiling {
		// only the first overage in a window is reported
		if st.perMsg[msgID] == m.cfg.MessageCeiling+1 {
			ev := models.NewEvent(models.EventKindRateLimited, models.EventLevelWarning,
				fmt.Sprintf("source %d exceeded %d frames for message %05X in window", source, m.cfg.MessageCeiling, msgID))
			ev.Channel, ev.Source, ev.MsgID = channel, source, msgID
			d.Events = append(d.Events, ev)
		}
		if enforce {
			d.Allow = false
		}
		return d
	}

	if m.cfg.ScanThreshold > 0 && len(st.unknown) >= m.cfg.ScanThreshold && !st.flaggedScan {
		st.flaggedScan = true
		ev := models.NewEvent(models.EventKindScanning, models.EventLevelError,
			fmt.Sprintf("source %d probed %d distinct unknown message ids in window", source, len(st.unknown)))
		ev.Channel, ev.Source = channel, source
		d.Events = append(d.Events, ev)
	}
	return d
}

// Isolated reports whether a source is currently blocked by flood isolation.
func (m *Monitor) Isolated(protocol models.Protocol, source uint8, now time.Time) bool {
	m.mu.Lock()
	st, ok := m.sources[sourceKey{protocol: protocol, source: source}]
	m.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return now.Before(st.isolatedUntil)
}
