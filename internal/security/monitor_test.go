package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/spec"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newMonitor(cfg Config) *Monitor {
	return NewMonitor(cfg, spec.NewStore(spec.Builtin()))
}

func TestMonitor_MessageCeiling(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 100,
	})

	allowed, blocked, events := 0, 0, 0
	for i := 0; i < 200; i++ {
		d := m.Check(models.ProtocolJ1939, "chassis", 0x00, 0xF004, true, t0)
		if d.Allow {
			allowed++
		} else {
			blocked++
		}
		events += len(d.Events)
	}

	assert.Equal(t, 100, allowed)
	assert.Equal(t, 100, blocked)
	assert.Equal(t, 1, events) // reported once per window, not per frame
}

func TestMonitor_CeilingResetsNextWindow(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 5,
	})

	for i := 0; i < 10; i++ {
		m.Check(models.ProtocolJ1939, "chassis", 0x00, 0xF004, true, t0)
	}
	d := m.Check(models.ProtocolJ1939, "chassis", 0x00, 0xF004, true, t0.Add(2*time.Second))
	assert.True(t, d.Allow)
}

func TestMonitor_SourcesIndependent(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 10,
	})

	for i := 0; i < 50; i++ {
		m.Check(models.ProtocolJ1939, "chassis", 0x11, 0xF004, true, t0)
	}
	// the noisy neighbour must not affect a quiet source
	d := m.Check(models.ProtocolJ1939, "chassis", 0x22, 0xF004, true, t0)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Events)
}

func TestMonitor_ConcurrentSourcesCountedSeparately(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 100,
	})

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				if m.Check(models.ProtocolJ1939, "chassis", uint8(i), 0xF004, true, t0).Allow {
					allowed[i]++
				}
			}
		}(i)
	}
	wg.Wait()

	// each source stays under its own ceiling regardless of the others
	for i, n := range allowed {
		assert.Equal(t, 50, n, "source %d", i)
	}
}

func TestMonitor_FloodingIsolatesSource(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10, FloodFactor: 3,
		IsolationTime: 30 * time.Second,
	})

	var floodEvents int
	for i := 0; i < 40; i++ {
		d := m.Check(models.ProtocolRVC, "house", 0x40, uint32(0x1FFB0+i%4), true, t0)
		for _, ev := range d.Events {
			if ev.Kind == models.EventKindFlooding {
				floodEvents++
			}
		}
	}
	assert.Equal(t, 1, floodEvents)
	assert.True(t, m.Isolated(models.ProtocolRVC, 0x40, t0))

	// blocked while isolated, even at modest rates
	d := m.Check(models.ProtocolRVC, "house", 0x40, 0x1FFB7, true, t0.Add(10*time.Second))
	assert.False(t, d.Allow)

	// isolation expires
	d = m.Check(models.ProtocolRVC, "house", 0x40, 0x1FFB7, true, t0.Add(31*time.Second))
	assert.True(t, d.Allow)
}

func TestMonitor_ScanDetection(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeEnforce, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 10000,
		ScanThreshold: 20,
	})

	var scanEvents int
	for i := 0; i < 30; i++ {
		d := m.Check(models.ProtocolRVC, "house", 0x55, uint32(0x10000+i), false, t0)
		assert.True(t, d.Allow) // scanning alone does not block
		for _, ev := range d.Events {
			if ev.Kind == models.EventKindScanning {
				scanEvents++
			}
		}
	}
	assert.Equal(t, 1, scanEvents)
}

func TestMonitor_SpoofedSourceBlocked(t *testing.T) {
	m := newMonitor(Config{Mode: ModeEnforce, Window: time.Second})

	// 254 is outside the authorized 0-239 range
	d := m.Check(models.ProtocolRVC, "house", 254, 0x1FFB7, true, t0)
	assert.False(t, d.Allow)
	require.Len(t, d.Events, 1)
	assert.Equal(t, models.EventKindSpoofing, d.Events[0].Kind)
	assert.Equal(t, models.EventLevelCritical, d.Events[0].Level)
}

func TestMonitor_AuditModeEmitsButAllows(t *testing.T) {
	m := newMonitor(Config{
		Mode: ModeAudit, Window: time.Second,
		SourceCeiling: 10000, MessageCeiling: 3,
	})

	var events int
	for i := 0; i < 10; i++ {
		d := m.Check(models.ProtocolJ1939, "chassis", 0x00, 0xFEEE, true, t0)
		assert.True(t, d.Allow)
		events += len(d.Events)
	}
	assert.Equal(t, 1, events)

	d := m.Check(models.ProtocolRVC, "house", 254, 0x1FFB7, true, t0)
	assert.True(t, d.Allow)
	assert.NotEmpty(t, d.Events)
}

func TestMonitor_BypassModeDoesNothing(t *testing.T) {
	m := newMonitor(Config{Mode: ModeBypass, Window: time.Second, MessageCeiling: 1})

	for i := 0; i < 100; i++ {
		d := m.Check(models.ProtocolRVC, "house", 254, 0x1FFB7, true, t0)
		assert.True(t, d.Allow)
		assert.Empty(t, d.Events)
	}
}
