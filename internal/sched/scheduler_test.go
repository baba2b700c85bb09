package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvlink/canhub/pkg/canbus"
)

func frame(id uint32) canbus.Frame {
	return canbus.Frame{Channel: "house", ID: id, Data: []byte{0}}
}

func TestScheduler_HigherTierDrainsFirst(t *testing.T) {
	s := New(Config{Capacity: 16, BatchSize: 8})

	s.Enqueue(TierBackground, frame(1))
	s.Enqueue(TierNormal, frame(2))
	s.Enqueue(TierCritical, frame(3))
	s.Enqueue(TierHigh, frame(4))

	batch := s.Next()
	require.Len(t, batch, 4)
	assert.Equal(t, uint32(3), batch[0].ID)
	assert.Equal(t, uint32(4), batch[1].ID)
	assert.Equal(t, uint32(2), batch[2].ID)
	assert.Equal(t, uint32(1), batch[3].ID)
}

func TestScheduler_FIFOWithinTier(t *testing.T) {
	s := New(Config{Capacity: 16, BatchSize: 16})
	for i := uint32(1); i <= 5; i++ {
		s.Enqueue(TierNormal, frame(i))
	}
	batch := s.Next()
	require.Len(t, batch, 5)
	for i, f := range batch {
		assert.Equal(t, uint32(i+1), f.ID)
	}
}

func TestScheduler_OverflowEvictsOldest(t *testing.T) {
	s := New(Config{Capacity: 3, BatchSize: 8})
	for i := uint32(1); i <= 3; i++ {
		_, overflow := s.Enqueue(TierLow, frame(i))
		assert.False(t, overflow)
	}

	evicted, overflow := s.Enqueue(TierLow, frame(4))
	require.True(t, overflow)
	assert.Equal(t, uint32(1), evicted.ID)
	assert.Equal(t, uint64(1), s.Dropped(TierLow))

	batch := s.Next()
	require.Len(t, batch, 3)
	assert.Equal(t, uint32(2), batch[0].ID)
	assert.Equal(t, uint32(4), batch[2].ID)
}

func TestScheduler_OverflowIsolatedPerTier(t *testing.T) {
	s := New(Config{Capacity: 1, BatchSize: 8})
	s.Enqueue(TierBackground, frame(1))
	s.Enqueue(TierBackground, frame(2)) // overflows background only
	s.Enqueue(TierCritical, frame(3))

	assert.Equal(t, uint64(1), s.Dropped(TierBackground))
	assert.Equal(t, uint64(0), s.Dropped(TierCritical))
	assert.Equal(t, 1, s.TierDepth(TierCritical))
}

func TestScheduler_BatchBounded(t *testing.T) {
	s := New(Config{Capacity: 64, BatchSize: 4})
	for i := uint32(0); i < 10; i++ {
		s.Enqueue(TierNormal, frame(i))
	}
	assert.Len(t, s.Next(), 4)
	assert.Len(t, s.Next(), 4)
	assert.Len(t, s.Next(), 2)
	assert.Nil(t, s.Next())
}

func TestScheduler_WaitUnblocksOnEnqueue(t *testing.T) {
	s := New(Config{Capacity: 8, BatchSize: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()

	time.Sleep(10 * time.Millisecond)
	s.Enqueue(TierNormal, frame(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := New(Config{Capacity: 8, BatchSize: 8})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []uint32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(f canbus.Frame) {
			mu.Lock()
			seen = append(seen, f.ID)
			mu.Unlock()
		})
	}()

	s.Enqueue(TierHigh, frame(7))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, []uint32{7}, seen)
}

func TestTierFromName(t *testing.T) {
	assert.Equal(t, TierCritical, TierFromName("critical"))
	assert.Equal(t, TierBackground, TierFromName("background"))
	assert.Equal(t, TierNormal, TierFromName(""))
	assert.Equal(t, TierNormal, TierFromName("bogus"))
}
