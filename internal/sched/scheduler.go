// Package sched implements the bounded five-tier priority scheduler that
// orders inbound frames for decoding. Higher tiers always drain first; a
// full tier evicts its oldest entry so fresh safety-critical traffic is
// never the frame that gets dropped.
package sched

import (
	"context"
	"sync"

	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/canbus"
)

// Tier orders the five priority classes, highest first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierNormal
	TierLow
	TierBackground
	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return spec.TierCritical
	case TierHigh:
		return spec.TierHigh
	case TierNormal:
		return spec.TierNormal
	case TierLow:
		return spec.TierLow
	case TierBackground:
		return spec.TierBackground
	default:
		return "unknown"
	}
}

// TierFromName maps a descriptor tier name to its queue tier. Unnamed or
// unknown tiers land in the normal class.
func TierFromName(name string) Tier {
	switch name {
	case spec.TierCritical:
		return TierCritical
	case spec.TierHigh:
		return TierHigh
	case spec.TierLow:
		return TierLow
	case spec.TierBackground:
		return TierBackground
	default:
		return TierNormal
	}
}

// Config bounds the scheduler.
type Config struct {
	Capacity  int // per-tier queue capacity
	BatchSize int // max frames handed out per dequeue
}

// Scheduler is safe for concurrent producers and consumers.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	queues  [tierCount][]canbus.Frame
	dropped [tierCount]uint64
	notify  chan struct{}
}

// New creates a scheduler with empty queues.
func New(cfg Config) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Scheduler{cfg: cfg, notify: make(chan struct{}, 1)}
}

// Enqueue adds a frame to its tier. When the tier is full the OLDEST queued
// frame is evicted and returned so the caller can account for it; the new
// frame is always accepted.
func (s *Scheduler) Enqueue(tier Tier, f canbus.Frame) (evicted canbus.Frame, overflow bool) {
	if tier < 0 || tier >= tierCount {
		tier = TierNormal
	}

	s.mu.Lock()
	q := s.queues[tier]
	if len(q) >= s.cfg.Capacity {
		evicted, overflow = q[0], true
		q = q[1:]
		s.dropped[tier]++
	}
	s.queues[tier] = append(q, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted, overflow
}

// Next removes up to BatchSize frames, highest tier first. It returns nil
// when every queue is empty.
func (s *Scheduler) Next() []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []canbus.Frame
	for tier := TierCritical; tier < tierCount && len(batch) < s.cfg.BatchSize; tier++ {
		q := s.queues[tier]
		take := s.cfg.BatchSize - len(batch)
		if take > len(q) {
			take = len(q)
		}
		if take == 0 {
			continue
		}
		batch = append(batch, q[:take]...)
		s.queues[tier] = append(q[:0:0], q[take:]...)
	}
	return batch
}

// Wait blocks until at least one frame is queued or the context is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		if s.Depth() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}

// Run dequeues batches and hands each frame to fn until the context is
// cancelled. Frames already dequeued when cancellation hits are still
// delivered; nothing is dropped mid-batch.
func (s *Scheduler) Run(ctx context.Context, fn func(canbus.Frame)) error {
	for {
		if err := s.Wait(ctx); err != nil {
			return err
		}
		for _, f := range s.Next() {
			fn(f)
		}
	}
}

// Depth returns the total number of queued frames.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// TierDepth returns the number of frames queued in one tier.
func (s *Scheduler) TierDepth(tier Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[tier])
}

// Dropped returns how many frames a tier has evicted on overflow.
func (s *Scheduler) Dropped(tier Tier) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[tier]
}
