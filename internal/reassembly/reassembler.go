// Package reassembly rebuilds multi-frame broadcast (BAM) transfers from
// their announce and data frames. Sessions are keyed by source address and
// target message id, so interleaved transfers from different sources never
// mix.
package reassembly

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ChunkSize is the payload carried by one data frame (first byte is the
// sequence number).
const ChunkSize = 7

// MaxPayload is the largest payload a transfer can announce (255 packets).
const MaxPayload = 255 * ChunkSize

// ErrNoSession is returned for a data frame with no announced transfer.
var ErrNoSession = errors.New("reassembly: data frame without open session")

// SequenceError reports a data frame too far ahead of the expected
// sequence number. The session is dropped when this is returned.
type SequenceError struct {
	Expected int
	Got      int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("reassembly: sequence jump, expected %d got %d", e.Expected, e.Got)
}

// AnnounceError reports an invalid transfer announcement.
type AnnounceError struct {
	Size    int
	Packets int
	Reason  string
}

func (e *AnnounceError) Error() string {
	return fmt.Sprintf("reassembly: bad announce (size=%d packets=%d): %s", e.Size, e.Packets, e.Reason)
}

// Key identifies one in-progress transfer.
type Key struct {
	Channel string
	Source  uint8
	MsgID   uint32
}

// Expired describes a session removed by Sweep.
type Expired struct {
	Key      Key
	Received int
	Expected int
}

type session struct {
	mu     sync.Mutex
	closed bool

	totalSize int
	packets   int
	next      int // next expected 1-based sequence number
	received  int
	buf       []byte
	ahead     map[int][]byte // out-of-order chunks within tolerance
	deadline  time.Time
}

// Config tunes session lifetime and sequence handling.
type Config struct {
	Timeout   time.Duration // inactivity budget per session
	Tolerance int           // how many sequence numbers ahead we buffer
}

// Reassembler holds all in-progress transfers. The table mutex covers only
// map access; each session carries its own lock, so fragments for different
// keys proceed without blocking each other.
type Reassembler struct {
	cfg Config

	mu       sync.Mutex // guards the sessions map, never held with a session lock
	sessions map[Key]*session
}

// New creates an empty reassembler.
func New(cfg Config) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 750 * time.Millisecond
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	return &Reassembler{cfg: cfg, sessions: make(map[Key]*session)}
}

// Start opens a session from a transfer announcement. An announcement for a
// key with a session already open replaces it; the old partial payload is
// discarded. The replaced flag lets the caller log the restart.
func (r *Reassembler) Start(key Key, totalSize, packets int, now time.Time) (replaced bool, err error) {
	switch {
	case totalSize <= 0 || totalSize > MaxPayload:
		return false, &AnnounceError{Size: totalSize, Packets: packets, Reason: "size out of range"}
	case packets <= 0 || packets > 255:
		return false, &AnnounceError{Size: totalSize, Packets: packets, Reason: "packet count out of range"}
	case (totalSize+ChunkSize-1)/ChunkSize != packets:
		return false, &AnnounceError{Size: totalSize, Packets: packets, Reason: "packet count does not match size"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.sessions[key]
	r.sessions[key] = &session{
		totalSize: totalSize,
		packets:   packets,
		next:      1,
		buf:       make([]byte, 0, packets*ChunkSize),
		ahead:     make(map[int][]byte),
		deadline:  now.Add(r.cfg.Timeout),
	}
	if replaced {
		log.Debug().
			Str("channel", key.Channel).
			Uint8("source", key.Source).
			Uint32("msg_id", key.MsgID).
			Msg("reassembly session replaced by new announce")
	}
	return replaced, nil
}

// Add feeds one data frame into the session for key. seq is the 1-based
// sequence number from the frame. When the final chunk arrives the full
// payload is returned, truncated to the announced size, and the session is
// closed.
//
// A duplicate (already seen) sequence number is ignored. A sequence number
// ahead of the expected one is buffered when the gap is within the
// configured tolerance; beyond it the session is dropped and a
// SequenceError returned.
func (r *Reassembler) Add(key Key, seq int, chunk []byte, now time.Time) (payload []byte, done bool, err error) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return nil, false, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// lost the race against Sweep or a fatal fragment
		return nil, false, ErrNoSession
	}

	switch {
	case seq < s.next:
		// retransmission, already consumed
		return nil, false, nil
	case seq > s.packets:
		s.closed = true
		r.drop(key, s)
		return nil, false, &SequenceError{Expected: s.next, Got: seq}
	case seq > s.next:
		if seq-s.next > r.cfg.Tolerance {
			s.closed = true
			r.drop(key, s)
			return nil, false, &SequenceError{Expected: s.next, Got: seq}
		}
		if _, dup := s.ahead[seq]; !dup {
			s.ahead[seq] = append([]byte(nil), chunk...)
			s.received++
		}
		s.deadline = now.Add(r.cfg.Timeout)
		return nil, false, nil
	}

	s.buf = append(s.buf, chunk...)
	s.next++
	s.received++

	// drain any buffered successors
	for {
		ahead, ok := s.ahead[s.next]
		if !ok {
			break
		}
		delete(s.ahead, s.next)
		s.buf = append(s.buf, ahead...)
		s.next++
	}
	s.deadline = now.Add(r.cfg.Timeout)

	if s.next > s.packets {
		s.closed = true
		r.drop(key, s)
		if len(s.buf) < s.totalSize {
			return nil, false, &SequenceError{Expected: s.next, Got: seq}
		}
		return s.buf[:s.totalSize], true, nil
	}
	return nil, false, nil
}

// drop removes s from the table unless a newer session already replaced it.
func (r *Reassembler) drop(key Key, s *session) {
	r.mu.Lock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// Open reports whether a session is in progress for key.
func (r *Reassembler) Open(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[key]
	return ok
}

// Len returns the number of open sessions.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes sessions whose inactivity deadline has passed and returns
// them so the caller can emit timeout events.
func (r *Reassembler) Sweep(now time.Time) []Expired {
	r.mu.Lock()
	open := make(map[Key]*session, len(r.sessions))
	for key, s := range r.sessions {
		open[key] = s
	}
	r.mu.Unlock()

	var expired []Expired
	for key, s := range open {
		s.mu.Lock()
		stale := !s.closed && now.After(s.deadline)
		if stale {
			s.closed = true
			expired = append(expired, Expired{Key: key, Received: s.received, Expected: s.packets})
		}
		s.mu.Unlock()
		if stale {
			r.drop(key, s)
		}
	}
	return expired
}
