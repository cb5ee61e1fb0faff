// Package window holds the rolling history of readings shared between the
// sampler and its readers.
package window

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hb9tf/powermeter/config"
	"github.com/hb9tf/powermeter/meter"
)

const (
	DefaultHorizon = 60 * time.Second

	// compactMin is the number of dead entries at the head of the buffer
	// after which they get dropped from the backing array.
	compactMin = 64
)

// Store is an ordered buffer of readings pruned to a rolling horizon.
// There is one writer (Append, Clear) and any number of readers.
type Store struct {
	mu      sync.RWMutex
	buf     []meter.Reading
	head    int // buf[head:] is the live window
	horizon float64
	// series, when set, is the only series Append accepts.
	series string
}

func New(horizon time.Duration) (*Store, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon must be positive, got %s", config.ErrInvalid, horizon)
	}
	return &Store{
		horizon: horizon.Seconds(),
	}, nil
}

// Append adds the newest reading and prunes everything older than the horizon.
// The newest entry is never pruned. A reading older than the current newest
// entry is clamped to its timestamp so the window stays ordered.
// Readings of a series other than the one set by Reset are dropped and false is returned.
func (s *Store) Append(r meter.Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.series != "" && r.Series != s.series {
		return false
	}
	if n := len(s.buf); n > s.head && r.Timestamp < s.buf[n-1].Timestamp {
		r.Timestamp = s.buf[n-1].Timestamp
	}
	s.buf = append(s.buf, r)
	s.prune()
	return true
}

// prune requires s.mu to be held.
func (s *Store) prune() {
	live := s.buf[s.head:]
	if len(live) == 0 {
		return
	}
	cutoff := live[len(live)-1].Timestamp - s.horizon
	// First entry which is still within the horizon. The newest always is.
	idx := sort.Search(len(live)-1, func(i int) bool {
		return live[i].Timestamp >= cutoff
	})
	if idx == 0 {
		return
	}
	// Zero out dropped entries so they don't linger in the backing array.
	for i := range live[:idx] {
		live[i] = meter.Reading{}
	}
	s.head += idx

	if s.head >= compactMin && s.head >= len(s.buf)-s.head {
		n := copy(s.buf, s.buf[s.head:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = meter.Reading{}
		}
		s.buf = s.buf[:n]
		s.head = 0
	}
}

// Snapshot returns a copy of the whole window, oldest first.
func (s *Store) Snapshot() []meter.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]meter.Reading, len(s.buf)-s.head)
	copy(out, s.buf[s.head:])
	return out
}

// Last returns a copy of the newest n readings, oldest first.
func (s *Store) Last(n int) []meter.Reading {
	if n <= 0 {
		return []meter.Reading{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := s.buf[s.head:]
	if n > len(live) {
		n = len(live)
	}
	out := make([]meter.Reading, n)
	copy(out, live[len(live)-n:])
	return out
}

// Latest returns the newest reading, if any.
func (s *Store) Latest() (meter.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.buf) == s.head {
		return meter.Reading{}, false
	}
	return s.buf[len(s.buf)-1], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf) - s.head
}

// Clear drops all readings.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.head = 0
}

// Reset drops all readings and only accepts readings of series from now on.
// Readings of different series are not comparable and never share a window.
func (s *Store) Reset(series string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.head = 0
	s.series = series
}

// Series returns the series set by the last Reset.
func (s *Store) Series() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series
}

func (s *Store) Horizon() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.horizon * float64(time.Second))
}

// SetHorizon changes the retained time span. A shorter horizon is applied right away.
func (s *Store) SetHorizon(horizon time.Duration) error {
	if horizon <= 0 {
		return fmt.Errorf("%w: horizon must be positive, got %s", config.ErrInvalid, horizon)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.horizon = horizon.Seconds()
	s.prune()
	return nil
}
