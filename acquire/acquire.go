// Package acquire drives periodic sampling of the power meter.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/config"
	"github.com/hb9tf/powermeter/meter"
)

const (
	DefaultInterval  = time.Second
	defaultQueueSize = 64

	// backstopCycles bounds a single read to this many intervals.
	backstopCycles = 3
)

var ErrAlreadyRunning = errors.New("acquisition already running")

// Sampler returns one measurement per call and never fails.
type Sampler interface {
	ReadOne(ctx context.Context) meter.Measurement
}

// Appender stores readings. It returns false when a reading was refused.
type Appender interface {
	Append(r meter.Reading) bool
}

// Observer is notified about every stored reading.
type Observer interface {
	Observe(r meter.Reading) error
}

type ObserverFunc func(r meter.Reading) error

func (f ObserverFunc) Observe(r meter.Reading) error {
	return f(r)
}

type Options struct {
	Interval time.Duration
	// Clock returns the current time in unix seconds. Defaults to the wall
	// clock at start plus monotonic time elapsed since.
	Clock func() float64
	// QueueSize is the number of notifications buffered for observers.
	QueueSize int
	// ReadTimeout is the sampler's own bound on a read. The cycle deadline
	// never undercuts it.
	ReadTimeout time.Duration
}

type Scheduler struct {
	sampler     Sampler
	store       Appender
	clock       func() float64
	queueSize   int
	readTimeout time.Duration
	interval    atomic.Int64

	obsMu     sync.RWMutex
	observers []Observer

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	dispatched chan struct{}
}

func New(sampler Sampler, store Appender, opts *Options) (*Scheduler, error) {
	if opts == nil {
		opts = &Options{}
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if err := config.ValidateInterval(interval); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = MonotonicClock()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	s := &Scheduler{
		sampler:     sampler,
		store:       store,
		clock:       clock,
		queueSize:   queueSize,
		readTimeout: opts.ReadTimeout,
	}
	s.interval.Store(int64(interval))
	return s, nil
}

// MonotonicClock returns unix seconds which never go backwards, even if the
// wall clock gets adjusted.
func MonotonicClock() func() float64 {
	base := time.Now()
	wall := float64(base.UnixNano()) / float64(time.Second)
	return func() float64 {
		return wall + time.Since(base).Seconds()
	}
}

func (s *Scheduler) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the sampling period starting with the next cycle.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if err := config.ValidateInterval(d); err != nil {
		return err
	}
	s.interval.Store(int64(d))
	glog.Infof("acquisition interval set to %s\n", d)
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start begins sampling in the background. The first sample is taken right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	notify := make(chan meter.Reading, s.queueSize)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.dispatched = make(chan struct{})

	go s.dispatch(notify, s.dispatched)
	go s.run(ctx, notify, s.done)
	glog.Infof("acquisition started with interval %s\n", s.Interval())
	return nil
}

// Stop halts sampling and waits for the current cycle to finish. The stored
// readings are left untouched. Stop may be called at any time.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, dispatched := s.cancel, s.done, s.dispatched
	s.cancel, s.done, s.dispatched = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	grace := s.Interval()
	if grace < time.Second {
		grace = time.Second
	}
	select {
	case <-dispatched:
	case <-time.After(grace):
		glog.Warningf("observers did not finish within %s, not waiting for them\n", grace)
	}
	glog.Infof("acquisition stopped\n")
}

func (s *Scheduler) run(ctx context.Context, notify chan<- meter.Reading, done chan<- struct{}) {
	defer close(done)
	defer close(notify)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		s.cycle(ctx, notify)

		wait := s.Interval() - time.Since(start)
		if wait < 0 {
			glog.V(1).Infof("acquisition cycle overran by %s\n", -wait)
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) cycle(ctx context.Context, notify chan<- meter.Reading) {
	now := s.clock()

	cctx, cancel := context.WithTimeout(ctx, s.readDeadline())
	m := s.sampler.ReadOne(cctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	r := m.At(now)
	if !s.store.Append(r) {
		glog.V(2).Infof("dropped reading of superseded series %s\n", r.Series)
		return
	}
	glog.V(2).Infof("reading %.3f: forward=%.2f reflected=%.2f (%s)\n", r.Timestamp, r.Forward, r.Reflected, r.Source)

	select {
	case notify <- r:
	default:
		glog.Warningf("observer queue full, dropping notification for reading at %.3f\n", r.Timestamp)
	}
}

// readDeadline is a backstop for samplers which ignore their own timeout.
// The sampling period itself is not a deadline.
func (s *Scheduler) readDeadline() time.Duration {
	d := backstopCycles * s.Interval()
	if r := 2 * s.readTimeout; r > d {
		d = r
	}
	return d
}

func (s *Scheduler) dispatch(notify <-chan meter.Reading, dispatched chan<- struct{}) {
	defer close(dispatched)
	for r := range notify {
		s.obsMu.RLock()
		observers := append([]Observer(nil), s.observers...)
		s.obsMu.RUnlock()

		for _, o := range observers {
			start := time.Now()
			if err := observe(o, r); err != nil {
				glog.Warningf("observer failed: %s\n", err)
			}
			if took := time.Since(start); took > s.Interval() {
				glog.Warningf("observer %T took %s, longer than the acquisition interval\n", o, took)
			}
		}
	}
}

func observe(o Observer, r meter.Reading) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer %T panicked: %v", o, p)
		}
	}()
	return o.Observe(r)
}
