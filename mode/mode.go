// Package mode decides whether readings come from the instrument or from the
// synthetic generator, and handles the transitions between the two.
package mode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/powermeter/config"
	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/synth"
)

type Mode int

const (
	Connected Mode = iota
	Simulated
)

func (m Mode) String() string {
	switch m {
	case Connected:
		return "connected"
	case Simulated:
		return "simulated"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

const (
	// UnknownIdentity is reported for resources which could not be probed.
	UnknownIdentity = "Unknown/Error"

	DefaultTimeout = time.Second
)

var (
	// ErrNoBus means no instrument library is available; the controller stays simulated.
	ErrNoBus = errors.New("no instrument bus available")
	// ErrNotFound means no enumerated resource identifies as the expected model.
	ErrNotFound = errors.New("no matching instrument found")
)

// Resetter is the window the controller clears on every transition.
type Resetter interface {
	Reset(series string)
}

type Options struct {
	ForwardChannel   int
	ReflectedChannel int
	FrequencyHz      float64
	// ModelMarker has to be part of the identity string of an accepted instrument.
	ModelMarker string
	// Timeout bounds reading both channels as well as each step of opening an instrument.
	Timeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.ForwardChannel == 0 {
		out.ForwardChannel = 1
	}
	if out.ReflectedChannel == 0 {
		out.ReflectedChannel = 2
	}
	if out.FrequencyHz == 0 {
		out.FrequencyHz = 1e9
	}
	if out.ModelMarker == "" {
		out.ModelMarker = config.DefaultModelMarker
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

type Controller struct {
	bus    meter.Bus
	gen    *synth.Generator
	window Resetter
	opts   Options

	// transition serializes all mode changes. It is held across instrument
	// I/O, so it is never taken on the read path.
	transition sync.Mutex

	mu       sync.RWMutex
	mode     Mode
	conn     meter.Conn
	resource string
	identity string
	series   string
}

// New returns a simulated controller. Use Connect to switch to the instrument.
// A nil bus keeps the controller simulated for its whole lifetime.
func New(bus meter.Bus, gen *synth.Generator, window Resetter, opts *Options) *Controller {
	if gen == nil {
		gen = synth.New(0)
	}
	c := &Controller{
		bus:    bus,
		gen:    gen,
		window: window,
		opts:   opts.withDefaults(),
		mode:   Simulated,
		series: uuid.NewString(),
	}
	c.window.Reset(c.series)
	return c
}

func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controller) Connected() bool {
	return c.Mode() == Connected
}

// Resource is the last known instrument resource.
func (c *Controller) Resource() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resource
}

// Identity of the connected instrument, empty while simulated.
func (c *Controller) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Series identifies the current mode epoch.
func (c *Controller) Series() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.series
}

// HasBus reports whether an instrument library is available at all.
func (c *Controller) HasBus() bool {
	return c.bus != nil
}

// ReadOne returns one forward/reflected pair. It never fails: if the
// instrument does not answer in time, the controller switches to simulated
// mode and returns a synthetic pair instead.
func (c *Controller) ReadOne(ctx context.Context) meter.Measurement {
	c.mu.RLock()
	mode, conn, series := c.mode, c.conn, c.series
	c.mu.RUnlock()

	if mode == Simulated || conn == nil {
		return c.synthetic(series)
	}

	fwd, refl, err := c.readPair(ctx, conn)
	if err == nil {
		return meter.Measurement{
			Forward:   fwd,
			Reflected: refl,
			Source:    meter.SourceInstrument,
			Series:    series,
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutting down, not an instrument failure.
		return c.synthetic(series)
	}
	return c.synthetic(c.fail(series, err))
}

func (c *Controller) synthetic(series string) meter.Measurement {
	fwd, refl := c.gen.Pair()
	return meter.Measurement{
		Forward:   fwd,
		Reflected: refl,
		Source:    meter.SourceSynthetic,
		Series:    series,
	}
}

func (c *Controller) readPair(ctx context.Context, conn meter.Conn) (float64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type result struct {
		fwd, refl float64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		fwd, err := conn.ReadChannel(ctx, c.opts.ForwardChannel)
		if err != nil {
			done <- result{err: fmt.Errorf("forward channel %d: %w", c.opts.ForwardChannel, err)}
			return
		}
		refl, err := conn.ReadChannel(ctx, c.opts.ReflectedChannel)
		if err != nil {
			done <- result{err: fmt.Errorf("reflected channel %d: %w", c.opts.ReflectedChannel, err)}
			return
		}
		done <- result{fwd: fwd, refl: refl}
	}()

	select {
	case res := <-done:
		return res.fwd, res.refl, res.err
	case <-ctx.Done():
		return 0, 0, fmt.Errorf("%w: read timed out: %s", meter.ErrUnreachable, ctx.Err())
	}
}

// fail switches to simulated mode after a failed read in the given series.
// A failure from a series which is no longer current is ignored since a
// concurrent transition already took care of it. Returns the current series.
func (c *Controller) fail(series string, cause error) string {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	stale := c.series != series || c.mode != Connected
	current := c.series
	c.mu.RUnlock()
	if stale {
		return current
	}

	glog.Warningf("reading from %s failed, switching to simulated data: %s\n", c.Resource(), cause)
	conn, next := c.toSimulated()
	// A hung adapter may block in Close, don't hold up the sampler.
	go closeConn(conn)
	return next
}

// toSimulated requires c.transition to be held. It returns the previous
// connection (possibly nil) and the new series.
func (c *Controller) toSimulated() (meter.Conn, string) {
	next := uuid.NewString()
	c.window.Reset(next)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	c.mode = Simulated
	c.identity = ""
	c.series = next
	return conn, next
}

func closeConn(conn meter.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		glog.Warningf("error closing instrument: %s\n", err)
	}
}

// Connect opens resource, checks its identity and configures both channels.
// An empty resource reconnects to the last known one. On success the
// controller is connected; on failure it ends up simulated. Either way a
// change of mode clears the window.
func (c *Controller) Connect(ctx context.Context, resource string) error {
	if c.bus == nil {
		return ErrNoBus
	}
	c.transition.Lock()
	defer c.transition.Unlock()

	if resource == "" {
		resource = c.Resource()
	}
	if resource == "" {
		return fmt.Errorf("%w: no instrument resource configured", config.ErrInvalid)
	}

	conn, identity, err := c.open(ctx, resource)
	if err != nil {
		c.mu.Lock()
		c.resource = resource
		connected := c.mode == Connected
		c.mu.Unlock()
		if connected {
			glog.Warningf("connecting to %s failed, switching to simulated data: %s\n", resource, err)
			old, _ := c.toSimulated()
			closeConn(old)
		}
		return err
	}

	next := uuid.NewString()
	c.window.Reset(next)

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mode = Connected
	c.resource = resource
	c.identity = identity
	c.series = next
	c.mu.Unlock()

	closeConn(old)
	glog.Infof("connected to %q at %s\n", identity, resource)
	return nil
}

// Disconnect switches to simulated data. It is a no-op when already simulated.
func (c *Controller) Disconnect() {
	c.transition.Lock()
	defer c.transition.Unlock()

	if c.Mode() == Simulated {
		return
	}
	conn, _ := c.toSimulated()
	closeConn(conn)
	glog.Infof("switched to simulated data\n")
}

// Close releases the instrument. The controller keeps serving synthetic data afterwards.
func (c *Controller) Close() error {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mode = Simulated
	c.identity = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// open requires c.transition to be held.
func (c *Controller) open(ctx context.Context, resource string) (meter.Conn, string, error) {
	var identity string
	conn, err := bounded(ctx, 3*c.opts.Timeout, func(ctx context.Context) (meter.Conn, error) {
		conn, err := c.bus.Open(ctx, resource)
		if err != nil {
			return nil, err
		}
		id, err := conn.Identify(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if !strings.Contains(id, c.opts.ModelMarker) {
			conn.Close()
			return nil, fmt.Errorf("%w: %s identifies as %q, expected a %s", meter.ErrProtocol, resource, id, c.opts.ModelMarker)
		}
		for _, ch := range []int{c.opts.ForwardChannel, c.opts.ReflectedChannel} {
			if err := conn.Configure(ctx, ch, c.opts.FrequencyHz); err != nil {
				conn.Close()
				return nil, fmt.Errorf("configuring channel %d: %w", ch, err)
			}
		}
		identity = id
		return conn, nil
	})
	if err != nil {
		return nil, "", err
	}
	return conn, identity, nil
}

// bounded runs fn and gives up after timeout. A connection fn returns after
// giving up is closed.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) (meter.Conn, error)) (meter.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn meter.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := fn(ctx)
		done <- result{conn, err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				closeConn(res.conn)
			}
		}()
		return nil, fmt.Errorf("%w: %s", meter.ErrUnreachable, ctx.Err())
	}
}

// ListDevices enumerates the bus and probes the identity of every resource.
// The connected instrument is not reopened, its known identity is reported.
func (c *Controller) ListDevices(ctx context.Context) ([]meter.Device, error) {
	if c.bus == nil {
		return nil, ErrNoBus
	}
	resources, err := c.bus.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list resources on %s: %w", c.bus.Name(), err)
	}

	c.mu.RLock()
	connected := c.mode == Connected
	current, currentID := c.resource, c.identity
	c.mu.RUnlock()

	devices := make([]meter.Device, len(resources))
	var wg sync.WaitGroup
	for i, r := range resources {
		devices[i].Resource = r
		if connected && r == current {
			devices[i].Identity = currentID
			continue
		}
		wg.Add(1)
		go func(d *meter.Device) {
			defer wg.Done()
			d.Identity = c.probe(ctx, d.Resource)
		}(&devices[i])
	}
	wg.Wait()

	for i := range devices {
		devices[i].IsTargetModel = strings.Contains(devices[i].Identity, c.opts.ModelMarker)
	}
	return devices, nil
}

// Discover returns the first enumerated resource whose identity carries the
// model marker.
func (c *Controller) Discover(ctx context.Context) (string, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.IsTargetModel {
			return d.Resource, nil
		}
	}
	return "", fmt.Errorf("%w: %d resources on %s, none is a %s", ErrNotFound, len(devices), c.bus.Name(), c.opts.ModelMarker)
}

func (c *Controller) probe(ctx context.Context, resource string) string {
	var identity string
	conn, err := bounded(ctx, c.opts.Timeout, func(ctx context.Context) (meter.Conn, error) {
		conn, err := c.bus.Open(ctx, resource)
		if err != nil {
			return nil, err
		}
		id, err := conn.Identify(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		identity = id
		return conn, nil
	})
	if err != nil {
		glog.V(1).Infof("probing %s failed: %s\n", resource, err)
		return UnknownIdentity
	}
	closeConn(conn)
	return identity
}
