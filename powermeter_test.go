package main

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/powermeter/filter"
	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/mode"
	"github.com/hb9tf/powermeter/synth"
	"github.com/hb9tf/powermeter/window"
)

type testConn struct {
	identity string
}

func (c *testConn) Identify(ctx context.Context) (string, error) {
	return c.identity, nil
}

func (c *testConn) Configure(ctx context.Context, channel int, frequencyHz float64) error {
	return nil
}

func (c *testConn) ReadChannel(ctx context.Context, channel int) (float64, error) {
	return float64(channel), nil
}

func (c *testConn) Close() error {
	return nil
}

// testBus hands out one session per resource, like a USBTMC device.
type testBus struct {
	identities map[string]string
	order      []string

	mu    sync.Mutex
	opens map[string]int
}

func (b *testBus) Name() string { return "test" }

func (b *testBus) ListResources(ctx context.Context) ([]string, error) {
	return b.order, nil
}

func (b *testBus) Open(ctx context.Context, resource string) (meter.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.identities[resource]
	if !ok {
		return nil, meter.ErrUnreachable
	}
	b.opens[resource]++
	return &testConn{identity: id}, nil
}

func (b *testBus) openCount(resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[resource]
}

func newController(t *testing.T) (*mode.Controller, *testBus) {
	t.Helper()
	bus := &testBus{
		identities: map[string]string{
			"TCPIP0::10.0.0.7::5025::SOCKET": "Rohde&Schwarz,NRP2,1234,1.0",
			"/dev/usbtmc1":                   "Keysight Technologies,N1914A,MY1,A2",
		},
		order: []string{"TCPIP0::10.0.0.7::5025::SOCKET", "/dev/usbtmc0", "/dev/usbtmc1"},
		opens: map[string]int{},
	}
	store, err := window.New(window.DefaultHorizon)
	require.NoError(t, err)
	return mode.New(bus, synth.New(1), store, &mode.Options{Timeout: 100 * time.Millisecond}), bus
}

func TestConnect_Discovers(t *testing.T) {
	ctrl, _ := newController(t)

	connect(context.Background(), ctrl, "")
	assert.True(t, ctrl.Connected())
	assert.Equal(t, "/dev/usbtmc1", ctrl.Resource())
}

func TestConnect_Configured(t *testing.T) {
	ctrl, bus := newController(t)

	connect(context.Background(), ctrl, "/dev/usbtmc1")
	assert.True(t, ctrl.Connected())
	assert.Equal(t, 0, bus.openCount("TCPIP0::10.0.0.7::5025::SOCKET"), "no scan with a configured resource")
}

func TestConnect_NothingFound(t *testing.T) {
	ctrl, bus := newController(t)
	delete(bus.identities, "/dev/usbtmc1")

	connect(context.Background(), ctrl, "")
	assert.False(t, ctrl.Connected())
	assert.Empty(t, ctrl.Resource())
}

func TestConnect_NoBus(t *testing.T) {
	store, err := window.New(window.DefaultHorizon)
	require.NoError(t, err)
	ctrl := mode.New(nil, nil, store, nil)

	connect(context.Background(), ctrl, "/dev/usbtmc1")
	assert.False(t, ctrl.Connected())
}

func TestHandleSignal(t *testing.T) {
	ctrl, bus := newController(t)
	ctx := context.Background()

	assert.False(t, handleSignal(ctx, syscall.SIGHUP, ctrl, "/dev/usbtmc1"))
	require.True(t, ctrl.Connected())
	assert.Equal(t, 1, bus.openCount("/dev/usbtmc1"))

	// Already connected, the session is kept.
	series := ctrl.Series()
	assert.False(t, handleSignal(ctx, syscall.SIGHUP, ctrl, "/dev/usbtmc1"))
	assert.True(t, ctrl.Connected())
	assert.Equal(t, series, ctrl.Series())
	assert.Equal(t, 1, bus.openCount("/dev/usbtmc1"))

	assert.False(t, handleSignal(ctx, syscall.SIGUSR1, ctrl, "/dev/usbtmc1"))
	assert.False(t, ctrl.Connected())

	// Reconnects to the last known resource.
	assert.False(t, handleSignal(ctx, syscall.SIGHUP, ctrl, ""))
	assert.True(t, ctrl.Connected())
	assert.Equal(t, 2, bus.openCount("/dev/usbtmc1"))

	assert.True(t, handleSignal(ctx, syscall.SIGTERM, ctrl, ""))
	assert.True(t, handleSignal(ctx, syscall.SIGINT, ctrl, ""))
	assert.True(t, ctrl.Connected(), "shutdown is left to the caller")
}

func TestExportFilters(t *testing.T) {
	tests := []struct {
		name     string
		sources  string
		min, max float64
		reading  meter.Reading
		want     bool
	}{
		{name: "no filters", reading: meter.Reading{Forward: 0, Source: meter.SourceSynthetic}, want: false},
		{name: "source", sources: "scpi", reading: meter.Reading{Forward: 800, Source: meter.SourceSynthetic}, want: true},
		{name: "below min", min: 100, reading: meter.Reading{Forward: 50, Source: meter.SourceInstrument}, want: true},
		{name: "above max", max: 1000, reading: meter.Reading{Forward: 1200, Source: meter.SourceInstrument}, want: true},
		{name: "within range", min: 100, max: 1000, reading: meter.Reading{Forward: 800, Source: meter.SourceInstrument}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := make(chan meter.Reading, 1)
			input <- tc.reading
			close(input)
			output := make(chan meter.Reading, 1)
			require.NoError(t, filter.Filter(context.Background(), input, output, exportFilters(tc.sources, tc.min, tc.max)))

			_, kept := <-output
			assert.Equal(t, tc.want, !kept)
		})
	}
	assert.Len(t, exportFilters("", 0, 0), 1)
	assert.Len(t, exportFilters("", 10, 0), 2)
}
