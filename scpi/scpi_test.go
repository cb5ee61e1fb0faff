package scpi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/powermeter/meter"
)

// fakeMeter answers SCPI queries on a local TCP port.
type fakeMeter struct {
	ln net.Listener

	mu       sync.Mutex
	replies  map[string]string // query -> reply, "" means never reply
	received []string
}

func newFakeMeter(t *testing.T, replies map[string]string) *fakeMeter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeMeter{ln: ln, replies: replies}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMeter) resource() string {
	host, port, _ := net.SplitHostPort(f.ln.Addr().String())
	return "TCPIP0::" + host + "::" + port + "::SOCKET"
}

func (f *fakeMeter) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				cmd := scanner.Text()
				f.mu.Lock()
				f.received = append(f.received, cmd)
				reply, ok := f.replies[cmd]
				f.mu.Unlock()
				if !strings.HasSuffix(cmd, "?") {
					continue
				}
				if !ok || reply == "" {
					continue
				}
				conn.Write([]byte(reply + "\n"))
			}
		}(conn)
	}
}

func (f *fakeMeter) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.received...)
}

func open(t *testing.T, f *fakeMeter) meter.Conn {
	t.Helper()
	bus := &Bus{Timeout: 200 * time.Millisecond}
	conn, err := bus.Open(context.Background(), f.resource())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConn_IdentifyAndRead(t *testing.T) {
	f := newFakeMeter(t, map[string]string{
		"*IDN?":              "Keysight Technologies,N1914A,MY12345678,A2.01.07",
		"FETC1:SCAL:POW:AC?": "+8.12345000E+002",
		"FETC2:SCAL:POW:AC?": " 4.75E+001,0",
		"*OPC?":              "+1",
	})
	conn := open(t, f)
	ctx := context.Background()

	id, err := conn.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, id, "N1914A")

	fwd, err := conn.ReadChannel(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 812.345, fwd, 1e-9)

	refl, err := conn.ReadChannel(ctx, 2)
	require.NoError(t, err)
	assert.InDelta(t, 47.5, refl, 1e-9)
}

func TestConn_Configure(t *testing.T) {
	f := newFakeMeter(t, map[string]string{"*OPC?": "1"})
	conn := open(t, f)

	require.NoError(t, conn.Configure(context.Background(), 2, 1e9))
	assert.Equal(t, []string{":INIT2:CONT 1", "SENS2:FREQ 1000000000", "*OPC?"}, f.commands())
}

func TestConn_ProtocolErrors(t *testing.T) {
	f := newFakeMeter(t, map[string]string{
		"FETC1:SCAL:POW:AC?": "garbage",
		"FETC2:SCAL:POW:AC?": "+9.91E+37",
		"*OPC?":              "0",
	})
	conn := open(t, f)
	ctx := context.Background()

	_, err := conn.ReadChannel(ctx, 1)
	assert.True(t, errors.Is(err, meter.ErrProtocol), "got %v", err)

	_, err = conn.ReadChannel(ctx, 2)
	assert.True(t, errors.Is(err, meter.ErrProtocol), "got %v", err)

	err = conn.Configure(ctx, 1, 1e9)
	assert.True(t, errors.Is(err, meter.ErrProtocol), "got %v", err)
}

func TestConn_TimeoutIsBounded(t *testing.T) {
	f := newFakeMeter(t, map[string]string{}) // never replies
	conn := open(t, f)

	start := time.Now()
	_, err := conn.ReadChannel(context.Background(), 1)
	assert.True(t, errors.Is(err, meter.ErrUnreachable), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConn_ContextCancelInterruptsRead(t *testing.T) {
	f := newFakeMeter(t, map[string]string{})
	bus := &Bus{Timeout: 10 * time.Second}
	conn, err := bus.Open(context.Background(), f.resource())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = conn.ReadChannel(ctx, 1)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConn_Closed(t *testing.T) {
	f := newFakeMeter(t, map[string]string{"*IDN?": "x"})
	conn := open(t, f)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.Identify(context.Background())
	assert.True(t, errors.Is(err, meter.ErrUnreachable))
}

func TestBus_OpenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	bus := &Bus{Timeout: 200 * time.Millisecond}
	_, err = bus.Open(context.Background(), addr)
	assert.True(t, errors.Is(err, meter.ErrUnreachable), "got %v", err)

	_, err = bus.Open(context.Background(), filepath.Join(t.TempDir(), "usbtmc9"))
	assert.True(t, errors.Is(err, meter.ErrUnreachable), "got %v", err)
}

func TestBus_ListResources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"usbtmc0", "usbtmc1", "other"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	bus := &Bus{
		Resources:  []string{"TCPIP0::10.0.0.1::SOCKET", filepath.Join(dir, "usbtmc1"), ""},
		DeviceGlob: filepath.Join(dir, "usbtmc*"),
	}
	got, err := bus.ListResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"TCPIP0::10.0.0.1::SOCKET",
		filepath.Join(dir, "usbtmc1"),
		filepath.Join(dir, "usbtmc0"),
	}, got)
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		resource string
		kind     resourceKind
		addr     string
		wantErr  bool
	}{
		{resource: "TCPIP0::192.168.1.50::5025::SOCKET", kind: kindSocket, addr: "192.168.1.50:5025"},
		{resource: "TCPIP::meter.local::SOCKET", kind: kindSocket, addr: "meter.local:5025"},
		{resource: "tcpip0::10.0.0.1::1234::socket", kind: kindSocket, addr: "10.0.0.1:1234"},
		{resource: "10.0.0.1:5025", kind: kindSocket, addr: "10.0.0.1:5025"},
		{resource: "/dev/usbtmc0", kind: kindDevice, addr: "/dev/usbtmc0"},
		{resource: "TCPIP0::10.0.0.1::inst0::INSTR", wantErr: true},
		{resource: "TCPIP0::10.0.0.1::port::SOCKET", wantErr: true},
		{resource: "USB0::0x0957::0x1A07::MY12345678::0::INSTR", wantErr: true},
		{resource: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			kind, addr, err := parseResource(tt.resource)
			if tt.wantErr {
				assert.True(t, errors.Is(err, meter.ErrUnreachable), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.addr, addr)
		})
	}
}
