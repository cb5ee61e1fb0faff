// Package scpi talks to SCPI power meters over a raw LAN socket or a Linux USBTMC device.
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/meter"
)

const (
	SourceName = meter.SourceInstrument

	DefaultPort       = 5025
	DefaultDeviceGlob = "/dev/usbtmc*"
	DefaultTimeout    = time.Second

	// Values at or above this are the SCPI "not a number" marker (9.91E37).
	notANumber = 9.9e37

	cmdIdentify  = "*IDN?"
	cmdOPC       = "*OPC?"
	tmplInit     = ":INIT%d:CONT 1"
	tmplFreq     = "SENS%d:FREQ %d"
	tmplFetchPow = "FETC%d:SCAL:POW:AC?"
)

type Bus struct {
	// Resources are instruments which can not be discovered, e.g. on the LAN.
	Resources []string
	// DeviceGlob matches local USBTMC device files. Empty uses DefaultDeviceGlob.
	DeviceGlob string
	// Timeout bounds every single query. Empty uses DefaultTimeout.
	Timeout time.Duration
}

func (b *Bus) Name() string {
	return SourceName
}

func (b *Bus) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return DefaultTimeout
}

func (b *Bus) ListResources(ctx context.Context) ([]string, error) {
	glob := b.DeviceGlob
	if glob == "" {
		glob = DefaultDeviceGlob
	}
	devices, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("invalid device glob %q: %w", glob, err)
	}

	seen := map[string]bool{}
	var resources []string
	for _, r := range append(append([]string{}, b.Resources...), devices...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		resources = append(resources, r)
	}
	return resources, nil
}

func (b *Bus) Open(ctx context.Context, resource string) (meter.Conn, error) {
	kind, addr, err := parseResource(resource)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		resource: resource,
		timeout:  b.timeout(),
	}
	switch kind {
	case kindSocket:
		d := net.Dialer{Timeout: c.timeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing %s: %s", meter.ErrUnreachable, resource, err)
		}
		c.rw = nc
		c.setDeadline = nc.SetDeadline
	case kindDevice:
		f, err := os.OpenFile(addr, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %s", meter.ErrUnreachable, resource, err)
		}
		c.rw = f
		c.setDeadline = f.SetDeadline
	}
	c.r = bufio.NewReader(c.rw)
	glog.V(1).Infof("opened SCPI resource %q\n", resource)
	return c, nil
}

type resourceKind int

const (
	kindSocket resourceKind = iota
	kindDevice
)

// parseResource understands:
//
//	TCPIP[board]::host[::port]::SOCKET
//	host:port
//	/dev/usbtmcN (or any other device path)
func parseResource(resource string) (resourceKind, string, error) {
	resource = strings.TrimSpace(resource)
	switch {
	case resource == "":
		return 0, "", fmt.Errorf("%w: empty resource", meter.ErrUnreachable)
	case strings.HasPrefix(resource, "/"):
		return kindDevice, resource, nil
	case strings.HasPrefix(strings.ToUpper(resource), "TCPIP"):
		parts := strings.Split(resource, "::")
		if !strings.EqualFold(parts[len(parts)-1], "SOCKET") {
			return 0, "", fmt.Errorf("%w: unsupported resource %q, only raw SOCKET resources are supported", meter.ErrUnreachable, resource)
		}
		port := DefaultPort
		switch len(parts) {
		case 3:
		case 4:
			p, err := strconv.Atoi(parts[2])
			if err != nil {
				return 0, "", fmt.Errorf("%w: invalid port in %q", meter.ErrUnreachable, resource)
			}
			port = p
		default:
			return 0, "", fmt.Errorf("%w: malformed resource %q", meter.ErrUnreachable, resource)
		}
		return kindSocket, net.JoinHostPort(parts[1], strconv.Itoa(port)), nil
	default:
		if _, _, err := net.SplitHostPort(resource); err != nil {
			return 0, "", fmt.Errorf("%w: unsupported resource %q", meter.ErrUnreachable, resource)
		}
		return kindSocket, resource, nil
	}
}

// Conn is an open session with one instrument. Queries are serialized.
type Conn struct {
	resource string
	timeout  time.Duration

	mu          sync.Mutex
	rw          io.ReadWriteCloser
	r           *bufio.Reader
	setDeadline func(time.Time) error
	closed      bool
}

func (c *Conn) Identify(ctx context.Context) (string, error) {
	reply, err := c.query(ctx, cmdIdentify)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("%w: empty identity from %s", meter.ErrProtocol, c.resource)
	}
	return reply, nil
}

func (c *Conn) Configure(ctx context.Context, channel int, frequencyHz float64) error {
	if err := c.send(ctx, fmt.Sprintf(tmplInit, channel)); err != nil {
		return err
	}
	if err := c.send(ctx, fmt.Sprintf(tmplFreq, channel, int64(frequencyHz))); err != nil {
		return err
	}
	reply, err := c.query(ctx, cmdOPC)
	if err != nil {
		return err
	}
	if reply != "1" && reply != "+1" {
		return fmt.Errorf("%w: unexpected %s reply %q", meter.ErrProtocol, cmdOPC, reply)
	}
	return nil
}

func (c *Conn) ReadChannel(ctx context.Context, channel int) (float64, error) {
	reply, err := c.query(ctx, fmt.Sprintf(tmplFetchPow, channel))
	if err != nil {
		return 0, err
	}
	return parseValue(reply)
}

func parseValue(reply string) (float64, error) {
	field := strings.TrimSpace(strings.Split(reply, ",")[0])
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unparsable reply %q", meter.ErrProtocol, reply)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= notANumber {
		return 0, fmt.Errorf("%w: instrument reported no valid value (%q)", meter.ErrProtocol, reply)
	}
	return v, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	glog.V(1).Infof("closing SCPI resource %q\n", c.resource)
	return c.rw.Close()
}

func (c *Conn) send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop, err := c.arm(ctx)
	if err != nil {
		return err
	}
	defer stop()
	return c.write(cmd)
}

func (c *Conn) query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop, err := c.arm(ctx)
	if err != nil {
		return "", err
	}
	defer stop()

	if err := c.write(cmd); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: reading reply to %q from %s: %s", meter.ErrUnreachable, cmd, c.resource, err)
	}
	return strings.TrimSpace(line), nil
}

// arm sets the I/O deadline for one exchange and makes ctx cancellation
// interrupt blocked reads. It requires c.mu to be held.
func (c *Conn) arm(ctx context.Context) (func(), error) {
	if c.closed {
		return nil, fmt.Errorf("%w: %s is closed", meter.ErrUnreachable, c.resource)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.setDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		glog.Warningf("unable to set deadline on %s: %s\n", c.resource, err)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock a pending read or write right away.
		c.setDeadline(time.Unix(1, 0))
	})
	return func() { stop() }, nil
}

func (c *Conn) write(cmd string) error {
	if _, err := io.WriteString(c.rw, cmd+"\n"); err != nil {
		return fmt.Errorf("%w: writing %q to %s: %s", meter.ErrUnreachable, cmd, c.resource, err)
	}
	return nil
}
