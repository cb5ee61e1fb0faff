// monitor polls a running powermeter API and prints the readings.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/api"
)

// Flags
var (
	url      = flag.String("url", "http://localhost:5000", "URL scheme, address and port of the powermeter API.")
	interval = flag.Duration("interval", time.Second, "Time between two readings.")
	timeout  = flag.Duration("timeout", 5*time.Second, "Timeout of a single API request.")
)

const separator = "============================================================"

type Client struct {
	Server string
	HTTP   *http.Client
}

func (c *Client) get(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s", strings.TrimRight(c.Server, "/"), endpoint), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	status := &api.Status{}
	if err := c.get(ctx, "/api/status", status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Client) Devices(ctx context.Context) (*api.Devices, error) {
	devices := &api.Devices{}
	if err := c.get(ctx, "/api/devices", devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) Current(ctx context.Context) (*api.Power, error) {
	power := &api.Power{}
	if err := c.get(ctx, "/api/current", power); err != nil {
		return nil, err
	}
	return power, nil
}

func check(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatStatus(s *api.Status) string {
	var b strings.Builder
	fmt.Fprintln(&b, separator)
	fmt.Fprintln(&b, "POWERMETER API SERVER STATUS")
	fmt.Fprintln(&b, separator)
	fmt.Fprintf(&b, "Device Connected: %s\n", check(s.DeviceConnected))
	fmt.Fprintf(&b, "Simulation Mode:  %s\n", check(s.SimulationMode))
	fmt.Fprintf(&b, "Monitoring:       %s\n", check(s.Monitoring))
	fmt.Fprintf(&b, "Acquisition Freq: %d ms\n", s.AcquisitionFrequencyMS)
	fmt.Fprintf(&b, "Data Points:      %d\n", s.DataPoints)
	fmt.Fprintln(&b, separator)
	return b.String()
}

func formatDevices(d *api.Devices) string {
	if !d.Success {
		return fmt.Sprintf("Failed to get devices list: %s\n", d.Message)
	}
	if len(d.Devices) == 0 {
		return "No devices found\n"
	}
	var b strings.Builder
	fmt.Fprintln(&b, separator)
	fmt.Fprintln(&b, "AVAILABLE DEVICES")
	fmt.Fprintln(&b, separator)
	for i, dev := range d.Devices {
		model := "other"
		if dev.IsTargetModel {
			model = "target model"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, dev.Resource)
		fmt.Fprintf(&b, "   Identity: %s\n", dev.Identity)
		fmt.Fprintf(&b, "   Status:   %s\n", model)
	}
	fmt.Fprintln(&b, separator)
	return b.String()
}

func formatPower(p *api.Power, loc *time.Location) string {
	sec, frac := math.Modf(p.Timestamp)
	ts := time.Unix(int64(sec), int64(frac*1e9)).In(loc).Format("15:04:05")
	vswr := "inf"
	if !math.IsInf(float64(p.VSWR), 1) {
		vswr = fmt.Sprintf("%.2f", float64(p.VSWR))
	}
	return fmt.Sprintf("[%s] Forward: %8.2f W | Reflected: %8.2f W | VSWR: %6s", ts, p.ForwardPower, p.ReflectedPower, vswr)
}

// poll prints one line per interval until ctx is done.
func poll(ctx context.Context, c *Client, every time.Duration, out io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		p, err := c.Current(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			glog.Warningf("unable to get current power: %s\n", err)
		default:
			fmt.Fprintln(out, formatPower(p, time.Local))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	if *interval <= 0 {
		glog.Exitf("-interval must be positive, got %s", *interval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &Client{
		Server: *url,
		HTTP:   &http.Client{Timeout: *timeout},
	}
	fmt.Printf("Connecting to: %s\n", c.Server)

	status, err := c.Status(ctx)
	if err != nil {
		glog.Exitf("unable to reach the powermeter API at %s: %s", c.Server, err)
	}
	fmt.Print(formatStatus(status))

	devices, err := c.Devices(ctx)
	if err != nil {
		glog.Warningf("unable to get devices: %s\n", err)
	} else {
		fmt.Print(formatDevices(devices))
	}

	fmt.Println("Polling current power, press Ctrl+C to quit.")
	poll(ctx, c, *interval, os.Stdout)
	fmt.Println("Shutting down.")
}
