// Package api serves the telemetry HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/config"
	"github.com/hb9tf/powermeter/export"
	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/render"
	"github.com/hb9tf/powermeter/stream"
	"github.com/hb9tf/powermeter/swr"
)

const (
	DefaultHistoryLimit = 100

	statusEndpoint  = "/api/status"
	currentEndpoint = "/api/current"
	historyEndpoint = "/api/history"
	devicesEndpoint = "/api/devices"
	exportEndpoint  = "/api/export.csv"
	chartEndpoint   = "/api/chart.png"
	streamEndpoint  = "/api/stream"

	readHeaderTimeout = 5 * time.Second
)

var (
	ErrBind           = errors.New("unable to bind API server")
	ErrAlreadyRunning = errors.New("API server already running")
)

// Store is the read side of the time window.
type Store interface {
	Latest() (meter.Reading, bool)
	Last(n int) []meter.Reading
	Snapshot() []meter.Reading
	Len() int
}

type Modes interface {
	Connected() bool
	ListDevices(ctx context.Context) ([]meter.Device, error)
}

type Acquisition interface {
	Running() bool
	Interval() time.Duration
}

type Status struct {
	DeviceConnected        bool  `json:"device_connected"`
	SimulationMode         bool  `json:"simulation_mode"`
	Monitoring             bool  `json:"monitoring"`
	AcquisitionFrequencyMS int64 `json:"acquisition_frequency_ms"`
	DataPoints             int   `json:"data_points"`
}

// Power is a reading as served to clients, VSWR included.
type Power struct {
	Timestamp      float64   `json:"timestamp"`
	ForwardPower   float64   `json:"forward_power"`
	ReflectedPower float64   `json:"reflected_power"`
	VSWR           swr.Ratio `json:"vswr"`
}

func NewPower(r meter.Reading) Power {
	return Power{
		Timestamp:      r.Timestamp,
		ForwardPower:   r.Forward,
		ReflectedPower: r.Reflected,
		VSWR:           swr.Ratio(swr.VSWR(r.Forward, r.Reflected)),
	}
}

type Devices struct {
	Success bool           `json:"success"`
	Devices []meter.Device `json:"devices"`
	Message string         `json:"message,omitempty"`
}

type Server struct {
	store  Store
	modes  Modes
	acq    Acquisition
	hub    *stream.Hub
	engine *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(store Store, modes Modes, acq Acquisition) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:  store,
		modes:  modes,
		acq:    acq,
		hub:    stream.NewHub(),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.engine.GET(statusEndpoint, s.status)
	s.engine.GET(currentEndpoint, s.current)
	s.engine.GET(historyEndpoint, s.history)
	s.engine.GET(devicesEndpoint, s.devices)
	s.engine.GET(exportEndpoint, s.exportCSV)
	s.engine.GET(chartEndpoint, s.chart)
	s.engine.GET(streamEndpoint, gin.WrapH(s.hub))
	return s
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		glog.V(2).Infof("%s %s %d %s\n", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyRunning
	}
	if err := config.ValidateListen(host, port); err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w on %s: %s", ErrBind, addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.srv = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("API server on %s stopped: %s\n", addr, err)
		}
	}()
	glog.Infof("API server listening on http://%s\n", ln.Addr())
	return nil
}

// Stop shuts the server down gracefully. The port is free once it returns.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	s.hub.Close()
	err := s.srv.Shutdown(ctx)
	if err != nil {
		glog.Warningf("graceful API shutdown failed, closing: %s\n", err)
		err = s.srv.Close()
	}
	glog.Infof("API server on %s stopped\n", s.ln.Addr())
	s.srv = nil
	s.ln = nil
	return err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Addr returns the listen address or an empty string when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Observe pushes a new reading to the stream subscribers.
func (s *Server) Observe(r meter.Reading) error {
	return s.hub.Broadcast("reading", NewPower(r))
}

func (s *Server) status(c *gin.Context) {
	connected := s.modes.Connected()
	c.JSON(http.StatusOK, Status{
		DeviceConnected:        connected,
		SimulationMode:         !connected,
		Monitoring:             s.acq.Running(),
		AcquisitionFrequencyMS: s.acq.Interval().Milliseconds(),
		DataPoints:             s.store.Len(),
	})
}

func (s *Server) current(c *gin.Context) {
	r, ok := s.store.Latest()
	if !ok {
		c.JSON(http.StatusOK, Power{VSWR: 1})
		return
	}
	c.JSON(http.StatusOK, NewPower(r))
}

func (s *Server) history(c *gin.Context) {
	limit := DefaultHistoryLimit
	if v, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be an integer, got %q", v)})
			return
		}
		limit = n
	}
	readings := s.store.Last(limit)
	out := make([]Power, 0, len(readings))
	for _, r := range readings {
		out = append(out, NewPower(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) devices(c *gin.Context) {
	devices, err := s.modes.ListDevices(c.Request.Context())
	if err != nil {
		glog.Warningf("unable to list devices: %s\n", err)
		c.JSON(http.StatusOK, Devices{Success: false, Devices: []meter.Device{}, Message: err.Error()})
		return
	}
	if devices == nil {
		devices = []meter.Device{}
	}
	c.JSON(http.StatusOK, Devices{Success: true, Devices: devices})
}

func (s *Server) exportCSV(c *gin.Context) {
	readings := s.store.Snapshot()
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.CSVFilename(time.Now())))
	c.Status(http.StatusOK)
	if err := export.WriteCSV(c.Writer, readings, time.Local); err != nil {
		glog.Warningf("unable to export %d readings as CSV: %s\n", len(readings), err)
	}
}

func (s *Server) chart(c *gin.Context) {
	opts := &render.Options{}
	for name, dst := range map[string]*int{"width": &opts.Width, "height": &opts.Height} {
		v, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be a positive integer, got %q", name, v)})
			return
		}
		*dst = n
	}
	img := render.Trend(s.store.Snapshot(), opts)
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := png.Encode(c.Writer, img); err != nil {
		glog.Warningf("unable to encode chart: %s\n", err)
	}
}
