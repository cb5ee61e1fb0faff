package main

import (
	"context"
	"database/sql"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/acquire"
	"github.com/hb9tf/powermeter/api"
	"github.com/hb9tf/powermeter/config"
	"github.com/hb9tf/powermeter/export"
	"github.com/hb9tf/powermeter/filter"
	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/mode"
	"github.com/hb9tf/powermeter/scpi"
	"github.com/hb9tf/powermeter/synth"
	"github.com/hb9tf/powermeter/window"

	// Blind import support for sqlite3 used by sqlite.go.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	configFile     = flag.String("config", "config.json", "Path of the JSON config file.")
	saveConfig     = flag.Bool("saveConfig", false, "Write the effective config (including flag overrides) back to -config.")
	resource       = flag.String("resource", "", "Instrument resource, overrides device.connection_string (e.g. TCPIP0::192.168.1.50::5025::SOCKET or /dev/usbtmc0).")
	deviceGlob     = flag.String("deviceGlob", scpi.DefaultDeviceGlob, "Glob matching local USBTMC instruments.")
	simulate       = flag.Bool("simulate", false, "Never talk to an instrument, serve synthetic data only.")
	seed           = flag.Int64("seed", 0, "Seed of the synthetic data generator (0 picks one).")
	listen         = flag.String("listen", "", "host:port of the API server, overrides and enables api_server.")
	output         = flag.String("output", "none", "Export mechanism to use (one of: none, csv, sqlite, mysql)")
	exportSources  = flag.String("exportSources", "", "Comma separated sources to export (scpi, synthetic), empty exports all.")
	exportMinPower = flag.Float64("exportMinPower", 0, "Only export readings with at least this forward power in W.")
	exportMaxPower = flag.Float64("exportMaxPower", 0, "Only export readings with at most this forward power in W (0 is unbounded).")

	// CSV
	csvFile = flag.String("csvFile", "", "File path to append CSV lines to, empty writes to stdout.")

	// SQLite
	sqliteFile = flag.String("sqliteFile", "/tmp/powermeter", "File path of the sqlite DB file to use.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "powermeter", "Name of the DB to use.")
)

const (
	shutdownTimeout = 5 * time.Second
	connectTimeout  = 10 * time.Second
)

func applyFlags(cfg *config.Config) error {
	if *resource != "" {
		cfg.Device.ConnectionString = *resource
	}
	if *listen != "" {
		host, port, err := net.SplitHostPort(*listen)
		if err != nil {
			return err
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return err
		}
		cfg.APIServer.Enabled = true
		cfg.APIServer.Host = host
		cfg.APIServer.Port = p
	}
	return cfg.Validate()
}

func setupExporter() (export.Exporter, func()) {
	switch strings.ToLower(*output) {
	case "", "none":
		return nil, func() {}
	case "csv":
		if *csvFile == "" {
			return &export.CSV{W: os.Stdout}, func() {}
		}
		f, err := os.OpenFile(*csvFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			glog.Exitf("unable to open CSV file %q: %s", *csvFile, err)
		}
		return &export.CSV{W: f}, func() { f.Close() }
	case "sqlite":
		db, err := sql.Open("sqlite3", *sqliteFile)
		if err != nil {
			glog.Exitf("unable to open sqlite DB %q: %s", *sqliteFile, err)
		}
		return &export.SQLite{DB: db}, func() { db.Close() }
	case "mysql":
		pass, err := os.ReadFile(*mysqlPasswordFile)
		if err != nil {
			glog.Exitf("unable to read MySQL password file %q: %s\n", *mysqlPasswordFile, err)
		}
		db, err := export.OpenMySQL(*mysqlServer, *mysqlUser, strings.TrimSpace(string(pass)), *mysqlDBName)
		if err != nil {
			glog.Exitf("unable to open MySQL DB %q: %s", *mysqlServer, err)
		}
		return &export.MySQL{DB: db}, func() { db.Close() }
	default:
		glog.Exitf("%q is not a supported export method, pick one of: none, csv, sqlite, mysql", *output)
	}
	return nil, nil
}

// connect switches to the last known or configured instrument. Without
// either, the first instrument of the expected model found on the bus is
// used. An established connection is left alone: reopening a single
// session instrument fails and would drop it to simulated data.
func connect(ctx context.Context, ctrl *mode.Controller, configured string) {
	if !ctrl.HasBus() {
		return
	}
	if ctrl.Connected() {
		glog.Infof("already connected to %s, not reconnecting\n", ctrl.Resource())
		return
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	target := ctrl.Resource()
	if target == "" {
		target = configured
	}
	if target == "" {
		found, err := ctrl.Discover(ctx)
		if err != nil {
			glog.Warningf("no instrument found, using simulated data: %s\n", err)
			return
		}
		target = found
	}
	if err := ctrl.Connect(ctx, target); err != nil {
		glog.Warningf("unable to connect to %s, using simulated data: %s\n", target, err)
	}
}

// handleSignal acts on a signal and reports whether the daemon should shut down.
// SIGHUP connects to the instrument, SIGUSR1 switches to simulated data.
func handleSignal(ctx context.Context, sig os.Signal, ctrl *mode.Controller, configured string) bool {
	switch sig {
	case syscall.SIGHUP:
		glog.Infof("received %s, connecting\n", sig)
		connect(ctx, ctrl, configured)
	case syscall.SIGUSR1:
		glog.Infof("received %s, switching to simulated data\n", sig)
		ctrl.Disconnect()
	default:
		glog.Infof("received %s, shutting down\n", sig)
		return true
	}
	return false
}

// exportFilters builds the filter chain in front of the exporter.
func exportFilters(sources string, minPower, maxPower float64) []filter.Filterer {
	filters := []filter.Filterer{filter.ParseSources(sources)}
	if minPower > 0 || maxPower > 0 {
		filters = append(filters, &filter.FilterPower{
			Min: minPower,
			Max: maxPower,
		})
	}
	return filters
}

func main() {
	ctx := context.Background()
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		glog.Exitf("unable to load config: %s", err)
	}
	if err := applyFlags(cfg); err != nil {
		glog.Exitf("invalid flags: %s", err)
	}
	if *exportMaxPower > 0 && *exportMaxPower < *exportMinPower {
		glog.Exitf("-exportMaxPower %g is below -exportMinPower %g", *exportMaxPower, *exportMinPower)
	}
	if *saveConfig {
		if err := cfg.Save(*configFile); err != nil {
			glog.Exitf("unable to save config: %s", err)
		}
		glog.Infof("config written to %q\n", *configFile)
	}

	// Measurement setup
	store, err := window.New(cfg.Horizon())
	if err != nil {
		glog.Exitf("invalid time window: %s", err)
	}
	var bus meter.Bus
	if !*simulate {
		b := &scpi.Bus{
			DeviceGlob: *deviceGlob,
			Timeout:    cfg.Timeout(),
		}
		if cfg.Device.ConnectionString != "" {
			b.Resources = []string{cfg.Device.ConnectionString}
		}
		bus = b
	}
	ctrl := mode.New(bus, synth.New(*seed), store, &mode.Options{
		ForwardChannel:   cfg.Measurement.ForwardChannel,
		ReflectedChannel: cfg.Measurement.ReflectedChannel,
		FrequencyHz:      cfg.Measurement.FrequencyHz,
		ModelMarker:      cfg.Device.ModelMarker,
		Timeout:          cfg.Timeout(),
	})
	connect(ctx, ctrl, cfg.Device.ConnectionString)

	sched, err := acquire.New(ctrl, store, &acquire.Options{
		Interval:    cfg.Interval(),
		ReadTimeout: cfg.Timeout(),
	})
	if err != nil {
		glog.Exitf("invalid acquisition interval: %s", err)
	}

	// Exporter setup
	exporter, closeExporter := setupExporter()
	recorder := export.NewRecorder(0)
	exported := make(chan struct{})
	if exporter == nil {
		recorder.Close()
		close(exported)
	} else {
		sched.AddObserver(recorder)
		filtered := make(chan meter.Reading)
		go func() {
			if err := filter.Filter(ctx, recorder.Readings(), filtered, exportFilters(*exportSources, *exportMinPower, *exportMaxPower)); err != nil {
				glog.Warningf("export filter stopped: %s\n", err)
			}
		}()
		go func() {
			defer close(exported)
			if err := exporter.Write(ctx, filtered); err != nil {
				glog.Errorf("export to %s failed, dropping further readings: %s\n", *output, err)
				for range filtered {
				}
			}
		}()
	}

	// API server setup
	server := api.New(store, ctrl, sched)
	sched.AddObserver(server)
	if cfg.APIServer.Enabled {
		if err := server.Start(cfg.APIServer.Host, cfg.APIServer.Port); err != nil {
			glog.Errorf("API server not started, acquisition continues: %s\n", err)
		}
	}

	// Run
	if err := sched.Start(ctx); err != nil {
		glog.Exitf("unable to start acquisition: %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	for sig := range sigs {
		if handleSignal(ctx, sig, ctrl, cfg.Device.ConnectionString) {
			break
		}
	}
	signal.Stop(sigs)

	// Shutdown
	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		glog.Warningf("error stopping API server: %s\n", err)
	}
	sched.Stop()
	recorder.Close()
	select {
	case <-exported:
	case <-stopCtx.Done():
		glog.Warningf("exporter did not finish within %s\n", shutdownTimeout)
	}
	closeExporter()
	if err := ctrl.Close(); err != nil {
		glog.Warningf("error closing instrument: %s\n", err)
	}

	glog.Flush()
}
