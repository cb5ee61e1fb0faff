// Package config loads and saves the persisted settings of the power meter.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

// ErrInvalid is returned for out of range settings. Invalid settings are never applied.
var ErrInvalid = errors.New("configuration invalid")

const (
	MinInterval = 100 * time.Millisecond
	MaxInterval = 10 * time.Second

	MinPort = 1024
	MaxPort = 65535

	DefaultModelMarker = "N1914A"
)

type Device struct {
	ConnectionString string `mapstructure:"connection_string"`
	ModelMarker      string `mapstructure:"model_marker"`
}

type Measurement struct {
	FrequencyHz      float64 `mapstructure:"frequency_hz"`
	ForwardChannel   int     `mapstructure:"forward_channel"`
	ReflectedChannel int     `mapstructure:"reflected_channel"`
	TimeoutMs        int     `mapstructure:"timeout_ms"`
}

type Display struct {
	// Keys are case insensitive, the file uses "update_frequency_Hz".
	UpdateFrequencyHz float64 `mapstructure:"update_frequency_hz"`
	TimeWindowS       float64 `mapstructure:"time_window_s"`
}

type APIServer struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type Config struct {
	Device      Device      `mapstructure:"device"`
	Measurement Measurement `mapstructure:"measurement"`
	Display     Display     `mapstructure:"display"`
	APIServer   APIServer   `mapstructure:"api_server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.connection_string", "")
	v.SetDefault("device.model_marker", DefaultModelMarker)
	v.SetDefault("measurement.frequency_hz", 1e9)
	v.SetDefault("measurement.forward_channel", 1)
	v.SetDefault("measurement.reflected_channel", 2)
	v.SetDefault("measurement.timeout_ms", 1000)
	v.SetDefault("display.update_frequency_hz", 1.0)
	v.SetDefault("display.time_window_s", 60.0)
	v.SetDefault("api_server.enabled", true)
	v.SetDefault("api_server.host", "0.0.0.0")
	v.SetDefault("api_server.port", 5000)
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads the JSON config file at path. A missing file is not an error,
// the defaults are used instead. Environment variables prefixed with
// POWERMETER_ (e.g. POWERMETER_API_SERVER_PORT) override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("powermeter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("unable to read config file %q: %w", path, err)
		}
		glog.Warningf("config file %q not found, using defaults\n", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as JSON to path.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	v := viper.New()
	v.Set("device.connection_string", c.Device.ConnectionString)
	v.Set("device.model_marker", c.Device.ModelMarker)
	v.Set("measurement.frequency_hz", c.Measurement.FrequencyHz)
	v.Set("measurement.forward_channel", c.Measurement.ForwardChannel)
	v.Set("measurement.reflected_channel", c.Measurement.ReflectedChannel)
	v.Set("measurement.timeout_ms", c.Measurement.TimeoutMs)
	v.Set("display.update_frequency_hz", c.Display.UpdateFrequencyHz)
	v.Set("display.time_window_s", c.Display.TimeWindowS)
	v.Set("api_server.enabled", c.APIServer.Enabled)
	v.Set("api_server.host", c.APIServer.Host)
	v.Set("api_server.port", c.APIServer.Port)
	v.SetConfigType("json")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("unable to write config file %q: %w", path, err)
	}
	return nil
}

// Interval is the acquisition period derived from the display update frequency.
func (c *Config) Interval() time.Duration {
	if c.Display.UpdateFrequencyHz <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) / c.Display.UpdateFrequencyHz))
}

// Horizon is the time span retained in the window.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.Display.TimeWindowS * float64(time.Second))
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Measurement.TimeoutMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if err := ValidateInterval(c.Interval()); err != nil {
		return err
	}
	if c.Display.TimeWindowS <= 0 {
		return fmt.Errorf("%w: display.time_window_s must be positive, got %v", ErrInvalid, c.Display.TimeWindowS)
	}
	if c.Measurement.ForwardChannel < 1 || c.Measurement.ReflectedChannel < 1 {
		return fmt.Errorf("%w: measurement channels must be >= 1", ErrInvalid)
	}
	if c.Measurement.ForwardChannel == c.Measurement.ReflectedChannel {
		return fmt.Errorf("%w: forward and reflected channel must differ", ErrInvalid)
	}
	if c.Measurement.FrequencyHz <= 0 {
		return fmt.Errorf("%w: measurement.frequency_hz must be positive", ErrInvalid)
	}
	if c.Measurement.TimeoutMs <= 0 {
		return fmt.Errorf("%w: measurement.timeout_ms must be positive", ErrInvalid)
	}
	if c.APIServer.Enabled {
		if err := ValidateListen(c.APIServer.Host, c.APIServer.Port); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInterval checks the acquisition period bounds.
func ValidateInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: interval %s outside [%s, %s]", ErrInvalid, d, MinInterval, MaxInterval)
	}
	return nil
}

// ValidateListen checks the API server host and port.
func ValidateListen(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalid)
	}
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: port %d outside [%d, %d]", ErrInvalid, port, MinPort, MaxPort)
	}
	return nil
}
