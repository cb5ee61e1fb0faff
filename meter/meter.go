package meter

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable is returned when the instrument can not be reached on its bus.
	ErrUnreachable = errors.New("instrument unreachable")
	// ErrProtocol is returned when the instrument replied with something that could not be understood.
	ErrProtocol = errors.New("instrument protocol error")
)

const (
	SourceInstrument = "scpi"
	SourceSynthetic  = "synthetic"
)

// Reading is a single timestamped forward/reflected power pair.
type Reading struct {
	// Timestamp is in (fractional) unix seconds.
	Timestamp float64
	Forward   float64
	Reflected float64

	// Metadata
	Source string
	Series string
}

// Measurement is a power pair before it got timestamped.
type Measurement struct {
	Forward   float64
	Reflected float64
	Source    string
	Series    string
}

func (m Measurement) At(ts float64) Reading {
	return Reading{
		Timestamp: ts,
		Forward:   m.Forward,
		Reflected: m.Reflected,
		Source:    m.Source,
		Series:    m.Series,
	}
}

// Device describes a resource found on the bus.
type Device struct {
	Resource      string `json:"resource"`
	Identity      string `json:"identity"`
	IsTargetModel bool   `json:"is_target_model"`
}

// Bus enumerates and opens instruments.
type Bus interface {
	Name() string
	ListResources(ctx context.Context) ([]string, error)
	Open(ctx context.Context, resource string) (Conn, error)
}

// Conn is an open session with one power meter.
type Conn interface {
	Identify(ctx context.Context) (string, error)
	// Configure enables continuous measurement on the channel and sets the sensor frequency.
	Configure(ctx context.Context, channel int, frequencyHz float64) error
	ReadChannel(ctx context.Context, channel int) (float64, error)
	Close() error
}
