// Package filter drops readings before they reach an exporter.
package filter

import (
	"context"
	"strings"

	"github.com/hb9tf/powermeter/meter"
)

type Filterer interface {
	ShouldIgnore(*meter.Reading) bool
}

// Filter forwards every reading no filter ignores. It closes output once
// input is closed or ctx is done.
func Filter(ctx context.Context, input <-chan meter.Reading, output chan<- meter.Reading, filters []Filterer) error {
	defer close(output)
	for r := range input {
		if ignored(&r, filters) {
			continue
		}
		select {
		case output <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func ignored(r *meter.Reading, filters []Filterer) bool {
	for _, f := range filters {
		if f.ShouldIgnore(r) {
			return true
		}
	}
	return false
}

// FilterSource keeps readings of the listed sources only.
type FilterSource struct {
	Sources []string
}

// ParseSources turns a comma separated list such as "scpi,synthetic" into a
// FilterSource. An empty list keeps everything.
func ParseSources(list string) *FilterSource {
	f := &FilterSource{}
	for _, s := range strings.Split(list, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			f.Sources = append(f.Sources, s)
		}
	}
	return f
}

func (f *FilterSource) ShouldIgnore(r *meter.Reading) bool {
	if len(f.Sources) == 0 {
		return false
	}
	for _, s := range f.Sources {
		if s == r.Source {
			return false
		}
	}
	return true
}

// FilterPower ignores readings whose forward power is outside [Min, Max] W.
// A zero Max means no upper bound.
type FilterPower struct {
	Min float64
	Max float64
}

func (f *FilterPower) ShouldIgnore(r *meter.Reading) bool {
	// Check if the forward power is lower than what we want to include.
	if r.Forward < f.Min {
		return true
	}
	// Check if the forward power is higher than what we want to include.
	if f.Max > 0 && r.Forward > f.Max {
		return true
	}
	return false
}
