// Package export writes readings to external sinks. Sinks are fed by a
// Recorder registered as an acquisition observer.
package export

import (
	"context"
	"math"

	"github.com/hb9tf/powermeter/meter"
)

const (
	// sampleCountInfo is how often progress is logged.
	sampleCountInfo = 1000
)

type Exporter interface {
	Write(context.Context, <-chan meter.Reading) error
}

// finite maps +Inf (a VSWR of a total reflection) to ok=false since not
// every sink can store it.
func finite(v float64) (float64, bool) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
