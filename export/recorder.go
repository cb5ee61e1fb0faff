package export

import (
	"fmt"
	"sync"

	"github.com/hb9tf/powermeter/meter"
)

const defaultRecorderBuffer = 1000

// Recorder hands readings to an Exporter without ever blocking the caller.
type Recorder struct {
	mu      sync.Mutex
	ch      chan meter.Reading
	closed  bool
	dropped int
}

func NewRecorder(buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	return &Recorder{
		ch: make(chan meter.Reading, buffer),
	}
}

// Readings is the channel to pass to Exporter.Write.
func (r *Recorder) Readings() <-chan meter.Reading {
	return r.ch
}

// Observe queues the reading for export. It fails if the exporter falls behind.
func (r *Recorder) Observe(reading meter.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	select {
	case r.ch <- reading:
		return nil
	default:
		r.dropped++
		return fmt.Errorf("export queue full, dropped %d readings so far", r.dropped)
	}
}

// Close ends the export once all queued readings are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
