// Package synth generates plausible power readings for when no instrument is available.
package synth

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Profile describes one synthetic channel. Every component is drawn uniformly
// from [-x, x] and summed onto Baseline. With SpikeProbability the result is
// multiplied by SpikeFactor.
type Profile struct {
	Baseline         float64
	Spread           float64
	Drift            float64
	Noise            float64
	SpikeProbability float64
	SpikeFactor      float64
}

var (
	ForwardProfile = Profile{
		Baseline:         800,
		Spread:           100,
		Drift:            10,
		Noise:            20,
		SpikeProbability: 0.05,
		SpikeFactor:      1.5,
	}
	ReflectedProfile = Profile{
		Baseline:         50,
		Spread:           20,
		Drift:            5,
		Noise:            10,
		SpikeProbability: 0.02,
		SpikeFactor:      2.0,
	}
)

// Max is the largest value the profile can produce.
func (p Profile) Max() float64 {
	return round2((p.Baseline + p.Spread + p.Drift + p.Noise) * math.Max(1, p.SpikeFactor))
}

// Generator is safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	forward   Profile
	reflected Profile
}

// New returns a generator with the default profiles. A seed of 0 picks a time based seed.
func New(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		rnd:       rand.New(rand.NewSource(seed)),
		forward:   ForwardProfile,
		reflected: ReflectedProfile,
	}
}

// Pair returns a synthetic forward and reflected power value.
func (g *Generator) Pair() (forward, reflected float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sample(g.forward), g.sample(g.reflected)
}

// sample requires g.mu to be held.
func (g *Generator) sample(p Profile) float64 {
	v := p.Baseline + g.uniform(p.Spread) + g.uniform(p.Drift) + g.uniform(p.Noise)
	if g.rnd.Float64() < p.SpikeProbability {
		v *= p.SpikeFactor
	}
	return round2(math.Max(0, v))
}

func (g *Generator) uniform(x float64) float64 {
	return (g.rnd.Float64()*2 - 1) * x
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
