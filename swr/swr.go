package swr

import (
	"encoding/json"
	"math"
)

// VSWR calculates the voltage standing wave ratio from forward and reflected power.
// No forward power is reported as a perfect match, reflected power at or above
// forward power as +Inf.
func VSWR(forward, reflected float64) float64 {
	if forward <= 0 {
		return 1.0
	}
	r := math.Abs(reflected) / forward
	if r >= 1 {
		return math.Inf(1)
	}
	rho := math.Sqrt(r)
	return (1 + rho) / (1 - rho)
}

// Ratio is a VSWR value which encodes +Inf as the JSON string "Infinity".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(r), 1) {
		return []byte(`"Infinity"`), nil
	}
	return json.Marshal(float64(r))
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	if string(b) == `"Infinity"` {
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}
