package swr

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVSWR(t *testing.T) {
	tests := []struct {
		name      string
		forward   float64
		reflected float64
		want      float64
	}{
		{name: "no forward power", forward: 0, reflected: 12, want: 1.0},
		{name: "negative forward power", forward: -3, reflected: 1, want: 1.0},
		{name: "no reflection", forward: 100, reflected: 0, want: 1.0},
		{name: "half reflected", forward: 100, reflected: 50, want: (1 + math.Sqrt(0.5)) / (1 - math.Sqrt(0.5))},
		{name: "negative reflected uses magnitude", forward: 100, reflected: -50, want: (1 + math.Sqrt(0.5)) / (1 - math.Sqrt(0.5))},
		{name: "one percent", forward: 800, reflected: 8, want: 1.1 / 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, VSWR(tt.forward, tt.reflected), 1e-9)
		})
	}
}

func TestVSWR_Infinite(t *testing.T) {
	assert.True(t, math.IsInf(VSWR(100, 100), 1))
	assert.True(t, math.IsInf(VSWR(100, 250), 1))
	assert.True(t, math.IsInf(VSWR(100, -100), 1))
}

func TestVSWR_KnownValue(t *testing.T) {
	assert.InDelta(t, 5.828, VSWR(100, 50), 1e-3)
	// Pure: repeated calls agree.
	assert.Equal(t, VSWR(100, 50), VSWR(100, 50))
}

func TestRatio_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Ratio{"vswr": Ratio(math.Inf(1))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vswr":"Infinity"}`, string(b))

	b, err = json.Marshal(Ratio(1.5))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(b))

	var r Ratio
	require.NoError(t, json.Unmarshal([]byte(`"Infinity"`), &r))
	assert.True(t, math.IsInf(float64(r), 1))
	require.NoError(t, json.Unmarshal([]byte(`2.25`), &r))
	assert.Equal(t, Ratio(2.25), r)
}
