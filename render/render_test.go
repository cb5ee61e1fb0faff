package render

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hb9tf/powermeter/meter"
)

func countColor(img *image.RGBA, c color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func ramp(n int) []meter.Reading {
	readings := make([]meter.Reading, 0, n)
	for i := 0; i < n; i++ {
		readings = append(readings, meter.Reading{
			Timestamp: float64(1700000000 + i),
			Forward:   700 + float64(i*5),
			Reflected: 50 + float64(i),
		})
	}
	return readings
}

func TestTrend(t *testing.T) {
	img := Trend(ramp(60), &Options{Width: 640, Height: 360})

	assert.Equal(t, image.Rect(0, 0, 640, 360), img.Bounds())
	assert.Greater(t, countColor(img, ForwardColor), 600)
	assert.Greater(t, countColor(img, ReflectedColor), 600)
}

func TestTrend_Sizes(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
		want image.Rectangle
	}{
		{name: "defaults", opts: nil, want: image.Rect(0, 0, DefaultWidth, DefaultHeight)},
		{name: "too small", opts: &Options{Width: 10, Height: 10}, want: image.Rect(0, 0, minSize, minSize)},
		{name: "too large", opts: &Options{Width: 10000, Height: 300}, want: image.Rect(0, 0, MaxWidth, 300)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Trend(ramp(5), tc.opts).Bounds())
		})
	}
}

func TestTrend_NoData(t *testing.T) {
	img := Trend(nil, nil)

	assert.Equal(t, 0, countColor(img, ForwardColor))
	assert.Equal(t, 0, countColor(img, ReflectedColor))
	assert.Greater(t, countColor(img, axisColor), 0)
}

func TestTrend_SingleReading(t *testing.T) {
	img := Trend(ramp(1), nil)

	assert.Equal(t, 25, countColor(img, ForwardColor)-countLegend(ForwardColor))
	assert.Greater(t, countColor(img, ReflectedColor), 0)
}

// countLegend returns the number of pixels the legend paints in c.
func countLegend(c color.RGBA) int {
	img := image.NewRGBA(image.Rect(0, 0, DefaultWidth, DefaultHeight))
	drawString(img, "forward", marginLeft, marginTop-10, c)
	drawString(img, "700.00 W", DefaultWidth-marginRight-90, marginTop-10, c)
	return countColor(img, c)
}

func TestFindStepSize(t *testing.T) {
	assert.Equal(t, 112, findStepSize(900, 100))
	assert.Equal(t, 50, findStepSize(400, 40))
	assert.Equal(t, 30, findStepSize(30, 40))
}

func TestDrawLine(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	c := color.RGBA{1, 2, 3, 255}

	drawLine(img, 0, 0, 9, 9, c)
	for i := 0; i < 10; i++ {
		assert.Equal(t, c, img.RGBAAt(i, i))
	}
	assert.Equal(t, 10, countColor(img, c))

	drawLine(img, 9, 0, 0, 0, c)
	assert.Equal(t, 19, countColor(img, c))
}
