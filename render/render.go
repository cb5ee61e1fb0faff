// Package render draws the power trend of a window of readings.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/powermeter/meter"
)

var (
	backgroundColor = color.RGBA{255, 255, 255, 255}
	gridColor       = color.RGBA{233, 236, 239, 255}
	axisColor       = color.RGBA{108, 117, 125, 255}
	ForwardColor    = color.RGBA{44, 123, 229, 255}
	ReflectedColor  = color.RGBA{230, 55, 87, 255}
)

const (
	DefaultWidth  = 800
	DefaultHeight = 450
	MaxWidth      = 4096
	MaxHeight     = 4096
	minSize       = 160

	marginTop    = 30  // pixels
	marginBottom = 25  // pixels
	marginLeft   = 70  // pixels
	marginRight  = 15  // pixels
	tickLen      = 5   // pixels
	minStepX     = 100 // pixels
	minStepY     = 40  // pixels

	// minPowerPad is the minimum headroom above and below the data in W.
	minPowerPad = 50
)

type Options struct {
	Width  int
	Height int
}

func (o *Options) size() (int, int) {
	w, h := DefaultWidth, DefaultHeight
	if o != nil {
		if o.Width > 0 {
			w = o.Width
		}
		if o.Height > 0 {
			h = o.Height
		}
	}
	return clamp(w, minSize, MaxWidth), clamp(h, minSize, MaxHeight)
}

func clamp(v, lo, hi int) int {
	return int(math.Min(math.Max(float64(v), float64(lo)), float64(hi)))
}

// plot maps readings into the plot area of the canvas.
type plot struct {
	area       image.Rectangle
	tMin, tMax float64
	pMin, pMax float64
}

func (p *plot) x(ts float64) int {
	return p.area.Min.X + int(math.Round((ts-p.tMin)/(p.tMax-p.tMin)*float64(p.area.Dx()-1)))
}

func (p *plot) y(power float64) int {
	return p.area.Max.Y - 1 - int(math.Round((power-p.pMin)/(p.pMax-p.pMin)*float64(p.area.Dy()-1)))
}

// Trend draws forward and reflected power over time.
func Trend(readings []meter.Reading, opts *Options) *image.RGBA {
	width, height := opts.size()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)

	area := image.Rect(marginLeft, marginTop, width-marginRight, height-marginBottom)
	if len(readings) == 0 {
		drawString(canvas, "no data", area.Min.X+area.Dx()/2-24, area.Min.Y+area.Dy()/2, axisColor)
		return canvas
	}

	p := newPlot(readings, area)
	drawGrid(canvas, p)
	drawSeries(canvas, p, readings, func(r meter.Reading) float64 { return r.Reflected }, ReflectedColor)
	drawSeries(canvas, p, readings, func(r meter.Reading) float64 { return r.Forward }, ForwardColor)

	// Legend.
	drawString(canvas, "forward", marginLeft, marginTop-10, ForwardColor)
	drawString(canvas, "reflected", marginLeft+70, marginTop-10, ReflectedColor)
	drawString(canvas, fmt.Sprintf("%.2f W", readings[len(readings)-1].Forward), width-marginRight-90, marginTop-10, ForwardColor)
	return canvas
}

func newPlot(readings []meter.Reading, area image.Rectangle) *plot {
	p := &plot{
		area: area,
		tMin: readings[0].Timestamp,
		tMax: readings[len(readings)-1].Timestamp,
		pMin: math.Inf(1),
		pMax: math.Inf(-1),
	}
	if p.tMax <= p.tMin {
		p.tMax = p.tMin + 1
	}
	for _, r := range readings {
		p.pMin = math.Min(p.pMin, math.Min(r.Forward, r.Reflected))
		p.pMax = math.Max(p.pMax, math.Max(r.Forward, r.Reflected))
	}
	pad := math.Max(minPowerPad, (p.pMax-p.pMin)*0.2)
	p.pMin = math.Max(0, p.pMin-pad)
	p.pMax += pad
	return p
}

func findStepSize(length, minStep int) int {
	step := length
	for step > minStep {
		n := step / 2
		if n < minStep {
			return step
		}
		step = n
	}
	if step < 1 {
		return 1
	}
	return step
}

func drawGrid(canvas *image.RGBA, p *plot) {
	a := p.area

	// Horizontal lines with power labels.
	yStep := findStepSize(a.Dy(), minStepY)
	for y := a.Max.Y - 1; y >= a.Min.Y; y -= yStep {
		drawLine(canvas, a.Min.X, y, a.Max.X-1, y, gridColor)
		drawLine(canvas, a.Min.X-tickLen, y, a.Min.X, y, axisColor)
		power := p.pMin + float64(a.Max.Y-1-y)/float64(a.Dy()-1)*(p.pMax-p.pMin)
		drawString(canvas, fmt.Sprintf("%.0f W", power), 5, y+4, axisColor)
	}

	// Vertical lines labeled with the age relative to the newest reading.
	xStep := findStepSize(a.Dx(), minStepX)
	for x := a.Max.X - 1; x >= a.Min.X; x -= xStep {
		drawLine(canvas, x, a.Min.Y, x, a.Max.Y-1, gridColor)
		drawLine(canvas, x, a.Max.Y, x, a.Max.Y+tickLen, axisColor)
		age := p.tMax - (p.tMin + float64(x-a.Min.X)/float64(a.Dx()-1)*(p.tMax-p.tMin))
		drawString(canvas, fmt.Sprintf("-%.0fs", age), x-12, a.Max.Y+18, axisColor)
	}

	// Axes.
	drawLine(canvas, a.Min.X, a.Min.Y, a.Min.X, a.Max.Y-1, axisColor)
	drawLine(canvas, a.Min.X, a.Max.Y-1, a.Max.X-1, a.Max.Y-1, axisColor)
}

func drawSeries(canvas *image.RGBA, p *plot, readings []meter.Reading, value func(meter.Reading) float64, c color.RGBA) {
	px, py := p.x(readings[0].Timestamp), p.y(value(readings[0]))
	if len(readings) == 1 {
		drawDot(canvas, px, py, c)
		return
	}
	for _, r := range readings[1:] {
		x, y := p.x(r.Timestamp), p.y(value(r))
		drawLine(canvas, px, py, x, y, c)
		// Two pixels wide for readability.
		drawLine(canvas, px, py+1, x, y+1, c)
		px, py = x, y
	}
}

func drawDot(canvas *image.RGBA, x, y int, c color.RGBA) {
	for dx := -2; dx <= 2; dx++ {
		for dy := -2; dy <= 2; dy++ {
			canvas.SetRGBA(x+dx, y+dy, c)
		}
	}
}

// drawLine is Bresenham's line algorithm.
func drawLine(canvas *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		canvas.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawString(canvas *image.RGBA, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
