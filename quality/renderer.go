package quality

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	maxImageSize = 4000
	legendHeight = 44
)

// HeatmapRenderer renders a quality field as a colour-ramped PNG.
// Low values (small uncertainty) are green, high values red.
type HeatmapRenderer struct {
	Quality     *QualityField
	Pixels      []PixelPos // landmark cells, drawn as markers; may be nil
	Landmarks   []Landmark // labels and "color" properties for Pixels; may be nil
	Scale       int        // image pixels per cell; 0 = fit within maxImageSize
	Padding     int
	LogScale    bool    // map values through log10 before the ramp
	Low, High   float64 // ramp range; both 0 = automatic
	NoDataColor color.RGBA
}

// NewHeatmapRenderer creates a renderer with default settings
func NewHeatmapRenderer(q *QualityField, pixels []PixelPos, landmarks []Landmark) *HeatmapRenderer {
	return &HeatmapRenderer{
		Quality:     q,
		Pixels:      pixels,
		Landmarks:   landmarks,
		Padding:     10,
		LogScale:    true,
		NoDataColor: color.RGBA{200, 200, 200, 255},
	}
}

// cellScale picks the number of image pixels per cell
func (r *HeatmapRenderer) cellScale() int {
	if r.Scale > 0 {
		return r.Scale
	}
	longest := max(r.Quality.Width, r.Quality.Height, 1)
	s := maxImageSize / longest
	return min(max(s, 1), 8)
}

// Range returns the value range mapped onto the colour ramp. Without an
// explicit range it spans the minimum to the 90th percentile, so the few
// clamped near-singular cells do not wash out the rest.
func (r *HeatmapRenderer) Range() (low, high float64) {
	if r.Low != 0 || r.High != 0 {
		return r.Low, r.High
	}
	s := Summarize(r.Quality)
	if s.ValidCells == 0 {
		return 0, 1
	}
	low, high = s.Min, s.P90
	if high <= low {
		high = s.Max
	}
	if high <= low {
		high = low + 1
	}
	return low, high
}

// normalize maps v into [0, 1] within [low, high]
func (r *HeatmapRenderer) normalize(v, low, high float64) float64 {
	if r.LogScale && low > 0 {
		v, low, high = math.Log10(math.Max(v, low)), math.Log10(low), math.Log10(high)
	}
	t := (v - low) / (high - low)
	return math.Min(math.Max(t, 0), 1)
}

// rampColor maps t in [0, 1] through green, yellow, red
func rampColor(t float64) color.RGBA {
	if t < 0.5 {
		u := t / 0.5
		return color.RGBA{uint8(40 + u*215), uint8(170 + u*50), 60, 255}
	}
	u := (t - 0.5) / 0.5
	return color.RGBA{255, uint8(220 - u*190), uint8(60 - u*30), 255}
}

// Render creates the heatmap image
func (r *HeatmapRenderer) Render() *image.RGBA {
	q := r.Quality
	scale := r.cellScale()
	width := q.Width*scale + 2*r.Padding
	height := q.Height*scale + 2*r.Padding + legendHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	low, high := r.Range()
	for row := 0; row < q.Height; row++ {
		for col := 0; col < q.Width; col++ {
			v := q.At(col, row)
			c := r.NoDataColor
			if v != q.NoData {
				c = rampColor(r.normalize(v, low, high))
			}
			x0 := r.Padding + col*scale
			y0 := r.Padding + row*scale
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetRGBA(x0+dx, y0+dy, c)
				}
			}
		}
	}

	// Landmarks on top
	marker := max(3, scale)
	for i, p := range r.Pixels {
		cx := r.Padding + p.Col*scale + scale/2
		cy := r.Padding + p.Row*scale + scale/2
		drawCircle(img, cx, cy, marker+1, color.RGBA{255, 255, 255, 255})
		drawCircle(img, cx, cy, marker, r.markerColor(i))
		if i < len(r.Landmarks) {
			drawText(img, cx+marker+3, cy+4, r.Landmarks[i].ID, color.RGBA{0, 0, 0, 255})
		}
	}

	r.drawLegend(img, width, height, low, high)
	return img
}

// markerColor returns the landmark's "color" property, or dark blue
func (r *HeatmapRenderer) markerColor(i int) color.RGBA {
	if i < len(r.Landmarks) {
		if hex, ok := r.Landmarks[i].Properties["color"].(string); ok && hex != "" {
			return parseHexColor(hex)
		}
	}
	return color.RGBA{0, 0, 139, 255}
}

// drawLegend draws the colour bar with its range labels under the raster
func (r *HeatmapRenderer) drawLegend(img *image.RGBA, width, height int, low, high float64) {
	top := height - legendHeight + 8
	left := r.Padding
	barWidth := width - 2*r.Padding
	if barWidth <= 0 {
		return
	}

	for x := 0; x < barWidth; x++ {
		c := rampColor(float64(x) / float64(max(barWidth-1, 1)))
		for y := 0; y < 10; y++ {
			img.SetRGBA(left+x, top+y, c)
		}
	}

	black := color.RGBA{0, 0, 0, 255}
	drawText(img, left, top+24, fmt.Sprintf("%.3g", low), black)
	highLabel := fmt.Sprintf("%.3g+", high)
	drawText(img, left+barWidth-7*len(highLabel), top+24, highLabel, black)
	title := r.Quality.Metric.Label()
	if r.LogScale {
		title += " (log)"
	}
	drawText(img, left+barWidth/2-7*len(title)/2, top+24, title, black)
}

// SavePNG saves the heatmap to a file
func (r *HeatmapRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB", defaulting to red
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}

	// Remove # prefix if present
	if hex[0] == '#' {
		hex = hex[1:]
	}

	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	_, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	if err != nil {
		return defaultColor
	}

	return color.RGBA{r, g, b, 255}
}
