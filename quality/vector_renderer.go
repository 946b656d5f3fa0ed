package quality

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws a quality field in world coordinates as vector
// graphics. Cells are merged into blocks so large grids stay a manageable
// number of paths.
type VectorRenderer struct {
	Quality    *QualityField
	Grid       Grid
	Landmarks  []Landmark
	Size       float64           // longer canvas side in millimeters
	Padding    float64           // padding in millimeters
	MaxBlocks  int               // blocks along the longer grid side
	LogScale   bool              // map values through log10 before the ramp
	Resolution canvas.Resolution // Resolution for PNG output
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(q *QualityField, grid Grid, landmarks []Landmark) *VectorRenderer {
	return &VectorRenderer{
		Quality:    q,
		Grid:       grid,
		Landmarks:  landmarks,
		Size:       200.0,
		Padding:    5.0,
		MaxBlocks:  250,
		LogScale:   true,
		Resolution: canvas.DPI(150),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps world coordinates onto the canvas
type layout struct {
	bound         [4]float64 // minX, minY, maxX, maxY
	scale         float64    // mm per world unit
	width, height float64
	padding       float64
}

func (l layout) toCanvas(p Point) (float64, float64) {
	return (p.X-l.bound[0])*l.scale + l.padding, (p.Y-l.bound[1])*l.scale + l.padding
}

func (r *VectorRenderer) layout() (layout, error) {
	if r.Quality == nil || r.Quality.Width != r.Grid.Width || r.Quality.Height != r.Grid.Height {
		return layout{}, fmt.Errorf("%w: quality field does not match the render grid", ErrShapeMismatch)
	}
	b := r.Grid.Bound()
	for _, lm := range r.Landmarks {
		b = b.Extend(orb.Point{lm.World.X, lm.World.Y})
	}
	w, h := b.Right()-b.Left(), b.Top()-b.Bottom()
	longest := math.Max(w, h)
	if !(longest > 0) {
		return layout{}, fmt.Errorf("render area is empty")
	}

	l := layout{
		bound:   [4]float64{b.Left(), b.Bottom(), b.Right(), b.Top()},
		scale:   r.Size / longest,
		padding: r.Padding,
	}
	l.width = w*l.scale + 2*r.Padding
	l.height = h*l.scale + 2*r.Padding
	return l, nil
}

// RenderToSVG writes the field as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)

	return svgRenderer.Close()
}

// RenderToPNG writes the field as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}

	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)

	// Rasterizer implements draw.Image
	return png.Encode(w, rast)
}

// blockSize returns how many cells each rendered block spans per side
func (r *VectorRenderer) blockSize() int {
	maxBlocks := r.MaxBlocks
	if maxBlocks <= 0 {
		maxBlocks = 250
	}
	longest := max(r.Grid.Width, r.Grid.Height)
	return max(1, (longest+maxBlocks-1)/maxBlocks)
}

// blockMean averages the valid cells of the block starting at (col, row)
func (r *VectorRenderer) blockMean(col, row, size int) (float64, bool) {
	q := r.Quality
	var sum float64
	var n int
	for y := row; y < min(row+size, q.Height); y++ {
		for x := col; x < min(col+size, q.Width); x++ {
			v := q.At(x, y)
			if v == q.NoData || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	// Reuse the heatmap's range and ramp so both outputs agree
	ramp := &HeatmapRenderer{Quality: r.Quality, LogScale: r.LogScale}
	low, high := ramp.Range()
	noData := color.RGBA{200, 200, 200, 255}

	size := r.blockSize()
	g := r.Grid
	for row := 0; row < g.Height; row += size {
		for col := 0; col < g.Width; col += size {
			c := noData
			if v, ok := r.blockMean(col, row, size); ok {
				c = rampColor(ramp.normalize(v, low, high))
			}

			c1, r1 := float64(min(col+size, g.Width)), float64(min(row+size, g.Height))
			corners := []Point{
				g.CellToWorld(float64(col), float64(row)),
				g.CellToWorld(c1, float64(row)),
				g.CellToWorld(c1, r1),
				g.CellToWorld(float64(col), r1),
			}

			cp := &canvas.Path{}
			for i, p := range corners {
				x, y := l.toCanvas(p)
				if i == 0 {
					cp.MoveTo(x, y)
				} else {
					cp.LineTo(x, y)
				}
			}
			cp.Close()

			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: c}
			// Stroke in the fill colour hides hairline seams between blocks
			style.Stroke = canvas.Paint{Color: c}
			style.StrokeWidth = 0.05
			renderer.RenderPath(cp, style, canvas.Identity)
		}
	}

	// Grid outline
	outline := &canvas.Path{}
	for i, p := range []Point{
		g.CellToWorld(0, 0),
		g.CellToWorld(float64(g.Width), 0),
		g.CellToWorld(float64(g.Width), float64(g.Height)),
		g.CellToWorld(0, float64(g.Height)),
	} {
		x, y := l.toCanvas(p)
		if i == 0 {
			outline.MoveTo(x, y)
		} else {
			outline.LineTo(x, y)
		}
	}
	outline.Close()
	outlineStyle := canvas.DefaultStyle
	outlineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	outlineStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	outlineStyle.StrokeWidth = 0.3
	renderer.RenderPath(outline, outlineStyle, canvas.Identity)

	// Landmarks
	markers := &HeatmapRenderer{Landmarks: r.Landmarks}
	radius := math.Max(l.width, l.height) / 150
	for i, lm := range r.Landmarks {
		x, y := l.toCanvas(lm.World)

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: markers.markerColor(i)}
		style.Stroke = canvas.Paint{Color: canvas.White}
		style.StrokeWidth = radius / 3

		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
	}
}
