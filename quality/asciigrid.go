package quality

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// MaxRasterCells caps the cell count of a decoded raster. The viewshed
// response body is capped at 200 MB, which holds at most ~100M cells.
const MaxRasterCells = 1 << 26

// ASCIIGrid is a single-band raster in ESRI ASCII grid form
type ASCIIGrid struct {
	Grid      Grid
	Values    []float64 // row-major, top row first
	NoData    float64
	HasNoData bool
}

// LoadASCIIGrid reads an ESRI ASCII grid (.asc) file
func LoadASCIIGrid(path string) (*ASCIIGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening raster: %w", err)
	}
	defer func() { _ = f.Close() }()

	g, err := ReadASCIIGrid(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// ReadASCIIGrid parses an ESRI ASCII grid. Both the corner and center
// origin forms are accepted, as is GDAL's dx/dy variant for
// non-square cells.
func ReadASCIIGrid(r io.Reader) (*ASCIIGrid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)

	header := make(map[string]float64)
	var pending string
	for sc.Scan() {
		tok := sc.Text()
		key := strings.ToLower(tok)
		if !isHeaderKey(key) {
			pending = tok
			break
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("header %s has no value", tok)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", tok, err)
		}
		header[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	ncols, okC := header["ncols"]
	nrows, okR := header["nrows"]
	if !okC || !okR || ncols <= 0 || nrows <= 0 {
		return nil, fmt.Errorf("ncols and nrows are required and must be positive")
	}
	if ncols != math.Trunc(ncols) || nrows != math.Trunc(nrows) {
		return nil, fmt.Errorf("ncols and nrows must be integers, got %g x %g", ncols, nrows)
	}
	if err := checkRasterSize(ncols, nrows); err != nil {
		return nil, err
	}
	width, height := int(ncols), int(nrows)

	dx, dy := header["dx"], header["dy"]
	if cs, ok := header["cellsize"]; ok {
		dx, dy = cs, cs
	}
	if dx <= 0 || dy <= 0 {
		return nil, fmt.Errorf("cellsize (or dx/dy) is required and must be positive")
	}

	var x0, yBottom float64
	switch {
	case hasKey(header, "xllcorner"):
		x0 = header["xllcorner"]
	case hasKey(header, "xllcenter"):
		x0 = header["xllcenter"] - dx/2
	default:
		return nil, fmt.Errorf("xllcorner or xllcenter is required")
	}
	switch {
	case hasKey(header, "yllcorner"):
		yBottom = header["yllcorner"]
	case hasKey(header, "yllcenter"):
		yBottom = header["yllcenter"] - dy/2
	default:
		return nil, fmt.Errorf("yllcorner or yllcenter is required")
	}

	g := &ASCIIGrid{
		Grid: Grid{
			Width:  width,
			Height: height,
			// North-up: origin at the top-left corner, rows run south
			Transform: MultiplyMatrices(
				Translation(x0, yBottom+float64(height)*dy),
				Scale(dx, -dy)),
		},
		Values: make([]float64, 0, min(width*height, 1<<16)),
	}
	if nd, ok := header["nodata_value"]; ok {
		g.NoData = nd
		g.HasNoData = true
	}

	parse := func(tok string) error {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("cell %d: %w", len(g.Values), err)
		}
		g.Values = append(g.Values, v)
		return nil
	}
	if pending != "" {
		if err := parse(pending); err != nil {
			return nil, err
		}
	}
	for sc.Scan() {
		if len(g.Values) == width*height {
			return nil, fmt.Errorf("more than %d cells", width*height)
		}
		if err := parse(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading cells: %w", err)
	}
	if len(g.Values) != width*height {
		return nil, fmt.Errorf("expected %d cells, got %d", width*height, len(g.Values))
	}

	return g, nil
}

// checkRasterSize rejects dimensions whose cell count exceeds MaxRasterCells.
// Dimensions are compared as floats so the product cannot overflow.
func checkRasterSize(width, height float64) error {
	if width*height > MaxRasterCells {
		return fmt.Errorf("raster of %g x %g cells exceeds the limit of %d cells", width, height, MaxRasterCells)
	}
	return nil
}

func isHeaderKey(key string) bool {
	switch key {
	case "ncols", "nrows", "xllcorner", "yllcorner", "xllcenter", "yllcenter",
		"cellsize", "dx", "dy", "nodata_value":
		return true
	}
	return false
}

func hasKey(m map[string]float64, key string) bool {
	_, ok := m[key]
	return ok
}

// Visibility binarizes the grid into a visibility raster:
// no-data cells become NaN, positive cells 1, everything else 0.
func (g *ASCIIGrid) Visibility() *VisibilityRaster {
	v := NewVisibilityRaster(g.Grid.Width, g.Grid.Height)
	for i, val := range g.Values {
		switch {
		case math.IsNaN(val) || (g.HasNoData && val == g.NoData):
			v.Values[i] = float32(math.NaN())
		case val > 0:
			v.Values[i] = 1
		}
	}
	return v
}

// WriteASCIIGrid writes values over grid as an ESRI ASCII grid. The grid
// must be north-up (no rotation terms). Non-square cells are written with
// dx/dy instead of cellsize.
func WriteASCIIGrid(w io.Writer, grid Grid, values []float64, noData float64) error {
	m := grid.Transform
	if m.B != 0 || m.C != 0 || m.A <= 0 || m.D >= 0 {
		return fmt.Errorf("ASCII grid output needs a north-up transform, got %+v", m)
	}
	if len(values) != grid.Cells() {
		return fmt.Errorf("%w: %d values for %dx%d grid", ErrShapeMismatch, len(values), grid.Width, grid.Height)
	}

	dx, dy := m.A, -m.D
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ncols %d\n", grid.Width)
	fmt.Fprintf(bw, "nrows %d\n", grid.Height)
	fmt.Fprintf(bw, "xllcorner %s\n", formatCell(m.Tx))
	fmt.Fprintf(bw, "yllcorner %s\n", formatCell(m.Ty-float64(grid.Height)*dy))
	if dx == dy {
		fmt.Fprintf(bw, "cellsize %s\n", formatCell(dx))
	} else {
		fmt.Fprintf(bw, "dx %s\n", formatCell(dx))
		fmt.Fprintf(bw, "dy %s\n", formatCell(dy))
	}
	fmt.Fprintf(bw, "NODATA_value %s\n", formatCell(noData))

	for r := 0; r < grid.Height; r++ {
		row := values[r*grid.Width : (r+1)*grid.Width]
		for c, v := range row {
			if c > 0 {
				_ = bw.WriteByte(' ')
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = noData
			}
			_, _ = bw.WriteString(formatCell(v))
		}
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}

// SaveASCIIGrid writes values to path as an ESRI ASCII grid
func SaveASCIIGrid(path string, grid Grid, values []float64, noData float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteASCIIGrid(f, grid, values, noData); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func formatCell(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
