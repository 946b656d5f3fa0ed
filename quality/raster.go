package quality

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultVisibilityPattern names per-landmark rasters by index
	DefaultVisibilityPattern = "viewshed_%d.asc"

	// fimNoData is declared in FIM band headers; FIM values are always finite
	fimNoData = -9999
)

// IsPNG checks the PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// ReadPNGMask decodes a visibility mask from a PNG. Fully transparent
// pixels are no-data, any non-black pixel is visible.
func ReadPNGMask(r io.Reader) (*VisibilityRaster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading PNG mask: %w", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding PNG mask: %w", err)
	}
	if err := checkRasterSize(float64(cfg.Width), float64(cfg.Height)); err != nil {
		return nil, err
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding PNG mask: %w", err)
	}

	b := img.Bounds()
	v := NewVisibilityRaster(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := (y-b.Min.Y)*v.Width + (x - b.Min.X)
			switch {
			case c.A == 0:
				v.Values[i] = float32(math.NaN())
			case c.R > 0 || c.G > 0 || c.B > 0:
				v.Values[i] = 1
			}
		}
	}
	return v, nil
}

// EncodePNGMask writes a visibility raster as a greyscale PNG with alpha:
// visible = white, hidden = black, no-data = transparent.
func EncodePNGMask(w io.Writer, v *VisibilityRaster) error {
	img := image.NewNRGBA(image.Rect(0, 0, v.Width, v.Height))
	for row := 0; row < v.Height; row++ {
		for col := 0; col < v.Width; col++ {
			val := v.At(col, row)
			switch {
			case math.IsNaN(float64(val)):
				img.SetNRGBA(col, row, color.NRGBA{})
			case val > 0:
				img.SetNRGBA(col, row, color.NRGBA{255, 255, 255, 255})
			default:
				img.SetNRGBA(col, row, color.NRGBA{0, 0, 0, 255})
			}
		}
	}
	return png.Encode(w, img)
}

// DecodeVisibility decodes a raster payload, PNG or ESRI ASCII grid.
// PNG carries no georeferencing, so its grid uses fallback.
func DecodeVisibility(data []byte, fallback *AffineMatrix) (*VisibilityRaster, Grid, error) {
	if IsPNG(data) {
		if fallback == nil {
			return nil, Grid{}, fmt.Errorf("PNG mask has no georeferencing and grid.geoTransform is not configured")
		}
		v, err := ReadPNGMask(bytes.NewReader(data))
		if err != nil {
			return nil, Grid{}, err
		}
		return v, Grid{Width: v.Width, Height: v.Height, Transform: *fallback}, nil
	}

	ag, err := ReadASCIIGrid(bytes.NewReader(data))
	if err != nil {
		return nil, Grid{}, fmt.Errorf("decoding ASCII grid: %w", err)
	}
	return ag.Visibility(), ag.Grid, nil
}

// LoadVisibilityRaster reads one raster file (.asc or .png)
func LoadVisibilityRaster(path string, fallback *AffineMatrix) (*VisibilityRaster, Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Grid{}, fmt.Errorf("reading visibility raster: %w", err)
	}
	v, g, err := DecodeVisibility(data, fallback)
	if err != nil {
		return nil, Grid{}, fmt.Errorf("%s: %w", path, err)
	}
	return v, g, nil
}

// VisibilityPath returns the raster path for landmark i
func VisibilityPath(dir, pattern string, i int) string {
	if pattern == "" {
		pattern = DefaultVisibilityPattern
	}
	return filepath.Join(dir, fmt.Sprintf(pattern, i))
}

// LoadVisibilityRasters loads n rasters named by pattern. The grid is
// taken from the first raster; every other raster must have the same
// shape.
func LoadVisibilityRasters(dir, pattern string, n int, fallback *AffineMatrix) ([]*VisibilityRaster, Grid, error) {
	rasters := make([]*VisibilityRaster, 0, n)
	var grid Grid
	for i := 0; i < n; i++ {
		path := VisibilityPath(dir, pattern, i)
		v, g, err := LoadVisibilityRaster(path, fallback)
		if err != nil {
			return nil, Grid{}, err
		}
		if i == 0 {
			grid = g
		} else if err := checkSameGrid(grid, g, path); err != nil {
			return nil, Grid{}, err
		}
		rasters = append(rasters, v)
	}
	return rasters, grid, nil
}

// checkSameGrid enforces identical shape and warns on differing georeferencing
func checkSameGrid(want, got Grid, source string) error {
	if !want.SameShape(got) {
		return fmt.Errorf("%w: %s is %dx%d, first raster is %dx%d",
			ErrShapeMismatch, source, got.Width, got.Height, want.Width, want.Height)
	}
	if want.Transform != got.Transform {
		log.Printf("Warning: %s georeferencing differs from the first raster; using the first", source)
	}
	return nil
}

// FIMBandPath returns the output path of one FIM band for landmark i
func FIMBandPath(dir string, i int, band string) string {
	return filepath.Join(dir, fmt.Sprintf("FIM_%d_%s.asc", i, strings.ToLower(band)))
}

// SaveFIMFields writes each field as three ASCII grids (xx, xy, yy)
func SaveFIMFields(dir string, grid Grid, fields []*FIMField) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating FIM directory: %w", err)
	}
	names := [3]string{"xx", "xy", "yy"}
	for i, f := range fields {
		for b, band := range f.Bands() {
			if err := SaveASCIIGrid(FIMBandPath(dir, i, names[b]), grid, band, fimNoData); err != nil {
				return err
			}
		}
	}
	return nil
}
