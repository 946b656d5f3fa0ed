package quality

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultEpsilon is the range² regularizer added before dividing by the
// squared landmark distance. It is in squared map units (m² for metric
// grids) and only matters within a few cells of the landmark.
const DefaultEpsilon = 0.01

var (
	// ErrCountMismatch is returned when landmark and raster counts differ
	ErrCountMismatch = errors.New("landmark count does not match visibility raster count")
	// ErrShapeMismatch is returned when rasters or fields disagree on grid shape
	ErrShapeMismatch = errors.New("grid shape mismatch")
)

// BuildOption configures BuildFIMFields
type BuildOption func(*buildConfig)

type buildConfig struct {
	epsilon float64
	workers int
}

// WithEpsilon overrides the range² regularizer
func WithEpsilon(eps float64) BuildOption {
	return func(c *buildConfig) {
		c.epsilon = eps
	}
}

// WithBuildWorkers limits how many landmarks are processed concurrently
func WithBuildWorkers(n int) BuildOption {
	return func(c *buildConfig) {
		c.workers = n
	}
}

// BuildFIMFields computes one bearing Fisher information field per landmark.
//
// sx and sy are the ground sampling distances along columns and rows.
// pixels[i] is landmark i's cell and visibility[i] its visibility raster;
// output i corresponds to input i. Fields are not divided by the bearing
// noise variance; AggregateQuality does that.
//
// All inputs are validated before any work starts. Landmarks are
// independent and are processed concurrently.
func BuildFIMFields(sx, sy float64, pixels []PixelPos, visibility []*VisibilityRaster, opts ...BuildOption) ([]*FIMField, error) {
	cfg := buildConfig{epsilon: DefaultEpsilon}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !(sx > 0) || !(sy > 0) || math.IsInf(sx, 0) || math.IsInf(sy, 0) {
		return nil, fmt.Errorf("sampling distances must be positive and finite, got sx=%v sy=%v", sx, sy)
	}
	if !(cfg.epsilon > 0) {
		return nil, fmt.Errorf("epsilon must be positive, got %v", cfg.epsilon)
	}
	if len(pixels) != len(visibility) {
		return nil, fmt.Errorf("%w: %d landmarks, %d rasters", ErrCountMismatch, len(pixels), len(visibility))
	}
	if len(visibility) == 0 {
		return []*FIMField{}, nil
	}

	var width, height int
	for i, v := range visibility {
		if v == nil {
			return nil, fmt.Errorf("visibility raster %d is nil", i)
		}
		if i == 0 {
			width, height = v.Width, v.Height
		}
		if v.Width != width || v.Height != height || len(v.Values) != width*height {
			return nil, fmt.Errorf("%w: raster %d is %dx%d (%d values), want %dx%d",
				ErrShapeMismatch, i, v.Width, v.Height, len(v.Values), width, height)
		}
	}

	workers := cfg.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	fields := make([]*FIMField, len(visibility))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range visibility {
		g.Go(func() error {
			fields[i] = landmarkFIM(sx, sy, cfg.epsilon, pixels[i], visibility[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fields, nil
}

// landmarkFIM fills the information field for a single landmark.
// Cells whose visibility is zero or no-data stay exactly zero.
func landmarkFIM(sx, sy, eps float64, lm PixelPos, vis *VisibilityRaster) *FIMField {
	field := NewFIMField(vis.Width, vis.Height)
	if allNoData(vis) {
		return field
	}

	// Column offsets are shared by every row
	dxs := make([]float64, vis.Width)
	for c := range dxs {
		dxs[c] = float64(c-lm.Col) * sx
	}

	for r := 0; r < vis.Height; r++ {
		dy := float64(r-lm.Row) * sy
		dy2 := dy * dy
		base := r * vis.Width
		for c, dx := range dxs {
			w := float64(vis.Values[base+c])
			if w == 0 || math.IsNaN(w) {
				continue
			}

			r2 := dx*dx + dy2 + eps
			rng := math.Sqrt(r2)
			cosb := dx / rng
			sinb := dy / rng

			i := base + c
			field.XX[i] = w * sinb * sinb / r2
			field.XY[i] = -w * sinb * cosb / r2
			field.YY[i] = w * cosb * cosb / r2
		}
	}

	return field
}

// allNoData reports whether every cell of the raster is no-data
func allNoData(vis *VisibilityRaster) bool {
	for _, v := range vis.Values {
		if !math.IsNaN(float64(v)) {
			return false
		}
	}
	return true
}
