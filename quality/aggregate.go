package quality

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultNoData marks cells without a valid quality value
	DefaultNoData = 1_000_000

	// DefaultDeterminantFloor is the smallest information determinant used
	// when inverting. Singular cells (one landmark, collinear bearings)
	// are clamped to it and come out large but finite.
	DefaultDeterminantFloor = 1e-9
)

var (
	// ErrNoFields is returned when aggregation is asked to combine nothing
	ErrNoFields = errors.New("no FIM fields to aggregate")
	// ErrUnknownMetric is returned for a metric outside MetricGDOP/MetricWorstCase
	ErrUnknownMetric = errors.New("unknown quality metric")
)

// AggregateOption configures AggregateQuality
type AggregateOption func(*aggregateConfig)

type aggregateConfig struct {
	noData   float64
	detFloor float64
	workers  int
}

// WithNoData overrides the no-data sentinel
func WithNoData(v float64) AggregateOption {
	return func(c *aggregateConfig) {
		c.noData = v
	}
}

// WithDeterminantFloor overrides the determinant clamp
func WithDeterminantFloor(v float64) AggregateOption {
	return func(c *aggregateConfig) {
		c.detFloor = v
	}
}

// WithAggregateWorkers limits how many row bands are processed concurrently
func WithAggregateWorkers(n int) AggregateOption {
	return func(c *aggregateConfig) {
		c.workers = n
	}
}

// CombineFields returns the entrywise sum of the fields, divided by
// pointingNoise². The result is the Fisher information per cell under the
// per-bearing noise model.
func CombineFields(fields []*FIMField, pointingNoise float64) (*FIMField, error) {
	width, height, err := checkFields(fields)
	if err != nil {
		return nil, err
	}
	combined := sumFields(fields, width, height)
	variance := pointingNoise * pointingNoise
	for i := range combined.XX {
		combined.XX[i] /= variance
		combined.XY[i] /= variance
		combined.YY[i] /= variance
	}
	return combined, nil
}

// AggregateQuality combines per-landmark FIM fields into a quality raster.
//
// pointingNoise is the bearing standard deviation (radians). Cells that no
// landmark observed, and cells whose quality is not finite, get the
// no-data sentinel. Degenerate information (det below the floor) is
// clamped rather than reported.
func AggregateQuality(fields []*FIMField, pointingNoise float64, metric Metric, opts ...AggregateOption) (*QualityField, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(metric))
	}
	combined, err := CombineFields(fields, pointingNoise)
	if err != nil {
		return nil, err
	}
	return QualityFromInformation(combined, metric, opts...)
}

// QualityFromInformation computes the quality raster from a combined,
// noise-normalized field as returned by CombineFields. Cells with zero
// information, and cells whose quality is not finite, get the no-data
// sentinel.
func QualityFromInformation(combined *FIMField, metric Metric, opts ...AggregateOption) (*QualityField, error) {
	cfg := aggregateConfig{
		noData:   DefaultNoData,
		detFloor: DefaultDeterminantFloor,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(metric))
	}
	width, height, err := checkFields([]*FIMField{combined})
	if err != nil {
		return nil, err
	}

	workers := cfg.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := &QualityField{
		Width:  width,
		Height: height,
		Values: make([]float64, width*height),
		NoData: cfg.noData,
		Metric: metric,
	}

	// Row bands; each band owns a disjoint slice of the output
	bandRows := (height + workers - 1) / workers
	if bandRows < 1 {
		bandRows = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < height; start += bandRows {
		end := min(start+bandRows, height)
		g.Go(func() error {
			for i := start * width; i < end*width; i++ {
				xx, xy, yy := combined.XX[i], combined.XY[i], combined.YY[i]
				if xx == 0 && xy == 0 && yy == 0 {
					out.Values[i] = cfg.noData
					continue
				}
				q := CellQuality(xx, xy, yy, metric, cfg.detFloor)
				if math.IsNaN(q) || math.IsInf(q, 0) {
					q = cfg.noData
				}
				out.Values[i] = q
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// CellQuality derives the quality metric from one cell's normalized
// information matrix [[xx, xy], [xy, yy]]. The determinant is clamped to
// detFloor before the closed-form inverse. The result may be NaN or Inf for
// pathological input; callers map that to no-data.
func CellQuality(xx, xy, yy float64, metric Metric, detFloor float64) float64 {
	cov := invertInformation(xx, xy, yy, detFloor)
	trace := cov.XX + cov.YY

	if metric == MetricGDOP {
		return math.Sqrt(trace)
	}

	// Largest eigenvalue of the symmetric 2x2 covariance proxy. The
	// discriminant is (Cxx-Cyy)² + 4Cxy² ≥ 0 in exact arithmetic; rounding
	// (isotropic cells) can push it just below zero.
	disc := trace*trace - 4*cov.Det
	if disc < 0 {
		disc = 0
	}
	return math.Sqrt((trace + math.Sqrt(disc)) / 2)
}

// covariance is the inverse of a 2x2 information matrix. Det is 1/det(I)
// using the clamped information determinant.
type covariance struct {
	XX, XY, YY float64
	Det        float64
}

func invertInformation(xx, xy, yy, detFloor float64) covariance {
	det := xx*yy - xy*xy
	if det < detFloor {
		det = detFloor
	}
	return covariance{
		XX:  yy / det,
		XY:  -xy / det,
		YY:  xx / det,
		Det: 1 / det,
	}
}

// checkFields validates a non-empty, same-shape list of fields
func checkFields(fields []*FIMField) (width, height int, err error) {
	if len(fields) == 0 {
		return 0, 0, ErrNoFields
	}
	for i, f := range fields {
		if f == nil {
			return 0, 0, fmt.Errorf("FIM field %d is nil", i)
		}
		n := f.Width * f.Height
		if i == 0 {
			width, height = f.Width, f.Height
		}
		if f.Width != width || f.Height != height || len(f.XX) != n || len(f.XY) != n || len(f.YY) != n {
			return 0, 0, fmt.Errorf("%w: field %d is %dx%d, want %dx%d", ErrShapeMismatch, i, f.Width, f.Height, width, height)
		}
	}
	return width, height, nil
}

// sumFields adds fields entrywise without normalization
func sumFields(fields []*FIMField, width, height int) *FIMField {
	sum := NewFIMField(width, height)
	for _, f := range fields {
		for i := range sum.XX {
			sum.XX[i] += f.XX[i]
			sum.XY[i] += f.XY[i]
			sum.YY[i] += f.YY[i]
		}
	}
	return sum
}
