package quality

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// Result is one completed analysis run
type Result struct {
	ID             string        `json:"id"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished"`
	Metric         Metric        `json:"metric"`
	PointingNoise  float64       `json:"pointingNoise"` // radians
	DetFloor       float64       `json:"determinantFloor"`
	Grid           Grid          `json:"grid"`
	Landmarks      []Landmark    `json:"landmarks"`
	Pixels         []PixelPos    `json:"pixels"`
	Outside        []int         `json:"outside,omitempty"` // landmark indices outside the grid
	VisibleCells   []int         `json:"visibleCells"`
	LandmarkExtent orb.Bound     `json:"landmarkExtent"`
	Summary        Summary       `json:"summary"`
	FIMs           []*FIMField   `json:"-"`
	Combined       *FIMField     `json:"-"`
	Quality        *QualityField `json:"-"`
}

// Duration returns how long the run took
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// ProgressFunc reports how many of total landmark rasters are ready.
// Calls are serialized.
type ProgressFunc func(done, total int)

// AnalyzeOptions adjusts a single run without touching the configuration
type AnalyzeOptions struct {
	Metric           *Metric // overrides analysis.metric
	PointingAccuracy float64 // milliradians; 0 keeps analysis.pointingAccuracy
	Progress         ProgressFunc
	FetchOptions     []FetchOption // passed to RequestViewshed
}

// Analyze runs the full pipeline: landmarks, visibility rasters, FIM
// fields, aggregation and summary
func Analyze(ctx context.Context, cfg *Config, opts AnalyzeOptions) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("analyze: config is nil")
	}
	started := time.Now()

	metric := cfg.Analysis.Metric
	if opts.Metric != nil {
		metric = *opts.Metric
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("analyze: %w: %d", ErrUnknownMetric, int(metric))
	}
	accuracy := cfg.Analysis.PointingAccuracy
	if opts.PointingAccuracy != 0 {
		accuracy = opts.PointingAccuracy
	}
	if !(accuracy > 0) {
		return nil, fmt.Errorf("analyze: pointing accuracy must be positive, got %v", accuracy)
	}
	noise := accuracy * 1e-3

	landmarks, err := LoadLandmarks(cfg.Landmarks.File)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	log.Printf("Loaded %d landmarks from %s", len(landmarks), cfg.Landmarks.File)

	fallback, err := cfg.Grid.Transform()
	if err != nil {
		return nil, fmt.Errorf("analyze: grid.geoTransform: %w", err)
	}

	rasters, grid, err := acquireRasters(ctx, cfg, landmarks, fallback, opts)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	pixels, outside := PixelPositions(grid, landmarks)
	for _, i := range outside {
		log.Printf("Warning: landmark %s at (%.2f, %.2f) lies outside the %dx%d grid (cell %d,%d)",
			landmarks[i].ID, landmarks[i].World.X, landmarks[i].World.Y,
			grid.Width, grid.Height, pixels[i].Col, pixels[i].Row)
	}

	extent, gb := LandmarkBound(landmarks), grid.Bound()
	if !ExtentCovers(gb, extent) {
		log.Printf("Warning: landmark extent [%.2f, %.2f]-[%.2f, %.2f] is not covered by the grid extent [%.2f, %.2f]-[%.2f, %.2f]",
			extent.Min.X(), extent.Min.Y(), extent.Max.X(), extent.Max.Y(),
			gb.Min.X(), gb.Min.Y(), gb.Max.X(), gb.Max.Y())
	}

	sx, sy := grid.PixelSize()
	fields, err := BuildFIMFields(sx, sy, pixels, rasters,
		WithEpsilon(cfg.Analysis.Epsilon),
		WithBuildWorkers(cfg.Analysis.Workers))
	if err != nil {
		return nil, fmt.Errorf("analyze: building FIM fields: %w", err)
	}

	combined, err := CombineFields(fields, noise)
	if err != nil {
		return nil, fmt.Errorf("analyze: combining fields: %w", err)
	}

	q, err := QualityFromInformation(combined, metric,
		WithNoData(cfg.Analysis.NoData),
		WithDeterminantFloor(cfg.Analysis.DeterminantFloor),
		WithAggregateWorkers(cfg.Analysis.Workers))
	if err != nil {
		return nil, fmt.Errorf("analyze: aggregating quality: %w", err)
	}

	r := &Result{
		ID:             uuid.NewString(),
		Started:        started,
		Metric:         metric,
		PointingNoise:  noise,
		DetFloor:       cfg.Analysis.DeterminantFloor,
		Grid:           grid,
		Landmarks:      landmarks,
		Pixels:         pixels,
		Outside:        outside,
		VisibleCells:   VisibleCellCounts(rasters),
		LandmarkExtent: extent,
		Summary:        Summarize(q),
		FIMs:           fields,
		Combined:       combined,
		Quality:        q,
	}
	r.Finished = time.Now()

	log.Printf("Analysis %s: %dx%d grid, %d landmarks, %s median %.4g, coverage %.1f%% (%v)",
		r.ID, grid.Width, grid.Height, len(landmarks), metric.Label(),
		r.Summary.Median, r.Summary.Coverage*100, r.Duration().Round(time.Millisecond))
	return r, nil
}

// acquireRasters fetches rasters from the viewshed service when one is
// configured, otherwise loads them from visibility.dir
func acquireRasters(ctx context.Context, cfg *Config, landmarks []Landmark, fallback *AffineMatrix, opts AnalyzeOptions) ([]*VisibilityRaster, Grid, error) {
	if cfg.Visibility.Service == nil {
		rasters, grid, err := LoadVisibilityRasters(cfg.Visibility.Dir, cfg.Visibility.Pattern, len(landmarks), fallback)
		if err != nil {
			return nil, Grid{}, err
		}
		if opts.Progress != nil {
			opts.Progress(len(rasters), len(landmarks))
		}
		return rasters, grid, nil
	}
	return fetchRasters(ctx, cfg.Visibility.Service, landmarks, fallback, cfg.Analysis.Workers, opts)
}

// fetchRasters requests one viewshed per landmark, a few at a time
func fetchRasters(ctx context.Context, svc *ViewshedServiceConfig, landmarks []Landmark, fallback *AffineMatrix, workers int, opts AnalyzeOptions) ([]*VisibilityRaster, Grid, error) {
	if workers <= 0 {
		workers = min(runtime.GOMAXPROCS(0), 4)
	}
	fetchOpts := []FetchOption{WithFallbackTransform(fallback)}
	if svc.Timeout > 0 {
		fetchOpts = append(fetchOpts, WithTimeout(svc.Timeout))
	}
	fetchOpts = append(fetchOpts, opts.FetchOptions...)

	rasters := make([]*VisibilityRaster, len(landmarks))
	grids := make([]Grid, len(landmarks))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, lm := range landmarks {
		g.Go(func() error {
			req := ViewshedRequest{
				X:              lm.World.X,
				Y:              lm.World.Y,
				ObserverHeight: svc.ObserverHeight,
				TargetHeight:   svc.TargetHeight,
				Radius:         svc.Radius,
			}
			v, grid, err := RequestViewshed(gctx, svc.URL, req, fetchOpts...)
			if err != nil {
				return fmt.Errorf("landmark %s: %w", lm.ID, err)
			}
			rasters[i], grids[i] = v, grid

			if opts.Progress != nil {
				mu.Lock()
				done++
				opts.Progress(done, len(landmarks))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Grid{}, err
	}

	if len(landmarks) == 0 {
		return rasters, Grid{}, nil
	}
	for i := 1; i < len(grids); i++ {
		if err := checkSameGrid(grids[0], grids[i], fmt.Sprintf("viewshed for landmark %s", landmarks[i].ID)); err != nil {
			return nil, Grid{}, err
		}
	}
	return rasters, grids[0], nil
}

// CellAt inspects the covariance proxy of one cell of the run
func (r *Result) CellAt(col, row int) (*CellCovariance, error) {
	cell, err := CovarianceAt(r.Combined, col, row, r.DetFloor)
	if err != nil {
		return nil, err
	}
	center := r.Grid.CellCenter(col, row)
	cell.World = &center
	return cell, nil
}

// WriteOutputs writes every output named in out. Empty names are skipped.
func WriteOutputs(r *Result, out OutputConfig) error {
	if out.Quality != "" {
		if err := ensureDir(out.Quality); err != nil {
			return err
		}
		if err := SaveASCIIGrid(out.Quality, r.Grid, r.Quality.Values, r.Quality.NoData); err != nil {
			return fmt.Errorf("writing quality raster: %w", err)
		}
		log.Printf("Wrote %s raster to %s", r.Metric.Label(), out.Quality)
	}

	if out.FIMDir != "" {
		if err := SaveFIMFields(out.FIMDir, r.Grid, r.FIMs); err != nil {
			return fmt.Errorf("writing FIM fields: %w", err)
		}
		log.Printf("Wrote %d FIM fields to %s", len(r.FIMs), out.FIMDir)
	}

	if out.PNG != "" {
		if err := ensureDir(out.PNG); err != nil {
			return err
		}
		renderer := NewHeatmapRenderer(r.Quality, r.Pixels, r.Landmarks)
		if err := renderer.SavePNG(out.PNG); err != nil {
			return fmt.Errorf("writing heatmap: %w", err)
		}
		log.Printf("Wrote heatmap to %s", out.PNG)
	}

	if out.SVG != "" {
		if err := ensureDir(out.SVG); err != nil {
			return err
		}
		f, err := os.Create(out.SVG)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out.SVG, err)
		}
		renderer := NewVectorRenderer(r.Quality, r.Grid, r.Landmarks)
		if err := renderer.RenderToSVG(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing SVG: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", out.SVG, err)
		}
		log.Printf("Wrote vector map to %s", out.SVG)
	}

	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return nil
}
