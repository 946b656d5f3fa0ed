package quality

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the distribution of valid quality values
type Summary struct {
	Metric      string  `json:"metric"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	ValidCells  int     `json:"validCells"`
	NoDataCells int     `json:"noDataCells"`
	Coverage    float64 `json:"coverage"` // fraction of cells with a valid value
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	P90         float64 `json:"p90"`
}

// ValidValues returns the non-sentinel values of the field, sorted ascending
func ValidValues(q *QualityField) []float64 {
	values := make([]float64, 0, len(q.Values))
	for _, v := range q.Values {
		if v == q.NoData || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}
	sort.Float64s(values)
	return values
}

// Summarize computes coverage and distribution statistics over valid cells.
// Statistics are zero when no cell is valid.
func Summarize(q *QualityField) Summary {
	s := Summary{
		Metric: q.Metric.String(),
		Width:  q.Width,
		Height: q.Height,
	}

	values := ValidValues(q)
	s.ValidCells = len(values)
	s.NoDataCells = len(q.Values) - len(values)
	if len(q.Values) > 0 {
		s.Coverage = float64(s.ValidCells) / float64(len(q.Values))
	}
	if len(values) == 0 {
		return s
	}

	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	s.Mean = stat.Mean(values, nil)
	s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, values, nil)
	return s
}

// VisibleCellCounts returns, per raster, how many cells see the landmark
func VisibleCellCounts(rasters []*VisibilityRaster) []int {
	counts := make([]int, len(rasters))
	for i, r := range rasters {
		for _, v := range r.Values {
			if v > 0 {
				counts[i]++
			}
		}
	}
	return counts
}
