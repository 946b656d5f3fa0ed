package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CellCovariance is the covariance proxy at one cell together with its
// 1-sigma error ellipse. Axes are in map units; Orientation is the angle
// of the semi-major axis from the +col axis, in degrees within [0, 180).
type CellCovariance struct {
	Col         int        `json:"col"`
	Row         int        `json:"row"`
	World       *Point     `json:"world,omitempty"` // cell center, when the grid is known
	Observed    bool       `json:"observed"`
	Information [3]float64 `json:"information"` // xx, xy, yy
	Covariance  [3]float64 `json:"covariance"`  // xx, xy, yy
	SemiMajor   float64    `json:"semiMajor"`
	SemiMinor   float64    `json:"semiMinor"`
	Orientation float64    `json:"orientation"`
	GDOP        float64    `json:"gdop"`
	WorstCase   float64    `json:"worstCase"`
}

// CovarianceAt inverts the combined (noise-normalized) information at
// (col, row) and decomposes it. Unobserved cells return Observed=false and
// zero axes.
func CovarianceAt(combined *FIMField, col, row int, detFloor float64) (*CellCovariance, error) {
	if col < 0 || col >= combined.Width || row < 0 || row >= combined.Height {
		return nil, fmt.Errorf("cell (%d, %d) outside %dx%d grid", col, row, combined.Width, combined.Height)
	}

	xx, xy, yy := combined.At(col, row)
	cc := &CellCovariance{
		Col:         col,
		Row:         row,
		Information: [3]float64{xx, xy, yy},
	}
	if xx == 0 && xy == 0 && yy == 0 {
		return cc, nil
	}
	cc.Observed = true

	cov := invertInformation(xx, xy, yy, detFloor)
	cc.Covariance = [3]float64{cov.XX, cov.XY, cov.YY}
	cc.GDOP = CellQuality(xx, xy, yy, MetricGDOP, detFloor)
	cc.WorstCase = CellQuality(xx, xy, yy, MetricWorstCase, detFloor)

	sym := mat.NewSymDense(2, []float64{
		cov.XX, cov.XY,
		cov.XY, cov.YY,
	})
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("eigen decomposition failed at cell (%d, %d)", col, row)
	}

	// Eigenvalues are ascending
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	cc.SemiMinor = math.Sqrt(math.Max(values[0], 0))
	cc.SemiMajor = math.Sqrt(math.Max(values[1], 0))

	angle := math.Atan2(vectors.At(1, 1), vectors.At(0, 1)) * 180 / math.Pi
	angle = math.Mod(angle, 180)
	if angle < 0 {
		angle += 180
	}
	cc.Orientation = angle

	return cc, nil
}
