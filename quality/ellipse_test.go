package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleCellField(xx, xy, yy float64) *FIMField {
	f := NewFIMField(1, 1)
	f.XX[0], f.XY[0], f.YY[0] = xx, xy, yy
	return f
}

func TestCovarianceAt_AxisAligned(t *testing.T) {
	cc, err := CovarianceAt(singleCellField(4, 0, 1), 0, 0, DefaultDeterminantFloor)
	require.NoError(t, err)

	assert.True(t, cc.Observed)
	assert.InDelta(t, 0.25, cc.Covariance[0], 1e-12)
	assert.InDelta(t, 0, cc.Covariance[1], 1e-12)
	assert.InDelta(t, 1, cc.Covariance[2], 1e-12)

	// Weak information along y: the ellipse is long in y
	assert.InDelta(t, 1, cc.SemiMajor, 1e-12)
	assert.InDelta(t, 0.5, cc.SemiMinor, 1e-12)
	assert.InDelta(t, 90, cc.Orientation, 1e-9)
	assert.InDelta(t, math.Sqrt(1.25), cc.GDOP, 1e-12)
	assert.InDelta(t, 1, cc.WorstCase, 1e-12)
}

func TestCovarianceAt_Rotated(t *testing.T) {
	theta := 30 * math.Pi / 180
	c, s := math.Cos(theta), math.Sin(theta)
	// Strong information along theta, weak across it
	xx := 4*c*c + s*s
	xy := 3 * c * s
	yy := 4*s*s + c*c

	cc, err := CovarianceAt(singleCellField(xx, xy, yy), 0, 0, DefaultDeterminantFloor)
	require.NoError(t, err)

	assert.InDelta(t, 1, cc.SemiMajor, 1e-9)
	assert.InDelta(t, 0.5, cc.SemiMinor, 1e-9)
	assert.InDelta(t, 120, cc.Orientation, 1e-6)
	assert.InDelta(t, cc.WorstCase, cc.SemiMajor, 1e-9)
	assert.InDelta(t, cc.GDOP, math.Hypot(cc.SemiMajor, cc.SemiMinor), 1e-9)
}

func TestCovarianceAt_Unobserved(t *testing.T) {
	cc, err := CovarianceAt(NewFIMField(2, 2), 1, 1, DefaultDeterminantFloor)
	require.NoError(t, err)

	assert.False(t, cc.Observed)
	assert.Equal(t, 1, cc.Col)
	assert.Equal(t, 1, cc.Row)
	assert.Zero(t, cc.SemiMajor)
	assert.Zero(t, cc.GDOP)
}

func TestCovarianceAt_OutOfRange(t *testing.T) {
	f := NewFIMField(2, 3)
	for _, p := range []PixelPos{{-1, 0}, {0, -1}, {2, 0}, {0, 3}} {
		_, err := CovarianceAt(f, p.Col, p.Row, DefaultDeterminantFloor)
		assert.Error(t, err, "cell %v", p)
	}
}

func TestCovarianceAt_SingularIsClamped(t *testing.T) {
	// One bearing: rank-one information
	cc, err := CovarianceAt(singleCellField(0, 0, 1), 0, 0, DefaultDeterminantFloor)
	require.NoError(t, err)

	assert.True(t, cc.Observed)
	assert.False(t, math.IsInf(cc.SemiMajor, 0) || math.IsNaN(cc.SemiMajor))
	assert.InEpsilon(t, math.Sqrt(1/DefaultDeterminantFloor), cc.SemiMajor, 1e-9)
}
