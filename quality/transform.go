package quality

import (
	"fmt"
	"math"
)

// TransformPoint applies an affine transform to a point
// x' = a*x + b*y + tx
// y' = c*x + d*y + ty
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// Determinant returns the determinant of the linear part of m
func (m AffineMatrix) Determinant() float64 {
	return m.A*m.D - m.B*m.C
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.Determinant()
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Scale creates a scaling transform
func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, B: 0, Tx: 0, C: 0, D: sy, Ty: 0}
}

// FromGDAL builds a pixel-to-world transform from a GDAL geotransform
// (x0, pixel width, row rotation, y0, column rotation, pixel height).
// Pixel (0, 0) maps to the top-left corner of the top-left cell.
func FromGDAL(gt []float64) (AffineMatrix, error) {
	if len(gt) != 6 {
		return AffineMatrix{}, fmt.Errorf("geotransform needs 6 coefficients, got %d", len(gt))
	}
	m := AffineMatrix{A: gt[1], B: gt[2], Tx: gt[0], C: gt[4], D: gt[5], Ty: gt[3]}
	if math.Abs(m.Determinant()) < 1e-10 {
		return AffineMatrix{}, fmt.Errorf("geotransform %v is singular", gt)
	}
	return m, nil
}

// ToGDAL returns m in GDAL geotransform coefficient order
func ToGDAL(m AffineMatrix) [6]float64 {
	return [6]float64{m.Tx, m.A, m.B, m.Ty, m.C, m.D}
}

// PixelSize returns the ground sampling distances (map units per cell)
// along columns and rows. Both are positive for any non-degenerate transform.
func PixelSize(m AffineMatrix) (sx, sy float64) {
	return math.Hypot(m.A, m.C), math.Hypot(m.B, m.D)
}

// PixelSize returns the grid's ground sampling distances
func (g Grid) PixelSize() (sx, sy float64) {
	return PixelSize(g.Transform)
}

// CellToWorld maps a (possibly fractional) pixel coordinate to world space
func (g Grid) CellToWorld(col, row float64) Point {
	return TransformPoint(Point{X: col, Y: row}, g.Transform)
}

// CellCenter returns the world position of the center of cell (col, row)
func (g Grid) CellCenter(col, row int) Point {
	center := MultiplyMatrices(g.Transform, Translation(0.5, 0.5))
	return TransformPoint(Point{X: float64(col), Y: float64(row)}, center)
}

// WorldToCell maps a world coordinate to a fractional pixel coordinate
func (g Grid) WorldToCell(p Point) Point {
	return TransformPoint(p, InvertMatrix(g.Transform))
}

// WorldToPixel maps a world coordinate to the nearest integer pixel
// (halves round up)
func (g Grid) WorldToPixel(p Point) PixelPos {
	c := g.WorldToCell(p)
	return PixelPos{
		Col: int(math.Floor(c.X + 0.5)),
		Row: int(math.Floor(c.Y + 0.5)),
	}
}

// Contains reports whether the pixel lies inside the grid
func (g Grid) Contains(p PixelPos) bool {
	return p.Col >= 0 && p.Col < g.Width && p.Row >= 0 && p.Row < g.Height
}

// SameShape reports whether both grids have identical dimensions
func (g Grid) SameShape(other Grid) bool {
	return g.Width == other.Width && g.Height == other.Height
}
