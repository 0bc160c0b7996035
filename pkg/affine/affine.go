// Package affine implements 4×4 homogeneous coordinate transforms.
//
// Every matrix in volreg maps points from a source space to a destination
// space. Composition reads right to left: in Compose(a, b, c) the point is
// transformed by c first and by a last, exactly as in a·b·c. Keeping the
// algebra behind named operations keeps that order visible at call sites.
package affine

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"volreg/internal/errdefs"
)

// Affine is a 4×4 homogeneous matrix stored row-major. The zero value is
// not a valid transform; use Identity.
type Affine struct {
	m [4][4]float64
}

// Identity returns the identity transform.
func Identity() Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		a.m[i][i] = 1
	}
	return a
}

// FromArray wraps a row-major 4×4 array.
func FromArray(m [4][4]float64) Affine {
	return Affine{m: m}
}

// FromRows builds a transform from a 3×4 or 4×4 row slice. A 3×4 matrix
// gets the homogeneous row (0, 0, 0, 1) appended; a 4×4 matrix must
// already carry it.
func FromRows(rows [][]float64) (Affine, error) {
	if len(rows) != 3 && len(rows) != 4 {
		return Affine{}, fmt.Errorf("matrix has %d rows, want 3 or 4: %w", len(rows), errdefs.ErrGeometry)
	}
	a := Identity()
	for i, row := range rows {
		if len(row) != 4 {
			return Affine{}, fmt.Errorf("row %d has %d columns, want 4: %w", i, len(row), errdefs.ErrGeometry)
		}
		copy(a.m[i][:], row)
	}
	if !a.IsAffine(1e-6) {
		return Affine{}, fmt.Errorf("bottom row %v is not (0, 0, 0, 1): %w", a.m[3], errdefs.ErrGeometry)
	}
	return a, nil
}

// FromRows2D embeds a 2-D transform, given as 2×3 or 3×3 rows, into 3-D.
// The third index axis is left untouched.
func FromRows2D(rows [][]float64) (Affine, error) {
	if len(rows) != 2 && len(rows) != 3 {
		return Affine{}, fmt.Errorf("2-D matrix has %d rows, want 2 or 3: %w", len(rows), errdefs.ErrGeometry)
	}
	for i, row := range rows {
		if len(row) != 3 {
			return Affine{}, fmt.Errorf("2-D row %d has %d columns, want 3: %w", i, len(row), errdefs.ErrGeometry)
		}
	}
	if len(rows) == 3 {
		r := rows[2]
		if math.Abs(r[0]) > 1e-6 || math.Abs(r[1]) > 1e-6 || math.Abs(r[2]-1) > 1e-6 {
			return Affine{}, fmt.Errorf("2-D bottom row %v is not (0, 0, 1): %w", r, errdefs.ErrGeometry)
		}
	}
	a := Identity()
	for i := 0; i < 2; i++ {
		a.m[i][0] = rows[i][0]
		a.m[i][1] = rows[i][1]
		a.m[i][3] = rows[i][2]
	}
	return a, nil
}

// Translation returns the transform adding t to every point.
func Translation(t r3.Vector) Affine {
	a := Identity()
	a.m[0][3] = t.X
	a.m[1][3] = t.Y
	a.m[2][3] = t.Z
	return a
}

// Scale returns the diagonal transform scaling each axis by s. The
// homogeneous coordinate is not scaled.
func Scale(s r3.Vector) Affine {
	a := Identity()
	a.m[0][0] = s.X
	a.m[1][1] = s.Y
	a.m[2][2] = s.Z
	return a
}

// Compose returns the product ts[0]·ts[1]·…·ts[n-1]. The last operand is
// applied to a point first. Compose() is the identity.
func Compose(ts ...Affine) Affine {
	out := Identity()
	for _, t := range ts {
		out = out.Mul(t)
	}
	return out
}

// Mul returns a·b, the transform applying b first and then a.
func (a Affine) Mul(b Affine) Affine {
	var prod mat.Dense
	prod.Mul(a.Dense(), b.Dense())
	return fromDense(&prod)
}

// Invert returns the inverse transform. Singular or ill-conditioned
// matrices are rejected; no approximate inverse is attempted.
func (a Affine) Invert() (Affine, error) {
	if !a.IsAffine(1e-6) {
		return Affine{}, fmt.Errorf("cannot invert non-affine matrix: %w", errdefs.ErrGeometry)
	}
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, fmt.Errorf("cannot invert matrix %v: %v: %w", a.m, err, errdefs.ErrGeometry)
	}
	out := fromDense(&inv)
	// Clean the homogeneous row so chains keep it exact.
	out.m[3] = [4]float64{0, 0, 0, 1}
	return out, nil
}

// MustInvert is Invert for matrices that are invertible by construction.
func (a Affine) MustInvert() Affine {
	inv, err := a.Invert()
	if err != nil {
		panic(err)
	}
	return inv
}

// Apply maps the point p.
func (a Affine) Apply(p r3.Vector) r3.Vector {
	m := &a.m
	return r3.Vector{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// ApplyVector maps the direction v, ignoring translation.
func (a Affine) ApplyVector(v r3.Vector) r3.Vector {
	m := &a.m
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// At returns element (i, j).
func (a Affine) At(i, j int) float64 {
	return a.m[i][j]
}

// Row returns row i.
func (a Affine) Row(i int) [4]float64 {
	return a.m[i]
}

// Array returns a copy of the underlying matrix.
func (a Affine) Array() [4][4]float64 {
	return a.m
}

// Column returns the first three entries of column j, the image of index
// axis j in the destination space.
func (a Affine) Column(j int) r3.Vector {
	return r3.Vector{X: a.m[0][j], Y: a.m[1][j], Z: a.m[2][j]}
}

// Offset returns the translation part.
func (a Affine) Offset() r3.Vector {
	return a.Column(3)
}

// Spacing returns the length of each of the first three columns, which for
// a voxel-to-world affine is the voxel size in millimetres.
func (a Affine) Spacing() r3.Vector {
	return r3.Vector{X: a.Column(0).Norm(), Y: a.Column(1).Norm(), Z: a.Column(2).Norm()}
}

// Determinant returns the determinant of the upper-left 3×3 block.
func (a Affine) Determinant() float64 {
	return mat.Det(a.Dense().Slice(0, 3, 0, 3))
}

// IsAffine reports whether the bottom row is (0, 0, 0, 1) within tol.
func (a Affine) IsAffine(tol float64) bool {
	want := [4]float64{0, 0, 0, 1}
	for j, w := range want {
		if math.Abs(a.m[3][j]-w) > tol {
			return false
		}
	}
	return true
}

// ApproxEqual reports whether every element of a and b differs by at most tol.
func (a Affine) ApproxEqual(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a.m[i][j]-b.m[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// Dense returns a freshly allocated gonum copy of the matrix.
func (a Affine) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, a.m[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

func fromDense(d mat.Matrix) Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.m[i][j] = d.At(i, j)
		}
	}
	return a
}

// String formats the matrix on four lines.
func (a Affine) String() string {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%10.4f %10.4f %10.4f %10.4f", a.m[i][0], a.m[i][1], a.m[i][2], a.m[i][3])
	}
	return b.String()
}
