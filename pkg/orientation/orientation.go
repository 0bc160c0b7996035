// Package orientation builds axis permutation and flip matrices between
// anatomical orientation conventions.
//
// An orientation code such as "LIA" names, for each voxel index axis in
// turn, the anatomical direction in which that index increases: here the
// first index runs towards the left, the second towards inferior and the
// third towards anterior.
package orientation

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/pkg/affine"
)

// Code is a validated three-letter orientation code.
type Code [3]byte

// RAS is the orientation of world space.
var RAS = Code{'R', 'A', 'S'}

// LIA is the orientation of the canonical network space.
var LIA = Code{'L', 'I', 'A'}

// worldAxis maps a direction letter to its world axis and sign.
func worldAxis(c byte) (axis int, sign float64, ok bool) {
	switch c {
	case 'R':
		return 0, 1, true
	case 'L':
		return 0, -1, true
	case 'A':
		return 1, 1, true
	case 'P':
		return 1, -1, true
	case 'S':
		return 2, 1, true
	case 'I':
		return 2, -1, true
	}
	return 0, 0, false
}

// Parse validates s, which must contain exactly one letter from each of
// the pairs L/R, A/P and S/I. Case is ignored.
func Parse(s string) (Code, error) {
	var c Code
	u := strings.ToUpper(strings.TrimSpace(s))
	if len(u) != 3 {
		return c, fmt.Errorf("orientation %q must have three letters: %w", s, errdefs.ErrGeometry)
	}
	var seen [3]bool
	for i := 0; i < 3; i++ {
		axis, _, ok := worldAxis(u[i])
		if !ok {
			return c, fmt.Errorf("orientation %q: %q is not one of LRAPSI: %w", s, u[i], errdefs.ErrGeometry)
		}
		if seen[axis] {
			return c, fmt.Errorf("orientation %q names the same axis twice: %w", s, errdefs.ErrGeometry)
		}
		seen[axis] = true
		c[i] = u[i]
	}
	return c, nil
}

// MustParse is Parse for constant codes.
func MustParse(s string) Code {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the three letters.
func (c Code) String() string {
	return string(c[:])
}

// Valid reports whether c could have been produced by Parse.
func (c Code) Valid() bool {
	_, err := Parse(c.String())
	return err == nil
}

// FromAffine returns the orientation of a voxel-to-world affine. Each
// index axis is labelled by the world axis its column points along most
// strongly, claimed greedily from the largest component down so that
// oblique affines still yield a permutation.
func FromAffine(a affine.Affine) (Code, error) {
	var c Code
	var rowTaken, colTaken [3]bool
	for n := 0; n < 3; n++ {
		best, bi, bj := 0.0, -1, -1
		for i := 0; i < 3; i++ {
			if rowTaken[i] {
				continue
			}
			for j := 0; j < 3; j++ {
				if colTaken[j] {
					continue
				}
				if v := math.Abs(a.At(i, j)); v > best {
					best, bi, bj = v, i, j
				}
			}
		}
		if bi < 0 {
			return c, fmt.Errorf("affine has a degenerate 3x3 block, cannot derive orientation: %w", errdefs.ErrGeometry)
		}
		rowTaken[bi], colTaken[bj] = true, true
		pos, neg := "RAS"[bi], "LPI"[bi]
		if a.At(bi, bj) > 0 {
			c[bj] = pos
		} else {
			c[bj] = neg
		}
	}
	return c, nil
}

// Permutation returns, for each axis of the to grid, the axis of the from
// grid it is drawn from, and whether its direction is reversed.
func Permutation(from, to Code) (src [3]int, flip [3]bool, err error) {
	if !from.Valid() || !to.Valid() {
		return src, flip, fmt.Errorf("invalid orientation %q or %q: %w", from, to, errdefs.ErrGeometry)
	}
	for j := 0; j < 3; j++ {
		ta, ts, _ := worldAxis(to[j])
		for i := 0; i < 3; i++ {
			fa, fs, _ := worldAxis(from[i])
			if fa == ta {
				src[j] = i
				flip[j] = fs != ts
			}
		}
	}
	return src, flip, nil
}

// PermuteShape reorders a from-ordered shape into to order.
func PermuteShape(from, to Code, shape [3]int) ([3]int, error) {
	src, _, err := Permutation(from, to)
	if err != nil {
		return shape, err
	}
	var out [3]int
	for j := range out {
		out[j] = shape[src[j]]
	}
	return out, nil
}

// Matrix returns the transform taking zero-based indices of a grid laid
// out in orientation from to indices of the same grid laid out in
// orientation to. shape is the shape of the from grid; a reversed axis of
// length n maps index x to n-1-x. With zeroCenter the grid is centred on
// the origin and a reversed axis maps x to -x instead.
//
// The result is always a signed permutation plus offset and never scales.
func Matrix(from, to Code, shape [3]int, zeroCenter bool) (affine.Affine, error) {
	src, flip, err := Permutation(from, to)
	if err != nil {
		return affine.Affine{}, err
	}
	if zeroCenter {
		shape = [3]int{1, 1, 1}
	}
	var m [4][4]float64
	m[3][3] = 1
	for j := 0; j < 3; j++ {
		i := src[j]
		if flip[j] {
			m[j][i] = -1
			m[j][3] = float64(shape[i] - 1)
		} else {
			m[j][i] = 1
		}
	}
	return affine.FromArray(m), nil
}

// Reorient expresses a voxel-to-world affine for the same grid stored in
// orientation to, given the grid's current shape. The returned shape is
// the grid shape in the new layout.
func Reorient(a affine.Affine, shape [3]int, to Code) (affine.Affine, [3]int, error) {
	from, err := FromAffine(a)
	if err != nil {
		return affine.Affine{}, shape, err
	}
	m, err := Matrix(from, to, shape, false)
	if err != nil {
		return affine.Affine{}, shape, err
	}
	newShape, err := PermuteShape(from, to, shape)
	if err != nil {
		return affine.Affine{}, shape, err
	}
	inv, err := m.Invert()
	if err != nil {
		return affine.Affine{}, shape, err
	}
	return affine.Compose(a, inv), newShape, nil
}

// direction returns the unit world vector a code letter points along.
func direction(c byte) r3.Vector {
	axis, sign, _ := worldAxis(c)
	var v [3]float64
	v[axis] = sign
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// Directions returns the world unit vector of each index axis of c.
func (c Code) Directions() [3]r3.Vector {
	return [3]r3.Vector{direction(c[0]), direction(c[1]), direction(c[2])}
}
