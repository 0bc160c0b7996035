// Package transform defines the two kinds of spatial transform an
// estimator can predict and that volreg can apply: a linear matrix or a
// dense displacement field.
//
// Both map destination-grid indices to source-grid coordinates, which is
// the direction resampling needs: for every output voxel, where in the
// input should we read from.
package transform

import (
	"fmt"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/pkg/affine"
)

// Kind tells the variants of Transform apart.
type Kind int

const (
	KindLinear Kind = iota
	KindField
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindField:
		return "field"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transform is implemented by Linear and *Field only.
type Transform interface {
	// Kind reports the variant.
	Kind() Kind

	// Map returns the source coordinate of destination index p.
	Map(p r3.Vector) r3.Vector

	isTransform()
}

// Linear is a homogeneous 4×4 transform.
type Linear struct {
	Matrix affine.Affine
}

// NewLinear accepts a 3-D matrix given as 3×4 or 4×4 rows, or a 2-D
// matrix given as 2×3 or 3×3 rows, and completes it to a 4×4 transform.
func NewLinear(rows [][]float64) (Linear, error) {
	if len(rows) == 0 {
		return Linear{}, fmt.Errorf("empty matrix: %w", errdefs.ErrGeometry)
	}
	var (
		a   affine.Affine
		err error
	)
	switch len(rows[0]) {
	case 4:
		a, err = affine.FromRows(rows)
	case 3:
		a, err = affine.FromRows2D(rows)
	default:
		err = fmt.Errorf("matrix has %d columns, want 3 or 4: %w", len(rows[0]), errdefs.ErrGeometry)
	}
	if err != nil {
		return Linear{}, err
	}
	return Linear{Matrix: a}, nil
}

// Kind implements Transform.
func (Linear) Kind() Kind { return KindLinear }

// Map implements Transform.
func (l Linear) Map(p r3.Vector) r3.Vector { return l.Matrix.Apply(p) }

func (Linear) isTransform() {}
