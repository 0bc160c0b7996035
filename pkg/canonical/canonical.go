// Package canonical builds the transforms between an image's native voxel
// grid and the canonical network space.
//
// The network space is a fixed-shape grid of isotropic 1 mm voxels in LIA
// orientation. It is an indexed voxel space, not a world space: every
// image is mapped into it with its own transform, centred on the image's
// field of view.
package canonical

import (
	"fmt"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/orientation"
)

// Orientation is the orientation of the network grid.
var Orientation = orientation.LIA

// DefaultShape is the network grid shape the estimators are built for.
var DefaultShape = [3]int{256, 256, 256}

// Space is a network grid.
type Space struct {
	Shape [3]int
}

// DefaultSpace returns the 256³ network space.
func DefaultSpace() Space {
	return Space{Shape: DefaultShape}
}

// Validate rejects empty grids.
func (s Space) Validate() error {
	for axis, n := range s.Shape {
		if n < 1 {
			return fmt.Errorf("network axis %d has length %d: %w", axis, n, errdefs.ErrConfig)
		}
	}
	return nil
}

// NumVoxels returns the number of network grid points.
func (s Space) NumVoxels() int {
	return s.Shape[0] * s.Shape[1] * s.Shape[2]
}

// Half returns the half-resolution grid some estimators predict on.
func (s Space) Half() Space {
	var h Space
	for i, n := range s.Shape {
		h.Shape[i] = (n + 1) / 2
	}
	return h
}

// center returns ½·(shape − 1), the index of the grid centre.
func (s Space) center() r3.Vector {
	return r3.Vector{
		X: 0.5 * float64(s.Shape[0]-1),
		Y: 0.5 * float64(s.Shape[1]-1),
		Z: 0.5 * float64(s.Shape[2]-1),
	}
}

// ShiftToIndex converts zero-centred network coordinates to zero-based
// indices.
func (s Space) ShiftToIndex() affine.Affine {
	return affine.Translation(s.center())
}

// ShiftToCenter converts zero-based network indices to zero-centred
// coordinates. It is the inverse of ShiftToIndex.
func (s Space) ShiftToCenter() affine.Affine {
	return affine.Translation(s.center().Mul(-1))
}

// Geometry returns the network grid placed in world space with its centre
// at the origin. It is only used to write network-space volumes for
// inspection.
func (s Space) Geometry() models.Geometry {
	o, _ := orientation.Matrix(orientation.RAS, Orientation, [3]int{1, 1, 1}, true)
	return models.Geometry{
		Shape:  s.Shape,
		Affine: affine.Compose(o.MustInvert(), s.ShiftToCenter()),
	}
}

// NetworkToVoxel returns the transform from network indices to the
// zero-based native indices of an image with geometry g.
//
// The network coordinate is first reoriented from LIA into the image's
// own axis order, then scaled from millimetres into native voxels, then
// shifted so both grids share the centre of the image's field of view.
func NetworkToVoxel(g models.Geometry, s Space) (affine.Affine, error) {
	if err := s.Validate(); err != nil {
		return affine.Affine{}, err
	}
	native, err := orientation.FromAffine(g.Affine)
	if err != nil {
		return affine.Affine{}, err
	}
	reorient, err := orientation.Matrix(Orientation, native, s.Shape, false)
	if err != nil {
		return affine.Affine{}, err
	}
	out, err := orientation.PermuteShape(Orientation, native, s.Shape)
	if err != nil {
		return affine.Affine{}, err
	}

	spacing := g.Affine.Spacing()
	sp := [3]float64{spacing.X, spacing.Y, spacing.Z}
	var inv, offset [3]float64
	for i := 0; i < 3; i++ {
		if sp[i] == 0 {
			return affine.Affine{}, fmt.Errorf("voxel axis %d has zero spacing: %w", i, errdefs.ErrGeometry)
		}
		inv[i] = 1 / sp[i]
		offset[i] = 0.5 * (float64(g.Shape[i]) - float64(out[i])/sp[i])
	}

	scale := affine.Scale(r3.Vector{X: inv[0], Y: inv[1], Z: inv[2]})
	shift := affine.Translation(r3.Vector{X: offset[0], Y: offset[1], Z: offset[2]})
	return affine.Compose(shift, scale, reorient), nil
}

// VoxelToNetwork returns the inverse of NetworkToVoxel.
func VoxelToNetwork(g models.Geometry, s Space) (affine.Affine, error) {
	n2v, err := NetworkToVoxel(g, s)
	if err != nil {
		return affine.Affine{}, err
	}
	return n2v.Invert()
}
