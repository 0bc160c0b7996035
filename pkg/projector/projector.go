// Package projector converts an estimator's network-space prediction into
// transforms between the native voxel grids and between the world spaces
// of the fixed and moving images.
package projector

import (
	"fmt"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/pkg/affine"
	"volreg/pkg/compose"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
)

// Result holds a prediction expressed in native and world space. Every
// transform maps fixed-image coordinates to moving-image coordinates.
type Result struct {
	Kind transform.Kind

	// Native maps fixed voxel indices to moving voxel indices and World
	// maps fixed world coordinates to moving world coordinates. Set for
	// linear predictions.
	Native affine.Affine
	World  affine.Affine

	// NativeField and WorldField are defined on the fixed image's grid.
	// NativeField holds moving-index minus fixed-index displacements,
	// WorldField the same displacement in millimetres. Set for field
	// predictions.
	NativeField *transform.Field
	WorldField  *transform.Field
}

// Resampling returns the transform that, applied to the moving image on
// the fixed image's grid, produces the moved image.
func (r Result) Resampling() transform.Transform {
	if r.Kind == transform.KindField {
		return r.NativeField
	}
	return transform.Linear{Matrix: r.Native}
}

// HeaderAffine returns the voxel-to-world affine that aligns the
// unchanged moving voxel data with the fixed image. Fields cannot be
// expressed as a header change.
func (r Result) HeaderAffine(moving affine.Affine) (affine.Affine, error) {
	if r.Kind != transform.KindLinear {
		return affine.Affine{}, fmt.Errorf("a displacement field cannot be applied as a header update: %w", errdefs.ErrConfig)
	}
	inv, err := r.World.Invert()
	if err != nil {
		return affine.Affine{}, err
	}
	return affine.Compose(inv, moving), nil
}

// Project dispatches on the prediction kind. Field work is split across
// threads goroutines.
func Project(pred transform.Transform, ch compose.Chains, threads int) (Result, error) {
	switch p := pred.(type) {
	case transform.Linear:
		return projectLinear(p, ch)
	case *transform.Field:
		return projectField(p, ch, threads)
	case nil:
		return Result{}, fmt.Errorf("no prediction to project: %w", errdefs.ErrGeometry)
	default:
		return Result{}, fmt.Errorf("unsupported prediction kind %v: %w", pred.Kind(), errdefs.ErrGeometry)
	}
}

// projectLinear lifts a matrix acting on zero-centred network coordinates
// to zero-based indices, then to native voxel space, then to world space.
func projectLinear(p transform.Linear, ch compose.Chains) (Result, error) {
	if !p.Matrix.IsAffine(1e-6) {
		return Result{}, fmt.Errorf("predicted matrix is not affine: %w", errdefs.ErrGeometry)
	}
	indexed := affine.Compose(ch.Space.ShiftToIndex(), p.Matrix, ch.Space.ShiftToCenter())
	native := affine.Compose(ch.Moving.NetworkToVoxel, indexed, ch.Fixed.VoxelToNetwork)
	world := affine.Compose(ch.Moving.VoxelToWorld, native, ch.Fixed.WorldToVoxel)
	return Result{
		Kind:   transform.KindLinear,
		Native: native,
		World:  world,
	}, nil
}

// projectField follows every fixed voxel into network space, along the
// predicted displacement, and back out into the moving image.
func projectField(u *transform.Field, ch compose.Chains, threads int) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	if u.Shape != ch.Space.Shape {
		if u.Shape != ch.Space.Half().Shape {
			return Result{}, fmt.Errorf("field of shape %v matches neither network shape %v nor its half: %w",
				u.Shape, ch.Space.Shape, errdefs.ErrShape)
		}
		up, err := transform.Upsample(u, ch.Space.Shape)
		if err != nil {
			return Result{}, err
		}
		u = up
	}

	shape := ch.Fixed.Geometry.Shape
	native := transform.NewField(shape)
	world := transform.NewField(shape)
	fixV2N := ch.Fixed.VoxelToNetwork
	fixV2W := ch.Fixed.VoxelToWorld
	movN2V := ch.Moving.NetworkToVoxel
	movV2W := ch.Moving.VoxelToWorld

	resample.ForEachSlab(shape[2], threads, func(k0, k1 int) {
		for k := k0; k < k1; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					p := r3.Vector{X: float64(i), Y: float64(j), Z: float64(k)}
					c := fixV2N.Apply(p)
					q := movN2V.Apply(c.Add(u.Sample(c)))
					native.Set(i, j, k, q.Sub(p))
					world.Set(i, j, k, movV2W.Apply(q).Sub(fixV2W.Apply(p)))
				}
			}
		}
	})

	return Result{
		Kind:        transform.KindField,
		NativeField: native,
		WorldField:  world,
	}, nil
}
