// Package compose assembles, for the moving and the fixed image, the chain
// of transforms linking network space, native voxel space and world space.
package compose

import (
	"fmt"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/canonical"
)

// Chain holds every transform between the three spaces of one image.
// Field names read source-to-destination.
type Chain struct {
	Geometry models.Geometry

	VoxelToWorld   affine.Affine
	WorldToVoxel   affine.Affine
	NetworkToVoxel affine.Affine
	VoxelToNetwork affine.Affine
}

// NetworkToWorld returns the direct network-to-world transform.
func (c Chain) NetworkToWorld() affine.Affine {
	return affine.Compose(c.VoxelToWorld, c.NetworkToVoxel)
}

// WorldToNetwork returns the direct world-to-network transform.
func (c Chain) WorldToNetwork() affine.Affine {
	return affine.Compose(c.VoxelToNetwork, c.WorldToVoxel)
}

// NewChain builds the chain of a single image.
func NewChain(g models.Geometry, s canonical.Space) (Chain, error) {
	if err := g.Validate(); err != nil {
		return Chain{}, err
	}
	w2v, err := g.Affine.Invert()
	if err != nil {
		return Chain{}, err
	}
	n2v, err := canonical.NetworkToVoxel(g, s)
	if err != nil {
		return Chain{}, err
	}
	v2n, err := n2v.Invert()
	if err != nil {
		return Chain{}, err
	}
	return Chain{
		Geometry:       g,
		VoxelToWorld:   g.Affine,
		WorldToVoxel:   w2v,
		NetworkToVoxel: n2v,
		VoxelToNetwork: v2n,
	}, nil
}

// Chains pairs the moving and fixed image chains of one registration.
type Chains struct {
	Space  canonical.Space
	Moving Chain
	Fixed  Chain
}

// Build constructs both chains. When init is non-nil it is a world-space
// transform from fixed to moving coordinates; it is folded into the moving
// chain so that the moving image is brought into network space through
// the fixed image's network grid:
//
//	moving network→voxel = moving world→voxel · init · fixed voxel→world · fixed network→voxel
//
// The estimator therefore only ever sees pre-aligned inputs.
func Build(moving, fixed models.Geometry, s canonical.Space, init *affine.Affine) (Chains, error) {
	mov, err := NewChain(moving, s)
	if err != nil {
		return Chains{}, fmt.Errorf("moving image: %w", err)
	}
	fix, err := NewChain(fixed, s)
	if err != nil {
		return Chains{}, fmt.Errorf("fixed image: %w", err)
	}
	if init != nil {
		if err := FoldInitializer(&mov, fix, *init); err != nil {
			return Chains{}, err
		}
	}
	return Chains{Space: s, Moving: mov, Fixed: fix}, nil
}

// FoldInitializer rewrites the moving chain's network transforms to pass
// through the initializer.
func FoldInitializer(mov *Chain, fix Chain, init affine.Affine) error {
	if !init.IsAffine(1e-6) {
		return fmt.Errorf("initializer bottom row %v is not (0, 0, 0, 1): %w", init.Row(3), errdefs.ErrGeometry)
	}
	n2v := affine.Compose(mov.WorldToVoxel, init, fix.VoxelToWorld, fix.NetworkToVoxel)
	v2n, err := n2v.Invert()
	if err != nil {
		return fmt.Errorf("initializer: %w", err)
	}
	mov.NetworkToVoxel = n2v
	mov.VoxelToNetwork = v2n
	return nil
}
