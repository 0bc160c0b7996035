package compose

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/canonical"
)

var space = canonical.Space{Shape: [3]int{32, 32, 32}}

func movingGeometry() models.Geometry {
	return models.Geometry{
		Shape: [3]int{30, 34, 20},
		Affine: affine.Compose(
			affine.Translation(r3.Vector{X: -15, Y: 4, Z: -30}),
			affine.Scale(r3.Vector{X: 1, Y: 1, Z: 1.5}),
		),
	}
}

func fixedGeometry() models.Geometry {
	return models.Geometry{
		Shape: [3]int{32, 32, 32},
		Affine: affine.FromArray([4][4]float64{
			{-1, 0, 0, 16}, {0, 0, 1, -16}, {0, -1, 0, 16}, {0, 0, 0, 1},
		}),
	}
}

func TestNewChainIsConsistent(t *testing.T) {
	c, err := NewChain(movingGeometry(), space)
	require.NoError(t, err)

	assert.True(t, affine.Compose(c.VoxelToWorld, c.WorldToVoxel).ApproxEqual(affine.Identity(), 1e-9))
	assert.True(t, affine.Compose(c.NetworkToVoxel, c.VoxelToNetwork).ApproxEqual(affine.Identity(), 1e-9))
	assert.True(t, affine.Compose(c.NetworkToWorld(), c.WorldToNetwork()).ApproxEqual(affine.Identity(), 1e-9))

	// Composition is associative, so going through voxel space or straight
	// to world space lands on the same point.
	p := r3.Vector{X: 3, Y: 17, Z: 29}
	direct := c.NetworkToWorld().Apply(p)
	stepwise := c.VoxelToWorld.Apply(c.NetworkToVoxel.Apply(p))
	assert.InDelta(t, 0, direct.Sub(stepwise).Norm(), 1e-9)
}

func TestNewChainRejectsBadGeometry(t *testing.T) {
	g := movingGeometry()
	g.Affine = affine.Scale(r3.Vector{X: 1, Y: 0, Z: 1})
	_, err := NewChain(g, space)
	assert.True(t, errors.Is(err, errdefs.ErrGeometry))

	g = movingGeometry()
	g.Shape[1] = 0
	_, err = NewChain(g, space)
	assert.True(t, errors.Is(err, errdefs.ErrShape))
}

func TestBuildWithoutInitializer(t *testing.T) {
	ch, err := Build(movingGeometry(), fixedGeometry(), space, nil)
	require.NoError(t, err)

	mov, err := NewChain(movingGeometry(), space)
	require.NoError(t, err)
	assert.Equal(t, mov.NetworkToVoxel, ch.Moving.NetworkToVoxel)
	assert.Equal(t, space, ch.Space)
}

func TestBuildReportsWhichImageFailed(t *testing.T) {
	bad := fixedGeometry()
	bad.Affine = affine.FromArray([4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 1, 1}})
	_, err := Build(movingGeometry(), bad, space, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fixed image")
	assert.True(t, errors.Is(err, errdefs.ErrGeometry))
}

func TestIdentityInitializerOnSharedGeometry(t *testing.T) {
	g := movingGeometry()
	id := affine.Identity()

	plain, err := Build(g, g, space, nil)
	require.NoError(t, err)
	folded, err := Build(g, g, space, &id)
	require.NoError(t, err)

	assert.True(t, folded.Moving.NetworkToVoxel.ApproxEqual(plain.Moving.NetworkToVoxel, 1e-9))
	assert.True(t, folded.Moving.VoxelToNetwork.ApproxEqual(plain.Moving.VoxelToNetwork, 1e-9))
}

func TestInitializerIsFolded(t *testing.T) {
	init := affine.Translation(r3.Vector{X: 4, Y: -2, Z: 7})
	ch, err := Build(movingGeometry(), fixedGeometry(), space, &init)
	require.NoError(t, err)

	// A network point goes through the fixed image's grid, into world
	// space, across the initializer and into the moving voxels.
	c := r3.Vector{X: 10, Y: 11, Z: 12}
	fixedWorld := ch.Fixed.VoxelToWorld.Apply(ch.Fixed.NetworkToVoxel.Apply(c))
	want := ch.Moving.WorldToVoxel.Apply(fixedWorld.Add(r3.Vector{X: 4, Y: -2, Z: 7}))
	got := ch.Moving.NetworkToVoxel.Apply(c)
	assert.InDelta(t, 0, got.Sub(want).Norm(), 1e-9)

	assert.True(t, affine.Compose(ch.Moving.NetworkToVoxel, ch.Moving.VoxelToNetwork).ApproxEqual(affine.Identity(), 1e-9))
	// The world side of the chain is untouched.
	assert.Equal(t, movingGeometry().Affine, ch.Moving.VoxelToWorld)
}

func TestInitializerMustBeAffine(t *testing.T) {
	init := affine.FromArray([4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0.5, 0, 0, 1}})
	_, err := Build(movingGeometry(), fixedGeometry(), space, &init)
	assert.True(t, errors.Is(err, errdefs.ErrGeometry))
}
