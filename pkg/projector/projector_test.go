package projector

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
	"volreg/pkg/compose"
	"volreg/pkg/transform"
)

// conformed returns an n³ 1 mm LIA grid, which maps onto an n³ network
// with the identity.
func conformed(n int) models.Geometry {
	h := float64(n) / 2
	return models.Geometry{
		Shape: [3]int{n, n, n},
		Affine: affine.FromArray([4][4]float64{
			{-1, 0, 0, h}, {0, 0, 1, -h}, {0, -1, 0, h}, {0, 0, 0, 1},
		}),
	}
}

func chains(t *testing.T, moving, fixed models.Geometry, s canonical.Space) compose.Chains {
	t.Helper()
	ch, err := compose.Build(moving, fixed, s, nil)
	require.NoError(t, err)
	return ch
}

func identity() transform.Linear {
	return transform.Linear{Matrix: affine.Identity()}
}

func TestIdentityPredictionOnSharedGeometry(t *testing.T) {
	g := models.Geometry{
		Shape: [3]int{181, 217, 181},
		Affine: affine.Compose(
			affine.Translation(r3.Vector{X: -90, Y: -126, Z: -72}),
			affine.Scale(r3.Vector{X: 1, Y: 1, Z: 1}),
		),
	}
	res, err := Project(identity(), chains(t, g, g, canonical.DefaultSpace()), 1)
	require.NoError(t, err)

	assert.Equal(t, transform.KindLinear, res.Kind)
	assert.True(t, res.Native.ApproxEqual(affine.Identity(), 1e-9))
	assert.True(t, res.World.ApproxEqual(affine.Identity(), 1e-9))
}

func TestTranslatedMovingImage(t *testing.T) {
	fixed := models.Geometry{Shape: [3]int{256, 256, 256}, Affine: affine.Identity()}
	moving := fixed
	moving.Affine = affine.Compose(affine.Translation(r3.Vector{X: 10}), fixed.Affine)

	// Both images show the same voxels, so the estimator sees no motion.
	res, err := Project(identity(), chains(t, moving, fixed, canonical.DefaultSpace()), 1)
	require.NoError(t, err)

	assert.True(t, res.Native.ApproxEqual(affine.Identity(), 1e-9))
	assert.True(t, res.World.ApproxEqual(affine.Translation(r3.Vector{X: 10}), 1e-9), "world\n%v", res.World)
}

func TestLinearPredictionIsCentred(t *testing.T) {
	s := canonical.Space{Shape: [3]int{16, 16, 16}}
	g := conformed(16)
	shift := transform.Linear{Matrix: affine.Translation(r3.Vector{X: 1})}

	res, err := Project(shift, chains(t, g, g, s), 1)
	require.NoError(t, err)

	assert.True(t, res.Native.ApproxEqual(affine.Translation(r3.Vector{X: 1}), 1e-9))
	// Network axis 0 points left.
	assert.True(t, res.World.ApproxEqual(affine.Translation(r3.Vector{X: -1}), 1e-9))

	// A rotation about the network centre keeps the centre voxel fixed.
	rot := transform.Linear{Matrix: affine.FromArray([4][4]float64{
		{0, -1, 0, 0}, {1, 0, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1},
	})}
	res, err = Project(rot, chains(t, g, g, s), 1)
	require.NoError(t, err)
	centre := r3.Vector{X: 7.5, Y: 7.5, Z: 7.5}
	assert.InDelta(t, 0, res.Native.Apply(centre).Sub(centre).Norm(), 1e-9)
}

func TestLinearPredictionMustBeAffine(t *testing.T) {
	g := conformed(8)
	bad := transform.Linear{Matrix: affine.FromArray([4][4]float64{
		{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0.1, 1},
	})}
	_, err := Project(bad, chains(t, g, g, canonical.Space{Shape: [3]int{8, 8, 8}}), 1)
	assert.True(t, errors.Is(err, errdefs.ErrGeometry))

	_, err = Project(nil, chains(t, g, g, canonical.Space{Shape: [3]int{8, 8, 8}}), 1)
	assert.True(t, errors.Is(err, errdefs.ErrGeometry))
}

func TestZeroField(t *testing.T) {
	s := canonical.Space{Shape: [3]int{16, 16, 16}}
	g := models.Geometry{
		Shape:  [3]int{10, 12, 9},
		Affine: affine.Scale(r3.Vector{X: 1.5, Y: 1.2, Z: 2}),
	}
	res, err := Project(transform.NewField(s.Shape), chains(t, g, g, s), 2)
	require.NoError(t, err)

	assert.Equal(t, transform.KindField, res.Kind)
	assert.Equal(t, g.Shape, res.NativeField.Shape)
	assert.Equal(t, g.Shape, res.WorldField.Shape)
	assert.InDelta(t, 0, res.NativeField.MaxNorm(), 1e-9)
	assert.InDelta(t, 0, res.WorldField.MaxNorm(), 1e-9)
}

func constantField(shape [3]int, v r3.Vector) *transform.Field {
	f := transform.NewField(shape)
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				f.Set(i, j, k, v)
			}
		}
	}
	return f
}

func TestHalfResolutionField(t *testing.T) {
	s := canonical.Space{Shape: [3]int{16, 16, 16}}
	g := conformed(16)
	// One half-resolution voxel is two network voxels.
	u := constantField(s.Half().Shape, r3.Vector{X: 1})

	res, err := Project(u, chains(t, g, g, s), 1)
	require.NoError(t, err)

	for _, idx := range [][3]int{{0, 0, 0}, {5, 9, 3}, {15, 15, 15}} {
		n := res.NativeField.At(idx[0], idx[1], idx[2])
		assert.InDelta(t, 0, n.Sub(r3.Vector{X: 2}).Norm(), 1e-9, "native at %v", idx)
		w := res.WorldField.At(idx[0], idx[1], idx[2])
		assert.InDelta(t, 0, w.Sub(r3.Vector{X: -2}).Norm(), 1e-9, "world at %v", idx)
	}
}

func TestFieldShapeMismatch(t *testing.T) {
	s := canonical.Space{Shape: [3]int{16, 16, 16}}
	g := conformed(16)
	_, err := Project(transform.NewField([3]int{12, 12, 12}), chains(t, g, g, s), 1)
	assert.True(t, errors.Is(err, errdefs.ErrShape))
}

func TestFieldProjectionIgnoresThreadCount(t *testing.T) {
	s := canonical.Space{Shape: [3]int{16, 16, 16}}
	fixed := conformed(16)
	moving := models.Geometry{Shape: [3]int{14, 18, 15}, Affine: affine.Scale(r3.Vector{X: 1.1, Y: 0.9, Z: 1.3})}
	u := constantField(s.Shape, r3.Vector{X: 0.3, Y: -0.7, Z: 1.1})

	one, err := Project(u, chains(t, moving, fixed, s), 1)
	require.NoError(t, err)
	many, err := Project(u, chains(t, moving, fixed, s), 5)
	require.NoError(t, err)
	assert.Equal(t, one.NativeField.Data, many.NativeField.Data)
	assert.Equal(t, one.WorldField.Data, many.WorldField.Data)
}

func TestResampling(t *testing.T) {
	lin := Result{Kind: transform.KindLinear, Native: affine.Translation(r3.Vector{Y: 2})}
	l, ok := lin.Resampling().(transform.Linear)
	require.True(t, ok)
	assert.Equal(t, lin.Native, l.Matrix)

	f := transform.NewField([3]int{2, 2, 2})
	field := Result{Kind: transform.KindField, NativeField: f}
	assert.Same(t, f, field.Resampling())
}

func TestHeaderAffine(t *testing.T) {
	moving := affine.Compose(affine.Translation(r3.Vector{X: 3, Y: -1}), affine.Scale(r3.Vector{X: 2, Y: 2, Z: 2}))
	res := Result{Kind: transform.KindLinear, World: affine.Translation(r3.Vector{X: 10})}

	header, err := res.HeaderAffine(moving)
	require.NoError(t, err)

	// A moving voxel lands on the fixed-world point that World maps onto
	// its old position.
	v := r3.Vector{X: 4, Y: 5, Z: 6}
	assert.InDelta(t, 0, res.World.Apply(header.Apply(v)).Sub(moving.Apply(v)).Norm(), 1e-9)

	_, err = Result{Kind: transform.KindField}.HeaderAffine(moving)
	assert.True(t, errors.Is(err, errdefs.ErrConfig))
}
