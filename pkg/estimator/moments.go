package estimator

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/transform"
)

// moments aligns intensity distributions: centres of mass for a rigid
// prediction, plus per-axis spread for an affine one. It predicts no
// rotation.
type moments struct {
	mode Mode
}

func newMoments(mode Mode, _ Params, _ int) (Estimator, error) {
	if !mode.Linear() {
		return nil, fmt.Errorf("moments estimator cannot predict %v transforms: %w", mode, errdefs.ErrConfig)
	}
	return moments{mode: mode}, nil
}

func (m moments) Mode() Mode { return m.mode }

// distribution holds the intensity-weighted mean and standard deviation
// of voxel positions in zero-centred coordinates.
type distribution struct {
	mean, std r3.Vector
}

func describe(v *models.Volume) (distribution, error) {
	nx, ny, nz := v.Shape[0], v.Shape[1], v.Shape[2]
	cx, cy, cz := 0.5*float64(nx-1), 0.5*float64(ny-1), 0.5*float64(nz-1)

	var mass float64
	var s1, s2 [3]float64
	for k := 0; k < nz; k++ {
		z := float64(k) - cz
		for j := 0; j < ny; j++ {
			y := float64(j) - cy
			row := v.Data[k*nx*ny+j*nx : k*nx*ny+j*nx+nx]
			for i, w := range row {
				if w <= 0 {
					continue
				}
				x := float64(i) - cx
				mass += w
				s1[0] += w * x
				s1[1] += w * y
				s1[2] += w * z
				s2[0] += w * x * x
				s2[1] += w * y * y
				s2[2] += w * z * z
			}
		}
	}
	if mass == 0 {
		return distribution{}, fmt.Errorf("input has no positive intensity: %w", errdefs.ErrGeometry)
	}
	var d distribution
	var mean, std [3]float64
	for a := 0; a < 3; a++ {
		mean[a] = s1[a] / mass
		std[a] = math.Sqrt(math.Max(s2[a]/mass-mean[a]*mean[a], 0))
	}
	d.mean = r3.Vector{X: mean[0], Y: mean[1], Z: mean[2]}
	d.std = r3.Vector{X: std[0], Y: std[1], Z: std[2]}
	return d, nil
}

// Predict returns the 3×4 matrix taking target coordinates x to source
// coordinates c_s + A(x - c_t).
func (m moments) Predict(ctx context.Context, source, target *models.Volume) (transform.Transform, error) {
	if err := checkInputs(source, target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := describe(source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	tgt, err := describe(target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	scale := [3]float64{1, 1, 1}
	if m.mode == Affine {
		ss := [3]float64{src.std.X, src.std.Y, src.std.Z}
		ts := [3]float64{tgt.std.X, tgt.std.Y, tgt.std.Z}
		for a := range scale {
			if ts[a] > 0 && ss[a] > 0 {
				scale[a] = ss[a] / ts[a]
			}
		}
	}
	cs := [3]float64{src.mean.X, src.mean.Y, src.mean.Z}
	ct := [3]float64{tgt.mean.X, tgt.mean.Y, tgt.mean.Z}
	rows := make([][]float64, 3)
	for a := 0; a < 3; a++ {
		rows[a] = make([]float64, 4)
		rows[a][a] = scale[a]
		rows[a][3] = cs[a] - scale[a]*ct[a]
	}
	return transform.NewLinear(rows)
}
