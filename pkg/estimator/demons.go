package estimator

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
)

// demons is Thirion's demons algorithm run on the half-resolution network
// grid. Each update pushes the source towards the target along the target
// gradient; the field is then smoothed with a Gaussian.
type demons struct {
	p       DemonsParams
	threads int
}

func newDemons(mode Mode, p Params, threads int) (Estimator, error) {
	if mode != Deform {
		return nil, fmt.Errorf("demons estimator cannot predict %v transforms: %w", mode, errdefs.ErrConfig)
	}
	d := p.Demons
	if d.Iterations < 0 || d.Sigma < 0 || d.MaxStep < 0 {
		return nil, fmt.Errorf("demons parameters must not be negative: %w", errdefs.ErrConfig)
	}
	return demons{p: d, threads: threads}, nil
}

func (d demons) Mode() Mode { return Deform }

// Predict returns a displacement field on the half-resolution grid, in
// half-resolution voxels.
func (d demons) Predict(ctx context.Context, source, target *models.Volume) (transform.Transform, error) {
	if err := checkInputs(source, target); err != nil {
		return nil, err
	}
	src, shape := decimate(source.Data, source.Shape, d.threads)
	tgt, _ := decimate(target.Data, target.Shape, d.threads)
	grad := gradient(tgt, shape)

	u := transform.NewField(shape)
	nx, ny := shape[0], shape[1]
	for it := 0; it < d.p.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resample.ForEachSlab(shape[2], d.threads, func(k0, k1 int) {
			var w [1]float64
			for k := k0; k < k1; k++ {
				for j := 0; j < ny; j++ {
					for i := 0; i < nx; i++ {
						p := r3.Vector{X: float64(i), Y: float64(j), Z: float64(k)}
						cur := u.At(i, j, k)
						transform.Trilinear(src, shape, 1, p.Add(cur), w[:])
						idx := k*nx*ny + j*nx + i
						diff := tgt[idx] - w[0]
						g := r3.Vector{X: grad[3*idx], Y: grad[3*idx+1], Z: grad[3*idx+2]}
						den := g.Dot(g) + diff*diff
						if den < 1e-12 {
							continue
						}
						step := g.Mul(diff / den)
						if n := step.Norm(); d.p.MaxStep > 0 && n > d.p.MaxStep {
							step = step.Mul(d.p.MaxStep / n)
						}
						u.Set(i, j, k, cur.Add(step))
					}
				}
			}
		})
		if d.p.Sigma > 0 {
			smooth(u.Data, shape, 3, d.p.Sigma, d.threads)
		}
	}
	return u, nil
}

// decimate blurs a volume and keeps every second voxel along each axis.
func decimate(data []float64, shape [3]int, threads int) ([]float64, [3]int) {
	blurred := make([]float64, len(data))
	copy(blurred, data)
	smooth(blurred, shape, 1, 1.0, threads)

	var half [3]int
	for i, n := range shape {
		half[i] = (n + 1) / 2
	}
	out := make([]float64, half[0]*half[1]*half[2])
	for k := 0; k < half[2]; k++ {
		for j := 0; j < half[1]; j++ {
			for i := 0; i < half[0]; i++ {
				out[k*half[0]*half[1]+j*half[0]+i] = blurred[(2*k)*shape[0]*shape[1]+(2*j)*shape[0]+2*i]
			}
		}
	}
	return out, half
}

// gradient returns central-difference derivatives, three per voxel.
// Border voxels use one-sided differences.
func gradient(data []float64, shape [3]int) []float64 {
	nx, ny, nz := shape[0], shape[1], shape[2]
	stride := [3]int{1, nx, nx * ny}
	out := make([]float64, 3*len(data))
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				idx := k*nx*ny + j*nx + i
				pos := [3]int{i, j, k}
				for a := 0; a < 3; a++ {
					lo, hi := idx, idx
					span := 0.0
					if pos[a] > 0 {
						lo -= stride[a]
						span++
					}
					if pos[a] < shape[a]-1 {
						hi += stride[a]
						span++
					}
					if span > 0 {
						out[3*idx+a] = (data[hi] - data[lo]) / span
					}
				}
			}
		}
	}
	return out
}

// smooth convolves every component of an interleaved volume with a
// separable Gaussian in place. The kernel is truncated at three sigma
// and renormalised at the borders.
func smooth(data []float64, shape [3]int, comps int, sigma float64, threads int) {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return
	}
	kernel := make([]float64, 2*radius+1)
	for t := -radius; t <= radius; t++ {
		kernel[t+radius] = math.Exp(-float64(t*t) / (2 * sigma * sigma))
	}
	for axis := 0; axis < 3; axis++ {
		if shape[axis] > 1 {
			smoothAxis(data, shape, comps, axis, kernel, threads)
		}
	}
}

func smoothAxis(data []float64, shape [3]int, comps, axis int, kernel []float64, threads int) {
	nx, ny := shape[0], shape[1]
	stride := [3]int{1, nx, nx * ny}[axis]
	n := shape[axis]
	radius := len(kernel) / 2
	src := make([]float64, len(data))
	copy(src, data)

	// Lines along axis are independent; split the outer loop over the
	// slowest axis that is not the smoothing axis.
	outer := 2
	if axis == 2 {
		outer = 1
	}
	resample.ForEachSlab(shape[outer], threads, func(o0, o1 int) {
		for o := o0; o < o1; o++ {
			for a := 0; a < shape[3-axis-outer]; a++ {
				var pos [3]int
				pos[outer] = o
				pos[3-axis-outer] = a
				base := pos[0] + pos[1]*nx + pos[2]*nx*ny
				for x := 0; x < n; x++ {
					for c := 0; c < comps; c++ {
						var sum, norm float64
						for t := -radius; t <= radius; t++ {
							y := x + t
							if y < 0 || y >= n {
								continue
							}
							w := kernel[t+radius]
							sum += w * src[comps*(base+y*stride)+c]
							norm += w
						}
						data[comps*(base+x*stride)+c] = sum / norm
					}
				}
			}
		}
	})
}
