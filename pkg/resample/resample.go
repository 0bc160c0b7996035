// Package resample applies transforms to volumes.
package resample

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/transform"
)

// Options controls Resample.
type Options struct {
	// Normalize rescales the resampled intensities to [0, 1] using the
	// minimum and maximum of the output itself.
	Normalize bool

	// Threads is the number of goroutines sharing the work. Zero means
	// one per CPU. The result does not depend on it.
	Threads int
}

// Resample produces an array of shape out. Every output voxel p is mapped
// through t, which takes output indices to source indices of v, and the
// source is read with trilinear interpolation. Source positions outside v
// read as zero.
func Resample(v *models.Volume, t transform.Transform, out [3]int, opts Options) ([]float64, error) {
	if t == nil {
		return nil, fmt.Errorf("resample: nil transform: %w", errdefs.ErrGeometry)
	}
	if len(v.Data) != v.NumVoxels() {
		return nil, fmt.Errorf("volume of shape %v holds %d values: %w", v.Shape, len(v.Data), errdefs.ErrShape)
	}
	for axis, n := range out {
		if n < 1 {
			return nil, fmt.Errorf("output axis %d has length %d: %w", axis, n, errdefs.ErrShape)
		}
	}
	if f, ok := t.(*transform.Field); ok {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if f.Shape != out {
			return nil, fmt.Errorf("field of shape %v cannot drive output of shape %v: %w", f.Shape, out, errdefs.ErrShape)
		}
	}

	nx, ny := out[0], out[1]
	data := make([]float64, nx*ny*out[2])
	ForEachSlab(out[2], opts.Threads, func(k0, k1 int) {
		var s [1]float64
		for k := k0; k < k1; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					src := t.Map(r3.Vector{X: float64(i), Y: float64(j), Z: float64(k)})
					transform.Trilinear(v.Data, v.Shape, 1, src, s[:])
					data[k*nx*ny+j*nx+i] = s[0]
				}
			}
		}
	})

	if opts.Normalize {
		Normalize(data)
	}
	return data, nil
}

// Normalize maps the range [min, max] of data linearly onto [0, 1] in
// place. Constant data becomes all zeros.
func Normalize(data []float64) {
	if len(data) == 0 {
		return
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		for i := range data {
			data[i] = 0
		}
		return
	}
	floats.AddConst(-lo, data)
	floats.Scale(1/(hi-lo), data)
}

// ForEachSlab splits the range [0, n) into contiguous slabs and runs fn on
// them concurrently, returning once all have finished.
func ForEachSlab(n, threads int, fn func(start, end int)) {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		fn(0, n)
		return
	}
	size := (n + threads - 1) / threads
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}

// Squeeze drops singleton axes from an image shape. Exactly two or three
// axes must remain. The result is padded to three axes; axes[i] is the
// original axis that output axis i came from, so the caller can reorder
// the columns of the voxel-to-world affine accordingly.
func Squeeze(dims []int) (shape [3]int, axes [3]int, err error) {
	var kept, singles []int
	for i, n := range dims {
		switch {
		case n < 1:
			return shape, axes, fmt.Errorf("axis %d has length %d: %w", i, n, errdefs.ErrShape)
		case n == 1:
			singles = append(singles, i)
		default:
			kept = append(kept, i)
		}
	}
	if len(kept) != 2 && len(kept) != 3 {
		return shape, axes, fmt.Errorf("shape %v has %d non-singleton axes, want 2 or 3: %w", dims, len(kept), errdefs.ErrShape)
	}
	for i, a := range kept {
		axes[i] = a
		shape[i] = dims[a]
	}
	if len(kept) == 2 {
		// A bare 2-D shape has no third axis; the caller's affine
		// column 2 stands in for it.
		axes[2] = 2
		if len(singles) > 0 {
			axes[2] = singles[0]
		}
		shape[2] = 1
	}
	return shape, axes, nil
}
