package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"volreg/internal/errdefs"
)

// Field is a dense displacement field: one 3-vector per point of its grid,
// stored interleaved in x-fastest order. The vector at p is added to p to
// obtain the corresponding source coordinate.
type Field struct {
	Shape [3]int
	Data  []float64
}

// NewField allocates a zero field.
func NewField(shape [3]int) *Field {
	return &Field{
		Shape: shape,
		Data:  make([]float64, 3*shape[0]*shape[1]*shape[2]),
	}
}

// NumVoxels returns the number of grid points.
func (f *Field) NumVoxels() int {
	return f.Shape[0] * f.Shape[1] * f.Shape[2]
}

// Validate checks that Data matches Shape.
func (f *Field) Validate() error {
	if want := 3 * f.NumVoxels(); len(f.Data) != want {
		return fmt.Errorf("field of shape %v holds %d values, want %d: %w", f.Shape, len(f.Data), want, errdefs.ErrShape)
	}
	return nil
}

func (f *Field) offset(i, j, k int) int {
	return 3 * (k*f.Shape[0]*f.Shape[1] + j*f.Shape[0] + i)
}

// At returns the displacement stored at grid point (i, j, k).
func (f *Field) At(i, j, k int) r3.Vector {
	o := f.offset(i, j, k)
	return r3.Vector{X: f.Data[o], Y: f.Data[o+1], Z: f.Data[o+2]}
}

// Set stores the displacement at grid point (i, j, k).
func (f *Field) Set(i, j, k int, v r3.Vector) {
	o := f.offset(i, j, k)
	f.Data[o], f.Data[o+1], f.Data[o+2] = v.X, v.Y, v.Z
}

// Sample interpolates the displacement at an arbitrary coordinate.
// Positions outside the grid read as zero.
func (f *Field) Sample(p r3.Vector) r3.Vector {
	var out [3]float64
	Trilinear(f.Data, f.Shape, 3, p, out[:])
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

// Kind implements Transform.
func (*Field) Kind() Kind { return KindField }

// Map implements Transform.
func (f *Field) Map(p r3.Vector) r3.Vector { return p.Add(f.Sample(p)) }

func (*Field) isTransform() {}

// Component returns a copy of one vector component as a scalar volume.
func (f *Field) Component(c int) []float64 {
	out := make([]float64, f.NumVoxels())
	for i := range out {
		out[i] = f.Data[3*i+c]
	}
	return out
}

// MaxNorm returns the length of the largest displacement.
func (f *Field) MaxNorm() float64 {
	var m float64
	for i := 0; i < len(f.Data); i += 3 {
		n := math.Sqrt(f.Data[i]*f.Data[i] + f.Data[i+1]*f.Data[i+1] + f.Data[i+2]*f.Data[i+2])
		if n > m {
			m = n
		}
	}
	return m
}

// Upsample resamples f onto a finer grid covering the same extent and
// scales each vector component by the grid ratio of its axis, so that
// displacements stay expressed in voxels of the new grid. Coordinates
// beyond the last input point reuse the border value.
func Upsample(f *Field, shape [3]int) (*Field, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var ratio [3]float64
	for i := range ratio {
		if shape[i] < 1 || f.Shape[i] < 1 {
			return nil, fmt.Errorf("cannot upsample field of shape %v to %v: %w", f.Shape, shape, errdefs.ErrShape)
		}
		ratio[i] = float64(shape[i]) / float64(f.Shape[i])
	}
	out := NewField(shape)
	var v [3]float64
	for k := 0; k < shape[2]; k++ {
		z := clamp(float64(k)/ratio[2], float64(f.Shape[2]-1))
		for j := 0; j < shape[1]; j++ {
			y := clamp(float64(j)/ratio[1], float64(f.Shape[1]-1))
			for i := 0; i < shape[0]; i++ {
				x := clamp(float64(i)/ratio[0], float64(f.Shape[0]-1))
				Trilinear(f.Data, f.Shape, 3, r3.Vector{X: x, Y: y, Z: z}, v[:])
				o := out.offset(i, j, k)
				out.Data[o] = v[0] * ratio[0]
				out.Data[o+1] = v[1] * ratio[1]
				out.Data[o+2] = v[2] * ratio[2]
			}
		}
	}
	return out, nil
}

func clamp(x, hi float64) float64 {
	if x > hi {
		return hi
	}
	if x < 0 {
		return 0
	}
	return x
}
