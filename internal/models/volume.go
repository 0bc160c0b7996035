package models

import (
	"fmt"

	"volreg/internal/errdefs"
	"volreg/pkg/affine"
)

// DataType is the on-disk voxel type of a volume. The values are the
// NIfTI-1 DT_* codes so they round-trip through the image header.
type DataType int

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
)

// String returns the conventional name of the type.
func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	}
	return fmt.Sprintf("datatype(%d)", int(d))
}

// IsInteger reports whether values must be rounded before storage.
func (d DataType) IsInteger() bool {
	return d != Float32 && d != Float64
}

// Range returns the representable range of an integer type.
func (d DataType) Range() (lo, hi float64) {
	switch d {
	case Uint8:
		return 0, 255
	case Int8:
		return -128, 127
	case Int16:
		return -32768, 32767
	case Uint16:
		return 0, 65535
	case Int32:
		return -2147483648, 2147483647
	case Uint32:
		return 0, 4294967295
	}
	return -1.7976931348623157e308, 1.7976931348623157e308
}

// Geometry describes a voxel grid and where it sits in world (RAS) space.
type Geometry struct {
	// Shape is the number of voxels along each index axis. A 2-D image
	// has Shape[2] == 1.
	Shape [3]int

	// Affine maps zero-based voxel indices to world millimetres.
	Affine affine.Affine
}

// NumVoxels returns the number of grid points.
func (g Geometry) NumVoxels() int {
	return g.Shape[0] * g.Shape[1] * g.Shape[2]
}

// Index returns the position of voxel (i, j, k) in x-fastest order.
func (g Geometry) Index(i, j, k int) int {
	return k*g.Shape[0]*g.Shape[1] + j*g.Shape[0] + i
}

// Validate checks that the grid is non-empty and the affine is a
// well-formed, invertible voxel-to-world mapping.
func (g Geometry) Validate() error {
	for axis, n := range g.Shape {
		if n < 1 {
			return fmt.Errorf("axis %d has length %d: %w", axis, n, errdefs.ErrShape)
		}
	}
	if !g.Affine.IsAffine(1e-6) {
		return fmt.Errorf("voxel-to-world matrix has bottom row %v: %w", g.Affine.Row(3), errdefs.ErrGeometry)
	}
	if _, err := g.Affine.Invert(); err != nil {
		return err
	}
	return nil
}

// Volume is a single-channel 3-D image.
type Volume struct {
	Geometry

	// Data holds one value per voxel in x-fastest order.
	Data []float64

	// DataType is the voxel type the image was stored with.
	DataType DataType
}

// NewVolume allocates a zero-filled volume on the given grid.
func NewVolume(g Geometry, dt DataType) *Volume {
	return &Volume{
		Geometry: g,
		Data:     make([]float64, g.NumVoxels()),
		DataType: dt,
	}
}

// At returns the voxel value at (i, j, k). Indices must be in range.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// WithAffine returns a shallow copy of v placed at a different world
// position. The voxel data is shared.
func (v *Volume) WithAffine(a affine.Affine) *Volume {
	out := *v
	out.Affine = a
	return &out
}
