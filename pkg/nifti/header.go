// Package nifti reads and writes single-file NIfTI-1 images, optionally
// gzip-compressed.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"math"

	"volreg/pkg/affine"
)

// Header is the on-disk NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file images
}

const (
	headerSize   = 348
	dataOffset   = 352
	xformScanner = 1
	intentVector = 1007
	unitsMM      = 2
	unitsSec     = 8
	description  = "volreg"
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// bitsPerVoxel maps supported DT_* codes to their width.
var bitsPerVoxel = map[int16]int16{
	2:   8,  // DT_UINT8
	4:   16, // DT_INT16
	8:   32, // DT_INT32
	16:  32, // DT_FLOAT32
	64:  64, // DT_FLOAT64
	256: 8,  // DT_INT8
	512: 16, // DT_UINT16
	768: 32, // DT_UINT32
}

// Affine returns the voxel-to-world transform the header encodes: the
// sform when set, else the qform, else a plain scaling by pixdim.
func (h *Header) Affine() affine.Affine {
	switch {
	case h.SFormCode > 0:
		var m [4][4]float64
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SRowX[j])
			m[1][j] = float64(h.SRowY[j])
			m[2][j] = float64(h.SRowZ[j])
		}
		m[3][3] = 1
		return affine.FromArray(m)
	case h.QFormCode > 0:
		return h.qformAffine()
	}
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		m[i][i] = spacingOrOne(h.PixDim[i+1])
	}
	m[3][3] = 1
	return affine.FromArray(m)
}

func spacingOrOne(v float32) float64 {
	if v <= 0 {
		return 1
	}
	return float64(v)
}

// qformAffine follows nifti_quatern_to_mat44.
func (h *Header) qformAffine() affine.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	dx := spacingOrOne(h.PixDim[1])
	dy := spacingOrOne(h.PixDim[2])
	dz := spacingOrOne(h.PixDim[3]) * qfac

	var m [4][4]float64
	m[0] = [4]float64{(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX)}
	m[1] = [4]float64{2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY)}
	m[2] = [4]float64{2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ)}
	m[3] = [4]float64{0, 0, 0, 1}
	return affine.FromArray(m)
}

// setAffine stores a in both the sform and the qform. The qform keeps the
// rotation closest to the normalised columns and cannot represent shear;
// readers prefer the sform.
func (h *Header) setAffine(a affine.Affine) {
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(a.At(0, j))
		h.SRowY[j] = float32(a.At(1, j))
		h.SRowZ[j] = float32(a.At(2, j))
	}
	h.SFormCode = xformScanner
	h.QFormCode = xformScanner

	sp := a.Spacing()
	spacing := [3]float64{sp.X, sp.Y, sp.Z}
	var r [3][3]float64
	for j := 0; j < 3; j++ {
		s := spacing[j]
		if s == 0 {
			s = 1
		}
		for i := 0; i < 3; i++ {
			r[i][j] = a.At(i, j) / s
		}
	}
	qfac := 1.0
	if a.Determinant() < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r[i][2] = -r[i][2]
		}
	}
	_, qb, qc, qd := quaternion(r)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(qb), float32(qc), float32(qd)
	off := a.Offset()
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = float32(off.X), float32(off.Y), float32(off.Z)
	h.PixDim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.PixDim[i+1] = float32(spacing[i])
	}
}

// quaternion follows nifti_mat44_to_quatern for a proper rotation r.
func quaternion(r [3][3]float64) (a, b, c, d float64) {
	a = r[0][0] + r[1][1] + r[2][2] + 1
	if a > 0.5 {
		a = 0.5 * math.Sqrt(a)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
		return a, b, c, d
	}
	xd := 1 + r[0][0] - (r[1][1] + r[2][2])
	yd := 1 + r[1][1] - (r[0][0] + r[2][2])
	zd := 1 + r[2][2] - (r[0][0] + r[1][1])
	switch {
	case xd > 1:
		b = 0.5 * math.Sqrt(xd)
		c = 0.25 * (r[0][1] + r[1][0]) / b
		d = 0.25 * (r[0][2] + r[2][0]) / b
		a = 0.25 * (r[2][1] - r[1][2]) / b
	case yd > 1:
		c = 0.5 * math.Sqrt(yd)
		b = 0.25 * (r[0][1] + r[1][0]) / c
		d = 0.25 * (r[1][2] + r[2][1]) / c
		a = 0.25 * (r[0][2] - r[2][0]) / c
	default:
		d = 0.5 * math.Sqrt(zd)
		b = 0.25 * (r[0][2] + r[2][0]) / d
		c = 0.25 * (r[1][2] + r[2][1]) / d
		a = 0.25 * (r[1][0] - r[0][1]) / d
	}
	if a < 0 {
		a, b, c, d = -a, -b, -c, -d
	}
	return a, b, c, d
}
