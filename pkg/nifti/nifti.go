package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
)

// Load reads a .nii or .nii.gz file. Compression is detected from the
// content, not the name.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v: %w", path, err, errdefs.ErrIO)
	}
	defer f.Close()

	v, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"path":     path,
		"shape":    v.Shape,
		"dataType": v.DataType,
	}).Debug("Loaded image")
	return v, nil
}

// Decode reads a single-file NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %v: %w", err, errdefs.ErrIO)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}
	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("reading image: %v: %w", err, errdefs.ErrIO)
	}
	h, order, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	return decodeVolume(h, order, raw)
}

// readHeader infers the byte order from sizeof_hdr, which must be 348.
func readHeader(b []byte) (*Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return nil, nil, fmt.Errorf("file holds %d bytes, shorter than a header: %w", len(b), errdefs.ErrIO)
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := new(Header)
		if err := binary.Read(bytes.NewReader(b), order, h); err != nil {
			return nil, nil, fmt.Errorf("decoding header: %v: %w", err, errdefs.ErrIO)
		}
		if h.SizeOfHdr != headerSize {
			continue
		}
		if h.Magic != magicSingle {
			return nil, nil, fmt.Errorf("magic %q is not n+1; header and data must share one file: %w",
				strings.TrimRight(string(h.Magic[:]), "\x00"), errdefs.ErrIO)
		}
		log.WithFields(log.Fields{
			"byteOrder": order,
		}).Debug("Found byte order")
		return h, order, nil
	}
	return nil, nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr is not 348): %w", errdefs.ErrIO)
}

func decodeVolume(h *Header, order binary.ByteOrder, raw []byte) (*models.Volume, error) {
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("dim[0] = %d is not in [1, 7]: %w", ndim, errdefs.ErrIO)
	}
	dims := make([]int, ndim)
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
	}
	spatial := dims
	if ndim > 3 {
		spatial = dims[:3]
		for i, n := range dims[3:] {
			if n > 1 {
				return nil, fmt.Errorf("axis %d has %d frames; multi-frame images are not supported: %w", i+3, n, errdefs.ErrShape)
			}
		}
	}
	shape, axes, err := resample.Squeeze(spatial)
	if err != nil {
		return nil, err
	}

	bits, ok := bitsPerVoxel[h.DataType]
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d: %w", h.DataType, errdefs.ErrIO)
	}
	nvox := shape[0] * shape[1] * shape[2]
	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	size := nvox * int(bits) / 8
	if len(raw) < offset+size {
		return nil, fmt.Errorf("image data truncated: want %d bytes after offset %d, have %d: %w",
			size, offset, len(raw)-offset, errdefs.ErrIO)
	}
	dt := models.DataType(h.DataType)
	data := decodeData(raw[offset:offset+size], dt, order, nvox)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
		dt = models.Float32
	}

	return &models.Volume{
		Geometry: models.Geometry{
			Shape:  shape,
			Affine: selectColumns(h.Affine(), axes),
		},
		Data:     data,
		DataType: dt,
	}, nil
}

// selectColumns reorders the index columns of a voxel-to-world affine to
// follow the axes kept by resample.Squeeze.
func selectColumns(a affine.Affine, axes [3]int) affine.Affine {
	if axes == [3]int{0, 1, 2} {
		return a
	}
	src := a.Array()
	out := src
	for j, from := range axes {
		for i := 0; i < 4; i++ {
			out[i][j] = src[i][from]
		}
	}
	return affine.FromArray(out)
}

func decodeData(b []byte, dt models.DataType, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch dt {
	case models.Uint8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case models.Int8:
		for i := range out {
			out[i] = float64(int8(b[i]))
		}
	case models.Int16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case models.Uint16:
		for i := range out {
			out[i] = float64(order.Uint16(b[2*i:]))
		}
	case models.Int32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case models.Uint32:
		for i := range out {
			out[i] = float64(order.Uint32(b[4*i:]))
		}
	case models.Float32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case models.Float64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	}
	return out
}

// Save writes v to path as NIfTI-1, gzip-compressed when the name ends in
// .gz. dt selects the stored voxel type; zero keeps v.DataType. Integer
// types are rounded and clamped to their range.
func Save(path string, v *models.Volume, dt models.DataType) error {
	if dt == 0 {
		dt = v.DataType
	}
	if dt == 0 {
		dt = models.Float32
	}
	h := newHeader(v.Shape, v.Affine, dt)
	return writeFile(path, h, func(w io.Writer) error {
		return encodeData(w, v.Data, dt)
	})
}

// SaveField writes a displacement field on grid g as a 5-D vector image:
// three frames along the fifth axis, one per displacement component.
func SaveField(path string, f *transform.Field, g models.Geometry) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Shape != g.Shape {
		return fmt.Errorf("field of shape %v does not lie on grid %v: %w", f.Shape, g.Shape, errdefs.ErrShape)
	}
	h := newHeader(g.Shape, g.Affine, models.Float32)
	h.Dim[0] = 5
	h.Dim[4] = 1
	h.Dim[5] = 3
	h.IntentCode = intentVector
	return writeFile(path, h, func(w io.Writer) error {
		for c := 0; c < 3; c++ {
			if err := encodeData(w, f.Component(c), models.Float32); err != nil {
				return err
			}
		}
		return nil
	})
}

func newHeader(shape [3]int, a affine.Affine, dt models.DataType) *Header {
	h := &Header{
		SizeOfHdr: headerSize,
		DataType:  int16(dt),
		BitPix:    bitsPerVoxel[int16(dt)],
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM | unitsSec,
		Magic:     magicSingle,
	}
	h.Dim[0] = 3
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(shape[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
		h.PixDim[i] = 1
	}
	copy(h.Descrip[:], description)
	h.setAffine(a)
	return h
}

func writeFile(path string, h *Header, body func(io.Writer) error) (err error) {
	if _, ok := bitsPerVoxel[h.DataType]; !ok {
		return fmt.Errorf("unsupported datatype %d: %w", h.DataType, errdefs.ErrIO)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %v: %w", path, err, errdefs.ErrIO)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %v: %w", path, cerr, errdefs.ErrIO)
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("writing header to %s: %v: %w", path, err, errdefs.ErrIO)
	}
	// Empty extension flag, padding the header to vox_offset.
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, errdefs.ErrIO)
	}
	if err := body(w); err != nil {
		return fmt.Errorf("writing data to %s: %v: %w", path, err, errdefs.ErrIO)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing %s: %v: %w", path, err, errdefs.ErrIO)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, errdefs.ErrIO)
	}
	log.WithFields(log.Fields{
		"path": path,
		"dim":  h.Dim,
	}).Debug("Saved image")
	return nil
}

func encodeData(w io.Writer, data []float64, dt models.DataType) error {
	lo, hi := dt.Range()
	conv := func(v float64) float64 {
		if dt.IsInteger() {
			v = math.Round(v)
		}
		return math.Max(lo, math.Min(hi, v))
	}
	bits := int(bitsPerVoxel[int16(dt)])
	buf := make([]byte, len(data)*bits/8)
	le := binary.LittleEndian
	switch dt {
	case models.Uint8:
		for i, v := range data {
			buf[i] = uint8(conv(v))
		}
	case models.Int8:
		for i, v := range data {
			buf[i] = uint8(int8(conv(v)))
		}
	case models.Int16:
		for i, v := range data {
			le.PutUint16(buf[2*i:], uint16(int16(conv(v))))
		}
	case models.Uint16:
		for i, v := range data {
			le.PutUint16(buf[2*i:], uint16(conv(v)))
		}
	case models.Int32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], uint32(int32(conv(v))))
		}
	case models.Uint32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], uint32(conv(v)))
		}
	case models.Float32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case models.Float64:
		for i, v := range data {
			le.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	default:
		return fmt.Errorf("unsupported datatype %v: %w", dt, errdefs.ErrIO)
	}
	_, err := w.Write(buf)
	return err
}
