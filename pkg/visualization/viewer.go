// Package visualization writes quality-control snapshots of registered
// volumes: orthogonal mid-slices of the fixed and moved images and a
// checkerboard composite of the two.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"volreg/internal/models"
)

// Viewer extracts 2-D slices from a volume.
type Viewer struct {
	// volume holds the voxel data and its geometry
	volume *models.Volume

	// lo and hi are the intensity window mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer windowed to the volume's intensity range.
func NewViewer(v *models.Volume) *Viewer {
	lo, hi := 0.0, 1.0
	if len(v.Data) > 0 {
		lo, hi = floats.Min(v.Data), floats.Max(v.Data)
	}
	return &Viewer{volume: v, lo: lo, hi: hi}
}

func (v *Viewer) gray(x float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (x - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified
// index axis. The image is not yet corrected for voxel aspect.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume
	w, h, d := vol.Shape[0], vol.Shape[1], vol.Shape[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, h, d))
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				img.SetGray16(y, d-1-z, v.gray(vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, d-1-z, v.gray(vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, h-1-y, v.gray(vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// MidSlice extracts the central slice along axis, stretched so that one
// pixel covers the same physical distance in both directions.
func (v *Viewer) MidSlice(axis string) (image.Image, error) {
	cols, rows, err := sliceAxes(axis)
	if err != nil {
		return nil, err
	}
	n := v.volume.Shape[map[string]int{"x": 0, "y": 1, "z": 2}[axis]]
	img, err := v.ExtractSlice(axis, n/2)
	if err != nil {
		return nil, err
	}
	sp := v.volume.Affine.Spacing()
	spacing := [3]float64{sp.X, sp.Y, sp.Z}
	return Aspect(img, spacing[cols], spacing[rows]), nil
}

// sliceAxes returns the volume axes along the columns and rows of a slice.
func sliceAxes(axis string) (cols, rows int, err error) {
	switch axis {
	case "x":
		return 1, 2, nil
	case "y":
		return 0, 2, nil
	case "z":
		return 0, 1, nil
	}
	return 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// Aspect rescales img so that pixels are square given the physical size
// of a column step and a row step. The finer direction keeps its
// resolution.
func Aspect(img image.Image, colSize, rowSize float64) image.Image {
	if colSize <= 0 || rowSize <= 0 || colSize == rowSize {
		return img
	}
	b := img.Bounds()
	unit := math.Min(colSize, rowSize)
	w := int(math.Round(float64(b.Dx()) * colSize / unit))
	h := int(math.Round(float64(b.Dy()) * rowSize / unit))
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Checkerboard alternates square tiles of a and b. Both must have the
// same bounds.
func Checkerboard(a, b image.Image, tile int) (image.Image, error) {
	if a.Bounds() != b.Bounds() {
		return nil, fmt.Errorf("checkerboard needs equal bounds, got %v and %v", a.Bounds(), b.Bounds())
	}
	if tile < 1 {
		tile = 1
	}
	r := a.Bounds()
	out := image.NewGray16(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			src := a
			if ((x-r.Min.X)/tile+(y-r.Min.Y)/tile)%2 == 1 {
				src = b
			}
			out.Set(x, y, src.At(x, y))
		}
	}
	return out, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSnapshots writes, for each axis, the mid-slice of fixed and moved
// and their checkerboard composite into outputDir. Both volumes must lie
// on the same grid.
func SaveSnapshots(outputDir string, fixed, moved *models.Volume) error {
	if fixed.Shape != moved.Shape {
		return fmt.Errorf("snapshots need volumes on one grid, got %v and %v", fixed.Shape, moved.Shape)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	fv, mv := NewViewer(fixed), NewViewer(moved)
	for _, axis := range []string{"x", "y", "z"} {
		f, err := fv.MidSlice(axis)
		if err != nil {
			return err
		}
		m, err := mv.MidSlice(axis)
		if err != nil {
			return err
		}
		tile := max(f.Bounds().Dx(), f.Bounds().Dy())/8 + 1
		c, err := Checkerboard(f, m, tile)
		if err != nil {
			return err
		}
		for name, img := range map[string]image.Image{"fixed": f, "moved": m, "checker": c} {
			filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", name, axis))
			if err := SaveSlice(img, filename); err != nil {
				return err
			}
		}
	}
	return nil
}
