package transform

import (
	"math"

	"github.com/golang/geo/r3"
)

// edgeTol is how far past the border, in voxels, a coordinate may lie and
// still be sampled.
const edgeTol = 1e-6

func outside(x float64, n int) bool {
	return x < -edgeTol || x > float64(n-1)+edgeTol
}

// Trilinear interpolates an x-fastest grid with comps interleaved values
// per point at coordinate p and writes the comps results into out.
// Coordinates outside [0, n-1] on any axis read as zero. Roundoff within
// edgeTol of the border is still treated as inside.
func Trilinear(data []float64, shape [3]int, comps int, p r3.Vector, out []float64) {
	for c := 0; c < comps; c++ {
		out[c] = 0
	}
	nx, ny, nz := shape[0], shape[1], shape[2]
	if outside(p.X, nx) || outside(p.Y, ny) || outside(p.Z, nz) {
		return
	}

	x0f, y0f, z0f := math.Floor(p.X), math.Floor(p.Y), math.Floor(p.Z)
	x0, y0, z0 := int(x0f), int(y0f), int(z0f)
	fx, fy, fz := p.X-x0f, p.Y-y0f, p.Z-z0f

	wx := [2]float64{1 - fx, fx}
	wy := [2]float64{1 - fy, fy}
	wz := [2]float64{1 - fz, fz}

	for dz := 0; dz < 2; dz++ {
		z := z0 + dz
		if z < 0 || z >= nz || wz[dz] == 0 {
			continue
		}
		for dy := 0; dy < 2; dy++ {
			y := y0 + dy
			if y < 0 || y >= ny || wy[dy] == 0 {
				continue
			}
			for dx := 0; dx < 2; dx++ {
				x := x0 + dx
				if x < 0 || x >= nx || wx[dx] == 0 {
					continue
				}
				w := wx[dx] * wy[dy] * wz[dz]
				base := comps * (z*nx*ny + y*nx + x)
				for c := 0; c < comps; c++ {
					out[c] += w * data[base+c]
				}
			}
		}
	}
}
