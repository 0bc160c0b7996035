// Package metrics scores how well two images on the same grid agree. It
// is used to report registration quality after the moved image has been
// resampled onto the fixed grid.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volreg/internal/errdefs"
)

// Report holds the similarity between a fixed and a moved image.
type Report struct {
	// NCC is the Pearson correlation of intensities, in [-1, 1].
	NCC float64

	// RMSE is the root mean square intensity difference after both
	// images are scaled to [0, 1].
	RMSE float64

	// SSIM is the global structural similarity index, in [-1, 1].
	SSIM float64

	// MI is the mutual information of the joint intensity histogram in
	// bits. Higher values indicate better alignment.
	MI float64
}

// String formats the report on one line.
func (r Report) String() string {
	return fmt.Sprintf("NCC %.4f, RMSE %.4f, SSIM %.4f, MI %.4f bits", r.NCC, r.RMSE, r.SSIM, r.MI)
}

// Bins is the number of histogram bins per image used for MI.
const Bins = 64

// Compare scores fixed against moved. Both are copied and scaled to
// [0, 1] before scoring so the numbers are comparable across data types.
func Compare(fixed, moved []float64) (Report, error) {
	if len(fixed) != len(moved) || len(fixed) == 0 {
		return Report{}, fmt.Errorf("cannot compare images of %d and %d voxels: %w", len(fixed), len(moved), errdefs.ErrShape)
	}
	a := unitRange(fixed)
	b := unitRange(moved)
	return Report{
		NCC:  correlation(a, b),
		RMSE: rmse(a, b),
		SSIM: ssim(a, b),
		MI:   mutualInformation(a, b, Bins),
	}, nil
}

func unitRange(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	lo, hi := floats.Min(out), floats.Max(out)
	if hi <= lo {
		for i := range out {
			out[i] = 0
		}
		return out
	}
	floats.AddConst(-lo, out)
	floats.Scale(1/(hi-lo), out)
	return out
}

func correlation(a, b []float64) float64 {
	if stat.Variance(a, nil) == 0 || stat.Variance(b, nil) == 0 {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// rmse computes the root mean square error
func rmse(a, b []float64) float64 {
	return floats.Distance(a, b, 2) / math.Sqrt(float64(len(a)))
}

// ssim computes the Structural Similarity Index over the whole image
func ssim(a, b []float64) float64 {
	// Constants for SSIM calculation
	const L = 1.0 // Dynamic range
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// mutualInformation bins both [0, 1] images and returns
// H(A) + H(B) - H(A, B).
func mutualInformation(a, b []float64, bins int) float64 {
	joint := make([]float64, bins*bins)
	pa := make([]float64, bins)
	pb := make([]float64, bins)
	bin := func(v float64) int {
		i := int(v * float64(bins))
		if i >= bins {
			i = bins - 1
		}
		if i < 0 {
			i = 0
		}
		return i
	}
	for i := range a {
		x, y := bin(a[i]), bin(b[i])
		joint[x*bins+y]++
		pa[x]++
		pb[y]++
	}
	n := float64(len(a))
	floats.Scale(1/n, joint)
	floats.Scale(1/n, pa)
	floats.Scale(1/n, pb)
	// stat.Entropy works in nats.
	mi := stat.Entropy(pa) + stat.Entropy(pb) - stat.Entropy(joint)
	return mi / math.Ln2
}
