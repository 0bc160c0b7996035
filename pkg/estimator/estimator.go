// Package estimator defines the registration estimator collaborator and
// ships two classical implementations.
//
// An estimator receives the moving (source) and fixed (target) images
// resampled into network space with intensities in [0, 1] and predicts,
// in that space, either a matrix mapping zero-centred target coordinates
// to source coordinates or a displacement field on the network grid (or
// its half-resolution version). The coordinate algebra around it lives in
// the projector package.
package estimator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/transform"
)

// Mode selects the kind of transform predicted. It is fixed when the
// estimator is constructed.
type Mode int

const (
	Deform Mode = iota
	Rigid
	Affine
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Deform:
		return "deform"
	case Rigid:
		return "rigid"
	case Affine:
		return "affine"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Linear reports whether the mode predicts a matrix.
func (m Mode) Linear() bool {
	return m == Rigid || m == Affine
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "deform", "nonlinear", "":
		return Deform, nil
	case "rigid":
		return Rigid, nil
	case "affine":
		return Affine, nil
	}
	return Deform, fmt.Errorf("unknown registration mode %q: %w", s, errdefs.ErrConfig)
}

// Estimator predicts a network-space transform.
type Estimator interface {
	Mode() Mode
	Predict(ctx context.Context, source, target *models.Volume) (transform.Transform, error)
}

// PredictFunc is the signature of Estimator.Predict.
type PredictFunc func(ctx context.Context, source, target *models.Volume) (transform.Transform, error)

type funcEstimator struct {
	mode Mode
	fn   PredictFunc
}

func (f funcEstimator) Mode() Mode { return f.mode }

func (f funcEstimator) Predict(ctx context.Context, source, target *models.Volume) (transform.Transform, error) {
	return f.fn(ctx, source, target)
}

// FromFunc wraps a function as an Estimator. Tests use it to return fixed
// predictions.
func FromFunc(mode Mode, fn PredictFunc) Estimator {
	return funcEstimator{mode: mode, fn: fn}
}

// Factory constructs a named estimator.
type Factory func(mode Mode, p Params, threads int) (Estimator, error)

var registry = map[string]Factory{
	"moments": newMoments,
	"demons":  newDemons,
}

// Register makes a factory available to Load under name. It is meant to
// be called from init functions of packages providing trained models.
func Register(name string, f Factory) {
	registry[strings.ToLower(name)] = f
}

// Names lists the registered estimators.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the estimator used for a mode when none is named.
func DefaultName(m Mode) string {
	if m.Linear() {
		return "moments"
	}
	return "demons"
}

// Load resolves the estimator for a mode. When p.Weights names a file,
// its parameters override p; a missing file is an I/O error naming the path.
func Load(mode Mode, p Params, threads int) (Estimator, error) {
	if p.Weights != "" {
		w, err := ReadWeights(p.Weights)
		if err != nil {
			return nil, err
		}
		p = p.Merge(w)
	}
	name := strings.ToLower(p.Name)
	if name == "" {
		name = DefaultName(mode)
	}
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown estimator %q (have %s): %w", name, strings.Join(Names(), ", "), errdefs.ErrConfig)
	}
	return f(mode, p, threads)
}

// checkInputs verifies both inputs share one non-empty grid.
func checkInputs(source, target *models.Volume) error {
	if source == nil || target == nil {
		return fmt.Errorf("estimator needs two inputs: %w", errdefs.ErrShape)
	}
	if source.Shape != target.Shape {
		return fmt.Errorf("source shape %v differs from target shape %v: %w", source.Shape, target.Shape, errdefs.ErrShape)
	}
	if len(source.Data) != source.NumVoxels() || len(target.Data) != target.NumVoxels() {
		return fmt.Errorf("estimator inputs do not match their shape %v: %w", source.Shape, errdefs.ErrShape)
	}
	return nil
}
