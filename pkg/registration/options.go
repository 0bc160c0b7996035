package registration

import (
	"fmt"

	"volreg/internal/errdefs"
	"volreg/pkg/config"
	"volreg/pkg/estimator"
)

// Params holds the inputs and outputs of one registration run.
type Params struct {
	// MovingPath and FixedPath are the images to align. The moving image
	// is brought onto the fixed image.
	MovingPath string
	FixedPath  string

	// InitPath optionally names a plain-text 4×4 world-space transform
	// from fixed to moving coordinates used as a starting point.
	InitPath string

	// MovedPath receives the moving image aligned to the fixed image.
	MovedPath string

	// TransformPath receives the transform from fixed to moving
	// coordinates: a text matrix for linear modes, a displacement
	// volume otherwise.
	TransformPath string

	// Rigid and Affine select a linear mode. Neither means deformable.
	Rigid  bool
	Affine bool

	// HeaderOnly writes the moved image by updating the moving image's
	// voxel-to-world affine instead of resampling its data.
	HeaderOnly bool

	// QCDir, when set, receives JPEG snapshots of the result.
	QCDir string

	// IntermediaryDir, when set, receives the network-space inputs
	// handed to the estimator.
	IntermediaryDir string

	// Config carries runtime, network and output settings.
	Config *config.Config
}

// Mode returns the registration mode the flags select.
func (p *Params) Mode() estimator.Mode {
	switch {
	case p.Rigid:
		return estimator.Rigid
	case p.Affine:
		return estimator.Affine
	}
	return estimator.Deform
}

// CheckModes reports conflicting mode flags. It needs no configuration
// and is meant to run before anything else.
func (p *Params) CheckModes() error {
	if p.Rigid && p.Affine {
		return fmt.Errorf("rigid and affine modes are mutually exclusive: %w", errdefs.ErrConfig)
	}
	if p.HeaderOnly && !p.Mode().Linear() {
		return fmt.Errorf("header-only output requires a rigid or affine transform: %w", errdefs.ErrConfig)
	}
	return nil
}

// Validate reports conflicting options. It reads no files and must be
// called before any work starts.
func (p *Params) Validate() error {
	if err := p.CheckModes(); err != nil {
		return err
	}
	if p.MovingPath == "" || p.FixedPath == "" {
		return fmt.Errorf("moving and fixed images are required: %w", errdefs.ErrConfig)
	}
	if p.Config == nil {
		return fmt.Errorf("missing configuration: %w", errdefs.ErrConfig)
	}
	return p.Config.Validate()
}
