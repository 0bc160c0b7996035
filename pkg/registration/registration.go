// Package registration runs a complete registration: it loads both
// images, brings them into network space, asks the estimator for a
// transform, projects the prediction back into native and world space and
// writes the requested outputs.
package registration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/canonical"
	"volreg/pkg/compose"
	"volreg/pkg/config"
	"volreg/pkg/estimator"
	"volreg/pkg/metrics"
	"volreg/pkg/nifti"
	"volreg/pkg/projector"
	"volreg/pkg/resample"
	"volreg/pkg/transform"
	"volreg/pkg/visualization"
)

// Options controls Register.
type Options struct {
	// Space is the network grid.
	Space canonical.Space

	// Threads bounds the goroutines used for resampling.
	Threads int

	// Init is an optional world-space transform from fixed to moving.
	Init *affine.Affine

	// IntermediaryDir, when set, receives the network-space inputs.
	IntermediaryDir string
}

// Register aligns moving to fixed in memory. The returned transforms map
// fixed coordinates to moving coordinates.
func Register(ctx context.Context, est estimator.Estimator, moving, fixed *models.Volume, opts Options) (projector.Result, error) {
	chains, err := compose.Build(moving.Geometry, fixed.Geometry, opts.Space, opts.Init)
	if err != nil {
		return projector.Result{}, err
	}

	log.WithFields(log.Fields{
		"shape": opts.Space.Shape,
	}).Info("Resampling inputs into network space")
	source, err := toNetwork(moving, chains.Moving, opts)
	if err != nil {
		return projector.Result{}, fmt.Errorf("moving image: %w", err)
	}
	target, err := toNetwork(fixed, chains.Fixed, opts)
	if err != nil {
		return projector.Result{}, fmt.Errorf("fixed image: %w", err)
	}
	if opts.IntermediaryDir != "" {
		if err := saveIntermediary(opts.IntermediaryDir, source, target); err != nil {
			log.WithError(err).Warn("Failed to save network-space inputs")
		}
	}

	log.WithField("mode", est.Mode()).Info("Predicting transform")
	start := time.Now()
	pred, err := est.Predict(ctx, source, target)
	if err != nil {
		return projector.Result{}, fmt.Errorf("estimator: %w", err)
	}
	if pred == nil {
		return projector.Result{}, fmt.Errorf("estimator returned no prediction: %w", errdefs.ErrGeometry)
	}
	if want := transform.KindLinear; est.Mode().Linear() != (pred.Kind() == want) {
		return projector.Result{}, fmt.Errorf("%v estimator predicted a %v transform: %w", est.Mode(), pred.Kind(), errdefs.ErrGeometry)
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("Prediction done")

	return projector.Project(pred, chains, opts.Threads)
}

// toNetwork resamples v onto the network grid with intensities in [0, 1].
func toNetwork(v *models.Volume, c compose.Chain, opts Options) (*models.Volume, error) {
	data, err := resample.Resample(v, transform.Linear{Matrix: c.NetworkToVoxel}, opts.Space.Shape,
		resample.Options{Normalize: true, Threads: opts.Threads})
	if err != nil {
		return nil, err
	}
	return &models.Volume{
		Geometry: opts.Space.Geometry(),
		Data:     data,
		DataType: models.Float32,
	}, nil
}

func saveIntermediary(dir string, source, target *models.Volume) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := nifti.Save(filepath.Join(dir, "network_moving.nii.gz"), source, models.Float32); err != nil {
		return err
	}
	return nifti.Save(filepath.Join(dir, "network_fixed.nii.gz"), target, models.Float32)
}

// Registrar handles one registration run driven by file paths.
type Registrar struct {
	// params stores the run configuration
	params *Params

	// estimator predicts the network-space transform
	estimator estimator.Estimator

	// moving and fixed are the loaded input images
	moving *models.Volume
	fixed  *models.Volume

	// result holds the projected transforms after Process
	result projector.Result

	// metrics stores the similarity of fixed and moved images, when a
	// moved image was resampled
	metrics *metrics.Report
}

// NewRegistrar creates a registrar. The estimator's mode must match the
// mode selected in params.
func NewRegistrar(params *Params, est estimator.Estimator) *Registrar {
	return &Registrar{
		params:    params,
		estimator: est,
	}
}

// Process runs the complete registration pipeline
func (r *Registrar) Process(ctx context.Context) error {
	p := r.params
	if err := p.Validate(); err != nil {
		return err
	}
	if r.estimator == nil || r.estimator.Mode() != p.Mode() {
		return fmt.Errorf("estimator does not match %v mode: %w", p.Mode(), errdefs.ErrConfig)
	}
	cfg := p.Config

	// Step 1: Load input images
	log.Info("Step 1: Loading images")
	var err error
	if r.moving, err = nifti.Load(p.MovingPath); err != nil {
		return fmt.Errorf("failed to load moving image: %w", err)
	}
	if r.fixed, err = nifti.Load(p.FixedPath); err != nil {
		return fmt.Errorf("failed to load fixed image: %w", err)
	}

	// Step 2: Read the initializer
	var init *affine.Affine
	if p.InitPath != "" {
		log.WithField("path", p.InitPath).Info("Step 2: Reading initial transform")
		a, err := affine.ReadFile(p.InitPath)
		if err != nil {
			return fmt.Errorf("failed to read initializer: %w", err)
		}
		init = &a
	}

	// Step 3: Estimate and project
	log.Info("Step 3: Registering")
	r.result, err = Register(ctx, r.estimator, r.moving, r.fixed, Options{
		Space:           canonical.Space{Shape: cfg.Network.Shape},
		Threads:         cfg.Runtime.Threads,
		Init:            init,
		IntermediaryDir: p.IntermediaryDir,
	})
	if err != nil {
		return err
	}

	// Step 4: Write the transform
	if p.TransformPath != "" {
		log.WithField("path", p.TransformPath).Info("Step 4: Saving transform")
		if err := r.saveTransform(); err != nil {
			return err
		}
	}

	// Step 5: Write the moved image
	if p.HeaderOnly && p.QCDir != "" {
		log.WithField("dir", p.QCDir).Warn("QC snapshots need resampled output; skipping them for header-only output")
		if p.MovedPath == "" {
			return nil
		}
	}
	if p.MovedPath == "" && p.QCDir == "" {
		return nil
	}
	log.Info("Step 5: Applying transform")
	moved, err := r.Moved()
	if err != nil {
		return err
	}
	if p.MovedPath != "" {
		if err := nifti.Save(p.MovedPath, moved, r.moving.DataType); err != nil {
			return fmt.Errorf("failed to save moved image: %w", err)
		}
		log.WithField("path", p.MovedPath).Info("Saved moved image")
	}
	if p.HeaderOnly {
		return nil
	}

	report, err := metrics.Compare(r.fixed.Data, moved.Data)
	if err != nil {
		return err
	}
	r.metrics = &report
	log.WithFields(log.Fields{
		"ncc":  report.NCC,
		"rmse": report.RMSE,
		"ssim": report.SSIM,
		"mi":   report.MI,
	}).Info("Similarity of fixed and moved images")

	if p.QCDir != "" {
		if err := visualization.SaveSnapshots(p.QCDir, r.fixed, moved); err != nil {
			log.WithError(err).Warn("Failed to save QC snapshots")
		}
	}
	return nil
}

func (r *Registrar) saveTransform() error {
	p := r.params
	voxel := p.Config.Output.TransformSpace == config.SpaceVoxel
	if r.result.Kind == transform.KindLinear {
		m := r.result.World
		if voxel {
			m = r.result.Native
		}
		return affine.WriteFile(p.TransformPath, m, p.Config.Output.Precision)
	}
	f := r.result.WorldField
	if voxel {
		f = r.result.NativeField
	}
	return nifti.SaveField(p.TransformPath, f, r.fixed.Geometry)
}

// Moved returns the moving image aligned to the fixed image: resampled
// onto the fixed grid, or with only its affine replaced in header-only
// mode.
func (r *Registrar) Moved() (*models.Volume, error) {
	if r.moving == nil || r.fixed == nil {
		return nil, fmt.Errorf("no registration has run: %w", errdefs.ErrConfig)
	}
	if r.params.HeaderOnly {
		a, err := r.result.HeaderAffine(r.moving.Affine)
		if err != nil {
			return nil, err
		}
		return r.moving.WithAffine(a), nil
	}
	data, err := resample.Resample(r.moving, r.result.Resampling(), r.fixed.Shape,
		resample.Options{Threads: r.params.Config.Runtime.Threads})
	if err != nil {
		return nil, err
	}
	return &models.Volume{
		Geometry: r.fixed.Geometry,
		Data:     data,
		DataType: r.moving.DataType,
	}, nil
}

// Result returns the projected transforms of the last Process call.
func (r *Registrar) Result() projector.Result {
	return r.result
}

// GetMetrics returns the similarity report, or nil when no moved image
// was resampled.
func (r *Registrar) GetMetrics() *metrics.Report {
	return r.metrics
}
