package registration

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"volreg/internal/errdefs"
	"volreg/internal/models"
	"volreg/pkg/affine"
	"volreg/pkg/canonical"
	"volreg/pkg/config"
	"volreg/pkg/estimator"
	"volreg/pkg/nifti"
	"volreg/pkg/transform"
)

var testSpace = canonical.Space{Shape: [3]int{16, 16, 16}}

// createTestVolume creates a smooth blob on a 1 mm RAS grid
func createTestVolume(shape [3]int, offset r3.Vector) *models.Volume {
	v := models.NewVolume(models.Geometry{Shape: shape, Affine: affine.Translation(offset)}, models.Float32)
	centre := r3.Vector{X: float64(shape[0]) / 2, Y: float64(shape[1]) / 2, Z: float64(shape[2]) / 2}
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				d := r3.Vector{X: float64(i), Y: float64(j), Z: float64(k)}.Sub(centre)
				v.Data[v.Index(i, j, k)] = 100 * math.Exp(-d.Norm2()/32)
			}
		}
	}
	return v
}

// identityEstimator predicts no motion and records what it was given
func identityEstimator(mode estimator.Mode, seen *[]*models.Volume) estimator.Estimator {
	return estimator.FromFunc(mode, func(_ context.Context, source, target *models.Volume) (transform.Transform, error) {
		if seen != nil {
			*seen = append(*seen, source, target)
		}
		if mode.Linear() {
			return transform.Linear{Matrix: affine.Identity()}, nil
		}
		return transform.NewField(source.Shape), nil
	})
}

func approxEqual(t *testing.T, name string, want, got affine.Affine) {
	t.Helper()
	if !want.ApproxEqual(got, 1e-6) {
		t.Errorf("Unexpected %s transform:\nwant\n%v\ngot\n%v", name, want, got)
	}
}

// TestRegisterIdentity verifies that an image registered to itself does not move
func TestRegisterIdentity(t *testing.T) {
	v := createTestVolume([3]int{20, 18, 14}, r3.Vector{X: -10, Y: -9, Z: -7})
	var seen []*models.Volume

	res, err := Register(context.Background(), identityEstimator(estimator.Rigid, &seen), v, v, Options{Space: testSpace, Threads: 2})
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	approxEqual(t, "native", affine.Identity(), res.Native)
	approxEqual(t, "world", affine.Identity(), res.World)

	// The estimator sees normalized network-space volumes
	if len(seen) != 2 {
		t.Fatalf("Expected estimator to receive 2 volumes, got %d", len(seen))
	}
	for _, in := range seen {
		if in.Shape != testSpace.Shape {
			t.Errorf("Expected network shape %v, got %v", testSpace.Shape, in.Shape)
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, x := range in.Data {
			lo, hi = math.Min(lo, x), math.Max(hi, x)
		}
		if lo != 0 || math.Abs(hi-1) > 1e-12 {
			t.Errorf("Expected intensities in [0, 1], got [%v, %v]", lo, hi)
		}
	}
}

// TestRegisterTranslatedHeader verifies that header-only motion shows in world space only
func TestRegisterTranslatedHeader(t *testing.T) {
	fixed := createTestVolume([3]int{20, 18, 14}, r3.Vector{})
	moving := fixed.WithAffine(affine.Compose(affine.Translation(r3.Vector{X: 5}), fixed.Affine))

	res, err := Register(context.Background(), identityEstimator(estimator.Affine, nil), moving, fixed, Options{Space: testSpace})
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	approxEqual(t, "native", affine.Identity(), res.Native)
	approxEqual(t, "world", affine.Translation(r3.Vector{X: 5}), res.World)
}

// TestRegisterInitializer verifies that an initializer is carried into the result
func TestRegisterInitializer(t *testing.T) {
	fixed := createTestVolume([3]int{20, 18, 14}, r3.Vector{})
	moving := fixed.WithAffine(affine.Compose(affine.Translation(r3.Vector{X: 5}), fixed.Affine))
	init := affine.Translation(r3.Vector{X: 5})

	res, err := Register(context.Background(), identityEstimator(estimator.Rigid, nil), moving, fixed, Options{Space: testSpace, Init: &init})
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	approxEqual(t, "world", init, res.World)
}

// TestRegisterKindMismatch verifies that a linear estimator must predict a matrix
func TestRegisterKindMismatch(t *testing.T) {
	v := createTestVolume([3]int{8, 8, 8}, r3.Vector{})
	est := estimator.FromFunc(estimator.Rigid, func(_ context.Context, source, _ *models.Volume) (transform.Transform, error) {
		return transform.NewField(source.Shape), nil
	})
	_, err := Register(context.Background(), est, v, v, Options{Space: testSpace})
	if !errors.Is(err, errdefs.ErrGeometry) {
		t.Errorf("Expected geometry error, got %v", err)
	}

	est = estimator.FromFunc(estimator.Deform, func(context.Context, *models.Volume, *models.Volume) (transform.Transform, error) {
		return nil, nil
	})
	_, err = Register(context.Background(), est, v, v, Options{Space: testSpace})
	if !errors.Is(err, errdefs.ErrGeometry) {
		t.Errorf("Expected geometry error for missing prediction, got %v", err)
	}
}

// TestRegisterEstimatorError verifies that estimator failures are reported
func TestRegisterEstimatorError(t *testing.T) {
	v := createTestVolume([3]int{8, 8, 8}, r3.Vector{})
	boom := errors.New("boom")
	est := estimator.FromFunc(estimator.Deform, func(context.Context, *models.Volume, *models.Volume) (transform.Transform, error) {
		return nil, boom
	})
	if _, err := Register(context.Background(), est, v, v, Options{Space: testSpace}); !errors.Is(err, boom) {
		t.Errorf("Expected estimator error, got %v", err)
	}
}

// testConfig returns a configuration with a small network grid
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Network.Shape = testSpace.Shape
	cfg.Runtime.Threads = 2
	return cfg
}

// writeInputs saves a fixed image and a copy moved 5 mm along x in its header
func writeInputs(t *testing.T, dir string) (movingPath, fixedPath string) {
	t.Helper()
	fixed := createTestVolume([3]int{20, 18, 14}, r3.Vector{X: -10, Y: -9, Z: -7})
	moving := fixed.WithAffine(affine.Compose(affine.Translation(r3.Vector{X: 5}), fixed.Affine))
	movingPath = filepath.Join(dir, "moving.nii.gz")
	fixedPath = filepath.Join(dir, "fixed.nii")
	if err := nifti.Save(movingPath, moving, 0); err != nil {
		t.Fatalf("Failed to save moving image: %v", err)
	}
	if err := nifti.Save(fixedPath, fixed, 0); err != nil {
		t.Fatalf("Failed to save fixed image: %v", err)
	}
	return movingPath, fixedPath
}

// TestProcessRigid runs the file-based pipeline with a linear estimator
func TestProcessRigid(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)

	params := &Params{
		MovingPath:      movingPath,
		FixedPath:       fixedPath,
		MovedPath:       filepath.Join(dir, "moved.nii.gz"),
		TransformPath:   filepath.Join(dir, "transform.txt"),
		QCDir:           filepath.Join(dir, "qc"),
		IntermediaryDir: filepath.Join(dir, "network"),
		Rigid:           true,
		Config:          testConfig(),
	}
	r := NewRegistrar(params, identityEstimator(estimator.Rigid, nil))
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	written, err := affine.ReadFile(params.TransformPath)
	if err != nil {
		t.Fatalf("Failed to read transform: %v", err)
	}
	approxEqual(t, "written", affine.Translation(r3.Vector{X: 5}), written)

	moved, err := nifti.Load(params.MovedPath)
	if err != nil {
		t.Fatalf("Failed to load moved image: %v", err)
	}
	fixed, err := nifti.Load(fixedPath)
	if err != nil {
		t.Fatalf("Failed to load fixed image: %v", err)
	}
	if moved.Shape != fixed.Shape || !moved.Affine.ApproxEqual(fixed.Affine, 1e-5) {
		t.Errorf("Moved image is not on the fixed grid: %v\n%v", moved.Shape, moved.Affine)
	}
	for i := range fixed.Data {
		if math.Abs(moved.Data[i]-fixed.Data[i]) > 1e-4 {
			t.Fatalf("Moved voxel %d is %v, expected %v", i, moved.Data[i], fixed.Data[i])
		}
	}

	m := r.GetMetrics()
	if m == nil {
		t.Fatal("Expected similarity metrics")
	}
	if m.NCC < 0.999 {
		t.Errorf("Expected NCC close to 1, got %v", m.NCC)
	}

	for _, name := range []string{
		filepath.Join("qc", "checker_z.jpg"),
		filepath.Join("network", "network_moving.nii.gz"),
		filepath.Join("network", "network_fixed.nii.gz"),
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected output %s: %v", name, err)
		}
	}
}

// TestProcessVoxelTransform verifies that voxel-space transforms can be written
func TestProcessVoxelTransform(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)

	cfg := testConfig()
	cfg.Output.TransformSpace = config.SpaceVoxel
	params := &Params{
		MovingPath:    movingPath,
		FixedPath:     fixedPath,
		TransformPath: filepath.Join(dir, "transform.txt"),
		Affine:        true,
		Config:        cfg,
	}
	if err := NewRegistrar(params, identityEstimator(estimator.Affine, nil)).Process(context.Background()); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	written, err := affine.ReadFile(params.TransformPath)
	if err != nil {
		t.Fatalf("Failed to read transform: %v", err)
	}
	approxEqual(t, "voxel", affine.Identity(), written)
}

// TestProcessHeaderOnlySkipsQC verifies that QC snapshots are skipped with a
// warning when no resampled image exists
func TestProcessHeaderOnlySkipsQC(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)
	hook := test.NewGlobal()
	defer hook.Reset()

	params := &Params{
		MovingPath: movingPath,
		FixedPath:  fixedPath,
		QCDir:      filepath.Join(dir, "qc"),
		Rigid:      true,
		HeaderOnly: true,
		Config:     testConfig(),
	}
	r := NewRegistrar(params, identityEstimator(estimator.Rigid, nil))
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	if _, err := os.Stat(params.QCDir); !os.IsNotExist(err) {
		t.Errorf("Expected no QC directory, got %v", err)
	}
	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["dir"] == params.QCDir {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected a warning about skipped QC snapshots")
	}
}

// TestProcessHeaderOnly verifies that header-only output keeps the voxel data
func TestProcessHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)

	params := &Params{
		MovingPath: movingPath,
		FixedPath:  fixedPath,
		MovedPath:  filepath.Join(dir, "moved.nii"),
		Rigid:      true,
		HeaderOnly: true,
		Config:     testConfig(),
	}
	r := NewRegistrar(params, identityEstimator(estimator.Rigid, nil))
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	moving, err := nifti.Load(movingPath)
	if err != nil {
		t.Fatalf("Failed to load moving image: %v", err)
	}
	fixed, err := nifti.Load(fixedPath)
	if err != nil {
		t.Fatalf("Failed to load fixed image: %v", err)
	}
	moved, err := nifti.Load(params.MovedPath)
	if err != nil {
		t.Fatalf("Failed to load moved image: %v", err)
	}
	if !moved.Affine.ApproxEqual(fixed.Affine, 1e-4) {
		t.Errorf("Expected the fixed affine, got\n%v", moved.Affine)
	}
	for i := range moving.Data {
		if moved.Data[i] != moving.Data[i] {
			t.Fatalf("Header-only output changed voxel %d", i)
		}
	}
	if r.GetMetrics() != nil {
		t.Error("Expected no metrics for header-only output")
	}
}

// TestProcessDeform verifies that a displacement field is written as a vector image
func TestProcessDeform(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)

	params := &Params{
		MovingPath:    movingPath,
		FixedPath:     fixedPath,
		MovedPath:     filepath.Join(dir, "moved.nii.gz"),
		TransformPath: filepath.Join(dir, "field.nii.gz"),
		Config:        testConfig(),
	}
	r := NewRegistrar(params, identityEstimator(estimator.Deform, nil))
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	res := r.Result()
	if res.Kind != transform.KindField {
		t.Fatalf("Expected a field result, got %v", res.Kind)
	}
	// Zero network motion is the 5 mm header offset in world space
	for _, v := range []r3.Vector{res.WorldField.At(0, 0, 0), res.WorldField.At(19, 17, 13)} {
		if v.Sub(r3.Vector{X: 5}).Norm() > 1e-6 {
			t.Errorf("Expected a 5 mm world displacement, got %v", v)
		}
	}
	if res.NativeField.MaxNorm() > 1e-6 {
		t.Errorf("Expected no native displacement, got %v", res.NativeField.MaxNorm())
	}

	if _, err := os.Stat(params.TransformPath); err != nil {
		t.Errorf("Expected field output: %v", err)
	}
	if _, err := nifti.Load(params.TransformPath); !errors.Is(err, errdefs.ErrShape) {
		t.Errorf("Expected the field to be a vector image, got %v", err)
	}
}

// TestProcessErrors verifies the failure modes of a run
func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	movingPath, fixedPath := writeInputs(t, dir)

	tests := []struct {
		name   string
		params Params
		est    estimator.Estimator
		want   error
	}{
		{
			name:   "rigid and affine",
			params: Params{MovingPath: movingPath, FixedPath: fixedPath, Rigid: true, Affine: true, Config: testConfig()},
			est:    identityEstimator(estimator.Rigid, nil),
			want:   errdefs.ErrConfig,
		},
		{
			name:   "header-only deformable",
			params: Params{MovingPath: movingPath, FixedPath: fixedPath, HeaderOnly: true, Config: testConfig()},
			est:    identityEstimator(estimator.Deform, nil),
			want:   errdefs.ErrConfig,
		},
		{
			name:   "estimator mode mismatch",
			params: Params{MovingPath: movingPath, FixedPath: fixedPath, Affine: true, Config: testConfig()},
			est:    identityEstimator(estimator.Rigid, nil),
			want:   errdefs.ErrConfig,
		},
		{
			name:   "missing config",
			params: Params{MovingPath: movingPath, FixedPath: fixedPath},
			est:    identityEstimator(estimator.Deform, nil),
			want:   errdefs.ErrConfig,
		},
		{
			name:   "missing moving image",
			params: Params{MovingPath: filepath.Join(dir, "absent.nii"), FixedPath: fixedPath, Config: testConfig()},
			est:    identityEstimator(estimator.Deform, nil),
			want:   errdefs.ErrIO,
		},
		{
			name:   "missing initializer",
			params: Params{MovingPath: movingPath, FixedPath: fixedPath, InitPath: filepath.Join(dir, "absent.txt"), Rigid: true, Config: testConfig()},
			est:    identityEstimator(estimator.Rigid, nil),
			want:   errdefs.ErrIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := tt.params
			err := NewRegistrar(&params, tt.est).Process(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestMovedBeforeProcess verifies that Moved needs a completed run
func TestMovedBeforeProcess(t *testing.T) {
	r := NewRegistrar(&Params{Config: testConfig()}, identityEstimator(estimator.Rigid, nil))
	if _, err := r.Moved(); !errors.Is(err, errdefs.ErrConfig) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
