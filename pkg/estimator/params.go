package estimator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"volreg/internal/errdefs"
)

// Params configures the built-in estimators. A weights file uses the same
// YAML layout.
type Params struct {
	// Name selects a registered estimator; empty picks the mode default.
	Name string `yaml:"name"`

	// Weights is the path of a weights file overriding these values.
	Weights string `yaml:"weights,omitempty"`

	Demons DemonsParams `yaml:"demons"`
}

// DemonsParams tunes the demons estimator.
type DemonsParams struct {
	// Iterations is the number of demons updates.
	Iterations int `yaml:"iterations"`

	// Sigma is the standard deviation, in half-resolution voxels, of the
	// Gaussian regularising the field after each update.
	Sigma float64 `yaml:"sigma"`

	// MaxStep caps the length of a single update in voxels.
	MaxStep float64 `yaml:"maxStep"`
}

// DefaultParams returns the built-in defaults.
func DefaultParams() Params {
	return Params{
		Demons: DemonsParams{
			Iterations: 40,
			Sigma:      1.5,
			MaxStep:    1.0,
		},
	}
}

// Merge returns p with every non-zero field of o applied on top.
func (p Params) Merge(o Params) Params {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Demons.Iterations != 0 {
		p.Demons.Iterations = o.Demons.Iterations
	}
	if o.Demons.Sigma != 0 {
		p.Demons.Sigma = o.Demons.Sigma
	}
	if o.Demons.MaxStep != 0 {
		p.Demons.MaxStep = o.Demons.MaxStep
	}
	return p
}

// ReadWeights loads a weights file.
func ReadWeights(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("reading weights %s: %v: %w", path, err, errdefs.ErrIO)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parsing weights %s: %v: %w", path, err, errdefs.ErrIO)
	}
	return p, nil
}
