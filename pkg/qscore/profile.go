package qscore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile bundles the weight vector and the calibration table. Every
// deployment scores with exactly one profile; swapping profiles is an
// operator-driven restart, never a runtime mutation.
type Profile struct {
	Name        string      `yaml:"name" json:"name"`
	Weights     Weights     `yaml:"weights" json:"weights"`
	Calibration Calibration `yaml:"calibration" json:"calibration"`
}

// DefaultProfile is the shipped scoring profile.
func DefaultProfile() Profile {
	return Profile{
		Name:        "default",
		Weights:     DefaultWeights(),
		Calibration: DefaultCalibration(),
	}
}

// Validate checks the weights and calibration table together.
func (p Profile) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	return p.Calibration.Validate()
}

// LoadProfile reads a YAML profile from disk and validates it. An
// empty path returns the default profile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Profile{}, fmt.Errorf("qscore: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("qscore: parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = path
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("qscore: profile %s: %w", path, err)
	}
	return p, nil
}
