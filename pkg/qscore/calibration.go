package qscore

import "github.com/testfabric/cmo/pkg/fault"

// Bin maps a raw-score interval onto its calibrated value. Intervals
// are closed on both ends; at a shared boundary the earlier bin wins.
type Bin struct {
	Min        float64 `yaml:"min" json:"min"`
	Max        float64 `yaml:"max" json:"max"`
	Calibrated float64 `yaml:"calibrated" json:"calibrated"`
}

// Calibration is a sorted, non-overlapping bin table. Raw scores that
// land outside every bin pass through unchanged. The table is static:
// updates are an operator action, never a runtime one.
type Calibration []Bin

// Validate checks bounds, ordering, and overlap.
func (c Calibration) Validate() error {
	prevMax := -1.0
	for i, b := range c {
		if b.Min < 0 || b.Max > 1 || b.Min > b.Max {
			return fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
				"calibration bin %d has bad bounds [%.3f, %.3f]", i, b.Min, b.Max)
		}
		if b.Calibrated < 0 || b.Calibrated > 1 {
			return fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
				"calibration bin %d maps outside [0,1]: %.3f", i, b.Calibrated)
		}
		if b.Min < prevMax {
			return fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
				"calibration bin %d overlaps its predecessor", i)
		}
		prevMax = b.Max
	}
	return nil
}

// Apply maps raw through the table, falling back to raw itself when no
// bin contains it.
func (c Calibration) Apply(raw float64) float64 {
	for _, b := range c {
		if raw >= b.Min && raw <= b.Max {
			return b.Calibrated
		}
	}
	return raw
}

// DefaultCalibration is the shipped table: six bins smoothing the raw
// fusion onto operator-reviewed anchors.
func DefaultCalibration() Calibration {
	return Calibration{
		{Min: 0.00, Max: 0.20, Calibrated: 0.10},
		{Min: 0.20, Max: 0.40, Calibrated: 0.30},
		{Min: 0.40, Max: 0.60, Calibrated: 0.50},
		{Min: 0.60, Max: 0.75, Calibrated: 0.68},
		{Min: 0.75, Max: 0.90, Calibrated: 0.82},
		{Min: 0.90, Max: 1.00, Calibrated: 0.95},
	}
}
