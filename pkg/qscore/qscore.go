// Package qscore computes the calibrated quality score of a specialist
// result. Eight bounded signals are fused by a validated weight vector,
// the raw score passes through a calibration table, and the result
// carries an explanation naming the strongest contributors and any
// weak signals. Everything here is pure CPU: no clock, no I/O.
package qscore

import (
	"math"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// Signal names, stable across releases; they appear in explanations,
// decision reasons, and metric labels.
const (
	SignalConfidence  = "result_confidence"
	SignalPolicy      = "policy_ok"
	SignalSchema      = "schema_ok"
	SignalEvidence    = "evidence_coverage"
	SignalAlignment   = "affordance_alignment"
	SignalLatency     = "latency_norm"
	SignalRetry       = "retry_depth_penalty"
	SignalConsistency = "consistency_prev"
)

// WeightSumTolerance bounds how far the weight vector may drift from
// summing to exactly 1.
const WeightSumTolerance = 0.001

// Signals holds the eight computed signal values, each in [0, 1].
type Signals struct {
	ResultConfidence    float64 `json:"result_confidence"`
	PolicyOK            float64 `json:"policy_ok"`
	SchemaOK            float64 `json:"schema_ok"`
	EvidenceCoverage    float64 `json:"evidence_coverage"`
	AffordanceAlignment float64 `json:"affordance_alignment"`
	LatencyNorm         float64 `json:"latency_norm"`
	RetryDepthPenalty   float64 `json:"retry_depth_penalty"`
	ConsistencyPrev     float64 `json:"consistency_prev"`
}

// Value returns the signal by name.
func (s Signals) Value(name string) float64 {
	switch name {
	case SignalConfidence:
		return s.ResultConfidence
	case SignalPolicy:
		return s.PolicyOK
	case SignalSchema:
		return s.SchemaOK
	case SignalEvidence:
		return s.EvidenceCoverage
	case SignalAlignment:
		return s.AffordanceAlignment
	case SignalLatency:
		return s.LatencyNorm
	case SignalRetry:
		return s.RetryDepthPenalty
	case SignalConsistency:
		return s.ConsistencyPrev
	}
	return 0
}

// Weights is the fusion vector. The sum must be 1.0 within
// WeightSumTolerance or the calculator refuses to start.
type Weights struct {
	Confidence  float64 `yaml:"confidence" json:"confidence"`
	Policy      float64 `yaml:"policy" json:"policy"`
	Schema      float64 `yaml:"schema" json:"schema"`
	Evidence    float64 `yaml:"evidence" json:"evidence"`
	Alignment   float64 `yaml:"alignment" json:"alignment"`
	Latency     float64 `yaml:"latency" json:"latency"`
	Retry       float64 `yaml:"retry" json:"retry"`
	Consistency float64 `yaml:"consistency" json:"consistency"`
}

// DefaultWeights returns the shipped fusion vector.
func DefaultWeights() Weights {
	return Weights{
		Confidence:  0.25,
		Policy:      0.20,
		Schema:      0.15,
		Evidence:    0.15,
		Alignment:   0.10,
		Latency:     0.05,
		Retry:       0.05,
		Consistency: 0.05,
	}
}

// Sum adds all weights.
func (w Weights) Sum() float64 {
	return w.Confidence + w.Policy + w.Schema + w.Evidence +
		w.Alignment + w.Latency + w.Retry + w.Consistency
}

// Validate rejects weight vectors that do not sum to 1.0 within
// tolerance or carry a negative component.
func (w Weights) Validate() error {
	for name, v := range w.byName() {
		if v < 0 {
			return fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
				"weight %s is negative (%.4f)", name, v)
		}
	}
	if d := math.Abs(w.Sum() - 1.0); d > WeightSumTolerance {
		return fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
			"weights sum to %.4f, want 1.0 ± %.3f", w.Sum(), WeightSumTolerance)
	}
	return nil
}

func (w Weights) byName() map[string]float64 {
	return map[string]float64{
		SignalConfidence:  w.Confidence,
		SignalPolicy:      w.Policy,
		SignalSchema:      w.Schema,
		SignalEvidence:    w.Evidence,
		SignalAlignment:   w.Alignment,
		SignalLatency:     w.Latency,
		SignalRetry:       w.Retry,
		SignalConsistency: w.Consistency,
	}
}

// Inputs is everything the calculator reads. TaskText is the textual
// task description from the invoking side (task name, hints, inputs)
// used for keyword alignment; Previous is the prior attempt's payload
// in the same trace, nil on the first attempt.
type Inputs struct {
	Result   envelope.TaskResultPayload
	TaskText string
	Previous *envelope.TaskResultPayload
}

// Contribution is one signal's share of the raw score.
type Contribution struct {
	Signal   string  `json:"signal"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Result is the scored outcome.
type Result struct {
	Raw        float64 `json:"raw"`
	Calibrated float64 `json:"calibrated"`
	Signals    Signals `json:"signals"`
	// Contributions are sorted by weighted share, largest first.
	Contributions []Contribution `json:"contributions"`
	// Weaknesses lists every signal under the weakness threshold.
	Weaknesses  []string `json:"weaknesses,omitempty"`
	Explanation string   `json:"explanation"`
}

// Calculator fuses signals under a validated profile. Construct once,
// share freely: scoring is pure and safe for concurrent use.
type Calculator struct {
	weights     Weights
	calibration Calibration
}

// NewCalculator validates the profile and builds a calculator.
func NewCalculator(p Profile) (*Calculator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{weights: p.Weights, calibration: p.Calibration}, nil
}

// Weights returns the calculator's fusion vector.
func (c *Calculator) Weights() Weights { return c.weights }

// Score computes all signals, fuses, calibrates, and explains.
func (c *Calculator) Score(in Inputs) *Result {
	s := ComputeSignals(in)
	raw := clamp01(
		c.weights.Confidence*s.ResultConfidence +
			c.weights.Policy*s.PolicyOK +
			c.weights.Schema*s.SchemaOK +
			c.weights.Evidence*s.EvidenceCoverage +
			c.weights.Alignment*s.AffordanceAlignment +
			c.weights.Latency*s.LatencyNorm +
			c.weights.Retry*s.RetryDepthPenalty +
			c.weights.Consistency*s.ConsistencyPrev)

	res := &Result{
		Raw:        raw,
		Calibrated: c.calibration.Apply(raw),
		Signals:    s,
	}
	res.Contributions = contributions(c.weights, s)
	res.Weaknesses = weaknesses(s)
	res.Explanation = explain(res)
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
