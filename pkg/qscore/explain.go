package qscore

import (
	"fmt"
	"sort"
	"strings"
)

// WeaknessThreshold marks a signal as weak when it falls below.
const WeaknessThreshold = 0.5

// contributions ranks signals by weighted share, largest first; ties
// break by signal name so the ordering is stable.
func contributions(w Weights, s Signals) []Contribution {
	byName := w.byName()
	out := make([]Contribution, 0, len(byName))
	for name, weight := range byName {
		value := s.Value(name)
		out = append(out, Contribution{
			Signal:   name,
			Value:    value,
			Weight:   weight,
			Weighted: weight * value,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weighted != out[j].Weighted {
			return out[i].Weighted > out[j].Weighted
		}
		return out[i].Signal < out[j].Signal
	})
	return out
}

// weaknesses lists signals under the threshold in a stable order.
func weaknesses(s Signals) []string {
	var out []string
	for _, name := range []string{
		SignalConfidence, SignalPolicy, SignalSchema, SignalEvidence,
		SignalAlignment, SignalLatency, SignalRetry, SignalConsistency,
	} {
		if s.Value(name) < WeaknessThreshold {
			out = append(out, name)
		}
	}
	return out
}

// explain renders the human-readable summary: calibrated score, the
// top three weighted contributors, and the weak signals.
func explain(r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "qscore %.2f (raw %.2f); top contributors: ", r.Calibrated, r.Raw)
	top := r.Contributions
	if len(top) > 3 {
		top = top[:3]
	}
	for i, c := range top {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %.2f×%.2f", c.Signal, c.Value, c.Weight)
	}
	if len(r.Weaknesses) > 0 {
		fmt.Fprintf(&b, "; weaknesses: %s", strings.Join(r.Weaknesses, ", "))
	}
	return b.String()
}
