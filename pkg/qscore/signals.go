package qscore

import "github.com/testfabric/cmo/pkg/envelope"

// Neutral is the value a signal takes when it has nothing to judge:
// alignment with an empty task, consistency without a prior attempt.
const Neutral = 0.5

// Latency normalization bounds in milliseconds. At or under the floor
// the signal is 1; at or over the ceiling it is 0; linear in between.
const (
	latencyFloorMS   = 500
	latencyCeilingMS = 5000
)

// retryPenalties maps retry depth to its penalty signal. Depths past
// the end of the table stay at the final value.
var retryPenalties = [...]float64{1.0, 0.7, 0.4, 0.1}

// ComputeSignals evaluates all eight signals for the given inputs.
// Every returned value is in [0, 1].
func ComputeSignals(in Inputs) Signals {
	return Signals{
		ResultConfidence:    resultConfidence(in.Result),
		PolicyOK:            boolSignal(!in.Result.Slicing.PolicyDegraded),
		SchemaOK:            boolSignal(in.Result.Metadata.SchemaValid),
		EvidenceCoverage:    evidenceCoverage(len(in.Result.Summary), len(in.Result.Affordances)),
		AffordanceAlignment: affordanceAlignment(in.TaskText, in.Result.Affordances),
		LatencyNorm:         latencyNorm(in.Result.LatencyMS),
		RetryDepthPenalty:   retryDepthPenalty(in.Result.RetryDepth),
		ConsistencyPrev:     consistencyPrev(in.Result, in.Previous),
	}
}

func boolSignal(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// resultConfidence blends summary volume, affordance volume, and the
// diversity of summary openings.
func resultConfidence(r envelope.TaskResultPayload) float64 {
	items := ratioCapped(len(r.Summary), 10)
	affordances := ratioCapped(len(r.Affordances), 5)
	diversity := ratioCapped(uniqueFirstTokens(r.Summary), 5)
	return clamp01(0.5*items + 0.3*affordances + 0.2*diversity)
}

func ratioCapped(n, cap int) float64 {
	if n <= 0 {
		return 0
	}
	v := float64(n) / float64(cap)
	if v > 1 {
		return 1
	}
	return v
}

// uniqueFirstTokens counts distinct opening tokens across summaries.
// Repetitive summaries ("element found...", "element found...") score
// low diversity.
func uniqueFirstTokens(summaries []string) int {
	seen := make(map[string]struct{}, len(summaries))
	for _, s := range summaries {
		toks := tokenize(s)
		if len(toks) == 0 {
			continue
		}
		seen[toks[0]] = struct{}{}
	}
	return len(seen)
}

// evidenceCoverage scores the summaries-per-affordance ratio r on a
// piecewise curve: linear up to r=1, half credit growing to full
// across [1,2), full credit on [2,3], then a gentle penalty for
// over-summarizing that floors at 0.5.
func evidenceCoverage(summaries, affordances int) float64 {
	denom := affordances
	if denom < 1 {
		denom = 1
	}
	r := float64(summaries) / float64(denom)
	switch {
	case r < 1:
		return clamp01(r)
	case r < 2:
		return clamp01(0.5 + 0.5*(r-1))
	case r <= 3:
		return 1
	default:
		v := 1 - 0.1*(r-3)
		if v < 0.5 {
			return 0.5
		}
		return v
	}
}

// affordanceAlignment measures keyword overlap between the task text
// and the concatenated affordance text. No task keywords → Neutral.
func affordanceAlignment(taskText string, affordances []envelope.Affordance) float64 {
	task := keywordSet(taskText)
	if len(task) == 0 {
		return Neutral
	}
	var joined []string
	for _, a := range affordances {
		joined = append(joined, a.Action, a.Target, a.Text)
	}
	return overlapRatio(task, keywordSets(joined...))
}

// latencyNorm is 1 at or under the floor, 0 at or over the ceiling,
// linear between.
func latencyNorm(ms int64) float64 {
	switch {
	case ms <= latencyFloorMS:
		return 1
	case ms >= latencyCeilingMS:
		return 0
	}
	return 1 - float64(ms-latencyFloorMS)/float64(latencyCeilingMS-latencyFloorMS)
}

func retryDepthPenalty(depth int) float64 {
	if depth < 0 {
		depth = 0
	}
	if depth >= len(retryPenalties) {
		return retryPenalties[len(retryPenalties)-1]
	}
	return retryPenalties[depth]
}

// consistencyPrev compares this attempt with the previous one: the
// mean of summary-keyword similarity and affordance-action similarity.
// Neutral when there is no previous attempt.
func consistencyPrev(cur envelope.TaskResultPayload, prev *envelope.TaskResultPayload) float64 {
	if prev == nil {
		return Neutral
	}
	summaries := jaccard(keywordSets(cur.Summary...), keywordSets(prev.Summary...))
	actions := jaccard(actionSet(cur.Affordances), actionSet(prev.Affordances))
	return clamp01((summaries + actions) / 2)
}

func actionSet(affordances []envelope.Affordance) map[string]struct{} {
	out := make(map[string]struct{}, len(affordances))
	for _, a := range affordances {
		for _, tok := range tokenize(a.Action) {
			out[tok] = struct{}{}
		}
	}
	return out
}
