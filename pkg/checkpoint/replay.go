package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/testfabric/cmo/pkg/fault"
)

// ReplayStep pairs one journaled step with the activities it recorded.
type ReplayStep struct {
	Step       Step       `json:"step"`
	Activities []Activity `json:"activities"`
}

// ReplayLog is the ordered journal for one run, ready to re-drive a
// graph runtime. Externalized activity responses are resolved back
// inline before the log is returned. Pending holds activities whose
// step crashed before its row was written; resuming that step replays
// them instead of re-executing the side effects.
type ReplayLog struct {
	Run     Run          `json:"run"`
	Steps   []ReplayStep `json:"steps"`
	Pending []Activity   `json:"pending,omitempty"`
}

// Replay loads the full journal for traceID in step order.
func (c *Checkpointer) Replay(ctx context.Context, traceID string) (*ReplayLog, error) {
	run, err := c.store.GetRun(ctx, traceID)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListSteps(ctx, traceID)
	if err != nil {
		return nil, err
	}
	acts, err := c.store.ListRunActivities(ctx, traceID)
	if err != nil {
		return nil, err
	}

	stepIndexes := make(map[int]struct{}, len(steps))
	for _, step := range steps {
		stepIndexes[step.StepIndex] = struct{}{}
	}

	byStep := make(map[int][]Activity, len(steps))
	log := &ReplayLog{Run: *run, Steps: make([]ReplayStep, 0, len(steps))}
	for _, act := range acts {
		if act.ResponseBlobRef != "" && c.ext != nil {
			data, err := c.ext.Resolve(ctx, act.ResponseData, act.ResponseBlobRef)
			if err != nil {
				return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeBlobMissing,
					"resolve activity response for trace %s step %d", traceID, act.StepIndex)
			}
			act.ResponseData = data
		}
		if _, ok := stepIndexes[act.StepIndex]; ok {
			byStep[act.StepIndex] = append(byStep[act.StepIndex], act)
		} else {
			log.Pending = append(log.Pending, act)
		}
	}

	for _, step := range steps {
		log.Steps = append(log.Steps, ReplayStep{Step: step, Activities: byStep[step.StepIndex]})
	}
	return log, nil
}

type tapeKey struct {
	stepIndex   int
	actType     ActivityType
	requestHash string
}

// Tape serves recorded activity responses to a re-driven step. A
// lookup that misses means the re-execution issued a request the
// original run never made, which is replay drift.
type Tape struct {
	traceID string
	entries map[tapeKey]*Activity
}

// NewTape indexes a replay log's activities by
// (step, type, request hash). Pending activities are included so a
// resumed step finds the side effects it already performed.
func NewTape(log *ReplayLog) *Tape {
	t := &Tape{traceID: log.Run.TraceID, entries: make(map[tapeKey]*Activity)}
	for i := range log.Steps {
		for j := range log.Steps[i].Activities {
			act := &log.Steps[i].Activities[j]
			t.entries[tapeKey{act.StepIndex, act.Type, act.RequestHash}] = act
		}
	}
	for i := range log.Pending {
		act := &log.Pending[i]
		t.entries[tapeKey{act.StepIndex, act.Type, act.RequestHash}] = act
	}
	return t
}

// Response returns the recorded response for a request the re-driven
// step is about to issue.
func (t *Tape) Response(stepIndex int, typ ActivityType, requestHash string) (json.RawMessage, error) {
	act, ok := t.entries[tapeKey{stepIndex, typ, requestHash}]
	if !ok {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeStepHashMismatch,
			"replay drift in trace %s: step %d issued an unrecorded %s request %s",
			t.traceID, stepIndex, typ, requestHash)
	}
	if act.Error != "" {
		return act.ResponseData, fmt.Errorf("recorded activity failed: %s", act.Error)
	}
	return act.ResponseData, nil
}

// Len reports how many recorded activities the tape holds.
func (t *Tape) Len() int { return len(t.entries) }

// StepDriver re-executes one step of a graph deterministically,
// sourcing every side effect from the tape. It returns the state hash
// the step produced.
type StepDriver interface {
	ExecuteStep(ctx context.Context, step Step, tape *Tape) (string, error)
}

// StepMismatch records one divergence between the journal and a
// re-driven step.
type StepMismatch struct {
	StepIndex int    `json:"step_index"`
	NodeID    string `json:"node_id"`
	WantHash  string `json:"want_hash"`
	GotHash   string `json:"got_hash"`
	Detail    string `json:"detail,omitempty"`
}

// VerifyResult holds the outcome of re-driving a run against its
// journal.
type VerifyResult struct {
	TraceID       string         `json:"trace_id"`
	StepsVerified int            `json:"steps_verified"`
	Deterministic bool           `json:"deterministic"`
	Mismatches    []StepMismatch `json:"mismatches,omitempty"`
}

// Err converts a failed verification into a fault. A deterministic
// result returns nil.
func (r *VerifyResult) Err() error {
	if r.Deterministic {
		return nil
	}
	m := r.Mismatches[0]
	return fault.New(fault.KindCheckpoint, fault.CodeStepHashMismatch,
		"trace %s step %d (%s): journal has %s, replay produced %s",
		r.TraceID, m.StepIndex, m.NodeID, m.WantHash, m.GotHash)
}

// Verify re-drives every journaled step through driver and compares
// the reproduced state hashes with the journal. All steps run even
// after a mismatch so the result lists every divergence.
func (c *Checkpointer) Verify(ctx context.Context, traceID string, driver StepDriver) (*VerifyResult, error) {
	log, err := c.Replay(ctx, traceID)
	if err != nil {
		return nil, err
	}
	tape := NewTape(log)
	result := &VerifyResult{TraceID: traceID, Deterministic: true}

	for _, rs := range log.Steps {
		got, err := driver.ExecuteStep(ctx, rs.Step, tape)
		if err != nil {
			result.Deterministic = false
			result.Mismatches = append(result.Mismatches, StepMismatch{
				StepIndex: rs.Step.StepIndex,
				NodeID:    rs.Step.NodeID,
				WantHash:  rs.Step.StateHash,
				Detail:    err.Error(),
			})
			continue
		}
		result.StepsVerified++
		if got != rs.Step.StateHash {
			result.Deterministic = false
			result.Mismatches = append(result.Mismatches, StepMismatch{
				StepIndex: rs.Step.StepIndex,
				NodeID:    rs.Step.NodeID,
				WantHash:  rs.Step.StateHash,
				GotHash:   got,
			})
		}
	}

	if !result.Deterministic {
		c.logger.Warn("replay verification failed",
			"trace_id", traceID, "mismatches", len(result.Mismatches))
	}
	return result, nil
}
