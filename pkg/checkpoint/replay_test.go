package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// gradeDriver re-executes the journaled grading steps, sourcing the
// specialist responses from the tape exactly as the original run did.
type gradeDriver struct{}

func (gradeDriver) ExecuteStep(ctx context.Context, step Step, tape *Tape) (string, error) {
	req := map[string]any{"attempt": step.StepIndex}
	reqJSON, err := envelope.CanonicalJSON(req)
	if err != nil {
		return "", err
	}
	resp, err := tape.Response(step.StepIndex, ActivityA2A, envelope.HashBytes(reqJSON))
	if err != nil {
		return "", err
	}
	var decoded struct {
		Calibrated float64 `json:"calibrated"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return "", err
	}
	return StateHash(map[string]any{"attempt": step.StepIndex, "calibrated": decoded.Calibrated})
}

// driftDriver asks for a request the original run never issued.
type driftDriver struct{}

func (driftDriver) ExecuteStep(ctx context.Context, step Step, tape *Tape) (string, error) {
	reqJSON, _ := envelope.CanonicalJSON(map[string]any{"attempt": 99})
	if _, err := tape.Response(step.StepIndex, ActivityA2A, envelope.HashBytes(reqJSON)); err != nil {
		return "", err
	}
	return step.StateHash, nil
}

func recordGradedRun(t *testing.T, cp *Checkpointer, traceID string, attempts int) {
	t.Helper()
	ctx := context.Background()
	_, err := cp.BeginRun(ctx, traceID, "decision-loop", "1.0.0", nil)
	require.NoError(t, err)

	for i := 0; i < attempts; i++ {
		calibrated := 0.5 + 0.1*float64(i)
		_, err := cp.RecordActivity(ctx, ActivityRecord{
			TraceID:   traceID,
			StepIndex: i,
			Type:      ActivityA2A,
			Request:   map[string]any{"attempt": i},
			Response:  []byte(fmt.Sprintf(`{"calibrated":%g}`, calibrated)),
		})
		require.NoError(t, err)

		_, err = cp.RecordStep(ctx, StepRecord{
			TraceID:   traceID,
			StepIndex: i,
			NodeID:    "grade",
			State:     map[string]any{"attempt": i, "calibrated": calibrated},
			NextEdge:  "retry",
		})
		require.NoError(t, err)
	}
	require.NoError(t, cp.CompleteRun(ctx, traceID, RunCompleted, ""))
}

func TestReplayOrderedLog(t *testing.T) {
	now := testNow
	cp := newTestCheckpointer(&now)
	recordGradedRun(t, cp, "trace-1", 3)

	log, err := cp.Replay(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, log.Run.Status)
	require.Len(t, log.Steps, 3)
	for i, rs := range log.Steps {
		assert.Equal(t, i, rs.Step.StepIndex)
		require.Len(t, rs.Activities, 1)
		assert.Equal(t, ActivityA2A, rs.Activities[0].Type)
	}

	_, err = cp.Replay(context.Background(), "no-such-trace")
	assert.Equal(t, fault.CodeRunNotFound, fault.CodeOf(err))
}

func TestVerifyDeterministicRun(t *testing.T) {
	now := testNow
	cp := newTestCheckpointer(&now)
	recordGradedRun(t, cp, "trace-1", 3)

	result, err := cp.Verify(context.Background(), "trace-1", gradeDriver{})
	require.NoError(t, err)
	assert.True(t, result.Deterministic)
	assert.Equal(t, 3, result.StepsVerified)
	assert.Empty(t, result.Mismatches)
	assert.NoError(t, result.Err())
}

func TestVerifyDetectsTamperedJournal(t *testing.T) {
	now := testNow
	cp := newTestCheckpointer(&now)
	recordGradedRun(t, cp, "trace-1", 3)
	ctx := context.Background()

	step, err := cp.store.GetStep(ctx, "trace-1", 1)
	require.NoError(t, err)
	step.StateHash = "sha256:deadbeef"
	require.NoError(t, cp.store.UpsertStep(ctx, *step))

	result, err := cp.Verify(ctx, "trace-1", gradeDriver{})
	require.NoError(t, err)
	assert.False(t, result.Deterministic)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, 1, result.Mismatches[0].StepIndex)
	assert.Equal(t, "sha256:deadbeef", result.Mismatches[0].WantHash)

	err = result.Err()
	require.Error(t, err)
	assert.Equal(t, fault.CodeStepHashMismatch, fault.CodeOf(err))
	assert.Equal(t, fault.KindCheckpoint, fault.KindOf(err))
}

func TestVerifyDetectsDrift(t *testing.T) {
	now := testNow
	cp := newTestCheckpointer(&now)
	recordGradedRun(t, cp, "trace-1", 2)

	result, err := cp.Verify(context.Background(), "trace-1", driftDriver{})
	require.NoError(t, err)
	assert.False(t, result.Deterministic)
	require.Len(t, result.Mismatches, 2)
	assert.Contains(t, result.Mismatches[0].Detail, "unrecorded")
}

func TestTapeLookup(t *testing.T) {
	now := testNow
	cp := newTestCheckpointer(&now)
	ctx := context.Background()

	_, err := cp.BeginRun(ctx, "trace-1", "g", "1", nil)
	require.NoError(t, err)
	_, err = cp.RecordActivity(ctx, ActivityRecord{
		TraceID:   "trace-1",
		StepIndex: 0,
		Type:      ActivityTime,
		Request:   map[string]any{"op": "now"},
		Response:  []byte(`{"ts":"2026-03-01T12:00:00.000Z"}`),
	})
	require.NoError(t, err)
	_, err = cp.RecordStep(ctx, StepRecord{
		TraceID: "trace-1", StepIndex: 0, NodeID: "clock",
		State: map[string]any{"ok": true},
	})
	require.NoError(t, err)

	log, err := cp.Replay(ctx, "trace-1")
	require.NoError(t, err)
	tape := NewTape(log)
	assert.Equal(t, 1, tape.Len())

	reqJSON, err := envelope.CanonicalJSON(map[string]any{"op": "now"})
	require.NoError(t, err)
	resp, err := tape.Response(0, ActivityTime, envelope.HashBytes(reqJSON))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts":"2026-03-01T12:00:00.000Z"}`, string(resp))

	_, err = tape.Response(0, ActivityRandom, envelope.HashBytes(reqJSON))
	require.Error(t, err)
	assert.Equal(t, fault.CodeStepHashMismatch, fault.CodeOf(err))

	// A recorded failure replays as a failure, with the recorded body.
	_, err = cp.RecordActivity(ctx, ActivityRecord{
		TraceID:   "trace-1",
		StepIndex: 0,
		Type:      ActivityHTTP,
		Request:   map[string]any{"url": "https://example.test"},
		Error:     "connection refused",
	})
	require.NoError(t, err)
	log, err = cp.Replay(ctx, "trace-1")
	require.NoError(t, err)
	tape = NewTape(log)
	httpReq, err := envelope.CanonicalJSON(map[string]any{"url": "https://example.test"})
	require.NoError(t, err)
	_, err = tape.Response(0, ActivityHTTP, envelope.HashBytes(httpReq))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
