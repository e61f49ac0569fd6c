package node

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/testfabric/cmo/pkg/checkpoint"
	"github.com/testfabric/cmo/pkg/decision"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/observability"
	"github.com/testfabric/cmo/pkg/qscore"
	"github.com/testfabric/cmo/pkg/transport"
)

// The grading loop journals every trace as a run of this graph.
const (
	gradingGraphID      = "cmo.grading"
	gradingGraphVersion = "v1"
)

// handleTaskInvoke observes task dispatches on the node's own consumer
// group and opens (or resumes) the journal run for the trace. The
// specialist's group delivers the work; this group only records it.
func (s *Services) handleTaskInvoke(ctx context.Context, d *transport.Delivery) {
	var inv envelope.TaskInvokePayload
	if err := d.Envelope.DecodePayload(&inv); err != nil {
		s.rejectDelivery(ctx, d, fault.CodeInvalidEnvelope, err)
		return
	}
	meta := d.Envelope.Meta
	s.obs.RecordConsumed(ctx, observability.EnvelopeAttrs(
		meta.Tenant, meta.Project, d.Topic, string(meta.Type))...)

	metadata := map[string]any{
		"task":         inv.Task,
		"requested_by": meta.From.ID,
	}
	if inv.Capability != "" {
		metadata["capability"] = inv.Capability
	}
	if inv.SummaryHint != "" {
		metadata["summary_hint"] = inv.SummaryHint
	}
	if len(inv.Inputs) > 0 {
		metadata["inputs"] = inv.Inputs
	}
	if _, err := s.Checkpoints.BeginRun(ctx, meta.TraceID, gradingGraphID, gradingGraphVersion, metadata); err != nil {
		if fault.IsCode(err, fault.CodeIdempotencyViolation) {
			// Invoke for a trace that already reached a verdict: a
			// late redelivery, not a fault.
			s.Logger.Warn("invoke for completed run ignored",
				"trace_id", meta.TraceID, "message_id", meta.MessageID)
			_ = d.Ack(ctx)
			return
		}
		s.Logger.Error("journal begin failed", "trace_id", meta.TraceID, "error", err)
		_ = d.Nack(ctx)
		return
	}

	var target string
	if len(meta.To) > 0 {
		target = meta.To[0].ID
	}
	if _, err := s.Checkpoints.RecordActivity(ctx, checkpoint.ActivityRecord{
		TraceID:   meta.TraceID,
		StepIndex: inv.AttemptNo,
		Type:      checkpoint.ActivityA2A,
		Request: map[string]any{
			"direction":  "invoke",
			"task":       inv.Task,
			"to":         target,
			"attempt_no": inv.AttemptNo,
		},
	}); err != nil {
		s.Logger.Error("journal invoke failed", "trace_id", meta.TraceID, "error", err)
		_ = d.Nack(ctx)
		return
	}
	_ = d.Ack(ctx)
}

// handleTaskResult is the decision loop: score the result, decide,
// journal the step, and settle the run when the verdict is terminal.
// Journaling runs on duplicates too, so a crash between deciding and
// journaling heals on redelivery.
func (s *Services) handleTaskResult(ctx context.Context, d *transport.Delivery) {
	var res envelope.TaskResultPayload
	if err := d.Envelope.DecodePayload(&res); err != nil {
		s.rejectDelivery(ctx, d, fault.CodeInvalidEnvelope, err)
		return
	}
	meta := d.Envelope.Meta
	s.obs.RecordConsumed(ctx, observability.EnvelopeAttrs(
		meta.Tenant, meta.Project, d.Topic, string(meta.Type))...)
	gradeAttrs := observability.GradeAttrs(meta.Tenant, meta.Project, meta.From.ID, res.RetryDepth)
	ctx, done := s.obs.TrackOperation(ctx, "cmo.grade", gradeAttrs...)

	run, err := s.Checkpoints.Run(ctx, meta.TraceID)
	if err != nil && !fault.IsCode(err, fault.CodeRunNotFound) {
		s.Logger.Error("journal lookup failed", "trace_id", meta.TraceID, "error", err)
		done(err)
		_ = d.Nack(ctx)
		return
	}

	start := time.Now()
	score := s.Grader.Score(qscore.Inputs{
		Result:   res,
		TaskText: s.taskTextFor(run, res),
		Previous: s.previousResult(meta.TraceID),
	})
	s.obs.RecordGradeDuration(ctx, time.Since(start), gradeAttrs...)

	out, err := s.Engine.Decide(ctx, decision.Attempt{
		Env:    d.Envelope,
		Result: res,
		Score:  *score,
		Invoke: invokeFromRun(run),
	})
	if err != nil {
		done(err)
		if fault.Retryable(err) {
			s.Logger.Warn("grading will retry", "trace_id", meta.TraceID, "error", err)
			_ = d.Nack(ctx)
			return
		}
		s.rejectDelivery(ctx, d, fault.CodeOf(err), err)
		return
	}
	if !out.Duplicate {
		s.obs.RecordDecision(ctx, string(out.Event.Decision), gradeAttrs...)
	}

	if err := s.journalDecision(ctx, out.Event, res); err != nil {
		s.Logger.Error("journal decision failed",
			"trace_id", meta.TraceID, "decision", string(out.Event.Decision), "error", err)
	}
	s.settleTrace(ctx, out.Event, &res)

	done(nil)
	_ = d.Ack(ctx)
}

// journalDecision upserts the graded step and appends the decision
// activity. Both writes are idempotent, so redeliveries re-journal
// without duplicating rows.
func (s *Services) journalDecision(ctx context.Context, ev *decision.GradingEvent, res envelope.TaskResultPayload) error {
	if _, err := s.Checkpoints.RecordStep(ctx, checkpoint.StepRecord{
		TraceID:   ev.TraceID,
		StepIndex: ev.AttemptNo,
		NodeID:    ev.SpecialistID,
		State: map[string]any{
			"decision":     string(ev.Decision),
			"raw_score":    ev.RawScore,
			"calibrated":   ev.Calibrated,
			"attempt_no":   ev.AttemptNo,
			"specialist":   ev.SpecialistID,
			"retry_target": ev.RetryTarget,
		},
		Input:      res,
		NextEdge:   strings.ToLower(string(ev.Decision)),
		DurationMS: res.LatencyMS,
	}); err != nil {
		return err
	}

	notice, err := json.Marshal(envelope.DecisionNoticePayload{
		Decision:     string(ev.Decision),
		QScore:       ev.RawScore,
		Calibrated:   ev.Calibrated,
		Reasons:      ev.Reasons,
		AttemptNo:    ev.AttemptNo,
		SpecialistID: ev.SpecialistID,
		RetryTarget:  ev.RetryTarget,
	})
	if err != nil {
		return err
	}
	_, err = s.Checkpoints.RecordActivity(ctx, checkpoint.ActivityRecord{
		TraceID:   ev.TraceID,
		StepIndex: ev.AttemptNo,
		Type:      checkpoint.ActivityA2A,
		Request: map[string]any{
			"direction":       "decision",
			"idempotency_key": ev.IdempotencyKey,
			"specialist":      ev.SpecialistID,
			"attempt_no":      ev.AttemptNo,
		},
		Response:   notice,
		DurationMS: res.LatencyMS,
	})
	return err
}

// settleTrace closes the run on terminal verdicts and maintains the
// previous-attempt cache the consistency signal reads.
func (s *Services) settleTrace(ctx context.Context, ev *decision.GradingEvent, res *envelope.TaskResultPayload) {
	switch ev.Decision {
	case decision.Retry:
		s.mu.Lock()
		s.lastResults[ev.TraceID] = res
		s.mu.Unlock()
		return
	case decision.Accept:
		s.completeRun(ctx, ev.TraceID, checkpoint.RunCompleted, "")
	case decision.Escalate:
		s.completeRun(ctx, ev.TraceID, checkpoint.RunFailed,
			"escalated: "+strings.Join(ev.Reasons, "; "))
	}
	s.mu.Lock()
	delete(s.lastResults, ev.TraceID)
	s.mu.Unlock()
}

func (s *Services) completeRun(ctx context.Context, traceID string, status checkpoint.RunStatus, errMsg string) {
	err := s.Checkpoints.CompleteRun(ctx, traceID, status, errMsg)
	if err == nil || fault.IsCode(err, fault.CodeRunNotFound) {
		// Traces whose invoke the node never observed have no run row.
		return
	}
	s.Logger.Error("journal complete failed",
		"trace_id", traceID, "status", string(status), "error", err)
}

func (s *Services) previousResult(traceID string) *envelope.TaskResultPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResults[traceID]
}

// taskTextFor reconstructs the task wording for the alignment signal,
// preferring the journaled invoke over whatever the result echoes.
func (s *Services) taskTextFor(run *checkpoint.Run, res envelope.TaskResultPayload) string {
	if run != nil {
		task, _ := run.Metadata["task"].(string)
		hint, _ := run.Metadata["summary_hint"].(string)
		if joined := strings.TrimSpace(task + " " + hint); joined != "" {
			return joined
		}
	}
	return res.Task
}

// invokeFromRun rebuilds the original invoke from run metadata so
// retry dispatches carry the task's inputs and hints.
func invokeFromRun(run *checkpoint.Run) *envelope.TaskInvokePayload {
	if run == nil || run.Metadata == nil {
		return nil
	}
	task, _ := run.Metadata["task"].(string)
	if task == "" {
		return nil
	}
	inv := &envelope.TaskInvokePayload{Task: task}
	inv.Capability, _ = run.Metadata["capability"].(string)
	inv.SummaryHint, _ = run.Metadata["summary_hint"].(string)
	if raw, ok := run.Metadata["inputs"].(map[string]any); ok {
		inv.Inputs = raw
	}
	return inv
}
