package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/qscore"
	"github.com/testfabric/cmo/pkg/registry"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type publishedInvoke struct {
	to  envelope.AgentID
	inv envelope.TaskInvokePayload
}

type fakePublisher struct {
	notices     []envelope.DecisionNoticePayload
	escalations []envelope.DecisionNoticePayload
	invokes     []publishedInvoke
}

func (p *fakePublisher) PublishDecisionNotice(_ context.Context, _, _ string, notice envelope.DecisionNoticePayload, _ ...envelope.Option) (string, error) {
	p.notices = append(p.notices, notice)
	return "msg-notice", nil
}

func (p *fakePublisher) PublishEscalation(_ context.Context, _, _ string, notice envelope.DecisionNoticePayload, _ ...envelope.Option) (string, error) {
	p.escalations = append(p.escalations, notice)
	return "msg-escalation", nil
}

func (p *fakePublisher) PublishTaskInvoke(_ context.Context, _, _ string, to envelope.AgentID, inv envelope.TaskInvokePayload, _ ...envelope.Option) (string, error) {
	p.invokes = append(p.invokes, publishedInvoke{to: to, inv: inv})
	return "msg-invoke", nil
}

func newTestRegistry(t *testing.T, specialists ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(),
		registry.WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	for _, id := range specialists {
		_, err := reg.Register(ctx, registry.Agent{
			AgentID:      id,
			Tenant:       "wesign",
			Project:      "contracts",
			Capabilities: []string{"summarize"},
		}, 0)
		require.NoError(t, err)
		_, err = reg.Heartbeat(ctx, id, registry.StatusHealthy)
		require.NoError(t, err)
	}
	return reg
}

func newTestEngine(t *testing.T, reg *registry.Registry, pub Publisher) *Engine {
	t.Helper()
	e, err := NewEngine(NewMemoryStore(), reg, pub, DefaultConfig(),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return e
}

func resultEnvelope(t *testing.T, specialist string, res envelope.TaskResultPayload) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeTaskResult,
		envelope.Agent(specialist),
		[]envelope.AgentID{envelope.Service("cmo")},
		"wesign", "contracts", res,
		envelope.WithTimestamp(testNow))
	require.NoError(t, err)
	return env
}

func score(raw, calibrated float64) qscore.Result {
	return qscore.Result{
		Raw:        raw,
		Calibrated: calibrated,
		Signals:    qscore.Signals{PolicyOK: 1, SchemaOK: 1},
	}
}

func TestDecideAccept(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{Task: "summarize contract", Capability: "summarize"}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.82, 0.82),
	})
	require.NoError(t, err)
	assert.Equal(t, Accept, out.Event.Decision)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "msg-notice", out.NoticeID)
	assert.Empty(t, out.InvokeID)
	require.Len(t, pub.notices, 1)
	assert.Equal(t, "ACCEPT", pub.notices[0].Decision)
	assert.Empty(t, pub.invokes)
	assert.Empty(t, pub.escalations)
}

func TestDecideRetrySelectsDifferentSpecialist(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{
		Task:       "summarize contract",
		Capability: "summarize",
		RetryDepth: 0,
	}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.40, 0.45),
	})
	require.NoError(t, err)
	assert.Equal(t, Retry, out.Event.Decision)
	assert.Equal(t, "specialist-beta", out.Event.RetryTarget)
	assert.Equal(t, "msg-invoke", out.InvokeID)

	require.Len(t, pub.invokes, 1)
	assert.Equal(t, "specialist-beta", pub.invokes[0].to.ID)
	assert.Equal(t, 1, pub.invokes[0].inv.AttemptNo)
	assert.Equal(t, 2, pub.invokes[0].inv.MaxRetries)
	assert.Equal(t, "summarize contract", pub.invokes[0].inv.Task)
	require.Len(t, pub.notices, 1)
	assert.Equal(t, "specialist-beta", pub.notices[0].RetryTarget)
}

func TestDecideRetryCarriesOriginalInvoke(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{Task: "summarize", Capability: "summarize"}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.40, 0.45),
		Invoke: &envelope.TaskInvokePayload{
			Task:        "summarize the indemnity clause",
			Capability:  "summarize",
			Inputs:      map[string]any{"doc": "blob:sha256:abc"},
			SummaryHint: "3 bullets",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Retry, out.Event.Decision)
	require.Len(t, pub.invokes, 1)
	assert.Equal(t, "summarize the indemnity clause", pub.invokes[0].inv.Task)
	assert.Equal(t, "blob:sha256:abc", pub.invokes[0].inv.Inputs["doc"])
	assert.Equal(t, "3 bullets", pub.invokes[0].inv.SummaryHint)
}

func TestDecideFloorAcceptAtBudgetEnd(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{Capability: "summarize", RetryDepth: 2}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.62, 0.65),
	})
	require.NoError(t, err)
	assert.Equal(t, Accept, out.Event.Decision)
	assert.Empty(t, pub.invokes)
}

func TestDecideEscalateBelowFloor(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{Capability: "summarize", RetryDepth: 2}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.50, 0.50),
	})
	require.NoError(t, err)
	assert.Equal(t, Escalate, out.Event.Decision)
	assert.Equal(t, "msg-escalation", out.NoticeID)
	require.Len(t, pub.escalations, 1)
	assert.Empty(t, pub.notices, "escalations go to the escalation topic")
	assert.Empty(t, pub.invokes)
}

func TestDecideEscalatesWithoutRetryTarget(t *testing.T) {
	pub := &fakePublisher{}
	// Only the failed specialist is registered.
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha"), pub)

	res := envelope.TaskResultPayload{Capability: "summarize", RetryDepth: 0}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  score(0.40, 0.45),
	})
	require.NoError(t, err)
	assert.Equal(t, Escalate, out.Event.Decision)
	assert.Empty(t, out.Event.RetryTarget)
	require.Len(t, pub.escalations, 1)
	assert.Contains(t, out.Event.Reasons[1], "no alternative specialist")
}

func TestDecideEscalatesPersistentPolicyFailure(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	sc := qscore.Result{
		Raw:        0.70,
		Calibrated: 0.68,
		Signals:    qscore.Signals{PolicyOK: 0, SchemaOK: 1},
	}
	res := envelope.TaskResultPayload{Capability: "summarize", RetryDepth: 1}
	out, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-beta", res),
		Result: res,
		Score:  sc,
	})
	require.NoError(t, err)
	assert.Equal(t, Escalate, out.Event.Decision)
	assert.Contains(t, out.Event.Reasons[0], "policy violation persisted")

	// First attempt with a policy zero still retries.
	pub2 := &fakePublisher{}
	e2 := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub2)
	res0 := envelope.TaskResultPayload{Capability: "summarize", RetryDepth: 0}
	out, err = e2.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res0),
		Result: res0,
		Score: qscore.Result{Raw: 0.40, Calibrated: 0.45,
			Signals: qscore.Signals{PolicyOK: 0, SchemaOK: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, Retry, out.Event.Decision)
}

func TestDecideDuplicateDelivery(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha", "specialist-beta"), pub)

	res := envelope.TaskResultPayload{Capability: "summarize"}
	env := resultEnvelope(t, "specialist-alpha", res)
	att := Attempt{Env: env, Result: res, Score: score(0.82, 0.82)}

	first, err := e.Decide(context.Background(), att)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := e.Decide(context.Background(), att)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.Decision, second.Event.Decision)
	assert.Equal(t, first.Event.IdempotencyKey, second.Event.IdempotencyKey)
	assert.Empty(t, second.NoticeID)
	assert.Len(t, pub.notices, 1, "duplicates publish nothing")
}

func TestDecideRejectsOutOfRangeScore(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, newTestRegistry(t, "specialist-alpha"), pub)

	res := envelope.TaskResultPayload{Capability: "summarize"}
	_, err := e.Decide(context.Background(), Attempt{
		Env:    resultEnvelope(t, "specialist-alpha", res),
		Result: res,
		Score:  qscore.Result{Raw: 0.5, Calibrated: 1.2},
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeQScoreOutOfRange, fault.CodeOf(err))
	assert.Empty(t, pub.notices)
}

func TestNewEngineValidatesConfig(t *testing.T) {
	_, err := NewEngine(NewMemoryStore(), nil, &fakePublisher{}, Config{
		AcceptThreshold: 0.5,
		FloorThreshold:  0.8,
		MaxRetries:      2,
	})
	require.Error(t, err)

	_, err = NewEngine(NewMemoryStore(), nil, &fakePublisher{}, Config{
		AcceptThreshold: 1.5,
	})
	require.Error(t, err)
}
