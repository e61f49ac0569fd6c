package decision

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/fault"
)

func testEvent(msgID, key string, attempt int, d Decision) GradingEvent {
	return GradingEvent{
		MessageID:      msgID,
		TraceID:        "trace-1",
		Tenant:         "wesign",
		Project:        "contracts",
		IdempotencyKey: key,
		SpecialistID:   "specialist-alpha",
		Capability:     "summarize",
		AttemptNo:      attempt,
		Decision:       d,
		RawScore:       0.7,
		Calibrated:     0.68,
		Reasons:        []string{"calibrated 0.68 below accept threshold 0.75"},
		CreatedAt:      testNow,
	}
}

func TestMemoryStoreInsertIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ev := testEvent("msg-1", "sha-key-1", 0, Retry)
	stored, inserted, err := store.Insert(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, Retry, stored.Decision)

	// Redelivery: same key wins back the original event.
	dup := testEvent("msg-1", "sha-key-1", 0, Accept)
	stored, inserted, err = store.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, Retry, stored.Decision, "the first grading stands")

	// Same message under a different key is misuse, not redelivery.
	_, _, err = store.Insert(ctx, testEvent("msg-1", "sha-key-other", 0, Accept))
	require.Error(t, err)
	assert.Equal(t, fault.CodeIdempotencyViolation, fault.CodeOf(err))

	got, err := store.GetByIdempotencyKey(ctx, "sha-key-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", got.MessageID)

	_, err = store.GetByIdempotencyKey(ctx, "nope")
	assert.Equal(t, fault.CodeEventNotFound, fault.CodeOf(err))
}

func TestMemoryStoreListByTrace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, d := range []Decision{Retry, Retry, Accept} {
		ev := testEvent("msg-"+string(rune('a'+i)), "key-"+string(rune('a'+i)), i, d)
		_, _, err := store.Insert(ctx, ev)
		require.NoError(t, err)
	}

	events, err := store.ListByTrace(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].AttemptNo)
	assert.Equal(t, 2, events[2].AttemptNo)
	assert.Equal(t, Accept, events[2].Decision)

	events, err = store.ListByTrace(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPostgresStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	ev := testEvent("msg-1", "sha-key-1", 1, Escalate)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO grading_events")).
		WithArgs("msg-1", "trace-1", "wesign", "contracts", "sha-key-1",
			"specialist-alpha", "summarize", 1, "ESCALATE", 0.7, 0.68,
			sqlmock.AnyArg(), "", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stored, inserted, err := store.Insert(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, Escalate, stored.Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInsertDuplicateReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	ev := testEvent("msg-1", "sha-key-1", 0, Accept)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO grading_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"message_id", "trace_id", "tenant", "project",
		"idempotency_key", "specialist_id", "capability", "attempt_no", "decision",
		"raw_score", "calibrated", "reasons", "retry_target", "created_at"}).
		AddRow("msg-1", "trace-1", "wesign", "contracts", "sha-key-1",
			"specialist-alpha", "summarize", 0, "RETRY", 0.5, 0.45,
			[]byte(`["calibrated 0.45 below accept threshold 0.75"]`), "specialist-beta", testNow)

	mock.ExpectQuery(regexp.QuoteMeta("FROM grading_events WHERE idempotency_key = $1")).
		WithArgs("sha-key-1").
		WillReturnRows(rows)

	stored, inserted, err := store.Insert(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, Retry, stored.Decision)
	assert.Equal(t, "specialist-beta", stored.RetryTarget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListByTrace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"message_id", "trace_id", "tenant", "project",
		"idempotency_key", "specialist_id", "capability", "attempt_no", "decision",
		"raw_score", "calibrated", "reasons", "retry_target", "created_at"}).
		AddRow("msg-1", "trace-1", "wesign", "contracts", "key-1",
			"specialist-alpha", "summarize", 0, "RETRY", 0.5, 0.45, nil, "specialist-beta", testNow).
		AddRow("msg-2", "trace-1", "wesign", "contracts", "key-2",
			"specialist-beta", "summarize", 1, "ACCEPT", 0.8, 0.82, nil, "", testNow)

	mock.ExpectQuery(regexp.QuoteMeta("FROM grading_events WHERE trace_id = $1")).
		WithArgs("trace-1").
		WillReturnRows(rows)

	events, err := store.ListByTrace(context.Background(), "trace-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Retry, events[0].Decision)
	assert.Equal(t, Accept, events[1].Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}
