// Package checkpoint journals graph execution so a crashed or audited
// run can be resumed or re-driven deterministically. Every step of a
// run persists its state hash, and every non-deterministic activity
// (agent call, tool call, clock read, random draw) persists its
// request hash and response so replay can serve recorded responses
// instead of re-executing side effects.
package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// RunStatus tracks the lifecycle of a single graph execution.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunAborted:
		return true
	}
	return false
}

// ActivityType classifies the non-deterministic operations a step may
// perform. Replay substitutes recorded responses for all of them.
type ActivityType string

const (
	ActivityA2A           ActivityType = "a2a"
	ActivityMCP           ActivityType = "mcp"
	ActivityArtifactRead  ActivityType = "artifact_read"
	ActivityArtifactWrite ActivityType = "artifact_write"
	ActivityTime          ActivityType = "time"
	ActivityRandom        ActivityType = "random"
	ActivityHTTP          ActivityType = "http"
	ActivityDatabase      ActivityType = "database"
)

// Run is one execution of a graph, keyed by trace ID.
type Run struct {
	TraceID      string         `json:"trace_id"`
	GraphID      string         `json:"graph_id"`
	GraphVersion string         `json:"graph_version"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Step is one node execution within a run. StateHash covers the full
// graph state after the step; replay must reproduce it exactly.
type Step struct {
	TraceID    string    `json:"trace_id"`
	StepIndex  int       `json:"step_index"`
	NodeID     string    `json:"node_id"`
	StateHash  string    `json:"state_hash"`
	InputHash  string    `json:"input_hash,omitempty"`
	OutputHash string    `json:"output_hash,omitempty"`
	NextEdge   string    `json:"next_edge,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Activity is one recorded side effect within a step. RequestHash is
// the canonical hash of the request; identical requests within a step
// dedup to a single row. Large responses live in the blob store and
// ResponseBlobRef points at them.
type Activity struct {
	TraceID         string          `json:"trace_id"`
	StepIndex       int             `json:"step_index"`
	Type            ActivityType    `json:"activity_type"`
	RequestHash     string          `json:"request_hash"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	ResponseData    json.RawMessage `json:"response_data,omitempty"`
	ResponseBlobRef string          `json:"response_blob_ref,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
	DurationMS      int64           `json:"duration_ms"`
	Error           string          `json:"error,omitempty"`
}

// Graph is a registered graph definition. Runs reference a graph by
// (id, version) so replays can pin the exact topology they ran under.
type Graph struct {
	GraphID    string          `json:"graph_id"`
	Version    string          `json:"version"`
	Definition json.RawMessage `json:"definition,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Summary is the per-run rollup exposed by the execution summary view.
type Summary struct {
	TraceID       string     `json:"trace_id"`
	GraphID       string     `json:"graph_id"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	StepCount     int        `json:"step_count"`
	ActivityCount int        `json:"activity_count"`
	LastStepIndex int        `json:"last_step_index"`
}

// Store persists runs, steps, activities, and graph definitions.
// Implementations: MemoryStore, PostgresStore, SQLiteStore.
type Store interface {
	Init(ctx context.Context) error

	UpsertRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, traceID string) (*Run, error)
	SetRunStatus(ctx context.Context, traceID string, status RunStatus, completedAt *time.Time, errMsg string) error

	UpsertStep(ctx context.Context, step Step) error
	GetStep(ctx context.Context, traceID string, stepIndex int) (*Step, error)
	ListSteps(ctx context.Context, traceID string) ([]Step, error)

	// InsertActivity appends one activity. Duplicates on
	// (trace_id, step_index, activity_type, request_hash) are absorbed
	// silently; inserted reports whether a new row was written.
	InsertActivity(ctx context.Context, act Activity) (inserted bool, err error)
	ListActivities(ctx context.Context, traceID string, stepIndex int) ([]Activity, error)
	ListRunActivities(ctx context.Context, traceID string) ([]Activity, error)

	PutGraph(ctx context.Context, g Graph) error
	GetGraph(ctx context.Context, graphID, version string) (*Graph, error)

	Summarize(ctx context.Context, traceID string) (*Summary, error)

	// DeleteRunsBefore removes terminal runs (and their steps and
	// activities) whose last progress predates cutoff.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Checkpointer is the journaling facade the orchestrator drives.
type Checkpointer struct {
	store  Store
	ext    *blob.Externalizer
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithExternalizer offloads activity responses larger than the inline
// cap to a blob store.
func WithExternalizer(ext *blob.Externalizer) Option {
	return func(c *Checkpointer) { c.ext = ext }
}

// WithClock overrides the time source. Tests use this for
// deterministic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Checkpointer) { c.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checkpointer) { c.logger = logger }
}

// New builds a Checkpointer over the given store.
func New(store Store, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the underlying store, mainly for health checks.
func (c *Checkpointer) Store() Store { return c.store }

// BeginRun opens (or resumes) the run for traceID. Re-beginning a run
// that is still in flight is a crash-recovery resume and succeeds;
// re-beginning a terminal run is an idempotency violation.
func (c *Checkpointer) BeginRun(ctx context.Context, traceID, graphID, graphVersion string, metadata map[string]any) (*Run, error) {
	if traceID == "" {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeInvalidEnvelope, "begin run: trace id is required")
	}
	existing, err := c.store.GetRun(ctx, traceID)
	if err != nil && !fault.IsCode(err, fault.CodeRunNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Status.Terminal() {
			return nil, fault.New(fault.KindCheckpoint, fault.CodeIdempotencyViolation,
				"begin run: trace %s already completed with status %s", traceID, existing.Status)
		}
		resumed := *existing
		resumed.Status = RunRunning
		if err := c.store.UpsertRun(ctx, resumed); err != nil {
			return nil, err
		}
		c.logger.Info("run resumed", "trace_id", traceID, "graph_id", resumed.GraphID)
		return &resumed, nil
	}

	run := Run{
		TraceID:      traceID,
		GraphID:      graphID,
		GraphVersion: graphVersion,
		Status:       RunRunning,
		StartedAt:    c.clock().UTC(),
		Metadata:     metadata,
	}
	if err := c.store.UpsertRun(ctx, run); err != nil {
		return nil, err
	}
	c.logger.Info("run started", "trace_id", traceID, "graph_id", graphID, "graph_version", graphVersion)
	return &run, nil
}

// CompleteRun moves the run to a terminal status.
func (c *Checkpointer) CompleteRun(ctx context.Context, traceID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fault.New(fault.KindCheckpoint, fault.CodeInvalidEnvelope,
			"complete run: %q is not a terminal status", status)
	}
	now := c.clock().UTC()
	if err := c.store.SetRunStatus(ctx, traceID, status, &now, errMsg); err != nil {
		return err
	}
	c.logger.Info("run completed", "trace_id", traceID, "status", string(status))
	return nil
}

// StepRecord carries everything RecordStep persists. State is the
// full graph state after the step; its canonical hash becomes the
// step's StateHash unless StateHash is set explicitly.
type StepRecord struct {
	TraceID    string
	StepIndex  int
	NodeID     string
	State      any
	StateHash  string
	Input      any
	Output     any
	NextEdge   string
	StartedAt  time.Time
	DurationMS int64
	Error      string
}

// RecordStep upserts the step row for (trace_id, step_index).
// Re-recording the same step is idempotent.
func (c *Checkpointer) RecordStep(ctx context.Context, rec StepRecord) (*Step, error) {
	stateHash := rec.StateHash
	if stateHash == "" && rec.State != nil {
		h, err := envelope.HashValue(rec.State)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeInvalidEnvelope, "hash step state")
		}
		stateHash = h
	}
	if stateHash == "" {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeInvalidEnvelope,
			"record step: state or state hash is required")
	}

	step := Step{
		TraceID:    rec.TraceID,
		StepIndex:  rec.StepIndex,
		NodeID:     rec.NodeID,
		StateHash:  stateHash,
		NextEdge:   rec.NextEdge,
		StartedAt:  rec.StartedAt,
		DurationMS: rec.DurationMS,
		Error:      rec.Error,
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = c.clock().UTC()
	}
	if rec.Input != nil {
		h, err := envelope.HashValue(rec.Input)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeInvalidEnvelope, "hash step input")
		}
		step.InputHash = h
	}
	if rec.Output != nil {
		h, err := envelope.HashValue(rec.Output)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeInvalidEnvelope, "hash step output")
		}
		step.OutputHash = h
	}

	if err := c.store.UpsertStep(ctx, step); err != nil {
		return nil, err
	}
	c.logger.Debug("step recorded",
		"trace_id", step.TraceID, "step_index", step.StepIndex,
		"node_id", step.NodeID, "next_edge", step.NextEdge)
	return &step, nil
}

// ActivityRecord carries one side effect for RecordActivity. Request
// is hashed canonically; Response bytes beyond the externalizer's
// inline cap move to the blob store.
type ActivityRecord struct {
	TraceID    string
	StepIndex  int
	Type       ActivityType
	Request    any
	Response   []byte
	DurationMS int64
	Error      string
}

// RecordActivity appends one activity to the journal. A second call
// with an identical request in the same step dedups silently and
// returns the original row's identity.
func (c *Checkpointer) RecordActivity(ctx context.Context, rec ActivityRecord) (*Activity, error) {
	reqJSON, err := envelope.CanonicalJSON(rec.Request)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeInvalidEnvelope, "canonicalize activity request")
	}
	act := Activity{
		TraceID:     rec.TraceID,
		StepIndex:   rec.StepIndex,
		Type:        rec.Type,
		RequestHash: envelope.HashBytes(reqJSON),
		RequestData: reqJSON,
		RecordedAt:  c.clock().UTC(),
		DurationMS:  rec.DurationMS,
		Error:       rec.Error,
	}

	if len(rec.Response) > 0 {
		if c.ext != nil {
			inline, ref, err := c.ext.Externalize(ctx, rec.Response)
			if err != nil {
				return nil, fault.Wrap(err, fault.KindCheckpoint, fault.CodeBlobMissing, "externalize activity response")
			}
			act.ResponseData = inline
			act.ResponseBlobRef = ref
		} else {
			act.ResponseData = rec.Response
		}
	}

	inserted, err := c.store.InsertActivity(ctx, act)
	if err != nil {
		return nil, err
	}
	if !inserted {
		c.logger.Debug("activity deduplicated",
			"trace_id", act.TraceID, "step_index", act.StepIndex,
			"activity_type", string(act.Type), "request_hash", act.RequestHash)
	}
	return &act, nil
}

// Run returns the run row for traceID.
func (c *Checkpointer) Run(ctx context.Context, traceID string) (*Run, error) {
	return c.store.GetRun(ctx, traceID)
}

// Summary returns the execution rollup for traceID.
func (c *Checkpointer) Summary(ctx context.Context, traceID string) (*Summary, error) {
	return c.store.Summarize(ctx, traceID)
}

// RegisterGraph stores a graph definition for later replays.
func (c *Checkpointer) RegisterGraph(ctx context.Context, g Graph) error {
	if g.GraphID == "" || g.Version == "" {
		return fault.New(fault.KindCheckpoint, fault.CodeInvalidEnvelope, "register graph: id and version are required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = c.clock().UTC()
	}
	return c.store.PutGraph(ctx, g)
}

// Graph fetches a registered graph definition.
func (c *Checkpointer) Graph(ctx context.Context, graphID, version string) (*Graph, error) {
	return c.store.GetGraph(ctx, graphID, version)
}

// CleanupOldExecutions deletes terminal runs older than retentionDays
// along with their steps and activities. It returns the number of
// runs removed.
func (c *Checkpointer) CleanupOldExecutions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fault.New(fault.KindCheckpoint, fault.CodeInvalidEnvelope,
			"cleanup: retention days must be positive, got %d", retentionDays)
	}
	cutoff := c.clock().UTC().AddDate(0, 0, -retentionDays)
	n, err := c.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("old executions removed", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// StateHash canonicalizes state and returns its hash. Key order in
// maps does not affect the result.
func StateHash(state any) (string, error) {
	h, err := envelope.HashValue(state)
	if err != nil {
		return "", fault.Wrap(err, fault.KindCheckpoint, fault.CodeInvalidEnvelope, "hash state")
	}
	return h, nil
}
