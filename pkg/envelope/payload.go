package envelope

// Typed payload variants, one per MessageType. Field names are wire
// names; the QScore signals read summary, affordances,
// slicing.policy_degraded, metadata.schema_valid, latency_ms and
// retry_depth directly from TaskResultPayload.

// TaskInvokePayload asks a specialist to perform a task.
type TaskInvokePayload struct {
	Task        string         `json:"task"`
	Capability  string         `json:"capability,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	SummaryHint string         `json:"summary_hint,omitempty"`
	AttemptNo   int            `json:"attempt_no"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	Deadline    string         `json:"deadline,omitempty"`
}

// Affordance is one actionable follow-up a specialist surfaced.
type Affordance struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`
}

// SlicingInfo reports policy state observed while producing a result.
type SlicingInfo struct {
	PolicyDegraded bool `json:"policy_degraded"`
}

// ResultMetadata carries validation state of a produced result.
type ResultMetadata struct {
	SchemaValid bool   `json:"schema_valid"`
	Schema      string `json:"schema,omitempty"`
}

// TaskResultPayload is a specialist's answer to a TaskInvoke.
type TaskResultPayload struct {
	Task        string         `json:"task,omitempty"`
	Capability  string         `json:"capability,omitempty"`
	Summary     []string       `json:"summary,omitempty"`
	Affordances []Affordance   `json:"affordances,omitempty"`
	Slicing     SlicingInfo    `json:"slicing"`
	Metadata    ResultMetadata `json:"metadata"`
	LatencyMS   int64          `json:"latency_ms"`
	RetryDepth  int            `json:"retry_depth"`
	Error       string         `json:"error,omitempty"`
}

// DecisionNoticePayload announces the verdict on a task result.
type DecisionNoticePayload struct {
	Decision     string   `json:"decision"`
	QScore       float64  `json:"qscore"`
	Calibrated   float64  `json:"calibrated"`
	Reasons      []string `json:"reasons,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	AttemptNo    int      `json:"attempt_no"`
	SpecialistID string   `json:"specialist_id,omitempty"`
	RetryTarget  string   `json:"retry_target_specialist,omitempty"`
}

// MemoryEventPayload records an observable fact for downstream memory.
type MemoryEventPayload struct {
	Event   string         `json:"event"`
	AgentID string         `json:"agent_id,omitempty"`
	Status  string         `json:"status,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ContextRequestPayload asks a context provider for relevant items.
type ContextRequestPayload struct {
	Query string   `json:"query"`
	Keys  []string `json:"keys,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// ContextItem is one scored context entry.
type ContextItem struct {
	Key   string  `json:"key"`
	Value string  `json:"value"`
	Score float64 `json:"score,omitempty"`
}

// ContextResultPayload answers a ContextRequest.
type ContextResultPayload struct {
	Items     []ContextItem `json:"items"`
	Truncated bool          `json:"truncated,omitempty"`
}

// HeartbeatPayload reports agent liveness to the registry topic.
type HeartbeatPayload struct {
	AgentID      string   `json:"agent_id"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
	LeaseUntil   string   `json:"lease_until,omitempty"`
}

// ErrorPayload reports a classified failure to the sender or the DLQ.
type ErrorPayload struct {
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Source    string `json:"source,omitempty"`
}
