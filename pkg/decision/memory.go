package decision

import (
	"context"
	"sort"
	"sync"

	"github.com/testfabric/cmo/pkg/fault"
)

// MemoryStore is the in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byKey  map[string]GradingEvent
	byMsg  map[string]string
	traces map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]GradingEvent),
		byMsg:  make(map[string]string),
		traces: make(map[string][]string),
	}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Insert(_ context.Context, ev GradingEvent) (*GradingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[ev.IdempotencyKey]; ok {
		out := existing
		return &out, false, nil
	}
	if key, ok := s.byMsg[ev.MessageID]; ok && key != ev.IdempotencyKey {
		return nil, false, fault.New(fault.KindDecision, fault.CodeIdempotencyViolation,
			"message %s already graded under a different idempotency key", ev.MessageID)
	}
	ev.Reasons = append([]string(nil), ev.Reasons...)
	s.byKey[ev.IdempotencyKey] = ev
	s.byMsg[ev.MessageID] = ev.IdempotencyKey
	s.traces[ev.TraceID] = append(s.traces[ev.TraceID], ev.IdempotencyKey)
	out := ev
	return &out, true, nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*GradingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byKey[key]
	if !ok {
		return nil, fault.New(fault.KindDecision, fault.CodeEventNotFound,
			"no grading event for key %s", key)
	}
	out := ev
	out.Reasons = append([]string(nil), ev.Reasons...)
	return &out, nil
}

func (s *MemoryStore) ListByTrace(_ context.Context, traceID string) ([]GradingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.traces[traceID]
	out := make([]GradingEvent, 0, len(keys))
	for _, key := range keys {
		ev := s.byKey[key]
		ev.Reasons = append([]string(nil), ev.Reasons...)
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out, nil
}
