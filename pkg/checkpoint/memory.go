package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/testfabric/cmo/pkg/fault"
)

type stepKey struct {
	traceID   string
	stepIndex int
}

type activityKey struct {
	traceID     string
	stepIndex   int
	actType     ActivityType
	requestHash string
}

type graphKey struct {
	graphID string
	version string
}

// MemoryStore is the in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]Run
	steps      map[stepKey]Step
	activities map[activityKey]Activity
	actOrder   []activityKey
	graphs     map[graphKey]Graph
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]Run),
		steps:      make(map[stepKey]Step),
		activities: make(map[activityKey]Activity),
		graphs:     make(map[graphKey]Graph),
	}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.TraceID]; ok {
		// Keep the original start; resumes only move the status.
		run.StartedAt = existing.StartedAt
	}
	s.runs[run.TraceID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, traceID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[traceID]
	if !ok {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	out := run
	return &out, nil
}

func (s *MemoryStore) SetRunStatus(_ context.Context, traceID string, status RunStatus, completedAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[traceID]
	if !ok {
		return fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	run.Status = status
	run.CompletedAt = completedAt
	run.Error = errMsg
	s.runs[traceID] = run
	return nil
}

func (s *MemoryStore) UpsertStep(_ context.Context, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stepKey{step.TraceID, step.StepIndex}] = step
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, traceID string, stepIndex int) (*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepKey{traceID, stepIndex}]
	if !ok {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeStepNotFound,
			"no step %d for trace %s", stepIndex, traceID)
	}
	out := step
	return &out, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, traceID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Step
	for key, step := range s.steps {
		if key.traceID == traceID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryStore) InsertActivity(_ context.Context, act Activity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := activityKey{act.TraceID, act.StepIndex, act.Type, act.RequestHash}
	if _, ok := s.activities[key]; ok {
		return false, nil
	}
	s.activities[key] = act
	s.actOrder = append(s.actOrder, key)
	return true, nil
}

func (s *MemoryStore) ListActivities(_ context.Context, traceID string, stepIndex int) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Activity
	for _, key := range s.actOrder {
		if key.traceID == traceID && key.stepIndex == stepIndex {
			out = append(out, s.activities[key])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRunActivities(_ context.Context, traceID string) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Activity
	for _, key := range s.actOrder {
		if key.traceID == traceID {
			out = append(out, s.activities[key])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryStore) PutGraph(_ context.Context, g Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[graphKey{g.GraphID, g.Version}] = g
	return nil
}

func (s *MemoryStore) GetGraph(_ context.Context, graphID, version string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[graphKey{graphID, version}]
	if !ok {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no graph %s@%s", graphID, version)
	}
	out := g
	return &out, nil
}

func (s *MemoryStore) Summarize(_ context.Context, traceID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[traceID]
	if !ok {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	sum := Summary{
		TraceID:       run.TraceID,
		GraphID:       run.GraphID,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		LastStepIndex: -1,
	}
	for key := range s.steps {
		if key.traceID != traceID {
			continue
		}
		sum.StepCount++
		if key.stepIndex > sum.LastStepIndex {
			sum.LastStepIndex = key.stepIndex
		}
	}
	for key := range s.activities {
		if key.traceID == traceID {
			sum.ActivityCount++
		}
	}
	return &sum, nil
}

func (s *MemoryStore) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for traceID, run := range s.runs {
		if !run.Status.Terminal() {
			continue
		}
		last := run.StartedAt
		if run.CompletedAt != nil {
			last = *run.CompletedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		delete(s.runs, traceID)
		for key := range s.steps {
			if key.traceID == traceID {
				delete(s.steps, key)
			}
		}
		kept := s.actOrder[:0]
		for _, key := range s.actOrder {
			if key.traceID == traceID {
				delete(s.activities, key)
				continue
			}
			kept = append(kept, key)
		}
		s.actOrder = kept
		n++
	}
	return n, nil
}
