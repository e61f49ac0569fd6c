package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/testfabric/cmo/pkg/fault"
)

// MemoryStore is the in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
	topics map[TopicSubscription]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]Agent),
		topics: make(map[TopicSubscription]struct{}),
	}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertAgent(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Capabilities = append([]string(nil), a.Capabilities...)
	s.agents[a.AgentID] = a
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"agent %s is not registered", agentID)
	}
	out := a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return &out, nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, agentID string, status Status, heartbeatAt, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"heartbeat for unregistered agent %s", agentID)
	}
	a.Status = status
	a.LastHeartbeat = heartbeatAt
	if leaseUntil.After(a.LeaseUntil) {
		a.LeaseUntil = leaseUntil
	}
	a.UpdatedAt = heartbeatAt
	s.agents[agentID] = a
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, agentID string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"agent %s is not registered", agentID)
	}
	a.Status = status
	a.UpdatedAt = at
	s.agents[agentID] = a
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context, tenant, project string, statuses []Status, now time.Time) ([]Agent, error) {
	want := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Agent
	for _, a := range s.agents {
		if a.Tenant != tenant || a.Project != project {
			continue
		}
		if _, ok := want[a.Status]; !ok {
			continue
		}
		if !a.LeaseUntil.After(now) {
			continue
		}
		copied := a
		copied.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) AddTopic(_ context.Context, sub TopicSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[sub]; ok {
		return fault.New(fault.KindRegistry, fault.CodeDuplicateTopicSub,
			"agent %s already subscribed to %s as %s", sub.AgentID, sub.Topic, sub.Role)
	}
	s.topics[sub] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveTopic(_ context.Context, sub TopicSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, sub)
	return nil
}

func (s *MemoryStore) ListTopics(_ context.Context, agentID string) ([]TopicSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TopicSubscription
	for sub := range s.topics {
		if sub.AgentID == agentID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, a := range s.agents {
		if a.Status == StatusUnavailable || !a.LeaseUntil.Before(now) {
			continue
		}
		a.Status = StatusUnavailable
		a.UpdatedAt = now
		s.agents[id] = a
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteInactive(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.agents {
		if a.Status != StatusUnavailable || !a.UpdatedAt.Before(before) {
			continue
		}
		delete(s.agents, id)
		for sub := range s.topics {
			if sub.AgentID == id {
				delete(s.topics, sub)
			}
		}
		n++
	}
	return n, nil
}
