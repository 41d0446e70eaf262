package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory is a mutex-guarded Store for tests and single-node runs. Values
// are copied on the way in and out.
type InMemory struct {
	mu       sync.Mutex
	policies map[string]*Policy // by code
	user     map[string]*Counter
	ip       map[string]*Counter
}

func NewInMemory() *InMemory {
	return &InMemory{
		policies: make(map[string]*Policy),
		user:     make(map[string]*Counter),
		ip:       make(map[string]*Counter),
	}
}

func (m *InMemory) Policies() PolicyStore      { return (*memPolicies)(m) }
func (m *InMemory) UserCounters() CounterStore { return &memCounters{m: m, table: m.user} }
func (m *InMemory) IPCounters() CounterStore   { return &memCounters{m: m, table: m.ip} }

// Policy store ---------------------------------------------------------------

type memPolicies InMemory

func (s *memPolicies) GetByCode(ctx context.Context, code string) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[code]
	if !ok || p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPolicies) List(ctx context.Context) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.DeletedAt != nil {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memPolicies) Upsert(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if prev, ok := s.policies[p.Code]; ok {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	s.policies[cp.Code] = &cp
	return nil
}

// Counter store --------------------------------------------------------------

type memCounters struct {
	m     *InMemory
	table map[string]*Counter
}

func counterKey(policyID, subjectKey string) string {
	return policyID + "\x00" + subjectKey
}

func (s *memCounters) Current(ctx context.Context, policyID, subjectKey string) (*Counter, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.table[counterKey(policyID, subjectKey)]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memCounters) Bump(ctx context.Context, p *Policy, subjectKey string, fresh *Counter) (*Counter, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	key := counterKey(p.ID, subjectKey)
	now := fresh.LastActionAt
	c, ok := s.table[key]
	if !ok || c.rolled(p, now) {
		cp := *fresh
		cp.Count = 1
		cp.UpdatedAt = now
		s.table[key] = &cp
		out := cp
		return &out, nil
	}
	c.Count++
	c.LastActionAt = now
	c.UpdatedAt = now
	out := *c
	return &out, nil
}

func (s *memCounters) Block(ctx context.Context, policyID, subjectKey string, until, now time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.table[counterKey(policyID, subjectKey)]
	if !ok || c.DeletedAt != nil {
		return ErrNotFound
	}
	u := until
	c.BlockedUntil = &u
	c.UpdatedAt = now
	return nil
}

// FailingStore wraps a Store and fails every counter operation. Tests use it
// to exercise the fail-open path.
type FailingStore struct {
	Store
	Err error
}

func (f *FailingStore) UserCounters() CounterStore { return failingCounters{f.Err} }
func (f *FailingStore) IPCounters() CounterStore   { return failingCounters{f.Err} }

type failingCounters struct{ err error }

func (c failingCounters) Current(context.Context, string, string) (*Counter, error) {
	return nil, c.err
}

func (c failingCounters) Bump(context.Context, *Policy, string, *Counter) (*Counter, error) {
	return nil, c.err
}

func (c failingCounters) Block(context.Context, string, string, time.Time, time.Time) error {
	return c.err
}
