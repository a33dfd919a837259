package lis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps results and samples in process. It backs STORE_BACKEND=memory
// and the service tests. Values are copied on the way in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[uuid.UUID]*Result
	samples map[uuid.UUID]*Sample
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[uuid.UUID]*Result),
		samples: make(map[uuid.UUID]*Sample),
		now:     time.Now,
	}
}

// Results exposes the store through the ResultStore port.
func (m *MemoryStore) Results() ResultStore { return memoryResults{m} }

// Samples exposes the store through the SampleStore port.
func (m *MemoryStore) Samples() SampleStore { return memorySamples{m} }

type memoryResults struct{ m *MemoryStore }

func (s memoryResults) Create(_ context.Context, r *Result) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.VerificationStatus == "" {
		r.VerificationStatus = ResultPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.m.now()
	}
	r.UpdatedAt = r.CreatedAt
	cp := *r
	s.m.results[r.ID] = &cp
	return nil
}

func (s memoryResults) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Result, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.results[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrResultNotFound
	}
	cp := *r
	return &cp, nil
}

func (s memoryResults) ListBySample(_ context.Context, tenantID string, sampleID uuid.UUID) ([]*Result, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*Result
	for _, r := range s.m.results {
		if r.TenantID == tenantID && r.SampleID == sampleID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortResults(out)
	return out, nil
}

func (s memoryResults) ListByStatus(_ context.Context, tenantID string, status ResultStatus, limit, offset int) ([]*Result, int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var all []*Result
	for _, r := range s.m.results {
		if r.TenantID == tenantID && r.VerificationStatus == status {
			cp := *r
			all = append(all, &cp)
		}
	}
	sortResults(all)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s memoryResults) UpdateVerification(_ context.Context, tenantID string, id uuid.UUID, u StatusUpdate) (*Result, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.results[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrResultNotFound
	}
	if r.IsFinal() {
		return nil, fmt.Errorf("result %s: %w", id, ErrResultImmutable)
	}

	r.VerificationStatus = u.Status
	r.VerificationMethod = optional(u.Method)
	r.VerificationReason = optional(u.Reason)
	r.VerifiedAt = nil
	if u.Status == ResultVerified || u.Status == ResultRejected {
		at := u.At
		r.VerifiedAt = &at
	}
	r.UpdatedAt = s.m.now()
	cp := *r
	return &cp, nil
}

func (s memoryResults) PriorForPatient(_ context.Context, tenantID, patientID, testCode string, excludeID uuid.UUID, since, before time.Time) (*Result, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var best *Result
	for _, r := range s.m.results {
		if r.TenantID != tenantID || r.TestCode != testCode || r.ID == excludeID ||
			r.CreatedAt.Before(since) || !r.CreatedAt.Before(before) {
			continue
		}
		sample, ok := s.m.samples[r.SampleID]
		if !ok || sample.PatientID != patientID {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

type memorySamples struct{ m *MemoryStore }

func (s memorySamples) Create(_ context.Context, sm *Sample) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sm.ID == uuid.Nil {
		sm.ID = uuid.New()
	}
	if sm.Status == "" {
		sm.Status = SamplePending
	}
	sm.CreatedAt = s.m.now()
	sm.UpdatedAt = sm.CreatedAt
	cp := *sm
	s.m.samples[sm.ID] = &cp
	return nil
}

func (s memorySamples) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Sample, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sm, ok := s.m.samples[id]
	if !ok || sm.TenantID != tenantID {
		return nil, ErrSampleNotFound
	}
	cp := *sm
	return &cp, nil
}

func (s memorySamples) UpdateStatus(_ context.Context, tenantID string, id uuid.UUID, status SampleStatus) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sm, ok := s.m.samples[id]
	if !ok || sm.TenantID != tenantID {
		return ErrSampleNotFound
	}
	sm.Status = status
	sm.UpdatedAt = s.m.now()
	return nil
}

func sortResults(rs []*Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID.String() < rs[j].ID.String()
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
