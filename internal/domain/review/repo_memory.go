package review

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by STORE_BACKEND=memory and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[uuid.UUID]*Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[uuid.UUID]*Review)}
}

func (m *MemoryStore) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.TenantID == r.TenantID && existing.SampleID == r.SampleID && existing.IsOpen() {
			return fmt.Errorf("sample %s: %w", r.SampleID, ErrReviewAlreadyExists)
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Version = 1
	m.reviews[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reviews[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrReviewNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetOpenBySample(_ context.Context, tenantID string, sampleID uuid.UUID) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reviews {
		if r.TenantID == tenantID && r.SampleID == sampleID && r.IsOpen() {
			return r.Clone(), nil
		}
	}
	return nil, ErrReviewNotFound
}

func (m *MemoryStore) Update(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.reviews[r.ID]
	if !ok || stored.TenantID != r.TenantID {
		return ErrReviewNotFound
	}
	if stored.Version != r.Version {
		return fmt.Errorf("review %s at version %d: %w", r.ID, r.Version, ErrVersionConflict)
	}
	if !stored.IsOpen() {
		return ErrReviewCannotBeModified
	}
	r.Version++
	m.reviews[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, tenantID string, limit, offset int) ([]*Review, int, error) {
	return m.list(tenantID, func(r *Review) bool { return r.IsOpen() }, limit, offset)
}

func (m *MemoryStore) List(_ context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Review, int, error) {
	return m.list(tenantID, func(r *Review) bool {
		if f.State != "" && r.State != f.State {
			return false
		}
		if f.OpenOnly && !r.IsOpen() {
			return false
		}
		if f.ReviewerID != "" && (r.ReviewerID == nil || *r.ReviewerID != f.ReviewerID) {
			return false
		}
		if f.SampleID != nil && r.SampleID != *f.SampleID {
			return false
		}
		return true
	}, limit, offset)
}

func (m *MemoryStore) ListByResult(_ context.Context, tenantID string, resultID uuid.UUID) ([]*Review, error) {
	items, _, err := m.list(tenantID, func(r *Review) bool { return r.Covers(resultID) }, 0, 0)
	return items, err
}

// list returns matching reviews oldest first; limit <= 0 means no limit.
func (m *MemoryStore) list(tenantID string, keep func(*Review) bool, limit, offset int) ([]*Review, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Review
	for _, r := range m.reviews {
		if r.TenantID == tenantID && keep(r) {
			all = append(all, r.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []*Review{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
