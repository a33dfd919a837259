package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type settingsKey struct{ tenantID, testCode string }

// MemoryRuleStore is the in-process RuleStore.
type MemoryRuleStore struct {
	mu       sync.RWMutex
	settings map[settingsKey]*AutoVerificationSettings
	rules    map[uuid.UUID]*memoryRule
	seq      int64
}

type memoryRule struct {
	rule VerificationRule
	seq  int64
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		settings: make(map[settingsKey]*AutoVerificationSettings),
		rules:    make(map[uuid.UUID]*memoryRule),
	}
}

func (m *MemoryRuleStore) CreateSettings(_ context.Context, s *AutoVerificationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := settingsKey{s.TenantID, s.TestCode}
	if _, ok := m.settings[key]; ok {
		return fmt.Errorf("%s/%s: %w", s.TenantID, s.TestCode, ErrSettingsAlreadyExist)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.settings[key] = &cp
	return nil
}

func (m *MemoryRuleStore) GetSettings(_ context.Context, tenantID, testCode string) (*AutoVerificationSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[settingsKey{tenantID, testCode}]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRuleStore) ListSettings(_ context.Context, tenantID string, limit, offset int) ([]*AutoVerificationSettings, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*AutoVerificationSettings
	for k, s := range m.settings {
		if k.tenantID == tenantID {
			cp := *s
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TestCode < all[j].TestCode })
	total := len(all)
	if offset >= total {
		return []*AutoVerificationSettings{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRuleStore) UpdateSettings(_ context.Context, s *AutoVerificationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := settingsKey{s.TenantID, s.TestCode}
	stored, ok := m.settings[key]
	if !ok {
		return ErrSettingsNotFound
	}
	s.ID = stored.ID
	s.CreatedAt = stored.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.settings[key] = &cp
	return nil
}

func (m *MemoryRuleStore) DeleteSettings(_ context.Context, tenantID, testCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := settingsKey{tenantID, testCode}
	if _, ok := m.settings[key]; !ok {
		return ErrSettingsNotFound
	}
	delete(m.settings, key)
	return nil
}

func (m *MemoryRuleStore) CreateRule(_ context.Context, r *VerificationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		e := existing.rule
		if e.TenantID == r.TenantID && e.TestCode == r.TestCode && e.RuleType == r.RuleType {
			return fmt.Errorf("%s/%s %s: %w", r.TenantID, r.TestCode, r.RuleType, ErrRuleAlreadyExists)
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	m.seq++
	m.rules[r.ID] = &memoryRule{rule: cloneRule(*r), seq: m.seq}
	return nil
}

func (m *MemoryRuleStore) GetRule(_ context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.rules[id]
	if !ok || mr.rule.TenantID != tenantID {
		return nil, ErrRuleNotFound
	}
	cp := cloneRule(mr.rule)
	return &cp, nil
}

func (m *MemoryRuleStore) ListRules(_ context.Context, tenantID, testCode string) ([]*VerificationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*memoryRule
	for _, mr := range m.rules {
		if mr.rule.TenantID == tenantID && mr.rule.TestCode == testCode {
			matched = append(matched, mr)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].rule.Priority == matched[j].rule.Priority {
			return matched[i].seq < matched[j].seq
		}
		return matched[i].rule.Priority < matched[j].rule.Priority
	})
	out := make([]*VerificationRule, len(matched))
	for i, mr := range matched {
		cp := cloneRule(mr.rule)
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryRuleStore) UpdateRule(_ context.Context, r *VerificationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.rules[r.ID]
	if !ok || mr.rule.TenantID != r.TenantID {
		return ErrRuleNotFound
	}
	// Tenant, test code and type identify the rule and never change.
	r.TestCode = mr.rule.TestCode
	r.RuleType = mr.rule.RuleType
	r.CreatedAt = mr.rule.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	mr.rule = cloneRule(*r)
	return nil
}

func (m *MemoryRuleStore) DeleteRule(_ context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.rules[id]
	if !ok || mr.rule.TenantID != tenantID {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func cloneRule(r VerificationRule) VerificationRule {
	if r.Params.Flags != nil {
		r.Params.Flags = append(make([]string, 0, len(r.Params.Flags)), r.Params.Flags...)
	}
	if r.Params.Low != nil {
		v := *r.Params.Low
		r.Params.Low = &v
	}
	if r.Params.High != nil {
		v := *r.Params.High
		r.Params.High = &v
	}
	if r.Params.ThresholdPercent != nil {
		v := *r.Params.ThresholdPercent
		r.Params.ThresholdPercent = &v
	}
	if r.Params.LookbackDays != nil {
		v := *r.Params.LookbackDays
		r.Params.LookbackDays = &v
	}
	return r
}
