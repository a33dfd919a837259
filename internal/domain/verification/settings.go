package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ivd/middleware/internal/platform/db"
)

// SettingsInput creates auto-verification settings for a test code.
type SettingsInput struct {
	TestCode string `json:"test_code" yaml:"test_code" validate:"required,max=64"`
	TestName string `json:"test_name" yaml:"test_name" validate:"max=255"`
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// SettingsUpdate changes existing settings. Nil fields are left alone.
type SettingsUpdate struct {
	TestName *string `json:"test_name,omitempty" validate:"omitempty,max=255"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// RuleInput creates a rule.
type RuleInput struct {
	RuleType    RuleType   `json:"rule_type" yaml:"rule_type" validate:"required,oneof=reference_range critical_range critical_flag delta_check"`
	Priority    int        `json:"priority" yaml:"priority" validate:"gte=0"`
	Enabled     *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Params      RuleParams `json:"params" yaml:"params"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty" validate:"max=500"`
}

// RuleUpdate changes an existing rule. Nil fields are left alone.
type RuleUpdate struct {
	Priority    *int        `json:"priority,omitempty" validate:"omitempty,gte=0"`
	Enabled     *bool       `json:"enabled,omitempty"`
	Params      *RuleParams `json:"params,omitempty"`
	Description *string     `json:"description,omitempty" validate:"omitempty,max=500"`
}

// RuleDocument is the YAML layout accepted by ImportRules.
type RuleDocument struct {
	Tests []TestRules `yaml:"tests"`
}

type TestRules struct {
	SettingsInput `yaml:",inline"`
	Rules         []RuleInput `yaml:"rules"`
}

// ImportSummary counts what ImportRules wrote.
type ImportSummary struct {
	SettingsCreated int `json:"settings_created"`
	SettingsUpdated int `json:"settings_updated"`
	RulesCreated    int `json:"rules_created"`
	RulesUpdated    int `json:"rules_updated"`
}

type defaultRule struct {
	ruleType    RuleType
	priority    int
	enabled     bool
	params      RuleParams
	description string
}

var defaultRules = []defaultRule{
	{RuleReferenceRange, 1, true, RuleParams{}, "Value within the result's reference range"},
	{RuleCriticalRange, 2, true, RuleParams{}, "Value outside critical limits"},
	{RuleCriticalFlag, 3, true, RuleParams{Flags: []string{"C"}}, "No critical instrument flags"},
	{RuleDeltaCheck, 4, false, RuleParams{ThresholdPercent: floatPtr(50), LookbackDays: intPtr(defaultLookbackDays)}, "Change from the patient's previous result"},
}

// SettingsService is the CRUD facade over settings and rules. Every write
// validates first and drops the cached rule set of the test code.
type SettingsService struct {
	store   RuleStore
	cache   *ruleCache
	logger  zerolog.Logger
	timeout time.Duration
}

func NewSettingsService(store RuleStore, logger zerolog.Logger, cacheTTL, storeTimeout time.Duration) *SettingsService {
	return &SettingsService{
		store:   store,
		cache:   newRuleCache(cacheTTL),
		logger:  logger.With().Str("component", "settings").Logger(),
		timeout: storeTimeout,
	}
}

// -- Settings --

func (s *SettingsService) CreateSettings(ctx context.Context, tenantID string, in SettingsInput) (*AutoVerificationSettings, error) {
	testCode, err := normalizeTestCode(in.TestCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	st := &AutoVerificationSettings{
		TenantID: tenantID,
		TestCode: testCode,
		TestName: strings.TrimSpace(in.TestName),
		Enabled:  in.Enabled == nil || *in.Enabled,
	}
	if err := s.store.CreateSettings(ctx, st); err != nil {
		return nil, db.Classify(fmt.Errorf("create settings %s: %w", testCode, err))
	}
	s.cache.invalidate(tenantID, testCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", testCode).Bool("enabled", st.Enabled).Msg("settings created")
	return st, nil
}

func (s *SettingsService) GetSettings(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	st, err := s.store.GetSettings(ctx, tenantID, testCode)
	return st, db.Classify(err)
}

func (s *SettingsService) ListSettings(ctx context.Context, tenantID string, limit, offset int) ([]*AutoVerificationSettings, int, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, total, err := s.store.ListSettings(ctx, tenantID, limit, offset)
	return items, total, db.Classify(err)
}

func (s *SettingsService) UpdateSettings(ctx context.Context, tenantID, testCode string, in SettingsUpdate) (*AutoVerificationSettings, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	st, err := s.store.GetSettings(ctx, tenantID, testCode)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("update settings %s: %w", testCode, err))
	}
	if in.TestName != nil {
		st.TestName = strings.TrimSpace(*in.TestName)
	}
	if in.Enabled != nil {
		st.Enabled = *in.Enabled
	}
	if err := s.store.UpdateSettings(ctx, st); err != nil {
		return nil, db.Classify(fmt.Errorf("update settings %s: %w", testCode, err))
	}
	s.cache.invalidate(tenantID, testCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", testCode).Bool("enabled", st.Enabled).Msg("settings updated")
	return st, nil
}

func (s *SettingsService) DeleteSettings(ctx context.Context, tenantID, testCode string) error {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	if err := s.store.DeleteSettings(ctx, tenantID, testCode); err != nil {
		return db.Classify(fmt.Errorf("delete settings %s: %w", testCode, err))
	}
	s.cache.invalidate(tenantID, testCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", testCode).Msg("settings deleted")
	return nil
}

// -- Rules --

func (s *SettingsService) CreateRule(ctx context.Context, tenantID, testCode string, in RuleInput) (*VerificationRule, error) {
	testCode, err := normalizeTestCode(testCode)
	if err != nil {
		return nil, err
	}
	if err := ValidateRule(in.RuleType, in.Priority, in.Params); err != nil {
		return nil, err
	}
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	r := &VerificationRule{
		TenantID:    tenantID,
		TestCode:    testCode,
		RuleType:    in.RuleType,
		Priority:    in.Priority,
		Enabled:     in.Enabled == nil || *in.Enabled,
		Params:      in.Params,
		Description: in.Description,
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, db.Classify(fmt.Errorf("create %s rule for %s: %w", in.RuleType, testCode, err))
	}
	s.cache.invalidate(tenantID, testCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", testCode).
		Str("rule_type", string(r.RuleType)).Int("priority", r.Priority).Msg("rule created")
	return r, nil
}

func (s *SettingsService) GetRule(ctx context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	r, err := s.store.GetRule(ctx, tenantID, id)
	return r, db.Classify(err)
}

func (s *SettingsService) ListRules(ctx context.Context, tenantID, testCode string) ([]*VerificationRule, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, err := s.store.ListRules(ctx, tenantID, testCode)
	return items, db.Classify(err)
}

func (s *SettingsService) UpdateRule(ctx context.Context, tenantID string, id uuid.UUID, in RuleUpdate) (*VerificationRule, error) {
	return s.modifyRule(ctx, tenantID, id, "update", func(r *VerificationRule) error {
		if in.Priority != nil {
			r.Priority = *in.Priority
		}
		if in.Enabled != nil {
			r.Enabled = *in.Enabled
		}
		if in.Params != nil {
			r.Params = *in.Params
		}
		if in.Description != nil {
			r.Description = *in.Description
		}
		return ValidateRule(r.RuleType, r.Priority, r.Params)
	})
}

func (s *SettingsService) EnableRule(ctx context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error) {
	return s.modifyRule(ctx, tenantID, id, "enable", func(r *VerificationRule) error {
		r.Enabled = true
		return nil
	})
}

func (s *SettingsService) DisableRule(ctx context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error) {
	return s.modifyRule(ctx, tenantID, id, "disable", func(r *VerificationRule) error {
		r.Enabled = false
		return nil
	})
}

func (s *SettingsService) modifyRule(ctx context.Context, tenantID string, id uuid.UUID, op string, apply func(*VerificationRule) error) (*VerificationRule, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	r, err := s.store.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("%s rule %s: %w", op, id, err))
	}
	if err := apply(r); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, db.Classify(fmt.Errorf("%s rule %s: %w", op, id, err))
	}
	s.cache.invalidate(tenantID, r.TestCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", r.TestCode).
		Str("rule_id", id.String()).Str("op", op).Bool("enabled", r.Enabled).Msg("rule changed")
	return r, nil
}

func (s *SettingsService) DeleteRule(ctx context.Context, tenantID string, id uuid.UUID) error {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	r, err := s.store.GetRule(ctx, tenantID, id)
	if err != nil {
		return db.Classify(fmt.Errorf("delete rule %s: %w", id, err))
	}
	if err := s.store.DeleteRule(ctx, tenantID, id); err != nil {
		return db.Classify(fmt.Errorf("delete rule %s: %w", id, err))
	}
	s.cache.invalidate(tenantID, r.TestCode)
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", r.TestCode).Str("rule_id", id.String()).Msg("rule deleted")
	return nil
}

// InitializeDefaultRules creates enabled settings for the test code when none
// exist and adds whichever default rules are missing. Existing rules are kept
// as they are, so running it twice is harmless.
func (s *SettingsService) InitializeDefaultRules(ctx context.Context, tenantID, testCode, testName string) ([]*VerificationRule, error) {
	testCode, err := normalizeTestCode(testCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	defer s.cache.invalidate(tenantID, testCode)

	if _, err := s.store.GetSettings(ctx, tenantID, testCode); errors.Is(err, ErrSettingsNotFound) {
		st := &AutoVerificationSettings{TenantID: tenantID, TestCode: testCode, TestName: testName, Enabled: true}
		if err := s.store.CreateSettings(ctx, st); err != nil && !errors.Is(err, ErrSettingsAlreadyExist) {
			return nil, db.Classify(fmt.Errorf("create settings %s: %w", testCode, err))
		}
	} else if err != nil {
		return nil, db.Classify(fmt.Errorf("load settings %s: %w", testCode, err))
	}

	existing, err := s.store.ListRules(ctx, tenantID, testCode)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list rules %s: %w", testCode, err))
	}
	have := make(map[RuleType]bool, len(existing))
	for _, r := range existing {
		have[r.RuleType] = true
	}

	created := 0
	for _, d := range defaultRules {
		if have[d.ruleType] {
			continue
		}
		r := &VerificationRule{
			TenantID:    tenantID,
			TestCode:    testCode,
			RuleType:    d.ruleType,
			Priority:    d.priority,
			Enabled:     d.enabled,
			Params:      cloneRule(VerificationRule{Params: d.params}).Params,
			Description: d.description,
		}
		if err := s.store.CreateRule(ctx, r); err != nil && !errors.Is(err, ErrRuleAlreadyExists) {
			return nil, db.Classify(fmt.Errorf("create default %s rule for %s: %w", d.ruleType, testCode, err))
		}
		created++
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("test_code", testCode).Int("created", created).Msg("default rules initialized")

	rules, err := s.store.ListRules(ctx, tenantID, testCode)
	return rules, db.Classify(err)
}

// ImportRules reads a RuleDocument from r. The whole document is validated
// before anything is written; settings and rules that already exist are
// updated in place.
func (s *SettingsService) ImportRules(ctx context.Context, tenantID string, r io.Reader) (ImportSummary, error) {
	var sum ImportSummary
	var doc RuleDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return sum, fmt.Errorf("parse rule document: %v: %w", err, ErrInvalidConfiguration)
	}
	if len(doc.Tests) == 0 {
		return sum, fmt.Errorf("rule document has no tests: %w", ErrInvalidConfiguration)
	}

	seenTests := make(map[string]bool)
	for i := range doc.Tests {
		t := &doc.Tests[i]
		code, err := normalizeTestCode(t.TestCode)
		if err != nil {
			return sum, fmt.Errorf("tests[%d]: %w", i, err)
		}
		if seenTests[code] {
			return sum, fmt.Errorf("tests[%d]: test code %s listed twice: %w", i, code, ErrInvalidConfiguration)
		}
		seenTests[code] = true
		t.TestCode = code

		seenTypes := make(map[RuleType]bool)
		for j, ri := range t.Rules {
			if err := ValidateRule(ri.RuleType, ri.Priority, ri.Params); err != nil {
				return sum, fmt.Errorf("tests[%d].rules[%d]: %w", i, j, err)
			}
			if seenTypes[ri.RuleType] {
				return sum, fmt.Errorf("tests[%d]: %s rule listed twice: %w", i, ri.RuleType, ErrInvalidConfiguration)
			}
			seenTypes[ri.RuleType] = true
		}
	}

	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	for _, t := range doc.Tests {
		if err := s.importTest(ctx, tenantID, t, &sum); err != nil {
			return sum, db.Classify(err)
		}
		s.cache.invalidate(tenantID, t.TestCode)
	}
	s.logger.Info().Str("tenant_id", tenantID).Int("tests", len(doc.Tests)).
		Int("rules_created", sum.RulesCreated).Int("rules_updated", sum.RulesUpdated).Msg("rules imported")
	return sum, nil
}

func (s *SettingsService) importTest(ctx context.Context, tenantID string, t TestRules, sum *ImportSummary) error {
	enabled := t.Enabled == nil || *t.Enabled
	st, err := s.store.GetSettings(ctx, tenantID, t.TestCode)
	switch {
	case errors.Is(err, ErrSettingsNotFound):
		st = &AutoVerificationSettings{TenantID: tenantID, TestCode: t.TestCode, TestName: t.TestName, Enabled: enabled}
		if err := s.store.CreateSettings(ctx, st); err != nil {
			return fmt.Errorf("create settings %s: %w", t.TestCode, err)
		}
		sum.SettingsCreated++
	case err != nil:
		return fmt.Errorf("load settings %s: %w", t.TestCode, err)
	default:
		if t.TestName != "" {
			st.TestName = t.TestName
		}
		st.Enabled = enabled
		if err := s.store.UpdateSettings(ctx, st); err != nil {
			return fmt.Errorf("update settings %s: %w", t.TestCode, err)
		}
		sum.SettingsUpdated++
	}

	existing, err := s.store.ListRules(ctx, tenantID, t.TestCode)
	if err != nil {
		return fmt.Errorf("list rules %s: %w", t.TestCode, err)
	}
	byType := make(map[RuleType]*VerificationRule, len(existing))
	for _, r := range existing {
		byType[r.RuleType] = r
	}

	for _, ri := range t.Rules {
		ruleEnabled := ri.Enabled == nil || *ri.Enabled
		if cur, ok := byType[ri.RuleType]; ok {
			cur.Priority = ri.Priority
			cur.Enabled = ruleEnabled
			cur.Params = ri.Params
			cur.Description = ri.Description
			if err := s.store.UpdateRule(ctx, cur); err != nil {
				return fmt.Errorf("update %s rule for %s: %w", ri.RuleType, t.TestCode, err)
			}
			sum.RulesUpdated++
			continue
		}
		r := &VerificationRule{
			TenantID:    tenantID,
			TestCode:    t.TestCode,
			RuleType:    ri.RuleType,
			Priority:    ri.Priority,
			Enabled:     ruleEnabled,
			Params:      ri.Params,
			Description: ri.Description,
		}
		if err := s.store.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("create %s rule for %s: %w", ri.RuleType, t.TestCode, err)
		}
		sum.RulesCreated++
	}
	return nil
}

// RuleSet returns the settings (nil when absent) and rules of a test code,
// served from the cache when fresh.
func (s *SettingsService) RuleSet(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, []*VerificationRule, error) {
	if rs, ok := s.cache.get(tenantID, testCode); ok {
		return rs.settings, rs.rules, nil
	}
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	st, err := s.store.GetSettings(ctx, tenantID, testCode)
	if errors.Is(err, ErrSettingsNotFound) {
		st, err = nil, nil
	}
	if err != nil {
		return nil, nil, db.Classify(fmt.Errorf("load settings %s: %w", testCode, err))
	}
	rules, err := s.store.ListRules(ctx, tenantID, testCode)
	if err != nil {
		return nil, nil, db.Classify(fmt.Errorf("load rules %s: %w", testCode, err))
	}
	s.cache.put(tenantID, testCode, ruleSet{settings: st, rules: rules})
	return st, rules, nil
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(t RuleType, priority int, p RuleParams) error {
	if !t.Valid() {
		return fmt.Errorf("unknown rule type %q: %w", t, ErrInvalidConfiguration)
	}
	if priority < 0 {
		return fmt.Errorf("priority (%d) cannot be negative: %w", priority, ErrInvalidConfiguration)
	}
	if problem := paramsProblem(t, p); problem != "" {
		return fmt.Errorf("%s: %s: %w", t, problem, ErrInvalidConfiguration)
	}
	return nil
}

func normalizeTestCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("test_code is required: %w", ErrInvalidInput)
	}
	return code, nil
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
