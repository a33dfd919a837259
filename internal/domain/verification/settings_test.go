package verification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSettings() (*SettingsService, *MemoryRuleStore) {
	store := NewMemoryRuleStore()
	return NewSettingsService(store, zerolog.Nop(), time.Minute, time.Second), store
}

func boolPtr(b bool) *bool { return &b }

func TestSettings_CRUD(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSettings()

	st, err := svc.CreateSettings(ctx, "lab_a", SettingsInput{TestCode: " GLU ", TestName: "Glucose"})
	if err != nil {
		t.Fatalf("CreateSettings: %v", err)
	}
	if st.TestCode != "GLU" || !st.Enabled {
		t.Fatalf("unexpected settings %+v", st)
	}
	if _, err := svc.CreateSettings(ctx, "lab_a", SettingsInput{TestCode: "GLU"}); !errors.Is(err, ErrSettingsAlreadyExist) {
		t.Fatalf("expected ErrSettingsAlreadyExist, got %v", err)
	}
	if _, err := svc.CreateSettings(ctx, "lab_a", SettingsInput{TestCode: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank code, got %v", err)
	}

	updated, err := svc.UpdateSettings(ctx, "lab_a", "GLU", SettingsUpdate{Enabled: boolPtr(false)})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.Enabled || updated.TestName != "Glucose" {
		t.Fatalf("partial update lost fields: %+v", updated)
	}

	// Another tenant sees nothing.
	if _, err := svc.GetSettings(ctx, "lab_b", "GLU"); !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("expected tenant isolation, got %v", err)
	}

	items, total, err := svc.ListSettings(ctx, "lab_a", 10, 0)
	if err != nil || total != 1 || len(items) != 1 {
		t.Fatalf("ListSettings: %d items, total %d, err %v", len(items), total, err)
	}

	if err := svc.DeleteSettings(ctx, "lab_a", "GLU"); err != nil {
		t.Fatalf("DeleteSettings: %v", err)
	}
	if err := svc.DeleteSettings(ctx, "lab_a", "GLU"); !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("second delete: expected ErrSettingsNotFound, got %v", err)
	}
}

func TestSettings_RuleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSettings()

	r, err := svc.CreateRule(ctx, "lab_a", "GLU", RuleInput{
		RuleType: RuleReferenceRange,
		Priority: 1,
		Params:   RuleParams{Low: floatPtr(70), High: floatPtr(110)},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if !r.Enabled {
		t.Error("rules are enabled unless stated otherwise")
	}
	if _, err := svc.CreateRule(ctx, "lab_a", "GLU", RuleInput{RuleType: RuleReferenceRange}); !errors.Is(err, ErrRuleAlreadyExists) {
		t.Fatalf("expected ErrRuleAlreadyExists, got %v", err)
	}

	disabled, err := svc.DisableRule(ctx, "lab_a", r.ID)
	if err != nil || disabled.Enabled {
		t.Fatalf("DisableRule: %+v %v", disabled, err)
	}
	enabled, err := svc.EnableRule(ctx, "lab_a", r.ID)
	if err != nil || !enabled.Enabled {
		t.Fatalf("EnableRule: %+v %v", enabled, err)
	}

	updated, err := svc.UpdateRule(ctx, "lab_a", r.ID, RuleUpdate{Priority: intPtr(7)})
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if updated.Priority != 7 || *updated.Params.High != 110 {
		t.Fatalf("unexpected rule after update %+v", updated)
	}

	if err := svc.DeleteRule(ctx, "lab_a", r.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := svc.GetRule(ctx, "lab_a", r.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestSettings_RuleValidationBeforeWrite(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestSettings()

	bad := []RuleInput{
		{RuleType: RuleReferenceRange, Params: RuleParams{Low: floatPtr(10), High: floatPtr(1)}},
		{RuleType: RuleCriticalFlag, Params: RuleParams{Flags: []string{" "}}},
		{RuleType: RuleDeltaCheck, Params: RuleParams{ThresholdPercent: floatPtr(10), LookbackDays: intPtr(0)}},
		{RuleType: RuleDeltaCheck, Params: RuleParams{ThresholdPercent: floatPtr(5000)}},
		{RuleType: RuleType("free_text")},
		{RuleType: RuleCriticalRange, Priority: -1},
	}
	for _, in := range bad {
		if _, err := svc.CreateRule(ctx, "lab_a", "GLU", in); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("%s %+v: expected ErrInvalidConfiguration, got %v", in.RuleType, in.Params, err)
		}
	}
	if rules, _ := store.ListRules(ctx, "lab_a", "GLU"); len(rules) != 0 {
		t.Fatalf("invalid rules must not be stored, found %d", len(rules))
	}

	r, err := svc.CreateRule(ctx, "lab_a", "GLU", RuleInput{RuleType: RuleCriticalRange, Params: RuleParams{Low: floatPtr(2)}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.UpdateRule(ctx, "lab_a", r.ID, RuleUpdate{Params: &RuleParams{Low: floatPtr(5), High: floatPtr(1)}})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration on update, got %v", err)
	}
	stored, _ := store.GetRule(ctx, "lab_a", r.ID)
	if stored.Params.High != nil || *stored.Params.Low != 2 {
		t.Fatalf("failed update leaked into the store: %+v", stored.Params)
	}
}

func TestSettings_RuleSetCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSettings()

	if _, err := svc.CreateSettings(ctx, "lab_a", SettingsInput{TestCode: "GLU"}); err != nil {
		t.Fatal(err)
	}
	st, rules, err := svc.RuleSet(ctx, "lab_a", "GLU")
	if err != nil || st == nil || len(rules) != 0 {
		t.Fatalf("RuleSet: %+v %v %v", st, rules, err)
	}
	if svc.cache.size() != 1 {
		t.Fatalf("expected the rule set to be cached, size %d", svc.cache.size())
	}

	r, err := svc.CreateRule(ctx, "lab_a", "GLU", RuleInput{RuleType: RuleCriticalFlag})
	if err != nil {
		t.Fatal(err)
	}
	_, rules, _ = svc.RuleSet(ctx, "lab_a", "GLU")
	if len(rules) != 1 {
		t.Fatalf("rule create did not invalidate the cache, got %d rules", len(rules))
	}

	if _, err := svc.DisableRule(ctx, "lab_a", r.ID); err != nil {
		t.Fatal(err)
	}
	_, rules, _ = svc.RuleSet(ctx, "lab_a", "GLU")
	if rules[0].Enabled {
		t.Fatal("rule disable did not invalidate the cache")
	}

	if _, err := svc.UpdateSettings(ctx, "lab_a", "GLU", SettingsUpdate{Enabled: boolPtr(false)}); err != nil {
		t.Fatal(err)
	}
	st, _, _ = svc.RuleSet(ctx, "lab_a", "GLU")
	if st.Enabled {
		t.Fatal("settings update did not invalidate the cache")
	}

	if st, _, err := svc.RuleSet(ctx, "lab_a", "K"); err != nil || st != nil {
		t.Fatalf("missing settings should come back nil, got %+v %v", st, err)
	}
}

func TestSettings_CacheDisabled(t *testing.T) {
	svc := NewSettingsService(NewMemoryRuleStore(), zerolog.Nop(), 0, time.Second)
	if _, _, err := svc.RuleSet(context.Background(), "lab_a", "GLU"); err != nil {
		t.Fatal(err)
	}
	if svc.cache.size() != 0 {
		t.Fatal("zero TTL should disable caching")
	}
}

func TestSettings_InitializeDefaultRulesIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSettings()

	first, err := svc.InitializeDefaultRules(ctx, "lab_a", "GLU", "Glucose")
	if err != nil {
		t.Fatalf("InitializeDefaultRules: %v", err)
	}
	if len(first) != len(defaultRules) {
		t.Fatalf("expected %d default rules, got %d", len(defaultRules), len(first))
	}
	for i, r := range first {
		if r.RuleType != defaultRules[i].ruleType {
			t.Errorf("rule %d: type %s, want %s", i, r.RuleType, defaultRules[i].ruleType)
		}
		if r.RuleType == RuleDeltaCheck && r.Enabled {
			t.Error("default delta check should start disabled")
		}
	}
	st, err := svc.GetSettings(ctx, "lab_a", "GLU")
	if err != nil || !st.Enabled || st.TestName != "Glucose" {
		t.Fatalf("settings not created: %+v %v", st, err)
	}

	// A customised rule survives a second run.
	if _, err := svc.UpdateRule(ctx, "lab_a", first[0].ID, RuleUpdate{Priority: intPtr(9)}); err != nil {
		t.Fatal(err)
	}
	second, err := svc.InitializeDefaultRules(ctx, "lab_a", "GLU", "Glucose")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != len(defaultRules) {
		t.Fatalf("second run created duplicates: %d rules", len(second))
	}
	for _, r := range second {
		if r.ID == first[0].ID && r.Priority != 9 {
			t.Error("second run overwrote a customised rule")
		}
	}
}

const ruleDoc = `
tests:
  - test_code: GLU
    test_name: Glucose
    rules:
      - rule_type: reference_range
        priority: 1
      - rule_type: critical_range
        priority: 2
        params:
          low: 40
          high: 400
  - test_code: K
    enabled: false
    rules:
      - rule_type: critical_flag
        priority: 1
        params:
          flags: [C, LL, HH]
`

func TestSettings_ImportRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSettings()

	sum, err := svc.ImportRules(ctx, "lab_a", strings.NewReader(ruleDoc))
	if err != nil {
		t.Fatalf("ImportRules: %v", err)
	}
	if sum.SettingsCreated != 2 || sum.RulesCreated != 3 || sum.RulesUpdated != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	k, err := svc.GetSettings(ctx, "lab_a", "K")
	if err != nil || k.Enabled {
		t.Fatalf("K settings: %+v %v", k, err)
	}
	rules, _ := svc.ListRules(ctx, "lab_a", "K")
	if len(rules) != 1 || len(rules[0].Params.Flags) != 3 {
		t.Fatalf("K rules: %+v", rules)
	}

	// Re-importing updates in place.
	sum, err = svc.ImportRules(ctx, "lab_a", strings.NewReader(ruleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if sum.SettingsUpdated != 2 || sum.RulesUpdated != 3 || sum.RulesCreated != 0 {
		t.Fatalf("unexpected re-import summary %+v", sum)
	}
}

func TestSettings_ImportRulesRejectsBadDocuments(t *testing.T) {
	docs := map[string]string{
		"unknown field":  "tests:\n  - test_code: GLU\n    colour: red\n",
		"no tests":       "tests: []\n",
		"duplicate test": "tests:\n  - test_code: GLU\n  - test_code: GLU\n",
		"duplicate rule": "tests:\n  - test_code: GLU\n    rules:\n      - rule_type: critical_flag\n      - rule_type: critical_flag\n",
		"bad params":     "tests:\n  - test_code: GLU\n  - test_code: K\n    rules:\n      - rule_type: reference_range\n        params: {low: 9, high: 1}\n",
		"not yaml":       "{{{",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, store := newTestSettings()
			if _, err := svc.ImportRules(ctx, "lab_a", strings.NewReader(doc)); !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
			if _, total, _ := store.ListSettings(ctx, "lab_a", 10, 0); total != 0 {
				t.Fatalf("rejected document wrote %d settings", total)
			}
		})
	}
}
