package verification

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ivd/middleware/internal/domain/lis"
)

// ReasonAutoVerificationDisabled is the verdict reason when the engine is not invoked.
const ReasonAutoVerificationDisabled = "auto-verification disabled"

// EngineOptions are the process-wide switches of the engine.
type EngineOptions struct {
	AutoVerificationEnabled bool
	DeltaCheckEnabled       bool
}

// Engine evaluates a result against its rule set. It holds no state besides
// its options and never touches a store.
type Engine struct {
	opts EngineOptions
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{opts: opts}
}

func (e *Engine) Options() EngineOptions { return e.opts }

// Evaluate applies the enabled rules in priority order and stops at the first
// rule that does not pass. A rule with malformed parameters yields a REJECTED
// verdict together with its *RuleConfigError.
func (e *Engine) Evaluate(res *lis.Result, settings *AutoVerificationSettings, rules []*VerificationRule, ec EvalContext) (Verdict, error) {
	if res == nil {
		return Verdict{}, fmt.Errorf("result is required: %w", ErrInvalidInput)
	}

	v := Verdict{EvaluatedAt: ec.Now, Trail: []TrailEntry{}}
	if !e.opts.AutoVerificationEnabled || settings == nil || !settings.Enabled {
		v.Decision = DecisionNeedsReview
		v.Reason = ReasonAutoVerificationDisabled
		return v, nil
	}

	for _, r := range orderRules(res.TestCode, rules) {
		entry := TrailEntry{RuleID: r.ID, RuleType: r.RuleType, Priority: r.Priority}

		if r.RuleType == RuleDeltaCheck && !e.opts.DeltaCheckEnabled {
			entry.Outcome = OutcomeSkipped
			entry.Detail = "delta check disabled"
			v.Trail = append(v.Trail, entry)
			continue
		}

		c, err := compile(r)
		if err != nil {
			var cfgErr *RuleConfigError
			errors.As(err, &cfgErr)
			entry.Outcome = OutcomeRejected
			entry.Detail = cfgErr.Problem
			v.Trail = append(v.Trail, entry)
			v.Decision = DecisionRejected
			v.Reason = fmt.Sprintf("%s rule misconfigured: %s", r.RuleType, cfgErr.Problem)
			v.TriggeringRule = &RuleRef{ID: r.ID, Type: r.RuleType}
			return v, err
		}

		s := c.apply(res, ec)
		entry.Outcome = s.outcome
		entry.Detail = s.detail
		v.Trail = append(v.Trail, entry)

		if s.outcome == OutcomeNeedsReview {
			v.Decision = DecisionNeedsReview
			v.Reason = fmt.Sprintf("%s: %s", r.RuleType, s.detail)
			v.TriggeringRule = &RuleRef{ID: r.ID, Type: r.RuleType}
			return v, nil
		}
	}

	v.Decision = DecisionAutoVerified
	return v, nil
}

// orderRules keeps the enabled rules for testCode and stable-sorts them by
// priority, so equal priorities keep their declaration order.
func orderRules(testCode string, rules []*VerificationRule) []*VerificationRule {
	out := make([]*VerificationRule, 0, len(rules))
	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		if r.TestCode != "" && r.TestCode != testCode {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// maxLookback is the widest delta window among the enabled rules, used by the
// caller to bound the prior-result lookup.
func maxLookback(rules []*VerificationRule) (days int, ok bool) {
	for _, r := range rules {
		if r == nil || !r.Enabled || r.RuleType != RuleDeltaCheck {
			continue
		}
		d := defaultLookbackDays
		if r.Params.LookbackDays != nil && *r.Params.LookbackDays > 0 {
			d = *r.Params.LookbackDays
		}
		if d > days {
			days = d
		}
		ok = true
	}
	return days, ok
}
