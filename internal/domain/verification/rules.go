package verification

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ivd/middleware/internal/domain/lis"
)

const (
	defaultLookbackDays = 30
	maxLookbackDays     = 365
	maxThresholdPercent = 1000
)

// defaultCriticalFlags applies when a critical_flag rule names no flags.
var defaultCriticalFlags = []string{"C"}

// step is the result of applying one check.
type step struct {
	outcome string
	detail  string
}

func pass(detail string) step        { return step{OutcomePass, detail} }
func needsReview(detail string) step { return step{OutcomeNeedsReview, detail} }
func skipped(detail string) step     { return step{OutcomeSkipped, detail} }

// check is the uniform contract of every rule variant.
type check interface {
	apply(res *lis.Result, ec EvalContext) step
}

type referenceRange struct{ low, high *float64 }

type criticalRange struct{ low, high *float64 }

type criticalFlag struct{ flags map[string]bool }

type deltaCheck struct {
	thresholdPercent float64
	lookback         time.Duration
}

// compile turns a stored rule into its check. Malformed parameters come back
// as a *RuleConfigError.
func compile(r *VerificationRule) (check, error) {
	if problem := paramsProblem(r.RuleType, r.Params); problem != "" {
		return nil, &RuleConfigError{
			RuleID:   r.ID,
			RuleType: r.RuleType,
			TenantID: r.TenantID,
			TestCode: r.TestCode,
			Problem:  problem,
		}
	}

	p := r.Params
	switch r.RuleType {
	case RuleReferenceRange:
		return referenceRange{low: p.Low, high: p.High}, nil
	case RuleCriticalRange:
		return criticalRange{low: p.Low, high: p.High}, nil
	case RuleCriticalFlag:
		flags := p.Flags
		if flags == nil {
			flags = defaultCriticalFlags
		}
		set := make(map[string]bool, len(flags))
		for _, f := range flags {
			set[strings.ToUpper(strings.TrimSpace(f))] = true
		}
		return criticalFlag{flags: set}, nil
	default:
		days := defaultLookbackDays
		if p.LookbackDays != nil {
			days = *p.LookbackDays
		}
		return deltaCheck{
			thresholdPercent: *p.ThresholdPercent,
			lookback:         time.Duration(days) * 24 * time.Hour,
		}, nil
	}
}

// paramsProblem describes what is wrong with p for rule type t, or returns "".
func paramsProblem(t RuleType, p RuleParams) string {
	switch t {
	case RuleReferenceRange, RuleCriticalRange:
		for _, b := range []*float64{p.Low, p.High} {
			if b != nil && (math.IsNaN(*b) || math.IsInf(*b, 0)) {
				return "range bounds must be finite numbers"
			}
		}
		if p.Low != nil && p.High != nil && *p.Low > *p.High {
			return fmt.Sprintf("low (%s) is greater than high (%s)", num(*p.Low), num(*p.High))
		}
	case RuleCriticalFlag:
		if p.Flags != nil && len(p.Flags) == 0 {
			return "flag set is empty"
		}
		for _, f := range p.Flags {
			if strings.TrimSpace(f) == "" {
				return "flag set contains a blank flag"
			}
		}
	case RuleDeltaCheck:
		if p.ThresholdPercent == nil {
			return "threshold_percent is required"
		}
		th := *p.ThresholdPercent
		if math.IsNaN(th) || th < 0 {
			return fmt.Sprintf("threshold_percent (%s) cannot be negative", num(th))
		}
		if th > maxThresholdPercent {
			return fmt.Sprintf("threshold_percent (%s) exceeds %d", num(th), maxThresholdPercent)
		}
		if p.LookbackDays != nil {
			if d := *p.LookbackDays; d < 1 || d > maxLookbackDays {
				return fmt.Sprintf("lookback_days (%d) must be between 1 and %d", d, maxLookbackDays)
			}
		}
	default:
		return fmt.Sprintf("unknown rule type %q", t)
	}
	return ""
}

func (c referenceRange) apply(res *lis.Result, _ EvalContext) step {
	v, ok := res.NumericValue()
	if !ok {
		return needsReview(fmt.Sprintf("value %q is not numeric", valueOf(res)))
	}
	low, high := c.low, c.high
	if low == nil {
		low = res.ReferenceRangeLow
	}
	if high == nil {
		high = res.ReferenceRangeHigh
	}
	if low != nil && v < *low {
		return needsReview(fmt.Sprintf("value %s below reference range %s", num(v), bounds(low, high)))
	}
	if high != nil && v > *high {
		return needsReview(fmt.Sprintf("value %s above reference range %s", num(v), bounds(low, high)))
	}
	return pass(fmt.Sprintf("value %s within %s", num(v), bounds(low, high)))
}

func (c criticalRange) apply(res *lis.Result, _ EvalContext) step {
	if c.low == nil && c.high == nil {
		return skipped("no critical bounds configured")
	}
	v, ok := res.NumericValue()
	if !ok {
		return needsReview(fmt.Sprintf("value %q is not numeric", valueOf(res)))
	}
	if c.low != nil && v <= *c.low {
		return needsReview(fmt.Sprintf("value %s critically low (<= %s)", num(v), num(*c.low)))
	}
	if c.high != nil && v >= *c.high {
		return needsReview(fmt.Sprintf("value %s critically high (>= %s)", num(v), num(*c.high)))
	}
	return pass(fmt.Sprintf("value %s outside critical limits", num(v)))
}

func (c criticalFlag) apply(res *lis.Result, _ EvalContext) step {
	var hits []string
	for _, f := range res.Flags() {
		if c.flags[f] {
			hits = append(hits, f)
		}
	}
	if len(hits) > 0 {
		return needsReview("critical flag " + strings.Join(hits, ", "))
	}
	return pass("no critical flags")
}

func (c deltaCheck) apply(res *lis.Result, ec EvalContext) step {
	prior := ec.Prior
	if prior == nil || prior.ID == res.ID {
		return skipped("no prior result")
	}
	if !ec.Now.IsZero() && prior.CreatedAt.Before(ec.Now.Add(-c.lookback)) {
		return skipped("prior result outside lookback window")
	}
	cur, ok := res.NumericValue()
	if !ok {
		return skipped("current value is not numeric")
	}
	prev, ok := prior.NumericValue()
	if !ok {
		return skipped("prior value is not numeric")
	}
	if prev == 0 {
		if cur == 0 {
			return pass("no change from 0")
		}
		return needsReview(fmt.Sprintf("value changed from 0 to %s", num(cur)))
	}
	change := math.Abs((cur - prev) / prev * 100)
	if change > c.thresholdPercent {
		return needsReview(fmt.Sprintf("delta %.1f%% from prior %s exceeds %s%%", change, num(prev), num(c.thresholdPercent)))
	}
	return pass(fmt.Sprintf("delta %.1f%% within %s%%", change, num(c.thresholdPercent)))
}

func num(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func bounds(low, high *float64) string {
	l, h := "-inf", "+inf"
	if low != nil {
		l = num(*low)
	}
	if high != nil {
		h = num(*high)
	}
	return "[" + l + ", " + h + "]"
}

func valueOf(res *lis.Result) string {
	if res.Value == nil {
		return ""
	}
	return *res.Value
}
