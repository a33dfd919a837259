package verification

import (
	"time"

	"github.com/google/uuid"

	"github.com/ivd/middleware/internal/domain/lis"
	"github.com/ivd/middleware/internal/domain/review"
)

// RuleType is the closed set of verification checks.
type RuleType string

const (
	RuleReferenceRange RuleType = "reference_range"
	RuleCriticalRange  RuleType = "critical_range"
	RuleCriticalFlag   RuleType = "critical_flag"
	RuleDeltaCheck     RuleType = "delta_check"
)

var validRuleTypes = map[RuleType]bool{
	RuleReferenceRange: true,
	RuleCriticalRange:  true,
	RuleCriticalFlag:   true,
	RuleDeltaCheck:     true,
}

// Valid reports whether t is one of the known rule types.
func (t RuleType) Valid() bool { return validRuleTypes[t] }

// RuleParams is stored as JSONB. Only the fields relevant to the rule type are read.
type RuleParams struct {
	Low              *float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High             *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Flags            []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	ThresholdPercent *float64 `json:"threshold_percent,omitempty" yaml:"threshold_percent,omitempty"`
	LookbackDays     *int     `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`
}

// VerificationRule maps to the verification_rules table.
type VerificationRule struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	TestCode    string     `db:"test_code" json:"test_code"`
	RuleType    RuleType   `db:"rule_type" json:"rule_type"`
	Priority    int        `db:"priority" json:"priority"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	Params      RuleParams `db:"params" json:"params"`
	Description string     `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// AutoVerificationSettings maps to the auto_verification_settings table.
type AutoVerificationSettings struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	TestCode  string    `db:"test_code" json:"test_code"`
	TestName  string    `db:"test_name" json:"test_name"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Decision is the engine's verdict for one result.
type Decision string

const (
	DecisionAutoVerified Decision = "AUTO_VERIFIED"
	DecisionNeedsReview  Decision = "NEEDS_REVIEW"
	DecisionRejected     Decision = "REJECTED"
)

// Rule outcomes recorded in the trail.
const (
	OutcomePass        = "pass"
	OutcomeNeedsReview = "needs_review"
	OutcomeRejected    = "rejected"
	OutcomeSkipped     = "skipped"
)

// RuleRef identifies the rule that decided a verdict.
type RuleRef struct {
	ID   uuid.UUID `json:"id"`
	Type RuleType  `json:"type"`
}

// TrailEntry records one evaluated rule.
type TrailEntry struct {
	RuleID   uuid.UUID `json:"rule_id"`
	RuleType RuleType  `json:"rule_type"`
	Priority int       `json:"priority"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
}

type Verdict struct {
	Decision       Decision     `json:"decision"`
	Reason         string       `json:"reason,omitempty"`
	TriggeringRule *RuleRef     `json:"triggering_rule,omitempty"`
	Trail          []TrailEntry `json:"trail"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
}

// EvalContext carries everything the engine needs beyond the result itself.
type EvalContext struct {
	Now time.Time
	// Prior is the patient's most recent earlier result for the same test, if any.
	Prior *lis.Result
}

// ProcessOutcome is returned by ProcessResult.
type ProcessOutcome struct {
	Result       *lis.Result        `json:"result"`
	Verdict      *Verdict           `json:"verdict,omitempty"`
	Review       *review.Review     `json:"review,omitempty"`
	Queue        review.QueueResult `json:"queue,omitempty"`
	AlreadyFinal bool               `json:"already_final,omitempty"`
	ConfigError  string             `json:"config_error,omitempty"`
}

// BatchItem is one entry of a batch run.
type BatchItem struct {
	ResultID uuid.UUID       `json:"result_id"`
	Outcome  *ProcessOutcome `json:"outcome,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total        int         `json:"total"`
	AutoVerified int         `json:"auto_verified"`
	NeedsReview  int         `json:"needs_review"`
	Rejected     int         `json:"rejected"`
	Unchanged    int         `json:"unchanged"`
	Failed       int         `json:"failed"`
	Items        []BatchItem `json:"items"`
}

// DecideOutcome is returned by DecideReview.
type DecideOutcome struct {
	Review       *review.Review   `json:"review"`
	Results      []*lis.Result    `json:"results"`
	SampleStatus lis.SampleStatus `json:"sample_status"`
}

// History is the verification history of one result.
type History struct {
	Result  *lis.Result      `json:"result"`
	Reviews []*review.Review `json:"reviews"`
}
