package verification

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivd/middleware/internal/domain/lis"
	"github.com/ivd/middleware/internal/domain/review"
	"github.com/ivd/middleware/internal/platform/db"
)

var (
	ErrRuleNotFound         = errors.New("verification rule not found")
	ErrSettingsNotFound     = errors.New("auto-verification settings not found")
	ErrRuleAlreadyExists    = errors.New("a rule of this type already exists for the test code")
	ErrSettingsAlreadyExist = errors.New("auto-verification settings already exist for the test code")
	ErrInvalidConfiguration = errors.New("invalid verification configuration")
)

// Errors owned by the collaborating packages, re-exported so callers of this
// package can match the whole taxonomy in one place.
var (
	ErrResultNotFound         = lis.ErrResultNotFound
	ErrSampleNotFound         = lis.ErrSampleNotFound
	ErrResultImmutable        = lis.ErrResultImmutable
	ErrReviewNotFound         = review.ErrReviewNotFound
	ErrReviewStateTransition  = review.ErrReviewStateTransition
	ErrReviewCannotBeModified = review.ErrReviewCannotBeModified
	ErrInvalidReviewDecision  = review.ErrInvalidReviewDecision
	ErrReviewAlreadyExists    = review.ErrReviewAlreadyExists
	ErrVersionConflict        = review.ErrVersionConflict
	ErrInvalidInput           = review.ErrInvalidInput
	ErrStoreUnavailable       = db.ErrStoreUnavailable
)

// RuleConfigError reports a rule whose parameters cannot be evaluated.
// It matches ErrInvalidConfiguration.
type RuleConfigError struct {
	RuleID   uuid.UUID
	RuleType RuleType
	TenantID string
	TestCode string
	Problem  string
}

func (e *RuleConfigError) Error() string {
	return fmt.Sprintf("rule %s (%s) for %s/%s: %s", e.RuleID, e.RuleType, e.TenantID, e.TestCode, e.Problem)
}

func (e *RuleConfigError) Unwrap() error { return ErrInvalidConfiguration }
