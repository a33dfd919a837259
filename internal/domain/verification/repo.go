package verification

import (
	"context"

	"github.com/google/uuid"
)

// RuleStore persists auto-verification settings and rules. Every call is
// tenant-scoped.
type RuleStore interface {
	CreateSettings(ctx context.Context, s *AutoVerificationSettings) error
	GetSettings(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, error)
	ListSettings(ctx context.Context, tenantID string, limit, offset int) ([]*AutoVerificationSettings, int, error)
	UpdateSettings(ctx context.Context, s *AutoVerificationSettings) error
	DeleteSettings(ctx context.Context, tenantID, testCode string) error

	CreateRule(ctx context.Context, r *VerificationRule) error
	GetRule(ctx context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error)
	// ListRules returns the test code's rules ordered by priority, then
	// declaration order.
	ListRules(ctx context.Context, tenantID, testCode string) ([]*VerificationRule, error)
	UpdateRule(ctx context.Context, r *VerificationRule) error
	DeleteRule(ctx context.Context, tenantID string, id uuid.UUID) error
}
