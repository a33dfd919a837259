package review

import (
	"context"

	"github.com/google/uuid"
)

// Store persists reviews and their per-result decisions. Every call is
// scoped to a tenant.
type Store interface {
	// Create inserts a QUEUED review. It returns ErrReviewAlreadyExists when
	// the sample already has an open review.
	Create(ctx context.Context, r *Review) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Review, error)
	// GetOpenBySample returns the sample's non-DECIDED review or ErrReviewNotFound.
	GetOpenBySample(ctx context.Context, tenantID string, sampleID uuid.UUID) (*Review, error)
	// Update writes r if the stored version still equals r.Version and bumps
	// the version; otherwise it returns ErrVersionConflict. Decisions are
	// written when r is DECIDED.
	Update(ctx context.Context, r *Review) error
	ListOpen(ctx context.Context, tenantID string, limit, offset int) ([]*Review, int, error)
	List(ctx context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Review, int, error)
	ListByResult(ctx context.Context, tenantID string, resultID uuid.UUID) ([]*Review, error)
}
