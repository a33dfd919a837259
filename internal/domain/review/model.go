package review

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a review.
type State string

const (
	StateQueued     State = "QUEUED"
	StateInProgress State = "IN_PROGRESS"
	StateDecided    State = "DECIDED"
)

// Decision is a reviewer's verdict, either for the whole review or for one result.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
	DecisionEscalated Decision = "escalated"
)

// Review maps to the reviews table: a human-review work item covering one or
// more results of a single sample.
type Review struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	TenantID       string           `db:"tenant_id" json:"tenant_id"`
	SampleID       uuid.UUID        `db:"sample_id" json:"sample_id"`
	ResultIDs      []uuid.UUID      `db:"result_ids" json:"result_ids"`
	State          State            `db:"state" json:"state"`
	ReviewerID     *string          `db:"reviewer_id" json:"reviewer_id,omitempty"`
	QueueReason    string           `db:"queue_reason" json:"queue_reason"`
	Decision       *Decision        `db:"decision" json:"decision,omitempty"`
	DecisionReason *string          `db:"decision_reason" json:"decision_reason,omitempty"`
	DecidedBy      *string          `db:"decided_by" json:"decided_by,omitempty"`
	Decisions      []ResultDecision `db:"-" json:"decisions,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	ClaimedAt      *time.Time       `db:"claimed_at" json:"claimed_at,omitempty"`
	DecidedAt      *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
	Version        int              `db:"version" json:"version"`
}

// IsOpen reports whether the review still accepts work.
func (r *Review) IsOpen() bool {
	return r.State != StateDecided
}

// Covers reports whether resultID is one of the review's results.
func (r *Review) Covers(resultID uuid.UUID) bool {
	for _, id := range r.ResultIDs {
		if id == resultID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (r *Review) Clone() *Review {
	cp := *r
	cp.ResultIDs = append([]uuid.UUID(nil), r.ResultIDs...)
	cp.Decisions = append([]ResultDecision(nil), r.Decisions...)
	return &cp
}

// ResultDecision maps to the review_decisions table.
type ResultDecision struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	ReviewID  uuid.UUID `db:"review_id" json:"review_id"`
	ResultID  uuid.UUID `db:"result_id" json:"result_id"`
	Decision  Decision  `db:"decision" json:"decision"`
	Comment   *string   `db:"comment" json:"comment,omitempty"`
	DecidedAt time.Time `db:"decided_at" json:"decided_at"`
}

// DecisionInput is one per-result decision supplied by a reviewer.
type DecisionInput struct {
	ResultID uuid.UUID `json:"result_id" validate:"required"`
	Decision Decision  `json:"decision" validate:"required,oneof=approved rejected"`
	Comment  string    `json:"comment,omitempty"`
}

// DecideRequest is the full input of a decide transition.
type DecideRequest struct {
	Decisions []DecisionInput `json:"decisions" validate:"dive"`
	// Overall may be empty when the per-result decisions determine it.
	Overall   Decision `json:"overall_decision,omitempty" validate:"omitempty,oneof=approved rejected escalated"`
	Reason    string   `json:"reason,omitempty"`
	DecidedBy string   `json:"-"`
}

// Outcome is what a decided review asks the caller to apply to each result.
type Outcome struct {
	Review  *Review
	Overall Decision
	// Effective holds one decision per covered result, in review order.
	// Escalated reviews leave it empty: their results stay under review.
	Effective []ResultDecision
}

// ListFilter narrows ListReviews.
type ListFilter struct {
	State      State
	OpenOnly   bool
	ReviewerID string
	SampleID   *uuid.UUID
}
