package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Aggregation decides how per-result decisions combine into the overall one.
type Aggregation string

const (
	// AggregationUnanimous lets results without an explicit decision inherit
	// the overall decision; approval needs every sub-decision approved.
	AggregationUnanimous Aggregation = "unanimous"
	// AggregationStrict additionally requires an explicit decision for every
	// covered result unless the review is escalated.
	AggregationStrict Aggregation = "strict"
)

// ParseAggregation maps a configuration value to an Aggregation.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(strings.TrimSpace(s))) {
	case "", AggregationUnanimous:
		return AggregationUnanimous, nil
	case AggregationStrict:
		return AggregationStrict, nil
	}
	return "", fmt.Errorf("unknown review aggregation %q", s)
}

// Policy holds the tunable rules of the state machine.
type Policy struct {
	Aggregation     Aggregation
	AllowEscalation bool
}

// DefaultPolicy is unanimous aggregation with escalation enabled.
func DefaultPolicy() Policy {
	return Policy{Aggregation: AggregationUnanimous, AllowEscalation: true}
}

var stateTransitions = map[State][]State{
	StateQueued:     {StateInProgress, StateDecided},
	StateInProgress: {StateQueued, StateDecided},
	StateDecided:    {},
}

// ValidateTransition checks a state change against the lifecycle table.
func ValidateTransition(from, to State) error {
	if from == StateDecided {
		return ErrReviewCannotBeModified
	}
	allowed, ok := stateTransitions[from]
	if !ok {
		return fmt.Errorf("unknown review state %q: %w", from, ErrReviewStateTransition)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrReviewStateTransition)
}

// NewReview builds a QUEUED review. Duplicate result ids are collapsed.
func NewReview(tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID, reason string, now time.Time) (*Review, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", ErrInvalidInput)
	}
	if sampleID == uuid.Nil {
		return nil, fmt.Errorf("sample_id is required: %w", ErrInvalidInput)
	}
	ids := dedupe(resultIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one result id is required: %w", ErrInvalidInput)
	}
	return &Review{
		ID:          uuid.New(),
		TenantID:    tenantID,
		SampleID:    sampleID,
		ResultIDs:   ids,
		State:       StateQueued,
		QueueReason: reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Merge adds resultIDs not yet covered by an open review and reports whether
// anything changed. The queue reason of a merged review records every
// distinct reason it was queued for.
func Merge(r *Review, resultIDs []uuid.UUID, reason string, now time.Time) (bool, error) {
	if !r.IsOpen() {
		return false, ErrReviewCannotBeModified
	}
	changed := false
	for _, id := range dedupe(resultIDs) {
		if !r.Covers(id) {
			r.ResultIDs = append(r.ResultIDs, id)
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if reason != "" && !containsReason(r.QueueReason, reason) {
		if r.QueueReason == "" {
			r.QueueReason = reason
		} else {
			r.QueueReason += "; " + reason
		}
	}
	r.UpdatedAt = now
	return true, nil
}

// Claim moves a QUEUED review to IN_PROGRESS for reviewerID.
func Claim(r *Review, reviewerID string, now time.Time) error {
	if strings.TrimSpace(reviewerID) == "" {
		return fmt.Errorf("reviewer is required: %w", ErrInvalidInput)
	}
	if err := ValidateTransition(r.State, StateInProgress); err != nil {
		return err
	}
	r.State = StateInProgress
	r.ReviewerID = &reviewerID
	r.ClaimedAt = &now
	r.UpdatedAt = now
	return nil
}

// Release hands an IN_PROGRESS review back to the queue.
func Release(r *Review, now time.Time) error {
	if r.State != StateInProgress {
		if r.State == StateDecided {
			return ErrReviewCannotBeModified
		}
		return fmt.Errorf("%s -> %s: %w", r.State, StateQueued, ErrReviewStateTransition)
	}
	r.State = StateQueued
	r.ReviewerID = nil
	r.ClaimedAt = nil
	r.UpdatedAt = now
	return nil
}

// Decide validates req against r and, only when valid, moves r to DECIDED.
// It returns the effective decision for each covered result; applying them to
// the results is left to the caller.
func (p Policy) Decide(r *Review, req DecideRequest, now time.Time) (*Outcome, error) {
	if err := ValidateTransition(r.State, StateDecided); err != nil {
		return nil, err
	}

	explicit, err := p.validateDecisions(r, req.Decisions)
	if err != nil {
		return nil, err
	}

	overall, err := p.resolveOverall(r, req.Overall, explicit)
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.Reason)
	if (overall == DecisionRejected || overall == DecisionEscalated) && reason == "" {
		return nil, fmt.Errorf("a reason is required for a %s decision: %w", overall, ErrInvalidReviewDecision)
	}

	recorded := make([]ResultDecision, 0, len(r.ResultIDs))
	for _, id := range r.ResultIDs {
		in, ok := explicit[id]
		if !ok {
			if overall == DecisionEscalated {
				continue
			}
			in = DecisionInput{ResultID: id, Decision: overall}
		}
		d := ResultDecision{
			ID:        uuid.New(),
			TenantID:  r.TenantID,
			ReviewID:  r.ID,
			ResultID:  id,
			Decision:  in.Decision,
			DecidedAt: now,
		}
		if c := strings.TrimSpace(in.Comment); c != "" {
			d.Comment = &c
		}
		recorded = append(recorded, d)
	}

	r.State = StateDecided
	r.Decision = &overall
	if reason != "" {
		r.DecisionReason = &reason
	}
	if req.DecidedBy != "" {
		by := req.DecidedBy
		r.DecidedBy = &by
		if r.ReviewerID == nil {
			r.ReviewerID = &by
		}
	}
	r.DecidedAt = &now
	r.UpdatedAt = now
	r.Decisions = recorded

	out := &Outcome{Review: r, Overall: overall}
	if overall != DecisionEscalated {
		out.Effective = recorded
	}
	return out, nil
}

func (p Policy) validateDecisions(r *Review, in []DecisionInput) (map[uuid.UUID]DecisionInput, error) {
	explicit := make(map[uuid.UUID]DecisionInput, len(in))
	for _, d := range in {
		if !r.Covers(d.ResultID) {
			return nil, fmt.Errorf("result %s is not covered by review %s: %w", d.ResultID, r.ID, ErrInvalidReviewDecision)
		}
		if _, dup := explicit[d.ResultID]; dup {
			return nil, fmt.Errorf("result %s decided more than once: %w", d.ResultID, ErrInvalidReviewDecision)
		}
		if d.Decision != DecisionApproved && d.Decision != DecisionRejected {
			return nil, fmt.Errorf("result decision %q must be approved or rejected: %w", d.Decision, ErrInvalidReviewDecision)
		}
		explicit[d.ResultID] = d
	}
	return explicit, nil
}

func (p Policy) resolveOverall(r *Review, requested Decision, explicit map[uuid.UUID]DecisionInput) (Decision, error) {
	switch requested {
	case "", DecisionApproved, DecisionRejected:
	case DecisionEscalated:
		if !p.AllowEscalation {
			return "", fmt.Errorf("escalation is disabled: %w", ErrInvalidReviewDecision)
		}
		return DecisionEscalated, nil
	default:
		return "", fmt.Errorf("unknown overall decision %q: %w", requested, ErrInvalidReviewDecision)
	}

	complete := len(explicit) == len(r.ResultIDs)
	if p.Aggregation == AggregationStrict && !complete {
		return "", fmt.Errorf("every result needs an explicit decision (%d of %d given): %w",
			len(explicit), len(r.ResultIDs), ErrInvalidReviewDecision)
	}

	anyRejected := false
	for _, d := range explicit {
		if d.Decision == DecisionRejected {
			anyRejected = true
			break
		}
	}

	if requested == "" {
		if len(explicit) == 0 {
			return "", fmt.Errorf("an overall decision or per-result decisions are required: %w", ErrInvalidReviewDecision)
		}
		if !complete && !anyRejected {
			// Results without a decision have nothing to inherit from.
			return "", fmt.Errorf("overall decision is required when some results are undecided: %w", ErrInvalidReviewDecision)
		}
		if anyRejected {
			return DecisionRejected, nil
		}
		return DecisionApproved, nil
	}

	if requested == DecisionApproved && anyRejected {
		return "", fmt.Errorf("overall approved contradicts a rejected result: %w", ErrInvalidReviewDecision)
	}
	if requested == DecisionRejected && complete && !anyRejected {
		return "", fmt.Errorf("overall rejected contradicts all results approved: %w", ErrInvalidReviewDecision)
	}
	return requested, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func containsReason(all, reason string) bool {
	for _, part := range strings.Split(all, "; ") {
		if part == reason {
			return true
		}
	}
	return false
}
