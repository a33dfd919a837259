package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivd/middleware/internal/platform/db"
)

// QueueResult says what a queue call did to the sample's open review.
type QueueResult string

const (
	QueueCreated   QueueResult = "created"
	QueueMerged    QueueResult = "merged"
	QueueUnchanged QueueResult = "unchanged"
)

// mergeAttempts bounds the create/merge retry loop when another process races
// us on the same sample.
const mergeAttempts = 3

// Service drives the review lifecycle against a Store.
type Service struct {
	store   Store
	policy  Policy
	locks   *sampleLocks
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

// WithStoreTimeout bounds store calls when the caller's context has no deadline.
func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		policy:  DefaultPolicy(),
		locks:   newSampleLocks(),
		logger:  logger.With().Str("component", "review").Logger(),
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

// Queue creates a review for the sample and fails with ErrReviewAlreadyExists
// when one is already open.
func (s *Service) Queue(ctx context.Context, tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID, reason string) (*Review, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	r, err := NewReview(tenantID, sampleID, resultIDs, reason, s.now())
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(tenantID, sampleID)
	defer unlock()

	if _, err := s.store.GetOpenBySample(ctx, tenantID, sampleID); err == nil {
		return nil, fmt.Errorf("sample %s: %w", sampleID, ErrReviewAlreadyExists)
	} else if !errors.Is(err, ErrReviewNotFound) {
		return nil, db.Classify(fmt.Errorf("look up open review for sample %s: %w", sampleID, err))
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, db.Classify(fmt.Errorf("create review for sample %s: %w", sampleID, err))
	}

	s.logger.Info().Str("tenant_id", tenantID).Str("sample_id", sampleID.String()).
		Str("review_id", r.ID.String()).Int("results", len(r.ResultIDs)).Msg("review queued")
	return r, nil
}

// QueueOrMerge adds resultIDs to the sample's open review, creating one when
// none exists. Nothing is written when every result is already covered.
func (s *Service) QueueOrMerge(ctx context.Context, tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID, reason string) (*Review, QueueResult, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	fresh, err := NewReview(tenantID, sampleID, resultIDs, reason, s.now())
	if err != nil {
		return nil, "", err
	}

	unlock := s.locks.lock(tenantID, sampleID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < mergeAttempts; attempt++ {
		existing, err := s.store.GetOpenBySample(ctx, tenantID, sampleID)
		switch {
		case errors.Is(err, ErrReviewNotFound):
			err = s.store.Create(ctx, fresh)
			if errors.Is(err, ErrReviewAlreadyExists) || errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			if err != nil {
				return nil, "", db.Classify(fmt.Errorf("create review for sample %s: %w", sampleID, err))
			}
			s.logger.Info().Str("tenant_id", tenantID).Str("sample_id", sampleID.String()).
				Str("review_id", fresh.ID.String()).Int("results", len(fresh.ResultIDs)).Msg("review queued")
			return fresh, QueueCreated, nil

		case err != nil:
			return nil, "", db.Classify(fmt.Errorf("look up open review for sample %s: %w", sampleID, err))
		}

		changed, err := Merge(existing, fresh.ResultIDs, reason, s.now())
		if err != nil {
			return nil, "", err
		}
		if !changed {
			return existing, QueueUnchanged, nil
		}
		err = s.store.Update(ctx, existing)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrReviewCannotBeModified) {
			// Decided or touched elsewhere between read and write; look again.
			lastErr = err
			continue
		}
		if err != nil {
			return nil, "", db.Classify(fmt.Errorf("merge into review %s: %w", existing.ID, err))
		}
		s.logger.Info().Str("tenant_id", tenantID).Str("sample_id", sampleID.String()).
			Str("review_id", existing.ID.String()).Int("results", len(existing.ResultIDs)).Msg("review merged")
		return existing, QueueMerged, nil
	}
	return nil, "", fmt.Errorf("queue review for sample %s after %d attempts: %w", sampleID, mergeAttempts, lastErr)
}

// Claim assigns a QUEUED review to reviewerID.
func (s *Service) Claim(ctx context.Context, tenantID string, id uuid.UUID, reviewerID string) (*Review, error) {
	return s.transition(ctx, tenantID, id, "claim", func(r *Review) error {
		return Claim(r, reviewerID, s.now())
	})
}

// Release returns an IN_PROGRESS review to the queue.
func (s *Service) Release(ctx context.Context, tenantID string, id uuid.UUID) (*Review, error) {
	return s.transition(ctx, tenantID, id, "release", func(r *Review) error {
		return Release(r, s.now())
	})
}

// Decide validates and records a decision. The stored review is untouched
// when validation fails.
func (s *Service) Decide(ctx context.Context, tenantID string, id uuid.UUID, req DecideRequest) (*Outcome, error) {
	var out *Outcome
	_, err := s.transition(ctx, tenantID, id, "decide", func(r *Review) error {
		o, err := s.policy.Decide(r, req, s.now())
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("review_id", id.String()).
		Str("decision", string(out.Overall)).Str("decided_by", req.DecidedBy).Msg("review decided")
	return out, nil
}

func (s *Service) transition(ctx context.Context, tenantID string, id uuid.UUID, op string, apply func(*Review) error) (*Review, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	r, err := s.store.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("%s review %s: %w", op, id, err))
	}

	unlock := s.locks.lock(tenantID, r.SampleID)
	defer unlock()

	from := r.State
	if err := apply(r); err != nil {
		return nil, fmt.Errorf("%s review %s: %w", op, id, err)
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, db.Classify(fmt.Errorf("%s review %s: %w", op, id, err))
	}

	s.logger.Debug().Str("tenant_id", tenantID).Str("review_id", id.String()).
		Str("from", string(from)).Str("to", string(r.State)).Msg("review transition")
	return r, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Review, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	r, err := s.store.GetByID(ctx, tenantID, id)
	return r, db.Classify(err)
}

// ListOpen pages through the tenant's QUEUED and IN_PROGRESS reviews, oldest first.
func (s *Service) ListOpen(ctx context.Context, tenantID string, limit, offset int) ([]*Review, int, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, total, err := s.store.ListOpen(ctx, tenantID, limit, offset)
	return items, total, db.Classify(err)
}

func (s *Service) List(ctx context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Review, int, error) {
	if f.State != "" {
		if _, ok := stateTransitions[f.State]; !ok {
			return nil, 0, fmt.Errorf("unknown review state %q: %w", f.State, ErrInvalidInput)
		}
	}
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, total, err := s.store.List(ctx, tenantID, f, limit, offset)
	return items, total, db.Classify(err)
}

// ForResult returns every review, open or decided, that covered resultID.
func (s *Service) ForResult(ctx context.Context, tenantID string, resultID uuid.UUID) ([]*Review, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, err := s.store.ListByResult(ctx, tenantID, resultID)
	return items, db.Classify(err)
}
