package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ivd/middleware/internal/domain/lis"
	"github.com/ivd/middleware/internal/domain/review"
	"github.com/ivd/middleware/internal/platform/db"
	"github.com/ivd/middleware/internal/platform/notify"
)

// Recorder receives service metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveVerdict(decision string, d time.Duration)
	ObserveReview(event string)
	ObserveNotifyFailure()
}

type nopRecorder struct{}

func (nopRecorder) ObserveVerdict(string, time.Duration) {}
func (nopRecorder) ObserveReview(string)                 {}
func (nopRecorder) ObserveNotifyFailure()                {}

// Limits bounds list and batch operations.
type Limits struct {
	QueueDefaultLimit int
	QueueMaxLimit     int
	BatchSize         int
	BatchConcurrency  int
}

func DefaultLimits() Limits {
	return Limits{QueueDefaultLimit: 50, QueueMaxLimit: 500, BatchSize: 100, BatchConcurrency: 4}
}

// Service orchestrates the engine, the review machine and the LIS stores.
type Service struct {
	engine   *Engine
	settings *SettingsService
	results  lis.ResultStore
	samples  lis.SampleStore
	reviews  *review.Service
	notifier notify.Notifier
	metrics  Recorder
	limits   Limits
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithNotifier(n notify.Notifier) ServiceOption { return func(s *Service) { s.notifier = n } }
func WithRecorder(r Recorder) ServiceOption        { return func(s *Service) { s.metrics = r } }
func WithLimits(l Limits) ServiceOption            { return func(s *Service) { s.limits = l } }

// WithTimeout bounds store calls when the caller's context has no deadline.
func WithTimeout(d time.Duration) ServiceOption { return func(s *Service) { s.timeout = d } }

func WithNow(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(engine *Engine, settings *SettingsService, results lis.ResultStore, samples lis.SampleStore,
	reviews *review.Service, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		engine:   engine,
		settings: settings,
		results:  results,
		samples:  samples,
		reviews:  reviews,
		notifier: notify.Noop{},
		metrics:  nopRecorder{},
		limits:   DefaultLimits(),
		timeout:  5 * time.Second,
		logger:   logger.With().Str("component", "verification").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.limits.BatchConcurrency < 1 {
		s.limits.BatchConcurrency = 1
	}
	return s
}

func (s *Service) Limits() Limits { return s.limits }

// =========== Evaluation ===========

// EvaluateResult runs the engine without writing anything.
func (s *Service) EvaluateResult(ctx context.Context, tenantID string, resultID uuid.UUID) (*ProcessOutcome, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	res, err := s.results.GetByID(ctx, tenantID, resultID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("load result %s: %w", resultID, err))
	}
	st, rules, err := s.settings.RuleSet(ctx, tenantID, res.TestCode)
	if err != nil {
		return nil, err
	}
	ec, err := s.evalContext(ctx, res, rules)
	if err != nil {
		return nil, err
	}
	v, err := s.engine.Evaluate(res, st, rules, ec)
	out := &ProcessOutcome{Result: res, Verdict: &v, AlreadyFinal: res.IsFinal()}
	if err != nil {
		if !errors.Is(err, ErrInvalidConfiguration) {
			return nil, err
		}
		out.ConfigError = err.Error()
	}
	return out, nil
}

// ProcessResult evaluates a result and applies the verdict. A result that is
// already verified or rejected is returned as is.
func (s *Service) ProcessResult(ctx context.Context, tenantID string, resultID uuid.UUID) (*ProcessOutcome, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	res, err := s.results.GetByID(ctx, tenantID, resultID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("load result %s: %w", resultID, err))
	}
	if res.IsFinal() {
		return &ProcessOutcome{Result: res, AlreadyFinal: true}, nil
	}
	st, rules, err := s.settings.RuleSet(ctx, tenantID, res.TestCode)
	if err != nil {
		return nil, err
	}
	out, err := s.process(ctx, res, st, rules)
	if err != nil {
		return nil, err
	}
	s.rollUp(ctx, tenantID, res.SampleID)
	return out, nil
}

func (s *Service) process(ctx context.Context, res *lis.Result, st *AutoVerificationSettings, rules []*VerificationRule) (*ProcessOutcome, error) {
	start := time.Now()
	log := s.logger.With().Str("tenant_id", res.TenantID).Str("sample_id", res.SampleID.String()).
		Str("result_id", res.ID.String()).Str("test_code", res.TestCode).Logger()

	ec, err := s.evalContext(ctx, res, rules)
	if err != nil {
		return nil, err
	}
	v, evalErr := s.engine.Evaluate(res, st, rules, ec)
	if evalErr != nil && !errors.Is(evalErr, ErrInvalidConfiguration) {
		return nil, evalErr
	}
	out := &ProcessOutcome{Verdict: &v}

	var update lis.StatusUpdate
	switch v.Decision {
	case DecisionAutoVerified:
		update = lis.StatusUpdate{Status: lis.ResultVerified, Method: lis.MethodAuto, At: ec.Now}
	case DecisionNeedsReview:
		update = lis.StatusUpdate{Status: lis.ResultNeedsReview, Reason: v.Reason, At: ec.Now}
	default:
		update = lis.StatusUpdate{Status: lis.ResultRejected, Method: lis.MethodAuto, Reason: v.Reason, At: ec.Now}
		if evalErr != nil {
			out.ConfigError = evalErr.Error()
		}
	}

	updated, err := s.results.UpdateVerification(ctx, res.TenantID, res.ID, update)
	if errors.Is(err, lis.ErrResultImmutable) {
		// Finalized concurrently; report the stored state.
		current, gerr := s.results.GetByID(ctx, res.TenantID, res.ID)
		if gerr != nil {
			return nil, db.Classify(fmt.Errorf("reload result %s: %w", res.ID, gerr))
		}
		return &ProcessOutcome{Result: current, AlreadyFinal: true}, nil
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("set result %s %s: %w", res.ID, update.Status, err))
	}
	out.Result = updated
	s.metrics.ObserveVerdict(string(v.Decision), time.Since(start))

	switch v.Decision {
	case DecisionAutoVerified:
		log.Info().Str("decision", string(v.Decision)).Msg("result auto-verified")

	case DecisionNeedsReview:
		rv, qr, err := s.reviews.QueueOrMerge(ctx, res.TenantID, res.SampleID, []uuid.UUID{res.ID}, v.Reason)
		if err != nil {
			return nil, fmt.Errorf("queue review for result %s: %w", res.ID, err)
		}
		out.Review, out.Queue = rv, qr
		s.reviewQueued(ctx, rv, qr, v.Reason)
		log.Info().Str("decision", string(v.Decision)).Str("reason", v.Reason).
			Str("review_id", rv.ID.String()).Str("queue", string(qr)).Msg("result needs review")

	case DecisionRejected:
		log.Error().Err(evalErr).Str("decision", string(v.Decision)).Msg("result rejected: rule configuration error")
		s.publish(ctx, notify.Event{
			Type:      notify.ResultRejected,
			TenantID:  res.TenantID,
			SampleID:  res.SampleID,
			ResultIDs: []uuid.UUID{res.ID},
			Reason:    v.Reason,
			At:        ec.Now,
		})
	}
	return out, nil
}

// evalContext loads the delta-check history only when an enabled delta rule
// can use it.
func (s *Service) evalContext(ctx context.Context, res *lis.Result, rules []*VerificationRule) (EvalContext, error) {
	ec := EvalContext{Now: s.now()}
	if !s.engine.Options().DeltaCheckEnabled {
		return ec, nil
	}
	days, ok := maxLookback(orderRules(res.TestCode, rules))
	if !ok {
		return ec, nil
	}
	sample, err := s.samples.GetByID(ctx, res.TenantID, res.SampleID)
	if err != nil {
		return ec, db.Classify(fmt.Errorf("load sample %s for result %s: %w", res.SampleID, res.ID, err))
	}
	if sample.PatientID == "" {
		return ec, nil
	}
	since := ec.Now.Add(-time.Duration(days) * 24 * time.Hour)
	prior, err := s.results.PriorForPatient(ctx, res.TenantID, sample.PatientID, res.TestCode, res.ID, since, res.CreatedAt)
	if err != nil {
		return ec, db.Classify(fmt.Errorf("load prior result for %s: %w", res.ID, err))
	}
	ec.Prior = prior
	return ec, nil
}

// ProcessBatch processes up to BatchSize results. Failures are reported per
// item; rule sets are loaded once per test code.
func (s *Service) ProcessBatch(ctx context.Context, tenantID string, resultIDs []uuid.UUID) (*BatchSummary, error) {
	if len(resultIDs) == 0 {
		return nil, fmt.Errorf("result_ids cannot be empty: %w", ErrInvalidInput)
	}
	if len(resultIDs) > s.limits.BatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d: %w", len(resultIDs), s.limits.BatchSize, ErrInvalidInput)
	}
	return s.processBatch(ctx, tenantID, resultIDs)
}

// ProcessSample processes every result of a sample.
func (s *Service) ProcessSample(ctx context.Context, tenantID string, sampleID uuid.UUID) (*BatchSummary, error) {
	bctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	if _, err := s.samples.GetByID(bctx, tenantID, sampleID); err != nil {
		return nil, db.Classify(fmt.Errorf("load sample %s: %w", sampleID, err))
	}
	results, err := s.results.ListBySample(bctx, tenantID, sampleID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list results of sample %s: %w", sampleID, err))
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("sample %s has no results: %w", sampleID, ErrInvalidInput)
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return s.processBatch(ctx, tenantID, ids)
}

func (s *Service) processBatch(ctx context.Context, tenantID string, resultIDs []uuid.UUID) (*BatchSummary, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	ids := dedupeIDs(resultIDs)
	items := make([]BatchItem, len(ids))
	loaded := make([]*lis.Result, len(ids))

	var g errgroup.Group
	g.SetLimit(s.limits.BatchConcurrency)
	for i, id := range ids {
		items[i].ResultID = id
		g.Go(func() error {
			r, err := s.results.GetByID(ctx, tenantID, id)
			if err != nil {
				items[i].Error = db.Classify(err).Error()
				return nil
			}
			loaded[i] = r
			return nil
		})
	}
	_ = g.Wait()

	type loadedSet struct {
		settings *AutoVerificationSettings
		rules    []*VerificationRule
		err      error
	}
	sets := make(map[string]loadedSet)
	for _, r := range loaded {
		if r == nil || r.IsFinal() {
			continue
		}
		if _, ok := sets[r.TestCode]; ok {
			continue
		}
		st, rules, err := s.settings.RuleSet(ctx, tenantID, r.TestCode)
		sets[r.TestCode] = loadedSet{settings: st, rules: rules, err: err}
	}

	var mu sync.Mutex
	touched := make(map[uuid.UUID]bool)
	var samples []uuid.UUID

	var pg errgroup.Group
	pg.SetLimit(s.limits.BatchConcurrency)

	for i, r := range loaded {
		if r == nil {
			continue
		}
		if r.IsFinal() {
			items[i].Outcome = &ProcessOutcome{Result: r, AlreadyFinal: true}
			continue
		}
		set := sets[r.TestCode]
		if set.err != nil {
			items[i].Error = set.err.Error()
			continue
		}
		pg.Go(func() error {
			out, err := s.process(ctx, r, set.settings, set.rules)
			if err != nil {
				s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("result_id", r.ID.String()).Msg("batch item failed")
				items[i].Error = err.Error()
				return nil
			}
			items[i].Outcome = out
			mu.Lock()
			if !touched[r.SampleID] {
				touched[r.SampleID] = true
				samples = append(samples, r.SampleID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = pg.Wait()

	// One roll-up per sample, after every result of the batch has settled.
	for _, id := range samples {
		s.rollUp(ctx, tenantID, id)
	}

	sum := &BatchSummary{Total: len(ids), Items: items}
	for _, it := range items {
		switch {
		case it.Error != "":
			sum.Failed++
		case it.Outcome.AlreadyFinal:
			sum.Unchanged++
		case it.Outcome.Verdict.Decision == DecisionAutoVerified:
			sum.AutoVerified++
		case it.Outcome.Verdict.Decision == DecisionNeedsReview:
			sum.NeedsReview++
		default:
			sum.Rejected++
		}
	}
	s.logger.Info().Str("tenant_id", tenantID).Int("total", sum.Total).Int("auto_verified", sum.AutoVerified).
		Int("needs_review", sum.NeedsReview).Int("rejected", sum.Rejected).Int("unchanged", sum.Unchanged).
		Int("failed", sum.Failed).Msg("batch processed")
	return sum, nil
}

// rollUp recomputes the sample status from its results. The status is
// derived, so a failure is logged and repaired by the next roll-up.
func (s *Service) rollUp(ctx context.Context, tenantID string, sampleID uuid.UUID) lis.SampleStatus {
	results, err := s.results.ListBySample(ctx, tenantID, sampleID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("sample_id", sampleID.String()).Msg("sample roll-up skipped")
		return ""
	}
	status := lis.RollUp(results)
	if err := s.samples.UpdateStatus(ctx, tenantID, sampleID, status); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("sample_id", sampleID.String()).Msg("sample roll-up failed")
		return ""
	}
	return status
}

// =========== Reviews ===========

// QueueReview queues results of a sample for review, merging into the open
// review when there is one.
func (s *Service) QueueReview(ctx context.Context, tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID, reason string) (*review.Review, review.QueueResult, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	pending, err := s.checkReviewable(ctx, tenantID, sampleID, resultIDs)
	if err != nil {
		return nil, "", err
	}
	rv, qr, err := s.reviews.QueueOrMerge(ctx, tenantID, sampleID, resultIDs, reason)
	if err != nil {
		return nil, "", err
	}
	if err := s.markNeedsReview(ctx, tenantID, pending, reason); err != nil {
		return nil, "", err
	}
	s.reviewQueued(ctx, rv, qr, reason)
	return rv, qr, nil
}

// CreateReview opens a review and fails with ErrReviewAlreadyExists when the
// sample already has an open one.
func (s *Service) CreateReview(ctx context.Context, tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID, reason string) (*review.Review, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	pending, err := s.checkReviewable(ctx, tenantID, sampleID, resultIDs)
	if err != nil {
		return nil, err
	}
	rv, err := s.reviews.Queue(ctx, tenantID, sampleID, resultIDs, reason)
	if err != nil {
		return nil, err
	}
	if err := s.markNeedsReview(ctx, tenantID, pending, reason); err != nil {
		return nil, err
	}
	s.reviewQueued(ctx, rv, review.QueueCreated, reason)
	return rv, nil
}

// checkReviewable verifies that every result belongs to the sample and can
// still change. It returns the ids still pending.
func (s *Service) checkReviewable(ctx context.Context, tenantID string, sampleID uuid.UUID, resultIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(resultIDs) == 0 {
		return nil, fmt.Errorf("result_ids cannot be empty: %w", ErrInvalidInput)
	}
	var pending []uuid.UUID
	for _, id := range resultIDs {
		r, err := s.results.GetByID(ctx, tenantID, id)
		if err != nil {
			return nil, db.Classify(fmt.Errorf("load result %s: %w", id, err))
		}
		if r.SampleID != sampleID {
			return nil, fmt.Errorf("result %s belongs to sample %s, not %s: %w", id, r.SampleID, sampleID, ErrInvalidInput)
		}
		if r.IsFinal() {
			return nil, fmt.Errorf("result %s is %s: %w", id, r.VerificationStatus, ErrResultImmutable)
		}
		if r.VerificationStatus == lis.ResultPending {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

func (s *Service) markNeedsReview(ctx context.Context, tenantID string, ids []uuid.UUID, reason string) error {
	for _, id := range ids {
		_, err := s.results.UpdateVerification(ctx, tenantID, id, lis.StatusUpdate{
			Status: lis.ResultNeedsReview, Reason: reason, At: s.now(),
		})
		if err != nil {
			return db.Classify(fmt.Errorf("set result %s needs_review: %w", id, err))
		}
	}
	return nil
}

func (s *Service) ClaimReview(ctx context.Context, tenantID string, id uuid.UUID, reviewerID string) (*review.Review, error) {
	rv, err := s.reviews.Claim(ctx, tenantID, id, reviewerID)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveReview("claimed")
	return rv, nil
}

func (s *Service) ReleaseReview(ctx context.Context, tenantID string, id uuid.UUID) (*review.Review, error) {
	rv, err := s.reviews.Release(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveReview("released")
	return rv, nil
}

// DecideReview records the decision, applies it to the covered results with
// method manual and rolls the sample status up.
func (s *Service) DecideReview(ctx context.Context, tenantID string, id uuid.UUID, req review.DecideRequest) (*DecideOutcome, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	out, err := s.reviews.Decide(ctx, tenantID, id, req)
	if errors.Is(err, review.ErrReviewCannotBeModified) {
		return s.resumeDecision(ctx, tenantID, id, err)
	}
	if err != nil {
		return nil, err
	}
	return s.applyDecision(ctx, tenantID, out.Review, out.Overall, out.Effective)
}

// resumeDecision finishes a decided review whose result updates did not all
// land. The recorded decisions are applied, not the new request. Once every
// decided result is final it returns cause.
func (s *Service) resumeDecision(ctx context.Context, tenantID string, id uuid.UUID, cause error) (*DecideOutcome, error) {
	rv, err := s.reviews.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rv.Decision == nil || *rv.Decision == review.DecisionEscalated {
		return nil, cause
	}
	unfinished := false
	for _, d := range rv.Decisions {
		r, err := s.results.GetByID(ctx, tenantID, d.ResultID)
		if err != nil {
			return nil, db.Classify(fmt.Errorf("load result %s of review %s: %w", d.ResultID, rv.ID, err))
		}
		if !r.IsFinal() {
			unfinished = true
			break
		}
	}
	if !unfinished {
		return nil, cause
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("review_id", rv.ID.String()).
		Msg("re-applying partially applied review decision")
	return s.applyDecision(ctx, tenantID, rv, *rv.Decision, rv.Decisions)
}

func (s *Service) applyDecision(ctx context.Context, tenantID string, rv *review.Review, overall review.Decision, effective []review.ResultDecision) (*DecideOutcome, error) {
	now := s.now()
	applied := make([]*lis.Result, 0, len(effective))
	for _, d := range effective {
		u := lis.StatusUpdate{Status: lis.ResultVerified, Method: lis.MethodManual, At: now}
		if d.Decision == review.DecisionRejected {
			u.Status = lis.ResultRejected
		}
		switch {
		case d.Comment != nil:
			u.Reason = *d.Comment
		case rv.DecisionReason != nil:
			u.Reason = *rv.DecisionReason
		}
		r, err := s.results.UpdateVerification(ctx, tenantID, d.ResultID, u)
		if errors.Is(err, lis.ErrResultImmutable) {
			s.logger.Debug().Str("tenant_id", tenantID).Str("review_id", rv.ID.String()).
				Str("result_id", d.ResultID.String()).Msg("result already final, decision not applied")
			r, err = s.results.GetByID(ctx, tenantID, d.ResultID)
		}
		if err != nil {
			return nil, db.Classify(fmt.Errorf("apply review %s decision to result %s: %w", rv.ID, d.ResultID, err))
		}
		applied = append(applied, r)
	}

	var reason string
	if rv.DecisionReason != nil {
		reason = *rv.DecisionReason
	}
	status := s.rollUp(ctx, tenantID, rv.SampleID)
	s.metrics.ObserveReview("decided")
	s.publish(ctx, notify.Event{
		Type:      notify.ReviewDecided,
		TenantID:  tenantID,
		SampleID:  rv.SampleID,
		ReviewID:  &rv.ID,
		ResultIDs: rv.ResultIDs,
		Decision:  string(overall),
		Reason:    reason,
		At:        now,
	})
	return &DecideOutcome{Review: rv, Results: applied, SampleStatus: status}, nil
}

func (s *Service) GetReview(ctx context.Context, tenantID string, id uuid.UUID) (*review.Review, error) {
	return s.reviews.Get(ctx, tenantID, id)
}

// ListOpenReviews pages through open reviews, oldest first. A non-positive
// limit means the default; limits above the maximum are clamped.
func (s *Service) ListOpenReviews(ctx context.Context, tenantID string, skip, limit int) ([]*review.Review, int, error) {
	return s.reviews.ListOpen(ctx, tenantID, s.clampLimit(limit), max(skip, 0))
}

func (s *Service) ListReviews(ctx context.Context, tenantID string, f review.ListFilter, skip, limit int) ([]*review.Review, int, error) {
	return s.reviews.List(ctx, tenantID, f, s.clampLimit(limit), max(skip, 0))
}

// VerificationHistory returns a result with every review that covered it.
func (s *Service) VerificationHistory(ctx context.Context, tenantID string, resultID uuid.UUID) (*History, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()

	res, err := s.results.GetByID(ctx, tenantID, resultID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("load result %s: %w", resultID, err))
	}
	reviews, err := s.reviews.ForResult(ctx, tenantID, resultID)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []*review.Review{}
	}
	return &History{Result: res, Reviews: reviews}, nil
}

// PendingQueue lists results that have not been processed yet, oldest first.
func (s *Service) PendingQueue(ctx context.Context, tenantID string, limit int) ([]*lis.Result, int, error) {
	ctx, cancel := db.Bound(ctx, s.timeout)
	defer cancel()
	items, total, err := s.results.ListByStatus(ctx, tenantID, lis.ResultPending, s.clampLimit(limit), 0)
	return items, total, db.Classify(err)
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.limits.QueueDefaultLimit
	}
	return min(limit, s.limits.QueueMaxLimit)
}

// =========== Events ===========

func (s *Service) reviewQueued(ctx context.Context, rv *review.Review, qr review.QueueResult, reason string) {
	t := notify.ReviewQueued
	switch qr {
	case review.QueueUnchanged:
		return
	case review.QueueMerged:
		t = notify.ReviewMerged
	}
	s.metrics.ObserveReview(string(qr))
	s.publish(ctx, notify.Event{
		Type:      t,
		TenantID:  rv.TenantID,
		SampleID:  rv.SampleID,
		ReviewID:  &rv.ID,
		ResultIDs: rv.ResultIDs,
		Reason:    reason,
		At:        s.now(),
	})
}

// publish never fails the calling operation.
func (s *Service) publish(ctx context.Context, e notify.Event) {
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.metrics.ObserveNotifyFailure()
		s.logger.Warn().Err(err).Str("tenant_id", e.TenantID).Str("event", string(e.Type)).Msg("event not published")
	}
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
