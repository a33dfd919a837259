package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ivd/middleware/internal/domain/lis"
	"github.com/ivd/middleware/internal/domain/review"
	"github.com/ivd/middleware/internal/platform/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type countingRecorder struct {
	mu       sync.Mutex
	verdicts map[string]int
	reviews  map[string]int
	failures int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{verdicts: map[string]int{}, reviews: map[string]int{}}
}

func (r *countingRecorder) ObserveVerdict(decision string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[decision]++
}

func (r *countingRecorder) ObserveReview(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews[event]++
}

func (r *countingRecorder) ObserveNotifyFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, notify.Event) error { return errors.New("broker down") }
func (failingNotifier) Close()                                     {}

type harness struct {
	svc      *Service
	settings *SettingsService
	ruleDB   *MemoryRuleStore
	lisDB    *lis.MemoryStore
	reviews  *review.Service
	events   *notify.Memory
	rec      *countingRecorder
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	h := &harness{
		ruleDB: NewMemoryRuleStore(),
		lisDB:  lis.NewMemoryStore(),
		events: notify.NewMemory(),
		rec:    newCountingRecorder(),
	}
	h.settings = NewSettingsService(h.ruleDB, zerolog.Nop(), time.Minute, time.Second)
	h.reviews = review.NewService(review.NewMemoryStore(), zerolog.Nop(), review.WithClock(func() time.Time { return evalNow }))
	opts = append([]ServiceOption{
		WithNotifier(h.events),
		WithRecorder(h.rec),
		WithNow(func() time.Time { return evalNow }),
	}, opts...)
	h.svc = NewService(newTestEngine(), h.settings, h.lisDB.Results(), h.lisDB.Samples(), h.reviews, zerolog.Nop(), opts...)

	for _, code := range []string{"GLU", "K"} {
		if _, err := h.settings.InitializeDefaultRules(context.Background(), "lab_a", code, code); err != nil {
			t.Fatalf("seed rules for %s: %v", code, err)
		}
	}
	return h
}

func (h *harness) sample(t *testing.T, patient string) *lis.Sample {
	t.Helper()
	s := &lis.Sample{TenantID: "lab_a", ExternalLISID: "ext-" + uuid.NewString()[:8], PatientID: patient, CollectionDate: evalNow}
	if err := h.lisDB.Samples().Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) result(t *testing.T, s *lis.Sample, code, value string, low, high *float64, flags string) *lis.Result {
	t.Helper()
	r := numericResult(code, value, low, high, flags)
	r.SampleID = s.ID
	if err := h.lisDB.Results().Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) sampleStatus(t *testing.T, id uuid.UUID) lis.SampleStatus {
	t.Helper()
	s, err := h.lisDB.Samples().GetByID(context.Background(), "lab_a", id)
	if err != nil {
		t.Fatal(err)
	}
	return s.Status
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *lis.Result {
	t.Helper()
	r, err := h.lisDB.Results().GetByID(context.Background(), "lab_a", id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestService_ProcessResult_AutoVerifiedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "95", floatPtr(70), floatPtr(110), "")

	out, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	if out.Verdict.Decision != DecisionAutoVerified || out.Result.VerificationStatus != lis.ResultVerified {
		t.Fatalf("unexpected outcome %+v", out.Verdict)
	}
	if m := out.Result.VerificationMethod; m == nil || *m != lis.MethodAuto {
		t.Errorf("method = %v, want auto", m)
	}
	if got := h.sampleStatus(t, s.ID); got != lis.SampleVerified {
		t.Errorf("sample status = %s", got)
	}

	before := h.stored(t, r.ID)
	again, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AlreadyFinal || again.Verdict != nil {
		t.Fatalf("second run should be a no-op, got %+v", again)
	}
	if after := h.stored(t, r.ID); !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("second run touched the stored result")
	}
	if h.rec.verdicts[string(DecisionAutoVerified)] != 1 {
		t.Errorf("verdicts recorded: %v", h.rec.verdicts)
	}
}

func TestService_ProcessResult_NeedsReviewQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")

	out, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	if out.Result.VerificationStatus != lis.ResultNeedsReview || out.Review == nil || out.Queue != review.QueueCreated {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Result.VerificationReason == nil || *out.Result.VerificationReason != out.Verdict.Reason {
		t.Errorf("reason not recorded on the result: %v", out.Result.VerificationReason)
	}
	if got := h.sampleStatus(t, s.ID); got != lis.SampleNeedsReview {
		t.Errorf("sample status = %s", got)
	}
	if ev := h.events.OfType(notify.ReviewQueued); len(ev) != 1 || ev[0].ReviewID == nil || *ev[0].ReviewID != out.Review.ID {
		t.Fatalf("expected one review.queued event, got %+v", h.events.Events())
	}

	// Reprocessing a result under review merges into the same review.
	again, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Review.ID != out.Review.ID || again.Queue != review.QueueUnchanged {
		t.Fatalf("reprocess created a new review or wrote it: %+v", again)
	}
	if len(h.events.Events()) != 1 {
		t.Errorf("unchanged queue should not publish, events %+v", h.events.Events())
	}
}

func TestService_ProcessResult_SecondResultMergesIntoOpenReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	glu := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	k := h.result(t, s, "K", "4.0", floatPtr(3.5), floatPtr(5.1), "C")

	first, err := h.svc.ProcessResult(ctx, "lab_a", glu.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.ProcessResult(ctx, "lab_a", k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Review.ID != first.Review.ID || second.Queue != review.QueueMerged {
		t.Fatalf("expected merge into %s, got %+v", first.Review.ID, second)
	}
	if len(second.Review.ResultIDs) != 2 {
		t.Fatalf("merged review covers %v", second.Review.ResultIDs)
	}
	open, total, err := h.svc.ListOpenReviews(ctx, "lab_a", 0, 0)
	if err != nil || total != 1 || len(open) != 1 {
		t.Fatalf("expected one open review, got %d (%v)", total, err)
	}
	if len(h.events.OfType(notify.ReviewMerged)) != 1 {
		t.Errorf("expected a review.merged event, got %+v", h.events.Events())
	}
}

func TestService_QueueReview_MergesAndCreateReviewConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r1 := h.result(t, s, "GLU", "95", floatPtr(70), floatPtr(110), "")
	r2 := h.result(t, s, "K", "4.0", nil, nil, "")

	created, err := h.svc.CreateReview(ctx, "lab_a", s.ID, []uuid.UUID{r1.ID}, "hemolysed specimen")
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	if got := h.stored(t, r1.ID).VerificationStatus; got != lis.ResultNeedsReview {
		t.Errorf("queued result status = %s", got)
	}

	if _, err := h.svc.CreateReview(ctx, "lab_a", s.ID, []uuid.UUID{r2.ID}, "again"); !errors.Is(err, ErrReviewAlreadyExists) {
		t.Fatalf("expected ErrReviewAlreadyExists, got %v", err)
	}
	if got := h.stored(t, r2.ID).VerificationStatus; got != lis.ResultPending {
		t.Errorf("conflicting create changed the result to %s", got)
	}

	merged, qr, err := h.svc.QueueReview(ctx, "lab_a", s.ID, []uuid.UUID{r2.ID}, "lipemic")
	if err != nil {
		t.Fatalf("QueueReview: %v", err)
	}
	if merged.ID != created.ID || qr != review.QueueMerged || len(merged.ResultIDs) != 2 {
		t.Fatalf("expected merge, got %s %+v", qr, merged)
	}
}

func TestService_QueueReview_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	other := h.sample(t, "p2")
	final := h.result(t, s, "GLU", "95", floatPtr(70), floatPtr(110), "")
	if _, err := h.svc.ProcessResult(ctx, "lab_a", final.ID); err != nil {
		t.Fatal(err)
	}
	foreign := h.result(t, other, "GLU", "95", nil, nil, "")

	tests := []struct {
		name string
		ids  []uuid.UUID
		want error
	}{
		{"final result", []uuid.UUID{final.ID}, ErrResultImmutable},
		{"other sample", []uuid.UUID{foreign.ID}, ErrInvalidInput},
		{"unknown result", []uuid.UUID{uuid.New()}, ErrResultNotFound},
		{"empty", nil, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := h.svc.QueueReview(ctx, "lab_a", s.ID, tt.ids, "check"); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if _, total, _ := h.svc.ListOpenReviews(ctx, "lab_a", 0, 10); total != 0 {
		t.Fatalf("rejected queue calls left %d open reviews", total)
	}
}

func TestService_DecideReview_RejectWithoutReasonLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	out, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := h.svc.ClaimReview(ctx, "lab_a", out.Review.ID, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.svc.DecideReview(ctx, "lab_a", claimed.ID, review.DecideRequest{Overall: review.DecisionRejected, DecidedBy: "dr-lee"})
	if !errors.Is(err, ErrInvalidReviewDecision) {
		t.Fatalf("expected ErrInvalidReviewDecision, got %v", err)
	}
	rv, _ := h.svc.GetReview(ctx, "lab_a", claimed.ID)
	if rv.State != review.StateInProgress || rv.Decision != nil || rv.Version != claimed.Version {
		t.Fatalf("failed decide mutated the review: %+v", rv)
	}
	if got := h.stored(t, r.ID).VerificationStatus; got != lis.ResultNeedsReview {
		t.Errorf("failed decide changed the result to %s", got)
	}
	if len(h.events.OfType(notify.ReviewDecided)) != 0 {
		t.Error("failed decide published an event")
	}
}

func TestService_DecideReview_AppliesDecisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	glu := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	k := h.result(t, s, "K", "4.0", nil, nil, "C")
	sum, err := h.svc.ProcessSample(ctx, "lab_a", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NeedsReview != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	rv := sum.Items[0].Outcome.Review

	out, err := h.svc.DecideReview(ctx, "lab_a", rv.ID, review.DecideRequest{
		Decisions: []review.DecisionInput{{ResultID: k.ID, Decision: review.DecisionRejected, Comment: "clotted"}},
		Reason:    "specimen integrity",
		DecidedBy: "dr-lee",
	})
	if err != nil {
		t.Fatalf("DecideReview: %v", err)
	}
	if out.Review.State != review.StateDecided || *out.Review.Decision != review.DecisionRejected {
		t.Fatalf("unexpected review %+v", out.Review)
	}
	if out.SampleStatus != lis.SampleRejected || h.sampleStatus(t, s.ID) != lis.SampleRejected {
		t.Errorf("sample status = %s", out.SampleStatus)
	}

	gotK, gotGLU := h.stored(t, k.ID), h.stored(t, glu.ID)
	if gotK.VerificationStatus != lis.ResultRejected || *gotK.VerificationReason != "clotted" {
		t.Errorf("K result %s reason %v", gotK.VerificationStatus, gotK.VerificationReason)
	}
	// GLU inherits the overall rejection and the review's reason.
	if gotGLU.VerificationStatus != lis.ResultRejected || *gotGLU.VerificationReason != "specimen integrity" {
		t.Errorf("GLU result %s reason %v", gotGLU.VerificationStatus, gotGLU.VerificationReason)
	}
	if *gotK.VerificationMethod != lis.MethodManual {
		t.Errorf("method = %s", *gotK.VerificationMethod)
	}
	ev := h.events.OfType(notify.ReviewDecided)
	if len(ev) != 1 || ev[0].Decision != string(review.DecisionRejected) {
		t.Fatalf("decided events %+v", ev)
	}

	// A decided review is immutable.
	if _, err := h.svc.ClaimReview(ctx, "lab_a", rv.ID, "dr-kim"); !errors.Is(err, ErrReviewStateTransition) {
		t.Fatalf("expected ErrReviewStateTransition, got %v", err)
	}
}

// flakyResults fails the next n manual verification writes.
type flakyResults struct {
	lis.ResultStore
	mu sync.Mutex
	n  int
}

func (f *flakyResults) UpdateVerification(ctx context.Context, tenantID string, id uuid.UUID, u lis.StatusUpdate) (*lis.Result, error) {
	f.mu.Lock()
	fail := u.Method == lis.MethodManual && f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.ResultStore.UpdateVerification(ctx, tenantID, id, u)
}

func TestService_DecideReview_RetryAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flaky := &flakyResults{ResultStore: h.lisDB.Results()}
	svc := NewService(newTestEngine(), h.settings, flaky, h.lisDB.Samples(), h.reviews, zerolog.Nop(),
		WithNotifier(h.events), WithRecorder(h.rec), WithNow(func() time.Time { return evalNow }))

	s := h.sample(t, "p1")
	glu := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	k := h.result(t, s, "K", "4.0", nil, nil, "C")
	sum, err := svc.ProcessSample(ctx, "lab_a", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	rv := sum.Items[0].Outcome.Review

	req := review.DecideRequest{
		Decisions: []review.DecisionInput{{ResultID: k.ID, Decision: review.DecisionRejected, Comment: "haemolysed"}},
		Overall:   review.DecisionRejected,
		Reason:    "specimen integrity",
		DecidedBy: "dr-lee",
	}
	flaky.n = 1
	if _, err := svc.DecideReview(ctx, "lab_a", rv.ID, req); err == nil {
		t.Fatal("expected the failed result write to be reported")
	}
	if got := h.stored(t, glu.ID).VerificationStatus; got != lis.ResultNeedsReview {
		t.Fatalf("GLU status after failure = %s", got)
	}

	// The retry applies what was recorded, not what the retry asks for.
	retry := review.DecideRequest{Overall: review.DecisionApproved, DecidedBy: "dr-kim"}
	out, err := svc.DecideReview(ctx, "lab_a", rv.ID, retry)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Review.ID != rv.ID || out.SampleStatus != lis.SampleRejected {
		t.Fatalf("unexpected outcome %+v", out)
	}
	gotK, gotGLU := h.stored(t, k.ID), h.stored(t, glu.ID)
	if gotK.VerificationStatus != lis.ResultRejected || *gotK.VerificationReason != "haemolysed" {
		t.Errorf("K result %s reason %v", gotK.VerificationStatus, gotK.VerificationReason)
	}
	if gotGLU.VerificationStatus != lis.ResultRejected || *gotGLU.VerificationMethod != lis.MethodManual {
		t.Errorf("GLU result %s method %v", gotGLU.VerificationStatus, gotGLU.VerificationMethod)
	}
	if ev := h.events.OfType(notify.ReviewDecided); len(ev) != 1 || ev[0].Reason != "specimen integrity" {
		t.Fatalf("decided events %+v", ev)
	}

	// Fully applied: further decides are refused and nothing is re-queued.
	if _, err := svc.DecideReview(ctx, "lab_a", rv.ID, req); !errors.Is(err, ErrReviewCannotBeModified) {
		t.Fatalf("expected ErrReviewCannotBeModified, got %v", err)
	}
	if _, err := svc.ProcessResult(ctx, "lab_a", glu.ID); err != nil {
		t.Fatal(err)
	}
	if _, total, _ := svc.ListOpenReviews(ctx, "lab_a", 0, 10); total != 0 {
		t.Fatalf("reprocessing a decided result opened %d reviews", total)
	}
}

func TestService_DecideReview_EscalatedStaysDecided(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	out, _ := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	esc := review.DecideRequest{Overall: review.DecisionEscalated, Reason: "needs pathologist", DecidedBy: "tech-1"}
	if _, err := h.svc.DecideReview(ctx, "lab_a", out.Review.ID, esc); err != nil {
		t.Fatal(err)
	}
	// Escalated results stay under review, which is not a partial failure.
	_, err := h.svc.DecideReview(ctx, "lab_a", out.Review.ID, review.DecideRequest{Overall: review.DecisionApproved, DecidedBy: "dr-lee"})
	if !errors.Is(err, ErrReviewCannotBeModified) {
		t.Fatalf("expected ErrReviewCannotBeModified, got %v", err)
	}
	if got := h.stored(t, r.ID).VerificationStatus; got != lis.ResultNeedsReview {
		t.Errorf("result status = %s", got)
	}
}

func TestService_DecideReview_ApproveVerifiesSample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	out, _ := h.svc.ProcessResult(ctx, "lab_a", r.ID)

	dec, err := h.svc.DecideReview(ctx, "lab_a", out.Review.ID, review.DecideRequest{Overall: review.DecisionApproved, DecidedBy: "dr-lee"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.SampleStatus != lis.SampleVerified || dec.Results[0].VerificationStatus != lis.ResultVerified {
		t.Fatalf("unexpected outcome %+v", dec)
	}
	if h.rec.reviews["decided"] != 1 || h.rec.reviews["created"] != 1 {
		t.Errorf("review metrics %v", h.rec.reviews)
	}

	hist, err := h.svc.VerificationHistory(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Reviews) != 1 || hist.Reviews[0].ID != out.Review.ID || hist.Result.VerificationStatus != lis.ResultVerified {
		t.Fatalf("history %+v", hist)
	}
}

func TestService_DecideReview_EscalationKeepsResultsUnderReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	out, _ := h.svc.ProcessResult(ctx, "lab_a", r.ID)

	dec, err := h.svc.DecideReview(ctx, "lab_a", out.Review.ID, review.DecideRequest{
		Overall: review.DecisionEscalated, Reason: "needs pathologist", DecidedBy: "tech-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Results) != 0 || dec.SampleStatus != lis.SampleNeedsReview {
		t.Fatalf("escalation applied results: %+v", dec)
	}
	if got := h.stored(t, r.ID).VerificationStatus; got != lis.ResultNeedsReview {
		t.Errorf("result status = %s", got)
	}
}

func TestService_ProcessResult_ConfigErrorRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.settings.CreateSettings(ctx, "lab_a", SettingsInput{TestCode: "NA"}); err != nil {
		t.Fatal(err)
	}
	// Stored directly so the bad parameters skip write-time validation.
	bad := &VerificationRule{TenantID: "lab_a", TestCode: "NA", RuleType: RuleReferenceRange, Enabled: true,
		Params: RuleParams{Low: floatPtr(145), High: floatPtr(135)}}
	if err := h.ruleDB.CreateRule(ctx, bad); err != nil {
		t.Fatal(err)
	}
	s := h.sample(t, "p1")
	r := h.result(t, s, "NA", "140", nil, nil, "")

	out, err := h.svc.ProcessResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	if out.Verdict.Decision != DecisionRejected || out.ConfigError == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Result.VerificationStatus != lis.ResultRejected || *out.Result.VerificationMethod != lis.MethodAuto {
		t.Errorf("result %s", out.Result.VerificationStatus)
	}
	if ev := h.events.OfType(notify.ResultRejected); len(ev) != 1 || ev[0].ResultIDs[0] != r.ID {
		t.Fatalf("rejected events %+v", h.events.Events())
	}

	dry, err := h.svc.EvaluateResult(ctx, "lab_a", r.ID)
	if err != nil || !dry.AlreadyFinal || dry.ConfigError == "" {
		t.Fatalf("EvaluateResult: %+v %v", dry, err)
	}
}

func TestService_EvaluateResultWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")

	out, err := h.svc.EvaluateResult(ctx, "lab_a", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Decision != DecisionNeedsReview {
		t.Fatalf("decision %s", out.Verdict.Decision)
	}
	if got := h.stored(t, r.ID).VerificationStatus; got != lis.ResultPending {
		t.Errorf("dry run changed the result to %s", got)
	}
	if _, total, _ := h.svc.ListOpenReviews(ctx, "lab_a", 0, 10); total != 0 {
		t.Error("dry run queued a review")
	}
}

func TestService_DeltaCheckUsesPatientHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rules, _ := h.settings.ListRules(ctx, "lab_a", "GLU")
	for _, r := range rules {
		if r.RuleType == RuleDeltaCheck {
			if _, err := h.settings.EnableRule(ctx, "lab_a", r.ID); err != nil {
				t.Fatal(err)
			}
		}
	}

	earlier := h.sample(t, "p1")
	prior := h.result(t, earlier, "GLU", "60", floatPtr(40), floatPtr(200), "")
	if err := setCreated(h, prior.ID, evalNow.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	cur := h.result(t, h.sample(t, "p1"), "GLU", "180", floatPtr(40), floatPtr(200), "")
	out, err := h.svc.ProcessResult(ctx, "lab_a", cur.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Decision != DecisionNeedsReview || out.Verdict.TriggeringRule.Type != RuleDeltaCheck {
		t.Fatalf("expected delta check to trigger, got %+v", out.Verdict)
	}

	// Another patient has no history.
	fresh := h.result(t, h.sample(t, "p2"), "GLU", "180", floatPtr(40), floatPtr(200), "")
	out, err = h.svc.ProcessResult(ctx, "lab_a", fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Decision != DecisionAutoVerified {
		t.Fatalf("decision %s: %s", out.Verdict.Decision, out.Verdict.Reason)
	}
}

func TestService_DeltaCheckIgnoresLaterResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rules, _ := h.settings.ListRules(ctx, "lab_a", "GLU")
	for _, r := range rules {
		if r.RuleType == RuleDeltaCheck {
			if _, err := h.settings.EnableRule(ctx, "lab_a", r.ID); err != nil {
				t.Fatal(err)
			}
		}
	}

	older := h.result(t, h.sample(t, "p1"), "GLU", "100", floatPtr(40), floatPtr(200), "")
	if err := setCreated(h, older.ID, evalNow.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	newer := h.result(t, h.sample(t, "p1"), "GLU", "40", floatPtr(40), floatPtr(200), "")
	if err := setCreated(h, newer.ID, evalNow.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	// The older result has no history of its own; the newer one is not its prior.
	out, err := h.svc.ProcessResult(ctx, "lab_a", older.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Decision != DecisionAutoVerified {
		t.Fatalf("older result compared against a later one: %s (%s)", out.Verdict.Decision, out.Verdict.Reason)
	}

	out, err = h.svc.ProcessResult(ctx, "lab_a", newer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Verdict.Decision != DecisionNeedsReview || out.Verdict.TriggeringRule.Type != RuleDeltaCheck {
		t.Fatalf("expected delta against the older result, got %+v", out.Verdict)
	}
}

// setCreated backdates a stored result by re-creating it.
func setCreated(h *harness, id uuid.UUID, at time.Time) error {
	r, err := h.lisDB.Results().GetByID(context.Background(), "lab_a", id)
	if err != nil {
		return err
	}
	r.CreatedAt = at
	return h.lisDB.Results().Create(context.Background(), r)
}

func TestService_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithLimits(Limits{QueueDefaultLimit: 10, QueueMaxLimit: 20, BatchSize: 5, BatchConcurrency: 3}))
	s := h.sample(t, "p1")
	ok := h.result(t, s, "GLU", "95", floatPtr(70), floatPtr(110), "")
	high := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	crit := h.result(t, s, "K", "4.0", nil, nil, "C")
	missing := uuid.New()

	sum, err := h.svc.ProcessBatch(ctx, "lab_a", []uuid.UUID{ok.ID, high.ID, crit.ID, ok.ID, missing})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sum.Total != 4 || sum.AutoVerified != 1 || sum.NeedsReview != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Items[3].ResultID != missing || sum.Items[3].Error == "" {
		t.Errorf("missing result not reported: %+v", sum.Items[3])
	}
	if got := h.sampleStatus(t, s.ID); got != lis.SampleNeedsReview {
		t.Errorf("sample status = %s", got)
	}
	if _, total, _ := h.svc.ListOpenReviews(ctx, "lab_a", 0, 10); total != 1 {
		t.Fatalf("expected one open review for the sample, got %d", total)
	}

	again, err := h.svc.ProcessBatch(ctx, "lab_a", []uuid.UUID{ok.ID})
	if err != nil || again.Unchanged != 1 {
		t.Fatalf("reprocessing a final result: %+v %v", again, err)
	}

	if _, err := h.svc.ProcessBatch(ctx, "lab_a", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty batch: %v", err)
	}
	tooMany := make([]uuid.UUID, 6)
	for i := range tooMany {
		tooMany[i] = uuid.New()
	}
	if _, err := h.svc.ProcessBatch(ctx, "lab_a", tooMany); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversized batch: %v", err)
	}
}

func TestService_ProcessSample_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.ProcessSample(ctx, "lab_a", uuid.New()); !errors.Is(err, ErrSampleNotFound) {
		t.Errorf("unknown sample: %v", err)
	}
	empty := h.sample(t, "p1")
	if _, err := h.svc.ProcessSample(ctx, "lab_a", empty.ID); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("sample without results: %v", err)
	}
	if _, err := h.svc.ProcessSample(ctx, "lab_b", empty.ID); !errors.Is(err, ErrSampleNotFound) {
		t.Errorf("other tenant: %v", err)
	}
}

func TestService_ConcurrentProcessingKeepsOneOpenReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		ids = append(ids, h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "").ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.ProcessResult(ctx, "lab_a", id); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ProcessResult: %v", err)
	}

	open, total, err := h.svc.ListOpenReviews(ctx, "lab_a", 0, 10)
	if err != nil || total != 1 {
		t.Fatalf("expected exactly one open review, got %d (%v)", total, err)
	}
	if len(open[0].ResultIDs) != len(ids) {
		t.Fatalf("open review covers %d of %d results", len(open[0].ResultIDs), len(ids))
	}
}

func TestService_PendingQueueAndListing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithLimits(Limits{QueueDefaultLimit: 2, QueueMaxLimit: 3, BatchSize: 10, BatchConcurrency: 1}))
	s := h.sample(t, "p1")
	for i := 0; i < 4; i++ {
		h.result(t, s, "GLU", "95", nil, nil, "")
	}

	items, total, err := h.svc.PendingQueue(ctx, "lab_a", 0)
	if err != nil || total != 4 || len(items) != 2 {
		t.Fatalf("default limit: %d of %d (%v)", len(items), total, err)
	}
	items, _, _ = h.svc.PendingQueue(ctx, "lab_a", 100)
	if len(items) != 3 {
		t.Fatalf("limit should clamp to 3, got %d", len(items))
	}
	if items, total, _ := h.svc.PendingQueue(ctx, "lab_b", 0); total != 0 || len(items) != 0 {
		t.Fatal("pending queue leaked across tenants")
	}

	if _, _, err := h.svc.ListReviews(ctx, "lab_a", review.ListFilter{State: "BOGUS"}, 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown state filter: %v", err)
	}
}

func TestService_NotifyFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithNotifier(failingNotifier{}))
	s := h.sample(t, "p1")
	r := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")

	if _, err := h.svc.ProcessResult(ctx, "lab_a", r.ID); err != nil {
		t.Fatalf("notification failure leaked: %v", err)
	}
	if h.rec.failures != 1 {
		t.Errorf("notify failures = %d", h.rec.failures)
	}
}

func TestService_DecidedReviewThenNewResultOpensFreshReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.sample(t, "p1")
	r1 := h.result(t, s, "GLU", "150", floatPtr(70), floatPtr(110), "")
	first, _ := h.svc.ProcessResult(ctx, "lab_a", r1.ID)
	if _, err := h.svc.DecideReview(ctx, "lab_a", first.Review.ID, review.DecideRequest{Overall: review.DecisionApproved, DecidedBy: "dr-lee"}); err != nil {
		t.Fatal(err)
	}

	r2 := h.result(t, s, "K", "4.0", nil, nil, "C")
	second, err := h.svc.ProcessResult(ctx, "lab_a", r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Review.ID == first.Review.ID || second.Queue != review.QueueCreated {
		t.Fatalf("expected a new review, got %+v", second)
	}
	hist, _ := h.svc.VerificationHistory(ctx, "lab_a", r2.ID)
	if len(hist.Reviews) != 1 {
		t.Errorf("history of r2 = %d reviews", len(hist.Reviews))
	}
}
