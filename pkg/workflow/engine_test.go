package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/llm"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
	"github.com/adflow/adflow/pkg/store/storetest"
	"github.com/adflow/adflow/pkg/taskclient"
	"github.com/adflow/adflow/pkg/workflow"
)

const testUser = "user_2abc"

type harness struct {
	engine   *workflow.Engine
	tasks    *taskclient.Fake
	llm      *llm.Fake
	ledger   *credits.Ledger
	records  *postgres.WorkflowRepository
	segments *postgres.SegmentRepository
	notified *recordingNotifier
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Status
}

func (n *recordingNotifier) Notify(ctx context.Context, rec *model.WorkflowRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, rec.Status)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type rejectAll struct{}

func (rejectAll) Admit(ctx context.Context) error {
	return errors.New("vendor balance below threshold")
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		VideoModels:       map[string]int{"veo3_fast": 60, "veo3": 150},
		DefaultVideoModel: "veo3_fast",
		ImageRegenerate:   0,
		Watermark:         10,
		Thumbnail:         5,
		MaxVariants:       3,
		MaxSegments:       5,
	}
}

func newHarness(t *testing.T, grant int, opts ...func(*workflow.Deps, *workflow.Options)) *harness {
	t.Helper()
	db := storetest.Open(t)

	h := &harness{
		tasks:    taskclient.NewFake(false),
		llm:      llm.NewFake(),
		ledger:   credits.NewLedger(postgres.NewCreditRepository(db), zap.NewNop()),
		records:  postgres.NewWorkflowRepository(db),
		segments: postgres.NewSegmentRepository(db),
		notified: &recordingNotifier{},
	}
	deps := workflow.Deps{
		Records:  h.records,
		Segments: h.segments,
		Ledger:   h.ledger,
		Tasks:    h.tasks,
		LLM:      h.llm,
		Registry: workflow.NewRegistry(testPricing()),
		Notifier: h.notified,
		Logger:   zap.NewNop(),
	}
	options := workflow.Options{InitialGrant: grant}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	h.engine = workflow.NewEngine(deps, options)
	return h
}

func (h *harness) start(t *testing.T, req workflow.StartRequest) *model.WorkflowRecord {
	t.Helper()
	if req.UserID == "" {
		req.UserID = testUser
	}
	records, err := h.engine.Start(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func (h *harness) advance(t *testing.T, id uuid.UUID) *model.WorkflowRecord {
	t.Helper()
	rec, err := h.engine.Advance(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// finish completes a fake task and delivers the result the way a webhook
// would.
func (h *harness) finish(t *testing.T, taskID, url string) *model.WorkflowRecord {
	t.Helper()
	h.tasks.Complete(taskID, url)
	return h.deliver(t, taskID)
}

func (h *harness) deliver(t *testing.T, taskID string) *model.WorkflowRecord {
	t.Helper()
	status, err := h.tasks.Poll(context.Background(), taskclient.KindImage, taskID)
	require.NoError(t, err)
	rec, err := h.engine.Observe(context.Background(), workflow.TaskObserved{TaskID: taskID, Status: *status})
	require.NoError(t, err)
	return rec
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	balance, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return balance
}

func standardRequest() workflow.StartRequest {
	return workflow.StartRequest{
		Variant:  model.VariantStandard,
		ImageURL: "https://cdn.example.com/product.png",
		Params:   model.Params{VideoModel: "veo3_fast", AspectRatio: "9:16"},
	}
}

func characterRequest() workflow.StartRequest {
	return workflow.StartRequest{
		Variant:           model.VariantCharacter,
		ImageURL:          "https://cdn.example.com/product.png",
		CharacterImageURL: "https://cdn.example.com/host.png",
		Params:            model.Params{SegmentCount: 2},
	}
}

func TestStandardWorkflowEndToEnd(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.start(t, standardRequest())
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "veo3_fast", rec.Params.VideoModel)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.StepGeneratingCover, rec.CurrentStep)
	assert.Equal(t, model.StatusInProgress, rec.Status)
	assert.Equal(t, 30, rec.ProgressPercentage)
	assert.NotEmpty(t, rec.ProductDescription)
	assert.NotEmpty(t, rec.Plan.VideoPrompt)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Equal(t, 440, h.balance(t), "the video is paid for before the cover is submitted")
	assert.Equal(t, 60, rec.CreditsCost)

	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")
	assert.Equal(t, "https://cdn.example.com/cover.png", rec.CoverImageURL)
	assert.Equal(t, model.StepGeneratingVideo, rec.CurrentStep)
	require.NotEmpty(t, rec.VideoTaskID)
	assert.Equal(t, 440, h.balance(t))
	assert.Equal(t, 60, rec.CreditsCost)

	videos := h.tasks.Submissions(taskclient.KindVideo)
	require.Len(t, videos, 1)
	assert.Equal(t, []string{"https://cdn.example.com/cover.png"}, videos[0].ImageURLs)
	assert.Equal(t, "9:16", videos[0].AspectRatio)

	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/ad.mp4")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, model.StepCompleted, rec.CurrentStep)
	assert.Equal(t, 100, rec.ProgressPercentage)
	assert.Equal(t, "https://cdn.example.com/ad.mp4", rec.VideoURL)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, []string{"generating_video#0"}, []string(rec.SettledUnits))
	assert.Equal(t, 440, h.balance(t))
	assert.Positive(t, h.notified.count())

	again := h.finish(t, rec.VideoTaskID, "https://cdn.example.com/other.mp4")
	assert.Equal(t, "https://cdn.example.com/ad.mp4", again.VideoURL, "late duplicate must not overwrite")
}

func TestStartRejectsInsufficientCredits(t *testing.T) {
	h := newHarness(t, 100)
	req := standardRequest()
	req.UserID = testUser
	req.Params.VideoModel = "veo3"

	_, err := h.engine.Start(context.Background(), req)
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	records, total, err := h.engine.List(context.Background(), testUser, workflow.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, records)
	assert.Equal(t, 100, h.balance(t))
}

func TestStartValidatesInput(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	cases := []workflow.StartRequest{
		{UserID: testUser, Variant: model.VariantStandard},
		{UserID: testUser, Variant: "poster", ImageURL: "https://cdn.example.com/p.png"},
		{UserID: testUser, Variant: model.VariantStandard, ImageURL: "https://cdn.example.com/p.png", Params: model.Params{VideoModel: "unknown"}},
		{UserID: testUser, Variant: model.VariantCharacter, ImageURL: "https://cdn.example.com/p.png"},
		{UserID: testUser, Variant: model.VariantWatermark},
		{Variant: model.VariantStandard, ImageURL: "https://cdn.example.com/p.png"},
	}
	for i, req := range cases {
		_, err := h.engine.Start(ctx, req)
		assert.ErrorIs(t, err, workflow.ErrInvalidInput, "case %d", i)
	}
}

func TestStartRejectedWhenCapacityExhausted(t *testing.T) {
	h := newHarness(t, 500, func(deps *workflow.Deps, _ *workflow.Options) {
		deps.Admission = rejectAll{}
	})
	req := standardRequest()
	req.UserID = testUser
	_, err := h.engine.Start(context.Background(), req)
	require.ErrorIs(t, err, workflow.ErrCapacityExhausted)
}

func TestVideoFailureRefundsCharge(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.advance(t, h.start(t, standardRequest()).ID)
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")
	require.Equal(t, 440, h.balance(t))

	h.tasks.Fail(rec.VideoTaskID, "content policy violation")
	rec = h.deliver(t, rec.VideoTaskID)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "content policy violation")
	assert.Equal(t, 500, h.balance(t))
	assert.Zero(t, rec.CreditsCost)

	h.tasks.Fail(rec.VideoTaskID, "content policy violation")
	h.deliver(t, rec.VideoTaskID)
	assert.Equal(t, 500, h.balance(t), "refund happens once")
}

func TestCoverFailureRefundsPrepaidVideo(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.advance(t, h.start(t, standardRequest()).ID)
	require.Equal(t, 440, h.balance(t))

	h.tasks.Fail(rec.CoverTaskID, "upstream error")
	rec = h.deliver(t, rec.CoverTaskID)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Equal(t, 500, h.balance(t))
	assert.Empty(t, h.tasks.Submissions(taskclient.KindVideo))
}

func TestSubmissionRejectionFailsWorkflow(t *testing.T) {
	h := newHarness(t, 500)
	h.tasks.FailNextSubmit(taskclient.KindImage, &taskclient.SubmissionError{Vendor: "kie", Reason: "invalid image"})

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "invalid image")
	assert.Empty(t, rec.CoverTaskID)
}

func withRetries(attempts int) func(*workflow.Deps, *workflow.Options) {
	return func(deps *workflow.Deps, _ *workflow.Options) {
		deps.Tasks = taskclient.NewRetrying(deps.Tasks, taskclient.RetryPolicy{
			Attempts:  attempts,
			BaseDelay: time.Millisecond,
			MaxDelay:  time.Millisecond,
		}, zap.NewNop())
	}
}

func TestTransientSubmissionRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, 500, withRetries(3))
	h.tasks.FailNextSubmit(taskclient.KindImage, fmt.Errorf("%w: 503", taskclient.ErrTransient))
	h.tasks.FailNextSubmit(taskclient.KindImage, fmt.Errorf("%w: 503", taskclient.ErrTransient))

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	assert.Equal(t, model.StatusInProgress, rec.Status)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Len(t, h.tasks.Submissions(taskclient.KindImage), 1)
	assert.Equal(t, 440, h.balance(t))
}

func TestExhaustedRetriesFailWorkflowAndRefund(t *testing.T) {
	h := newHarness(t, 500, withRetries(3))
	ctx := context.Background()

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	require.Equal(t, 440, h.balance(t))

	for i := 0; i < 3; i++ {
		h.tasks.FailNextSubmit(taskclient.KindVideo, fmt.Errorf("%w: 503", taskclient.ErrTransient))
	}
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.StepGeneratingVideo, rec.CurrentStep)
	assert.Contains(t, rec.ErrorMessage, "503")
	assert.Empty(t, rec.VideoTaskID)
	assert.Empty(t, h.tasks.Submissions(taskclient.KindVideo))
	assert.Equal(t, 500, h.balance(t))
	assert.Zero(t, rec.CreditsCost)

	outcome, err := h.engine.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeSkipped, outcome)
	assert.Empty(t, h.tasks.Submissions(taskclient.KindVideo), "a failed record is never resubmitted")
}

// cancelingClient cancels the caller's context in the middle of a submission,
// the way a shutdown would.
type cancelingClient struct {
	taskclient.Client
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelingClient) Submit(ctx context.Context, req taskclient.Request) (string, error) {
	fired := false
	c.once.Do(func() {
		c.cancel()
		fired = true
	})
	if fired {
		return "", ctx.Err()
	}
	return c.Client.Submit(ctx, req)
}

func TestInterruptedSubmissionLeavesClaimForMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, 500, func(deps *workflow.Deps, opts *workflow.Options) {
		deps.Tasks = &cancelingClient{Client: deps.Tasks, cancel: cancel}
		opts.ClaimTTL = time.Nanosecond
	})
	rec := h.start(t, standardRequest())

	rec, err := h.engine.Advance(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, rec.Status)
	assert.Equal(t, model.StepGeneratingCover, rec.CurrentStep)
	assert.Empty(t, rec.CoverTaskID)

	outcome, err := h.engine.Reconcile(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeAdvanced, outcome)

	rec, err = h.engine.Get(context.Background(), rec.ID, testUser)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CoverTaskID)
	assert.Len(t, h.tasks.Submissions(taskclient.KindImage), 1)
	assert.Equal(t, 440, h.balance(t), "the resubmission does not charge again")
}

func TestConcurrentJobsCannotOverspendBeforeSubmission(t *testing.T) {
	h := newHarness(t, 60)
	first := h.start(t, standardRequest())
	second := h.start(t, standardRequest())

	first = h.advance(t, first.ID)
	second = h.advance(t, second.ID)

	assert.Equal(t, model.StatusInProgress, first.Status)
	require.NotEmpty(t, first.CoverTaskID)
	assert.Equal(t, model.StatusFailed, second.Status)
	assert.Contains(t, second.ErrorMessage, "insufficient credits")
	assert.Empty(t, second.CoverTaskID)
	assert.Len(t, h.tasks.Submissions(taskclient.KindImage), 1, "the unpaid job never reaches the vendor")
	assert.Zero(t, h.balance(t))

	first = h.finish(t, first.CoverTaskID, "https://cdn.example.com/cover.png")
	first = h.finish(t, first.VideoTaskID, "https://cdn.example.com/ad.mp4")
	assert.Equal(t, model.StatusCompleted, first.Status)
	assert.Zero(t, h.balance(t))
}

func TestProcessIsIdempotent(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()
	rec := h.advance(t, h.start(t, standardRequest()).ID)
	calls := len(h.llm.Calls())

	again, err := h.engine.Process(ctx, rec.ID, testUser, model.StepGeneratingCover)
	require.NoError(t, err)
	assert.Equal(t, rec.CoverTaskID, again.CoverTaskID)
	assert.Len(t, h.tasks.Submissions(taskclient.KindImage), 1)

	cached, err := h.engine.Process(ctx, rec.ID, testUser, model.StepAnalyzingImage)
	require.NoError(t, err)
	assert.Equal(t, rec.ProductDescription, cached.ProductDescription)
	assert.Len(t, h.llm.Calls(), calls)

	_, err = h.engine.Process(ctx, rec.ID, testUser, model.StepGeneratingVideo)
	assert.ErrorIs(t, err, workflow.ErrPrecondition)

	_, err = h.engine.Process(ctx, rec.ID, "user_other", model.StepGeneratingCover)
	assert.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = h.engine.Process(ctx, rec.ID, testUser, model.StepMergingSegments)
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
}

func TestProcessRunsSingleStep(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()
	rec := h.start(t, standardRequest())

	_, err := h.engine.Process(ctx, rec.ID, testUser, model.StepGeneratingPrompts)
	require.ErrorIs(t, err, workflow.ErrPrecondition)

	rec, err = h.engine.Process(ctx, rec.ID, testUser, model.StepAnalyzingImage)
	require.NoError(t, err)
	assert.Equal(t, model.StepAnalyzingImage, rec.CurrentStep)
	assert.NotEmpty(t, rec.ProductDescription)
	assert.Empty(t, rec.CoverTaskID)
	assert.Len(t, h.llm.Calls(), 1)
}

func TestConcurrentAdvanceSubmitsOnce(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.start(t, standardRequest())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Advance(context.Background(), rec.ID)
		}()
	}
	wg.Wait()

	assert.Len(t, h.tasks.Submissions(taskclient.KindImage), 1)
	assert.Len(t, h.llm.Calls(), 2)
}

func TestSyncStepFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t, 500)
	h.llm.FailNext(errors.New("model refused"))

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "analyzing_image")
	assert.Equal(t, 500, h.balance(t))
}

func TestCharacterWorkflowMergesSegments(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	rec := h.advance(t, h.start(t, characterRequest()).ID)
	assert.Equal(t, model.StatusAwaitingReview, rec.Status)
	assert.Equal(t, model.StepAwaitingReview, rec.CurrentStep)
	require.Len(t, rec.Plan.Scenes, 2)
	assert.Empty(t, h.tasks.Submissions(taskclient.KindImage))

	_, err := h.engine.Process(ctx, rec.ID, testUser, model.StepGeneratingCover)
	require.ErrorIs(t, err, workflow.ErrPrecondition)

	_, err = h.engine.Confirm(ctx, rec.ID, testUser, &model.Plan{Scenes: []string{"only one"}})
	require.ErrorIs(t, err, workflow.ErrInvalidInput)

	edited := &model.Plan{Scenes: []string{"Host unboxes the product", "Host shows it in use"}}
	rec, err = h.engine.Confirm(ctx, rec.ID, testUser, edited)
	require.NoError(t, err)
	assert.NotNil(t, rec.PlanConfirmedAt)
	assert.Equal(t, edited.Scenes, rec.Plan.Scenes)

	_, err = h.engine.Confirm(ctx, rec.ID, testUser, nil)
	assert.ErrorIs(t, err, workflow.ErrPrecondition)

	rec = h.advance(t, rec.ID)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Equal(t, 380, h.balance(t), "segments are paid for before the first frame is submitted")
	covers := h.tasks.Submissions(taskclient.KindImage)
	require.Len(t, covers, 1)
	assert.Len(t, covers[0].ImageURLs, 2)

	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")
	assert.Equal(t, model.StepGeneratingVideo, rec.CurrentStep)
	assert.Equal(t, 380, h.balance(t), "two segments at 60 each")

	segments, err := h.engine.Segments(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "Host unboxes the product", segments[0].Prompt)
	for _, seg := range segments {
		assert.Equal(t, model.SegmentRendering, seg.Status)
		assert.NotEmpty(t, seg.TaskID)
	}

	_, err = h.engine.Process(ctx, rec.ID, testUser, model.StepMergingSegments)
	require.ErrorIs(t, err, workflow.ErrPrecondition)

	rec = h.finish(t, segments[1].TaskID, "https://cdn.example.com/seg-2.mp4")
	assert.Equal(t, model.StepGeneratingVideo, rec.CurrentStep)
	assert.Empty(t, rec.MergeTaskID)
	assert.Greater(t, rec.ProgressPercentage, 40)
	assert.Less(t, rec.ProgressPercentage, 85)

	rec = h.finish(t, segments[0].TaskID, "https://cdn.example.com/seg-1.mp4")
	assert.Equal(t, model.StepMergingSegments, rec.CurrentStep)
	require.NotEmpty(t, rec.MergeTaskID)

	merges := h.tasks.Submissions(taskclient.KindMerge)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"https://cdn.example.com/seg-1.mp4", "https://cdn.example.com/seg-2.mp4"}, merges[0].VideoURLs)

	_, err = h.engine.Observe(ctx, workflow.TaskObserved{
		TaskID: segments[0].TaskID,
		Status: taskclient.Status{TaskID: segments[0].TaskID, State: taskclient.StateSucceeded, ResultURL: "https://cdn.example.com/seg-1.mp4"},
	})
	assert.ErrorIs(t, err, workflow.ErrStaleObservation)
	assert.Len(t, h.tasks.Submissions(taskclient.KindMerge), 1, "duplicate segment result must not resubmit the merge")

	rec = h.finish(t, rec.MergeTaskID, "https://cdn.example.com/final.mp4")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example.com/final.mp4", rec.MergedVideoURL)
	assert.Equal(t, 100, rec.ProgressPercentage)
	assert.Equal(t, 380, h.balance(t))
}

func TestSegmentFailureFailsWorkflowAndRefunds(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	rec := h.advance(t, h.start(t, characterRequest()).ID)
	rec, err := h.engine.Confirm(ctx, rec.ID, testUser, nil)
	require.NoError(t, err)
	rec = h.advance(t, rec.ID)
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")
	require.Equal(t, 380, h.balance(t))

	segments, err := h.engine.Segments(ctx, rec.ID)
	require.NoError(t, err)
	h.finish(t, segments[0].TaskID, "https://cdn.example.com/seg-1.mp4")

	h.tasks.Fail(segments[1].TaskID, "render timeout")
	rec = h.deliver(t, segments[1].TaskID)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "segment 2")
	assert.Empty(t, rec.MergeTaskID)
	assert.Equal(t, 500, h.balance(t))
}

func TestRegenerateCoverSupersedesInFlightVideo(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover-1.png")
	oldVideoTask := rec.VideoTaskID
	require.NotEmpty(t, oldVideoTask)
	require.Equal(t, 440, h.balance(t))

	rec, err := h.engine.Regenerate(ctx, rec.ID, testUser, model.StepGeneratingCover)
	require.NoError(t, err)
	assert.Equal(t, model.StepGeneratingCover, rec.CurrentStep)
	assert.Equal(t, 1, rec.RegenerationCount)
	assert.Equal(t, 30, rec.ProgressPercentage)
	assert.Empty(t, rec.CoverImageURL)
	assert.Empty(t, rec.VideoTaskID)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Equal(t, 440, h.balance(t), "the superseded video is refunded and the new one paid up front")
	assert.Equal(t, 60, rec.CreditsCost)

	entries, err := h.ledger.Charges(ctx, rec.ID)
	require.NoError(t, err)
	refunded := false
	for _, entry := range entries {
		if entry.Type == model.CreditRefund && entry.Unit == "generating_video#0" {
			refunded = true
		}
	}
	assert.True(t, refunded, "generation 0 of the video is refunded")

	h.tasks.Complete(oldVideoTask, "https://cdn.example.com/stale.mp4")
	status, err := h.tasks.Poll(ctx, taskclient.KindVideo, oldVideoTask)
	require.NoError(t, err)
	_, err = h.engine.Observe(ctx, workflow.TaskObserved{TaskID: oldVideoTask, Status: *status})
	assert.ErrorIs(t, err, workflow.ErrStaleObservation)

	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover-2.png")
	assert.Equal(t, "https://cdn.example.com/cover-2.png", rec.CoverImageURL)
	require.NotEmpty(t, rec.VideoTaskID)
	assert.NotEqual(t, oldVideoTask, rec.VideoTaskID)
	assert.Equal(t, 440, h.balance(t))

	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/ad-2.mp4")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example.com/ad-2.mp4", rec.VideoURL)
}

func TestRegenerateCoverOnCompletedWorkflow(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover-1.png")
	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/ad-1.mp4")
	require.Equal(t, model.StatusCompleted, rec.Status)
	require.Equal(t, []string{"generating_video#0"}, []string(rec.SettledUnits))
	require.Equal(t, 440, h.balance(t))

	rec, err := h.engine.Regenerate(ctx, rec.ID, testUser, model.StepGeneratingCover)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, rec.Status)
	assert.Equal(t, model.StepGeneratingCover, rec.CurrentStep)
	assert.Nil(t, rec.CompletedAt)
	assert.Empty(t, rec.CoverImageURL)
	assert.Empty(t, rec.VideoURL)
	assert.Empty(t, rec.VideoTaskID)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Equal(t, []string{"generating_video#0"}, []string(rec.SettledUnits), "settled units survive the regenerate")
	assert.Equal(t, 380, h.balance(t), "the delivered video is kept and the new one paid up front")

	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover-2.png")
	assert.Equal(t, "https://cdn.example.com/cover-2.png", rec.CoverImageURL)
	require.NotEmpty(t, rec.VideoTaskID)
	assert.Equal(t, 380, h.balance(t))

	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/ad-2.mp4")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example.com/ad-2.mp4", rec.VideoURL)
	assert.Equal(t, 120, rec.CreditsCost)
	assert.Equal(t, []string{"generating_video#0", "generating_video#1"}, []string(rec.SettledUnits))
	assert.Equal(t, 380, h.balance(t))
}

func TestRegenerateCompletedVideoChargesAgain(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	rec := h.advance(t, h.start(t, standardRequest()).ID)
	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/cover.png")
	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/ad-1.mp4")
	require.Equal(t, model.StatusCompleted, rec.Status)

	rec, err := h.engine.Regenerate(ctx, rec.ID, testUser, model.StepGeneratingVideo)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, rec.Status)
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, "https://cdn.example.com/cover.png", rec.CoverImageURL, "upstream artifacts are kept")
	assert.Equal(t, 380, h.balance(t))

	h.tasks.Fail(rec.VideoTaskID, "vendor outage")
	rec = h.deliver(t, rec.VideoTaskID)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 440, h.balance(t), "only the failed regeneration is refunded")
}

func TestRegenerateRejections(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()
	rec := h.start(t, standardRequest())

	_, err := h.engine.Regenerate(ctx, rec.ID, testUser, model.StepGeneratingCover)
	assert.ErrorIs(t, err, workflow.ErrPrecondition, "not started")

	rec = h.advance(t, rec.ID)
	_, err = h.engine.Regenerate(ctx, rec.ID, testUser, model.StepAnalyzingImage)
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	_, err = h.engine.Regenerate(ctx, rec.ID, testUser, model.StepGeneratingVideo)
	assert.ErrorIs(t, err, workflow.ErrPrecondition, "video has not been reached")
}

func TestReconcilePollsTasks(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()
	rec := h.advance(t, h.start(t, standardRequest()).ID)

	outcome, err := h.engine.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomePending, outcome)

	h.tasks.FailNextPoll(rec.CoverTaskID, fmt.Errorf("%w: timeout", taskclient.ErrTransient))
	h.tasks.Complete(rec.CoverTaskID, "https://cdn.example.com/cover.png")
	_, err = h.engine.Reconcile(ctx, rec.ID)
	require.Error(t, err)
	untouched, err := h.engine.Get(ctx, rec.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, untouched.Version)
	assert.Empty(t, untouched.CoverImageURL)

	outcome, err = h.engine.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeAdvanced, outcome)

	rec, err = h.engine.Get(ctx, rec.ID, testUser)
	require.NoError(t, err)
	h.tasks.Complete(rec.VideoTaskID, "https://cdn.example.com/ad.mp4")
	outcome, err = h.engine.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeCompleted, outcome)

	outcome, err = h.engine.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeSkipped, outcome)
}

func TestMultiVariantCreatesBatch(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	records, err := h.engine.Start(ctx, workflow.StartRequest{
		UserID:   testUser,
		Variant:  model.VariantMultiVariant,
		ImageURL: "https://cdn.example.com/product.png",
		Count:    3,
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		require.NotNil(t, rec.BatchID)
		assert.Equal(t, *records[0].BatchID, *rec.BatchID)
		assert.Equal(t, i+1, rec.Params.VariantIndex)
	}

	batch, err := h.engine.Batch(ctx, *records[0].BatchID, testUser)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	_, err = h.engine.Start(ctx, workflow.StartRequest{
		UserID:   testUser,
		Variant:  model.VariantMultiVariant,
		ImageURL: "https://cdn.example.com/product.png",
		Count:    4,
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
}

func TestMultiVariantIsAllOrNothing(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.engine.Start(context.Background(), workflow.StartRequest{
		UserID:   testUser,
		Variant:  model.VariantMultiVariant,
		ImageURL: "https://cdn.example.com/product.png",
		Count:    2,
	})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	_, total, err := h.engine.List(context.Background(), testUser, workflow.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWatermarkWorkflow(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.start(t, workflow.StartRequest{
		Variant:  model.VariantWatermark,
		VideoURL: "https://cdn.example.com/source.mp4",
	})

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.StepRemovingWatermark, rec.CurrentStep)
	require.NotEmpty(t, rec.VideoTaskID)
	assert.Equal(t, 490, h.balance(t))

	jobs := h.tasks.Submissions(taskclient.KindWatermark)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"https://cdn.example.com/source.mp4"}, jobs[0].VideoURLs)

	rec = h.finish(t, rec.VideoTaskID, "https://cdn.example.com/clean.mp4")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example.com/clean.mp4", rec.VideoURL)
}

func TestThumbnailWorkflow(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.start(t, workflow.StartRequest{
		Variant: model.VariantThumbnail,
		Params:  model.Params{Title: "Summer sale"},
	})

	rec = h.advance(t, rec.ID)
	require.NotEmpty(t, rec.CoverTaskID)
	assert.Equal(t, 495, h.balance(t))
	images := h.tasks.Submissions(taskclient.KindImage)
	require.Len(t, images, 1)
	assert.Contains(t, images[0].Prompt, "Summer sale")

	rec = h.finish(t, rec.CoverTaskID, "https://cdn.example.com/thumb.png")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example.com/thumb.png", rec.CoverImageURL)
}

func TestObserveUnknownTaskIsStale(t *testing.T) {
	h := newHarness(t, 500)
	_, err := h.engine.Observe(context.Background(), workflow.TaskObserved{
		TaskID: "missing",
		Status: taskclient.Status{TaskID: "missing", State: taskclient.StateSucceeded, ResultURL: "https://x"},
	})
	assert.ErrorIs(t, err, workflow.ErrStaleObservation)
}

func TestDispatcherAdvancesInBackground(t *testing.T) {
	h := newHarness(t, 500)
	rec := h.start(t, standardRequest())

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := workflow.NewDispatcher(h.engine, time.Minute, zap.NewNop())
	dispatcher.Advance(ctx, rec.ID)
	cancel()

	waitCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	require.NoError(t, dispatcher.Wait(waitCtx))

	rec, err := h.engine.Get(context.Background(), rec.ID, testUser)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CoverTaskID, "advance must outlive the request context")
}
