package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *repository.MemoryStore
	sessions  SessionStore
	cards     CardStore
	text      *fakeText
	moderator *fakeModerator
	images    *fakeImages
	queue     *fakeQueue
	publisher *recordingPublisher
	quota     *QuotaGate
	orch      *Orchestrator
}

type harnessOption func(*harness)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	store.SetClock(func() time.Time { return testNow })

	h := &harness{
		store:     store,
		sessions:  store,
		cards:     store,
		text:      &fakeText{tokens: 1000},
		moderator: &fakeModerator{},
		images:    &fakeImages{},
		queue:     &fakeQueue{},
		publisher: &recordingPublisher{},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.quota = NewQuotaGate(store, store, map[string]int{
		models.PlanFree:     5,
		models.PlanEducator: 50,
		models.PlanPremium:  200,
	}, time.UTC, logger.Nop())
	h.quota.now = func() time.Time { return testNow }

	h.orch = NewOrchestrator(OrchestratorDeps{
		Sessions:  h.sessions,
		Cards:     h.cards,
		Usage:     store,
		Quota:     h.quota,
		Text:      h.text,
		Moderator: h.moderator,
		Images:    h.images,
		Costs:     CostAccountant{TextPer1KTokens: 0.002, PerImage: 0.04},
		Queue:     h.queue,
		Publisher: h.publisher,
		Logger:    logger.Nop(),
	})
	h.orch.now = func() time.Time { return testNow }
	return h
}

// drain runs queued jobs until the queue is empty, ignoring backoff delays.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		job, _, ok := h.queue.pop()
		if !ok {
			return
		}
		_ = h.orch.RunPipeline(context.Background(), job)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) session(t *testing.T, id uuid.UUID) *models.GenerationSession {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func elephantRequest() models.GenerateRequest {
	return models.GenerateRequest{
		InputPrompt: "elephant",
		CardType:    models.CardTypeSingleWord,
		GenerationParams: models.GenerationParams{
			DifficultyLevel: "beginner",
			AgeGroup:        "elementary",
			StylePreference: "cartoon",
			Language:        "en",
		},
	}
}

func assertCompletedAtMatchesStatus(t *testing.T, s *models.GenerationSession) {
	t.Helper()
	if s.Status.Terminal() {
		assert.NotNil(t, s.CompletedAt, "terminal session must have completed_at")
	} else {
		assert.Nil(t, s.CompletedAt, "non-terminal session must not have completed_at")
	}
}

func TestGenerate_SingleWordCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	session, err := h.orch.StartSession(ctx, userID, elephantRequest())
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, session.Status)
	assertCompletedAtMatchesStatus(t, session)
	require.Len(t, h.queue.jobs, 1)

	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assertCompletedAtMatchesStatus(t, got)
	assert.Nil(t, got.ErrorMessage)
	require.Len(t, got.ProducedCardIDs, 1)

	card, err := h.store.GetCard(ctx, got.ProducedCardIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.CardPreview, card.Status)
	assert.Equal(t, "elephant", card.Content.PrimaryWord)
	assert.Equal(t, "grid-2x2", card.Content.Layout)
	require.Len(t, card.Content.Scenes, 4)
	for i, s := range card.Content.Scenes {
		assert.Equal(t, i+1, s.Order)
		assert.NotEmpty(t, s.ImageURL)
	}

	require.NotNil(t, got.AICosts)
	assert.Equal(t, 1000, got.AICosts.TextTokens)
	assert.Equal(t, 4, got.AICosts.ImageGenerations)
	assert.InDelta(t, 0.162, got.AICosts.TotalCostUSD, 1e-9)

	assert.Equal(t, 1, h.store.DailyUsage(userID, testNow))
	assert.Contains(t, h.publisher.types(), "completed")
}

func TestGenerate_CategoryCard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := elephantRequest()
	req.InputPrompt = "farm animals"
	req.CardType = models.CardTypeCategory

	session, err := h.orch.StartSession(ctx, uuid.New(), req)
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	require.Equal(t, models.SessionCompleted, got.Status)
	card, err := h.store.GetCard(ctx, got.ProducedCardIDs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog", "cow"}, card.Content.CategoryWords)
	assert.Len(t, card.Content.Scenes, 3)
	assert.Equal(t, "grid-3", card.Content.Layout)
}

func TestGenerate_QuotaExceededPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := h.orch.StartSession(ctx, userID, elephantRequest())
		require.NoError(t, err)
	}

	_, err := h.orch.StartSession(ctx, userID, elephantRequest())
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 5, quotaErr.Limit)
	assert.Contains(t, quotaErr.Message, "free")

	count, err := h.store.CountSessionsSince(ctx, userID, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Len(t, h.queue.jobs, 5)
}

func TestGenerate_ModerationFlagIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.moderator.flagged = true
	h.moderator.categories = []string{"violence", "hate"}

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "policy violation")
	assert.Equal(t, "Content policy violation: violence, hate", *got.ErrorMessage)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ProducedCardIDs)
	assertCompletedAtMatchesStatus(t, got)
	assert.Equal(t, 1, h.text.calls)
	assert.Equal(t, 0, h.images.calls)
	assert.Contains(t, h.moderator.lastInput, "The elephant in scene 1")
}

func TestGenerate_ModerationOutageIsNotPolicyViolation(t *testing.T) {
	h := newHarness(t)
	h.moderator.err = errors.New("503 from moderation endpoint")

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Content moderation unavailable", *got.ErrorMessage)
	assert.NotContains(t, *got.ErrorMessage, "policy")
	assert.Equal(t, 0, got.RetryCount)
}

func TestGenerate_PartialSceneFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.images.failOn = []string{"picture 3"}

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	require.Equal(t, models.SessionCompleted, got.Status)
	assert.Equal(t, 3, got.AICosts.ImageGenerations)

	card, err := h.store.GetCard(context.Background(), got.ProducedCardIDs[0])
	require.NoError(t, err)
	empty := 0
	for _, s := range card.Content.Scenes {
		if s.ImageURL == "" {
			empty++
			assert.Equal(t, 3, s.Order)
		}
	}
	assert.Equal(t, 1, empty)
}

func TestGenerate_AllScenesFailingStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.images.failOn = []string{"picture"}

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assert.Equal(t, 0, got.AICosts.ImageGenerations)
	assert.InDelta(t, 0.002, got.AICosts.TotalCostUSD, 1e-9)
}

func TestGenerate_ParallelScenesKeepOrder(t *testing.T) {
	h := newHarness(t)
	h.orch.sceneConcurrency = 4
	h.images.failOn = []string{"picture 2"}

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	card, err := h.store.GetCard(context.Background(), got.ProducedCardIDs[0])
	require.NoError(t, err)
	for i, s := range card.Content.Scenes {
		assert.Equal(t, i+1, s.Order)
		if s.Order == 2 {
			assert.Empty(t, s.ImageURL)
		} else {
			assert.True(t, strings.HasSuffix(s.ImageURL, "picture-"+string(rune('0'+s.Order))+".png"))
		}
	}
}

func TestGenerate_TextFailureIsTerminalWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.text.err = errors.New("deadline exceeded")

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "deadline exceeded")
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, h.text.calls)
}

func TestGenerate_MalformedOutputIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.text.err = &MalformedOutputError{Reason: "expected 4 scenes, got 2"}

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "malformed")
	assert.Equal(t, 0, got.RetryCount)
}

func TestGenerate_PanicRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.text.panics = true

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)

	// First attempt: recovered, retried with backoff while staying processing.
	job, _, ok := h.queue.pop()
	require.True(t, ok)
	require.Error(t, h.orch.RunPipeline(context.Background(), job))

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assertCompletedAtMatchesStatus(t, got)
	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, 1, h.queue.jobs[0].job.Attempt)
	assert.Equal(t, 2*time.Second, h.queue.jobs[0].delay)

	h.drain(t)

	got = h.session(t, session.ID)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Equal(t, MaxRetries, got.RetryCount)
	assert.Equal(t, "Generation failed after 3 attempts. Please try again later.", *got.ErrorMessage)
	assertCompletedAtMatchesStatus(t, got)
	assert.Equal(t, MaxRetries, h.text.calls)
	assert.Empty(t, h.queue.jobs)
}

func TestGenerate_RetryReusesGeneratingCard(t *testing.T) {
	var flaky *flakyCards
	h := newHarness(t, func(h *harness) {
		flaky = &flakyCards{MemoryStore: h.store, failUpdates: 1}
		h.cards = flaky
	})

	session, err := h.orch.StartSession(context.Background(), uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	require.Equal(t, models.SessionCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.ProducedCardIDs, 1)

	card, err := h.store.GetCardBySession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ProducedCardIDs[0], card.ID)
	assert.Equal(t, 2, h.text.calls)
}

func TestGenerate_RetryAfterLostCompletionKeepsOneCard(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sessions = &flakySessions{MemoryStore: h.store, failStatus: models.SessionCompleted, failUpdates: 1}
	})
	ctx := context.Background()

	session, err := h.orch.StartSession(ctx, uuid.New(), elephantRequest())
	require.NoError(t, err)
	h.drain(t)

	got := h.session(t, session.ID)
	require.Equal(t, models.SessionCompleted, got.Status)
	assertCompletedAtMatchesStatus(t, got)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.ProducedCardIDs, 1)

	card, err := h.store.GetCardBySession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ProducedCardIDs[0], card.ID)
	assert.Equal(t, models.CardPreview, card.Status)
	assert.Equal(t, 1, h.store.SessionCardCount(session.ID))

	// The saved card is reused, so no second round of paid calls.
	assert.Equal(t, 1, h.text.calls)
	assert.Equal(t, 4, h.images.calls)
	require.NotNil(t, got.AICosts)
	assert.Equal(t, 4, got.AICosts.ImageGenerations)
}

func TestRunPipeline_SkipsFinishedAndStaleJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.orch.StartSession(ctx, uuid.New(), elephantRequest())
	require.NoError(t, err)
	job, _, _ := h.queue.pop()
	require.NoError(t, h.orch.RunPipeline(ctx, job))

	// Duplicate delivery of a finished session does nothing.
	require.NoError(t, h.orch.RunPipeline(ctx, job))
	assert.Equal(t, 1, h.text.calls)

	// Unknown sessions are dropped.
	require.NoError(t, h.orch.RunPipeline(ctx, &models.Job{SessionID: uuid.New()}))
	assert.Equal(t, models.SessionCompleted, h.session(t, session.ID).Status)
}

func TestStartSession_EnqueueFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("redis down")
	userID := uuid.New()

	_, err := h.orch.StartSession(context.Background(), userID, elephantRequest())
	require.Error(t, err)

	stale, err := h.store.ListStaleSessions(context.Background(),
		[]models.SessionStatus{models.SessionPending, models.SessionProcessing}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		edit  func(*models.GenerateRequest)
		field string
	}{
		{"empty prompt", func(r *models.GenerateRequest) { r.InputPrompt = "   " }, "input_prompt"},
		{"long prompt", func(r *models.GenerateRequest) { r.InputPrompt = strings.Repeat("a", 201) }, "input_prompt"},
		{"bad card type", func(r *models.GenerateRequest) { r.CardType = "poster" }, "card_type"},
		{"bad difficulty", func(r *models.GenerateRequest) { r.GenerationParams.DifficultyLevel = "expert" }, "generation_params.difficulty_level"},
		{"bad age group", func(r *models.GenerateRequest) { r.GenerationParams.AgeGroup = "adult" }, "generation_params.age_group"},
		{"bad style", func(r *models.GenerateRequest) { r.GenerationParams.StylePreference = "oil" }, "generation_params.style_preference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := elephantRequest()
			tt.edit(&req)
			_, err := h.orch.StartSession(ctx, uuid.New(), req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Fields, tt.field)
		})
	}
	assert.Empty(t, h.queue.jobs)
}

func TestStartSession_AppliesDefaults(t *testing.T) {
	h := newHarness(t)

	req := models.GenerateRequest{InputPrompt: strings.Repeat("é", 200), CardType: models.CardTypeSingleWord}
	session, err := h.orch.StartSession(context.Background(), uuid.New(), req)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationParams{
		DifficultyLevel: "beginner",
		AgeGroup:        "elementary",
		StylePreference: "cartoon",
		Language:        "en",
	}, session.GenerationParams)
}

func TestGetSession_OwnershipIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()

	session, err := h.orch.StartSession(ctx, owner, elephantRequest())
	require.NoError(t, err)

	got, err := h.orch.GetSession(ctx, session.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = h.orch.GetSession(ctx, session.ID, uuid.New())
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = h.orch.GetSession(ctx, uuid.New(), owner)
	assert.ErrorAs(t, err, &nf)
}

func completedCard(t *testing.T, h *harness, userID uuid.UUID) *models.FlashCard {
	t.Helper()
	session, err := h.orch.StartSession(context.Background(), userID, elephantRequest())
	require.NoError(t, err)
	h.drain(t)
	got := h.session(t, session.ID)
	require.Len(t, got.ProducedCardIDs, 1)
	card, err := h.store.GetCard(context.Background(), got.ProducedCardIDs[0])
	require.NoError(t, err)
	return card
}

func TestApprove_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	card := completedCard(t, h, userID)

	approved, err := h.orch.Approve(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, models.CardApproved, approved.Status)

	again, err := h.orch.Approve(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, models.CardApproved, again.Status)

	downloaded, err := h.orch.MarkDownloaded(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, models.CardDownloaded, downloaded.Status)

	// Approving a downloaded card returns it unchanged.
	after, err := h.orch.Approve(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, models.CardDownloaded, after.Status)

	again, err = h.orch.MarkDownloaded(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, models.CardDownloaded, again.Status)
}

func TestApprove_RejectsOtherUsersAndUnfinishedCards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	card := completedCard(t, h, userID)

	_, err := h.orch.Approve(ctx, card.ID, uuid.New())
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	stored, err := h.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardPreview, stored.Status)

	_, err = h.orch.MarkDownloaded(ctx, card.ID, userID)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	generating := &models.FlashCard{UserID: userID, Status: models.CardGenerating, CardType: models.CardTypeSingleWord}
	require.NoError(t, h.store.CreateCard(ctx, generating))
	_, err = h.orch.Approve(ctx, generating.ID, userID)
	require.ErrorAs(t, err, &stateErr)
}

func TestRegenerate_StartsFreshSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	card := completedCard(t, h, userID)

	session, err := h.orch.Regenerate(ctx, card.ID, userID)
	require.NoError(t, err)
	assert.NotEqual(t, *card.SessionID, session.ID)
	assert.Equal(t, models.SessionPending, session.Status)
	assert.Equal(t, "elephant", session.InputPrompt)
	assert.Equal(t, card.GenerationParams, session.GenerationParams)

	original, err := h.store.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardPreview, original.Status)

	_, err = h.orch.Regenerate(ctx, card.ID, uuid.New())
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRegenerate_ConsumesQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	card := completedCard(t, h, userID)

	for i := 0; i < 4; i++ {
		_, err := h.orch.Regenerate(ctx, card.ID, userID)
		require.NoError(t, err)
	}
	_, err := h.orch.Regenerate(ctx, card.ID, userID)
	var quotaErr *QuotaExceededError
	assert.ErrorAs(t, err, &quotaErr)
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryBackoff(1))
	assert.Equal(t, 4*time.Second, RetryBackoff(2))
}
