package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/repository"
)

const (
	// MaxRetries caps automatic pipeline attempts after unclassified failures.
	MaxRetries     = 3
	maxPromptRunes = 200
)

var (
	difficultyLevels = map[string]bool{"beginner": true, "intermediate": true, "advanced": true}
	ageGroups        = map[string]bool{"preschool": true, "elementary": true, "middle_school": true}
	stylePreferences = map[string]bool{"cartoon": true, "realistic": true, "minimalist": true}
)

// errSessionClosed means another writer already moved the session to a terminal status.
var errSessionClosed = errors.New("session already closed")

type OrchestratorDeps struct {
	Sessions         SessionStore
	Cards            CardStore
	Usage            UsageStore
	Quota            *QuotaGate
	Text             TextGenerator
	Moderator        Moderator
	Images           ImageGenerator
	Costs            CostAccountant
	Queue            Enqueuer
	Publisher        StatusPublisher
	Logger           *logger.Logger
	SceneConcurrency int
}

// Orchestrator owns the generation session lifecycle: it gates new sessions
// on quota, runs the text, moderation and image pipeline for each queued
// attempt, and serves the approve/regenerate/download protocol on cards.
type Orchestrator struct {
	sessions         SessionStore
	cards            CardStore
	usage            UsageStore
	quota            *QuotaGate
	text             TextGenerator
	moderator        Moderator
	images           ImageGenerator
	costs            CostAccountant
	queue            Enqueuer
	publisher        StatusPublisher
	log              *logger.Logger
	sceneConcurrency int
	now              func() time.Time
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.SceneConcurrency < 1 {
		d.SceneConcurrency = 1
	}
	return &Orchestrator{
		sessions:         d.Sessions,
		cards:            d.Cards,
		usage:            d.Usage,
		quota:            d.Quota,
		text:             d.Text,
		moderator:        d.Moderator,
		images:           d.Images,
		costs:            d.Costs,
		queue:            d.Queue,
		publisher:        d.Publisher,
		log:              d.Logger,
		sceneConcurrency: d.SceneConcurrency,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// StartSession validates the request, applies the quota gate, persists a
// pending session and schedules its pipeline. It never waits for generation.
func (o *Orchestrator) StartSession(ctx context.Context, userID uuid.UUID, req models.GenerateRequest) (*models.GenerationSession, error) {
	if err := normalizeGenerateRequest(&req); err != nil {
		return nil, err
	}

	decision := o.quota.CheckQuota(ctx, userID)
	if !decision.Allowed {
		return nil, &QuotaExceededError{Message: decision.Reason, Limit: decision.Limit, Used: decision.Used}
	}

	session := &models.GenerationSession{
		ID:               uuid.New(),
		UserID:           userID,
		InputPrompt:      req.InputPrompt,
		CardType:         req.CardType,
		GenerationParams: req.GenerationParams,
		Status:           models.SessionPending,
		ProducedCardIDs:  []uuid.UUID{},
		CreatedAt:        o.now(),
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sessionsStarted.Inc()

	job := &models.Job{SessionID: session.ID, UserID: userID, EnqueuedAt: o.now()}
	if err := o.queue.Push(ctx, job, 0); err != nil {
		o.log.Error("Failed to enqueue generation", "session_id", session.ID.String(), "error", err)
		o.failSession(context.WithoutCancel(ctx), session, "INTERNAL_ERROR", "Generation could not be scheduled. Please try again later.")
		return nil, fmt.Errorf("enqueue session: %w", err)
	}

	o.log.Info("Generation session started", "session_id", session.ID.String(), "user_id", userID.String(), "card_type", string(session.CardType))
	o.publishStatus(ctx, session, 0, "Queued")
	return session, nil
}

func normalizeGenerateRequest(req *models.GenerateRequest) error {
	fields := make(map[string]string)

	req.InputPrompt = strings.TrimSpace(req.InputPrompt)
	switch n := utf8.RuneCountInString(req.InputPrompt); {
	case n == 0:
		fields["input_prompt"] = "is required"
	case n > maxPromptRunes:
		fields["input_prompt"] = fmt.Sprintf("must be at most %d characters", maxPromptRunes)
	}

	if !req.CardType.Valid() {
		fields["card_type"] = "must be one of single_word, category"
	}

	p := &req.GenerationParams
	if p.DifficultyLevel == "" {
		p.DifficultyLevel = "beginner"
	} else if !difficultyLevels[p.DifficultyLevel] {
		fields["generation_params.difficulty_level"] = "must be one of beginner, intermediate, advanced"
	}
	if p.AgeGroup == "" {
		p.AgeGroup = "elementary"
	} else if !ageGroups[p.AgeGroup] {
		fields["generation_params.age_group"] = "must be one of preschool, elementary, middle_school"
	}
	if p.StylePreference == "" {
		p.StylePreference = "cartoon"
	} else if !stylePreferences[p.StylePreference] {
		fields["generation_params.style_preference"] = "must be one of cartoon, realistic, minimalist"
	}
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if p.Language == "" {
		p.Language = models.DefaultLocale
	} else if len(p.Language) > 10 {
		fields["generation_params.language"] = "must be a language code"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// GetSession returns the session only to its owner; anyone else sees NotFound.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.GenerationSession, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Session not found"}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.UserID != userID {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	return session, nil
}

// SessionCards loads the cards a session produced, in production order.
func (o *Orchestrator) SessionCards(ctx context.Context, session *models.GenerationSession) ([]*models.FlashCard, error) {
	if len(session.ProducedCardIDs) == 0 {
		return nil, nil
	}
	cards, err := o.cards.ListCards(ctx, session.ProducedCardIDs)
	if err != nil {
		return nil, fmt.Errorf("list session cards: %w", err)
	}
	return cards, nil
}

func (o *Orchestrator) GetCard(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error) {
	return o.ownedCard(ctx, cardID, userID)
}

// Approve moves a previewed card to approved. Repeating it is a no-op.
func (o *Orchestrator) Approve(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error) {
	card, err := o.ownedCard(ctx, cardID, userID)
	if err != nil {
		return nil, err
	}
	if card.Status.AtLeast(models.CardApproved) {
		return card, nil
	}
	if card.Status != models.CardPreview {
		return nil, &InvalidStateError{Message: "Card is still being generated"}
	}

	card.Status = models.CardApproved
	if err := o.cards.UpdateCard(ctx, card, models.CardPreview); err != nil {
		return o.resolveCardConflict(ctx, cardID, models.CardApproved, err)
	}
	o.log.Info("Card approved", "card_id", cardID.String(), "user_id", userID.String())
	return card, nil
}

// MarkDownloaded records file delivery of an approved card. Repeating it is a no-op.
func (o *Orchestrator) MarkDownloaded(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error) {
	card, err := o.ownedCard(ctx, cardID, userID)
	if err != nil {
		return nil, err
	}
	if card.Status == models.CardDownloaded {
		return card, nil
	}
	if card.Status != models.CardApproved {
		return nil, &InvalidStateError{Message: "Card must be approved before it can be downloaded"}
	}

	card.Status = models.CardDownloaded
	if err := o.cards.UpdateCard(ctx, card, models.CardApproved); err != nil {
		return o.resolveCardConflict(ctx, cardID, models.CardDownloaded, err)
	}
	return card, nil
}

// resolveCardConflict treats a lost conditional update as success when a
// concurrent request already moved the card to the wanted status.
func (o *Orchestrator) resolveCardConflict(ctx context.Context, cardID uuid.UUID, want models.CardStatus, err error) (*models.FlashCard, error) {
	if !errors.Is(err, repository.ErrStatusConflict) {
		return nil, fmt.Errorf("update card: %w", err)
	}
	fresh, getErr := o.cards.GetCard(ctx, cardID)
	if getErr != nil {
		return nil, fmt.Errorf("reload card: %w", getErr)
	}
	if fresh.Status.AtLeast(want) {
		return fresh, nil
	}
	return nil, &InvalidStateError{Message: fmt.Sprintf("Card status changed to %s", fresh.Status)}
}

// Regenerate starts a new session with the original prompt, card type and
// parameters. The original card is left untouched.
func (o *Orchestrator) Regenerate(ctx context.Context, cardID, userID uuid.UUID) (*models.GenerationSession, error) {
	card, err := o.ownedCard(ctx, cardID, userID)
	if err != nil {
		return nil, err
	}

	req := models.GenerateRequest{
		InputPrompt:      card.Content.PrimaryWord,
		CardType:         card.CardType,
		GenerationParams: card.GenerationParams,
	}
	if card.SessionID != nil {
		origin, err := o.sessions.GetSession(ctx, *card.SessionID)
		switch {
		case err == nil:
			req.InputPrompt = origin.InputPrompt
			req.CardType = origin.CardType
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("load origin session: %w", err)
		}
	}
	return o.StartSession(ctx, userID, req)
}

func (o *Orchestrator) ownedCard(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error) {
	card, err := o.cards.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Card not found"}
		}
		return nil, fmt.Errorf("get card: %w", err)
	}
	if card.UserID != userID {
		return nil, &NotFoundError{Message: "Card not found"}
	}
	if card.SessionID != nil {
		session, err := o.sessions.GetSession(ctx, *card.SessionID)
		switch {
		case err == nil && session.UserID != userID:
			return nil, &NotFoundError{Message: "Card not found"}
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("get card session: %w", err)
		}
	}
	return card, nil
}

// RunPipeline executes one attempt for a queued session. Classified failures
// end the session; anything else is retried with backoff up to MaxRetries.
func (o *Orchestrator) RunPipeline(ctx context.Context, job *models.Job) (err error) {
	log := o.log.With("session_id", job.SessionID.String(), "attempt", job.Attempt)

	session, err := o.sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("Dropping job for unknown session")
			return nil
		}
		o.handleFailure(ctx, job, err)
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status.Terminal() {
		log.Debug("Session already finished, skipping job", "status", string(session.Status))
		return nil
	}
	if job.Attempt < session.RetryCount || (session.Status == models.SessionProcessing && job.Attempt == 0) {
		log.Warn("Skipping stale job", "status", string(session.Status), "retry_count", session.RetryCount)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("pipeline panic: %v", r)
			o.handleFailure(ctx, job, err)
		}
	}()

	runErr := o.execute(ctx, session, log)
	if runErr == nil || errors.Is(runErr, errSessionClosed) {
		return nil
	}

	var term *terminalError
	if errors.As(runErr, &term) {
		log.Warn("Generation failed", "code", term.code, "error", runErr)
		if term.err != nil {
			log.Debug("Underlying failure", "error", term.err)
		}
		o.failSession(context.WithoutCancel(ctx), session, term.code, term.message)
		return nil
	}

	o.handleFailure(ctx, job, runErr)
	return runErr
}

func (o *Orchestrator) execute(ctx context.Context, session *models.GenerationSession, log *logger.Logger) error {
	if session.Status == models.SessionPending {
		session.Status = models.SessionProcessing
		if err := o.sessions.UpdateSession(ctx, session, models.SessionPending); err != nil {
			session.Status = models.SessionPending
			if errors.Is(err, repository.ErrStatusConflict) {
				return errSessionClosed
			}
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	existing, err := o.sessionCard(ctx, session.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status.AtLeast(models.CardPreview) {
		// An earlier attempt saved the card but not the session.
		log.Info("Finishing session with card from an earlier attempt", "step", "complete", "card_id", existing.ID.String())
		return o.complete(ctx, session, existing, o.costs.Compute(0, generatedImages(existing.Content.Scenes)), log)
	}
	o.publishStatus(ctx, session, 1, "Writing card content")

	// Step 2: text content
	start := time.Now()
	content, err := o.text.GenerateContent(ctx, ContentRequest{
		Prompt:   session.InputPrompt,
		CardType: session.CardType,
		Params:   session.GenerationParams,
	})
	stepDuration.WithLabelValues("text").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("text generation interrupted: %w", err)
		}
		var malformed *MalformedOutputError
		if errors.As(err, &malformed) {
			return &terminalError{code: "GENERATION_FAILED", message: "Generated content was malformed: " + malformed.Reason, err: err}
		}
		return &terminalError{code: "UPSTREAM_ERROR", message: "Text generation failed: " + err.Error(), err: err}
	}
	log.Info("Text content generated", "step", "text", "scenes", len(content.Scenes), "tokens", content.TokensUsed)

	// Step 3: moderation
	o.publishStatus(ctx, session, 2, "Checking content")
	start = time.Now()
	verdict, err := o.moderator.Moderate(ctx, moderationInput(content))
	stepDuration.WithLabelValues("moderation").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("moderation interrupted: %w", err)
		}
		return &terminalError{code: "UPSTREAM_ERROR", message: "Content moderation unavailable", err: err}
	}
	if verdict.Flagged {
		policy := &ContentPolicyError{Categories: verdict.Categories}
		return &terminalError{code: "CONTENT_POLICY_VIOLATION", message: policy.Error(), err: policy}
	}

	card, err := o.prepareCard(ctx, session, existing, content)
	if err != nil {
		return err
	}

	// Step 4: scene images
	o.publishStatus(ctx, session, 3, "Drawing scenes")
	start = time.Now()
	generated := o.generateSceneImages(ctx, log, card.GenerationParams, card.Content.Scenes)
	stepDuration.WithLabelValues("images").Observe(time.Since(start).Seconds())
	log.Info("Scene images generated", "step", "images", "generated", generated, "scenes", len(card.Content.Scenes))

	// Step 5: costs
	costs := o.costs.Compute(content.TokensUsed, generated)

	// Step 6: card to preview
	card.Status = models.CardPreview
	if err := o.cards.UpdateCard(ctx, card, models.CardGenerating); err != nil {
		return fmt.Errorf("save card preview: %w", err)
	}

	return o.complete(ctx, session, card, costs, log)
}

// complete runs the session to Completed with card and bumps the daily usage counter.
func (o *Orchestrator) complete(ctx context.Context, session *models.GenerationSession, card *models.FlashCard, costs *models.AICosts, log *logger.Logger) error {
	// Step 7: complete session
	completedAt := o.now()
	session.Status = models.SessionCompleted
	session.CompletedAt = &completedAt
	session.ErrorMessage = nil
	session.AICosts = costs
	if !containsID(session.ProducedCardIDs, card.ID) {
		session.ProducedCardIDs = append(session.ProducedCardIDs, card.ID)
	}
	if err := o.sessions.UpdateSession(ctx, session, models.SessionProcessing); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Warn("Session closed before completion could be saved", "card_id", card.ID.String())
			return errSessionClosed
		}
		session.Status = models.SessionProcessing
		session.CompletedAt = nil
		return fmt.Errorf("complete session: %w", err)
	}
	sessionsFinished.WithLabelValues(string(models.SessionCompleted)).Inc()
	log.Info("Generation session completed", "step", "complete", "card_id", card.ID.String(), "cost_usd", costs.TotalCostUSD)

	// Step 8: usage counter, best-effort
	if _, err := o.usage.IncrementDailyUsage(ctx, session.UserID, o.quota.StartOfDay(completedAt)); err != nil {
		log.Warn("Failed to increment daily usage", "step", "usage", "error", err)
	}

	o.publisher.Publish(ctx, session.UserID, models.WSMessage{
		Type:    "completed",
		Payload: models.CompletedEvent{SessionID: session.ID, CardIDs: session.ProducedCardIDs},
	})
	return nil
}

// sessionCard returns the card an earlier attempt of the session persisted, or nil.
func (o *Orchestrator) sessionCard(ctx context.Context, sessionID uuid.UUID) (*models.FlashCard, error) {
	card, err := o.cards.GetCardBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("look up session card: %w", err)
	}
	return card, nil
}

// prepareCard persists the card in Generating state. A session owns at most
// one card, so a Generating card from an earlier attempt is refilled instead.
func (o *Orchestrator) prepareCard(ctx context.Context, session *models.GenerationSession, existing *models.FlashCard, content *GeneratedContent) (*models.FlashCard, error) {
	if existing != nil {
		existing.Title = content.Title
		existing.Content = content.ToCardContent()
		return existing, nil
	}

	sessionID := session.ID
	card := &models.FlashCard{
		ID:               uuid.New(),
		UserID:           session.UserID,
		SessionID:        &sessionID,
		Title:            content.Title,
		CardType:         session.CardType,
		Content:          content.ToCardContent(),
		Status:           models.CardGenerating,
		GenerationParams: session.GenerationParams,
	}
	if err := o.cards.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("create card: %w", err)
	}
	return card, nil
}

// generateSceneImages fills scene image URLs in place and returns how many
// succeeded. A failed scene keeps an empty URL and never aborts the others.
func (o *Orchestrator) generateSceneImages(ctx context.Context, log *logger.Logger, params models.GenerationParams, scenes []models.Scene) int {
	urls := make([]string, len(scenes))

	var g errgroup.Group
	g.SetLimit(o.sceneConcurrency)
	for i := range scenes {
		g.Go(func() error {
			url, err := o.images.GenerateImage(ctx, scenes[i].ImagePrompt, params)
			if err != nil {
				sceneImageFailures.Inc()
				log.Warn("Scene image failed", "step", "images", "scene", scenes[i].Order, "error", err)
				return nil
			}
			urls[i] = url
			return nil
		})
	}
	_ = g.Wait()

	for i := range scenes {
		scenes[i].ImageURL = urls[i]
	}
	return generatedImages(scenes)
}

func generatedImages(scenes []models.Scene) int {
	n := 0
	for _, s := range scenes {
		if s.ImageURL != "" {
			n++
		}
	}
	return n
}

// handleFailure counts an unclassified failure against the session and either
// reschedules the attempt or fails the session once MaxRetries is reached.
func (o *Orchestrator) handleFailure(ctx context.Context, job *models.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := o.log.With("session_id", job.SessionID.String(), "attempt", job.Attempt)

	session, err := o.sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		// Store unreachable: fall back to the job's own attempt counter.
		next := job.Attempt + 1
		log.Error("Pipeline attempt failed and session could not be reloaded", "cause", cause, "error", err)
		if next < MaxRetries {
			o.requeue(ctx, job, next)
		}
		return
	}
	if session.Status.Terminal() {
		return
	}

	expected := session.Status
	session.RetryCount++
	if session.RetryCount >= MaxRetries {
		session.RetryCount = MaxRetries
		log.Error("Pipeline failed, giving up", "cause", cause)
		o.failSession(ctx, session, "GENERATION_FAILED", fmt.Sprintf("Generation failed after %d attempts. Please try again later.", MaxRetries))
		return
	}

	if err := o.sessions.UpdateSession(ctx, session, expected); err != nil {
		log.Error("Failed to record retry", "cause", cause, "error", err)
		return
	}
	sessionRetries.Inc()
	log.Warn("Pipeline attempt failed, retrying", "cause", cause, "retry_count", session.RetryCount)
	if err := o.requeue(ctx, job, session.RetryCount); err != nil {
		o.failSession(ctx, session, "INTERNAL_ERROR", "Generation could not be rescheduled. Please try again later.")
	}
}

func (o *Orchestrator) requeue(ctx context.Context, job *models.Job, attempt int) error {
	next := &models.Job{
		SessionID:  job.SessionID,
		UserID:     job.UserID,
		Attempt:    attempt,
		EnqueuedAt: o.now(),
	}
	if err := o.queue.Push(ctx, next, RetryBackoff(attempt)); err != nil {
		o.log.Error("Failed to requeue generation", "session_id", job.SessionID.String(), "error", err)
		return err
	}
	return nil
}

// RetryBackoff is the delay before retry attempt n: 2^n seconds.
func RetryBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func (o *Orchestrator) failSession(ctx context.Context, session *models.GenerationSession, code, message string) {
	expected := session.Status
	now := o.now()
	session.Status = models.SessionFailed
	session.ErrorMessage = &message
	session.CompletedAt = &now

	if err := o.sessions.UpdateSession(ctx, session, expected); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			o.log.Info("Session already closed, failure not recorded", "session_id", session.ID.String())
		} else {
			o.log.Error("Failed to mark session failed", "session_id", session.ID.String(), "error", err)
		}
		return
	}
	sessionsFinished.WithLabelValues(string(models.SessionFailed)).Inc()

	o.publisher.Publish(ctx, session.UserID, models.WSMessage{
		Type:    "error",
		Payload: models.ErrorEvent{SessionID: session.ID, ErrorCode: code, ErrorMessage: message},
	})
}

func (o *Orchestrator) publishStatus(ctx context.Context, session *models.GenerationSession, step int, name string) {
	o.publisher.Publish(ctx, session.UserID, models.WSMessage{
		Type: "status_update",
		Payload: models.StatusUpdate{
			SessionID: session.ID,
			Status:    session.Status,
			Step:      step,
			StepName:  name,
		},
	})
}

func moderationInput(c *GeneratedContent) string {
	parts := make([]string, 0, len(c.Scenes))
	for _, s := range c.Scenes {
		parts = append(parts, s.Description)
	}
	return strings.Join(parts, "\n")
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
