package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/middleware"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/services"
)

const IdempotencyHeader = "Idempotency-Key"

type GenerationService interface {
	StartSession(ctx context.Context, userID uuid.UUID, req models.GenerateRequest) (*models.GenerationSession, error)
	GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.GenerationSession, error)
	SessionCards(ctx context.Context, session *models.GenerationSession) ([]*models.FlashCard, error)
	GetCard(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error)
	Approve(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error)
	Regenerate(ctx context.Context, cardID, userID uuid.UUID) (*models.GenerationSession, error)
	MarkDownloaded(ctx context.Context, cardID, userID uuid.UUID) (*models.FlashCard, error)
}

type GenerationHandler struct {
	svc    GenerationService
	prefs  services.PreferencesReader
	linker services.DownloadLinker
	log    *logger.Logger

	// idempotency maps userID:key to the session it created.
	idemLocks   *keyedMutex
	idempotency *cache.Cache
}

// keyedMutex serializes callers that share a key and lets other keys through.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func NewGenerationHandler(svc GenerationService, prefs services.PreferencesReader, linker services.DownloadLinker, idempotencyTTL time.Duration, log *logger.Logger) *GenerationHandler {
	return &GenerationHandler{
		svc:         svc,
		prefs:       prefs,
		linker:      linker,
		log:         log,
		idemLocks:   newKeyedMutex(),
		idempotency: cache.New(idempotencyTTL, 2*idempotencyTTL),
	}
}

func (h *GenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userID := middleware.GetUserID(r.Context())

	if req.CardType == "" {
		req.CardType = models.CardTypeSingleWord
		if prefs, err := h.prefs.GetPreferences(r.Context(), userID); err == nil && prefs.DefaultCardType.Valid() {
			req.CardType = prefs.DefaultCardType
		}
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		h.start(w, r, userID, req, "")
		return
	}

	cacheKey := userID.String() + ":" + key
	unlock := h.idemLocks.Lock(cacheKey)
	defer unlock()

	if cached, found := h.idempotency.Get(cacheKey); found {
		session, err := h.svc.GetSession(r.Context(), cached.(uuid.UUID), userID)
		if err == nil {
			writeJSON(w, http.StatusAccepted, session)
			return
		}
		h.idempotency.Delete(cacheKey)
	}
	h.start(w, r, userID, req, cacheKey)
}

func (h *GenerationHandler) start(w http.ResponseWriter, r *http.Request, userID uuid.UUID, req models.GenerateRequest, cacheKey string) {
	session, err := h.svc.StartSession(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	if cacheKey != "" {
		h.idempotency.SetDefault(cacheKey, session.ID)
	}
	writeJSON(w, http.StatusAccepted, session)
}

// GetSession is the polling endpoint. Completed sessions embed their cards.
func (h *GenerationHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}
	userID := middleware.GetUserID(r.Context())

	session, err := h.svc.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}

	resp := models.SessionResponse{GenerationSession: session}
	if session.Status == models.SessionCompleted {
		cards, err := h.svc.SessionCards(r.Context(), session)
		if err != nil {
			handleServiceError(w, r, err, h.log)
			return
		}
		resp.Cards = cards

		if prefs, err := h.prefs.GetPreferences(r.Context(), userID); err == nil {
			resp.SkipPreview = prefs.SkipPreview
		} else {
			h.log.Warn("Failed to load preferences", "user_id", userID.String(), "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *GenerationHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid card ID", r))
		return
	}

	card, err := h.svc.GetCard(r.Context(), cardID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *GenerationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid card ID", r))
		return
	}

	card, err := h.svc.Approve(r.Context(), cardID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, models.ApproveResponse{
		Card:        card,
		DownloadURL: h.linker.DownloadURL(card),
	})
}

func (h *GenerationHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid card ID", r))
		return
	}

	session, err := h.svc.Regenerate(r.Context(), cardID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (h *GenerationHandler) MarkDownloaded(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid card ID", r))
		return
	}

	card, err := h.svc.MarkDownloaded(r.Context(), cardID, middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, card)
}
