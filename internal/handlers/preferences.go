package handlers

import (
	"encoding/json"
	"net/http"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/middleware"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/services"
)

var validThemes = map[string]bool{"light": true, "dark": true, models.ThemeSystem: true}

type PreferencesHandler struct {
	store services.PreferencesStore
	log   *logger.Logger
}

func NewPreferencesHandler(store services.PreferencesStore, log *logger.Logger) *PreferencesHandler {
	return &PreferencesHandler{store: store, log: log}
}

func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.GetPreferences(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *PreferencesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	fields := make(map[string]string)
	if req.DefaultCardType != nil && !req.DefaultCardType.Valid() {
		fields["default_card_type"] = "must be one of single_word, category"
	}
	if req.Theme != nil && !validThemes[*req.Theme] {
		fields["theme"] = "must be one of light, dark, system"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	prefs, err := h.store.GetPreferences(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	if req.SkipPreview != nil {
		prefs.SkipPreview = *req.SkipPreview
	}
	if req.DefaultCardType != nil {
		prefs.DefaultCardType = *req.DefaultCardType
	}
	if req.Theme != nil {
		prefs.Theme = *req.Theme
	}

	if err := h.store.UpdatePreferences(r.Context(), prefs); err != nil {
		handleServiceError(w, r, err, h.log)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
