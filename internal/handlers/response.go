package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return errorRespWithFields(code, message, nil, r)
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			Timestamp: time.Now().UTC(),
			RequestID: chimiddleware.GetReqID(r.Context()),
		},
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	var (
		validation *services.ValidationError
		quota      *services.QuotaExceededError
		policy     *services.ContentPolicyError
		notFound   *services.NotFoundError
		unauth     *services.UnauthorizedError
		state      *services.InvalidStateError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", validation.Fields, r))
	case errors.As(err, &quota):
		writeJSON(w, http.StatusTooManyRequests, errorResp("QUOTA_EXCEEDED", quota.Message, r))
	case errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, errorResp("CONTENT_POLICY_VIOLATION", policy.Error(), r))
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", notFound.Message, r))
	case errors.As(err, &unauth):
		writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", unauth.Message, r))
	case errors.As(err, &state):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", state.Message, r))
	default:
		log.Error("Request failed", "path", r.URL.Path, "request_id", chimiddleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}
