package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flashcards-backend/internal/models"
)

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.GenerationSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.GenerationSession, error)
	UpdateSession(ctx context.Context, s *models.GenerationSession, expected models.SessionStatus) error
	CountSessionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	ListStaleSessions(ctx context.Context, statuses []models.SessionStatus, createdBefore time.Time) ([]*models.GenerationSession, error)
}

type CardStore interface {
	CreateCard(ctx context.Context, c *models.FlashCard) error
	GetCard(ctx context.Context, id uuid.UUID) (*models.FlashCard, error)
	GetCardBySession(ctx context.Context, sessionID uuid.UUID) (*models.FlashCard, error)
	ListCards(ctx context.Context, ids []uuid.UUID) ([]*models.FlashCard, error)
	UpdateCard(ctx context.Context, c *models.FlashCard, expected models.CardStatus) error
}

type UsageStore interface {
	IncrementDailyUsage(ctx context.Context, userID uuid.UUID, day time.Time) (int, error)
}

type PlanReader interface {
	GetPlan(ctx context.Context, userID uuid.UUID) (string, error)
}

// PreferencesReader is consumed by the client-facing layer only.
type PreferencesReader interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*models.UserPreferences, error)
}

type PreferencesStore interface {
	PreferencesReader
	UpdatePreferences(ctx context.Context, p *models.UserPreferences) error
}

// Enqueuer schedules a pipeline attempt, optionally after a delay.
type Enqueuer interface {
	Push(ctx context.Context, job *models.Job, delay time.Duration) error
}
