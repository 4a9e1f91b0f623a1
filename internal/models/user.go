package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanFree      = "free"
	PlanEducator  = "educator"
	PlanPremium   = "premium"
	ThemeSystem   = "system"
	DefaultLocale = "en"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

type UserPreferences struct {
	UserID          uuid.UUID `json:"user_id"`
	SkipPreview     bool      `json:"skip_preview"`
	DefaultCardType CardType  `json:"default_card_type"`
	Theme           string    `json:"theme"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultPreferences is what a user sees before ever saving preferences.
func DefaultPreferences(userID uuid.UUID) *UserPreferences {
	return &UserPreferences{
		UserID:          userID,
		SkipPreview:     false,
		DefaultCardType: CardTypeSingleWord,
		Theme:           ThemeSystem,
	}
}

type UpdatePreferencesRequest struct {
	SkipPreview     *bool     `json:"skip_preview"`
	DefaultCardType *CardType `json:"default_card_type"`
	Theme           *string   `json:"theme"`
}
