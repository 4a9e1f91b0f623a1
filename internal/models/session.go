package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type CardType string

const (
	CardTypeSingleWord CardType = "single_word"
	CardTypeCategory   CardType = "category"
)

func (t CardType) Valid() bool {
	return t == CardTypeSingleWord || t == CardTypeCategory
}

type GenerationParams struct {
	DifficultyLevel string `json:"difficulty_level"` // "beginner" | "intermediate" | "advanced"
	AgeGroup        string `json:"age_group"`        // "preschool" | "elementary" | "middle_school"
	StylePreference string `json:"style_preference"` // "cartoon" | "realistic" | "minimalist"
	Language        string `json:"language"`
}

type AICosts struct {
	TextTokens       int     `json:"text_tokens"`
	ImageGenerations int     `json:"image_generations"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
}

type GenerationSession struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	InputPrompt      string           `json:"input_prompt"`
	CardType         CardType         `json:"card_type"`
	GenerationParams GenerationParams `json:"generation_params"`
	Status           SessionStatus    `json:"status"`
	ErrorMessage     *string          `json:"error_message"`
	RetryCount       int              `json:"retry_count"`
	AICosts          *AICosts         `json:"ai_costs"`
	ProducedCardIDs  []uuid.UUID      `json:"produced_card_ids"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at"`
}

// Clone returns a deep copy so stored sessions are never aliased by callers.
func (s *GenerationSession) Clone() *GenerationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.ErrorMessage != nil {
		msg := *s.ErrorMessage
		c.ErrorMessage = &msg
	}
	if s.AICosts != nil {
		costs := *s.AICosts
		c.AICosts = &costs
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	c.ProducedCardIDs = append([]uuid.UUID(nil), s.ProducedCardIDs...)
	return &c
}

type GenerateRequest struct {
	InputPrompt      string           `json:"input_prompt"`
	CardType         CardType         `json:"card_type"`
	GenerationParams GenerationParams `json:"generation_params"`
}

type SessionResponse struct {
	*GenerationSession
	Cards       []*FlashCard `json:"cards,omitempty"`
	SkipPreview bool         `json:"skip_preview"`
}
