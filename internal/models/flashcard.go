package models

import (
	"time"

	"github.com/google/uuid"
)

type CardStatus string

const (
	CardGenerating CardStatus = "generating"
	CardPreview    CardStatus = "preview"
	CardApproved   CardStatus = "approved"
	CardDownloaded CardStatus = "downloaded"
)

var cardStatusRank = map[CardStatus]int{
	CardGenerating: 0,
	CardPreview:    1,
	CardApproved:   2,
	CardDownloaded: 3,
}

// AtLeast reports whether s has progressed to other or beyond.
func (s CardStatus) AtLeast(other CardStatus) bool {
	return cardStatusRank[s] >= cardStatusRank[other]
}

type Scene struct {
	ID          string `json:"id"`
	Order       int    `json:"order"`
	Description string `json:"description"`
	ImagePrompt string `json:"image_prompt"`
	ImageURL    string `json:"image_url"` // empty until generated
}

type CardContent struct {
	PrimaryWord   string   `json:"primary_word"`
	Scenes        []Scene  `json:"scenes"`
	CategoryWords []string `json:"category_words,omitempty"`
	Layout        string   `json:"layout"`
}

type FlashCard struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	SessionID        *uuid.UUID       `json:"session_id"`
	Title            string           `json:"title"`
	CardType         CardType         `json:"card_type"`
	Content          CardContent      `json:"content"`
	Status           CardStatus       `json:"status"`
	GenerationParams GenerationParams `json:"generation_params"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (c *FlashCard) Clone() *FlashCard {
	if c == nil {
		return nil
	}
	out := *c
	if c.SessionID != nil {
		id := *c.SessionID
		out.SessionID = &id
	}
	out.Content.Scenes = append([]Scene(nil), c.Content.Scenes...)
	out.Content.CategoryWords = append([]string(nil), c.Content.CategoryWords...)
	return &out
}

type ApproveResponse struct {
	Card        *FlashCard `json:"card"`
	DownloadURL string     `json:"download_url"`
}
