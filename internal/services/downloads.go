package services

import (
	"fmt"
	"strings"

	"flashcards-backend/internal/models"
)

// DownloadLinker produces the URL a client fetches an approved card from.
type DownloadLinker interface {
	DownloadURL(card *models.FlashCard) string
}

type URLDownloadLinker struct {
	BaseURL string
}

func (l URLDownloadLinker) DownloadURL(card *models.FlashCard) string {
	return fmt.Sprintf("%s/cards/%s/download", strings.TrimRight(l.BaseURL, "/"), card.ID)
}
