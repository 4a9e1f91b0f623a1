package services

import (
	"math"

	"flashcards-backend/internal/models"
)

// CostAccountant prices a generation from token usage and billed images.
type CostAccountant struct {
	TextPer1KTokens float64
	PerImage        float64
}

func (a CostAccountant) Compute(textTokens, images int) *models.AICosts {
	if textTokens < 0 {
		textTokens = 0
	}
	if images < 0 {
		images = 0
	}
	total := float64(textTokens)/1000*a.TextPer1KTokens + float64(images)*a.PerImage
	return &models.AICosts{
		TextTokens:       textTokens,
		ImageGenerations: images,
		TotalCostUSD:     math.Round(total*1e6) / 1e6,
	}
}
