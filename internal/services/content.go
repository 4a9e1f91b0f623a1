package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"flashcards-backend/internal/models"
)

const (
	singleWordSceneCount = 4
	minCategoryWords     = 3
	maxCategoryWords     = 6
)

// ContentRequest is everything a text generator needs to draft a card.
type ContentRequest struct {
	Prompt   string
	CardType models.CardType
	Params   models.GenerationParams
}

type GeneratedScene struct {
	Description string `json:"description"`
	ImagePrompt string `json:"image_prompt"`
}

// GeneratedContent is the validated output of a text generator.
type GeneratedContent struct {
	Title         string           `json:"title"`
	PrimaryWord   string           `json:"primary_word"`
	CategoryWords []string         `json:"category_words"`
	Scenes        []GeneratedScene `json:"scenes"`
	TokensUsed    int              `json:"-"`
}

type TextGenerator interface {
	GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error)
}

// ToCardContent lays the generated scenes out in order with empty image slots.
func (g *GeneratedContent) ToCardContent() models.CardContent {
	scenes := make([]models.Scene, len(g.Scenes))
	for i, s := range g.Scenes {
		scenes[i] = models.Scene{
			ID:          fmt.Sprintf("scene-%d", i+1),
			Order:       i + 1,
			Description: s.Description,
			ImagePrompt: s.ImagePrompt,
		}
	}

	var words []string
	if len(g.CategoryWords) > 0 {
		words = append([]string(nil), g.CategoryWords...)
	}

	return models.CardContent{
		PrimaryWord:   g.PrimaryWord,
		Scenes:        scenes,
		CategoryWords: words,
		Layout:        layoutFor(len(scenes)),
	}
}

func layoutFor(sceneCount int) string {
	if sceneCount == 4 {
		return "grid-2x2"
	}
	return fmt.Sprintf("grid-%d", sceneCount)
}

// ParseGeneratedContent decodes raw model output and validates it against the
// card type. Any mismatch is a *MalformedOutputError.
func ParseGeneratedContent(raw string, cardType models.CardType) (*GeneratedContent, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, &MalformedOutputError{Reason: "empty response"}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var out GeneratedContent
	if err := dec.Decode(&out); err != nil {
		return nil, &MalformedOutputError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return nil, &MalformedOutputError{Reason: "trailing data after JSON object"}
	}

	if err := validateGeneratedContent(&out, cardType); err != nil {
		return nil, err
	}
	return &out, nil
}

func validateGeneratedContent(c *GeneratedContent, cardType models.CardType) error {
	c.Title = strings.TrimSpace(c.Title)
	c.PrimaryWord = strings.TrimSpace(c.PrimaryWord)

	if c.Title == "" {
		return &MalformedOutputError{Reason: "title is empty"}
	}
	if c.PrimaryWord == "" {
		return &MalformedOutputError{Reason: "primary_word is empty"}
	}

	for i := range c.Scenes {
		c.Scenes[i].Description = strings.TrimSpace(c.Scenes[i].Description)
		c.Scenes[i].ImagePrompt = strings.TrimSpace(c.Scenes[i].ImagePrompt)
		if c.Scenes[i].Description == "" || c.Scenes[i].ImagePrompt == "" {
			return &MalformedOutputError{Reason: fmt.Sprintf("scene %d is missing description or image_prompt", i+1)}
		}
	}

	switch cardType {
	case models.CardTypeSingleWord:
		if len(c.Scenes) != singleWordSceneCount {
			return &MalformedOutputError{Reason: fmt.Sprintf("expected %d scenes, got %d", singleWordSceneCount, len(c.Scenes))}
		}
		c.CategoryWords = nil
	case models.CardTypeCategory:
		n := len(c.CategoryWords)
		if n < minCategoryWords || n > maxCategoryWords {
			return &MalformedOutputError{Reason: fmt.Sprintf("expected %d-%d category words, got %d", minCategoryWords, maxCategoryWords, n)}
		}
		for i, w := range c.CategoryWords {
			c.CategoryWords[i] = strings.TrimSpace(w)
			if c.CategoryWords[i] == "" {
				return &MalformedOutputError{Reason: fmt.Sprintf("category word %d is empty", i+1)}
			}
		}
		if len(c.Scenes) != n {
			return &MalformedOutputError{Reason: fmt.Sprintf("expected one scene per category word (%d), got %d", n, len(c.Scenes))}
		}
	default:
		return &MalformedOutputError{Reason: fmt.Sprintf("unknown card type %q", cardType)}
	}
	return nil
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func buildContentPrompt(req ContentRequest) string {
	var b strings.Builder

	b.WriteString("You are an expert English teacher who designs illustrated vocabulary flash cards for children.\n\n")
	b.WriteString("CRITICAL: Return ONLY a valid JSON object. No preamble, no markdown, no backticks.\n\n")

	switch req.CardType {
	case models.CardTypeCategory:
		b.WriteString(fmt.Sprintf("Create a CATEGORY card for the topic %q.\n", req.Prompt))
		b.WriteString(fmt.Sprintf("Pick %d to %d simple words that belong to this category.\n", minCategoryWords, maxCategoryWords))
		b.WriteString("primary_word is the category name. Write exactly one scene per category word, in the same order.\n")
	default:
		b.WriteString(fmt.Sprintf("Create a SINGLE WORD card that teaches %q.\n", req.Prompt))
		b.WriteString(fmt.Sprintf("Write exactly %d scenes that each show the word in a different everyday situation.\n", singleWordSceneCount))
		b.WriteString("category_words must be an empty array.\n")
	}

	b.WriteString(fmt.Sprintf("\nDifficulty: %s\n", req.Params.DifficultyLevel))
	switch req.Params.AgeGroup {
	case "preschool":
		b.WriteString("Audience: preschool children. Use very short sentences of at most 6 words.\n")
	case "middle_school":
		b.WriteString("Audience: middle school students. Sentences may use richer vocabulary.\n")
	default:
		b.WriteString("Audience: elementary school children. Keep sentences short and concrete.\n")
	}
	b.WriteString(fmt.Sprintf("Write descriptions in language code %q. Image prompts are always in English.\n", req.Params.Language))

	b.WriteString(`
Rules:
- description is a one-sentence caption shown under the picture
- image_prompt describes a single picture with no text, letters or words in it
- content must be safe and friendly for children

JSON schema:
{"title": "string", "primary_word": "string", "category_words": ["string"], "scenes": [{"description": "string", "image_prompt": "string"}]}
`)
	return b.String()
}

// buildImagePrompt appends the style directive to a scene's image prompt.
func buildImagePrompt(scenePrompt string, params models.GenerationParams) string {
	style := "bright cartoon illustration"
	switch params.StylePreference {
	case "realistic":
		style = "realistic photograph-like illustration"
	case "minimalist":
		style = "minimalist flat illustration with simple shapes"
	}
	return fmt.Sprintf("%s. Style: %s for %s learners. Do not include any text in the image.",
		strings.TrimSuffix(scenePrompt, "."), style, strings.ReplaceAll(params.AgeGroup, "_", " "))
}
