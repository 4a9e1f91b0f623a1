package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"

	"flashcards-backend/internal/models"
)

// NewOpenAIClient builds a client; baseURL overrides the API endpoint when set.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAITextGenerator drafts card content with a chat completion model.
type OpenAITextGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAITextGenerator(client *openai.Client, model string) *OpenAITextGenerator {
	return &OpenAITextGenerator{client: client, model: model}
}

func (g *OpenAITextGenerator) GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: buildContentPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI completion error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &MalformedOutputError{Reason: "no choices returned"}
	}

	content, err := ParseGeneratedContent(resp.Choices[0].Message.Content, req.CardType)
	if err != nil {
		return nil, err
	}
	content.TokensUsed = resp.Usage.TotalTokens
	return content, nil
}

type ModerationResult struct {
	Flagged    bool
	Categories []string
}

type Moderator interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

type OpenAIModerator struct {
	client *openai.Client
}

func NewOpenAIModerator(client *openai.Client) *OpenAIModerator {
	return &OpenAIModerator{client: client}
}

func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("OpenAI moderation error: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, errors.New("OpenAI moderation returned no results")
	}

	result := &ModerationResult{}
	seen := make(map[string]bool)
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		result.Flagged = true

		// Round-trip through JSON to get the API's own category names.
		raw, err := json.Marshal(r.Categories)
		if err != nil {
			continue
		}
		var cats map[string]bool
		if err := json.Unmarshal(raw, &cats); err != nil {
			continue
		}
		for name, hit := range cats {
			if hit && !seen[name] {
				seen[name] = true
				result.Categories = append(result.Categories, name)
			}
		}
	}
	sort.Strings(result.Categories)
	return result, nil
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, params models.GenerationParams) (string, error)
}

// OpenAIImageGenerator renders one scene per call and returns the hosted URL.
type OpenAIImageGenerator struct {
	client *openai.Client
	model  string
	size   string
}

func NewOpenAIImageGenerator(client *openai.Client, model, size string) *OpenAIImageGenerator {
	return &OpenAIImageGenerator{client: client, model: model, size: size}
}

func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         buildImagePrompt(prompt, params),
		Model:          g.model,
		N:              1,
		Size:           g.size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI image error: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("OpenAI image response has no URL")
	}
	return resp.Data[0].URL, nil
}
