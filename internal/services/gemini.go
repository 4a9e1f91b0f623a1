package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

// GeminiTextGenerator drafts card content with a Gemini model.
type GeminiTextGenerator struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	log      *logger.Logger
	rateChan chan struct{} // Token bucket
}

func NewGeminiTextGenerator(apiKey, modelName string, concurrentReqs int, log *logger.Logger) (*GeminiTextGenerator, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.7)
	model.SetTopP(0.95)
	model.ResponseMIMEType = "application/json"

	if concurrentReqs < 1 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiTextGenerator{
		client:   client,
		model:    model,
		log:      log,
		rateChan: rateChan,
	}, nil
}

func (g *GeminiTextGenerator) Close() {
	g.client.Close()
}

// acquireRate blocks until a rate slot is available
func (g *GeminiTextGenerator) acquireRate(ctx context.Context) error {
	select {
	case <-g.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (g *GeminiTextGenerator) releaseRate() {
	g.rateChan <- struct{}{}
}

func (g *GeminiTextGenerator) GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error) {
	if err := g.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer g.releaseRate()

	resp, err := g.model.GenerateContent(ctx, genai.Text(buildContentPrompt(req)))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	return g.contentFromResponse(resp, req.CardType)
}

// contentFromResponse turns a Gemini reply into validated card content.
func (g *GeminiTextGenerator) contentFromResponse(resp *genai.GenerateContentResponse, cardType models.CardType) (*GeneratedContent, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, fmt.Errorf("Gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
	}
	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			g.log.Warn("Gemini candidate stopped early", "candidate", i, "finish_reason", cand.FinishReason.String())
		}
	}

	content, err := ParseGeneratedContent(extractText(resp), cardType)
	if err != nil {
		return nil, err
	}
	if resp.UsageMetadata != nil {
		content.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return content, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
