package transform

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiGenerator is the production generator backed by the Gemini API.
type geminiGenerator struct {
	client *genai.Client
	model  string
}

// Ensure geminiGenerator implements generator
var _ generator = (*geminiGenerator)(nil)

func newGeminiGenerator(apiKey, model string) (*geminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiGenerator{client: client, model: model}, nil
}

func (g *geminiGenerator) generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			MaxOutputTokens: int32(maxOutputTokens),
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}

	return text, nil
}
