package similarity

import (
	"context"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-relay/shared"
	"google.golang.org/genai"
)

// GenAIEmbedder generates query embeddings with the Gemini API. The corpus
// must have been embedded with the same model.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

var _ Embedder = (*GenAIEmbedder)(nil)

// NewGenAIEmbedder creates a Gemini API embedder. An empty baseURL uses the
// public endpoint.
func NewGenAIEmbedder(ctx context.Context, apiKey, baseURL, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_QUERY",
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
