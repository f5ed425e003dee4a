package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"nutrimind"
)

const defaultEmbedModelID = "gemini-embedding-001"

// GenAIEmbedder generates text embeddings with the GenAI SDK. The corpus
// must be built with the same model so query and corpus vectors agree.
type GenAIEmbedder struct {
	client   *genai.Client
	modelID  string
	taskType string
}

func NewGenAIEmbedder(ctx context.Context, apiKey, modelID string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if modelID == "" {
		modelID = defaultEmbedModelID
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEmbedder{
		client:   client,
		modelID:  modelID,
		taskType: "SEMANTIC_SIMILARITY",
	}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.modelID,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		slog.Error("EMBEDDER: GenAI embed failed", "model", e.modelID, "error", err)
		return nil, fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", nutrimind.ErrExternalCall)
	}

	vec := result.Embeddings[0].Values
	slog.Info("EMBEDDER: Embedded text", "model", e.modelID, "dim", len(vec))
	return vec, nil
}

// EmbedBatch embeds many texts in one call, used by the offline corpus
// builder.
func (e *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.modelID,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		slog.Error("EMBEDDER: GenAI batch embed failed", "model", e.modelID, "count", len(texts), "error", err)
		return nil, fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", nutrimind.ErrExternalCall, len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}
