package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"nutrimind"
)

const (
	defaultEmbedModelID = "amazon.titan-embed-text-v2:0"

	// Titan v2 supports 256/512/1024 output dimensions; the corpus is
	// built with the same setting, so query and corpus vectors agree.
	defaultEmbedDimensions = 1024
)

type invokeModelClient interface {
	InvokeModel(context.Context, *bedrockruntime.InvokeModelInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// TitanEmbedder generates text embeddings with the Titan embedding model
// via the InvokeModel API. Vectors are requested pre-normalized.
type TitanEmbedder struct {
	brc        invokeModelClient
	modelID    string
	dimensions int
}

func NewTitanEmbedder(brc invokeModelClient, modelID string) *TitanEmbedder {
	if modelID == "" {
		modelID = defaultEmbedModelID
	}
	return &TitanEmbedder{
		brc:        brc,
		modelID:    modelID,
		dimensions: defaultEmbedDimensions,
	}
}

func (e *TitanEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"inputText":  text,
		"dimensions": e.dimensions,
		"normalize":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	res, err := e.brc.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		slog.Error("EMBEDDER: Titan invoke failed", "model", e.modelID, "error", err)
		return nil, fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}

	var out struct {
		Embedding           []float32 `json:"embedding"`
		InputTextTokenCount int       `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: parse embed response: %v", nutrimind.ErrExternalCall, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", nutrimind.ErrExternalCall)
	}

	slog.Info("EMBEDDER: Embedded text", "model", e.modelID, "tokens", out.InputTextTokenCount, "dim", len(out.Embedding))
	return out.Embedding, nil
}
