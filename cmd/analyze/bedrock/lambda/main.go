package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/corpus/storage"
	"nutrimind/pipeline"
	"nutrimind/pipeline/bedrock"
	"nutrimind/prefs"
)

type Params struct {
	Description string `json:"description"`
	UserID      string `json:"user_id"`
}

type Results struct {
	Analysis      *nutrimind.MealAnalysis `json:"analysis,omitempty"`
	Clarification string                  `json:"clarification,omitempty"`
}

func main() {
	fn := func(ctx context.Context, params Params) (Results, error) {
		var modelConfig nutrimind.ModelConfig
		if err := envdecode.Decode(&modelConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		var pipelineConfig nutrimind.PipelineConfig
		if err := envdecode.Decode(&pipelineConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		// S3 config from env
		s3Bucket := os.Getenv("ARTIFACTS_S3_BUCKET")
		embeddingsKey := os.Getenv("ARTIFACTS_EMBEDDINGS_S3_KEY")
		metadataKey := os.Getenv("ARTIFACTS_METADATA_S3_KEY")
		rulesKey := os.Getenv("ARTIFACTS_RULES_S3_KEY")
		if s3Bucket == "" || embeddingsKey == "" || metadataKey == "" {
			return Results{}, fmt.Errorf("missing S3 config: ARTIFACTS_S3_BUCKET, ARTIFACTS_EMBEDDINGS_S3_KEY, ARTIFACTS_METADATA_S3_KEY must be set")
		}

		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return Results{}, fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)

		vs := storage.NewS3State(s3Client, s3Bucket, embeddingsKey)
		ms := storage.NewS3State(s3Client, s3Bucket, metadataKey)

		var snapshot *corpus.Snapshot
		store, err := corpus.Load(ctx, vs, ms)
		if err != nil {
			slog.Warn("SETUP: Reference corpus unavailable", "error", err)
			snapshot = corpus.NewSnapshot(nil)
		} else {
			snapshot = corpus.NewSnapshot(store)
			slog.Info("SETUP: Reference corpus loaded from S3", "foods", store.Len(), "dim", store.Dim())
		}

		var rules pipeline.RuleSet
		if rulesKey != "" {
			rules, err = pipeline.LoadCompositeRules(ctx, storage.NewS3State(s3Client, s3Bucket, rulesKey))
			if err != nil {
				slog.Warn("SETUP: Composite rules unavailable; categories pass through unexpanded", "error", err)
				rules = nil
			}
		}

		brc, err := newBedrockRuntimeClient(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to create Bedrock client", "error", err)
			return Results{}, err
		}

		llm := bedrock.NewLLMClient(brc, bedrock.LLMOptions{
			ModelID:     modelConfig.ModelID,
			MaxTokens:   modelConfig.MaxTokens,
			Temperature: modelConfig.Temperature,
			TopP:        modelConfig.TopP,
		}, rules.Categories())
		embedder := bedrock.NewTitanEmbedder(brc, modelConfig.EmbedModelID)

		tracerProvider, meterProvider, otelShutdown, err := nutrimind.InitOtel(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
			return Results{}, err
		}
		_ = tracerProvider
		_ = meterProvider // TODO: Use meterProvider as needed
		defer func() {
			if err := otelShutdown(ctx); err != nil {
				slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
			}
		}()

		p := pipeline.New(
			llm,
			llm,
			embedder,
			snapshot,
			rules,
			prefs.NewFileStore(pipelineConfig.PreferencesPath),
			pipeline.Config{
				SimilarityThreshold: pipelineConfig.SimilarityThreshold,
				MaxResolveAttempts:  pipelineConfig.MaxResolveAttempts,
				TracerName:          nutrimind.TracerNameBedrock,
			},
			nutrimind.NewStdoutAnalysisLogger(),
		)

		outcome, err := p.Analyze(ctx, nutrimind.Input{Kind: nutrimind.KindText, Text: params.Description, UserID: params.UserID})
		if err != nil {
			slog.Error("RESULT: Error analyzing meal", "error", err)
			return Results{}, err
		}

		return Results{Analysis: outcome.Analysis, Clarification: outcome.Clarification}, nil
	}

	lambda.Start(fn)
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}
