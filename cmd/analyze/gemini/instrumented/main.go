package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joeshaw/envdecode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/corpus/storage"
	"nutrimind/pipeline"
	"nutrimind/pipeline/gemini"
	"nutrimind/prefs"
)

// GeminiConfig carries the Gemini-specific settings on top of the shared
// pipeline config.
type GeminiConfig struct {
	APIKey       string `env:"GEMINI_API_KEY,required"`
	ModelID      string `env:"GEMINI_MODEL_ID,default=gemini-2.0-flash"`
	EmbedModelID string `env:"GEMINI_EMBED_MODEL_ID,default=gemini-embedding-001"`
}

func main() {
	ctx := context.Background()

	var geminiConfig GeminiConfig
	if err := envdecode.Decode(&geminiConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	var pipelineConfig nutrimind.PipelineConfig
	if err := envdecode.Decode(&pipelineConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	vs := storage.NewFileState(pipelineConfig.CorpusEmbeddingsPath)
	ms := storage.NewFileState(pipelineConfig.CorpusMetadataPath)

	var snapshot *corpus.Snapshot
	store, err := corpus.Load(ctx, vs, ms)
	if err != nil {
		slog.Warn("SETUP: Reference corpus unavailable", "error", err)
		snapshot = corpus.NewSnapshot(nil)
	} else {
		snapshot = corpus.NewSnapshot(store)
		slog.Info("SETUP: Reference corpus loaded", "foods", store.Len(), "dim", store.Dim())
	}

	rules, err := pipeline.LoadCompositeRules(ctx, storage.NewFileState(pipelineConfig.CompositeRulesPath))
	if err != nil {
		slog.Warn("SETUP: Composite rules unavailable; categories pass through unexpanded", "error", err)
		rules = nil
	} else {
		slog.Info("SETUP: Composite rules loaded", "categories", rules.Categories())
	}

	description := argOr(1, "2 boiled eggs and a bowl of rice")
	userID := argOr(2, "local")

	logger, cleanup, err := newAnalysisLogger(geminiConfig.ModelID)
	if err != nil {
		slog.Error("Failed to create analysis logger", "error", err)
		return
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("Failed to flush analysis log", "error", err)
		}
	}()

	llm := gemini.NewLLMClient(http.DefaultClient, gemini.LLMOptions{
		APIKey:  geminiConfig.APIKey,
		ModelID: geminiConfig.ModelID,
	}, rules.Categories())

	embedder, err := gemini.NewGenAIEmbedder(ctx, geminiConfig.APIKey, geminiConfig.EmbedModelID)
	if err != nil {
		slog.Error("SETUP: Failed to create GenAI embedder", "error", err)
		return
	}

	tracerProvider, meterProvider, otelShutdown, err := nutrimind.InitOtel(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
		return
	}
	_ = meterProvider // TODO: Use meterProvider as needed
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	tracer := tracerProvider.Tracer(nutrimind.TracerNameGemini)
	ctx, span := tracer.Start(ctx, nutrimind.TracerNameGemini, trace.WithAttributes(
		attribute.String("model.id", geminiConfig.ModelID),
		attribute.String("model.embed_id", geminiConfig.EmbedModelID),
		attribute.Float64("pipeline.similarity_threshold", pipelineConfig.SimilarityThreshold),
		attribute.Int("pipeline.max_resolve_attempts", pipelineConfig.MaxResolveAttempts),
	))
	defer span.End()

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
			TracerName:          nutrimind.TracerNameGemini,
		},
		logger,
	)

	outcome, err := p.Analyze(ctx, nutrimind.Input{Kind: nutrimind.KindText, Text: description, UserID: userID})
	if err != nil {
		slog.Error("RESULT: Error analyzing meal", "error", err)
		return
	}
	if outcome.NeedsClarification() {
		slog.Info("RESULT: Clarification needed", "question", outcome.Clarification)
		return
	}

	slog.Info("RESULT: Analysis complete",
		"items", len(outcome.Analysis.Items),
		"kcal", outcome.Analysis.Totals.Kcal,
		"protein_g", outcome.Analysis.Totals.ProteinG,
		"carbs_g", outcome.Analysis.Totals.CarbsG,
		"fats_g", outcome.Analysis.Totals.FatsG,
		"confidence_ratio", outcome.Analysis.ConfidenceRatio,
		"degraded", outcome.Analysis.Degraded,
	)
	nutrimind.Dump(outcome.Analysis)
}

func argOr(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func newAnalysisLogger(modelID string) (nutrimind.AnalysisLogger, func() error, error) {
	logFilePath := nutrimind.NewAnalysisLogFilePath(modelID)
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := nutrimind.NewFileAnalysisLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}
