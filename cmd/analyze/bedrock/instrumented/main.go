package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joeshaw/envdecode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/corpus/storage"
	"nutrimind/notify"
	"nutrimind/pipeline"
	"nutrimind/pipeline/bedrock"
	"nutrimind/prefs"
)

func main() {
	ctx := context.Background()

	var modelConfig nutrimind.ModelConfig
	if err := envdecode.Decode(&modelConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	var pipelineConfig nutrimind.PipelineConfig
	if err := envdecode.Decode(&pipelineConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	vs := storage.NewFileState(pipelineConfig.CorpusEmbeddingsPath)
	ms := storage.NewFileState(pipelineConfig.CorpusMetadataPath)

	// A broken or missing corpus is survivable; the pipeline falls back
	// to estimation-only mode.
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

	logger, cleanup, err := newAnalysisLogger(modelConfig.ModelID)
	if err != nil {
		slog.Error("Failed to create analysis logger", "error", err)
		return
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("Failed to flush analysis log", "error", err)
		}
	}()

	brc, err := newBedrockRuntimeClient(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to create Bedrock client", "error", err)
		return
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
		return
	}
	_ = meterProvider // TODO: Use meterProvider as needed
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	tracer := tracerProvider.Tracer(nutrimind.TracerNameBedrock)
	ctx, span := tracer.Start(ctx, nutrimind.TracerNameBedrock, trace.WithAttributes(
		attribute.String("model.id", modelConfig.ModelID),
		attribute.String("model.embed_id", modelConfig.EmbedModelID),
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
			TracerName:          nutrimind.TracerNameBedrock,
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

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body) // nolint: errcheck
		slog.Info("FINAL: Received request",
			"method", r.Method,
			"path", r.URL.Path,
			"header", r.Header,
			"body", body.String(),
		)
		w.WriteHeader(http.StatusOK)
	}))
	defer testServer.Close()

	notifier := notify.NewClient(testServer.URL, http.DefaultClient)
	if err := notifier.PostAnalysis(ctx, "#meals", *outcome.Analysis); err != nil {
		slog.Error("Failed to post meal analysis", "error", err)
	}
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
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
