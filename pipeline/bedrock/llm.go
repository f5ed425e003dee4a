// Package bedrock is the AWS Bedrock generative backend: ingredient
// decomposition, fallback nutrition estimation, and preference-correction
// parsing via the Converse API, plus Titan text embeddings.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"nutrimind"
	"nutrimind/prefs"
)

const (
	// defaultModelID is the default model ID for Bedrock Claude.
	// It's an inference profile ID or ARN, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// 1k tokens is enough for structured decomposition and estimation
	// payloads while keeping cost bounded.
	defaultMaxTokens = 1024

	// Low temperature keeps structured outputs consistent.
	defaultTemperature = 0.2

	// Low top_p keeps outputs focused, which is better for JSON.
	defaultTopP = 0.9
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type LLMOptions struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// LLMClient implements the Decomposer, Estimator, and CorrectionParser
// contracts on top of the Converse API. Every call forces a single tool so
// the model's answer arrives as a structured tool input rather than free
// text.
type LLMClient struct {
	brc        bedrockRuntimeClient
	opts       LLMOptions
	categories []string
}

// NewLLMClient initializes a client. categories are the known composite
// categories surfaced to the decomposition prompt; nil is fine.
func NewLLMClient(brc bedrockRuntimeClient, opts LLMOptions, categories []string) *LLMClient {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &LLMClient{
		brc:        brc,
		opts:       opts,
		categories: categories,
	}
}

// Decompose asks the model to break a dish description into weighted base
// ingredients, or to return a clarification question.
func (c *LLMClient) Decompose(ctx context.Context, description string, userPrefs nutrimind.Preferences) (nutrimind.Decomposition, error) {
	var out nutrimind.Decomposition
	if err := c.invokeStructured(ctx, decomposePrompt(c.categories), userMessage(description, userPrefs), decompositionTool(), &out); err != nil {
		return nutrimind.Decomposition{}, err
	}

	for _, it := range out.Items {
		if it.Name == "" || it.Grams < 0 || math.IsNaN(it.Grams) {
			return nutrimind.Decomposition{}, fmt.Errorf("%w: model returned malformed decomposition item %+v", nutrimind.ErrExternalCall, it)
		}
	}
	return out, nil
}

// Estimate asks the model for an already-scaled nutrition estimate of the
// description, used when no corpus match exists.
func (c *LLMClient) Estimate(ctx context.Context, description string, userPrefs nutrimind.Preferences) ([]nutrimind.LineItem, error) {
	var out struct {
		Items []struct {
			Name       string  `json:"name"`
			Grams      float64 `json:"grams"`
			Kcal       float64 `json:"kcal"`
			ProteinG   float64 `json:"protein_g"`
			CarbsG     float64 `json:"carbs_g"`
			FatsG      float64 `json:"fats_g"`
			Confidence float64 `json:"confidence"`
		} `json:"items"`
	}
	if err := c.invokeStructured(ctx, estimateSystemPrompt, userMessage(description, userPrefs), estimateTool(), &out); err != nil {
		return nil, err
	}

	items := make([]nutrimind.LineItem, 0, len(out.Items))
	for _, it := range out.Items {
		li := nutrimind.LineItem{
			Name:  it.Name,
			Grams: it.Grams,
			Nutrition: nutrimind.NutritionFacts{
				Kcal:     it.Kcal,
				ProteinG: it.ProteinG,
				CarbsG:   it.CarbsG,
				FatsG:    it.FatsG,
			},
			Tier:       nutrimind.TierEstimated,
			Confidence: it.Confidence,
		}
		if li.Name == "" || !li.Nutrition.IsValid() {
			return nil, fmt.Errorf("%w: model returned malformed estimate item %+v", nutrimind.ErrExternalCall, it)
		}
		items = append(items, li)
	}
	return items, nil
}

// ParseCorrection extracts a key/value preference from a free-text
// correction statement.
func (c *LLMClient) ParseCorrection(ctx context.Context, text string) (prefs.Correction, error) {
	var out prefs.Correction
	if err := c.invokeStructured(ctx, correctionSystemPrompt, "USER INPUT: "+text, correctionTool(), &out); err != nil {
		return prefs.Correction{}, err
	}
	return out, nil
}

// invokeStructured sends one system+user exchange with a single forced
// tool and unmarshals the tool input into out.
func (c *LLMClient) invokeStructured(ctx context.Context, system, user string, tool Tool, out any) error {
	slog.Info("LLM_CLIENT: Invoked", "tool", tool.Name, "user_len", len(user))

	spec, err := buildToolSpec(tool)
	if err != nil {
		return fmt.Errorf("failed to build tool spec: %w", err)
	}

	in := &bedrockruntime.ConverseInput{
		ModelId: &c.opts.ModelID,
		System:  []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}},
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: user}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.opts.MaxTokens),
			Temperature: aws.Float32(c.opts.Temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
		ToolConfig: &types.ToolConfiguration{
			Tools:      []types.Tool{&types.ToolMemberToolSpec{Value: spec}},
			ToolChoice: &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(tool.Name)}},
		},
	}

	res, err := c.brc.Converse(ctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock invoke failed", "tool", tool.Name, "error", err)
		return fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}

	slog.Info("LLM_CLIENT: Bedrock invoke succeeded",
		"tool", tool.Name,
		"stop_reason", res.StopReason,
		"latency_ms", aws.ToInt64(res.Metrics.LatencyMs),
		"input_tokens", aws.ToInt32(res.Usage.InputTokens),
		"output_tokens", aws.ToInt32(res.Usage.OutputTokens),
	)

	switch res.StopReason {
	case types.StopReasonMaxTokens:
		return fmt.Errorf("%w: model hit MaxTokens limit", nutrimind.ErrExternalCall)
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return fmt.Errorf("%w: model response blocked by Bedrock safety filters", nutrimind.ErrExternalCall)
	}

	input, err := toolInputFromOutput(res, tool.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}

	// json roundtrip from the smithy document map into the typed target.
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal tool input: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: failed to parse structured output: %v", nutrimind.ErrExternalCall, err)
	}
	return nil
}

// toolInputFromOutput extracts the input of the named tool use emitted by
// the assistant.
func toolInputFromOutput(out *bedrockruntime.ConverseOutput, name string) (map[string]any, error) {
	if out == nil || out.Output == nil {
		return nil, fmt.Errorf("empty model output")
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return nil, fmt.Errorf("unexpected model output shape")
	}

	for _, cb := range msg.Value.Content {
		tu, ok := cb.(*types.ContentBlockMemberToolUse)
		if !ok || tu == nil || aws.ToString(tu.Value.Name) != name {
			continue
		}
		var input map[string]any
		if err := tu.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
			return nil, fmt.Errorf("unmarshal tool input: %w", err)
		}
		return input, nil
	}

	return nil, fmt.Errorf("model did not call tool %q", name)
}
