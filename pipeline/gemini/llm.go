// Package gemini is the Google Gemini generative backend: ingredient
// decomposition, fallback nutrition estimation, and preference-correction
// parsing via the generateContent REST API, plus GenAI text embeddings.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"nutrimind"
	"nutrimind/prefs"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelID = "gemini-2.0-flash"

	defaultMaxOutputTokens = 1024
	defaultTemperature     = 0.2
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type LLMOptions struct {
	APIKey          string
	ModelID         string
	BaseURL         string
	MaxOutputTokens int
	Temperature     float64
}

// LLMClient implements the Decomposer, Estimator, and CorrectionParser
// contracts on top of the generateContent REST API. Every call pins
// responseMimeType to application/json with a response schema so the
// model answers in the expected shape.
type LLMClient struct {
	httpClient doer
	opts       LLMOptions
	categories []string
}

// NewLLMClient initializes a client. categories are the known composite
// categories surfaced to the decomposition prompt; nil is fine.
func NewLLMClient(httpClient doer, opts LLMOptions, categories []string) *LLMClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = defaultMaxOutputTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	return &LLMClient{
		httpClient: httpClient,
		opts:       opts,
		categories: categories,
	}
}

// Decompose asks the model to break a dish description into weighted base
// ingredients, or to return a clarification question.
func (c *LLMClient) Decompose(ctx context.Context, description string, userPrefs nutrimind.Preferences) (nutrimind.Decomposition, error) {
	var out nutrimind.Decomposition
	if err := c.generate(ctx, decomposePrompt(c.categories), userMessage(description, userPrefs), decompositionSchema(), &out); err != nil {
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
	if err := c.generate(ctx, estimateSystemPrompt, userMessage(description, userPrefs), estimateSchema(), &out); err != nil {
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
	if err := c.generate(ctx, correctionSystemPrompt, "USER INPUT: "+text, correctionSchema(), &out); err != nil {
		return prefs.Correction{}, err
	}
	return out, nil
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// generate sends one system+user exchange with a pinned JSON response
// schema and unmarshals the candidate text into out.
func (c *LLMClient) generate(ctx context.Context, system, user string, schema map[string]any, out any) error {
	slog.Info("LLM_CLIENT: Invoked", "model", c.opts.ModelID, "user_len", len(user))

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: user}}},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: system}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      c.opts.Temperature,
			MaxOutputTokens:  c.opts.MaxOutputTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.opts.BaseURL, c.opts.ModelID, c.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("LLM_CLIENT: Gemini invoke failed", "model", c.opts.ModelID, "error", err)
		return fmt.Errorf("%w: %v", nutrimind.ErrExternalCall, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", nutrimind.ErrExternalCall, err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("LLM_CLIENT: Gemini invoke failed", "model", c.opts.ModelID, "status", resp.StatusCode)
		return fmt.Errorf("%w: generateContent returned status %d: %s", nutrimind.ErrExternalCall, resp.StatusCode, string(body))
	}

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return fmt.Errorf("%w: parse response: %v", nutrimind.ErrExternalCall, err)
	}
	if gr.Error != nil {
		return fmt.Errorf("%w: API error %d: %s", nutrimind.ErrExternalCall, gr.Error.Code, gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return fmt.Errorf("%w: no completion returned", nutrimind.ErrExternalCall)
	}
	if fr := gr.Candidates[0].FinishReason; fr == "MAX_TOKENS" || fr == "SAFETY" {
		return fmt.Errorf("%w: completion truncated or blocked (%s)", nutrimind.ErrExternalCall, fr)
	}

	slog.Info("LLM_CLIENT: Gemini invoke succeeded",
		"model", c.opts.ModelID,
		"finish_reason", gr.Candidates[0].FinishReason,
		"input_tokens", gr.UsageMetadata.PromptTokenCount,
		"output_tokens", gr.UsageMetadata.CandidatesTokenCount,
	)

	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	if err := json.Unmarshal([]byte(stripCodeFence(sb.String())), out); err != nil {
		return fmt.Errorf("%w: failed to parse structured output: %v", nutrimind.ErrExternalCall, err)
	}
	return nil
}

// stripCodeFence tolerates models that wrap JSON in a markdown fence even
// when responseMimeType pins application/json.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
