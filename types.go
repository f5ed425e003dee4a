package nutrimind

import (
	"context"
	"errors"
	"math"
)

// Tier marks how a line item's nutrition values were obtained.
type Tier string

const (
	// TierVerified means the item was matched against the reference corpus
	// above the similarity threshold and scaled from per-100g facts.
	TierVerified Tier = "Verified"
	// TierEstimated means the item came from the generative fallback with no
	// corpus backing.
	TierEstimated Tier = "Estimated"
)

// Sentinel errors for the pipeline failure taxonomy.
var (
	ErrCorpusUnavailable = errors.New("reference corpus unavailable")
	ErrValidation        = errors.New("validation failure")
	ErrExternalCall      = errors.New("external call failure")
)

// NutritionFacts holds the four tracked nutrition fields. Depending on
// context the values are per 100g (corpus entries) or absolute for a
// portion (scaled line items).
type NutritionFacts struct {
	Kcal     float64 `json:"kcal"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatsG    float64 `json:"fats_g"`
}

// Add returns the element-wise sum of two facts.
func (n NutritionFacts) Add(o NutritionFacts) NutritionFacts {
	return NutritionFacts{
		Kcal:     n.Kcal + o.Kcal,
		ProteinG: n.ProteinG + o.ProteinG,
		CarbsG:   n.CarbsG + o.CarbsG,
		FatsG:    n.FatsG + o.FatsG,
	}
}

// IsValid reports whether all four fields are finite and non-negative.
func (n NutritionFacts) IsValid() bool {
	for _, v := range []float64{n.Kcal, n.ProteinG, n.CarbsG, n.FatsG} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Preferences maps a user's key phrases to normalized corrections,
// e.g. "bowl_size" -> "300ml". Owned by the external profile store;
// read-only input to the pipeline.
type Preferences map[string]string

// IngredientEstimate is one decomposed ingredient with its estimated
// portion mass. Transient, scoped to a single request.
type IngredientEstimate struct {
	Name     string  `json:"name"`
	Grams    float64 `json:"grams"`
	Category string  `json:"category,omitempty"`
	Vessel   string  `json:"vessel,omitempty"`
}

// Decomposition is the outcome of one decompose call: either an ordered
// ingredient list or a clarification question for the user. Asking for
// clarification is a terminal state for the turn, not an error.
type Decomposition struct {
	Items              []IngredientEstimate `json:"items"`
	NeedsClarification bool                 `json:"needs_clarification"`
	Question           string               `json:"question,omitempty"`
	Notes              string               `json:"notes,omitempty"`
}

// MatchResult is the per-ingredient resolution outcome: a corpus match
// scaled to portion size, or a generative estimate.
type MatchResult struct {
	Ingredient    IngredientEstimate `json:"ingredient"`
	Tier          Tier               `json:"tier"`
	ReferenceID   string             `json:"reference_id,omitempty"`
	ReferenceName string             `json:"reference_name,omitempty"`
	Similarity    float64            `json:"similarity,omitempty"`
	Nutrition     NutritionFacts     `json:"nutrition"`
	Confidence    float64            `json:"confidence"`
}

// LineItem is one entry of the meal output contract handed downstream.
type LineItem struct {
	Name       string         `json:"name"`
	Grams      float64        `json:"grams"`
	Nutrition  NutritionFacts `json:"nutrition"`
	Tier       Tier           `json:"tier"`
	Confidence float64        `json:"confidence"`
}

// MealAnalysis is the sole artifact this pipeline produces per request.
// Persistence and display are external collaborators.
type MealAnalysis struct {
	Items           []LineItem     `json:"items"`
	Totals          NutritionFacts `json:"totals"`
	ConfidenceRatio float64        `json:"confidence_ratio"`
	Degraded        bool           `json:"degraded,omitempty"`
	Notes           string         `json:"notes,omitempty"`
}

// IsValid checks basic shape requirements on a finished analysis.
func (ma *MealAnalysis) IsValid() bool {
	if !ma.Totals.IsValid() {
		return false
	}
	for _, it := range ma.Items {
		if it.Name == "" || !it.Nutrition.IsValid() {
			return false
		}
		if it.Tier != TierVerified && it.Tier != TierEstimated {
			return false
		}
	}
	return true
}

// InputKind distinguishes decomposable text from holistic descriptions
// (e.g. image or audio transcriptions) that skip decomposition.
type InputKind string

const (
	KindText       InputKind = "text"
	KindTranscript InputKind = "transcript"
)

// Input is one meal description to analyze.
type Input struct {
	Kind   InputKind
	Text   string
	UserID string
}

// Outcome is the terminal result of one pipeline run: exactly one of
// Analysis or Clarification is set.
type Outcome struct {
	Analysis      *MealAnalysis `json:"analysis,omitempty"`
	Clarification string        `json:"clarification,omitempty"`
}

// NeedsClarification reports whether the turn ended with a question
// instead of an analysis.
func (o Outcome) NeedsClarification() bool { return o.Clarification != "" }

// Decomposer turns a dish description into weighted base ingredients, or a
// clarification request when the description is too ambiguous.
type Decomposer interface {
	Decompose(ctx context.Context, description string, prefs Preferences) (Decomposition, error)
}

// Estimator is the generative fallback: it returns already-scaled line
// items for a description, with no corpus backing. It must keep working
// when the corpus is entirely unavailable.
type Estimator interface {
	Estimate(ctx context.Context, description string, prefs Preferences) ([]LineItem, error)
}

// Embedder produces an embedding vector for a text, suitable for querying
// the reference corpus.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PreferenceStore is the read-only profile lookup consumed by the pipeline.
type PreferenceStore interface {
	PreferencesFor(ctx context.Context, userID string) (Preferences, error)
}

// Analyzer is the top-level request surface exposed to the transport
// collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Outcome, error)
}
