package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/corpus/storage"
	"nutrimind/prefs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDecomposer returns a canned decomposition, failing the first
// failures calls. It records the descriptions it was asked about.
type mockDecomposer struct {
	decomposition nutrimind.Decomposition
	failures      int
	calls         int
	descriptions  []string
}

func (m *mockDecomposer) Decompose(ctx context.Context, description string, prefs nutrimind.Preferences) (nutrimind.Decomposition, error) {
	m.calls++
	m.descriptions = append(m.descriptions, description)
	if m.calls <= m.failures {
		return nutrimind.Decomposition{}, errors.New("model unavailable")
	}
	return m.decomposition, nil
}

func newTestPipeline(t *testing.T, dec *mockDecomposer, est *mockEstimator, emb *mockEmbedder, snapshot *corpus.Snapshot, rules RuleSet, store nutrimind.PreferenceStore) *Pipeline {
	t.Helper()
	p := New(dec, est, emb, snapshot, rules, store, Config{
		SimilarityThreshold: 0.73,
		MaxResolveAttempts:  2,
	}, nutrimind.NewNoOpAnalysisLogger())
	p.SetRetryInterval(time.Millisecond)
	return p
}

func TestAnalyzeVerifiedAndFallback(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{
			{Name: "chicken breast", Grams: 150},
			{Name: "peri peri sauce", Grams: 30},
		},
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{
		"chicken breast":  {0.95, 0.3122499, 0}, // similarity 0.95 to the chicken entry
		"peri peri sauce": {1, 1, 1},            // below threshold everywhere
	}}
	est := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "peri peri sauce", Grams: 30, Nutrition: nutrimind.NutritionFacts{Kcal: 45, CarbsG: 6, FatsG: 2}, Confidence: 0.78},
	}}

	p := newTestPipeline(t, dec, est, emb, testSnapshot(t), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "grilled chicken with peri peri sauce", UserID: "u1"})
	require.NoError(t, err)
	require.False(t, outcome.NeedsClarification())
	require.NotNil(t, outcome.Analysis)

	ma := outcome.Analysis
	require.Len(t, ma.Items, 2)
	assert.Equal(t, "chicken breast", ma.Items[0].Name)
	assert.Equal(t, nutrimind.TierVerified, ma.Items[0].Tier)
	assert.InDelta(t, 247.5, ma.Items[0].Nutrition.Kcal, 1e-6)
	assert.Equal(t, "peri peri sauce", ma.Items[1].Name)
	assert.Equal(t, nutrimind.TierEstimated, ma.Items[1].Tier)
	assert.InDelta(t, 0.5, ma.ConfidenceRatio, 1e-9)
	assert.False(t, ma.Degraded)
	assert.True(t, ma.IsValid())
}

func TestAnalyzeNeedsClarification(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		NeedsClarification: true,
		Question:           "Was the curry made with cream or yogurt?",
	}}
	p := newTestPipeline(t, dec, &mockEstimator{}, &mockEmbedder{}, testSnapshot(t), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "the usual curry"})
	require.NoError(t, err)
	assert.True(t, outcome.NeedsClarification())
	assert.Equal(t, "Was the curry made with cream or yogurt?", outcome.Clarification)
	assert.Nil(t, outcome.Analysis)
}

func TestAnalyzeClarificationDefaultQuestion(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{NeedsClarification: true}}
	p := newTestPipeline(t, dec, &mockEstimator{}, &mockEmbedder{}, testSnapshot(t), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "food"})
	require.NoError(t, err)
	assert.True(t, outcome.NeedsClarification())
	assert.NotEmpty(t, outcome.Clarification)
}

func TestAnalyzeAppliesVesselPreference(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{
			{Name: "rice", Grams: 150, Vessel: "bowl"},
		},
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"rice": {0, 1, 0}}}
	store := prefs.StaticStore{"u1": {"bowl_size": "300ml"}}

	p := newTestPipeline(t, dec, &mockEstimator{}, emb, testSnapshot(t), nil, store)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "a bowl of rice", UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)

	require.Len(t, outcome.Analysis.Items, 1)
	// 300g instead of the default 150g, scaled from per-100g rice facts.
	assert.InDelta(t, 300, outcome.Analysis.Items[0].Grams, 1e-9)
	assert.InDelta(t, 390, outcome.Analysis.Items[0].Nutrition.Kcal, 1e-6)
}

func TestAnalyzeExpandsComposites(t *testing.T) {
	rules, err := LoadCompositeRules(context.Background(), storage.NewTestState([]byte(milkyBeverageRules)))
	require.NoError(t, err)

	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{
			{Name: "chai", Grams: 200, Category: "milky beverage"},
		},
	}}
	est := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "component", Grams: 0, Nutrition: nutrimind.NutritionFacts{Kcal: 10}, Confidence: 0.8},
	}}

	p := newTestPipeline(t, dec, est, &mockEmbedder{failures: 100}, testSnapshot(t), rules, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "a glass of chai"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)

	names := make([]string, 0, len(outcome.Analysis.Items))
	for _, it := range outcome.Analysis.Items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"milk", "water", "sugar"}, names)
}

func TestAnalyzeDegradedWithoutCorpus(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{
			{Name: "egg", Grams: 100},
			{Name: "rice", Grams: 150},
		},
	}}
	est := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "x", Nutrition: nutrimind.NutritionFacts{Kcal: 100}, Confidence: 0.8},
	}}

	p := newTestPipeline(t, dec, est, &mockEmbedder{}, corpus.NewSnapshot(nil), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "egg and rice"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)

	assert.True(t, outcome.Analysis.Degraded)
	for _, it := range outcome.Analysis.Items {
		assert.Equal(t, nutrimind.TierEstimated, it.Tier)
	}
	assert.Zero(t, outcome.Analysis.ConfidenceRatio)
}

func TestAnalyzeIdempotent(t *testing.T) {
	mk := func() *Pipeline {
		dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
			Items: []nutrimind.IngredientEstimate{
				{Name: "chicken breast", Grams: 150},
				{Name: "rice", Grams: 150},
			},
		}}
		emb := &mockEmbedder{vectors: map[string][]float32{
			"chicken breast": {1, 0, 0},
			"rice":           {0, 1, 0},
		}}
		return newTestPipeline(t, dec, &mockEstimator{}, emb, testSnapshot(t), nil, nil)
	}

	in := nutrimind.Input{Kind: nutrimind.KindText, Text: "chicken and rice"}

	first, err := mk().Analyze(context.Background(), in)
	require.NoError(t, err)
	second, err := mk().Analyze(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.Analysis.Items, second.Analysis.Items)
	assert.Equal(t, first.Analysis.Totals, second.Analysis.Totals)
}

func TestAnalyzeDecomposeFailureDegradesToDirectEstimate(t *testing.T) {
	dec := &mockDecomposer{failures: 100}
	est := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "2 boiled eggs", Grams: 100, Nutrition: nutrimind.NutritionFacts{Kcal: 155, ProteinG: 13, CarbsG: 1.1, FatsG: 11}, Confidence: 0.8},
	}}

	p := newTestPipeline(t, dec, est, &mockEmbedder{}, testSnapshot(t), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "2 boiled eggs"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)
	require.Len(t, outcome.Analysis.Items, 1)
	assert.Equal(t, nutrimind.TierEstimated, outcome.Analysis.Items[0].Tier)
	assert.InDelta(t, 155, outcome.Analysis.Totals.Kcal, 1e-9)
}

func TestAnalyzeTranscriptSkipsDecomposition(t *testing.T) {
	dec := &mockDecomposer{}
	est := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "masala dosa", Grams: 180, Nutrition: nutrimind.NutritionFacts{Kcal: 340, ProteinG: 7, CarbsG: 50, FatsG: 12}},
	}}

	p := newTestPipeline(t, dec, est, &mockEmbedder{}, testSnapshot(t), nil, nil)

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindTranscript, Text: "had a masala dosa for breakfast"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)
	assert.Zero(t, dec.calls, "transcripts skip the decomposer")
	assert.Equal(t, nutrimind.TierEstimated, outcome.Analysis.Items[0].Tier)
	assert.InDelta(t, confidenceEstimated, outcome.Analysis.Items[0].Confidence, 1e-9)
}

func TestAnalyzeDirectEstimateTotalFailure(t *testing.T) {
	dec := &mockDecomposer{failures: 100}
	est := &mockEstimator{failures: 100}

	p := newTestPipeline(t, dec, est, &mockEmbedder{}, testSnapshot(t), nil, nil)

	_, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "anything"})
	require.Error(t, err)
	assert.ErrorIs(t, err, nutrimind.ErrExternalCall)
}

func TestAnalyzePreferenceStoreFailureIsNonFatal(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{{Name: "rice", Grams: 150, Vessel: "bowl"}},
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"rice": {0, 1, 0}}}

	p := newTestPipeline(t, dec, &mockEstimator{}, emb, testSnapshot(t), nil, failingPrefStore{})

	outcome, err := p.Analyze(context.Background(), nutrimind.Input{Kind: nutrimind.KindText, Text: "a bowl of rice", UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)
	assert.InDelta(t, 150, outcome.Analysis.Items[0].Grams, 1e-9, "default grams without overrides")
}

type failingPrefStore struct{}

func (failingPrefStore) PreferencesFor(ctx context.Context, userID string) (nutrimind.Preferences, error) {
	return nil, errors.New("profile service down")
}

func TestResolveClarification(t *testing.T) {
	dec := &mockDecomposer{decomposition: nutrimind.Decomposition{
		Items: []nutrimind.IngredientEstimate{{Name: "chicken breast", Grams: 150}},
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"chicken breast": {1, 0, 0}}}

	p := newTestPipeline(t, dec, &mockEstimator{}, emb, testSnapshot(t), nil, nil)

	outcome, err := p.ResolveClarification(context.Background(),
		nutrimind.Input{Kind: nutrimind.KindText, Text: "chicken dish", UserID: "u1"},
		"it was a grilled chicken breast, about 150g")
	require.NoError(t, err)
	require.NotNil(t, outcome.Analysis)

	require.Len(t, dec.descriptions, 1)
	assert.True(t, strings.Contains(dec.descriptions[0], "chicken dish"))
	assert.True(t, strings.Contains(dec.descriptions[0], "grilled chicken breast"))
}
