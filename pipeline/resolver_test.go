package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"nutrimind"
	"nutrimind/corpus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder returns canned vectors keyed by input text, failing the
// first failures calls.
type mockEmbedder struct {
	vectors  map[string][]float32
	failures int
	calls    int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("embedding service unavailable")
	}
	vec, ok := m.vectors[text]
	if !ok {
		return nil, errors.New("no canned vector for " + text)
	}
	return vec, nil
}

// mockEstimator returns canned line items, failing the first failures
// calls.
type mockEstimator struct {
	items    []nutrimind.LineItem
	failures int
	calls    int
}

func (m *mockEstimator) Estimate(ctx context.Context, description string, prefs nutrimind.Preferences) ([]nutrimind.LineItem, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("model unavailable")
	}
	return m.items, nil
}

func testSnapshot(t *testing.T) *corpus.Snapshot {
	t.Helper()
	store, err := corpus.NewStore(
		[]corpus.ReferenceFood{
			{ID: "usda-1", Name: "Chicken, breast, cooked", Per100g: nutrimind.NutritionFacts{Kcal: 165, ProteinG: 31, FatsG: 3.6}},
			{ID: "usda-2", Name: "Rice, white, cooked", Per100g: nutrimind.NutritionFacts{Kcal: 130, ProteinG: 2.7, CarbsG: 28, FatsG: 0.3}},
		},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
	)
	require.NoError(t, err)
	return corpus.NewSnapshot(store)
}

func TestResolveVerified(t *testing.T) {
	embedder := &mockEmbedder{vectors: map[string][]float32{
		// Similarity to the chicken entry: 0.95.
		"chicken breast": {0.95, 0.3122499, 0},
	}}
	r := NewResolver(embedder, &mockEstimator{}, testSnapshot(t), 0.73, 3)
	r.RetryInterval = time.Millisecond

	res, rlog := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "chicken breast", Grams: 150}, nil)

	assert.Equal(t, nutrimind.TierVerified, res.Tier)
	assert.Equal(t, "usda-1", res.ReferenceID)
	assert.Equal(t, "Chicken, breast, cooked", res.ReferenceName)
	assert.InDelta(t, 0.95, res.Similarity, 1e-6)
	assert.InDelta(t, 247.5, res.Nutrition.Kcal, 1e-6)
	assert.InDelta(t, 46.5, res.Nutrition.ProteinG, 1e-6)
	assert.InDelta(t, confidenceVerified, res.Confidence, 1e-9)

	assert.Equal(t, string(nutrimind.TierVerified), rlog.Tier)
	assert.Equal(t, "usda-1", rlog.ReferenceID)
	assert.Equal(t, 1, rlog.Attempts)
}

func TestResolveFallsBackBelowThreshold(t *testing.T) {
	embedder := &mockEmbedder{vectors: map[string][]float32{
		// Similarity ~0.577 to every entry: below the 0.73 threshold.
		"peri peri sauce": {1, 1, 1},
	}}
	estimator := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "peri peri sauce", Grams: 30, Nutrition: nutrimind.NutritionFacts{Kcal: 45, CarbsG: 6, FatsG: 2}, Confidence: 0.78},
	}}
	r := NewResolver(embedder, estimator, testSnapshot(t), 0.73, 3)
	r.RetryInterval = time.Millisecond

	res, rlog := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "peri peri sauce", Grams: 30}, nil)

	assert.Equal(t, nutrimind.TierEstimated, res.Tier)
	assert.Empty(t, res.ReferenceID)
	assert.InDelta(t, 45, res.Nutrition.Kcal, 1e-9)
	assert.InDelta(t, 0.78, res.Confidence, 1e-9)
	assert.Equal(t, string(nutrimind.TierEstimated), rlog.Tier)
	assert.Equal(t, 1, estimator.calls)
}

func TestResolveRetriesEmbeddingThenSucceeds(t *testing.T) {
	embedder := &mockEmbedder{
		vectors:  map[string][]float32{"rice": {0, 1, 0}},
		failures: 2,
	}
	r := NewResolver(embedder, &mockEstimator{}, testSnapshot(t), 0.73, 3)
	r.RetryInterval = time.Millisecond

	res, rlog := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "rice", Grams: 150}, nil)

	assert.Equal(t, nutrimind.TierVerified, res.Tier)
	assert.Equal(t, "usda-2", res.ReferenceID)
	assert.Equal(t, 3, rlog.Attempts)
}

func TestResolveDowngradesWhenEverythingFails(t *testing.T) {
	embedder := &mockEmbedder{failures: 100}
	estimator := &mockEstimator{failures: 100}
	r := NewResolver(embedder, estimator, testSnapshot(t), 0.73, 2)
	r.RetryInterval = time.Millisecond

	res, rlog := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "mystery paste", Grams: 40}, nil)

	// The item is recorded, not dropped, with zero facts and a downgraded
	// confidence marker.
	assert.Equal(t, nutrimind.TierEstimated, res.Tier)
	assert.Equal(t, nutrimind.NutritionFacts{}, res.Nutrition)
	assert.InDelta(t, confidenceDowngraded, res.Confidence, 1e-9)
	assert.NotEmpty(t, rlog.Error)
	assert.Equal(t, 4, rlog.Attempts, "two embed attempts plus two estimate attempts")
}

func TestResolveWithoutCorpusGoesStraightToFallback(t *testing.T) {
	embedder := &mockEmbedder{}
	estimator := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "egg", Grams: 100, Nutrition: nutrimind.NutritionFacts{Kcal: 155, ProteinG: 13, CarbsG: 1.1, FatsG: 11}},
	}}
	r := NewResolver(embedder, estimator, corpus.NewSnapshot(nil), 0.73, 3)
	r.RetryInterval = time.Millisecond

	res, _ := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "egg", Grams: 100}, nil)

	assert.Equal(t, nutrimind.TierEstimated, res.Tier)
	assert.InDelta(t, 155, res.Nutrition.Kcal, 1e-9)
	assert.InDelta(t, confidenceEstimated, res.Confidence, 1e-9)
	assert.Zero(t, embedder.calls, "no embedding without a corpus")
}

func TestResolveFallbackCollapsesMultipleItems(t *testing.T) {
	estimator := &mockEstimator{items: []nutrimind.LineItem{
		{Name: "milk", Grams: 120, Nutrition: nutrimind.NutritionFacts{Kcal: 74, ProteinG: 4, CarbsG: 6, FatsG: 4}, Confidence: 0.8},
		{Name: "sugar", Grams: 10, Nutrition: nutrimind.NutritionFacts{Kcal: 39, CarbsG: 10}, Confidence: 0.7},
	}}
	r := NewResolver(&mockEmbedder{}, estimator, corpus.NewSnapshot(nil), 0.73, 3)
	r.RetryInterval = time.Millisecond

	res, _ := r.Resolve(context.Background(), nutrimind.IngredientEstimate{Name: "chai", Grams: 200}, nil)

	assert.InDelta(t, 113, res.Nutrition.Kcal, 1e-9)
	assert.InDelta(t, 16, res.Nutrition.CarbsG, 1e-9)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9, "weakest item confidence wins")
}
