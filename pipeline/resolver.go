package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"nutrimind"
	"nutrimind/calc"
	"nutrimind/corpus"
)

// Per-item confidence markers. Corpus-verified items score highest;
// generative estimates keep their reported confidence capped at
// confidenceEstimated; items whose external calls failed after all
// retries are recorded with confidenceDowngraded instead of failing the
// meal.
const (
	confidenceVerified   = 0.95
	confidenceEstimated  = 0.80
	confidenceDowngraded = 0.35
)

const defaultRetryInterval = 500 * time.Millisecond

// Resolver resolves one decomposed ingredient at a time: embed the name,
// query the corpus, scale per-100g facts to the portion; or fall back to
// generative estimation. Invocations share no mutable state, so one meal's
// ingredients may resolve concurrently.
type Resolver struct {
	embedder  nutrimind.Embedder
	estimator nutrimind.Estimator
	snapshot  *corpus.Snapshot
	threshold float64
	attempts  int

	// RetryInterval is the initial backoff interval for external-call
	// retries. Tests shorten it.
	RetryInterval time.Duration
}

// NewResolver initializes a resolver. maxAttempts bounds each external
// call (embedding, estimation); values below 1 default to 3.
func NewResolver(embedder nutrimind.Embedder, estimator nutrimind.Estimator, snapshot *corpus.Snapshot, threshold float64, maxAttempts int) *Resolver {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Resolver{
		embedder:      embedder,
		estimator:     estimator,
		snapshot:      snapshot,
		threshold:     threshold,
		attempts:      maxAttempts,
		RetryInterval: defaultRetryInterval,
	}
}

// Resolve produces a MatchResult for the ingredient. It never fails the
// meal: when both the corpus path and the fallback path are exhausted the
// item is recorded as Estimated with zero nutrition and a downgraded
// confidence marker.
func (r *Resolver) Resolve(ctx context.Context, item nutrimind.IngredientEstimate, userPrefs nutrimind.Preferences) (nutrimind.MatchResult, nutrimind.ResolutionLog) {
	rlog := nutrimind.ResolutionLog{Ingredient: item.Name, Grams: item.Grams}

	if store := r.snapshot.Current(); store != nil {
		if res, ok := r.resolveVerified(ctx, store, item, &rlog); ok {
			return res, rlog
		}
	}

	return r.resolveFallback(ctx, item, userPrefs, &rlog)
}

// resolveVerified attempts the corpus path. A miss, an embedding failure,
// or an invalid portion mass all fall through to the fallback estimator.
func (r *Resolver) resolveVerified(ctx context.Context, store *corpus.Store, item nutrimind.IngredientEstimate, rlog *nutrimind.ResolutionLog) (nutrimind.MatchResult, bool) {
	vec, attempts, err := retry(ctx, r.attempts, r.RetryInterval, func() ([]float32, error) {
		return r.embedder.Embed(ctx, item.Name)
	})
	rlog.Attempts = attempts
	if err != nil {
		slog.Warn("RESOLVER: Embedding failed; falling back to estimation", "ingredient", item.Name, "error", err)
		return nutrimind.MatchResult{}, false
	}

	match, ok := store.Query(vec, r.threshold)
	if !ok {
		slog.Info("RESOLVER: No corpus match above threshold", "ingredient", item.Name, "threshold", r.threshold)
		return nutrimind.MatchResult{}, false
	}

	facts, err := calc.ScaleFacts(match.Food.Per100g, item.Grams)
	if err != nil {
		slog.Warn("RESOLVER: Rejecting corpus match with invalid portion", "ingredient", item.Name, "grams", item.Grams, "error", err)
		return nutrimind.MatchResult{}, false
	}

	slog.Info("RESOLVER: Corpus match",
		"ingredient", item.Name,
		"reference", match.Food.Name,
		"similarity", match.Score,
	)

	rlog.Tier = string(nutrimind.TierVerified)
	rlog.ReferenceID = match.Food.ID
	rlog.Similarity = match.Score

	return nutrimind.MatchResult{
		Ingredient:    item,
		Tier:          nutrimind.TierVerified,
		ReferenceID:   match.Food.ID,
		ReferenceName: match.Food.Name,
		Similarity:    match.Score,
		Nutrition:     facts,
		Confidence:    confidenceVerified,
	}, true
}

// resolveFallback delegates to the generative estimator for a single
// ingredient. The returned nutrition is already scaled to the portion.
func (r *Resolver) resolveFallback(ctx context.Context, item nutrimind.IngredientEstimate, userPrefs nutrimind.Preferences, rlog *nutrimind.ResolutionLog) (nutrimind.MatchResult, nutrimind.ResolutionLog) {
	desc := item.Name
	if item.Grams > 0 {
		desc = fmt.Sprintf("%s (%.0f g)", item.Name, item.Grams)
	}

	items, attempts, err := retry(ctx, r.attempts, r.RetryInterval, func() ([]nutrimind.LineItem, error) {
		return r.estimator.Estimate(ctx, desc, userPrefs)
	})
	rlog.Attempts += attempts
	rlog.Tier = string(nutrimind.TierEstimated)

	if err != nil {
		slog.Warn("RESOLVER: Fallback estimation exhausted retries; downgrading item", "ingredient", item.Name, "attempts", attempts, "error", err)
		rlog.Error = err.Error()
		return nutrimind.MatchResult{
			Ingredient: item,
			Tier:       nutrimind.TierEstimated,
			Confidence: confidenceDowngraded,
		}, *rlog
	}

	// A holistic estimate may come back as several entries; collapse them
	// into one result for this ingredient.
	var facts nutrimind.NutritionFacts
	confidence := confidenceEstimated
	for _, li := range items {
		facts = facts.Add(li.Nutrition)
		if li.Confidence > 0 && li.Confidence < confidence {
			confidence = li.Confidence
		}
	}

	return nutrimind.MatchResult{
		Ingredient: item,
		Tier:       nutrimind.TierEstimated,
		Nutrition:  facts,
		Confidence: confidence,
	}, *rlog
}

// retry runs op with exponential backoff, bounded by maxTries. It reports
// how many attempts were made alongside the result.
func retry[T any](ctx context.Context, maxTries int, initial time.Duration, op func() (T, error)) (T, int, error) {
	attempts := 0
	wrapped := func() (T, error) {
		attempts++
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial

	out, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	return out, attempts, err
}
