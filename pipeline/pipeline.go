// Package pipeline implements the meal analysis control loop: decompose a
// dish description into weighted ingredients, resolve each against the
// reference corpus with generative fallback, and aggregate the results
// into one meal-level answer.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/prefs"
)

// state names the orchestrator's per-request control states.
type state int

const (
	stateDecompose state = iota
	stateDirectEstimate
	stateResolve
	stateAggregate
)

func (s state) String() string {
	switch s {
	case stateDecompose:
		return "decompose"
	case stateDirectEstimate:
		return "direct_estimate"
	case stateResolve:
		return "resolve"
	case stateAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Config carries the startup-time pipeline settings.
type Config struct {
	SimilarityThreshold float64
	MaxResolveAttempts  int
	TracerName          string
}

// Pipeline is the per-request orchestrator. It holds no durable mutable
// state of its own; the corpus snapshot it reads is immutable, so
// concurrent requests need no locking.
type Pipeline struct {
	decomposer nutrimind.Decomposer
	estimator  nutrimind.Estimator
	resolver   *Resolver
	snapshot   *corpus.Snapshot
	rules      RuleSet
	prefStore  nutrimind.PreferenceStore
	logger     nutrimind.AnalysisLogger
	tracerName string
	attempts   int
}

// New initializes the pipeline. A nil or empty snapshot is allowed: the
// pipeline then runs in fallback-only degraded mode, which is logged once
// here instead of per request.
func New(
	decomposer nutrimind.Decomposer,
	estimator nutrimind.Estimator,
	embedder nutrimind.Embedder,
	snapshot *corpus.Snapshot,
	rules RuleSet,
	prefStore nutrimind.PreferenceStore,
	cfg Config,
	logger nutrimind.AnalysisLogger,
) *Pipeline {
	if snapshot == nil {
		snapshot = corpus.NewSnapshot(nil)
	}
	if !snapshot.Available() {
		slog.Warn("PIPELINE: Reference corpus unavailable; running in fallback-only degraded mode")
	}
	if cfg.TracerName == "" {
		cfg.TracerName = nutrimind.TracerNameMock
	}
	if cfg.MaxResolveAttempts < 1 {
		cfg.MaxResolveAttempts = 3
	}

	return &Pipeline{
		decomposer: decomposer,
		estimator:  estimator,
		resolver:   NewResolver(embedder, estimator, snapshot, cfg.SimilarityThreshold, cfg.MaxResolveAttempts),
		snapshot:   snapshot,
		rules:      rules,
		prefStore:  prefStore,
		logger:     logger,
		tracerName: cfg.TracerName,
		attempts:   cfg.MaxResolveAttempts,
	}
}

// SetRetryInterval adjusts the initial backoff interval for external-call
// retries. Intended for tests.
func (p *Pipeline) SetRetryInterval(d time.Duration) { p.resolver.RetryInterval = d }

// Analyze runs the state machine for one meal description:
//
//	Decompose -> {Clarification | Resolve... -> Aggregate}
//
// Non-text input skips decomposition and goes straight to holistic
// estimation. The caller always receives either an analysis or a
// clarification question; a raw error is reserved for total loss of the
// generative dependency.
func (p *Pipeline) Analyze(ctx context.Context, in nutrimind.Input) (nutrimind.Outcome, error) {
	ctx, span := otel.Tracer(p.tracerName).Start(ctx, "Pipeline.Analyze")
	defer span.End()

	slog.Info("PIPELINE: Starting analysis", "kind", in.Kind, "user", in.UserID, "text_len", len(in.Text))

	userPrefs := p.preferences(ctx, in.UserID)

	st := stateDecompose
	if in.Kind != nutrimind.KindText {
		st = stateDirectEstimate
	}

	var (
		notes   string
		items   []nutrimind.IngredientEstimate
		results []nutrimind.MatchResult
	)

	for {
		switch st {
		case stateDecompose:
			stage := nutrimind.StageLog{Stage: st.String(), Timestamp: time.Now(), Input: in.Text}

			dec, err := p.decomposer.Decompose(ctx, in.Text, userPrefs)
			if err != nil {
				stage.Error = err.Error()
				p.logStage(stage)
				slog.Warn("PIPELINE: Decompose call failed; degrading to direct estimation", "error", err)
				st = stateDirectEstimate
				continue
			}
			stage.Output = dec
			p.logStage(stage)

			if dec.NeedsClarification {
				q := dec.Question
				if q == "" {
					q = "Could you describe the food in a bit more detail?"
				}
				slog.Info("PIPELINE: Needs clarification", "question", q)
				return nutrimind.Outcome{Clarification: q}, nil
			}

			notes = dec.Notes
			items = p.rules.Expand(applyPreferences(dec.Items, userPrefs))
			st = stateResolve

		case stateDirectEstimate:
			stage := nutrimind.StageLog{Stage: st.String(), Timestamp: time.Now(), Input: in.Text}

			lineItems, _, err := retry(ctx, p.attempts, p.resolver.RetryInterval, func() ([]nutrimind.LineItem, error) {
				return p.estimator.Estimate(ctx, in.Text, userPrefs)
			})
			if err != nil {
				stage.Error = err.Error()
				p.logStage(stage)
				return nutrimind.Outcome{}, fmt.Errorf("%w: direct estimation failed: %v", nutrimind.ErrExternalCall, err)
			}
			stage.Output = lineItems
			p.logStage(stage)

			results = make([]nutrimind.MatchResult, 0, len(lineItems))
			for _, li := range lineItems {
				conf := li.Confidence
				if conf <= 0 {
					conf = confidenceEstimated
				}
				results = append(results, nutrimind.MatchResult{
					Ingredient: nutrimind.IngredientEstimate{Name: li.Name, Grams: li.Grams},
					Tier:       nutrimind.TierEstimated,
					Nutrition:  li.Nutrition,
					Confidence: conf,
				})
			}
			st = stateAggregate

		case stateResolve:
			stage := nutrimind.StageLog{Stage: st.String(), Timestamp: time.Now()}

			// Ingredients resolve independently; results land in the
			// decomposer's order regardless of completion order.
			results = make([]nutrimind.MatchResult, len(items))
			rlogs := make([]nutrimind.ResolutionLog, len(items))

			g, gctx := errgroup.WithContext(ctx)
			for i, it := range items {
				g.Go(func() error {
					results[i], rlogs[i] = p.resolver.Resolve(gctx, it, userPrefs)
					return nil
				})
			}
			g.Wait() // nolint: errcheck

			stage.Resolutions = rlogs
			p.logStage(stage)
			st = stateAggregate

		case stateAggregate:
			stage := nutrimind.StageLog{Stage: st.String(), Timestamp: time.Now()}

			analysis := Aggregate(results)
			if !p.snapshot.Available() {
				analysis.Degraded = true
			}
			if analysis.Notes == "" {
				analysis.Notes = notes
			}

			stage.Output = analysis
			p.logStage(stage)

			slog.Info("PIPELINE: Analysis complete",
				"items", len(analysis.Items),
				"kcal", analysis.Totals.Kcal,
				"confidence_ratio", analysis.ConfidenceRatio,
				"degraded", analysis.Degraded,
			)
			return nutrimind.Outcome{Analysis: &analysis}, nil
		}
	}
}

// ResolveClarification re-analyzes the original description combined with
// the user's reply to a clarification question.
func (p *Pipeline) ResolveClarification(ctx context.Context, in nutrimind.Input, reply string) (nutrimind.Outcome, error) {
	combined := fmt.Sprintf(
		"Original food description: %s\nClarification from user: %s\nPlease re-estimate the nutritional breakdown with this additional information.",
		in.Text, reply,
	)
	return p.Analyze(ctx, nutrimind.Input{Kind: in.Kind, Text: combined, UserID: in.UserID})
}

// preferences loads the user's corrections; a store failure degrades to no
// preferences rather than failing the request.
func (p *Pipeline) preferences(ctx context.Context, userID string) nutrimind.Preferences {
	if p.prefStore == nil || userID == "" {
		return nil
	}
	userPrefs, err := p.prefStore.PreferencesFor(ctx, userID)
	if err != nil {
		slog.Warn("PIPELINE: Preference lookup failed; proceeding without overrides", "user", userID, "error", err)
		return nil
	}
	return userPrefs
}

// applyPreferences replaces default portion assumptions with the user's
// stated vessel sizes before any composite expansion.
func applyPreferences(items []nutrimind.IngredientEstimate, userPrefs nutrimind.Preferences) []nutrimind.IngredientEstimate {
	if len(userPrefs) == 0 {
		return items
	}
	out := make([]nutrimind.IngredientEstimate, len(items))
	copy(out, items)
	for i := range out {
		if grams, ok := prefs.VesselOverride(userPrefs, out[i].Vessel); ok {
			slog.Info("PIPELINE: Applying vessel preference", "ingredient", out[i].Name, "vessel", out[i].Vessel, "grams", grams)
			out[i].Grams = grams
		}
	}
	return out
}

func (p *Pipeline) logStage(stage nutrimind.StageLog) {
	if p.logger == nil {
		return
	}
	if err := p.logger.LogStage(stage); err != nil {
		slog.Error("Failed to log pipeline stage", "error", err, "stage", stage.Stage)
	}
}
