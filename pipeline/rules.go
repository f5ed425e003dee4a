package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"nutrimind"
	"nutrimind/corpus/storage"
)

// Component is one constituent of a composite category, as a fraction of
// the composite's total mass.
type Component struct {
	Name     string  `json:"name"`
	Fraction float64 `json:"fraction"`
}

// CompositeRule describes how an ambiguous composite category breaks down
// into base ingredients, e.g. a milky beverage into milk, water, and
// flavoring. Rules are data-driven so new categories need no code change.
type CompositeRule struct {
	Category   string      `json:"category"`
	Components []Component `json:"components"`
}

// RuleSet maps a lowercase category name to its decomposition rule.
type RuleSet map[string]CompositeRule

// LoadCompositeRules reads and validates the rules artifact (a JSON array
// of CompositeRule). Component fractions must roughly cover the composite
// mass; grossly short or excessive rules are rejected at load time.
func LoadCompositeRules(ctx context.Context, state storage.RulesState) (RuleSet, error) {
	b, err := state.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read composite rules: %w", err)
	}

	var rules []CompositeRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parse composite rules: %w", err)
	}

	rs := make(RuleSet, len(rules))
	for _, r := range rules {
		cat := strings.ToLower(strings.TrimSpace(r.Category))
		if cat == "" {
			return nil, fmt.Errorf("composite rule with empty category")
		}
		if _, dup := rs[cat]; dup {
			return nil, fmt.Errorf("duplicate composite rule for category %q", cat)
		}
		if len(r.Components) == 0 {
			return nil, fmt.Errorf("composite rule %q has no components", cat)
		}
		var sum float64
		for _, c := range r.Components {
			if c.Name == "" || c.Fraction <= 0 {
				return nil, fmt.Errorf("composite rule %q has invalid component %+v", cat, c)
			}
			sum += c.Fraction
		}
		if sum < 0.85 || sum > 1.15 {
			return nil, fmt.Errorf("composite rule %q fractions sum to %.2f, want ~1.0", cat, sum)
		}
		r.Category = cat
		rs[cat] = r
	}

	return rs, nil
}

// Categories returns the known composite categories in sorted order, for
// injection into the decomposition prompt.
func (rs RuleSet) Categories() []string {
	out := make([]string, 0, len(rs))
	for cat := range rs {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// Expand replaces each ingredient whose category has a rule with its
// components, distributing the estimated mass by fraction. Items without
// a matching rule pass through unchanged, preserving order.
func (rs RuleSet) Expand(items []nutrimind.IngredientEstimate) []nutrimind.IngredientEstimate {
	if len(rs) == 0 {
		return items
	}

	out := make([]nutrimind.IngredientEstimate, 0, len(items))
	for _, it := range items {
		rule, ok := rs[strings.ToLower(it.Category)]
		if !ok || it.Grams <= 0 {
			out = append(out, it)
			continue
		}
		for _, c := range rule.Components {
			out = append(out, nutrimind.IngredientEstimate{
				Name:  c.Name,
				Grams: it.Grams * c.Fraction,
			})
		}
	}
	return out
}
