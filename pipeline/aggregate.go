package pipeline

import (
	"strings"

	"nutrimind"
)

// Aggregate combines per-ingredient results into one meal-level analysis:
// identical ingredients merge into a single line item, totals are the
// element-wise sum, and the confidence ratio is verified count over total.
// An empty result set yields a zero-valued, degraded analysis with ratio 0
// rather than dividing by zero.
func Aggregate(results []nutrimind.MatchResult) nutrimind.MealAnalysis {
	grouped := groupResults(results)

	ma := nutrimind.MealAnalysis{Items: make([]nutrimind.LineItem, 0, len(grouped))}
	if len(grouped) == 0 {
		ma.Degraded = true
		return ma
	}

	verified := 0
	for _, it := range grouped {
		ma.Items = append(ma.Items, it)
		ma.Totals = ma.Totals.Add(it.Nutrition)
		if it.Tier == nutrimind.TierVerified {
			verified++
		}
	}
	ma.ConfidenceRatio = float64(verified) / float64(len(grouped))
	return ma
}

// groupResults merges results with the same ingredient name (case
// insensitive) into one line item with summed mass and macros, preserving
// first-seen order. A merged item is Verified only if every occurrence
// was; its confidence is the weakest of the group.
func groupResults(results []nutrimind.MatchResult) []nutrimind.LineItem {
	index := make(map[string]int, len(results))
	items := make([]nutrimind.LineItem, 0, len(results))

	for _, res := range results {
		name := strings.TrimSpace(res.Ingredient.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)

		if i, seen := index[key]; seen {
			items[i].Grams += res.Ingredient.Grams
			items[i].Nutrition = items[i].Nutrition.Add(res.Nutrition)
			if res.Tier != nutrimind.TierVerified {
				items[i].Tier = nutrimind.TierEstimated
			}
			if res.Confidence < items[i].Confidence {
				items[i].Confidence = res.Confidence
			}
			continue
		}

		index[key] = len(items)
		items = append(items, nutrimind.LineItem{
			Name:       name,
			Grams:      res.Ingredient.Grams,
			Nutrition:  res.Nutrition,
			Tier:       res.Tier,
			Confidence: res.Confidence,
		})
	}

	return items
}
