// Package calc is the stateless arithmetic layer that scales per-100g
// reference values to actual portion weights.
package calc

import (
	"fmt"
	"math"

	"nutrimind"
)

// Scale converts a per-100g value to the value for the given portion mass:
// valuePer100g * grams / 100. Negative or non-finite inputs are rejected
// outright, never clamped.
func Scale(valuePer100g, grams float64) (float64, error) {
	if err := checkFinite("value_per_100g", valuePer100g); err != nil {
		return 0, err
	}
	if err := checkFinite("grams", grams); err != nil {
		return 0, err
	}
	return valuePer100g * grams / 100, nil
}

// ScaleFacts applies Scale to all four nutrition fields.
func ScaleFacts(per100g nutrimind.NutritionFacts, grams float64) (nutrimind.NutritionFacts, error) {
	kcal, err := Scale(per100g.Kcal, grams)
	if err != nil {
		return nutrimind.NutritionFacts{}, err
	}
	protein, err := Scale(per100g.ProteinG, grams)
	if err != nil {
		return nutrimind.NutritionFacts{}, err
	}
	carbs, err := Scale(per100g.CarbsG, grams)
	if err != nil {
		return nutrimind.NutritionFacts{}, err
	}
	fats, err := Scale(per100g.FatsG, grams)
	if err != nil {
		return nutrimind.NutritionFacts{}, err
	}
	return nutrimind.NutritionFacts{Kcal: kcal, ProteinG: protein, CarbsG: carbs, FatsG: fats}, nil
}

func checkFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", nutrimind.ErrValidation, name)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s is negative (%g)", nutrimind.ErrValidation, name, v)
	}
	return nil
}
