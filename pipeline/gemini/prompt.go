package gemini

import (
	"fmt"
	"strings"

	"nutrimind"
	"nutrimind/prefs"
)

const decomposeSystemPrompt = `You are NutriMind, an expert nutrition analyst.
Your job is to break a food description into its base ingredients with estimated weights in grams.

RULES:
- Break EVERY dish into simple base ingredients: "paneer butter masala" -> paneer (100g), butter (15g), tomato (100g), cream (30g), onion (50g), oil (10g), spices (5g).
- Even "simple" items need weights: "2 boiled eggs" -> egg (100g, 2 x 50g each).
- Component weights should sum to a plausible total dish weight.
- If an item belongs to one of the known composite categories, keep it as ONE item and set its "category" field instead of expanding it yourself.
- If an item's portion is measured in a named vessel (bowl, glass, cup, plate), set the "vessel" field to that vessel name.
- Use Indian portion sizes when the region is unclear.
- If the description is too ambiguous to decompose confidently, set needs_clarification to true and ask ONE short question.

PORTION DEFAULTS:
- 1 boiled egg ~ 50g (without shell)
- 1 roti ~ 60g cooked (30g dry wheat flour)
- 1 bowl rice ~ 150g cooked
- 1 glass milk ~ 250ml ~ 258g

ALWAYS respond matching the requested JSON schema.`

const estimateSystemPrompt = `You are NutriMind, an expert nutrition analyst.
Estimate the nutrition of the described food using your own knowledge. No reference database is available for this item.

RULES:
- For every food item identified, estimate: name, portion in grams, calories (kcal), protein (g), carbs (g), fats (g). Values are TOTALS for the portion, not per 100g.
- Assign a confidence score between 0.0 and 1.0 (your best approximations land around 0.75-0.85).
- GROUP identical items into a single entry with summed macros ("5 boiled eggs" -> one item, 5x values).
- Use Indian portion sizes when the region is unclear.
- When user preferences are provided, use them to override defaults (e.g. if the user's "bowl" is 300ml, use that).

ALWAYS respond matching the requested JSON schema.`

const correctionSystemPrompt = `The user is correcting a food log or stating a personal preference.
Extract a key-value pair from the statement, e.g. "My bowl is always 300ml" -> pref_key "bowl_size", pref_value "300ml".
Include a short acknowledgment message in "response".
ALWAYS respond matching the requested JSON schema.`

func userMessage(text string, userPrefs nutrimind.Preferences) string {
	if ctx := prefs.PromptContext(userPrefs); ctx != "" {
		return ctx + "\nUSER INPUT: " + text
	}
	return "USER INPUT: " + text
}

func decomposePrompt(categories []string) string {
	if len(categories) == 0 {
		return decomposeSystemPrompt
	}
	return fmt.Sprintf("%s\n\nKNOWN COMPOSITE CATEGORIES:\n- %s",
		decomposeSystemPrompt, strings.Join(categories, "\n- "))
}

// Response schemas in the Gemini REST generationConfig format.

func decompositionSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"name":     map[string]any{"type": "STRING"},
						"grams":    map[string]any{"type": "NUMBER"},
						"category": map[string]any{"type": "STRING"},
						"vessel":   map[string]any{"type": "STRING"},
					},
					"required": []string{"name", "grams"},
				},
			},
			"needs_clarification": map[string]any{"type": "BOOLEAN"},
			"question":            map[string]any{"type": "STRING"},
			"notes":               map[string]any{"type": "STRING"},
		},
		"required": []string{"items", "needs_clarification"},
	}
}

func estimateSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"name":       map[string]any{"type": "STRING"},
						"grams":      map[string]any{"type": "NUMBER"},
						"kcal":       map[string]any{"type": "NUMBER"},
						"protein_g":  map[string]any{"type": "NUMBER"},
						"carbs_g":    map[string]any{"type": "NUMBER"},
						"fats_g":     map[string]any{"type": "NUMBER"},
						"confidence": map[string]any{"type": "NUMBER"},
					},
					"required": []string{"name", "kcal", "protein_g", "carbs_g", "fats_g"},
				},
			},
		},
		"required": []string{"items"},
	}
}

func correctionSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"pref_key":   map[string]any{"type": "STRING"},
			"pref_value": map[string]any{"type": "STRING"},
			"response":   map[string]any{"type": "STRING"},
		},
		"required": []string{"pref_key", "pref_value"},
	}
}
