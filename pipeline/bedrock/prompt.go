package bedrock

import (
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutrimind"
	"nutrimind/prefs"
)

const decomposeSystemPrompt = `You are NutriMind, an expert nutrition analyst.
Your job is to break a food description into its base ingredients with estimated weights in grams.

RULES:
- Break EVERY dish into simple base ingredients: "paneer butter masala" -> paneer (100g), butter (15g), tomato (100g), cream (30g), onion (50g), oil (10g), spices (5g).
- Even "simple" items need weights: "2 boiled eggs" -> egg (100g, 2 x 50g each).
- Component weights should sum to a plausible total dish weight.
- If an item belongs to one of the known composite categories, keep it as ONE item and set its "category" field instead of expanding it yourself; the pipeline expands known categories deterministically.
- If an item's portion is measured in a named vessel (bowl, glass, cup, plate), set the "vessel" field to that vessel name.
- Use Indian portion sizes when the region is unclear.
- If the description is too ambiguous to decompose confidently, set needs_clarification to true and ask ONE short question. Do not guess wildly.

PORTION DEFAULTS:
- 1 boiled egg ~ 50g (without shell)
- 1 roti ~ 60g cooked (30g dry wheat flour)
- 1 bowl rice ~ 150g cooked
- 1 glass milk ~ 250ml ~ 258g

Record your answer with the record_decomposition tool.`

const estimateSystemPrompt = `You are NutriMind, an expert nutrition analyst.
Estimate the nutrition of the described food using your own knowledge. No reference database is available for this item.

RULES:
- For every food item identified, estimate: name, portion in grams, calories (kcal), protein (g), carbs (g), fats (g). Values are TOTALS for the portion, not per 100g.
- Assign a confidence score between 0.0 and 1.0 (your best approximations land around 0.75-0.85).
- GROUP identical items into a single entry with summed macros ("5 boiled eggs" -> one item, 5x values).
- Use Indian portion sizes when the region is unclear.
- When user preferences are provided, use them to override defaults (e.g. if the user's "bowl" is 300ml, use that).

Record your answer with the record_estimate tool.`

const correctionSystemPrompt = `The user is correcting a food log or stating a personal preference.
Extract a key-value pair from the statement, e.g. "My bowl is always 300ml" -> pref_key "bowl_size", pref_value "300ml".
Record it with the record_preference tool, including a short acknowledgment message.`

// userMessage prepends the preference context to the user input, the same
// shape for every structured call.
func userMessage(text string, userPrefs nutrimind.Preferences) string {
	if ctx := prefs.PromptContext(userPrefs); ctx != "" {
		return ctx + "\nUSER INPUT: " + text
	}
	return "USER INPUT: " + text
}

// decomposePrompt appends the known composite categories so the model
// tags them instead of expanding them itself.
func decomposePrompt(categories []string) string {
	if len(categories) == 0 {
		return decomposeSystemPrompt
	}
	return fmt.Sprintf("%s\n\nKNOWN COMPOSITE CATEGORIES:\n- %s",
		decomposeSystemPrompt, strings.Join(categories, "\n- "))
}

func decompositionTool() Tool {
	minGrams := 0.0
	return Tool{
		Name:        "record_decomposition",
		Description: "Records the ingredient decomposition of a food description, or a clarification question.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"items": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"name":     {Type: "string"},
							"grams":    {Type: "number", Minimum: &minGrams},
							"category": {Type: "string"},
							"vessel":   {Type: "string"},
						},
						Required: []string{"name", "grams"},
					},
				},
				"needs_clarification": {Type: "boolean"},
				"question":            {Type: "string"},
				"notes":               {Type: "string"},
			},
			Required: []string{"items", "needs_clarification"},
		},
	}
}

func estimateTool() Tool {
	minConf := 0.0
	maxConf := 1.0
	return Tool{
		Name:        "record_estimate",
		Description: "Records the estimated nutrition line items for a food description.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"items": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"name":       {Type: "string"},
							"grams":      {Type: "number"},
							"kcal":       {Type: "number"},
							"protein_g":  {Type: "number"},
							"carbs_g":    {Type: "number"},
							"fats_g":     {Type: "number"},
							"confidence": {Type: "number", Minimum: &minConf, Maximum: &maxConf},
						},
						Required: []string{"name", "kcal", "protein_g", "carbs_g", "fats_g"},
					},
				},
			},
			Required: []string{"items"},
		},
	}
}

func correctionTool() Tool {
	return Tool{
		Name:        "record_preference",
		Description: "Records a user preference extracted from a correction statement.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"pref_key":   {Type: "string"},
				"pref_value": {Type: "string"},
				"response":   {Type: "string"},
			},
			Required: []string{"pref_key", "pref_value"},
		},
	}
}
