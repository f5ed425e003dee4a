package pipeline

import (
	"context"
	"testing"

	"nutrimind"
	"nutrimind/corpus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const milkyBeverageRules = `[
	{
		"category": "milky beverage",
		"components": [
			{"name": "milk", "fraction": 0.6},
			{"name": "water", "fraction": 0.35},
			{"name": "sugar", "fraction": 0.05}
		]
	},
	{
		"category": "Trail Mix",
		"components": [
			{"name": "peanuts", "fraction": 0.5},
			{"name": "raisins", "fraction": 0.3},
			{"name": "almonds", "fraction": 0.2}
		]
	}
]`

func TestLoadCompositeRules(t *testing.T) {
	rs, err := LoadCompositeRules(context.Background(), storage.NewTestState([]byte(milkyBeverageRules)))
	require.NoError(t, err)
	require.Len(t, rs, 2)

	// Categories normalize to lowercase and come back sorted.
	assert.Equal(t, []string{"milky beverage", "trail mix"}, rs.Categories())
}

func TestLoadCompositeRulesRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "unreadable", raw: ""},
		{name: "empty category", raw: `[{"category":"  ","components":[{"name":"milk","fraction":1}]}]`},
		{name: "duplicate category", raw: `[
			{"category":"chai","components":[{"name":"milk","fraction":1}]},
			{"category":"Chai","components":[{"name":"water","fraction":1}]}
		]`},
		{name: "no components", raw: `[{"category":"chai","components":[]}]`},
		{name: "zero fraction", raw: `[{"category":"chai","components":[{"name":"milk","fraction":0}]}]`},
		{name: "unnamed component", raw: `[{"category":"chai","components":[{"name":"","fraction":1}]}]`},
		{name: "fractions fall short", raw: `[{"category":"chai","components":[{"name":"milk","fraction":0.5}]}]`},
		{name: "fractions overshoot", raw: `[{"category":"chai","components":[{"name":"milk","fraction":0.9},{"name":"water","fraction":0.9}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var state storage.RulesState = storage.NewTestState([]byte(tt.raw))
			if tt.raw == "" {
				state = storage.NewTestStateWithError()
			}
			_, err := LoadCompositeRules(context.Background(), state)
			assert.Error(t, err)
		})
	}
}

func TestRuleSetExpand(t *testing.T) {
	rs, err := LoadCompositeRules(context.Background(), storage.NewTestState([]byte(milkyBeverageRules)))
	require.NoError(t, err)

	items := []nutrimind.IngredientEstimate{
		{Name: "egg", Grams: 100},
		{Name: "chai", Grams: 200, Category: "Milky Beverage"},
		{Name: "roti", Grams: 60},
	}

	got := rs.Expand(items)
	require.Len(t, got, 5)

	// Pass-through items keep their position relative to expansions.
	assert.Equal(t, "egg", got[0].Name)
	assert.Equal(t, "milk", got[1].Name)
	assert.InDelta(t, 120, got[1].Grams, 1e-9)
	assert.Equal(t, "water", got[2].Name)
	assert.InDelta(t, 70, got[2].Grams, 1e-9)
	assert.Equal(t, "sugar", got[3].Name)
	assert.InDelta(t, 10, got[3].Grams, 1e-9)
	assert.Equal(t, "roti", got[4].Name)
}

func TestRuleSetExpandEdgeCases(t *testing.T) {
	rs, err := LoadCompositeRules(context.Background(), storage.NewTestState([]byte(milkyBeverageRules)))
	require.NoError(t, err)

	t.Run("nil rule set passes through", func(t *testing.T) {
		var empty RuleSet
		items := []nutrimind.IngredientEstimate{{Name: "chai", Grams: 200, Category: "milky beverage"}}
		assert.Equal(t, items, empty.Expand(items))
	})

	t.Run("unknown category passes through", func(t *testing.T) {
		items := []nutrimind.IngredientEstimate{{Name: "smoothie", Grams: 300, Category: "blended fruit"}}
		assert.Equal(t, items, rs.Expand(items))
	})

	t.Run("zero grams passes through unexpanded", func(t *testing.T) {
		items := []nutrimind.IngredientEstimate{{Name: "chai", Grams: 0, Category: "milky beverage"}}
		assert.Equal(t, items, rs.Expand(items))
	})
}
