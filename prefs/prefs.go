// Package prefs supplies user-specific corrections to the analysis
// pipeline. Preferences are owned by an external profile store; this
// package only reads them, renders them as prompt context, and applies
// vessel-size overrides to decomposed portions.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"nutrimind"
)

// StaticStore is an in-memory PreferenceStore keyed by user id.
type StaticStore map[string]nutrimind.Preferences

func (s StaticStore) PreferencesFor(ctx context.Context, userID string) (nutrimind.Preferences, error) {
	return s[userID], nil
}

// FileStore reads preferences from a JSON file shaped as
// {"user_id": {"pref_key": "pref_value"}}. The file is re-read on every
// lookup so external edits take effect without a restart.
type FileStore struct {
	FilePath string
}

func NewFileStore(filePath string) *FileStore {
	return &FileStore{FilePath: filePath}
}

func (f *FileStore) PreferencesFor(ctx context.Context, userID string) (nutrimind.Preferences, error) {
	b, err := os.ReadFile(f.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var all map[string]nutrimind.Preferences
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	return all[userID], nil
}

// PromptContext renders preferences as context lines for an LLM prompt,
// in sorted key order so identical preferences always produce identical
// prompts.
func PromptContext(p nutrimind.Preferences) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("USER PREFERENCES (use these to override defaults):\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  - %s: %s\n", k, p[k])
	}
	return b.String()
}

// VesselOverride looks for a preference that states the size of a named
// vessel ("bowl" -> "300ml") and returns the corresponding portion mass in
// grams. Keys match the vessel name directly, with a "_size" suffix, or as
// a snake_case component ("my_bowl" matches vessel "bowl").
func VesselOverride(p nutrimind.Preferences, vessel string) (float64, bool) {
	if vessel == "" || len(p) == 0 {
		return 0, false
	}
	v := strings.ToLower(strings.TrimSpace(vessel))

	// Deterministic iteration over candidate keys.
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lk := strings.ToLower(k)
		if lk == v || lk == v+"_size" || containsWord(lk, v) {
			if grams, ok := ParseAmount(p[k]); ok {
				return grams, true
			}
		}
	}
	return 0, false
}

func containsWord(key, word string) bool {
	for _, part := range strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == ' ' || r == '-' }) {
		if part == word {
			return true
		}
	}
	return false
}

var amountRe = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*(ml|mL|ML|l|L|g|G|kg|KG|kg)?\s*$`)

// ParseAmount parses a normalized correction value like "300ml", "250 g",
// or "0.5l" into grams. Milliliters convert 1:1, which is the working
// assumption for the mostly water-based vessels preferences describe.
func ParseAmount(s string) (float64, bool) {
	m := amountRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n < 0 {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "", "ml", "g":
		return n, true
	case "l", "kg":
		return n * 1000, true
	}
	return 0, false
}
