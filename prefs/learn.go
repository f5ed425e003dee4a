package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Correction is a key/value preference extracted from a free-text user
// correction, plus an acknowledgment to show the user.
type Correction struct {
	Key   string `json:"pref_key"`
	Value string `json:"pref_value"`
	Ack   string `json:"response"`
}

// CorrectionParser extracts a Correction from a statement like
// "my bowl is always 300ml". Implemented by the generative backends.
type CorrectionParser interface {
	ParseCorrection(ctx context.Context, text string) (Correction, error)
}

// LearnCorrection parses a user correction into a storable preference.
// Persisting the result is the profile store's concern, not ours.
func LearnCorrection(ctx context.Context, parser CorrectionParser, text string) (Correction, error) {
	c, err := parser.ParseCorrection(ctx, text)
	if err != nil {
		return Correction{}, fmt.Errorf("parse correction: %w", err)
	}

	c.Key = strings.TrimSpace(c.Key)
	c.Value = strings.TrimSpace(c.Value)
	if c.Key == "" || c.Value == "" {
		return Correction{}, fmt.Errorf("no clear preference in %q", text)
	}
	if c.Ack == "" {
		c.Ack = "Got it, I'll remember that!"
	}

	slog.Info("PREFS: Learned correction", "key", c.Key, "value", c.Value)
	return c, nil
}
