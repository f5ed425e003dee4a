// Package notify posts finished meal analyses to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nutrimind"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	webhookURL string
	httpClient doer
}

func NewClient(webhookURL string, httpClient doer) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

// PostAnalysis formats the analysis as a chat summary and posts it to the
// configured channel.
func (c *Client) PostAnalysis(ctx context.Context, channel string, analysis nutrimind.MealAnalysis) error {
	return c.PostMessage(ctx, channel, FormatSummary(analysis))
}

func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message: %s", resp.Status)
	}

	return nil
}

// FormatSummary renders a meal analysis as a plain-text chat message with
// per-item lines, totals, and tier markers.
func FormatSummary(analysis nutrimind.MealAnalysis) string {
	var sb strings.Builder

	sb.WriteString("Meal analysis")
	if analysis.Degraded {
		sb.WriteString(" (reference data unavailable, estimates only)")
	}
	sb.WriteString("\n")

	for _, item := range analysis.Items {
		marker := "~"
		if item.Tier == nutrimind.TierVerified {
			marker = "✓"
		}
		fmt.Fprintf(&sb, "%s %s (%.0fg): %.0f kcal, %.1fg protein, %.1fg carbs, %.1fg fats\n",
			marker, item.Name, item.Grams, item.Nutrition.Kcal,
			item.Nutrition.ProteinG, item.Nutrition.CarbsG, item.Nutrition.FatsG)
	}

	fmt.Fprintf(&sb, "TOTAL: %.0f kcal, %.1fg protein, %.1fg carbs, %.1fg fats\n",
		analysis.Totals.Kcal, analysis.Totals.ProteinG, analysis.Totals.CarbsG, analysis.Totals.FatsG)
	fmt.Fprintf(&sb, "Verified coverage: %.0f%%", analysis.ConfidenceRatio*100)

	if analysis.Notes != "" {
		sb.WriteString("\n")
		sb.WriteString(analysis.Notes)
	}

	return sb.String()
}
