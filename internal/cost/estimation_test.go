package cost

import (
	"strings"
	"testing"

	"lexipresse/internal/core"
)

func TestEstimateTokenCount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{
			name:     "empty string",
			input:    "",
			expected: 0,
		},
		{
			name:     "simple text",
			input:    "Hello world",
			expected: 4, // 11 chars / 3.5 ≈ 3.14, ceil = 4
		},
		{
			name:     "longer text",
			input:    "This is a longer piece of text that should result in more tokens.",
			expected: 19, // 66 chars / 3.5 ≈ 18.86, ceil = 19
		},
		{
			name:     "text with newlines",
			input:    "Line 1\nLine 2\nLine 3",
			expected: 6, // 20 chars (newlines replaced) / 3.5 ≈ 5.71, ceil = 6
		},
		{
			name:     "text with extra whitespace",
			input:    "  Text with   extra    spaces  ",
			expected: 8, // After trimming: "Text with   extra    spaces" = 28 chars / 3.5 = 8
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EstimateTokenCount(tt.input)
			if result != tt.expected {
				t.Errorf("EstimateTokenCount(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPricing_UnknownModelFallsBack(t *testing.T) {
	pricing := Pricing("some-future-model")
	if pricing.Model != defaultModel {
		t.Errorf("Pricing fallback = %s, expected %s", pricing.Model, defaultModel)
	}
}

func TestRequestCost(t *testing.T) {
	prompt := strings.Repeat("mot ", 500)
	inputTokens, usd := RequestCost("gemini-2.0-flash", prompt)

	if inputTokens != EstimateTokenCount(prompt) {
		t.Errorf("inputTokens = %d, expected %d", inputTokens, EstimateTokenCount(prompt))
	}
	if usd <= 0 {
		t.Errorf("RequestCost returned non-positive cost %f", usd)
	}

	// Pro pricing is an order of magnitude above Flash.
	_, proUSD := RequestCost("gemini-1.5-pro", prompt)
	if proUSD <= usd {
		t.Errorf("Pro cost %f should exceed Flash cost %f", proUSD, usd)
	}
}

func TestEstimateCycleCost(t *testing.T) {
	items := []core.ScoredItem{
		{Item: core.RawItem{
			Title:   "Grève à la SNCF : le trafic perturbé jeudi",
			Summary: strings.Repeat("résumé ", 40),
			Link:    "https://example.fr/greve-sncf",
		}},
		{Item: core.RawItem{
			Title:   "Le SMIC augmente au 1er janvier",
			Summary: strings.Repeat("résumé ", 30),
			Link:    "https://example.fr/smic",
		}},
	}

	estimate := EstimateCycleCost(items, "gemini-2.0-flash")

	if len(estimate.Articles) != 2 {
		t.Fatalf("Expected 2 article estimates, got %d", len(estimate.Articles))
	}
	if estimate.TotalCost <= 0 {
		t.Errorf("Expected positive total cost, got %f", estimate.TotalCost)
	}

	// Two calls per article with fixed prompt overhead each.
	for i, article := range estimate.Articles {
		if article.EstimatedInputTokens <= 2*promptOverheadTokens {
			t.Errorf("Article %d input tokens %d should exceed bare overhead", i, article.EstimatedInputTokens)
		}
		if article.TotalCost <= 0 {
			t.Errorf("Article %d has non-positive cost", i)
		}
	}

	var summed float64
	for _, article := range estimate.Articles {
		summed += article.TotalCost
	}
	if diff := estimate.TotalCost - summed; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("TotalCost %f does not equal article sum %f", estimate.TotalCost, summed)
	}
}

func TestEstimateCycleCost_EmptyBatch(t *testing.T) {
	estimate := EstimateCycleCost(nil, "gemini-2.0-flash")
	if estimate.TotalCost != 0 || len(estimate.Articles) != 0 {
		t.Errorf("Empty batch should cost nothing: %+v", estimate)
	}
}

func TestFormatEstimate(t *testing.T) {
	items := []core.ScoredItem{
		{Item: core.RawItem{Title: "Titre", Summary: "Résumé court", Link: "https://example.fr/a"}},
	}
	out := EstimateCycleCost(items, "gemini-2.0-flash").FormatEstimate()

	for _, want := range []string{"gemini-2.0-flash", "Articles to enrich: 1", "Cost Breakdown", "https://example.fr/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatEstimate output missing %q:\n%s", want, out)
		}
	}
}
