package cost

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"lexipresse/internal/core"
)

// GeminiPricing represents the current pricing for Gemini models
type GeminiPricing struct {
	Model                 string
	InputCostPer1MTokens  float64 // Cost per 1M input tokens in USD
	OutputCostPer1MTokens float64 // Cost per 1M output tokens in USD
	EstimatedOutputTokens int     // Estimated output tokens per request
	MaxRequestsPerMinute  int     // Rate limiting
}

// PricingTable contains current Gemini pricing as of 2025
var PricingTable = map[string]GeminiPricing{
	"gemini-2.0-flash": {
		Model:                 "gemini-2.0-flash",
		InputCostPer1MTokens:  0.10, // $0.10 per 1M tokens
		OutputCostPer1MTokens: 0.40, // $0.40 per 1M tokens
		EstimatedOutputTokens: 450,  // Titles block or explanation list
		MaxRequestsPerMinute:  1000,
	},
	"gemini-1.5-flash": {
		Model:                 "gemini-1.5-flash",
		InputCostPer1MTokens:  0.075,
		OutputCostPer1MTokens: 0.30,
		EstimatedOutputTokens: 450,
		MaxRequestsPerMinute:  1000,
	},
	"gemini-1.5-pro": {
		Model:                 "gemini-1.5-pro",
		InputCostPer1MTokens:  3.50,
		OutputCostPer1MTokens: 10.50,
		EstimatedOutputTokens: 500,
		MaxRequestsPerMinute:  360,
	},
}

const defaultModel = "gemini-2.0-flash"

// Pricing returns the pricing entry for a model, falling back to the
// default Flash pricing for unknown names.
func Pricing(modelName string) GeminiPricing {
	if pricing, exists := PricingTable[modelName]; exists {
		return pricing
	}
	return PricingTable[defaultModel]
}

// EstimateTokenCount provides a rough estimation of token count for text
// This is a simplified approximation: typically 1 token ≈ 0.75 words ≈ 4 characters
func EstimateTokenCount(text string) int {
	// Remove excessive whitespace and normalize
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\n", " ")

	charCount := utf8.RuneCountInString(text)

	// French runs a little denser than English in tokens per character,
	// so use a conservative divisor with buffer for special tokens.
	return int(math.Ceil(float64(charCount) / 3.5))
}

// RequestCost estimates the USD cost of one generation call from the prompt
// text and the model's typical response length.
func RequestCost(modelName, prompt string) (inputTokens int, usd float64) {
	pricing := Pricing(modelName)
	inputTokens = EstimateTokenCount(prompt)
	inputCost := float64(inputTokens) * pricing.InputCostPer1MTokens / 1000000
	outputCost := float64(pricing.EstimatedOutputTokens) * pricing.OutputCostPer1MTokens / 1000000
	return inputTokens, inputCost + outputCost
}

// ArticleCostEstimate represents the cost estimation for enriching a single article
type ArticleCostEstimate struct {
	Link                  string
	Title                 string
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	TotalCost             float64
}

// CycleCostEstimate represents the total cost estimation for one enrichment cycle
type CycleCostEstimate struct {
	Model                 string
	Articles              []ArticleCostEstimate
	TotalInputTokens      int
	TotalOutputTokens     int
	TotalCost             float64
	ProcessingTimeMinutes float64
	RateLimitWarning      string
}

// promptOverheadTokens approximates the fixed instruction text around the
// article content in each of the two enrichment prompts.
const promptOverheadTokens = 350

// EstimateCycleCost estimates the cost of enriching a batch of selected
// items. Each item needs two generation calls: one for the bilingual titles
// block and one for the token explanations.
func EstimateCycleCost(items []core.ScoredItem, modelName string) *CycleCostEstimate {
	pricing := Pricing(modelName)

	estimate := &CycleCostEstimate{
		Model:    modelName,
		Articles: make([]ArticleCostEstimate, 0, len(items)),
	}

	for _, item := range items {
		contentTokens := EstimateTokenCount(item.Item.Title + " " + item.Item.Summary)
		inputTokens := 2 * (contentTokens + promptOverheadTokens)
		outputTokens := 2 * pricing.EstimatedOutputTokens

		inputCost := float64(inputTokens) * pricing.InputCostPer1MTokens / 1000000
		outputCost := float64(outputTokens) * pricing.OutputCostPer1MTokens / 1000000

		articleEst := ArticleCostEstimate{
			Link:                  item.Item.Link,
			Title:                 item.Item.Title,
			EstimatedInputTokens:  inputTokens,
			EstimatedOutputTokens: outputTokens,
			TotalCost:             inputCost + outputCost,
		}
		estimate.Articles = append(estimate.Articles, articleEst)
		estimate.TotalInputTokens += inputTokens
		estimate.TotalOutputTokens += outputTokens
		estimate.TotalCost += articleEst.TotalCost
	}

	// Two requests per article, roughly 2 seconds each when the pool and
	// backoff behave.
	totalRequests := 2 * len(items)
	estimate.ProcessingTimeMinutes = float64(totalRequests) * 2 / 60

	requestsPerMinute := float64(totalRequests) / math.Max(estimate.ProcessingTimeMinutes, 1)
	if requestsPerMinute > float64(pricing.MaxRequestsPerMinute) {
		estimate.RateLimitWarning = fmt.Sprintf(
			"Warning: Estimated %d requests may exceed rate limit of %d/min for %s",
			totalRequests, pricing.MaxRequestsPerMinute, modelName,
		)
	}

	return estimate
}

// FormatEstimate formats the cost estimate for display
func (e *CycleCostEstimate) FormatEstimate() string {
	var sb strings.Builder

	pricing := Pricing(e.Model)

	sb.WriteString(fmt.Sprintf("Cost Estimation for %s\n", e.Model))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString("Summary:\n")
	sb.WriteString(fmt.Sprintf("   Articles to enrich: %d\n", len(e.Articles)))
	sb.WriteString(fmt.Sprintf("   Total estimated cost: $%.6f\n", e.TotalCost))
	sb.WriteString(fmt.Sprintf("   Estimated processing time: %.1f minutes\n", e.ProcessingTimeMinutes))
	if e.RateLimitWarning != "" {
		sb.WriteString(fmt.Sprintf("   %s\n", e.RateLimitWarning))
	}
	sb.WriteString("\n")

	sb.WriteString("Cost Breakdown:\n")
	sb.WriteString(fmt.Sprintf("   Input tokens: %d (~$%.6f)\n",
		e.TotalInputTokens, float64(e.TotalInputTokens)*pricing.InputCostPer1MTokens/1000000))
	sb.WriteString(fmt.Sprintf("   Output tokens: %d (~$%.6f)\n",
		e.TotalOutputTokens, float64(e.TotalOutputTokens)*pricing.OutputCostPer1MTokens/1000000))
	sb.WriteString("\n")

	if len(e.Articles) > 0 {
		sb.WriteString("Per-Article Estimates (showing first 5):\n")
		for i, article := range e.Articles {
			if i >= 5 {
				sb.WriteString(fmt.Sprintf("   ... and %d more articles\n", len(e.Articles)-5))
				break
			}
			sb.WriteString(fmt.Sprintf("   %d. $%.6f - %s\n", i+1, article.TotalCost, article.Link))
		}
	}

	return sb.String()
}
