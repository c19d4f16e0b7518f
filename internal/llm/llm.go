// Package llm wraps the Gemini API behind the Generator interface the
// enrichment orchestrator consumes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"lexipresse/internal/config"
	"lexipresse/internal/cost"
)

// DefaultModel is the default Gemini model for enrichment calls.
const DefaultModel = "gemini-2.0-flash"

// defaultCallTimeout bounds a single API call when no timeout is configured.
const defaultCallTimeout = 30 * time.Second

// ErrRateLimited is returned when the API rejects a call for quota reasons.
// The orchestrator treats it as transient and backs off.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrEmptyResponse is returned when the model replies with no text at all.
var ErrEmptyResponse = errors.New("empty response from model")

// Client represents a client for interacting with the Gemini API. All
// callers share its rate limiter, so the worker pool as a whole stays under
// the model's requests-per-minute budget.
type Client struct {
	apiKey    string
	modelName string
	gClient   *genai.Client
	limiter   *rate.Limiter
	genConfig *genai.GenerateContentConfig
	timeout   time.Duration
}

// NewClient creates a new Gemini client from the gemini config section.
// It supports multiple ways to get the API key (in order of preference):
// 1. Environment variable: GEMINI_API_KEY (or alternatives)
// 2. Configuration: gemini.api_key
func NewClient(cfg config.Gemini) (*Client, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		if apiKey = os.Getenv("GOOGLE_GEMINI_API_KEY"); apiKey == "" {
			apiKey = cfg.APIKey
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY environment variable or gemini.api_key in config file.\nGet your API key from: https://makersuite.google.com/app/apikey")
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModel
	}

	ctx := context.Background()
	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = cost.Pricing(modelName).MaxRequestsPerMinute
	}

	// Build generation config if options are provided
	var genConfig *genai.GenerateContentConfig
	if cfg.MaxTokens > 0 || cfg.Temperature > 0 {
		genConfig = &genai.GenerateContentConfig{}
		if cfg.MaxTokens > 0 {
			genConfig.MaxOutputTokens = cfg.MaxTokens
		}
		if cfg.Temperature > 0 {
			genConfig.Temperature = genai.Ptr(cfg.Temperature)
		}
	}

	return &Client{
		apiKey:    apiKey,
		modelName: modelName,
		gClient:   gClient,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		genConfig: genConfig,
		timeout:   config.GetDuration(cfg.Timeout, defaultCallTimeout),
	}, nil
}

// Model returns the model name the client calls.
func (c *Client) Model() string {
	return c.modelName
}

// Generate runs one generation call and returns the raw response text along
// with the estimated USD cost of the call. Quota rejections come back
// wrapping ErrRateLimited.
func (c *Client) Generate(ctx context.Context, prompt string) (string, float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return "", 0, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := c.gClient.Models.GenerateContent(callCtx, c.modelName, contents, c.genConfig)
	if err != nil {
		if isQuotaError(err) {
			return "", 0, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", 0, fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", 0, ErrEmptyResponse
	}

	_, usd := cost.RequestCost(c.modelName, prompt)
	return text, usd, nil
}

// isQuotaError recognizes HTTP 429 / RESOURCE_EXHAUSTED responses from the
// API in either structured or stringified form.
func isQuotaError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
