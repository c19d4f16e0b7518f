// Package enrich orchestrates the generative enrichment of selected items.
// It is the component most exposed to external unreliability, so everything
// here is about bounded retries, bounded concurrency, and telling transient
// failure apart from permanent rejection.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/logger"
	"lexipresse/internal/tokens"
	"lexipresse/internal/validate"
)

// ErrEnrichmentUnavailable signals that the generative service stayed
// unreachable through the whole retry budget. Items failing with it are
// returned for re-queue, never discarded.
var ErrEnrichmentUnavailable = errors.New("enrichment service unavailable")

// callTimeout caps one generation attempt end to end, rate-limiter wait
// included; the client enforces the configured per-request timeout
// underneath. It is deliberately detached from the cycle deadline so an
// in-flight call may finish after the cycle budget runs out.
const callTimeout = 90 * time.Second

const titlesPromptTemplate = `You are helping French learners read today's news. Simplify the following French news article.

Article title: %s
Article summary: %s
Source: %s

Respond with ONLY a JSON object using exactly these keys:
{
  "simplified_french_title": "simple French, max 70 characters",
  "simplified_english_title": "simple English, max 70 characters",
  "french_summary": "simple French, 20-60 words, not a copy of the title",
  "english_summary": "simple English, 20-60 words, not a copy of the title",
  "difficulty": "one of A1, A2, B1, B2, C1, C2",
  "tone": "one of neutral, opinion, satire, other"
}`

const explanationsPromptTemplate = `You are helping French learners understand a news headline word by word.

Headline: %s

Explain every token below, in order. Respond with ONLY a JSON array containing one object per token:
[
  {
    "original_token": "the token exactly as written below",
    "heading": "the token with its English translation, e.g. "grève (strike)"",
    "explanation": "what the token means in this headline, in simple English",
    "note": "optional short cultural note, omit if none"
  }
]

Tokens:
%s`

const strictSchemaReminder = `

IMPORTANT: your previous answer was not valid JSON. Respond with the JSON value only. No markdown fences, no commentary, no text before or after the JSON.`

// Generator is the slice of the LLM client the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (text string, usd float64, err error)
}

// Result is the outcome of enriching one item.
type Result struct {
	Item         core.ScoredItem
	Article      core.EnrichedArticle
	DisplayReady bool
	Cost         float64
	Err          error
}

// BatchResult aggregates one enrichment cycle.
type BatchResult struct {
	Ready       []core.EnrichedArticle // Passed the publish bar
	Partial     []core.EnrichedArticle // Enriched but below the bar
	Unavailable []core.ScoredItem      // Service unreachable, re-queue
	Skipped     []core.ScoredItem      // Cycle deadline hit before enrichment
	TotalCost   float64
}

// Orchestrator runs enrichment over a bounded worker pool.
type Orchestrator struct {
	gen         Generator
	validator   *validate.Validator
	cfg         config.Enrichment
	baseBackoff time.Duration

	// sleep is swapped out in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an orchestrator around the given generator.
func NewOrchestrator(gen Generator, v *validate.Validator, cfg config.Enrichment) *Orchestrator {
	return &Orchestrator{
		gen:         gen,
		validator:   v,
		cfg:         cfg,
		baseBackoff: config.GetDuration(cfg.BaseBackoff, 2*time.Second),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enrich runs both generation prompts for one item and validates the
// result. A nil error with ready=false means the content failed the publish
// bar; ErrEnrichmentUnavailable means the service never answered; a context
// error means the cycle ran out of time before this item was done.
func (o *Orchestrator) Enrich(ctx context.Context, item core.ScoredItem) (core.EnrichedArticle, bool, float64, error) {
	required := tokens.FromTitle(item.Item.Title)
	var totalCost float64

	titlesPrompt := fmt.Sprintf(titlesPromptTemplate,
		item.Item.Title, item.Item.Summary, item.Item.SourceName)
	titlesRaw, usd, err := o.generateWithRetry(ctx, titlesPrompt)
	totalCost += usd
	if err != nil {
		return core.EnrichedArticle{}, false, totalCost, err
	}

	titles, usd := o.parseTitles(ctx, titlesPrompt, titlesRaw, item)
	totalCost += usd

	explPrompt := fmt.Sprintf(explanationsPromptTemplate,
		item.Item.Title, "- "+strings.Join(required, "\n- "))
	explRaw, usd, err := o.generateWithRetry(ctx, explPrompt)
	totalCost += usd
	if err != nil {
		return core.EnrichedArticle{}, false, totalCost, err
	}

	explanations, usd := o.parseExplanations(ctx, explPrompt, explRaw, item)
	totalCost += usd

	article, ready := o.validator.Validate(item, titles, explanations, required)
	return article, ready, totalCost, nil
}

// parseTitles decodes the titles payload, allowing exactly one corrective
// retry with a stricter instruction when the response was not JSON. A second
// failure leaves the block empty and lets scalar validation reject the item.
func (o *Orchestrator) parseTitles(ctx context.Context, prompt, raw string, item core.ScoredItem) (core.TitleBlock, float64) {
	titles, err := o.validator.ParseTitles(raw)
	if err == nil {
		return titles, 0
	}
	log := logger.Get()
	log.Warn("Titles response was not JSON, retrying with strict instruction",
		"link", item.Item.Link)

	raw, usd, genErr := o.generateOnce(ctx, prompt+strictSchemaReminder)
	if genErr != nil {
		return core.TitleBlock{}, usd
	}
	titles, err = o.validator.ParseTitles(raw)
	if err != nil {
		log.Warn("Titles response unparseable after corrective retry", "link", item.Item.Link)
		return core.TitleBlock{}, usd
	}
	return titles, usd
}

// parseExplanations mirrors parseTitles for the token-explanation payload.
// Giving up here is not fatal: the item proceeds with zero coverage.
func (o *Orchestrator) parseExplanations(ctx context.Context, prompt, raw string, item core.ScoredItem) ([]core.TokenExplanation, float64) {
	explanations, err := o.validator.ParseExplanations(raw)
	if err == nil {
		return explanations, 0
	}
	log := logger.Get()
	log.Warn("Explanations response was not JSON, retrying with strict instruction",
		"link", item.Item.Link)

	raw, usd, genErr := o.generateOnce(ctx, prompt+strictSchemaReminder)
	if genErr != nil {
		return nil, usd
	}
	explanations, err = o.validator.ParseExplanations(raw)
	if err != nil {
		log.Warn("Explanations response unparseable after corrective retry", "link", item.Item.Link)
		return nil, usd
	}
	return explanations, usd
}

// generateWithRetry calls the generator with exponential backoff and jitter
// up to the attempt ceiling. Transport and rate-limit failures are all
// transient here; only the cycle deadline stops the loop early.
func (o *Orchestrator) generateWithRetry(ctx context.Context, prompt string) (string, float64, error) {
	log := logger.Get()
	var totalCost float64
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		raw, usd, err := o.generateOnce(ctx, prompt)
		totalCost += usd
		if err == nil {
			return raw, totalCost, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", totalCost, ctx.Err()
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}

		backoff := o.baseBackoff * time.Duration(1<<(attempt-1))
		backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		log.Warn("Generation attempt failed, backing off",
			"attempt", attempt, "max_attempts", o.cfg.MaxAttempts,
			"backoff", backoff, "error", err)
		if err := o.sleep(ctx, backoff); err != nil {
			return "", totalCost, err
		}
	}

	return "", totalCost, fmt.Errorf("after %d attempts: %w: %w",
		o.cfg.MaxAttempts, ErrEnrichmentUnavailable, lastErr)
}

// generateOnce runs a single bounded call. The per-call timeout is detached
// from the cycle deadline so an in-flight call may finish past it.
func (o *Orchestrator) generateOnce(ctx context.Context, prompt string) (string, float64, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callTimeout)
	defer cancel()
	return o.gen.Generate(callCtx, prompt)
}

// EnrichBatch runs the worker pool over the selected items. No new
// enrichment starts once ctx is done; items not yet started come back in
// Skipped, untouched, for the next cycle.
func (o *Orchestrator) EnrichBatch(ctx context.Context, items []core.ScoredItem) *BatchResult {
	log := logger.Get()
	result := &BatchResult{}
	if len(items) == 0 {
		return result
	}

	workers := o.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	log.Info("Starting enrichment batch", "items", len(items), "workers", workers)

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, item := range items {
		// Acquire a worker slot unless the cycle budget runs out first. The
		// acquire can win the select race against an already-done context, so
		// re-check before dispatching.
		expired := false
		select {
		case sem <- struct{}{}:
			if ctx.Err() != nil {
				<-sem
				expired = true
			}
		case <-ctx.Done():
			expired = true
		}
		if expired {
			log.Warn("Cycle budget exhausted, deferring remaining items",
				"deferred", len(items)-i, "reason", ctx.Err())
			mu.Lock()
			result.Skipped = append(result.Skipped, items[i:]...)
			mu.Unlock()
			wg.Wait()
			return result
		}

		wg.Add(1)

		go func(it core.ScoredItem) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			article, ready, usd, err := o.Enrich(ctx, it)

			mu.Lock()
			defer mu.Unlock()
			result.TotalCost += usd
			switch {
			case err == nil && ready:
				result.Ready = append(result.Ready, article)
			case err == nil:
				result.Partial = append(result.Partial, article)
			case errors.Is(err, ErrEnrichmentUnavailable):
				log.Warn("Enrichment unavailable, item will be requeued",
					"link", it.Item.Link, "error", err)
				result.Unavailable = append(result.Unavailable, it)
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				result.Skipped = append(result.Skipped, it)
			default:
				logger.Error("Enrichment failed", err, "link", it.Item.Link)
				result.Unavailable = append(result.Unavailable, it)
			}
		}(item)
	}

	wg.Wait()
	log.Info("Enrichment batch completed",
		"ready", len(result.Ready),
		"partial", len(result.Partial),
		"unavailable", len(result.Unavailable),
		"skipped", len(result.Skipped),
		"cost_usd", result.TotalCost)
	return result
}
