package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/cost"
	"lexipresse/internal/curate"
	"lexipresse/internal/dedup"
	"lexipresse/internal/enrich"
	"lexipresse/internal/llm"
	"lexipresse/internal/pipeline"
	"lexipresse/internal/publish"
	"lexipresse/internal/quota"
	"lexipresse/internal/store"
	"lexipresse/internal/validate"
)

// NewRunCmd creates the run command that processes one batch cycle
func NewRunCmd() *cobra.Command {
	var dryRun bool

	runCmd := &cobra.Command{
		Use:   "run [items-file]",
		Short: "Run one processing cycle over fetched news items",
		Long: `Run one bounded batch cycle: deduplicate the fetched items, score them,
select a batch under the daily cap, enrich it with Gemini, and publish the
validated articles into the rolling feed.

The items file is a JSON document produced by the fetcher: either an array
of raw items or an object with an "items" array.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(args[0], dryRun)
		},
	}

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Estimate enrichment cost without calling the API")

	return runCmd
}

func runCycle(itemsFile string, dryRun bool) error {
	cfg := config.Get()

	items, err := loadItems(itemsFile)
	if err != nil {
		return err
	}
	fmt.Printf("📥 Loaded %d items from %s\n", len(items), itemsFile)

	if dryRun {
		return estimateCycle(items, cfg)
	}

	st, err := store.NewStore(cfg.App.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	client, err := llm.NewClient(cfg.Gemini)
	if err != nil {
		return err
	}

	validator := validate.NewValidator(cfg.Validation)
	p := pipeline.New(
		dedup.New(time.Duration(cfg.Dedup.RetentionDays)*24*time.Hour),
		curate.NewScorer(cfg.Curation, cfg.Profile),
		quota.NewAllocator(st, cfg.Quota),
		enrich.NewOrchestrator(client, validator, cfg.Enrichment),
		publish.NewManager(cfg.Storage),
		st,
		cfg,
	)

	stats, err := p.Cycle(context.Background(), items)
	if stats != nil {
		printStats(stats)
	}
	return err
}

// estimateCycle scores and allocates nothing; it just prices the batch the
// way the enricher would see it.
func estimateCycle(items []core.RawItem, cfg *config.Config) error {
	scorer := curate.NewScorer(cfg.Curation, cfg.Profile)
	d := dedup.New(time.Duration(cfg.Dedup.RetentionDays) * 24 * time.Hour)

	var scored []core.ScoredItem
	for _, item := range items {
		if dup, err := d.IsDuplicate(item); err != nil || dup {
			continue
		}
		s, err := scorer.Score(item)
		if err != nil {
			continue
		}
		if err := d.Remember(item); err != nil {
			continue
		}
		if s.TotalScore >= cfg.Quota.FallbackThreshold {
			scored = append(scored, s)
		}
	}

	if len(scored) > cfg.Quota.PerRunCap {
		scored = scored[:cfg.Quota.PerRunCap]
	}

	model := cfg.Gemini.Model
	if model == "" {
		model = llm.DefaultModel
	}
	fmt.Print(cost.EstimateCycleCost(scored, model).FormatEstimate())
	return nil
}

// loadItems reads the fetcher's output file.
func loadItems(path string) ([]core.RawItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading items file: %w", err)
	}

	var items []core.RawItem
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Items []core.RawItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing items file %s: %w", path, err)
	}
	return wrapped.Items, nil
}

func printStats(stats *pipeline.CycleStats) {
	fmt.Printf("\n✓ Cycle %s finished in %s\n", stats.RunID, stats.ProcessingTime.Round(time.Millisecond))
	fmt.Printf("   Incoming:    %d (duplicates: %d, malformed: %d)\n", stats.Incoming, stats.Duplicates, stats.Malformed)
	fmt.Printf("   Selected:    %d (overflow: %d, rejected: %d)\n", stats.Selected, stats.Overflowed, stats.Rejected)
	fmt.Printf("   Published:   %d (ready: %d, partial: %d)\n", stats.Published, stats.Ready, stats.Partial)
	if stats.Unavailable+stats.Skipped > 0 {
		fmt.Printf("   Deferred:    %d (unavailable: %d, out of time: %d)\n",
			stats.Unavailable+stats.Skipped, stats.Unavailable, stats.Skipped)
	}
	if stats.CapReached {
		fmt.Printf("   Daily cap reached — remaining items wait in overflow\n")
	}
	fmt.Printf("   Cost:        $%.6f\n", stats.CostUSD)
}
