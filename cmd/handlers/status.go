package handlers

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lexipresse/internal/config"
	"lexipresse/internal/publish"
	"lexipresse/internal/store"
)

// NewStatusCmd creates the status command that reports pipeline state
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daily quota, overflow queue, and rolling feed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg := config.Get()

	st, err := store.NewStore(cfg.App.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	stats, err := st.GetStats()
	if err != nil {
		return fmt.Errorf("reading store stats: %w", err)
	}

	articles, err := publish.NewManager(cfg.Storage).Load()
	if err != nil {
		return fmt.Errorf("reading rolling feed: %w", err)
	}
	ready := 0
	for _, a := range articles {
		if a.DisplayReady {
			ready++
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "QUOTA")
	if stats.HasState {
		fmt.Fprintf(w, "  Date:\t%s\n", stats.DailyState.Date)
		fmt.Fprintf(w, "  Published today:\t%d / %d\n", stats.DailyState.PublishedCount, cfg.Quota.DailyCap)
	} else {
		fmt.Fprintf(w, "  Published today:\t0 / %d (no runs yet)\n", cfg.Quota.DailyCap)
	}
	fmt.Fprintf(w, "  Overflow queue:\t%d\n", stats.OverflowCount)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DEDUP")
	fmt.Fprintf(w, "  Fingerprints:\t%d (retention %d days)\n", stats.Fingerprints, cfg.Dedup.RetentionDays)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "FEED")
	fmt.Fprintf(w, "  Rolling set:\t%d / %d articles (%d display-ready)\n", len(articles), cfg.Storage.RollingCap, ready)
	fmt.Fprintf(w, "  Path:\t%s\n", cfg.Storage.RollingPath)
	return nil
}
