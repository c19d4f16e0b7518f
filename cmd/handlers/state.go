package handlers

import (
	"fmt"

	"github.com/spf13/cobra"

	"lexipresse/internal/config"
	"lexipresse/internal/store"
)

// NewStateCmd creates the state command group for recovering persisted
// pipeline state.
func NewStateCmd() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Manage persisted pipeline state",
	}

	stateCmd.AddCommand(&cobra.Command{
		Use:   "reset-daily",
		Short: "Delete the daily publish counter (next cycle starts a fresh day)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st *store.Store) error {
				if err := st.ResetDailyState(); err != nil {
					return err
				}
				fmt.Println("✓ Daily state reset")
				return nil
			})
		},
	})

	stateCmd.AddCommand(&cobra.Command{
		Use:   "clear-overflow",
		Short: "Empty the overflow queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st *store.Store) error {
				if err := st.ClearOverflow(); err != nil {
					return err
				}
				fmt.Println("✓ Overflow queue cleared")
				return nil
			})
		},
	})

	return stateCmd
}

func withStore(fn func(*store.Store) error) error {
	cfg := config.Get()
	st, err := store.NewStore(cfg.App.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	return fn(st)
}
