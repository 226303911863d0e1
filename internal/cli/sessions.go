package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverlabs/drover/internal/history"
	"github.com/rs/zerolog"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOnly()
		if err != nil {
			return err
		}
		if !cfg.History.Enabled {
			return fmt.Errorf("history is disabled; no stored sessions")
		}

		store, err := history.NewStore(cfg.History.Path, zerolog.Nop())
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := store.Sessions(context.Background())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no stored sessions")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
