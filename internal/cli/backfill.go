package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	backfillUser  int64
	backfillReset bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill-memory",
	Short: "Embed stored conversations into the search memory",
	Long: `Embed every stored user and assistant turn into the memory used to
personalize the assistant. Run it after enabling memory on an existing
database, or with --reset after changing the embedding model.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().Int64Var(&backfillUser, "user", 0, "only backfill this user id")
	backfillCmd.Flags().BoolVar(&backfillReset, "reset", false, "delete existing memories first")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if !cfg.Memory.Enabled {
		return errors.New("memory is disabled in config")
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := newMemory(db)
	if err != nil {
		return err
	}

	stored, err := store.Backfill(context.Background(), backfillUser, backfillReset)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d turn(s) in memory.\n", stored)
	return nil
}
