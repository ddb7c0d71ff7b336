package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dealscout/internal/service/marketplace"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search every configured marketplace directly",
	Long: `Search eBay and Amazon without the chat or the release check.

Examples:
  dealscout search "iPhone 13 128GB used"
  dealscout search "running shoes" --limit 8`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "max results per marketplace (default basic_config.result_limit)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	searchers, err := newSearchers()
	if err != nil {
		return err
	}
	limit := searchLimit
	if limit <= 0 {
		limit = cfg.BasicConfig.ResultLimitOrDefault()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BasicConfig.SearchTimeoutDuration()+5*time.Second)
	defer cancel()
	results := marketplace.SearchAll(ctx, searchers, query, limit)
	printResults(cmd.OutOrStdout(), searchers, results)
	return nil
}
