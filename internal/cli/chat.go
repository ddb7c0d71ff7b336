package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"dealscout/internal/models"
	"dealscout/internal/service/marketplace"
	"dealscout/internal/service/shopping"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal and search when the assistant is ready",
	Long: `Start an interactive shopping chat. Nothing is stored.

Type 'quit' to leave. When a product looks unreleased, type 'search anyway'
to search for it regardless.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	searchers, err := newSearchers()
	if err != nil {
		return err
	}
	orchestrator, err := newOrchestrator(ctx, nil, nil, searchers)
	if err != nil {
		return err
	}
	return chatLoop(ctx, orchestrator, searchers, cmd.InOrStdin(), cmd.OutOrStdout())
}

type turnRunner interface {
	HandleTurn(ctx context.Context, req shopping.TurnRequest) *shopping.TurnResult
}

func isQuit(s string) bool {
	switch strings.ToLower(s) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

// chatLoop drives stateless turns from in until the user quits or in ends.
func chatLoop(ctx context.Context, turns turnRunner, searchers []marketplace.Searcher, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	read := func(prompt string) (string, bool) {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	var history []*models.Message
	var pending string
	start := func() {
		res := turns.HandleTurn(ctx, shopping.TurnRequest{})
		history, pending = res.History, ""
		fmt.Fprintf(out, "%s\nAI: %s\n", rule, res.Message)
	}
	start()

	for ctx.Err() == nil {
		line, ok := read("You: ")
		if !ok || isQuit(line) {
			break
		}
		if line == "" {
			continue
		}
		req := shopping.TurnRequest{Message: line, History: history}
		if pending != "" && strings.EqualFold(line, "search anyway") {
			req = shopping.TurnRequest{OverrideQuery: pending, History: history}
		}

		res := turns.HandleTurn(ctx, req)
		history = res.History
		pending = res.PendingQuery
		fmt.Fprintf(out, "\nAI: %s\n", res.Message)
		if pending != "" {
			fmt.Fprintln(out, "(type 'search anyway' to search for it regardless)")
		}
		if res.Type != shopping.TurnResults {
			continue
		}

		printResults(out, searchers, res.Results)
		again, ok := read("\nSearch again? (y/n): ")
		if !ok || (strings.ToLower(again) != "y" && strings.ToLower(again) != "yes") {
			break
		}
		start()
	}
	fmt.Fprintln(out, "Goodbye!")
	return scanner.Err()
}
