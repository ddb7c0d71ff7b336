package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dealscout/internal/service/shopping"
)

var verifyRaw bool

var verifyCmd = &cobra.Command{
	Use:   "verify <product>",
	Short: "Check whether a product has been released",
	Long: `Search the web for a product and ask the model whether it is available,
upcoming, rumored or unknown.

Examples:
  dealscout verify "iPhone 15 Pro Max 256GB new"
  dealscout verify "Galaxy S30" --raw`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRaw, "raw", false, "verify the text as given, without stripping colors and conditions")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	product := strings.Join(args, " ")
	if !verifyRaw {
		product = shopping.VerificationQuery(product)
	}

	chat, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	verifier, err := newVerifier(ctx, chat)
	if err != nil {
		return err
	}
	if verifier == nil {
		return fmt.Errorf("no web search provider configured")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying: %s\n\n", product)
	printVerification(out, verifier.Verify(ctx, product))
	return nil
}
