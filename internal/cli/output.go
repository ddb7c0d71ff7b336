package cli

import (
	"fmt"
	"io"
	"strings"

	"dealscout/internal/models"
	"dealscout/internal/service/marketplace"
)

var rule = strings.Repeat("=", 80)

// printResults writes one block per marketplace, in searcher order.
func printResults(out io.Writer, searchers []marketplace.Searcher, results models.SearchResultSet) {
	for _, s := range searchers {
		items := results[s.Name()]
		fmt.Fprintf(out, "\n%s\nFound %d item(s) on %s\n%s\n\n", rule, len(items), s.Label(), rule)
		if len(items) == 0 {
			fmt.Fprintf(out, "No %s items found matching your search criteria.\n", s.Label())
			continue
		}
		for i, p := range items {
			fmt.Fprintf(out, "%d. %s\n", i+1, p.Title)
			fmt.Fprintf(out, "   Price: %s\n", p.Price)
			if p.Condition != "" {
				fmt.Fprintf(out, "   Condition: %s\n", p.Condition)
			}
			if p.Rating != "" {
				fmt.Fprintf(out, "   Rating: %s\n", p.Rating)
			}
			if p.URL != "" {
				fmt.Fprintf(out, "   Link: %s\n", p.URL)
			}
			fmt.Fprintln(out)
		}
	}
}

func printVerification(out io.Writer, v models.Verification) {
	fmt.Fprintf(out, "Exists:         %t\n", v.Exists)
	fmt.Fprintf(out, "Release status: %s\n", v.ReleaseStatus)
	fmt.Fprintf(out, "Confidence:     %s\n", v.Confidence)
	fmt.Fprintf(out, "Info:           %s\n", v.Info)
	if v.Blocks() {
		fmt.Fprintln(out, "Search would be held back.")
	}
}
