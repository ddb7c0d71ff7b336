// Package research checks whether a product is released before the
// marketplaces are searched for it.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dealscout/internal/models"
	"dealscout/internal/observability"
)

const (
	searchResultCount = 5
	maxContextChars   = 4000
	analystSystem     = "You are a research analyst. Respond only with valid JSON."

	infoNotFound   = "Unable to find information about this product."
	infoUnverified = "Unable to verify product details, but proceeding with search."
)

// WebSearcher returns organic web results for a query.
type WebSearcher interface {
	Search(ctx context.Context, query string, num int) (*models.WebResults, error)
}

// Completer runs one system+user exchange against an LLM.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Verifier classifies products as available, upcoming, rumored or unknown.
type Verifier struct {
	search  WebSearcher
	llm     Completer
	timeout time.Duration
	now     func() time.Time
}

func NewVerifier(search WebSearcher, llm Completer, timeout time.Duration) *Verifier {
	return &Verifier{search: search, llm: llm, timeout: timeout, now: time.Now}
}

// Verify never returns an error: infrastructure failures yield an
// exists=true, low-confidence verdict so the search can go ahead.
func (v *Verifier) Verify(ctx context.Context, product string) models.Verification {
	logger := observability.LoggerFromContext(ctx).With("product", product)
	if v == nil || v.search == nil || v.llm == nil {
		return unverified()
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	results, err := v.search.Search(ctx, product+" official release date specs", searchResultCount)
	if err != nil {
		logger.Warn("verification search failed", "error", err)
		return unverified()
	}
	if results == nil || len(results.Organic) == 0 {
		return models.Verification{Exists: false, Info: infoNotFound, Confidence: models.ConfidenceLow, ReleaseStatus: models.ReleaseUnknown}
	}

	raw, err := v.llm.Complete(ctx, analystSystem, v.prompt(product, BuildContext(results)))
	if err != nil {
		logger.Warn("verification analysis failed", "error", err)
		return unverified()
	}
	verdict, err := ParseVerdict(raw)
	if err != nil {
		logger.Warn("verification verdict unreadable", "error", err, "raw", raw)
		return unverified()
	}
	logger.Info("product verified",
		"exists", verdict.Exists,
		"confidence", verdict.Confidence,
		"release_status", verdict.ReleaseStatus,
		"provider", results.Provider,
	)
	return verdict
}

func unverified() models.Verification {
	return models.Verification{Exists: true, Info: infoUnverified, Confidence: models.ConfidenceLow, ReleaseStatus: models.ReleaseUnknown}
}

// BuildContext renders search hits as numbered title/snippet pairs with the
// knowledge panel first, capped at maxContextChars.
func BuildContext(results *models.WebResults) string {
	if results == nil {
		return ""
	}
	parts := make([]string, 0, len(results.Organic)+1)
	if kg := results.Knowledge; kg != nil && (kg.Title != "" || kg.Description != "") {
		parts = append(parts, fmt.Sprintf("Knowledge Graph:\n%s\n%s", kg.Title, kg.Description))
	}
	for i, r := range results.Organic {
		if i >= searchResultCount {
			break
		}
		parts = append(parts, fmt.Sprintf("%d. %s\n   %s", i+1, r.Title, r.Snippet))
	}
	out := strings.Join(parts, "\n\n")
	if runes := []rune(out); len(runes) > maxContextChars {
		out = string(runes[:maxContextChars])
	}
	return out
}

func (v *Verifier) prompt(product, searchContext string) string {
	date := v.now().Format("January 02, 2006")
	return fmt.Sprintf(`Today's date is %[1]s.

You are a research agent analyzing web search results to verify if a product is CURRENTLY AVAILABLE for purchase.

Product being researched: %[2]s

Web search results:
%[3]s

IMPORTANT RULES:
1. A product "exists" ONLY if it has been officially RELEASED and is currently available for purchase
2. If a product is "rumored", "expected", "upcoming", or has a future release date, it does NOT exist yet
3. If the release date is in the future (after %[1]s), mark exists=false
4. If the product was released in the past or present, mark exists=true

Based on these search results, provide a JSON response with:
1. "exists": true/false - Is this product CURRENTLY available for purchase (not just announced)?
2. "info": A brief 1-2 sentence summary. If it doesn't exist yet, mention when it's expected.
3. "confidence": "high"/"medium"/"low" - How confident are you in this assessment?
4. "release_status": "available"/"upcoming"/"rumored"/"unknown" - Current status of the product

Respond ONLY with valid JSON, no other text.
`, date, product, searchContext)
}

type verdictJSON struct {
	Exists        *bool  `json:"exists"`
	Info          string `json:"info"`
	Confidence    string `json:"confidence"`
	ReleaseStatus string `json:"release_status"`
}

// ParseVerdict decodes the model's JSON answer, tolerating markdown fences.
// Unknown enum values degrade to low confidence and unknown status.
func ParseVerdict(raw string) (models.Verification, error) {
	text := stripFences(strings.TrimSpace(raw))
	var decoded verdictJSON
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return models.Verification{}, fmt.Errorf("decode verdict: %w", err)
	}
	if decoded.Exists == nil {
		return models.Verification{}, fmt.Errorf("verdict missing exists field")
	}

	out := models.Verification{
		Exists:        *decoded.Exists,
		Info:          strings.TrimSpace(decoded.Info),
		Confidence:    models.ConfidenceLow,
		ReleaseStatus: models.ReleaseUnknown,
	}
	switch c := models.Confidence(strings.ToLower(strings.TrimSpace(decoded.Confidence))); c {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
		out.Confidence = c
	}
	switch s := models.ReleaseStatus(strings.ToLower(strings.TrimSpace(decoded.ReleaseStatus))); s {
	case models.ReleaseAvailable, models.ReleaseUpcoming, models.ReleaseRumored, models.ReleaseUnknown:
		out.ReleaseStatus = s
	}
	return out, nil
}

func stripFences(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	return text
}
