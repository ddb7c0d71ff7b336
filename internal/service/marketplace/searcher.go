// Package marketplace adapts external product search APIs onto models.Product.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dealscout/internal/models"
	"dealscout/internal/observability"
)

const (
	DefaultLimit       = 4
	defaultHTTPTimeout = 20 * time.Second
	maxErrorBody       = 512
)

var ErrNotConfigured = errors.New("marketplace credentials not configured")

// Searcher queries one marketplace. An empty result is an empty slice; a
// failed upstream call is an error.
type Searcher interface {
	Name() string
	Label() string
	Search(ctx context.Context, query string, limit int) ([]models.Product, error)
}

// SearchAll fans query out to every searcher concurrently. A failing source
// contributes an empty list, so every searcher's name is present in the set.
func SearchAll(ctx context.Context, searchers []Searcher, query string, limit int) models.SearchResultSet {
	if limit <= 0 {
		limit = DefaultLimit
	}
	logger := observability.LoggerFromContext(ctx)
	lists := make([][]models.Product, len(searchers))

	// the group context is not used: one source failing must not cancel the rest.
	var g errgroup.Group
	for i, s := range searchers {
		g.Go(func() error {
			start := time.Now()
			items, err := s.Search(ctx, query, limit)
			if err != nil {
				logger.Warn("marketplace search failed", "source", s.Name(), "error", err)
				return nil
			}
			if len(items) > limit {
				items = items[:limit]
			}
			for j := range items {
				items[j].Source = s.Name()
			}
			lists[i] = items
			logger.Info("marketplace search completed", "source", s.Name(), "count", len(items), "duration_ms", time.Since(start).Milliseconds())
			return nil
		})
	}
	g.Wait()

	out := make(models.SearchResultSet, len(searchers))
	for i, s := range searchers {
		items := lists[i]
		if items == nil {
			items = []models.Product{}
		}
		out[s.Name()] = items
	}
	return out
}

// Labels joins the display names of searchers, e.g. "eBay and Amazon".
func Labels(searchers []Searcher) string {
	names := make([]string, 0, len(searchers))
	for _, s := range searchers {
		names = append(names, s.Label())
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

func statusError(resp *http.Response, source string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s: %s: %s", source, resp.Status, strings.TrimSpace(string(body)))
}
