package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"golang.org/x/time/rate"

	"dealscout/internal/config"
	"dealscout/internal/models"
	"dealscout/internal/observability"
)

const (
	defaultSerperURL     = "https://google.serper.dev/search"
	WebSearchHTTPTimeout = 10 * time.Second
	duckDuckGoRateLimit  = 20
	duckDuckGoRateWindow = time.Minute
)

var ErrNoSearchProvider = errors.New("no web search provider succeeded")

// WebSearch queries the configured providers in order and returns the first
// non-empty answer.
type WebSearch struct {
	serperKey  string
	serperURL  string
	httpClient *http.Client
	google     tool.InvokableTool
	duck       tool.InvokableTool
	duckLimit  *rate.Limiter
}

// NewWebSearch builds the provider chain: Serper, Google, DuckDuckGo.
func NewWebSearch(ctx context.Context, cfg config.WebSearchConfig) (*WebSearch, error) {
	ws := &WebSearch{
		serperKey:  cfg.SerperAPIKey,
		serperURL:  cfg.SerperURL,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}
	if ws.serperURL == "" {
		ws.serperURL = defaultSerperURL
	}

	if cfg.GoogleAPIKey != "" && cfg.GoogleSearchEngineID != "" {
		googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleSearchEngineID,
			Lang:           "en",
			Num:            5,
		})
		if err != nil {
			return nil, fmt.Errorf("init google search: %w", err)
		}
		ws.google = googleTool
	}

	if !cfg.DisableDuckDuckGo {
		duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
			ToolName:   "web_search_ddg",
			ToolDesc:   "DuckDuckGo Search Tool (no token required)",
			MaxResults: 5,
			Region:     duckduckgo.RegionWT,
			Timeout:    WebSearchHTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init duckduckgo search: %w", err)
		}
		ws.duck = duckTool
		ws.duckLimit = rate.NewLimiter(rate.Every(duckDuckGoRateWindow/duckDuckGoRateLimit), duckDuckGoRateLimit)
	}

	if ws.serperKey == "" && ws.google == nil && ws.duck == nil {
		return nil, errors.New("web search disabled: no providers configured")
	}
	return ws, nil
}

// Search runs query against each provider until one returns organic results.
func (w *WebSearch) Search(ctx context.Context, query string, num int) (*models.WebResults, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query must not be empty")
	}
	if num <= 0 {
		num = 5
	}
	logger := observability.LoggerFromContext(ctx)

	// an empty answer from a reachable provider beats ErrNoSearchProvider.
	var empty *models.WebResults
	if w.serperKey != "" {
		res, err := w.serper(ctx, query, num)
		switch {
		case err != nil:
			logger.Warn("serper search failed", "error", err)
		case len(res.Organic) > 0:
			return res, nil
		default:
			empty = res
		}
	}
	if w.google != nil {
		res, err := runSearchTool(ctx, w.google, query, num, "google")
		switch {
		case err != nil:
			logger.Warn("google search failed", "error", err)
		case len(res.Organic) > 0:
			return res, nil
		default:
			empty = res
		}
	}
	if w.duck != nil {
		if !w.duckLimit.Allow() {
			logger.Warn("duckduckgo search rate limited")
		} else {
			res, err := runSearchTool(ctx, w.duck, query, num, "duckduckgo")
			switch {
			case err != nil:
				logger.Warn("duckduckgo search failed", "error", err)
			case len(res.Organic) > 0:
				return res, nil
			default:
				empty = res
			}
		}
	}
	if empty != nil {
		return empty, nil
	}
	return nil, ErrNoSearchProvider
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"organic"`
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"knowledgeGraph"`
}

func (w *WebSearch) serper(ctx context.Context, query string, num int) (*models.WebResults, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: num})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serperURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", w.serperKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("serper: %s", resp.Status)
	}

	var decoded serperResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}
	out := &models.WebResults{Provider: "serper"}
	for _, item := range decoded.Organic {
		out.Organic = append(out.Organic, models.WebResult{Title: item.Title, Snippet: item.Snippet, Link: item.Link})
	}
	if kg := decoded.KnowledgeGraph; kg != nil && (kg.Title != "" || kg.Description != "") {
		out.Knowledge = &models.KnowledgePanel{Title: kg.Title, Description: kg.Description}
	}
	return out, nil
}

// toolSearchResponse covers both the google ("items") and duckduckgo
// ("results") tool outputs.
type toolSearchResponse struct {
	Items   []toolSearchItem `json:"items"`
	Results []toolSearchItem `json:"results"`
}

type toolSearchItem struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Summary string `json:"summary"`
	Desc    string `json:"desc"`
	Link    string `json:"link"`
	URL     string `json:"url"`
}

func runSearchTool(ctx context.Context, t tool.InvokableTool, query string, num int, provider string) (*models.WebResults, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "num": num})
	if err != nil {
		return nil, fmt.Errorf("marshal search params: %w", err)
	}
	raw, err := t.InvokableRun(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	return parseToolOutput(raw, num, provider)
}

func parseToolOutput(raw string, num int, provider string) (*models.WebResults, error) {
	var decoded toolSearchResponse
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", provider, err)
	}
	items := append(decoded.Items, decoded.Results...)
	out := &models.WebResults{Provider: provider}
	for _, item := range items {
		if num > 0 && len(out.Organic) >= num {
			break
		}
		snippet := firstNonEmpty(item.Snippet, item.Summary, item.Desc)
		out.Organic = append(out.Organic, models.WebResult{
			Title:   item.Title,
			Snippet: snippet,
			Link:    firstNonEmpty(item.Link, item.URL),
		})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
