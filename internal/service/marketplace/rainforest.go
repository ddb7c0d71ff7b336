package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"dealscout/internal/config"
	"dealscout/internal/models"
)

const (
	defaultRainforestURL = "https://api.rainforestapi.com/request"
	defaultAmazonDomain  = "amazon.com"
)

// RainforestSearcher searches Amazon through the Rainforest API.
type RainforestSearcher struct {
	apiKey       string
	baseURL      string
	amazonDomain string
	client       *http.Client
}

func NewRainforestSearcher(cfg config.RainforestConfig) (*RainforestSearcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rainforest: %w", ErrNotConfigured)
	}
	s := &RainforestSearcher{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		amazonDomain: cfg.AmazonDomain,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
	}
	if s.baseURL == "" {
		s.baseURL = defaultRainforestURL
	}
	if s.amazonDomain == "" {
		s.amazonDomain = defaultAmazonDomain
	}
	return s, nil
}

func (s *RainforestSearcher) Name() string  { return "amazon" }
func (s *RainforestSearcher) Label() string { return "Amazon" }

type rainforestResponse struct {
	SearchResults []struct {
		Title string `json:"title"`
		Price *struct {
			Raw string `json:"raw"`
		} `json:"price"`
		Rating       *float64 `json:"rating"`
		RatingsTotal *int     `json:"ratings_total"`
		Link         string   `json:"link"`
		Image        string   `json:"image"`
	} `json:"search_results"`
}

func (s *RainforestSearcher) Search(ctx context.Context, query string, limit int) ([]models.Product, error) {
	params := url.Values{}
	params.Set("api_key", s.apiKey)
	params.Set("type", "search")
	params.Set("amazon_domain", s.amazonDomain)
	params.Set("search_term", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which carries the api key.
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return nil, fmt.Errorf("rainforest search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "rainforest search")
	}

	var decoded rainforestResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rainforest response: %w", err)
	}
	items := make([]models.Product, 0, min(len(decoded.SearchResults), max(limit, 0)))
	for _, it := range decoded.SearchResults {
		if limit > 0 && len(items) >= limit {
			break
		}
		p := models.Product{
			Title:    it.Title,
			Price:    "N/A",
			Rating:   formatRating(it.Rating, it.RatingsTotal),
			URL:      it.Link,
			ImageURL: it.Image,
		}
		if it.Price != nil && it.Price.Raw != "" {
			p.Price = it.Price.Raw
		}
		items = append(items, p)
	}
	return items, nil
}

func formatRating(rating *float64, total *int) string {
	if rating == nil {
		return ""
	}
	reviews := 0
	if total != nil {
		reviews = *total
	}
	return strconv.FormatFloat(*rating, 'f', -1, 64) + " stars (" + strconv.Itoa(reviews) + " reviews)"
}
