package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"dealscout/internal/config"
	"dealscout/internal/models"
)

const (
	defaultEbayBaseURL       = "https://api.ebay.com"
	defaultEbayTokenURL      = "https://api.ebay.com/identity/v1/oauth2/token"
	defaultEbayMarketplaceID = "EBAY_US"
	ebayScope                = "https://api.ebay.com/oauth/api_scope"
	ebaySearchPath           = "/buy/browse/v1/item_summary/search"
	ebayMaxLimit             = 200
)

// EbaySearcher calls the eBay Browse API with an application token obtained
// through the client-credentials grant. The token is cached and refreshed
// by the oauth2 transport.
type EbaySearcher struct {
	baseURL       string
	marketplaceID string
	client        *http.Client
}

func NewEbaySearcher(cfg config.EbayConfig) (*EbaySearcher, error) {
	return newEbaySearcher(cfg, &http.Client{Timeout: defaultHTTPTimeout})
}

func newEbaySearcher(cfg config.EbayConfig, base *http.Client) (*EbaySearcher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("ebay: %w", ErrNotConfigured)
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultEbayTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{ebayScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(tokenCtx)
	client.Timeout = base.Timeout

	s := &EbaySearcher{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		marketplaceID: cfg.MarketplaceID,
		client:        client,
	}
	if s.baseURL == "" {
		s.baseURL = defaultEbayBaseURL
	}
	if s.marketplaceID == "" {
		s.marketplaceID = defaultEbayMarketplaceID
	}
	return s, nil
}

func (s *EbaySearcher) Name() string  { return "ebay" }
func (s *EbaySearcher) Label() string { return "eBay" }

type ebaySearchResponse struct {
	Total         int `json:"total"`
	ItemSummaries []struct {
		Title string `json:"title"`
		Price *struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"price"`
		Condition  string `json:"condition"`
		ItemWebURL string `json:"itemWebUrl"`
		Image      *struct {
			ImageURL string `json:"imageUrl"`
		} `json:"image"`
	} `json:"itemSummaries"`
}

func (s *EbaySearcher) Search(ctx context.Context, query string, limit int) ([]models.Product, error) {
	limit = min(max(limit, 1), ebayMaxLimit)
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+ebaySearchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", s.marketplaceID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ebay search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "ebay search")
	}

	var decoded ebaySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode ebay response: %w", err)
	}
	items := make([]models.Product, 0, len(decoded.ItemSummaries))
	for _, it := range decoded.ItemSummaries {
		if len(items) >= limit {
			break
		}
		p := models.Product{
			Title:     it.Title,
			Price:     "N/A",
			Condition: it.Condition,
			URL:       it.ItemWebURL,
		}
		if it.Price != nil && it.Price.Value != "" {
			p.Price = strings.TrimSpace(it.Price.Value + " " + it.Price.Currency)
		}
		if it.Image != nil {
			p.ImageURL = it.Image.ImageURL
		}
		items = append(items, p)
	}
	return items, nil
}
