package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"dealscout/internal/config"
	"dealscout/internal/models"
)

func newEbayServer(t *testing.T, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != ebayScope {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":7200}`))
	})
	mux.HandleFunc(ebaySearchPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-EBAY-C-MARKETPLACE-ID") != "EBAY_US" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("q") == "nothing" {
			w.Write([]byte(`{"total":0}`))
			return
		}
		w.Write([]byte(`{"total":3,"itemSummaries":[
			{"title":"iPhone 13 128GB","price":{"value":"350.00","currency":"USD"},"condition":"Used","itemWebUrl":"https://ebay/1","image":{"imageUrl":"https://img/1"}},
			{"title":"iPhone 13 Blue","condition":"Used","itemWebUrl":"https://ebay/2"},
			{"title":"extra","itemWebUrl":"https://ebay/3"}
		]}`))
	})
	return httptest.NewServer(mux)
}

func TestEbaySearch(t *testing.T) {
	var tokenCalls int32
	srv := newEbayServer(t, &tokenCalls)
	defer srv.Close()

	s, err := newEbaySearcher(config.EbayConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/identity/v1/oauth2/token",
	}, srv.Client())
	if err != nil {
		t.Fatalf("newEbaySearcher: %v", err)
	}

	items, err := s.Search(context.Background(), "iPhone 13 128GB used", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Price != "350.00 USD" || items[0].Condition != "Used" || items[0].ImageURL != "https://img/1" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[1].Price != "N/A" || items[1].ImageURL != "" {
		t.Fatalf("missing fields not defaulted: %+v", items[1])
	}

	empty, err := s.Search(context.Background(), "nothing", 2)
	if err != nil {
		t.Fatalf("empty search: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token should be cached, fetched %d times", n)
	}
}

func TestEbayAuthFailureIsError(t *testing.T) {
	var tokenCalls int32
	srv := newEbayServer(t, &tokenCalls)
	defer srv.Close()

	s, err := newEbaySearcher(config.EbayConfig{
		ClientID:     "id",
		ClientSecret: "wrong",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/identity/v1/oauth2/token",
	}, srv.Client())
	if err != nil {
		t.Fatalf("newEbaySearcher: %v", err)
	}
	if _, err := s.Search(context.Background(), "anything", 2); err == nil {
		t.Fatalf("expected auth error")
	}
}

func TestEbayRequiresCredentials(t *testing.T) {
	if _, err := NewEbaySearcher(config.EbayConfig{ClientID: "id"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRainforestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("api_key") != "rf" || q.Get("type") != "search" || q.Get("amazon_domain") != "amazon.com" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if q.Get("search_term") == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("upstream exploded"))
			return
		}
		w.Write([]byte(`{"search_results":[
			{"title":"Apple iPhone 13","price":{"raw":"$389.99"},"rating":4.5,"ratings_total":1200,"link":"https://amzn/1","image":"https://img/a1"},
			{"title":"No price","link":"https://amzn/2"},
			{"title":"Third","rating":4,"link":"https://amzn/3"}
		]}`))
	}))
	defer srv.Close()

	s, err := NewRainforestSearcher(config.RainforestConfig{APIKey: "rf", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewRainforestSearcher: %v", err)
	}
	items, err := s.Search(context.Background(), "iPhone 13", 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Price != "$389.99" || items[0].Rating != "4.5 stars (1200 reviews)" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[1].Price != "N/A" || items[1].Rating != "" {
		t.Fatalf("unexpected second item %+v", items[1])
	}
	if items[2].Rating != "4 stars (0 reviews)" {
		t.Fatalf("unexpected rating %q", items[2].Rating)
	}

	_, err = s.Search(context.Background(), "boom", 4)
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("expected status error with body, got %v", err)
	}
	if strings.Contains(err.Error(), "api_key=rf") {
		t.Fatalf("error leaks api key: %v", err)
	}
}

type stubSearcher struct {
	name  string
	items []models.Product
	err   error
}

func (s *stubSearcher) Name() string  { return s.name }
func (s *stubSearcher) Label() string { return strings.ToUpper(s.name) }
func (s *stubSearcher) Search(ctx context.Context, query string, limit int) ([]models.Product, error) {
	return s.items, s.err
}

func TestSearchAllPartialFailure(t *testing.T) {
	searchers := []Searcher{
		&stubSearcher{name: "ebay", items: []models.Product{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}, {Title: "e"}}},
		&stubSearcher{name: "amazon", err: errors.New("down")},
	}
	got := SearchAll(context.Background(), searchers, "q", 4)
	if len(got["ebay"]) != 4 {
		t.Fatalf("expected ebay capped at 4, got %d", len(got["ebay"]))
	}
	if got["ebay"][0].Source != "ebay" {
		t.Fatalf("source not stamped: %+v", got["ebay"][0])
	}
	amazon, ok := got["amazon"]
	if !ok || amazon == nil || len(amazon) != 0 {
		t.Fatalf("failed source should be an empty list, got %#v", amazon)
	}
}

func TestLabels(t *testing.T) {
	a := &stubSearcher{name: "a"}
	b := &stubSearcher{name: "b"}
	c := &stubSearcher{name: "c"}
	if got := Labels([]Searcher{a, b}); got != "A and B" {
		t.Fatalf("unexpected %q", got)
	}
	if got := Labels([]Searcher{a, b, c}); got != "A, B and C" {
		t.Fatalf("unexpected %q", got)
	}
	if got := Labels([]Searcher{a}); got != "A" {
		t.Fatalf("unexpected %q", got)
	}
}
