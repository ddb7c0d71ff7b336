package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"dealscout/internal/redis"
	"dealscout/internal/service/ai"
	"dealscout/internal/service/marketplace"
	"dealscout/internal/service/memory"
	"dealscout/internal/service/research"
	"dealscout/internal/storage"
)

const defaultProvider = "openai"

// openDatabase opens and migrates the configured database.
func openDatabase() (*sql.DB, error) {
	driver := cfg.BasicConfig.Database
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// openCache connects to redis when enabled. The app runs without a cache if
// redis is unreachable.
func openCache() *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		slog.Warn("redis unavailable, continuing without cache", "error", err)
		return nil
	}
	return client
}

func providerName() string {
	if cfg.Assistant.Provider != "" {
		return cfg.Assistant.Provider
	}
	return defaultProvider
}

// newAssistant builds the chat assistant from the configured provider.
func newAssistant(ctx context.Context) (*ai.Service, error) {
	provider := providerName()
	chatModel, err := ai.NewChatModel(ctx, provider, cfg.Providers[provider], cfg.Assistant.Model)
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return ai.NewService(chatModel, cfg.Assistant.StructuredOutput)
}

// newVerifier builds the release check. It reuses chat when no separate
// verification model is configured, and returns nil when no web search
// provider is available.
func newVerifier(ctx context.Context, chat *ai.Service) (*research.Verifier, error) {
	web, err := ai.NewWebSearch(ctx, cfg.WebSearch)
	if err != nil {
		slog.Warn("release verification disabled", "error", err)
		return nil, nil
	}
	llm := chat
	if cfg.Assistant.VerifyModel != "" {
		provider := providerName()
		verifyModel, err := ai.NewChatModel(ctx, provider, cfg.Providers[provider], cfg.Assistant.VerifyModel)
		if err != nil {
			return nil, fmt.Errorf("init verification model: %w", err)
		}
		if llm, err = ai.NewService(verifyModel, false); err != nil {
			return nil, err
		}
	}
	return research.NewVerifier(web, llm, cfg.BasicConfig.VerifyTimeoutDuration()), nil
}

// newSearchers returns every marketplace with credentials configured.
func newSearchers() ([]marketplace.Searcher, error) {
	var searchers []marketplace.Searcher
	ebay, err := marketplace.NewEbaySearcher(cfg.Marketplaces.Ebay)
	switch {
	case err == nil:
		searchers = append(searchers, ebay)
	case errors.Is(err, marketplace.ErrNotConfigured):
		slog.Warn("ebay search disabled", "error", err)
	default:
		return nil, err
	}
	amazon, err := marketplace.NewRainforestSearcher(cfg.Marketplaces.Rainforest)
	switch {
	case err == nil:
		searchers = append(searchers, amazon)
	case errors.Is(err, marketplace.ErrNotConfigured):
		slog.Warn("amazon search disabled", "error", err)
	default:
		return nil, err
	}
	if len(searchers) == 0 {
		return nil, errors.New("no marketplace configured: set eBay or Rainforest credentials")
	}
	return searchers, nil
}

// newMemory returns the retrieval memory, or nil when it is disabled.
func newMemory(db *sql.DB) (*memory.Store, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	embedder, err := memory.NewEmbedder(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return memory.NewStore(db, embedder), nil
}
