package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases    map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis        RedisConfig               `json:"redis" yaml:"redis"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Assistant    AssistantConfig           `json:"assistant" yaml:"assistant"`
	Marketplaces MarketplacesConfig        `json:"marketplaces" yaml:"marketplaces"`
	WebSearch    WebSearchConfig           `json:"web_search" yaml:"web_search"`
	Memory       MemoryConfig              `json:"memory" yaml:"memory"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	Database          string `json:"database" yaml:"database"`
	LogLevel          string `json:"log_level" yaml:"log_level"`
	LogFile           string `json:"log_file" yaml:"log_file"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	TokenTTL          int    `json:"token_ttl" yaml:"token_ttl"`                     // hours
	LLMTimeout        int    `json:"llm_timeout" yaml:"llm_timeout"`                 // seconds
	VerifyTimeout     int    `json:"verify_timeout" yaml:"verify_timeout"`           // seconds
	SearchTimeout     int    `json:"search_timeout" yaml:"search_timeout"`           // seconds
	ResultLimit       int    `json:"result_limit" yaml:"result_limit"`
	HistoryCacheTTL   int    `json:"history_cache_ttl" yaml:"history_cache_ttl"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AssistantConfig selects the chat model driving the conversation.
type AssistantConfig struct {
	Provider         string `json:"provider" yaml:"provider"`
	Model            string `json:"model" yaml:"model"`
	VerifyModel      string `json:"verify_model" yaml:"verify_model"`
	StructuredOutput bool   `json:"structured_output" yaml:"structured_output"`
}

type MarketplacesConfig struct {
	Ebay       EbayConfig       `json:"ebay" yaml:"ebay"`
	Rainforest RainforestConfig `json:"rainforest" yaml:"rainforest"`
}

type EbayConfig struct {
	ClientID      string `json:"client_id" yaml:"client_id"`
	ClientSecret  string `json:"client_secret" yaml:"client_secret"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	TokenURL      string `json:"token_url" yaml:"token_url"`
	MarketplaceID string `json:"marketplace_id" yaml:"marketplace_id"`
}

type RainforestConfig struct {
	APIKey       string `json:"api_key" yaml:"api_key"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
	AmazonDomain string `json:"amazon_domain" yaml:"amazon_domain"`
}

type WebSearchConfig struct {
	SerperAPIKey         string `json:"serper_api_key" yaml:"serper_api_key"`
	SerperURL            string `json:"serper_url" yaml:"serper_url"`
	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id"`
	DisableDuckDuckGo    bool   `json:"disable_duckduckgo" yaml:"disable_duckduckgo"`
}

// MemoryConfig controls the retrieval memory built from past turns.
type MemoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	EmbedProvider string `json:"embed_provider" yaml:"embed_provider"`
	EmbedModel    string `json:"embed_model" yaml:"embed_model"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	OllamaHost    string `json:"ollama_host" yaml:"ollama_host"`
	TopK          int    `json:"top_k" yaml:"top_k"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if cfg.BasicConfig.Database == "" {
		cfg.BasicConfig.Database = "sqlite3"
	}
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	cfg.ApplyEnv()
	return &cfg, nil
}

// ApplyEnv overlays secrets from the environment onto the loaded config.
func (c *Config) ApplyEnv() {
	setFromEnv(&c.Marketplaces.Ebay.ClientID, "EBAY_CLIENT_ID")
	setFromEnv(&c.Marketplaces.Ebay.ClientSecret, "EBAY_CLIENT_SECRET")
	setFromEnv(&c.Marketplaces.Rainforest.APIKey, "RAINFOREST_API_KEY")
	setFromEnv(&c.WebSearch.SerperAPIKey, "SERPER_API_KEY")
	setFromEnv(&c.WebSearch.GoogleAPIKey, "GOOGLE_API_KEY")
	setFromEnv(&c.WebSearch.GoogleSearchEngineID, "GOOGLE_SEARCH_ENGINE_ID")
	setFromEnv(&c.Memory.APIKey, "OPENAI_API_KEY")

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range map[string]string{
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"gemini":     "GEMINI_API_KEY",
		"claude":     "ANTHROPIC_API_KEY",
	} {
		p, ok := c.Providers[name]
		if !ok {
			continue
		}
		setFromEnv(&p.APIKey, env)
		c.Providers[name] = p
	}
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Duration helpers with defaults applied.

func (b BasicConfig) LLMTimeoutDuration() time.Duration {
	return secondsOr(b.LLMTimeout, 60)
}

func (b BasicConfig) VerifyTimeoutDuration() time.Duration {
	return secondsOr(b.VerifyTimeout, 30)
}

func (b BasicConfig) SearchTimeoutDuration() time.Duration {
	return secondsOr(b.SearchTimeout, 20)
}

func (b BasicConfig) TokenTTLDuration() time.Duration {
	if b.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.TokenTTL) * time.Hour
}

func (b BasicConfig) HistoryCacheTTLDuration() time.Duration {
	if b.HistoryCacheTTL <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(b.HistoryCacheTTL) * time.Minute
}

func (b BasicConfig) ResultLimitOrDefault() int {
	if b.ResultLimit <= 0 {
		return 4
	}
	return b.ResultLimit
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
