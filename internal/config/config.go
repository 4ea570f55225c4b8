package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/policy"
)

// Provider is an OpenAI-compatible endpoint entry.
type Provider struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Config contains all runtime settings for the chat bot service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogPretty                bool
	AllowAnyOrigin           bool

	BotID string `yaml:"bot_id"`

	Model              string              `yaml:"model"`
	Providers          map[string]Provider `yaml:"providers"`
	SystemPrompt       string              `yaml:"system_prompt"`
	MaxText            int                 `yaml:"max_text"`
	MaxImages          int                 `yaml:"max_images"`
	MaxMessages        int                 `yaml:"max_messages"`
	UsePlainResponses  bool                `yaml:"use_plain_responses"`
	ExtraAPIParameters map[string]any      `yaml:"extra_api_parameters"`
	Permissions        policy.Permissions  `yaml:"permissions"`
	ConversationLock   bool                `yaml:"conversation_lock"`

	CompletionMode      string
	CompletionTimeout   time.Duration
	CompletionRetries   int
	AttachmentTimeout   time.Duration
	AttachmentCacheSize int

	CacheCapacity         int           `yaml:"cache_capacity"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	CacheStore            string        `yaml:"cache_store"`
	CacheSnapshotPath     string        `yaml:"cache_snapshot_path"`
	CacheAutosaveInterval time.Duration `yaml:"cache_autosave_interval"`
	DatabaseURL           string

	SurfaceMessageCapacity int
}

// Load reads the optional YAML file named by THREADBOT_CONFIG, then environment
// variables, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "threadbot"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		BotID:                    "threadbot",
		Model:                    "openai/gpt-4o",
		Providers: map[string]Provider{
			"openai": {BaseURL: "https://api.openai.com/v1"},
			"ollama": {BaseURL: "http://localhost:11434/v1"},
		},
		MaxText:                100000,
		MaxImages:              5,
		MaxMessages:            25,
		ConversationLock:       true,
		CompletionMode:         "openai",
		CompletionTimeout:      120 * time.Second,
		AttachmentTimeout:      15 * time.Second,
		AttachmentCacheSize:    256,
		CacheCapacity:          100,
		CacheTTL:               24 * time.Hour,
		CacheStore:             "auto",
		CacheSnapshotPath:      "msg_nodes.json",
		CacheAutosaveInterval:  5 * time.Minute,
		SurfaceMessageCapacity: 10000,
	}

	path := envOrDefault("THREADBOT_CONFIG", "config.yaml")
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}

	cfg.BotID = envOrDefault("BOT_ID", cfg.BotID)
	cfg.Model = envOrDefault("LLM_MODEL", cfg.Model)
	cfg.SystemPrompt = envOrDefault("LLM_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.CompletionMode = strings.ToLower(envOrDefault("LLM_COMPLETION_MODE", cfg.CompletionMode))
	cfg.CacheStore = strings.ToLower(envOrDefault("CACHE_STORE", cfg.CacheStore))
	cfg.CacheSnapshotPath = envOrDefault("CACHE_SNAPSHOT_PATH", cfg.CacheSnapshotPath)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	overrideProvider(&cfg)

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"LLM_TIMEOUT", &cfg.CompletionTimeout},
		{"ATTACHMENT_TIMEOUT", &cfg.AttachmentTimeout},
		{"CACHE_TTL", &cfg.CacheTTL},
		{"CACHE_AUTOSAVE_INTERVAL", &cfg.CacheAutosaveInterval},
	} {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"LLM_MAX_TEXT", &cfg.MaxText},
		{"LLM_MAX_IMAGES", &cfg.MaxImages},
		{"LLM_MAX_MESSAGES", &cfg.MaxMessages},
		{"LLM_RETRIES", &cfg.CompletionRetries},
		{"ATTACHMENT_CACHE_SIZE", &cfg.AttachmentCacheSize},
		{"CACHE_CAPACITY", &cfg.CacheCapacity},
		{"SURFACE_MESSAGE_CAPACITY", &cfg.SurfaceMessageCapacity},
	} {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"APP_LOG_PRETTY", &cfg.LogPretty},
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"LLM_USE_PLAIN_RESPONSES", &cfg.UsePlainResponses},
		{"CONVERSATION_LOCK", &cfg.ConversationLock},
	} {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects missing bounds and unresolvable models.
func (c Config) Validate() error {
	for _, b := range []struct {
		name string
		v    int
	}{
		{"max_text", c.MaxText},
		{"max_images", c.MaxImages},
		{"max_messages", c.MaxMessages},
		{"cache_capacity", c.CacheCapacity},
		{"attachment_cache_size", c.AttachmentCacheSize},
		{"surface_message_capacity", c.SurfaceMessageCapacity},
	} {
		if b.v <= 0 {
			return fmt.Errorf("%s must be positive", b.name)
		}
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache_ttl must be positive")
	}
	if c.CompletionRetries < 0 {
		return errors.New("LLM_RETRIES must be >= 0")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return errors.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if strings.TrimSpace(c.BotID) == "" {
		return errors.New("bot_id is required")
	}
	switch c.CacheStore {
	case "auto", "file", "bolt", "postgres":
	default:
		return fmt.Errorf("invalid CACHE_STORE: %q (expected auto|file|bolt|postgres)", c.CacheStore)
	}
	switch c.CompletionMode {
	case "openai", "mock":
	default:
		return fmt.Errorf("invalid LLM_COMPLETION_MODE: %q (expected openai|mock)", c.CompletionMode)
	}
	provider, _, err := splitModel(c.Model)
	if err != nil {
		return err
	}
	if _, ok := c.Providers[provider]; !ok && c.CompletionMode != "mock" {
		return fmt.Errorf("model %q names unknown provider %q", c.Model, provider)
	}
	return nil
}

// AIConfig builds the per-invocation completion configuration.
func (c Config) AIConfig() chat.AIConfig {
	provider, model, _ := splitModel(c.Model)
	p := c.Providers[provider]
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = "sk-no-key-required"
	}
	extra := make(map[string]any, len(c.ExtraAPIParameters))
	for k, v := range c.ExtraAPIParameters {
		extra[k] = v
	}
	return chat.AIConfig{
		Provider:     provider,
		Model:        model,
		BaseURL:      p.BaseURL,
		APIKey:       apiKey,
		SystemPrompt: c.SystemPrompt,
		MaxText:      c.MaxText,
		MaxImages:    c.MaxImages,
		MaxMessages:  c.MaxMessages,
		ExtraParams:  extra,
	}
}

func splitModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("model %q must be in provider/model form", model)
	}
	return provider, name, nil
}

// overrideProvider applies LLM_BASE_URL / LLM_API_KEY to the provider named by the model.
func overrideProvider(cfg *Config) {
	provider, _, err := splitModel(cfg.Model)
	if err != nil {
		return
	}
	baseURL := stringsTrimSpace("LLM_BASE_URL")
	apiKey := stringsTrimSpace("LLM_API_KEY")
	if baseURL == "" && apiKey == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]Provider)
	}
	p := cfg.Providers[provider]
	if baseURL != "" {
		p.BaseURL = baseURL
	}
	if apiKey != "" {
		p.APIKey = apiKey
	}
	cfg.Providers[provider] = p
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
