package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	ConnectionIdleTimeout time.Duration
	MetricsNamespace      string
	ServiceName           string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	AuthJWTSecret     string
	AuthCredentialTTL time.Duration
	AuthCookieName    string
	AuthCookieSecure  bool

	DatabaseURL        string
	MemoryIndexBackend string
	MemoryPersistPath  string
	MemoryEmbeddingDim int

	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingBaseURL   string
	EmbeddingCacheSize int
	OpenAIAPIKey       string

	GenerationProvider  string
	GenerationHTTPURL   string
	GenerationMaxTokens int
	AnthropicAPIKey     string
	AnthropicModel      string

	TurnHistoryLimit    int
	TurnMemoryTopK      int
	TurnEmbedTimeout    time.Duration
	TurnGenerateTimeout time.Duration
	TurnStoreTimeout    time.Duration

	IndexQueueSize int
	IndexWorkers   int

	TracingEndpoint string
}

// fileConfig is the optional YAML overlay. Only keys present in the file
// override defaults; environment variables still win.
type fileConfig struct {
	BindAddr              string   `yaml:"bind_addr"`
	ShutdownTimeout       string   `yaml:"shutdown_timeout"`
	ConnectionIdleTimeout string   `yaml:"connection_idle_timeout"`
	MetricsNamespace      string   `yaml:"metrics_namespace"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	LogLevel              string   `yaml:"log_level"`
	LogFormat             string   `yaml:"log_format"`
	DatabaseURL           string   `yaml:"database_url"`
	MemoryIndexBackend    string   `yaml:"memory_index_backend"`
	MemoryPersistPath     string   `yaml:"memory_persist_path"`
	MemoryEmbeddingDim    int      `yaml:"memory_embedding_dim"`
	EmbeddingProvider     string   `yaml:"embedding_provider"`
	EmbeddingModel        string   `yaml:"embedding_model"`
	EmbeddingBaseURL      string   `yaml:"embedding_base_url"`
	GenerationProvider    string   `yaml:"generation_provider"`
	GenerationHTTPURL     string   `yaml:"generation_http_url"`
	AnthropicModel        string   `yaml:"anthropic_model"`
	TurnHistoryLimit      int      `yaml:"turn_history_limit"`
	TurnMemoryTopK        int      `yaml:"turn_memory_top_k"`
	TurnEmbedTimeout      string   `yaml:"turn_embed_timeout"`
	TurnGenerateTimeout   string   `yaml:"turn_generate_timeout"`
	TurnStoreTimeout      string   `yaml:"turn_store_timeout"`
	IndexQueueSize        int      `yaml:"index_queue_size"`
	IndexWorkers          int      `yaml:"index_workers"`
	TracingEndpoint       string   `yaml:"tracing_endpoint"`
}

func defaults() Config {
	return Config{
		BindAddr:              ":3000",
		ShutdownTimeout:       15 * time.Second,
		ConnectionIdleTimeout: 30 * time.Minute,
		MetricsNamespace:      "synapse",
		ServiceName:           "synapse",
		LogLevel:              "info",
		LogFormat:             "json",
		AuthCredentialTTL:     24 * time.Hour,
		AuthCookieName:        "token",
		MemoryIndexBackend:    "auto",
		// Zero takes the native size of the selected embedding model.
		MemoryEmbeddingDim:  0,
		EmbeddingProvider:   "auto",
		EmbeddingModel:      "nomic-embed-text",
		EmbeddingCacheSize:  4096,
		GenerationProvider:  "auto",
		GenerationMaxTokens: 2048,
		AnthropicModel:      "claude-sonnet-4-20250514",
		TurnHistoryLimit:    10,
		TurnMemoryTopK:      3,
		TurnEmbedTimeout:    10 * time.Second,
		TurnGenerateTimeout: 60 * time.Second,
		TurnStoreTimeout:    5 * time.Second,
		IndexQueueSize:      256,
		IndexWorkers:        2,
	}
}

// Load reads the optional config file and environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.ServiceName = envOrDefault("APP_SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.AuthJWTSecret = envOrDefault("AUTH_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.AuthCookieName = envOrDefault("AUTH_COOKIE_NAME", cfg.AuthCookieName)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MemoryIndexBackend = envOrDefault("MEMORY_INDEX_BACKEND", cfg.MemoryIndexBackend)
	cfg.MemoryPersistPath = envOrDefault("MEMORY_PERSIST_PATH", cfg.MemoryPersistPath)
	cfg.EmbeddingProvider = envOrDefault("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.EmbeddingModel = envOrDefault("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingBaseURL = envOrDefault("EMBEDDING_BASE_URL", cfg.EmbeddingBaseURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.GenerationProvider = envOrDefault("GENERATION_PROVIDER", cfg.GenerationProvider)
	cfg.GenerationHTTPURL = envOrDefault("GENERATION_HTTP_URL", cfg.GenerationHTTPURL)
	cfg.AnthropicAPIKey = envOrDefault("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envOrDefault("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.TracingEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.TracingEndpoint)
	if origins := stringsTrimSpace("APP_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConnectionIdleTimeout, err = durationFromEnv("APP_CONNECTION_IDLE_TIMEOUT", cfg.ConnectionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AuthCredentialTTL, err = durationFromEnv("AUTH_CREDENTIAL_TTL", cfg.AuthCredentialTTL); err != nil {
		return Config{}, err
	}
	if cfg.TurnEmbedTimeout, err = durationFromEnv("TURN_EMBED_TIMEOUT", cfg.TurnEmbedTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TurnGenerateTimeout, err = durationFromEnv("TURN_GENERATE_TIMEOUT", cfg.TurnGenerateTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TurnStoreTimeout, err = durationFromEnv("TURN_STORE_TIMEOUT", cfg.TurnStoreTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingCacheSize, err = intFromEnv("EMBEDDING_CACHE_SIZE", cfg.EmbeddingCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.GenerationMaxTokens, err = intFromEnv("GENERATION_MAX_TOKENS", cfg.GenerationMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.TurnHistoryLimit, err = intFromEnv("TURN_HISTORY_LIMIT", cfg.TurnHistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.TurnMemoryTopK, err = intFromEnv("TURN_MEMORY_TOP_K", cfg.TurnMemoryTopK); err != nil {
		return Config{}, err
	}
	if cfg.IndexQueueSize, err = intFromEnv("INDEX_QUEUE_SIZE", cfg.IndexQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.IndexWorkers, err = intFromEnv("INDEX_WORKERS", cfg.IndexWorkers); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.AuthCookieSecure, err = boolFromEnv("AUTH_COOKIE_SECURE", cfg.AuthCookieSecure); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AuthJWTSecret) == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.ConnectionIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_CONNECTION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.AuthCredentialTTL <= 0 {
		return fmt.Errorf("AUTH_CREDENTIAL_TTL must be positive")
	}
	if c.MemoryEmbeddingDim < 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must not be negative")
	}
	if c.TurnHistoryLimit <= 0 {
		return fmt.Errorf("TURN_HISTORY_LIMIT must be positive")
	}
	if c.TurnMemoryTopK <= 0 {
		return fmt.Errorf("TURN_MEMORY_TOP_K must be positive")
	}
	if c.TurnEmbedTimeout <= 0 || c.TurnGenerateTimeout <= 0 || c.TurnStoreTimeout <= 0 {
		return fmt.Errorf("turn timeouts must be positive")
	}
	if c.IndexQueueSize <= 0 {
		return fmt.Errorf("INDEX_QUEUE_SIZE must be positive")
	}
	if c.IndexWorkers <= 0 {
		return fmt.Errorf("INDEX_WORKERS must be positive")
	}
	if c.GenerationMaxTokens <= 0 {
		return fmt.Errorf("GENERATION_MAX_TOKENS must be positive")
	}
	if c.EmbeddingCacheSize < 0 {
		return fmt.Errorf("EMBEDDING_CACHE_SIZE must be >= 0")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.MemoryIndexBackend, fc.MemoryIndexBackend)
	setString(&cfg.MemoryPersistPath, fc.MemoryPersistPath)
	setString(&cfg.EmbeddingProvider, fc.EmbeddingProvider)
	setString(&cfg.EmbeddingModel, fc.EmbeddingModel)
	setString(&cfg.EmbeddingBaseURL, fc.EmbeddingBaseURL)
	setString(&cfg.GenerationProvider, fc.GenerationProvider)
	setString(&cfg.GenerationHTTPURL, fc.GenerationHTTPURL)
	setString(&cfg.AnthropicModel, fc.AnthropicModel)
	setString(&cfg.TracingEndpoint, fc.TracingEndpoint)
	setInt(&cfg.MemoryEmbeddingDim, fc.MemoryEmbeddingDim)
	setInt(&cfg.TurnHistoryLimit, fc.TurnHistoryLimit)
	setInt(&cfg.TurnMemoryTopK, fc.TurnMemoryTopK)
	setInt(&cfg.IndexQueueSize, fc.IndexQueueSize)
	setInt(&cfg.IndexWorkers, fc.IndexWorkers)
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"connection_idle_timeout", fc.ConnectionIdleTimeout, &cfg.ConnectionIdleTimeout},
		{"turn_embed_timeout", fc.TurnEmbedTimeout, &cfg.TurnEmbedTimeout},
		{"turn_generate_timeout", fc.TurnGenerateTimeout, &cfg.TurnGenerateTimeout},
		{"turn_store_timeout", fc.TurnStoreTimeout, &cfg.TurnStoreTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %s parse error: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
