// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port     string
	LogLevel string

	PostgresDSN   string
	ClickHouseDSN string

	AuthCacheTTL     time.Duration
	ResolverCacheTTL time.Duration
	DevPermissions   []string

	SourcesFile string

	WebSearchEndpoint   string
	WebSearchAPIKey     string
	ImageSearchEndpoint string
	ImageSearchAPIKey   string
	SearchRPS           float64

	CompletionEndpoint string
	CompletionAPIKey   string
	CompletionModel    string

	KnowledgeTimeout  time.Duration
	EditorConcurrency int
	RetryBackoff      time.Duration
}

// Load reads the configuration from environment variables.
func Load() Config {
	return Config{
		Port:     envOrDefault("TOOL_RUNTIME_PORT", "50054"),
		LogLevel: envOrDefault("TOOL_RUNTIME_LOG_LEVEL", "info"),

		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),

		AuthCacheTTL:     time.Duration(envOrDefaultInt("TOOL_RUNTIME_AUTH_CACHE_TTL_S", 30)) * time.Second,
		ResolverCacheTTL: time.Duration(envOrDefaultInt("TOOL_RUNTIME_RESOLVER_CACHE_TTL_S", 60)) * time.Second,
		DevPermissions:   splitList(os.Getenv("TOOL_RUNTIME_DEV_PERMISSIONS")),

		SourcesFile: os.Getenv("TOOL_RUNTIME_SOURCES_FILE"),

		WebSearchEndpoint:   os.Getenv("WEB_SEARCH_ENDPOINT"),
		WebSearchAPIKey:     os.Getenv("WEB_SEARCH_API_KEY"),
		ImageSearchEndpoint: os.Getenv("IMAGE_SEARCH_ENDPOINT"),
		ImageSearchAPIKey:   os.Getenv("IMAGE_SEARCH_API_KEY"),
		SearchRPS:           envOrDefaultFloat("SEARCH_RPS", 5),

		CompletionEndpoint: os.Getenv("COMPLETION_ENDPOINT"),
		CompletionAPIKey:   os.Getenv("COMPLETION_API_KEY"),
		CompletionModel:    os.Getenv("COMPLETION_MODEL"),

		KnowledgeTimeout:  time.Duration(envOrDefaultInt("TOOL_RUNTIME_KNOWLEDGE_TIMEOUT_MS", 2000)) * time.Millisecond,
		EditorConcurrency: envOrDefaultInt("TOOL_RUNTIME_EDITOR_CONCURRENCY", 8),
		RetryBackoff:      time.Duration(envOrDefaultInt("TOOL_RUNTIME_RETRY_BACKOFF_MS", 200)) * time.Millisecond,
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
