// Package config loads gateway configuration from environment variables and
// an optional YAML file. Environment variables take precedence for scalars;
// the YAML file carries structured sections (providers, multi-agent scenarios).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// ProviderConfig is the connection configuration for one LLM provider.
type ProviderConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr  string
	TLSCertPath string
	TLSKeyPath  string
	GinMode     string

	RouteTablePath string

	IdentityEndpoint string
	JWKSCacheTTL     time.Duration

	// Providers maps a logical provider name to its connection settings.
	// Loaded from the YAML file, overridable per provider via
	// PROVIDER_<NAME>_ENDPOINT / PROVIDER_<NAME>_API_KEY.
	Providers map[string]ProviderConfig `yaml:"providers"`

	DefaultModel string

	EventBusEndpoint string

	ConversationStoreDSN string

	RateLimitAnonymousPerMinute     int
	RateLimitAuthenticatedPerMinute int

	CORSAllowOrigins []string

	StreamingIdleTimeout        time.Duration
	WordBufferCeilingBytes      int
	DirectiveScanLimitBytes     int
	ToolIterationsMax           int
	ClassifierDeadline          time.Duration
	GatewayTimeout              time.Duration
	BufferedBodyCapBytes        int64
	DetachedPersistenceDeadline time.Duration

	// Connection pools.
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // minutes
	DBConnMaxLifetime int // minutes

	ProxyMaxIdleConns        int
	ProxyMaxIdleConnsPerHost int
	ProxyMaxConnsPerHost     int
	ProxyIdleConnTimeout     int // seconds

	ServerShutdownTimeoutSeconds int

	LogLevel  string
	LogFormat string
}

// EventBusDisabled reports whether event fanout has been explicitly opted out.
func (c *Config) EventBusDisabled() bool {
	return strings.EqualFold(c.EventBusEndpoint, "disabled") || c.EventBusEndpoint == ""
}

// Load reads configuration from the environment (and .env if present) plus the
// optional YAML file named by CONFIG_FILE. Returns an error for invalid or
// missing required settings; the caller maps that to exit code 1.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		// Not an error: production sets real environment variables.
	}

	cfg := &Config{
		ListenAddr:  getEnvOrDefault("GATEWAY_LISTEN_ADDR", ":8080"),
		TLSCertPath: getEnvOrDefault("GATEWAY_TLS_CERT_PATH", ""),
		TLSKeyPath:  getEnvOrDefault("GATEWAY_TLS_KEY_PATH", ""),
		GinMode:     getEnvOrDefault("GIN_MODE", "release"),

		RouteTablePath: getEnvOrDefault("ROUTE_TABLE_PATH", "routes.yaml"),

		IdentityEndpoint: getEnvOrDefault("IDENTITY_ENDPOINT", "http://127.0.0.1:9100"),
		JWKSCacheTTL:     time.Duration(getEnvAsInt("IDENTITY_JWKS_CACHE_TTL_SECONDS", 300)) * time.Second,

		Providers:    map[string]ProviderConfig{},
		DefaultModel: getEnvOrDefault("DEFAULT_MODEL", "fable-chat-1"),

		EventBusEndpoint: getEnvOrDefault("EVENTBUS_ENDPOINT", "disabled"),

		ConversationStoreDSN: getEnvOrDefault("CONVERSATION_STORE_DSN", "postgres://localhost/fableverse?sslmode=disable"),

		RateLimitAnonymousPerMinute:     getEnvAsInt("RATELIMIT_ANONYMOUS_PER_MINUTE", 30),
		RateLimitAuthenticatedPerMinute: getEnvAsInt("RATELIMIT_AUTHENTICATED_PER_MINUTE", 120),

		CORSAllowOrigins: splitAndTrim(getEnvOrDefault("CORS_ALLOW_ORIGINS", "http://localhost:3000")),

		StreamingIdleTimeout:        time.Duration(getEnvAsInt("STREAMING_IDLE_TIMEOUT_SECONDS", 120)) * time.Second,
		WordBufferCeilingBytes:      getEnvAsInt("STREAMING_WORD_BUFFER_CEILING_BYTES", 256),
		DirectiveScanLimitBytes:     getEnvAsInt("STREAMING_DIRECTIVE_SCAN_LIMIT_BYTES", 4096),
		ToolIterationsMax:           getEnvAsInt("ORCHESTRATOR_TOOL_ITERATIONS_MAX", 4),
		ClassifierDeadline:          time.Duration(getEnvAsInt("ORCHESTRATOR_CLASSIFIER_DEADLINE_MS", 150)) * time.Millisecond,
		GatewayTimeout:              time.Duration(getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		BufferedBodyCapBytes:        int64(getEnvAsInt("GATEWAY_BUFFERED_BODY_CAP_BYTES", 1<<20)),
		DetachedPersistenceDeadline: time.Duration(getEnvAsInt("STREAMING_DETACHED_PERSISTENCE_SECONDS", 10)) * time.Second,

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		ProxyMaxIdleConns:        getEnvAsInt("PROXY_MAX_IDLE_CONNS", 100),
		ProxyMaxIdleConnsPerHost: getEnvAsInt("PROXY_MAX_IDLE_CONNS_PER_HOST", 50),
		ProxyMaxConnsPerHost:     getEnvAsInt("PROXY_MAX_CONNS_PER_HOST", 100),
		ProxyIdleConnTimeout:     getEnvAsInt("PROXY_IDLE_CONN_TIMEOUT_SECONDS", 90),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Structured sections come from the YAML file when present.
	if path := getEnvOrDefault("CONFIG_FILE", ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file %s: %w", path, err)
		}
		defer f.Close()
		if err := loadFile(f, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyProviderEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("GATEWAY_LISTEN_ADDR must not be empty")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("GATEWAY_TLS_CERT_PATH and GATEWAY_TLS_KEY_PATH must be set together")
	}
	if c.WordBufferCeilingBytes <= 0 {
		return fmt.Errorf("STREAMING_WORD_BUFFER_CEILING_BYTES must be positive")
	}
	if c.DirectiveScanLimitBytes <= 0 {
		return fmt.Errorf("STREAMING_DIRECTIVE_SCAN_LIMIT_BYTES must be positive")
	}
	if c.ToolIterationsMax < 1 {
		return fmt.Errorf("ORCHESTRATOR_TOOL_ITERATIONS_MAX must be at least 1")
	}
	return nil
}

func loadFile(reader io.Reader, cfg *Config) error {
	return yaml.NewDecoder(reader).Decode(cfg)
}

// applyProviderEnvOverrides scans the environment for
// PROVIDER_<NAME>_ENDPOINT and PROVIDER_<NAME>_API_KEY pairs and merges them
// over the YAML-declared providers. Names are lowercased.
func applyProviderEnvOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "PROVIDER_") {
			continue
		}

		var name, field string
		switch {
		case strings.HasSuffix(key, "_ENDPOINT"):
			name = strings.TrimSuffix(strings.TrimPrefix(key, "PROVIDER_"), "_ENDPOINT")
			field = "endpoint"
		case strings.HasSuffix(key, "_API_KEY"):
			name = strings.TrimSuffix(strings.TrimPrefix(key, "PROVIDER_"), "_API_KEY")
			field = "api_key"
		default:
			continue
		}
		if name == "" || value == "" {
			continue
		}

		name = strings.ToLower(name)
		p := cfg.Providers[name]
		if field == "endpoint" {
			p.Endpoint = value
		} else {
			p.APIKey = value
		}
		cfg.Providers[name] = p
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
