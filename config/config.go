package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by LLM_PRIMARY_PROVIDER and LLM_FALLBACK_PROVIDERS.
const (
	ProviderAnthropic    = "anthropic"
	ProviderAzureFoundry = "azure_foundry"
	ProviderVertex       = "vertex"
	ProviderOpenAI       = "openai"
	ProviderGemini       = "gemini"
)

// KnownProviders lists every provider name the gateway can build.
var KnownProviders = []string{
	ProviderAnthropic,
	ProviderAzureFoundry,
	ProviderVertex,
	ProviderOpenAI,
	ProviderGemini,
}

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	LLM           LLMConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL configuration for the usage ledger.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
// The ledger is disabled when neither DATABASE_URL nor DB_HOST is set.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// LLMConfig holds the routing and resilience knobs of the request layer.
type LLMConfig struct {
	PrimaryProvider   string
	FallbackProviders []string

	CircuitBreakerThreshold int
	CircuitBreakerRecovery  time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RequestsPerMinute int

	// RequestDeadline bounds a whole routed call including fallbacks. Zero disables it.
	RequestDeadline time.Duration
	ConnectTimeout  time.Duration

	// PricingFile optionally points at a TOML file overriding the built-in price table.
	PricingFile string
}

// ProvidersConfig holds per-backend credentials and endpoints
type ProvidersConfig struct {
	Anthropic    AnthropicConfig
	AzureFoundry AzureFoundryConfig
	Vertex       VertexConfig
	OpenAI       OpenAIConfig
	Gemini       GeminiConfig
}

// AnthropicConfig holds Anthropic provider configuration
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AzureFoundryConfig holds Azure AI Foundry provider configuration
type AzureFoundryConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
}

// VertexConfig holds Vertex AI configuration. CredentialsFile is a
// Google service-account JSON key.
type VertexConfig struct {
	ProjectID       string
	Region          string
	CredentialsFile string
	BaseURL         string
	Timeout         time.Duration
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// GeminiConfig holds Gemini API configuration
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database: loadDatabaseConfig(),
		LLM: LLMConfig{
			PrimaryProvider:         strings.ToLower(getEnv("LLM_PRIMARY_PROVIDER", ProviderAnthropic)),
			FallbackProviders:       lowerAll(getEnvAsList("LLM_FALLBACK_PROVIDERS", nil)),
			CircuitBreakerThreshold: getEnvAsInt("LLM_CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitBreakerRecovery:  time.Duration(getEnvAsInt("LLM_CIRCUIT_BREAKER_RECOVERY_SECONDS", 60)) * time.Second,
			MaxRetries:              getEnvAsInt("LLM_MAX_RETRIES", 3),
			RetryBaseDelay:          getEnvAsDuration("LLM_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:           getEnvAsDuration("LLM_RETRY_MAX_DELAY", 30*time.Second),
			RequestsPerMinute:       getEnvAsInt("LLM_REQUESTS_PER_MINUTE", 60),
			RequestDeadline:         getEnvAsDuration("LLM_REQUEST_DEADLINE", 0),
			ConnectTimeout:          getEnvAsDuration("LLM_CONNECT_TIMEOUT", 10*time.Second),
			PricingFile:             getEnv("LLM_PRICING_FILE", ""),
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
				Timeout: getEnvAsDuration("ANTHROPIC_TIMEOUT", 120*time.Second),
			},
			AzureFoundry: AzureFoundryConfig{
				Endpoint:   getEnv("AZURE_FOUNDRY_ENDPOINT", ""),
				APIKey:     getEnv("AZURE_FOUNDRY_API_KEY", ""),
				APIVersion: getEnv("AZURE_FOUNDRY_API_VERSION", "2024-10-21"),
				Timeout:    getEnvAsDuration("AZURE_FOUNDRY_TIMEOUT", 120*time.Second),
			},
			Vertex: VertexConfig{
				ProjectID:       getEnv("VERTEX_PROJECT_ID", ""),
				Region:          getEnv("VERTEX_REGION", "us-east5"),
				CredentialsFile: getEnv("VERTEX_CREDENTIALS_FILE", ""),
				BaseURL:         getEnv("VERTEX_BASE_URL", ""),
				Timeout:         getEnvAsDuration("VERTEX_TIMEOUT", 120*time.Second),
			},
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", ""),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 120*time.Second),
			},
			Gemini: GeminiConfig{
				APIKey:  getEnv("GEMINI_API_KEY", ""),
				BaseURL: getEnv("GEMINI_BASE_URL", ""),
				Timeout: getEnvAsDuration("GEMINI_TIMEOUT", 120*time.Second),
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if err := c.LLM.Validate(); err != nil {
		return err
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// Validate checks the routing knobs. Fallback names are not checked here:
// an unusable fallback is skipped at startup rather than refusing to boot.
func (c *LLMConfig) Validate() error {
	if c.PrimaryProvider == "" {
		return fmt.Errorf("primary LLM provider is required")
	}
	if !IsKnownProvider(c.PrimaryProvider) {
		return fmt.Errorf("unknown primary LLM provider %q (known: %s)",
			c.PrimaryProvider, strings.Join(KnownProviders, ", "))
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("circuit breaker threshold must be at least 1")
	}
	if c.CircuitBreakerRecovery <= 0 {
		return fmt.Errorf("circuit breaker recovery timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base <= max")
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("requests per minute must be at least 1")
	}
	if c.RequestDeadline < 0 {
		return fmt.Errorf("request deadline cannot be negative")
	}
	return nil
}

// IsKnownProvider reports whether name is one of KnownProviders.
func IsKnownProvider(name string) bool {
	for _, known := range KnownProviders {
		if known == name {
			return true
		}
	}
	return false
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether a usage-ledger database was configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "llm_gateway")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value and drops empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}
