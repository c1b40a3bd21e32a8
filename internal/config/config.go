// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Realtime providers
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	defaultPort            = "8080"
	defaultConnectTimeout  = 10 * time.Second
	defaultToolTimeout     = 10 * time.Second
	defaultMaxCallDuration = 30 * time.Minute
)

// Config is the service configuration
type Config struct {
	Port string
	Env  string

	LogLevel string

	RealtimeProvider string

	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIVoice  string
	OpenAIURL    string

	GeminiAPIKey string
	GeminiModel  string
	GeminiVoice  string

	ConnectTimeout  time.Duration
	ToolTimeout     time.Duration
	MaxCallDuration time.Duration

	AllowedShops      []string
	ShopsFile         string
	StreamTokenSecret string
	// OperatorToken enables the operator routes behind a bearer token.
	OperatorToken string

	MemoryOrdersPerShop int

	MongoURI             string
	MongoDatabase        string
	MongoMaxPoolSize     uint64
	MongoMinPoolSize     uint64
	MongoMaxConnIdleTime time.Duration
	DatabaseURL          string
}

// Load reads a .env file when present and builds the configuration
func Load() (Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()
	return NewConfigFromEnv()
}

// NewConfigFromEnv creates a Config from environment variables
func NewConfigFromEnv() (Config, error) {
	config := Config{
		Port:              os.Getenv("PORT"),
		Env:               os.Getenv("APP_ENV"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		RealtimeProvider:  strings.ToLower(os.Getenv("REALTIME_PROVIDER")),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_REALTIME_MODEL"),
		OpenAIVoice:       os.Getenv("OPENAI_REALTIME_VOICE"),
		OpenAIURL:         os.Getenv("OPENAI_REALTIME_URL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       os.Getenv("GEMINI_LIVE_MODEL"),
		GeminiVoice:       os.Getenv("GEMINI_VOICE"),
		AllowedShops:      splitList(os.Getenv("ALLOWED_SHOPS")),
		ShopsFile:         os.Getenv("SHOPS_FILE"),
		StreamTokenSecret: os.Getenv("STREAM_TOKEN_SECRET"),
		OperatorToken:     os.Getenv("OPERATOR_TOKEN"),
		MongoURI:          os.Getenv("MONGODB_URI"),
		MongoDatabase:     os.Getenv("MONGODB_DATABASE"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}

	var err error
	if config.ConnectTimeout, err = durationFromEnv("REALTIME_CONNECT_TIMEOUT", defaultConnectTimeout); err != nil {
		return Config{}, err
	}
	if config.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", defaultToolTimeout); err != nil {
		return Config{}, err
	}
	if config.MaxCallDuration, err = durationFromEnv("MAX_CALL_DURATION", defaultMaxCallDuration); err != nil {
		return Config{}, err
	}
	if config.MongoMaxConnIdleTime, err = durationFromEnv("MONGODB_MAX_CONN_IDLE_TIME", 0); err != nil {
		return Config{}, err
	}

	memoryOrders, err := uintFromEnv("MEMORY_ORDERS_PER_SHOP")
	if err != nil {
		return Config{}, err
	}
	config.MemoryOrdersPerShop = int(memoryOrders)
	if config.MongoMaxPoolSize, err = uintFromEnv("MONGODB_MAX_POOL_SIZE"); err != nil {
		return Config{}, err
	}
	if config.MongoMinPoolSize, err = uintFromEnv("MONGODB_MIN_POOL_SIZE"); err != nil {
		return Config{}, err
	}

	if config.Port == "" {
		config.Port = defaultPort
	}
	if config.RealtimeProvider == "" {
		config.RealtimeProvider = ProviderOpenAI
	}

	return config, nil
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	switch config.RealtimeProvider {
	case ProviderOpenAI:
		if config.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai realtime provider")
		}
	case ProviderGemini:
		if config.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini realtime provider")
		}
	default:
		return fmt.Errorf("unsupported REALTIME_PROVIDER %q, expected openai or gemini", config.RealtimeProvider)
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("REALTIME_CONNECT_TIMEOUT must be positive, got %s", config.ConnectTimeout)
	}
	if config.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be positive, got %s", config.ToolTimeout)
	}
	if config.MaxCallDuration < 0 {
		return fmt.Errorf("MAX_CALL_DURATION must not be negative, got %s", config.MaxCallDuration)
	}
	if config.LogLevel != "" {
		if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	if config.MongoMaxPoolSize != 0 && config.MongoMinPoolSize > config.MongoMaxPoolSize {
		return fmt.Errorf("MONGODB_MIN_POOL_SIZE (%d) must not exceed MONGODB_MAX_POOL_SIZE (%d)",
			config.MongoMinPoolSize, config.MongoMaxPoolSize)
	}
	if config.MongoMaxConnIdleTime < 0 {
		return fmt.Errorf("MONGODB_MAX_CONN_IDLE_TIME must not be negative, got %s", config.MongoMaxConnIdleTime)
	}

	return nil
}

// IsDevelopment reports whether APP_ENV selects development mode
func (c Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}

// NewLogger builds the zap logger for the configured environment and level
func NewLogger(config Config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if config.IsDevelopment() {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if config.LogLevel != "" {
		level, err := zapcore.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	return zapConfig.Build()
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// uintFromEnv returns zero when key is unset, leaving the default to the
// consumer.
func uintFromEnv(key string) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
