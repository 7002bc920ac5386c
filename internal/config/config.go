package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP    HTTPConfig
	Redis   RedisConfig
	Gateway GatewayConfig
	Tavily  TavilyConfig
	Mem0    Mem0Config
	Crawler CrawlerConfig
	Log     LogConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// GatewayConfig configures the OpenAI-compatible LLM gateway.
type GatewayConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

type TavilyConfig struct {
	APIKey           string
	BaseURL          string
	CrawlDepth       int
	CrawlLimit       int
	SearchMaxResults int
	Timeout          time.Duration
	CacheTTL         time.Duration
}

type Mem0Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type CrawlerConfig struct {
	Parallelism    int
	Delay          time.Duration
	RequestTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
	File   string
}

func Load() (*Config, error) {
	// .env is optional, real deployments use the environment directly
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Gateway: GatewayConfig{
			APIKey:      os.Getenv("KEYWORDS_API_KEY"),
			BaseURL:     getEnv("GATEWAY_BASE_URL", "https://api.keywordsai.co/api/"),
			Model:       getEnv("GATEWAY_MODEL", "gpt-4.1-mini"),
			Temperature: getEnvFloat("GATEWAY_TEMPERATURE", 0.3),
			MaxTokens:   getEnvInt("GATEWAY_MAX_TOKENS", 4096),
			MaxRetries:  getEnvInt("GATEWAY_MAX_RETRIES", 3),
			RetryDelay:  getEnvDuration("GATEWAY_RETRY_DELAY", 2*time.Second),
			Timeout:     getEnvDuration("GATEWAY_TIMEOUT", 60*time.Second),
		},
		Tavily: TavilyConfig{
			APIKey:           os.Getenv("TAVILY_API_KEY"),
			BaseURL:          getEnv("TAVILY_BASE_URL", "https://api.tavily.com"),
			CrawlDepth:       getEnvInt("TAVILY_CRAWL_DEPTH", 2),
			CrawlLimit:       getEnvInt("TAVILY_CRAWL_LIMIT", 5),
			SearchMaxResults: getEnvInt("TAVILY_SEARCH_MAX_RESULTS", 5),
			Timeout:          getEnvDuration("TAVILY_TIMEOUT", 90*time.Second),
			CacheTTL:         getEnvDuration("TAVILY_CACHE_TTL", time.Hour),
		},
		Mem0: Mem0Config{
			APIKey:  os.Getenv("MEM0_API_KEY"),
			BaseURL: getEnv("MEM0_BASE_URL", "https://api.mem0.ai"),
			Timeout: getEnvDuration("MEM0_TIMEOUT", 15*time.Second),
		},
		Crawler: CrawlerConfig{
			Parallelism:    getEnvInt("CRAWLER_PARALLELISM", 2),
			Delay:          getEnvDuration("CRAWLER_DELAY", 3*time.Second),
			RequestTimeout: getEnvDuration("CRAWLER_REQUEST_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
			File:   getEnv("LOG_FILE", "logs/regradar.log"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Gateway.APIKey == "" && cfg.Environment != "test" {
		return errors.New("KEYWORDS_API_KEY is required")
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.HTTP.Port)
	}

	if cfg.Gateway.MaxRetries < 1 {
		cfg.Gateway.MaxRetries = 1
	}

	return nil
}

// TavilyEnabled reports whether the hosted search/crawl API is configured.
// Without it the local crawler serves retrieval.
func (cfg *Config) TavilyEnabled() bool {
	return cfg.Tavily.APIKey != ""
}

// Mem0Enabled reports whether the hosted memory service is configured.
func (cfg *Config) Mem0Enabled() bool {
	return cfg.Mem0.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
