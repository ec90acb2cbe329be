package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// ConfigPathEnv names the YAML file loaded when no path is passed to Load.
const ConfigPathEnv = "LLMGATEWAY_CONFIG"

// MaxBaseDelay is the ceiling for the initial backoff delay.
const MaxBaseDelay = 30 * time.Second

type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	// SecretName is resolved through AWS Secrets Manager when APIKey is empty.
	SecretName  string        `yaml:"secret_name"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Config struct {
	Addr                 string        `yaml:"addr"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
	RedisURL             string        `yaml:"redis_url"`
	DatabaseURL          string        `yaml:"database_url"`
	OTLPEndpoint         string        `yaml:"otlp_endpoint"`
	AWSRegion            string        `yaml:"aws_region"`
	NotificationTopicARN string        `yaml:"notification_topic_arn"`
	NotificationCooldown time.Duration `yaml:"notification_cooldown"`
	UsageQueueURL        string        `yaml:"usage_queue_url"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	HealthTimeout        time.Duration `yaml:"health_timeout"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`

	PrimaryProvider string        `yaml:"primary_provider"`
	EnableFallback  bool          `yaml:"enable_fallback"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`

	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	RateLimitBucket      string        `yaml:"rate_limit_bucket"`

	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func Default() *Config {
	return &Config{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
		HealthTimeout:   2 * time.Second,

		NotificationCooldown: 5 * time.Minute,

		Anthropic: ProviderConfig{
			Model:       "claude-3-5-sonnet-20241022",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		OpenAI: ProviderConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     60 * time.Second,
		},

		PrimaryProvider: "anthropic",
		EnableFallback:  true,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,

		RateLimitMaxRequests: 60,
		RateLimitWindow:      time.Minute,
		RateLimitBucket:      "global",

		CacheTTL: 5 * time.Minute,
	}
}

// Load layers defaults, the optional YAML file at path (or $LLMGATEWAY_CONFIG)
// and environment variables, in that order, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("ADDR", c.Addr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.NotificationTopicARN = getEnv("NOTIFICATION_TOPIC_ARN", c.NotificationTopicARN)
	c.NotificationCooldown = getDurationEnv("NOTIFICATION_COOLDOWN", c.NotificationCooldown)
	c.UsageQueueURL = getEnv("USAGE_QUEUE_URL", c.UsageQueueURL)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.HealthTimeout = getDurationEnv("HEALTH_TIMEOUT", c.HealthTimeout)

	c.Anthropic.applyEnv("ANTHROPIC")
	c.OpenAI.applyEnv("OPENAI")

	c.PrimaryProvider = getEnv("PRIMARY_PROVIDER", c.PrimaryProvider)
	c.EnableFallback = getBoolEnv("ENABLE_FALLBACK", c.EnableFallback)
	c.MaxRetries = getIntEnv("MAX_RETRIES", c.MaxRetries)
	c.BaseDelay = getMillisEnv("BASE_DELAY_MS", c.BaseDelay)
	c.MaxDelay = getMillisEnv("MAX_DELAY_MS", c.MaxDelay)

	c.RateLimitMaxRequests = getIntEnv("RATE_LIMIT_MAX_REQUESTS", c.RateLimitMaxRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.RateLimitBucket = getEnv("RATE_LIMIT_BUCKET", c.RateLimitBucket)

	c.CacheTTL = getDurationEnv("CACHE_TTL", c.CacheTTL)
}

func (p *ProviderConfig) applyEnv(prefix string) {
	p.APIKey = getEnv(prefix+"_API_KEY", p.APIKey)
	p.SecretName = getEnv(prefix+"_SECRET_NAME", p.SecretName)
	p.Model = getEnv(prefix+"_MODEL", p.Model)
	p.MaxTokens = getIntEnv(prefix+"_MAX_TOKENS", p.MaxTokens)
	p.Temperature = getFloatEnv(prefix+"_TEMPERATURE", p.Temperature)
	p.BaseURL = getEnv(prefix+"_BASE_URL", p.BaseURL)
	p.Timeout = getDurationEnv(prefix+"_TIMEOUT", p.Timeout)
}

// Primary returns the parsed primary provider. Validate guarantees it parses.
func (c *Config) Primary() domain.ProviderID {
	id, _ := domain.ParseProviderID(c.PrimaryProvider)
	return id
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := domain.ParseProviderID(c.PrimaryProvider); err != nil {
		errs = append(errs, fmt.Errorf("primary_provider: %w", err))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 || c.BaseDelay > MaxBaseDelay {
		errs = append(errs, fmt.Errorf("base_delay must be in (0, %s], got %s", MaxBaseDelay, c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max_delay %s is below base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.RateLimitMaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit_max_requests must be positive, got %d", c.RateLimitMaxRequests))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit_window must be positive, got %s", c.RateLimitWindow))
	}
	if c.RateLimitBucket == "" {
		errs = append(errs, errors.New("rate_limit_bucket must not be empty"))
	}
	if c.Anthropic.Temperature < 0 || c.Anthropic.Temperature > 1 {
		errs = append(errs, fmt.Errorf("anthropic.temperature must be in [0, 1], got %g", c.Anthropic.Temperature))
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("openai.temperature must be in [0, 2], got %g", c.OpenAI.Temperature))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val, ok := os.LookupEnv(submatch[1]); ok {
			return val
		}
		if len(submatch) >= 3 {
			return submatch[2]
		}
		return ""
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts a Go duration ("90s") or a whole number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
