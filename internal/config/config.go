package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// HTTP Configuration
	HTTPAddr          string
	APIKey            string
	TrustProxyHeaders bool

	// Model Configuration
	ModelName           string
	Models              []string
	StrictModelID       bool
	PromptTemplate      string
	DefaultSystemPrompt string
	DefaultTemperature  float64
	DefaultTopP         float64
	DefaultMaxTokens    int

	// LanguageSystemPrompts replaces the default system prompt when the user
	// writes in one of its languages, e.g. {"fr": "..."}
	LanguageSystemPrompts map[string]string
	CharsPerToken         float64

	// Rate limits and stats
	RateLimitPerMinute  int
	RateLimitPerHour    int
	RateLimitSweep      time.Duration
	StatsRecentCapacity int

	// Engine Configuration
	QueueTimeout      time.Duration
	GenerationTimeout time.Duration
	EngineBackend     string
	EngineURL         string
	EngineAPIKey      string
	EngineModel       string

	// NATS Configuration
	NatsURL               string
	NatsEnabled           bool
	Stream                string
	Subject               string
	Durable               string
	MaxMsgs               int
	MaxAge                time.Duration
	Concurrency           int
	MonitoringTopic       string
	BackpressureThreshold int

	// Data Directory Configuration
	DataDir string

	// Database Configuration
	DBPath string

	LogLevel string
}

// Engine backends
const (
	BackendNATS   = "nats"
	BackendOpenAI = "openai"
)

// Load reads an optional .env file, then the environment, then an optional
// YAML overlay. Later sources win.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	modelName := getEnv("MODEL_NAME", "default")
	dataDir := getEnv("DATA_DIR", "data")
	cfg := &Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		APIKey:                getEnv("SERVICE_API_KEY", ""),
		TrustProxyHeaders:     getEnvBool("TRUST_PROXY_HEADERS", false),
		ModelName:             modelName,
		Models:                splitList(getEnv("MODELS", modelName)),
		StrictModelID:         getEnvBool("STRICT_MODEL_ID", false),
		PromptTemplate:        getEnv("PROMPT_TEMPLATE", "auto"),
		DefaultSystemPrompt:   getEnv("DEFAULT_SYSTEM_PROMPT", ""),
		DefaultTemperature:    getEnvFloat("DEFAULT_TEMPERATURE", 0.7),
		DefaultTopP:           getEnvFloat("DEFAULT_TOP_P", 1.0),
		DefaultMaxTokens:      getEnvInt("DEFAULT_MAX_TOKENS", 1024),
		CharsPerToken:         getEnvFloat("CHARS_PER_TOKEN", 4.0),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		RateLimitPerHour:      getEnvInt("RATE_LIMIT_PER_HOUR", 500),
		RateLimitSweep:        getEnvDuration("RATE_LIMIT_SWEEP", "5m"),
		StatsRecentCapacity:   getEnvInt("STATS_RECENT_CAPACITY", 100),
		QueueTimeout:          getEnvDuration("QUEUE_TIMEOUT", "60s"),
		GenerationTimeout:     getEnvDuration("GENERATION_TIMEOUT", "120s"),
		EngineBackend:         getEnv("ENGINE_BACKEND", BackendNATS),
		EngineURL:             getEnv("ENGINE_URL", ""),
		EngineAPIKey:          getEnv("ENGINE_API_KEY", ""),
		EngineModel:           getEnv("ENGINE_MODEL", modelName),
		NatsURL:               getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NatsEnabled:           getEnvBool("NATS_ENABLED", true),
		Stream:                getEnv("STREAM_NAME", "CHAT"),
		Subject:               getEnv("CHAT_SUBJECT", "chat.request."+modelName),
		Durable:               getEnv("QUEUE_DURABLE", "chat-wq"),
		MaxMsgs:               getEnvInt("QUEUE_MAX_MSGS", 2000),
		MaxAge:                getEnvDuration("QUEUE_MAX_AGE", "5m"),
		Concurrency:           getEnvInt("WORKER_CONCURRENCY", 2),
		MonitoringTopic:       getEnv("MONITORING_TOPIC", "monitoring.gateway"),
		BackpressureThreshold: getEnvInt("BACKPRESSURE_THRESHOLD", 4),
		DataDir:               dataDir,
		DBPath:                getEnv("DB_PATH", filepath.Join(dataDir, "gateway.sqlite")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	if configFile != "" {
		if err := cfg.applyFile(configFile); err != nil {
			return nil, err
		}
		slog.Info("Config file applied", "file", configFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay is the YAML shape. Unset fields keep the environment value.
type overlay struct {
	Models              []string          `yaml:"models"`
	StrictModelID       *bool             `yaml:"strict_model_id"`
	PromptTemplate      *string           `yaml:"prompt_template"`
	DefaultSystemPrompt *string           `yaml:"default_system_prompt"`
	LanguagePrompts     map[string]string `yaml:"language_system_prompts"`
	Defaults            struct {
		Temperature *float64 `yaml:"temperature"`
		TopP        *float64 `yaml:"top_p"`
		MaxTokens   *int     `yaml:"max_tokens"`
	} `yaml:"defaults"`
	RateLimit struct {
		PerMinute *int    `yaml:"per_minute"`
		PerHour   *int    `yaml:"per_hour"`
		Sweep     *string `yaml:"sweep"`
	} `yaml:"rate_limit"`
	Engine struct {
		Backend           *string `yaml:"backend"`
		URL               *string `yaml:"url"`
		APIKey            *string `yaml:"api_key"`
		Model             *string `yaml:"model"`
		QueueTimeout      *string `yaml:"queue_timeout"`
		GenerationTimeout *string `yaml:"generation_timeout"`
	} `yaml:"engine"`
}

func (c *Config) applyFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("invalid config file %s: only .yaml and .yml files are allowed", cleanPath)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	var o overlay
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &o); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if len(o.Models) > 0 {
		c.Models = o.Models
	}
	setIf(&c.StrictModelID, o.StrictModelID)
	setIf(&c.PromptTemplate, o.PromptTemplate)
	setIf(&c.DefaultSystemPrompt, o.DefaultSystemPrompt)
	if len(o.LanguagePrompts) > 0 {
		c.LanguageSystemPrompts = o.LanguagePrompts
	}
	setIf(&c.DefaultTemperature, o.Defaults.Temperature)
	setIf(&c.DefaultTopP, o.Defaults.TopP)
	setIf(&c.DefaultMaxTokens, o.Defaults.MaxTokens)
	setIf(&c.RateLimitPerMinute, o.RateLimit.PerMinute)
	setIf(&c.RateLimitPerHour, o.RateLimit.PerHour)
	setIf(&c.EngineBackend, o.Engine.Backend)
	setIf(&c.EngineURL, o.Engine.URL)
	setIf(&c.EngineAPIKey, o.Engine.APIKey)
	setIf(&c.EngineModel, o.Engine.Model)

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"rate_limit.sweep", o.RateLimit.Sweep, &c.RateLimitSweep},
		{"engine.queue_timeout", o.Engine.QueueTimeout, &c.QueueTimeout},
		{"engine.generation_timeout", o.Engine.GenerationTimeout, &c.GenerationTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate rejects configurations the gateway cannot run with
func (c *Config) Validate() error {
	switch {
	case c.RateLimitPerMinute < 1 || c.RateLimitPerHour < 1:
		return fmt.Errorf("rate limits must be positive (per minute %d, per hour %d)", c.RateLimitPerMinute, c.RateLimitPerHour)
	case c.DefaultTemperature < 0 || c.DefaultTemperature > 2:
		return fmt.Errorf("default temperature %v out of range [0,2]", c.DefaultTemperature)
	case c.DefaultTopP < 0 || c.DefaultTopP > 1:
		return fmt.Errorf("default top_p %v out of range [0,1]", c.DefaultTopP)
	case c.DefaultMaxTokens < 1:
		return fmt.Errorf("default max tokens must be at least 1")
	case c.StatsRecentCapacity < 1:
		return fmt.Errorf("stats recent capacity must be at least 1")
	case c.GenerationTimeout <= 0:
		return fmt.Errorf("generation timeout must be positive")
	case c.CharsPerToken <= 0:
		return fmt.Errorf("chars per token must be positive")
	case len(c.Models) == 0:
		return fmt.Errorf("at least one model id is required")
	}

	switch c.EngineBackend {
	case BackendNATS:
		if !c.NatsEnabled {
			return fmt.Errorf("engine backend %q requires NATS_ENABLED", BackendNATS)
		}
	case BackendOpenAI:
		if c.EngineURL == "" {
			return fmt.Errorf("engine backend %q requires ENGINE_URL", BackendOpenAI)
		}
	default:
		return fmt.Errorf("unknown engine backend %q", c.EngineBackend)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default}
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(sub[1]); value != "" {
			return value
		}
		return sub[2]
	})
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
