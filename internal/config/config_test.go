package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MODEL_NAME", "qwen3-4b")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimitPerMinute != 30 || cfg.RateLimitPerHour != 500 {
		t.Errorf("rate limits = %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitPerHour)
	}
	if cfg.DefaultTemperature != 0.7 || cfg.DefaultTopP != 1.0 || cfg.DefaultMaxTokens != 1024 {
		t.Errorf("sampling defaults = %v/%v/%d", cfg.DefaultTemperature, cfg.DefaultTopP, cfg.DefaultMaxTokens)
	}
	if len(cfg.Models) != 1 || cfg.Models[0] != "qwen3-4b" {
		t.Errorf("models = %v", cfg.Models)
	}
	if cfg.Subject != "chat.request.qwen3-4b" || cfg.EngineModel != "qwen3-4b" {
		t.Errorf("subject = %s, engine model = %s", cfg.Subject, cfg.EngineModel)
	}
	if cfg.RateLimitSweep != 5*time.Minute {
		t.Errorf("sweep = %v", cfg.RateLimitSweep)
	}
	if cfg.DBPath != filepath.Join("data", "gateway.sqlite") || cfg.CharsPerToken != 4.0 {
		t.Errorf("db path = %s, chars per token = %v", cfg.DBPath, cfg.CharsPerToken)
	}
}

func TestDBPathFollowsDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/gateway")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/gateway/gateway.sqlite" {
		t.Errorf("db path = %s", cfg.DBPath)
	}

	t.Setenv("DB_PATH", "/tmp/other.sqlite")
	if cfg, _ = Load("", ""); cfg.DBPath != "/tmp/other.sqlite" {
		t.Errorf("explicit db path = %s", cfg.DBPath)
	}
}

func TestLoadEnvFileAndOverlay(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("RATE_LIMIT_PER_MINUTE=10\nMODELS=a, b ,c\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("RATE_LIMIT_PER_MINUTE")
		os.Unsetenv("MODELS")
	})

	t.Setenv("GATEWAY_ENGINE_URL", "http://vllm:8000/v1")
	yamlFile := filepath.Join(dir, "gateway.yaml")
	overlay := `
models: [gpt-oss-20b, qwen3-4b]
prompt_template: harmony
defaults:
  temperature: 0.2
rate_limit:
  per_hour: 50
  sweep: 1m
engine:
  backend: openai
  url: ${GATEWAY_ENGINE_URL}
  api_key: ${GATEWAY_ENGINE_KEY:-local}
  generation_timeout: 30s
language_system_prompts:
  fr: "Répondez toujours en français."
`
	if err := os.WriteFile(yamlFile, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(envFile, yamlFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimitPerMinute != 10 || cfg.RateLimitPerHour != 50 {
		t.Errorf("rate limits = %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitPerHour)
	}
	if strings.Join(cfg.Models, ",") != "gpt-oss-20b,qwen3-4b" {
		t.Errorf("models = %v", cfg.Models)
	}
	if cfg.PromptTemplate != "harmony" || cfg.DefaultTemperature != 0.2 {
		t.Errorf("template = %s, temperature = %v", cfg.PromptTemplate, cfg.DefaultTemperature)
	}
	if cfg.EngineBackend != BackendOpenAI || cfg.EngineURL != "http://vllm:8000/v1" || cfg.EngineAPIKey != "local" {
		t.Errorf("engine = %s %s %s", cfg.EngineBackend, cfg.EngineURL, cfg.EngineAPIKey)
	}
	if cfg.GenerationTimeout != 30*time.Second || cfg.RateLimitSweep != time.Minute {
		t.Errorf("durations = %v %v", cfg.GenerationTimeout, cfg.RateLimitSweep)
	}
	if cfg.LanguageSystemPrompts["fr"] != "Répondez toujours en français." {
		t.Errorf("language prompts = %v", cfg.LanguageSystemPrompts)
	}
}

func TestLoadRejectsBadOverlay(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(bad, []byte("engine:\n  queue_timeout: soon\n"), 0o644)
	if _, err := Load("", bad); err == nil || !strings.Contains(err.Error(), "engine.queue_timeout") {
		t.Errorf("err = %v", err)
	}

	if _, err := Load("", filepath.Join(dir, "gateway.json")); err == nil {
		t.Error("non-yaml config file accepted")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Models:              []string{"m"},
			RateLimitPerMinute:  30,
			RateLimitPerHour:    500,
			DefaultTemperature:  0.7,
			DefaultTopP:         1,
			DefaultMaxTokens:    1024,
			StatsRecentCapacity: 100,
			GenerationTimeout:   time.Minute,
			CharsPerToken:       4,
			EngineBackend:       BackendNATS,
			NatsEnabled:         true,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero per minute", func(c *Config) { c.RateLimitPerMinute = 0 }},
		{"temperature", func(c *Config) { c.DefaultTemperature = 3 }},
		{"top_p", func(c *Config) { c.DefaultTopP = 1.5 }},
		{"max tokens", func(c *Config) { c.DefaultMaxTokens = 0 }},
		{"no models", func(c *Config) { c.Models = nil }},
		{"nats disabled", func(c *Config) { c.NatsEnabled = false }},
		{"openai without url", func(c *Config) { c.EngineBackend = BackendOpenAI }},
		{"unknown backend", func(c *Config) { c.EngineBackend = "grpc" }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
