package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat-relay bot.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	BotToken   string
	GatewayURL string
	APIBaseURL string

	CompletionMode    string
	CompletionAPIURL  string
	CompletionAPIKey  string
	CompletionModel   string
	CompletionTimeout time.Duration

	SystemPrompt    string
	MaxHistory      int
	PresenceCommand string
	ReplyCharLimit  int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. The bot token
// is the only required setting.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "kadenbot"),
		BotToken:          stringsTrimSpace("KADEN_BOT_TOKEN"),
		GatewayURL:        envOrDefault("KADEN_GATEWAY_URL", "wss://gateway.discord.gg/?v=10&encoding=json"),
		APIBaseURL:        envOrDefault("KADEN_API_BASE_URL", "https://discord.com/api/v10"),
		CompletionMode:    envOrDefault("COMPLETION_MODE", "auto"),
		CompletionAPIURL:  stringsTrimSpace("COMPLETION_API_URL"),
		CompletionAPIKey:  stringsTrimSpace("OPENAI_API_KEY"),
		CompletionModel:   envOrDefault("COMPLETION_MODEL", "gpt-4o"),
		CompletionTimeout: 60 * time.Second,
		SystemPrompt:      os.Getenv("SYSTEM_PROMPT"),
		MaxHistory:        12,
		PresenceCommand:   envOrDefault("PRESENCE_COMMAND", "!online"),
		ReplyCharLimit:    2000,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxHistory, err = intFromEnv("MAX_HISTORY", cfg.MaxHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyCharLimit, err = intFromEnv("REPLY_CHAR_LIMIT", cfg.ReplyCharLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.BotToken == "" {
		return Config{}, fmt.Errorf("KADEN_BOT_TOKEN must be set")
	}
	if cfg.ReplyCharLimit < 8 {
		return Config{}, fmt.Errorf("REPLY_CHAR_LIMIT must be at least 8")
	}
	if cfg.CompletionTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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
