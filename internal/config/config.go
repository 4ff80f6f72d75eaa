package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaypost/relay-bot/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Platform credentials
	Username string
	Password string
	Email    string

	// Accounts to harvest. Each entry is "handle" or "handle:pinnedItemID".
	Targets []models.AccountTarget

	// Harvest and pacing configuration
	PostsPerAccount int
	MinDelaySeconds int // lower bound of the randomized pacing band
	MaxDelaySeconds int // upper bound; also drives the cycle interval
	AccountDelaySec int // fixed pause between accounts within a cycle

	// Text-generation configuration
	GeminiAPIKey    string
	GeminiModel     string
	MaxOutputTokens int
	PromptOverride  string

	// Capture configuration
	CaptureTool     string // external screenshot binary; empty disables it
	CaptureDir      string
	PreferBrowser   bool // try the headless browser before the external tool
	CaptureTimeout  int  // seconds per capture attempt
	BrowserBinary   string
	BrowserHeadless bool

	// Persistence
	DataDir   string
	DedupFile string

	// Azure Storage (optional; local file storage is used when unset)
	StorageAccount   string
	StorageContainer string

	// Operator alerts
	AlertWebhookURL   string
	NotificationEmail string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		Username: getEnv("PLATFORM_USERNAME", ""),
		Password: getEnv("PLATFORM_PASSWORD", ""),
		Email:    getEnv("PLATFORM_EMAIL", ""),

		Targets: parseTargets(getSliceEnv("HANDLES", nil)),

		PostsPerAccount: getIntEnv("POSTS_PER_ACCOUNT", 5),
		MinDelaySeconds: getIntEnv("MIN_DELAY_SECONDS", 60),
		MaxDelaySeconds: getIntEnv("MAX_DELAY_SECONDS", 300),
		AccountDelaySec: getIntEnv("ACCOUNT_DELAY_SECONDS", 15),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		MaxOutputTokens: getIntEnv("MAX_OUTPUT_TOKENS", 2048),
		PromptOverride:  getEnv("PROMPT_OVERRIDE", ""),

		CaptureTool:     getEnv("CAPTURE_TOOL", ""),
		CaptureDir:      getEnv("CAPTURE_DIR", "data/captures"),
		PreferBrowser:   getBoolEnv("CAPTURE_PREFER_BROWSER", false),
		CaptureTimeout:  getIntEnv("CAPTURE_TIMEOUT_SECONDS", 45),
		BrowserBinary:   getEnv("BROWSER_BINARY", ""),
		BrowserHeadless: getBoolEnv("BROWSER_HEADLESS", true),

		DataDir:   getEnv("DATA_DIR", "data"),
		DedupFile: getEnv("DEDUP_FILE", "data/published.txt"),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "relay-bot"),

		AlertWebhookURL:   getEnv("ALERT_WEBHOOK_URL", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("PLATFORM_USERNAME and PLATFORM_PASSWORD are required")
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("HANDLES must list at least one account to harvest")
	}

	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}

	if c.MinDelaySeconds <= 0 || c.MaxDelaySeconds < c.MinDelaySeconds {
		return fmt.Errorf("MIN_DELAY_SECONDS must be positive and MAX_DELAY_SECONDS must not be below it")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	return nil
}

// parseTargets parses "handle" or "handle:pinnedItemID" entries.
func parseTargets(entries []string) []models.AccountTarget {
	var targets []models.AccountTarget

	for _, entry := range entries {
		entry = strings.TrimSpace(strings.TrimPrefix(entry, "@"))
		if entry == "" {
			continue
		}

		target := models.AccountTarget{Handle: entry}
		if idx := strings.IndexByte(entry, ':'); idx != -1 {
			target.Handle = entry[:idx]
			target.PinnedItemID = entry[idx+1:]
		}
		targets = append(targets, target)
	}

	return targets
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
