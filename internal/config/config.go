package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Plant-for-the-Planet-org/FireAlert-sub000/internal/models"
)

type Config struct {
	// Persistence
	DatabaseURL string

	// Trigger surface
	HTTPPort      string
	TriggerSecret string

	// Pipeline tunables
	BatchSize          int
	BatchInterval      time.Duration
	ChunkSize          int
	LookbackWindow     time.Duration
	SiteThrottle       time.Duration
	IncidentInactivity time.Duration
	JobBudget          time.Duration
	DisabledChannels   []models.ChannelType

	// Event bus
	NatsURL               string
	EnableEventPublishing bool

	// Job locks
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Email relay
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// SMS/WhatsApp carrier
	CarrierAccountID     string
	CarrierAuthToken     string
	CarrierAPIURL        string
	CarrierWebhookSecret string
	SMSFrom              string
	WhatsAppFrom         string
	RestrictedPrefixes   []string

	// Push gateway
	PushAPIURL string
	PushAPIKey string
}

func Load() (*Config, error) {
	// Try multiple .env locations
	envPaths := []string{
		".env",
		"../.env",
		"/app/.env", // Docker
	}

	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			log.Printf("Loaded config from: %s", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		log.Printf("No .env file found, using environment variables")
	}

	config := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		HTTPPort:      getEnvOrDefault("HTTP_PORT", "8080"),
		TriggerSecret: os.Getenv("TRIGGER_SECRET"),

		NatsURL:               getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		EnableEventPublishing: getEnvOrDefault("ENABLE_EVENT_PUBLISHING", "false") == "true",

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnvOrDefault("SMTP_PORT", "587"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		CarrierAccountID:     os.Getenv("CARRIER_ACCOUNT_ID"),
		CarrierAuthToken:     os.Getenv("CARRIER_AUTH_TOKEN"),
		CarrierAPIURL:        getEnvOrDefault("CARRIER_API_URL", "https://api.twilio.com/2010-04-01"),
		CarrierWebhookSecret: os.Getenv("CARRIER_WEBHOOK_SECRET"),
		SMSFrom:              os.Getenv("SMS_FROM"),
		WhatsAppFrom:         os.Getenv("WHATSAPP_FROM"),

		PushAPIURL: os.Getenv("PUSH_API_URL"),
		PushAPIKey: os.Getenv("PUSH_API_KEY"),
	}

	var err error
	if config.BatchSize, err = getEnvInt("BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if config.ChunkSize, err = getEnvInt("CHUNK_SIZE", 30); err != nil {
		return nil, err
	}
	if config.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if config.BatchInterval, err = getEnvDuration("BATCH_INTERVAL", 700*time.Millisecond); err != nil {
		return nil, err
	}
	if config.LookbackWindow, err = getEnvDuration("LOOKBACK_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if config.SiteThrottle, err = getEnvDuration("SITE_THROTTLE", 2*time.Hour); err != nil {
		return nil, err
	}
	if config.IncidentInactivity, err = getEnvDuration("INCIDENT_INACTIVITY", 6*time.Hour); err != nil {
		return nil, err
	}
	if config.JobBudget, err = getEnvDuration("JOB_BUDGET", 4*time.Minute); err != nil {
		return nil, err
	}

	for _, raw := range splitList(os.Getenv("DISABLED_CHANNELS")) {
		config.DisabledChannels = append(config.DisabledChannels, models.ChannelType(raw))
	}
	config.RestrictedPrefixes = splitList(os.Getenv("RESTRICTED_PREFIXES"))

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	// Required fields
	required := map[string]string{
		"DATABASE_URL":   c.DatabaseURL,
		"TRIGGER_SECRET": c.TriggerSecret,
	}

	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be at least 1")
	}
	if c.IncidentInactivity < time.Minute {
		return fmt.Errorf("INCIDENT_INACTIVITY must be at least 1 minute")
	}

	return nil
}

// Helper function for defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
