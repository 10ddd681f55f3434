package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, loaded from the environment.
type Config struct {
	Port               string
	DataDir            string
	Provider           string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	FrontendURL        string
	MailQuery          string
	NATSURL            string
}

// NewConfig loads configuration from the environment, reading a local .env
// file first when present.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	config := &Config{
		Port:               getEnvOrDefault("PORT", "4000"),
		DataDir:            getEnvOrDefault("DATA_DIR", "data"),
		Provider:           getEnvOrDefault("MAIL_PROVIDER", "google"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URI"),
		FrontendURL:        getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
		MailQuery:          getEnvOrDefault("MAIL_QUERY", "is:unread has:attachment"),
		NATSURL:            os.Getenv("NATS_URL"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	switch c.Provider {
	case "google", "microsoft":
	default:
		return fmt.Errorf("MAIL_PROVIDER must be google or microsoft, got %q", c.Provider)
	}

	if c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}
	if c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}
	if c.GoogleRedirectURL == "" {
		return fmt.Errorf("GOOGLE_REDIRECT_URI is required")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
