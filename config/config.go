package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all runtime configuration, loaded once at startup.
type Config struct {
	Env  string
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaBroker string
	KafkaTopic  string

	JWTSecret string

	ShopifyAPIKey    string
	ShopifyAPISecret string
	ShopifyScopes    string
	AppURL           string

	// WebhookRequireSecret rejects webhooks for tenants without a configured
	// secret and disables the x-allow-sim bypass.
	WebhookRequireSecret bool
}

const devJWTSecret = "dev-only-secret-do-not-use-in-production"

func Load(logger *zap.Logger) (*Config, error) {
	// .env is optional; real env vars take precedence either way
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded configuration from .env file")
	}

	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "insightsdb"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBroker: getEnv("KAFKA_BROKER", ""),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "webhook_events"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ShopifyAPIKey:    getEnv("SHOPIFY_API_KEY", ""),
		ShopifyAPISecret: getEnv("SHOPIFY_API_SECRET", ""),
		ShopifyScopes:    getEnv("SHOPIFY_SCOPES", "read_products,read_customers,read_orders"),
		AppURL:           getEnv("APP_URL", "http://localhost:8080"),

		WebhookRequireSecret: getEnv("WEBHOOK_REQUIRE_SECRET", "false") == "true",
	}

	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("JWT_SECRET is required when APP_ENV=production")
		}
		logger.Warn("JWT_SECRET not set, using development default")
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
