package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	DepositTTL        time.Duration
	ReconcileInterval time.Duration

	JWTSecret string

	RedisAddr       string
	BalanceCacheTTL time.Duration

	KafkaBroker string

	TelegramToken  string
	TelegramChatID int64

	FulfillmentURL string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	depositTTL, err := durationEnv("DEPOSIT_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := durationEnv("RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := durationEnv("BALANCE_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	var chatID int64
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		chatID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
	}

	return &Config{
		DBSource:          dbSource,
		Port:              port,
		Env:               env,
		DepositTTL:        depositTTL,
		ReconcileInterval: reconcileInterval,
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		BalanceCacheTTL:   cacheTTL,
		KafkaBroker:       os.Getenv("KAFKA_BROKER"),
		TelegramToken:     os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:    chatID,
		FulfillmentURL:    os.Getenv("FULFILLMENT_URL"),
	}, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
