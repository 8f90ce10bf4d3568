package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	StoreTimeout   time.Duration
	SendGridAPIKey string
	SendGridFrom   string
}

// LoadDotenv loads variables from the given .env files into the process
// environment. Missing files are skipped and variables already set win.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}

	return nil
}

// Getenv returns the value of key, or def when it is unset or empty.
func Getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("signing secret is empty")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDriver, databaseDSN, base64Secret string, allowedOrigins []string, storeTimeout time.Duration) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	switch databaseDriver {
	case DriverPostgres, DriverSqlite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", databaseDriver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if storeTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive, got %s", storeTimeout)
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: databaseDriver,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		StoreTimeout:   storeTimeout,
	}, nil
}

// WithSendGrid enables email notifications for offline recipients.
func (c *Config) WithSendGrid(apiKey, from string) error {
	if apiKey == "" {
		return nil
	}
	if from == "" {
		return fmt.Errorf("sendgrid sender address cannot be empty")
	}

	c.SendGridAPIKey = apiKey
	c.SendGridFrom = from
	return nil
}

func (c *Config) SendGridEnabled() bool {
	return c.SendGridAPIKey != ""
}
