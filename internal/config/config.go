package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	StorageDriver string
	SQLitePath    string
	AutoMigrate   bool

	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	BankAPIURL         string
	BankCallbackToken  string
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int
	GatewayBackoff     time.Duration

	// Simulated bank
	BankPort  string
	WalletURL string
}

const devJWTSecret = "dev-only-secret"

func defaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("storage_driver", "postgres")
	v.SetDefault("sqlite_path", "wallet.db")
	v.SetDefault("auto_migrate", true)
	v.SetDefault("jwt_secret", devJWTSecret)
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("bcrypt_cost", 10)
	v.SetDefault("bank_api_url", "http://localhost:9090")
	v.SetDefault("gateway_timeout", "5s")
	v.SetDefault("gateway_max_attempts", 3)
	v.SetDefault("gateway_backoff", "200ms")
	v.SetDefault("bank_port", "9090")
}

// Load reads defaults, then CONFIG_FILE if set, then the environment.
// Keys in the file are the lower-cased environment names (db_source, jwt_secret, ...).
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBank loads the settings the simulated bank needs. Storage is not checked.
func LoadBank() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout <= 0 {
		return nil, fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return cfg, nil
}

func read() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBSource:           v.GetString("db_source"),
		Port:               v.GetString("server_port"),
		Env:                v.GetString("environment"),
		StorageDriver:      strings.ToLower(v.GetString("storage_driver")),
		SQLitePath:         v.GetString("sqlite_path"),
		AutoMigrate:        v.GetBool("auto_migrate"),
		JWTSecret:          v.GetString("jwt_secret"),
		TokenTTL:           v.GetDuration("token_ttl"),
		BcryptCost:         v.GetInt("bcrypt_cost"),
		BankAPIURL:         v.GetString("bank_api_url"),
		BankCallbackToken:  v.GetString("bank_callback_token"),
		GatewayTimeout:     v.GetDuration("gateway_timeout"),
		GatewayMaxAttempts: v.GetInt("gateway_max_attempts"),
		GatewayBackoff:     v.GetDuration("gateway_backoff"),
		BankPort:           v.GetString("bank_port"),
		WalletURL:          v.GetString("wallet_url"),
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == devJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
