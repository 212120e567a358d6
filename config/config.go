package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port         int    `toml:"port"`
	PublicURL    string `toml:"public_url"` // Used to build the OAuth redirect URL
	BodyLimitKiB int    `toml:"body_limit_kib"`
}

type EncryptionConfig struct {
	Key        string `toml:"key"`         // 32 bytes, hex or base64
	Source     string `toml:"source"`      // "config" (default) or "keyring"
	KeyringDir string `toml:"keyring_dir"` // File backend directory when no OS keyring exists
}

type GoogleOAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURL  string   `toml:"redirect_url"`
	AuthURL      string   `toml:"auth_url"`     // Overridable for tests
	TokenURL     string   `toml:"token_url"`    // Overridable for tests
	APIEndpoint  string   `toml:"api_endpoint"` // Gmail API base, overridable for tests
	Scopes       []string `toml:"scopes"`
}

type OAuthConfig struct {
	Google GoogleOAuthConfig `toml:"google"`
}

type StorageConfig struct {
	Driver  string `toml:"driver"`   // "bolt", "sqlite" or "postgres"
	DataDir string `toml:"data_dir"` // bolt
	DSN     string `toml:"dsn"`      // sqlite path or postgres connection string
}

type RedisConfig struct {
	URL      string `toml:"url"` // Empty disables the distributed refresh lease
	LeaseTTL int    `toml:"lease_ttl_seconds"`
}

type TimeoutConfig struct {
	ValidateSeconds int `toml:"validate_seconds"`
	RefreshSeconds  int `toml:"refresh_seconds"`
	SendSeconds     int `toml:"send_seconds"`
}

type TokenConfig struct {
	SkewSeconds int `toml:"skew_seconds"`
}

type JWTConfig struct {
	Secret string `toml:"secret"` // HS256 key for caller tokens
	Issuer string `toml:"issuer"`
}

type RateLimitConfig struct {
	Requests      int `toml:"requests"`
	PeriodSeconds int `toml:"period_seconds"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type SSLConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"` // Path to fullchain.pem
	KeyFile  string `toml:"key_file"`  // Path to privkey.pem
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Encryption EncryptionConfig `toml:"encryption"`
	OAuth      OAuthConfig      `toml:"oauth"`
	Storage    StorageConfig    `toml:"storage"`
	Redis      RedisConfig      `toml:"redis"`
	Timeouts   TimeoutConfig    `toml:"timeouts"`
	Tokens     TokenConfig      `toml:"tokens"`
	JWT        JWTConfig        `toml:"jwt"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Log        LogConfig        `toml:"log"`
	SSL        SSLConfig        `toml:"ssl"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config

	config.Server.Port = 3000
	config.Server.BodyLimitKiB = 4096

	config.Encryption.Source = "config"

	config.OAuth.Google.AuthURL = "https://accounts.google.com/o/oauth2/auth"
	config.OAuth.Google.TokenURL = "https://oauth2.googleapis.com/token"
	config.OAuth.Google.APIEndpoint = "https://gmail.googleapis.com/"
	config.OAuth.Google.Scopes = []string{
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.readonly",
	}

	config.Storage.Driver = "bolt"
	config.Storage.DataDir = "./data"

	config.Redis.LeaseTTL = 30

	config.Timeouts.ValidateSeconds = 20
	config.Timeouts.RefreshSeconds = 15
	config.Timeouts.SendSeconds = 60

	config.Tokens.SkewSeconds = 60

	config.JWT.Issuer = "mailcore"

	config.RateLimit.Requests = 100
	config.RateLimit.PeriodSeconds = 60

	config.Log.Level = "info"

	return &config
}

// LoadConfig reads the TOML file at filepath on top of the defaults.
// MAILCORE_ENCRYPTION_KEY and MAILCORE_REDIS_URL override the file.
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if _, err := toml.DecodeFile(filepath, config); err != nil {
		return nil, err
	}

	if v := os.Getenv("MAILCORE_ENCRYPTION_KEY"); v != "" {
		config.Encryption.Key = v
	}
	if v := os.Getenv("MAILCORE_REDIS_URL"); v != "" {
		config.Redis.URL = v
	}

	// If the redirect URL is not specified, derive it from the public URL
	if config.OAuth.Google.RedirectURL == "" && config.Server.PublicURL != "" {
		config.OAuth.Google.RedirectURL = config.Server.PublicURL + "/api/oauth/google/callback"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the values that cannot be defaulted. The encryption key
// itself is checked by the secret codec so a bad key surfaces as a
// configuration error of the mail feature, not a startup crash.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the bolt driver")
		}
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Encryption.Source {
	case "config", "keyring":
	default:
		return fmt.Errorf("unknown encryption.source %q", c.Encryption.Source)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}

	if c.Tokens.SkewSeconds < 0 {
		return fmt.Errorf("tokens.skew_seconds must not be negative")
	}

	if c.SSL.Enabled {
		if err := c.ValidateSSL(); err != nil {
			return fmt.Errorf("SSL configuration error: %w", err)
		}
	}

	return nil
}

// GoogleEnabled reports whether the delegated provider is configured
func (c *Config) GoogleEnabled() bool {
	g := c.OAuth.Google
	return g.ClientID != "" && g.ClientSecret != "" && g.RedirectURL != ""
}

// Skew is the lead time before expiry during which a token counts as expired
func (c *Config) Skew() time.Duration {
	return time.Duration(c.Tokens.SkewSeconds) * time.Second
}

func (c *TimeoutConfig) Validate() time.Duration {
	return seconds(c.ValidateSeconds, 20)
}

func (c *TimeoutConfig) Refresh() time.Duration {
	return seconds(c.RefreshSeconds, 15)
}

func (c *TimeoutConfig) Send() time.Duration {
	return seconds(c.SendSeconds, 60)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// ValidateSSL checks if the SSL configuration is valid
func (c *Config) ValidateSSL() error {
	if !c.SSL.Enabled {
		return nil
	}

	if c.SSL.CertFile == "" {
		return fmt.Errorf("SSL certificate file path is required")
	}

	if c.SSL.KeyFile == "" {
		return fmt.Errorf("SSL key file path is required")
	}

	// Try loading the certificates to verify they're valid
	if _, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile); err != nil {
		return fmt.Errorf("failed to load SSL certificates: %w", err)
	}

	return nil
}
