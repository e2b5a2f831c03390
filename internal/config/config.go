package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYFEED"

// ClientConfig configures a feed consumer such as relayfeed-tail.
type ClientConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	StreamURL           string        `mapstructure:"stream_url"`
	UserID              string        `mapstructure:"user_id"`
	Token               string        `mapstructure:"token"`
	TokenFile           string        `mapstructure:"token_file"`
	KeyringService      string        `mapstructure:"keyring_service"`
	KeyringKey          string        `mapstructure:"keyring_key"`
	PageSize            int           `mapstructure:"page_size"`
	LedgerCapacity      int           `mapstructure:"ledger_capacity"`
	ResetOnDisable      bool          `mapstructure:"reset_on_disable"`
	DegradedPlaceholder bool          `mapstructure:"degraded_placeholder"`
	StateDSN            string        `mapstructure:"state_dsn"`
	ResyncInterval      time.Duration `mapstructure:"resync_interval"`
	ResyncJitter        float64       `mapstructure:"resync_jitter"`
	Timeout             time.Duration `mapstructure:"timeout"`
	LogLevel            string        `mapstructure:"log_level"`
}

// ServerConfig configures the reference notification server.
type ServerConfig struct {
	Addr               string  `mapstructure:"addr"`
	JWTSecret          string  `mapstructure:"jwt_secret"`
	InternalHMACSecret string  `mapstructure:"internal_hmac_secret"`
	RateLimit          float64 `mapstructure:"rate_limit"`
	RateBurst          int     `mapstructure:"rate_burst"`
	MaxBodyBytes       int64   `mapstructure:"max_body_bytes"`
	LogLevel           string  `mapstructure:"log_level"`
}

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
}

// Load reads path (optional) and applies RELAYFEED_* environment overrides,
// e.g. RELAYFEED_CLIENT_BASE_URL or RELAYFEED_SERVER_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "http://127.0.0.1:8080")
	v.SetDefault("client.stream_url", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.token_file", "")
	v.SetDefault("client.keyring_service", "relayfeed")
	v.SetDefault("client.keyring_key", "")
	v.SetDefault("client.page_size", 20)
	v.SetDefault("client.ledger_capacity", 1000)
	v.SetDefault("client.reset_on_disable", false)
	v.SetDefault("client.degraded_placeholder", true)
	v.SetDefault("client.state_dsn", "")
	v.SetDefault("client.resync_interval", 5*time.Minute)
	v.SetDefault("client.resync_jitter", 0.2)
	v.SetDefault("client.timeout", 15*time.Second)
	v.SetDefault("client.log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.internal_hmac_secret", "dev-internal-secret")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.log_level", "info")
}

func (c *Config) normalize() {
	c.Client.BaseURL = strings.TrimRight(strings.TrimSpace(c.Client.BaseURL), "/")
	c.Client.StreamURL = strings.TrimSpace(c.Client.StreamURL)
	if c.Client.StreamURL == "" {
		c.Client.StreamURL = DeriveStreamURL(c.Client.BaseURL)
	}
	c.Client.UserID = strings.TrimSpace(c.Client.UserID)
	c.Client.Token = strings.TrimSpace(c.Client.Token)
	if c.Client.KeyringKey == "" && c.Client.UserID != "" {
		c.Client.KeyringKey = "token:" + c.Client.UserID
	}
	if c.Client.PageSize <= 0 {
		c.Client.PageSize = 20
	}
	if c.Client.LedgerCapacity <= 0 {
		c.Client.LedgerCapacity = 1000
	}
	if c.Client.ResyncInterval < 0 {
		c.Client.ResyncInterval = 0
	}
	if c.Client.Timeout <= 0 {
		c.Client.Timeout = 15 * time.Second
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 40
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
}

// DeriveStreamURL maps the REST base URL to the websocket stream endpoint.
func DeriveStreamURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/v1/stream"
}
