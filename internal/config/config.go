package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/luminachat/backend/pkg/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	JWT       JWTConfig                 `yaml:"jwt"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Quota     QuotaConfig               `yaml:"quota"`
	Billing   BillingConfig             `yaml:"billing"`
	Redis     RedisConfig               `yaml:"redis"`
	Titles    TitleConfig               `yaml:"titles"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret            string `yaml:"secret"`
	AccessExpireHour  int    `yaml:"access_expire_hour"`
	RefreshExpireHour int    `yaml:"refresh_expire_hour"`
}

// ProviderConfig describes one upstream LLM provider endpoint. The map key in
// Config.Providers is the provider name the catalog routes on: "openai",
// "anthropic", "gemini", "ollama", or any OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// QuotaConfig holds the free-tier ceilings and housekeeping knobs. PRO plan
// limits live in the catalog plan table, not here.
type QuotaConfig struct {
	FreeDailyRequests int     `yaml:"free_daily_requests"`
	FreeDailyTokens   int64   `yaml:"free_daily_tokens"`
	SoftWarnRatio     float64 `yaml:"soft_warn_ratio"`
	LogRetentionDays  int     `yaml:"log_retention_days"`
}

type BillingConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

// RedisConfig for the optional async task queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TitleConfig controls asynchronous chat title generation.
type TitleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
		// Write a starter file so operators have something to edit. Failure
		// is not fatal, the in-memory defaults still apply.
		if err := cfg.Save(configPath); err != nil {
			logger.Warnf("[Config] Could not write starter config to %s: %v", configPath, err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		fileCfg := DefaultConfig()
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "luminachat.db",
		},
		JWT: JWTConfig{
			Secret:            "luminachat-secret-key-change-in-production",
			AccessExpireHour:  24,
			RefreshExpireHour: 24 * 14,
		},
		Providers: map[string]ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1"},
		},
		Quota: QuotaConfig{
			FreeDailyRequests: 20,
			FreeDailyTokens:   5000,
			SoftWarnRatio:     0.7,
			LogRetentionDays:  90,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Titles: TitleConfig{
			Enabled: true,
			Model:   "gpt-4o-mini",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if secret := os.Getenv("BILLING_WEBHOOK_SECRET"); secret != "" {
		c.Billing.WebhookSecret = secret
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	// Per-provider overrides: OPENAI_API_KEY, ANTHROPIC_API_KEY, ... and the
	// matching *_BASE_URL variables.
	for _, name := range []string{"openai", "anthropic", "gemini", "ollama"} {
		upper := strings.ToUpper(name)
		p := c.Providers[name]
		changed := false
		if key := os.Getenv(upper + "_API_KEY"); key != "" {
			p.APIKey = key
			changed = true
		}
		if base := os.Getenv(upper + "_BASE_URL"); base != "" {
			p.BaseURL = base
			changed = true
		}
		if changed {
			c.Providers[name] = p
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

// Provider returns the configuration for the named provider, falling back to
// an empty config so callers can surface a clear "not configured" error.
func (c *Config) Provider(name string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
