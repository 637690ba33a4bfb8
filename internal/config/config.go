// Package config loads server settings from defaults, an optional config
// file, a .env file, TASKHUB_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TASKHUB"

// DevJWTSecret is accepted only outside production.
const DevJWTSecret = "dev-secret-change-me-please"

type Config struct {
	Env              string        `mapstructure:"env"`
	Port             string        `mapstructure:"port"`
	DBPath           string        `mapstructure:"db_path"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	FrontendURL      string        `mapstructure:"frontend_url"`
	CookieSecure     bool          `mapstructure:"cookie_secure"`
	CookieDomain     string        `mapstructure:"cookie_domain"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	WSAuthTimeout    time.Duration `mapstructure:"ws_auth_timeout"`
	WSReplayLimit    int           `mapstructure:"ws_replay_limit"`
	WSReplayInterval time.Duration `mapstructure:"ws_replay_interval"`
	RateLimit        int           `mapstructure:"rate_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("port", "5000")
	v.SetDefault("db_path", "taskhub.db")
	v.SetDefault("jwt_secret", DevJWTSecret)
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("cookie_domain", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("ws_auth_timeout", 30*time.Second)
	v.SetDefault("ws_replay_limit", 5)
	v.SetDefault("ws_replay_interval", 300*time.Millisecond)
	v.SetDefault("rate_limit", 10)
}

// Flags returns the flag set understood by Load. Flag names use dashes;
// they map onto the underscore keys.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("env", "", "environment name (dev, prod)")
	fs.String("port", "", "HTTP listen port")
	fs.String("db-path", "", "SQLite database path")
	fs.String("frontend-url", "", "allowed browser origin")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "console or json")
	return fs
}

// Load resolves the configuration. args are parsed with fs, which should
// come from Flags; extra flags the caller added are left for it to read.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if knownKeys[key] {
			_ = v.BindPFlag(key, f)
		}
	})

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownKeys = map[string]bool{
	"env": true, "port": true, "db_path": true, "jwt_secret": true, "token_ttl": true,
	"frontend_url": true, "cookie_secure": true, "cookie_domain": true,
	"log_level": true, "log_format": true, "ws_auth_timeout": true,
	"ws_replay_limit": true, "ws_replay_interval": true, "rate_limit": true,
}

// IsProd reports whether the server runs in production mode.
func (c *Config) IsProd() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 bytes"))
	}
	if c.IsProd() && c.JWTSecret == DevJWTSecret {
		errs = append(errs, errors.New("jwt_secret must be set in production"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.WSAuthTimeout <= 0 {
		errs = append(errs, errors.New("ws_auth_timeout must be positive"))
	}
	if c.WSReplayLimit <= 0 {
		errs = append(errs, errors.New("ws_replay_limit must be positive"))
	}
	if c.WSReplayInterval < 0 {
		errs = append(errs, errors.New("ws_replay_interval must not be negative"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("rate_limit must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
