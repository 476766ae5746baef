package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr       = "localhost:8000"
	DefaultChannel          = "caresync_changes"
	DefaultSubscribeTimeout = 10 * time.Second
	envPrefix               = "CARESYNC_"
)

// Config is the union of the relay and client settings. Values are
// layered: defaults, then the YAML file, then .env and the environment.
// Command-line flags override the result in cmd.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	ServerAddr string `yaml:"addr"`
	// DatabaseDSN is optional; without it changes only arrive over HTTP.
	DatabaseDSN    string   `yaml:"database_dsn"`
	Channel        string   `yaml:"channel"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ClientConfig struct {
	BaseURL          string        `yaml:"base_url"`
	StreamURL        string        `yaml:"stream_url"`
	Token            string        `yaml:"token"`
	UserId           string        `yaml:"user_id"`
	Username         string        `yaml:"username"`
	SessionKey       string        `yaml:"session_key"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	UnreadDebounce   time.Duration `yaml:"unread_debounce"`
	TypingTTL        time.Duration `yaml:"typing_ttl"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ServerAddr: DefaultServerAddr,
			Channel:    DefaultChannel,
		},
		Client: ClientConfig{
			SubscribeTimeout: DefaultSubscribeTimeout,
		},
	}
}

// Load reads path when non-empty, then a .env file in the working
// directory and finally CARESYNC_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("ADDR", &c.Server.ServerAddr)
	str("DATABASE_DSN", &c.Server.DatabaseDSN)
	str("CHANNEL", &c.Server.Channel)
	if v := getenv(envPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = SplitList(v)
	}

	str("BASE_URL", &c.Client.BaseURL)
	str("STREAM_URL", &c.Client.StreamURL)
	str("TOKEN", &c.Client.Token)
	str("USER_ID", &c.Client.UserId)
	str("USERNAME", &c.Client.Username)
	str("SESSION_KEY", &c.Client.SessionKey)

	for name, dst := range map[string]*time.Duration{
		"SUBSCRIBE_TIMEOUT": &c.Client.SubscribeTimeout,
		"UNREAD_DEBOUNCE":   &c.Client.UnreadDebounce,
		"TYPING_TTL":        &c.Client.TypingTTL,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func NewServerConfig(serverAddr, databaseDSN string, allowedOrigins []string) (*ServerConfig, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	for _, o := range allowedOrigins {
		if err := validateURL(o, "http", "https"); err != nil {
			return nil, fmt.Errorf("allowed origin: %w", err)
		}
	}

	return &ServerConfig{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		Channel:        DefaultChannel,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// Validate checks the client settings and fills in a fresh session key
// when none was configured.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if err := validateURL(c.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("base URL: %w", err)
	}
	if c.StreamURL == "" {
		return fmt.Errorf("stream URL cannot be empty")
	}
	if err := validateURL(c.StreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("stream URL: %w", err)
	}
	if c.UserId == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if c.SubscribeTimeout < 0 || c.UnreadDebounce < 0 || c.TypingTTL < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if c.SessionKey == "" {
		c.SessionKey = NewSessionKey()
	}
	return nil
}

// NewSessionKey identifies one client instance in presence state, so two
// tabs of the same user stay distinct.
func NewSessionKey() string {
	return uuid.NewString()
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}
