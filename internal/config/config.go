package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	"mowerlink/internal/tr50"
)

// Config models mowerlink.yaml.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Device    DeviceConfig   `yaml:"device"`
	API       APIConfig      `yaml:"api"`
	Session   SessionConfig  `yaml:"session"`
	Retry     RetryConfig    `yaml:"retry"`
	StatusMap map[int]string `yaml:"status_map,omitempty"`
	Queue     QueueConfig    `yaml:"queue"`
	Notify    NotifyConfig   `yaml:"notify,omitempty"`
}

type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	DatabaseURL   string `yaml:"database_url,omitempty"`
	JWTSecret     string `yaml:"jwt_secret,omitempty"`
	HistoryMemory int    `yaml:"history_memory,omitempty"`
}

type DeviceConfig struct {
	IMEI       string `yaml:"imei"`
	ClientKey  string `yaml:"client_key"`
	ClientName string `yaml:"client_name"`
}

type APIConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	AppToken       string        `yaml:"app_token"`
	AckTimeout     int           `yaml:"ack_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Schedule    []time.Duration `yaml:"schedule,omitempty"`
	Base        time.Duration   `yaml:"base"`
	Factor      float64         `yaml:"factor"`
	Max         time.Duration   `yaml:"max"`
	ReauthOn    []string        `yaml:"reauth_on"`
	RetryOn     []string        `yaml:"retry_on"`
}

type QueueConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RateDelay      time.Duration `yaml:"rate_delay,omitempty"`
}

type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url,omitempty"`
	Template     string        `yaml:"template,omitempty"`
	DedupeWindow time.Duration `yaml:"dedupe_window,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8080"},
		Device: DeviceConfig{ClientName: "mowerlink"},
		API: APIConfig{
			Endpoint:       tr50.DefaultEndpoint,
			AppToken:       tr50.DefaultAppToken,
			AckTimeout:     tr50.DefaultAckTimeout,
			RequestTimeout: 30 * time.Second,
		},
		Session: SessionConfig{TTL: commandsapp.DefaultSessionTTL},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Base:        time.Second,
			Factor:      2,
			Max:         30 * time.Second,
			ReauthOn:    []string{string(commands.AuthExpired), string(commands.SessionInvalid)},
			RetryOn:     []string{string(commands.TransientNetwork), string(commands.ServerBusy)},
		},
		Queue: QueueConfig{DefaultTimeout: 30 * time.Second},
	}
}

// FromYAML parses config from raw YAML bytes on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Load reads path when it exists and overlays environment variables.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// LoadFile reads path without the environment overlay. A missing file
// yields the defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ApplyEnv overlays non-empty environment values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	c.Server.HTTPAddr = get("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.DatabaseURL = get("DATABASE_URL", get("PG_DSN", c.Server.DatabaseURL))
	c.Server.JWTSecret = get("AUTH_JWT_SECRET", c.Server.JWTSecret)
	c.Device.IMEI = get("MOWER_IMEI", c.Device.IMEI)
	c.Device.ClientKey = get("MOWER_CLIENT_KEY", c.Device.ClientKey)
	c.Device.ClientName = get("MOWER_CLIENT_NAME", c.Device.ClientName)
	c.API.Endpoint = get("TR50_ENDPOINT", c.API.Endpoint)
	c.API.AppToken = get("TR50_APP_TOKEN", c.API.AppToken)
	c.Notify.WebhookURL = get("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
}

// Validate checks structural sanity. Device credentials are checked by
// RequireDevice since setup runs before they exist.
func (c *Config) Validate() error {
	if c.Device.IMEI != "" {
		if err := commands.ValidateDeviceID(c.Device.IMEI); err != nil {
			return fmt.Errorf("config.device.imei: %w", err)
		}
	}
	if strings.TrimSpace(c.API.Endpoint) == "" {
		return fmt.Errorf("config.api.endpoint is required")
	}
	if c.API.AckTimeout <= 0 {
		return fmt.Errorf("config.api.ack_timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	for i, d := range c.Retry.Schedule {
		if d < 0 {
			return fmt.Errorf("config.retry.schedule[%d] is negative", i)
		}
	}
	if len(c.Retry.Schedule) == 0 && c.Retry.Factor != 0 && c.Retry.Factor < 1 {
		return fmt.Errorf("config.retry.factor must be >= 1")
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if _, err := c.StatusMapping(); err != nil {
		return err
	}
	if c.Queue.DefaultTimeout <= 0 {
		return fmt.Errorf("config.queue.default_timeout must be positive")
	}
	if c.Queue.RateDelay < 0 {
		return fmt.Errorf("config.queue.rate_delay is negative")
	}
	if c.Notify.DedupeWindow < 0 {
		return fmt.Errorf("config.notify.dedupe_window is negative")
	}
	return nil
}

// RequireDevice ensures the device identity is configured.
func (c *Config) RequireDevice() error {
	if c.Device.IMEI == "" {
		return fmt.Errorf("config.device.imei is required; run mowerlink setup")
	}
	if c.Device.ClientKey == "" {
		return fmt.Errorf("config.device.client_key is required; run mowerlink setup")
	}
	return nil
}

// Identity returns the configured client identity.
func (c *Config) Identity() commands.ClientIdentity {
	return commands.ClientIdentity{Name: c.Device.ClientName, Key: c.Device.ClientKey}
}

// RetryPolicy builds the dispatcher retry policy.
func (c *Config) RetryPolicy() (commandsapp.RetryPolicy, error) {
	reauth, err := classificationSet("reauth_on", c.Retry.ReauthOn)
	if err != nil {
		return commandsapp.RetryPolicy{}, err
	}
	retry, err := classificationSet("retry_on", c.Retry.RetryOn)
	if err != nil {
		return commandsapp.RetryPolicy{}, err
	}
	return commandsapp.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: commandsapp.Backoff{
			Schedule: c.Retry.Schedule,
			Base:     c.Retry.Base,
			Factor:   c.Retry.Factor,
			Max:      c.Retry.Max,
		},
		ReauthOn: reauth,
		RetryOn:  retry,
	}, nil
}

func classificationSet(field string, values []string) (map[commands.Classification]bool, error) {
	out := make(map[commands.Classification]bool, len(values))
	for _, v := range values {
		kind, err := commands.ParseClassification(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("config.retry.%s: %w", field, err)
		}
		out[kind] = true
	}
	return out, nil
}

// StatusMapping builds the HTTP status classification table. Entries
// override the defaults.
func (c *Config) StatusMapping() (tr50.StatusMapping, error) {
	mapping := tr50.DefaultStatusMapping()
	for status, value := range c.StatusMap {
		if status < 100 || status > 599 || status == http.StatusOK {
			return tr50.StatusMapping{}, fmt.Errorf("config.status_map: invalid status %d", status)
		}
		kind, err := commands.ParseClassification(value)
		if err != nil {
			return tr50.StatusMapping{}, fmt.Errorf("config.status_map[%d]: %w", status, err)
		}
		mapping.ByStatus[status] = kind
	}
	return mapping, nil
}

// Save writes cfg to path with owner-only permissions since it holds the
// client key.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: empty path")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
