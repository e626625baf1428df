package model

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides
// (e.g., TUTORNOTIFY_SERVER_BASE_URL).
const EnvPrefix = "TUTORNOTIFY"

// ServerConfig locates the marketplace backend.
type ServerConfig struct {
	// BaseURL is the root URL of the REST API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`

	// SocketURL is the push channel endpoint. When empty it is derived
	// from BaseURL (http→ws, https→wss, path /ws).
	SocketURL string `mapstructure:"socket_url" yaml:"socket_url" validate:"omitempty,url"`

	// RequestTimeoutSec bounds a single REST request.
	RequestTimeoutSec int `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec" validate:"gte=1"`

	// RateLimitPerSec caps outbound REST requests. Zero disables pacing.
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec" validate:"gte=0"`
}

// ReconnectConfig holds the push channel reconnect policy.
type ReconnectConfig struct {
	BaseDelayMs int `mapstructure:"base_delay_ms" yaml:"base_delay_ms" validate:"gte=1"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" yaml:"max_delay_ms" validate:"gte=0"`
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
}

// InboxConfig holds notification store settings.
type InboxConfig struct {
	// ConfirmTimeoutSec bounds how long an optimistic read waits for the
	// backend before it is rolled back.
	ConfirmTimeoutSec int `mapstructure:"confirm_timeout_sec" yaml:"confirm_timeout_sec" validate:"gte=1"`

	// PageSize is the number of notifications requested per page.
	PageSize int `mapstructure:"page_size" yaml:"page_size" validate:"gte=1,lte=100"`

	// Role scopes fetches and the default list view.
	Role string `mapstructure:"role" yaml:"role" validate:"omitempty,oneof=student tutor counselor teacher admin"`
}

// DisplayConfig holds UI/rendering preferences.
type DisplayConfig struct {
	Theme           string `mapstructure:"theme" yaml:"theme" validate:"oneof=default dark light"`
	PollIntervalSec int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec" validate:"gte=0"`
	RecentLimit     int    `mapstructure:"recent_limit" yaml:"recent_limit" validate:"gte=1,lte=50"`
}

// CacheConfig controls the local warm-start cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Path  string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Inbox     InboxConfig     `mapstructure:"inbox" yaml:"inbox"`
	Display   DisplayConfig   `mapstructure:"display" yaml:"display"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigDir returns ~/.config/tutornotify.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "tutornotify")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/tutornotify/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// defaults maps every config key to its default value.
func defaults() map[string]any {
	dir := DefaultConfigDir()
	return map[string]any{
		"server.base_url":            "http://localhost:8080",
		"server.socket_url":          "",
		"server.request_timeout_sec": 30,
		"server.rate_limit_per_sec":  5.0,
		"reconnect.base_delay_ms":    1000,
		"reconnect.max_delay_ms":     30000,
		"reconnect.max_attempts":     5,
		"inbox.confirm_timeout_sec":  10,
		"inbox.page_size":            20,
		"inbox.role":                 "",
		"display.theme":              "default",
		"display.poll_interval_sec":  120,
		"display.recent_limit":       5,
		"cache.enabled":              true,
		"cache.path":                 filepath.Join(dir, "cache.db"),
		"log.level":                  "info",
		"log.path":                   filepath.Join(dir, "tutornotify.log"),
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file yields the defaults; environment overrides apply either way.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports the first few violations
// by their config key.
func (c *AppConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// WebSocketURL returns the push channel endpoint, deriving it from
// BaseURL when SocketURL is unset.
func (s ServerConfig) WebSocketURL() (string, error) {
	if s.SocketURL != "" {
		return s.SocketURL, nil
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", s.BaseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// RequestTimeout returns the REST request timeout.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// BaseDelay returns the first reconnect delay.
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap. Zero means uncapped.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// ConfirmTimeout returns how long an optimistic read may stay pending.
func (i InboxConfig) ConfirmTimeout() time.Duration {
	return time.Duration(i.ConfirmTimeoutSec) * time.Second
}

// PollInterval returns the REST refresh interval. Zero disables polling.
func (d DisplayConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSec) * time.Second
}

// WatchConfig re-reads the file on every change and passes the new
// configuration to onChange. Invalid intermediate writes are reported to
// onError and otherwise ignored.
func WatchConfig(path string, onChange func(*AppConfig), onError func(error)) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		if onError != nil {
			onError(fmt.Errorf("reading config %s: %w", path, err))
		}
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v, path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("reconnect", cfg.Reconnect)
	v.Set("inbox", cfg.Inbox)
	v.Set("display", cfg.Display)
	v.Set("cache", cfg.Cache)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
