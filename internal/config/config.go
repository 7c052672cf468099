// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// AppName is used for the env prefix, the XDG config directory and the logger name.
const AppName = "safesurf"

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than on *Config so tests can hand them fakes.
type Interface interface {
	Logger() LoggerConfig
	Backend() BackendConfig
	Auth() AuthConfig
	Browser() BrowserConfig
	Watcher() WatcherConfig
	Narration() NarrationConfig
	Messaging() MessagingConfig
	Database() DatabaseConfig

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)
	SetBackendBaseURL(string)

	Validate() error
	Masked() Config
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BackendCfg   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	AuthCfg      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	WatcherCfg   WatcherConfig   `mapstructure:"watcher" yaml:"watcher"`
	NarrationCfg NarrationConfig `mapstructure:"narration" yaml:"narration"`
	MessagingCfg MessagingConfig `mapstructure:"messaging" yaml:"messaging"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Backend() BackendConfig     { return c.BackendCfg }
func (c *Config) Auth() AuthConfig           { return c.AuthCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Watcher() WatcherConfig     { return c.WatcherCfg }
func (c *Config) Narration() NarrationConfig { return c.NarrationCfg }
func (c *Config) Messaging() MessagingConfig { return c.MessagingCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }

// --- Setters ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetBackendBaseURL(u string)   { c.BackendCfg.BaseURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BackendConfig points the companion at the classification service.
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequestsPerSecond of zero disables client side throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	ForceHTTP2        bool    `mapstructure:"force_http2" yaml:"force_http2"`
}

// AuthConfig carries either login credentials or a pre-issued token.
type AuthConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// BrowserConfig controls how the companion reaches Chromium.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser (ws:// or http:// devtools endpoint).
	RemoteURL   string   `mapstructure:"remote_url" yaml:"remote_url"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args        []string `mapstructure:"args" yaml:"args"`
}

// WatcherConfig tunes which navigations are checked.
type WatcherConfig struct {
	// SkipPatterns are host globs that are never sent to the backend.
	SkipPatterns []string `mapstructure:"skip_patterns" yaml:"skip_patterns"`
}

// NarrationConfig feeds the page's speech synthesis.
type NarrationConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Lang    string  `mapstructure:"lang" yaml:"lang"`
	Rate    float64 `mapstructure:"rate" yaml:"rate"`
	Pitch   float64 `mapstructure:"pitch" yaml:"pitch"`
}

// MessagingConfig sizes the per-page mailboxes.
type MessagingConfig struct {
	MailboxSize int `mapstructure:"mailbox_size" yaml:"mailbox_size"`
}

// DatabaseConfig holds the journal connection details. An empty URL disables the journal.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", AppName)
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Backend --
	v.SetDefault("backend.base_url", "http://127.0.0.1:8000")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.requests_per_second", 0.0)
	v.SetDefault("backend.burst", 4)
	v.SetDefault("backend.force_http2", false)

	// -- Auth --
	v.SetDefault("auth.email", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.token", "")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.args", []string{})

	// -- Watcher --
	v.SetDefault("watcher.skip_patterns", []string{"localhost", "127.0.0.1"})

	// -- Narration --
	v.SetDefault("narration.enabled", true)
	v.SetDefault("narration.lang", "en-US")
	v.SetDefault("narration.rate", 1.0)
	v.SetDefault("narration.pitch", 1.0)

	// -- Messaging --
	v.SetDefault("messaging.mailbox_size", 16)

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are commonly supplied through the environment only.
	_ = v.BindEnv("auth.password", "SAFESURF_AUTH_PASSWORD")
	_ = v.BindEnv("auth.token", "SAFESURF_AUTH_TOKEN")
	_ = v.BindEnv("database.url", "SAFESURF_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("expanding logger.log_file: %w", err)
	}
	if c.BrowserCfg.UserDataDir, err = homedir.Expand(c.BrowserCfg.UserDataDir); err != nil {
		return fmt.Errorf("expanding browser.user_data_dir: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BackendCfg.Validate(); err != nil {
		return fmt.Errorf("backend configuration invalid: %w", err)
	}
	if c.MessagingCfg.MailboxSize <= 0 {
		return fmt.Errorf("messaging.mailbox_size must be a positive integer")
	}
	if err := c.NarrationCfg.Validate(); err != nil {
		return fmt.Errorf("narration configuration invalid: %w", err)
	}
	if c.AuthCfg.Token != "" && c.AuthCfg.Email == "" {
		return fmt.Errorf("auth.token requires auth.email")
	}
	return nil
}

// Validate checks the backend settings.
func (b *BackendConfig) Validate() error {
	u, err := url.Parse(b.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", b.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme)
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if b.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	if b.RequestsPerSecond > 0 && b.Burst <= 0 {
		return fmt.Errorf("burst must be positive when requests_per_second is set")
	}
	return nil
}

// Validate checks the narration voice parameters against the Web Speech API ranges.
func (n *NarrationConfig) Validate() error {
	if n.Rate < 0.1 || n.Rate > 10 {
		return fmt.Errorf("rate must be between 0.1 and 10")
	}
	if n.Pitch < 0 || n.Pitch > 2 {
		return fmt.Errorf("pitch must be between 0 and 2")
	}
	return nil
}

// SearchPaths lists the directories searched for config.yaml when --config is not given.
func SearchPaths() []string {
	return []string{".", filepath.Join(xdg.ConfigHome, AppName)}
}

// EnvKeyReplacer maps nested keys to env names, so backend.base_url reads SAFESURF_BACKEND_BASE_URL.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// Masked returns a copy safe to print: secrets are replaced with a fixed marker.
func (c *Config) Masked() Config {
	out := *c
	out.AuthCfg.Password = mask(out.AuthCfg.Password)
	out.AuthCfg.Token = mask(out.AuthCfg.Token)
	out.DatabaseCfg.URL = maskURL(out.DatabaseCfg.URL)
	return out
}

const maskMarker = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskMarker
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return maskMarker
	}
	return u.Redacted()
}
