// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Task is a named prompt, optionally on a cron schedule.
type Task struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Prompt   string `mapstructure:"prompt"`
}

// Config is the fully resolved configuration handed to the core. The core
// is agnostic to whether a value came from the file, the environment, or a
// default.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Telegram struct {
		Token              string `mapstructure:"token"`
		ChatID             int64  `mapstructure:"chat_id"`
		RequireMention     bool   `mapstructure:"require_mention"`
		PollTimeoutSeconds int    `mapstructure:"poll_timeout_seconds"`
	} `mapstructure:"telegram"`

	Backend struct {
		BaseURL        string `mapstructure:"base_url"`
		APIKey         string `mapstructure:"api_key"`
		Model          string `mapstructure:"model"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"backend"`

	Sampling struct {
		Temperature float32  `mapstructure:"temperature"`
		MaxTokens   int      `mapstructure:"max_tokens"`
		Stop        []string `mapstructure:"stop"`
	} `mapstructure:"sampling"`

	Context struct {
		Preamble       string `mapstructure:"preamble"`
		MaxTurns       int    `mapstructure:"max_turns"`
		MaxTokens      int    `mapstructure:"max_tokens"`
		Encoding       string `mapstructure:"encoding"`
		UserLabel      string `mapstructure:"user_label"`
		AssistantLabel string `mapstructure:"assistant_label"`
	} `mapstructure:"context"`

	Session struct {
		MaxPending        int     `mapstructure:"max_pending"`
		FailureNotice     string  `mapstructure:"failure_notice"`
		BackoffInitialMS  int     `mapstructure:"backoff_initial_ms"`
		BackoffMaxMS      int     `mapstructure:"backoff_max_ms"`
		BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
		ShutdownGraceMS   int     `mapstructure:"shutdown_grace_ms"`
	} `mapstructure:"session"`

	HTTP struct {
		Enabled bool   `mapstructure:"enabled"`
		Listen  string `mapstructure:"listen"`
	} `mapstructure:"http"`

	Tasks []Task `mapstructure:"tasks"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".chatrelay", "config.yaml")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("log_level", "info")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.require_mention", false)
	v.SetDefault("telegram.poll_timeout_seconds", 30)
	v.SetDefault("backend.base_url", "http://127.0.0.1:8080/v1")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.timeout_seconds", 120)
	v.SetDefault("sampling.temperature", 0.7)
	v.SetDefault("sampling.max_tokens", 256)
	v.SetDefault("sampling.stop", []string{})
	v.SetDefault("context.preamble", "")
	v.SetDefault("context.max_turns", 10)
	v.SetDefault("context.max_tokens", 1024)
	v.SetDefault("context.encoding", "cl100k_base")
	v.SetDefault("context.user_label", "")
	v.SetDefault("context.assistant_label", "")
	v.SetDefault("session.max_pending", 16)
	v.SetDefault("session.failure_notice", "Sorry, I could not come up with a reply.")
	v.SetDefault("session.backoff_initial_ms", 1000)
	v.SetDefault("session.backoff_max_ms", 30000)
	v.SetDefault("session.backoff_multiplier", 2.0)
	v.SetDefault("session.shutdown_grace_ms", 5000)
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8484")

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from the given path, falling back to defaults
// when the file does not exist. Environment variables with the CHATRELAY_
// prefix take precedence over the file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Widely used environment names override the prefixed ones.
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.Backend.BaseURL = base
	}

	return &cfg, nil
}

// Validate checks the fields serve cannot run without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	return nil
}

// secretKeys are masked in listings.
var secretKeys = map[string]bool{
	"telegram.token":  true,
	"backend.api_key": true,
}

// IsSecretKey reports whether a key's value should be masked in output.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// ListValues returns the flattened key/value view of the resolved config,
// masking secrets when maskSecrets is set.
func ListValues(path string, maskSecrets bool) (map[string]any, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
	}

	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		val := v.Get(key)
		if maskSecrets && IsSecretKey(key) && val != "" {
			val = "***"
		}
		out[key] = val
	}
	return out, nil
}

// GetValue returns a single resolved config value.
func GetValue(path, key string) (any, error) {
	values, err := ListValues(path, false)
	if err != nil {
		return nil, err
	}
	val, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return val, nil
}

// SetValue persists a single key into the config file, creating the file
// with current defaults when it does not exist.
func SetValue(path, key, value string) error {
	if path == "" {
		path = DefaultPath()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return err
		}
	}
	known := false
	for _, k := range v.AllKeys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown config key %q", key)
	}
	v.Set(key, value)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
