package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "DRIFTCAST"
	defaultDatabasePath     = "driftcast.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultChatHistoryLimit = 100
	defaultPollInterval     = 30 * time.Second
	defaultReconnectBase    = time.Second
	defaultReconnectCap     = 30 * time.Second
	defaultReconnectLimit   = 5
)

// AppConfig captures runtime configuration for the client core.
type AppConfig struct {
	APIBaseURL       string
	ProductionHost   string
	WebsocketURL     string
	MediaBaseURL     string
	DatabasePath     string
	LogLevel         string
	LogFormat        string
	ChatHistoryLimit int
	PollInterval     time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectLimit   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", "")
	configViper.SetDefault("api.production_host", "")
	configViper.SetDefault("api.media_base_url", "")
	configViper.SetDefault("ws.url", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("chat.history_limit", defaultChatHistoryLimit)
	configViper.SetDefault("notify.poll_interval", defaultPollInterval)
	configViper.SetDefault("notify.reconnect_base", defaultReconnectBase)
	configViper.SetDefault("notify.reconnect_cap", defaultReconnectCap)
	configViper.SetDefault("notify.reconnect_limit", defaultReconnectLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:       configViper.GetString("api.base_url"),
		ProductionHost:   configViper.GetString("api.production_host"),
		MediaBaseURL:     configViper.GetString("api.media_base_url"),
		WebsocketURL:     configViper.GetString("ws.url"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		ChatHistoryLimit: configViper.GetInt("chat.history_limit"),
		PollInterval:     configViper.GetDuration("notify.poll_interval"),
		ReconnectBase:    configViper.GetDuration("notify.reconnect_base"),
		ReconnectCap:     configViper.GetDuration("notify.reconnect_cap"),
		ReconnectLimit:   configViper.GetInt("notify.reconnect_limit"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ChatHistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("notify.poll_interval must be positive")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("notify.reconnect_base and notify.reconnect_cap must describe a valid backoff window")
	}
	if c.ReconnectLimit <= 0 {
		return fmt.Errorf("notify.reconnect_limit must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}
	return nil
}
