package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "TANDEM"
	defaultHTTPAddress    = "0.0.0.0:1234"
	defaultDatabasePath   = "tandem.db"
	defaultLogLevel       = "info"
	defaultStoreDebounce  = 2000
	defaultAutoSaveMillis = 5000
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	StoreDebounce time.Duration
	AutoSaveQuiet time.Duration
	AuditURL      string
	AuditAuthor   string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.debounce_ms", defaultStoreDebounce)
	configViper.SetDefault("autosave.quiet_ms", defaultAutoSaveMillis)
	configViper.SetDefault("audit.url", "")
	configViper.SetDefault("audit.author", "tandem-sync")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		StoreDebounce: time.Duration(configViper.GetInt("store.debounce_ms")) * time.Millisecond,
		AutoSaveQuiet: time.Duration(configViper.GetInt("autosave.quiet_ms")) * time.Millisecond,
		AuditURL:      configViper.GetString("audit.url"),
		AuditAuthor:   configViper.GetString("audit.author"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.StoreDebounce <= 0 {
		return fmt.Errorf("store.debounce_ms must be positive")
	}
	return nil
}
