package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace/pkg/protocol"
	"marketplace/pkg/utils"

	"github.com/spf13/viper"
)

const envPrefix = "MARKETPLACE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
}

type ServerConfig struct {
	// Address and Port are the UDP bind address.
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	// HTTPPort serves image ingestion and metrics; 0 disables it.
	HTTPPort int    `mapstructure:"http_port"`
	Capacity int    `mapstructure:"capacity"`
	Codec    string `mapstructure:"codec"`
	// Console enables the operator console on stdin.
	Console            bool          `mapstructure:"console"`
	MaxRestartInterval time.Duration `mapstructure:"max_restart_interval"`
}

type LogConfig struct {
	Level       string         `mapstructure:"level"`
	Format      string         `mapstructure:"format"`
	Outputs     []string       `mapstructure:"outputs"`
	Development bool           `mapstructure:"development"`
	Rotation    RotationConfig `mapstructure:"rotation"`
}

type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type StorageConfig struct {
	ImageDir string `mapstructure:"image_dir"`
	// MaxImageSize accepts human sizes such as "10MB".
	MaxImageSize string `mapstructure:"max_image_size"`
	QueueSize    int    `mapstructure:"queue_size"`
	Workers      int    `mapstructure:"workers"`
}

type ClassifierConfig struct {
	// URL of the classification service; empty uses the no-op classifier.
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 41234)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.capacity", 100)
	v.SetDefault("server.codec", protocol.JSONCodecName)
	v.SetDefault("server.console", false)
	v.SetDefault("server.max_restart_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputs", []string{"stderr"})
	v.SetDefault("log.development", false)
	v.SetDefault("log.rotation.max_size_mb", 50)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 28)
	v.SetDefault("storage.image_dir", "./data/images")
	v.SetDefault("storage.max_image_size", "10MB")
	v.SetDefault("storage.queue_size", 64)
	v.SetDefault("storage.workers", 2)
	v.SetDefault("classifier.timeout", 10*time.Second)
	v.SetDefault("classifier.max_elapsed", 30*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	return cfg
}

// LoadConfig reads a JSON or YAML file, applies MARKETPLACE_* environment
// overrides on top and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv builds the configuration from defaults and MARKETPLACE_*
// environment variables only, e.g. MARKETPLACE_SERVER_PORT.
func LoadFromEnv() (*Config, error) {
	cfg, err := decode(newViper())
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// MaxImageBytes returns the parsed image size limit.
func (s StorageConfig) MaxImageBytes() (int64, error) {
	if strings.TrimSpace(s.MaxImageSize) == "" {
		return 0, nil
	}
	return utils.ParseDataSize(s.MaxImageSize)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.Capacity < 1 {
		errs = append(errs, fmt.Errorf("server.capacity must be at least 1, got %d", c.Server.Capacity))
	}
	if _, err := protocol.NewCodec(c.Server.Codec); err != nil {
		errs = append(errs, fmt.Errorf("server.codec: %w", err))
	}
	if _, err := c.Storage.MaxImageBytes(); err != nil {
		errs = append(errs, fmt.Errorf("storage.max_image_size: %w", err))
	}
	return errors.Join(errs...)
}
