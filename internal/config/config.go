package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API      APIConfig     `mapstructure:"api"`
	Chat     ChatConfig    `mapstructure:"chat"`
	Image    ImageConfig   `mapstructure:"image"`
	History  HistoryConfig `mapstructure:"history"`
	Models   []ModelConfig `mapstructure:"models"`
	LogLevel string        `mapstructure:"log_level"`
}

// APIConfig describes the remote streaming endpoint.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChatConfig holds the fixed generation parameters sent with every turn.
type ChatConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Greeting    string  `mapstructure:"greeting"`
}

// ImageConfig holds the image-analysis request settings.
type ImageConfig struct {
	Detail   string `mapstructure:"detail"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// HistoryConfig controls the in-process transcript archive.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// ModelConfig is one entry of the fallback model list.
type ModelConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// DefaultModels is used when the endpoint's model listing is unavailable.
var DefaultModels = []ModelConfig{
	{ID: "gpt-4.1", Name: "GPT-4.1"},
	{ID: "gpt-4-1106-preview", Name: "GPT-4 Turbo"},
	{ID: "gpt-4", Name: "GPT-4"},
}

const envPrefix = "STREAMCHAT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("chat.model", DefaultModels[0].ID)
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.max_tokens", 1000)
	v.SetDefault("chat.greeting", "How can I help you today?")
	v.SetDefault("image.detail", "auto")
	v.SetDefault("image.max_bytes", 20<<20)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", ":memory:")
	v.SetDefault("log_level", "info")
}

// Default returns the configuration with every default applied and no file read.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	cfg.Models = append([]ModelConfig(nil), DefaultModels...)
	return &cfg
}

// Load loads the configuration. A .env file and config.yaml are both
// optional; CONFIG_PATH points at an explicit yaml file and STREAMCHAT_*
// environment variables override file values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if len(config.Models) == 0 {
		config.Models = append([]ModelConfig(nil), DefaultModels...)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be set")
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if c.Chat.MaxTokens <= 0 {
		return errors.New("chat.max_tokens must be positive")
	}
	return nil
}
