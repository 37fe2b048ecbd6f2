package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config drives the demo binary; the SDK itself is configured in code.
type Config struct {
	LogLevel        string        `mapstructure:"log_level"`
	ClientID        string        `mapstructure:"client_id"`
	RoomID          string        `mapstructure:"room_id"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	TransientWindow time.Duration `mapstructure:"transient_window"`
	GatewayURL      string        `mapstructure:"gateway_url"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("log_level", "info")
	v.SetDefault("client_id", "demo")
	v.SetDefault("room_id", "lobby")
	v.SetDefault("retry_delay", "250ms")
	v.SetDefault("transient_window", "5s")
	// Empty means run against the in-process transport.
	v.SetDefault("gateway_url", "")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
