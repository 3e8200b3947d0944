package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Topics struct {
	Commands string `mapstructure:"commands"`
	Updates  string `mapstructure:"updates"`
	Feedback string `mapstructure:"feedback"`
	Group    string `mapstructure:"group"`
}

type BusConfig struct {
	URL    string `mapstructure:"url"`
	Topics Topics `mapstructure:"topics"`
}

type SignalingConfig struct {
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	Secret     string        `mapstructure:"secret"`
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

type MediaConfig struct {
	Workers int `mapstructure:"workers"`
}

type APIConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	SignPath    string `mapstructure:"sign_path"`
	RefreshPath string `mapstructure:"refresh_path"`
}

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Media     MediaConfig     `mapstructure:"media"`
	Bus       BusConfig       `mapstructure:"bus"`
	API       APIConfig       `mapstructure:"api"`
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

	v.SetDefault("mode", "release")
	v.SetDefault("signaling.port", 8080)
	v.SetDefault("signaling.static_path", "./web")
	v.SetDefault("signaling.secret", "change-me")
	v.SetDefault("signaling.join_limit", 10)
	v.SetDefault("signaling.join_window", "10s")
	v.SetDefault("media.workers", 8)
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.topics.commands", "sfu_commands")
	v.SetDefault("bus.topics.updates", "signaling_updates")
	v.SetDefault("bus.topics.feedback", "sfu_feedback")
	v.SetDefault("bus.topics.group", "sfu-group")
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.sign_path", "/signature")
	v.SetDefault("api.refresh_path", "/api/auth/refresh-token")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Signaling: %d | Bus: %s\n", cfg.Mode, cfg.Signaling.Port, cfg.Bus.URL)
	return &cfg, nil
}
