package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Secret          string        `mapstructure:"secret"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DefaultRoom     string        `mapstructure:"default_room"`
	DefaultUsername string        `mapstructure:"default_username"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an
// error. RELAY_<KEY> environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8000)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("secret", "dev-secret-change")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("default_room", "general")
	v.SetDefault("default_username", "Anonymous")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Strs("origins", cfg.AllowedOrigins).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.PingPeriod <= 0 || c.PongWait <= 0 || c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period (%s) must be positive and shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	}
	return nil
}

// Addr is the listen address for http.Server.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
