package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"tgdispatch/pkg/api"
	"tgdispatch/pkg/core"
	"tgdispatch/pkg/prov"
	"tgdispatch/pkg/repo"
)

type appConfig struct {
	API      api.Config  `mapstructure:"api"`
	Repo     repo.Config `mapstructure:"repo"`
	Telegram prov.Config `mapstructure:"telegram"`
	Dispatch core.Config `mapstructure:"dispatch"`
}

// loadConfig loads the application configuration using the provided arguments and environment variables.
// It returns a pointer to appConfig or an error if loading or unmarshalling fails.
func loadConfig(arg *args) (*appConfig, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if arg.ConfigPath != "" {
		v.SetConfigFile(arg.ConfigPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg appConfig

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}

	slog.Debug("Config loaded", slog.Any("config", cfg))

	return &cfg, nil
}
