package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/chromedp/cdpshim"
)

// config is the proxy configuration, read from flags, CDPSHIM_* environment
// variables and an optional YAML file, in that order of precedence.
type config struct {
	Listen   string        `mapstructure:"listen"`
	Remote   string        `mapstructure:"remote"`
	Tab      int64         `mapstructure:"tab"`
	Delay    time.Duration `mapstructure:"delay"`
	LogFile  string        `mapstructure:"log-file"`
	LogLevel string        `mapstructure:"log-level"`
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "cdpshim-proxy",
		Short:        "Expose one browser tab as a browser-level CDP endpoint",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, zapcore.Lock(os.Stderr))
			if err != nil {
				return err
			}
			defer closeLog()
			defer logger.Sync()

			sugar := logger.Sugar()
			srv := newServer(cfg, sugar, dialRemote(cfg.Remote))
			return srv.listenAndServe(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	flags.StringP("listen", "l", "localhost:9223", "listen address")
	flags.StringP("remote", "r", "localhost:9222", "remote browser address")
	flags.Int64("tab", 0, "tab id to expose (0 picks the first page tab)")
	flags.Duration("delay", cdpshim.DefaultDelay, "delay applied to every response")
	flags.String("log-file", "", "also write json logs to this file, rotated")
	flags.String("log-level", "info", "log level")
	return cmd
}

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command, cfgFile string) (config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, err
	}
	v.SetEnvPrefix("CDPSHIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Delay <= 0 {
		return config{}, fmt.Errorf("invalid delay %v: %w", cfg.Delay, cdpshim.ErrInvalidDelay)
	}
	if cfg.Tab < 0 {
		return config{}, fmt.Errorf("invalid tab id %d", cfg.Tab)
	}
	return cfg, nil
}
