package launcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dirsrv/replication/config"
	"github.com/dirsrv/replication/kit/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Flags override the config file and the environment.
type Flags struct {
	ConfigPath  string
	BindAddress string
	Dir         string
	LogLevel    zapcore.Level
}

func (f *Flags) opts() []cli.Opt {
	return []cli.Opt{
		{
			DestP: &f.ConfigPath,
			Flag:  "config",
			Short: 'c',
			Desc:  "path to the TOML config file; without one a demo supplier of dc=example,dc=com runs",
		},
		{
			DestP: &f.BindAddress,
			Flag:  "bind-address",
			Desc:  "bind address for the replication and admin HTTP API",
		},
		{
			DestP: &f.Dir,
			Flag:  "dir",
			Desc:  "directory of the changelog and agreement databases",
		},
		{
			DestP:   &f.LogLevel,
			Flag:    "log-level",
			Default: zapcore.InfoLevel,
			Desc:    "supported log levels are debug, info, warn and error",
		},
	}
}

// LoadConfig reads the config at path, or the demo config when path is
// empty, and applies the environment overrides.
func LoadConfig(path string, getenv func(string) string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		c, err := config.NewDemoConfig()
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.NewConfig()
		if err := cfg.FromTomlFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewCommand returns the run command.
func NewCommand(v *viper.Viper) (*cobra.Command, error) {
	var flags Flags
	l := NewLauncher()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the replicad server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(flags.ConfigPath, os.Getenv)
			if err != nil {
				return err
			}
			if flags.BindAddress != "" {
				cfg.BindAddress = flags.BindAddress
			}
			if flags.Dir != "" {
				cfg.Dir = flags.Dir
			}
			if cmd.Flags().Changed("log-level") || os.Getenv(config.EnvPrefix+"_LOG_LEVEL") != "" {
				cfg.Logging.Level = flags.LogLevel
			}

			// exit with SIGINT and SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := l.Run(ctx, cfg); err != nil {
				return err
			}
			<-ctx.Done()

			// Attempt clean shutdown.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.SilenceUsage = true
	if err := cli.BindOptions(v, cmd, flags.opts()); err != nil {
		return nil, err
	}
	return cmd, nil
}
