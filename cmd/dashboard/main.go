// Dashboard serves the data-freshness core of the automation dashboard:
// a lazily loaded view of the upstream working directory plus the notes,
// agent conversation and task panels, refreshed on upstream events.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fruitsalade/dashboard/internal/config"
	"github.com/fruitsalade/dashboard/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"upstream-url": "upstream_url",
	"auth-token":   "auth_token",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"listen":       "listen_addr",
	"metrics":      "metrics_addr",
	"refresh-mode": "refresh.mode",
	"watch-events": "watch_events",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "dashboard",
		Short:         "Dashboard data-freshness service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			loaded, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			*cfg = *loaded

			return logging.Init(logging.Config{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $HOME/.config/dashboard/config.yaml)")
	flags.String("upstream-url", "", "base URL of the automation service")
	flags.String("auth-token", "", "bearer token for the automation service")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")

	root.AddCommand(newServeCmd(cfg), newTreeCmd(cfg), newVersionCmd())
	return root
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
