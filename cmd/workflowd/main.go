package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:     "workflowd",
	Short:   "workflowd - workflow job coordinator",
	Long:    `workflowd starts workflows, tracks their jobs, steps and tasks in a shared database, and watches the liveness of the worker services that run them.`,
	Version: controlplane.Version,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	apiAddr    string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "API server address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tuiCmd)
}

// loadConfig reads the configuration, letting explicitly set flags win over
// the file and the environment.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	if err := bindFlags(v, flags, map[string]string{
		"log-level": "log.level",
		"listen":    "api.listen",
	}); err != nil {
		return nil, err
	}
	return config.Load(v, configPath)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
