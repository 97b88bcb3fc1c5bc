package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive jobs and services dashboard",
	RunE:  runTUI,
}

var tuiInterval time.Duration

func init() {
	tuiCmd.Flags().DurationVar(&tuiInterval, "interval", 2*time.Second, "Refresh interval")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, err)
	}

	app := tui.New(apiAddr, tuiInterval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
