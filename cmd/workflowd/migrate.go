package main

import (
	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/logger"
	"github.com/fentz26/workflowd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  `Connects to the database and migrates the schema. The advisory migration lock is skipped, so run it only while no daemon is starting.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	log := logger.Configure(cfg.Log.Level, cfg.Log.Format)

	opts := store.OptionsFromConfig(cfg)
	opts.ForceMigrate = true
	opts.FailOnMigrationError = true
	st, err := store.New(opts, log, nil)
	if err != nil {
		return err
	}
	defer st.Disconnect()

	if err := st.Connect(cmd.Context()); err != nil {
		return err
	}
	return st.Migrate(cmd.Context())
}
