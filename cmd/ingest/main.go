// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/gateway"
	"github.com/rejourney/ingest/gateway/gatewaydb"
	"github.com/rejourney/ingest/pkg/cfgstruct"
	"github.com/rejourney/ingest/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "ingest",
		Short: "Rejourney session-telemetry ingest gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ingest gateway",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create config files",
		RunE:  cmdSetup,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  cmdMigrate,
	}

	runCfg   gateway.Config
	setupCfg struct {
		ConfDir   string `default:"$CONFDIR" help:"main directory for ingest configuration"`
		Overwrite bool   `default:"false" help:"whether to overwrite a pre-existing config file"`
	}
)

func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rejourney/ingest"
	}
	return filepath.Join(home, ".rejourney", "ingest")
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg, cfgstruct.ConfDir(defaultConfDir()))
	cfgstruct.Bind(migrateCmd.Flags(), &runCfg, cfgstruct.ConfDir(defaultConfDir()))
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg, cfgstruct.ConfDir(defaultConfDir()))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := gatewaydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := gateway.New(ctx, log, db, runCfg)
	if err != nil {
		return err
	}

	log.Info("ingest gateway started", zap.String("address", runCfg.API.Address))
	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	configPath := filepath.Join(setupCfg.ConfDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !setupCfg.Overwrite {
		fmt.Println("An ingest configuration already exists. Rerun with --overwrite")
		return nil
	}

	if err := os.MkdirAll(setupCfg.ConfDir, 0700); err != nil {
		return err
	}
	return process.SaveConfig(runCmd.Flags(), configPath, map[string]interface{}{
		"database": "sqlite://" + filepath.Join(setupCfg.ConfDir, "ingest.db"),
	})
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := gatewaydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.CreateTables(ctx)
}

func main() {
	runCmd.Flags().String("config", filepath.Join(defaultConfDir(), "config.yaml"), "path to configuration")
	migrateCmd.Flags().String("config", filepath.Join(defaultConfDir(), "config.yaml"), "path to configuration")
	process.Exec(rootCmd)
}
