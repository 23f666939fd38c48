// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package process sets up process-wide configuration, logging and
// lifetime handling for commands.
package process

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the process error class.
var Error = errs.Class("process")

var (
	contextMu sync.Mutex
	contexts  map[*cobra.Command]context.Context
)

// Ctx returns the appropriate context for the command, canceled on
// SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	contextMu.Lock()
	defer contextMu.Unlock()

	ctx, ok := contexts[cmd]
	if !ok {
		return context.Background()
	}
	return ctx
}

// Exec runs a *cobra.Command, loading configuration from the config
// file and REJOURNEY_* environment variables before any RunE fires.
func Exec(cmd *cobra.Command) {
	cmd.SilenceUsage = true
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	prepare(cmd)
	Must(cmd.Execute())
}

func prepare(cmd *cobra.Command) {
	for _, sub := range cmd.Commands() {
		prepare(sub)
	}
	if cmd.RunE == nil {
		return
	}
	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		contextMu.Lock()
		if contexts == nil {
			contexts = map[*cobra.Command]context.Context{}
		}
		contexts[cmd] = ctx
		contextMu.Unlock()

		return inner(cmd, args)
	}
}

// loadConfig overlays unset flags with config file and environment
// values. Explicit command line flags always win.
func loadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}
	vip.SetEnvPrefix("rejourney")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if configPath, err := cmd.Flags().GetString("config"); err == nil && configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			vip.SetConfigFile(configPath)
			if err := vip.ReadInConfig(); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	var failure error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == "config" {
			return
		}
		if !vip.IsSet(flag.Name) {
			return
		}
		value := fmt.Sprint(vip.Get(flag.Name))
		if value == flag.Value.String() {
			return
		}
		if err := cmd.Flags().Set(flag.Name, value); err != nil {
			failure = errs.Combine(failure, Error.New("invalid value for %s: %v", flag.Name, err))
		}
	})
	return failure
}

// Must can be used for default error handling.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
