// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/internal/version"
	"github.com/siderolabs/talos-xenguest/pkg/guest"
)

const (
	flagLogLevel      = "log-level"
	flagConfig        = "config"
	flagFrames        = "frames"
	flagDomID         = "domid"
	flagGrantFrames   = "grant-frames"
	flagMaxIdle       = "max-idle"
	flagRevokeInitial = "revoke-initial"
	flagRevokeMax     = "revoke-max"
	flagRevokeRetries = "revoke-retries"
	flagStoreTimeout  = "store-timeout"
	flagRxBuffers     = "rx-buffers"
)

var rootCmd = &cobra.Command{
	Use:               "xenguestd",
	Short:             "paravirtualized guest core for Xen",
	Long:              "this is the guest side of the Xen PV interfaces: event channels, grant tables, shared rings and the store",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var (
	logger   *slog.Logger
	logLevel slog.Level
)

func setup(cmd *cobra.Command, _ []string) error {
	var err error

	logLevel, err = util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logger = newLogger(os.Stdout, cmd.Name())

	if path := viper.GetString(flagConfig); path != "" {
		viper.SetConfigFile(path)

		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config %q: %w", path, err)
		}

		logger.Debug("config loaded", "path", path)
	}

	hello := fmt.Sprintf("%s © 2025 Siderolabs", version.Name)
	logger.Info(hello, "version", version.String())

	return nil
}

func newLogger(w io.Writer, command string) *slog.Logger {
	logOpts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(w, logOpts)).With("command", command)
}

// guestConfig assembles the guest configuration from flags, environment and
// the config file.
func guestConfig() (guest.Config, error) {
	cfg := guest.DefaultConfig()

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding configuration: %w", err)
	}

	return cfg, nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("xenguest")

	def := guest.DefaultConfig()

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warn, info, debug, trace)")
	pf.String(flagConfig, "", "path to a configuration file")
	pf.Int(flagFrames, 512, "machine frames backing the loopback hypervisor")
	pf.Uint16(flagDomID, 1, "domain id of the guest")
	pf.Int(flagGrantFrames, def.GrantFrames, "grant table frames")
	pf.Duration(flagMaxIdle, def.MaxIdle, "longest single idle block of the scheduler")
	pf.Duration(flagRevokeInitial, def.RevokeInitial, "first wait when revoking a mapped grant")
	pf.Duration(flagRevokeMax, def.RevokeMax, "longest wait when revoking a mapped grant")
	pf.Int(flagRevokeRetries, def.RevokeRetries, "grant revocation attempts before giving up")
	pf.Duration(flagStoreTimeout, def.StoreTimeout, "how long to wait for device back-ends")
	pf.Int(flagRxBuffers, def.RxBuffers, "receive buffers per network device")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
