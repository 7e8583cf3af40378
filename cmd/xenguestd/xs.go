// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

const flagStoreCmd = "cmd"

var xsCmd = &cobra.Command{
	Use:   "xs",
	Short: "run one store request from a freshly booted guest",
	Long:  `runs --cmd "read <path>", "write <path> <value>", "ls <path>", "mkdir <path>" or "rm <path>" against the store`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !viper.IsSet(flagStoreCmd) {
			return cmd.Help()
		}

		return executeStore(cmd.Context(), cmd.OutOrStdout(), viper.GetString(flagStoreCmd))
	},
}

var errBadStoreCmd = errors.New("invalid store command")

func init() {
	pf := xsCmd.PersistentFlags()
	pf.String(flagStoreCmd, "", "store command")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(xsCmd)
}

// storeOp runs one parsed command in a guest thread.
type storeOp func(t *sched.Thread, c *xenstore.Client, w io.Writer) error

func parseStoreCmd(line string) (storeOp, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	path, value, hasValue := strings.Cut(rest, " ")
	if path == "" {
		return nil, fmt.Errorf("%w: %q needs a path", errBadStoreCmd, verb)
	}

	switch verb {
	case "read":
		return func(t *sched.Thread, c *xenstore.Client, w io.Writer) error {
			v, err := c.Read(t, xenstore.NoTx, path)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(w, v)

			return err
		}, nil
	case "write":
		if !hasValue {
			return nil, fmt.Errorf("%w: write needs a value", errBadStoreCmd)
		}

		return func(t *sched.Thread, c *xenstore.Client, _ io.Writer) error {
			return c.Write(t, xenstore.NoTx, path, value)
		}, nil
	case "ls":
		return func(t *sched.Thread, c *xenstore.Client, w io.Writer) error {
			names, err := c.Directory(t, xenstore.NoTx, path)
			if err != nil {
				return err
			}

			for _, n := range names {
				v, err := c.Read(t, xenstore.NoTx, strings.TrimSuffix(path, "/")+"/"+n)
				if err != nil {
					v = ""
				}

				if _, err := fmt.Fprintf(w, "%s = %q\n", n, v); err != nil {
					return err
				}
			}

			return nil
		}, nil
	case "mkdir":
		return func(t *sched.Thread, c *xenstore.Client, _ io.Writer) error {
			return c.Mkdir(t, xenstore.NoTx, path)
		}, nil
	case "rm":
		return func(t *sched.Thread, c *xenstore.Client, _ io.Writer) error {
			return c.Rm(t, xenstore.NoTx, path)
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown verb %q", errBadStoreCmd, verb)
}

func executeStore(ctx context.Context, w io.Writer, line string) error {
	op, err := parseStoreCmd(line)
	if err != nil {
		return err
	}

	lm, err := bootLoopback(0)
	if err != nil {
		return err
	}

	defer lm.Close() //nolint:errcheck

	g := lm.guest

	var opErr error

	g.Scheduler().Spawn("xs", func(t *sched.Thread) {
		opErr = op(t, g.Store(), w)

		if err := g.Shutdown(hypercall.ShutdownPoweroff); err != nil {
			logger.Warn("error shutting down", "err", err)
		}
	})

	if err := g.Run(ctx); err != nil {
		return err
	}

	return opErr
}
