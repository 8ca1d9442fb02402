// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command headjack-echo is a small example bot. It answers "ping" and
// echoes its arguments back, which is enough to exercise login, sync,
// command dispatch and the outbound queue against a real homeserver.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/headjack/pkg/headjack"
	"github.com/aiku/headjack/pkg/headjack/mxclient"
	"github.com/aiku/headjack/pkg/headjack/sqlstore"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var saveConfig bool
	var printExample bool

	cmd := &cobra.Command{
		Use:          "headjack-echo",
		Short:        "Example Matrix bot built on headjack",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printExample {
				_, err := fmt.Fprint(cmd.OutOrStdout(), headjack.ExampleConfig)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, saveConfig)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	cmd.Flags().BoolVar(&saveConfig, "save-config", false, "write the upgraded config back to disk")
	cmd.Flags().BoolVarP(&printExample, "generate-example-config", "e", false, "print the example config and exit")
	return cmd
}

func run(ctx context.Context, configPath string, saveConfig bool) error {
	cfg, err := headjack.LoadConfig(configPath, saveConfig)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client, err := mxclient.Connect(ctx, mxclient.CredentialsFromConfig(cfg), store, *log)
	if err != nil {
		return err
	}

	opts := headjack.Options{Store: store, Logger: log}
	if cfg.AdminAPIAddr != "" {
		opts.Verifier = headjack.NewManualVerifier()
	}
	bot, err := headjack.New(client, cfg, opts)
	if err != nil {
		return err
	}
	if err = registerCommands(bot); err != nil {
		return err
	}

	err = bot.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var fatal *headjack.FatalError
	if errors.As(err, &fatal) {
		log.Error().Err(fatal.Err).Str("last_cursor", fatal.LastCursor).Msg("Session is no longer usable")
	}
	return err
}

func registerCommands(bot *headjack.Bot) error {
	err := bot.RegisterTextCommand("ping", "", "Check that the bot is alive", func(ctx context.Context, hc *headjack.Context) error {
		_, err := hc.ReplyNotice(ctx, "pong")
		return err
	})
	if err != nil {
		return err
	}
	return bot.RegisterTextCommand("echo", "<text>", "Repeat the text back", func(ctx context.Context, hc *headjack.Context) error {
		if len(hc.Command.Args) == 0 {
			_, err := hc.ReplyNotice(ctx, "Nothing to echo")
			return err
		}
		_, err := hc.ReplyMarkdown(ctx, strings.Join(hc.Command.Args, " "))
		return err
	})
}
