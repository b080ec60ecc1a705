// Duocall is the CLI entry point.
//
// This tool places one-to-one audio/video calls over WebRTC. Endpoints find
// each other through a small WebSocket relay keyed by user id; media flows
// peer-to-peer once negotiated.
//
// Run "duocall serve" for the relay and "duocall phone --id <id>" for an
// endpoint. Every flag can also be set through a DUOCALL_* environment
// variable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/duocall/internal/app"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "duocall",
		Short:         "One-to-one WebRTC calls from the terminal",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")

	root.AddCommand(newServeCmd(), newPhoneCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signal relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return app.RunRelay(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("listen", "0.0.0.0:8080", "Address to listen on")
	return cmd
}

func newPhoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phone",
		Short: "Run an interactive call endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := app.RunPhone(cmd.Context(), cfg, os.Stdin); err != nil {
				return err
			}
			util.LogInfo("phone closed")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("id", "", "Endpoint id other users call you by (required)")
	f.String("name", "", "Display name (defaults to the id)")
	f.String("avatar", "", "Avatar URL")
	f.String("relay-url", "ws://localhost:8080/ws", "Relay WebSocket URL")
	f.StringSlice("stun", nil, "STUN server URLs (defaults to Google's public servers)")
	f.Duration("ring-timeout", 0, "How long an outgoing call rings (default 60s)")
	f.Duration("grace-window", 0, "How long an ended call stays on screen (default 2s)")
	f.Duration("stats-interval", 0, "Statistics report period, 0 disables (default 10s)")
	return cmd
}

// load builds the config from the command's flags and applies the log level.
func load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		util.EnableDebug()
	} else {
		util.SetLevel(cfg.LogLevel)
	}

	pterm.Info.Println(fmt.Sprintf("Duocall v%s", version))
	pterm.Println()
	return cfg, nil
}
