// Package app contains the top-level orchestration for the relay server and
// the phone endpoint.
package app

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// RunRelay serves the signal relay on cfg.ListenAddr until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	server := signaling.NewServer()
	addr, err := server.Start(ctx, cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer server.Close()

	pterm.DefaultBox.WithTitle("Signal relay").Println(
		"Listening : " + addr + "\n" +
			"Endpoint  : ws://" + addr + "/ws?uid=<id>",
	)
	util.LogSuccess("relay ready")

	<-ctx.Done()
	util.LogInfo("relay shutting down")
	return nil
}
