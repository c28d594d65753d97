//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/tamias-dev/tamias/internal/config"
)

// initTailscale serves the daemon mux on a tsnet listener so the API is
// reachable over the tailnet without exposing a public port. Returns a
// cleanup func, or nil when no hostname is configured or the listener fails.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}
	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Warn("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}
	slog.Info("tailscale listener started", "hostname", cfg.Tailscale.Hostname)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("tailscale serve stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
