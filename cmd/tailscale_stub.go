//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tamias-dev/tamias/internal/config"
)

// initTailscale is compiled in via -tags tsnet. This stub keeps plain builds
// free of the tailscale dependency tree.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without tsnet support (rebuild with -tags tsnet)")
	}
	return nil
}
