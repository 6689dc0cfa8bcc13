package app

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/config"
)

// normalizeLocalAddr keeps the control API on loopback. A bare ":port" or a
// wildcard host is rewritten to 127.0.0.1.
func normalizeLocalAddr(addr string) string {
	a := strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(a, ":"):
		a = "127.0.0.1" + a
	case strings.HasPrefix(a, "0.0.0.0:"):
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	case strings.HasPrefix(a, "[::]:"):
		a = "127.0.0.1:" + strings.TrimPrefix(a, "[::]:")
	}
	return a
}

func logBanner(l zerolog.Logger, cfgPath string, cfg config.Config, version string) {
	l.Info().
		Str("version", version).
		Str("config", cfgPath).
		Str("signaling", cfg.Signaling.URL+cfg.Signaling.Namespace).
		Strs("ice", cfg.ICE.Servers).
		Bool("session_cookie", cfg.Signaling.SessionCookie != "").
		Msg("ticketcall starting")
}
