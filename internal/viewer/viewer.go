// Package viewer is the local control API the call UI talks to.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ticketcall/internal/log"
	"github.com/petervdpas/ticketcall/internal/viewer/routes"
)

const shutdownTimeout = 2 * time.Second

type Viewer struct {
	Call   routes.Controller
	Conn   routes.Connector
	Logs   *LogBuffer
	Logger zerolog.Logger
	Debug  bool
}

// Handler builds the gin engine with every route registered.
func Handler(v Viewer) *gin.Engine {
	if v.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(v.Logger))

	deps := routes.Deps{Call: v.Call, Conn: v.Conn}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	return r
}

// Start listens on addr and serves until ctx ends. It returns once the
// listener is bound, so address errors surface immediately.
func Start(ctx context.Context, addr string, v Viewer) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams end with ctx, otherwise Shutdown waits on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			v.Logger.Error().Err(err).Msg("viewer server error")
		}
	}()

	return ln.Addr(), nil
}
