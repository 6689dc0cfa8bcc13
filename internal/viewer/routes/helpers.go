package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/petervdpas/ticketcall/internal/call"
	"github.com/petervdpas/ticketcall/internal/log"
)

// statusFor maps call errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrEmptyMessage), errors.Is(err, call.ErrInvalidTicket):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrNotConnected), errors.Is(err, call.ErrAlreadyInRoom):
		return http.StatusConflict
	case errors.Is(err, call.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("call action failed")
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func noCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}
