package routes

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/petervdpas/ticketcall/internal/call"
)

type Logs interface {
	ServeLogsJSON(c *gin.Context)
	ServeLogsSSE(c *gin.Context)
}

// Controller is the call surface the UI drives. *call.Manager implements it.
type Controller interface {
	Snapshot() call.State
	Subscribe() (<-chan call.State, func())

	JoinRoom(ticketID string) error
	LeaveRoom() error
	StartVideo(ctx context.Context) error
	StopVideo() error
	ShareScreen(ctx context.Context) error
	StopScreenShare() error
	SendMessage(content string) error
	ClearError() error
	ClearEventLog() error
}

// Connector drives the signaling channel. *signaling.Channel implements it.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

type Deps struct {
	Call Controller
	Conn Connector
	Logs Logs
}

func Register(r *gin.Engine, d Deps) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	registerAPILogRoutes(api, d)
	registerCallRoutes(api, d)
}
