package routes

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

func registerCallRoutes(api *gin.RouterGroup, d Deps) {
	if d.Call == nil {
		return
	}
	g := api.Group("/call", noCache())

	// GET /api/call/state
	g.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Call.Snapshot())
	})

	// GET /api/call/stream: one "state" event now and after every change.
	g.GET("/stream", func(c *gin.Context) {
		ch, cancel := d.Call.Subscribe()
		defer cancel()

		c.Stream(func(io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case st, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("state", st)
				return true
			}
		})
	})

	if d.Conn != nil {
		g.POST("/connect", func(c *gin.Context) {
			if err := d.Conn.Connect(c.Request.Context()); err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, d.Call.Snapshot())
		})
		g.POST("/disconnect", func(c *gin.Context) {
			d.Conn.Disconnect()
			c.JSON(http.StatusOK, d.Call.Snapshot())
		})
	}

	g.POST("/join", func(c *gin.Context) {
		var req struct {
			TicketID string `json:"ticket_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body: "+err.Error())
			return
		}
		action(c, d, func() error { return d.Call.JoinRoom(req.TicketID) })
	})

	g.POST("/leave", func(c *gin.Context) {
		action(c, d, d.Call.LeaveRoom)
	})

	g.POST("/video/start", func(c *gin.Context) {
		ctx := c.Request.Context()
		action(c, d, func() error { return d.Call.StartVideo(ctx) })
	})
	g.POST("/video/stop", func(c *gin.Context) {
		action(c, d, d.Call.StopVideo)
	})

	g.POST("/screen/start", func(c *gin.Context) {
		ctx := c.Request.Context()
		action(c, d, func() error { return d.Call.ShareScreen(ctx) })
	})
	g.POST("/screen/stop", func(c *gin.Context) {
		action(c, d, d.Call.StopScreenShare)
	})

	g.POST("/chat", func(c *gin.Context) {
		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body: "+err.Error())
			return
		}
		action(c, d, func() error { return d.Call.SendMessage(req.Content) })
	})

	g.POST("/error/clear", func(c *gin.Context) {
		action(c, d, d.Call.ClearError)
	})
	g.POST("/events/clear", func(c *gin.Context) {
		action(c, d, d.Call.ClearEventLog)
	})
}

// action runs fn and answers with the resulting snapshot.
func action(c *gin.Context, d Deps, fn func() error) {
	if err := fn(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d.Call.Snapshot())
}
