package routes

import "github.com/gin-gonic/gin"

func registerAPILogRoutes(api *gin.RouterGroup, d Deps) {
	if d.Logs == nil {
		return
	}
	api.GET("/logs", d.Logs.ServeLogsJSON)
	api.GET("/logs/stream", d.Logs.ServeLogsSSE)
}
