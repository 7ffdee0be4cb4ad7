package api

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the queue API under the given router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.ListSessions)
	rg.DELETE("/sessions/:sessionId", h.DeleteSession)

	q := rg.Group("/sessions/:sessionId/queue")
	{
		q.POST("", h.Enqueue)
		q.GET("", h.GetQueue)
		q.DELETE("", h.CancelAll)
		q.GET("/busy", h.GetBusy)
		q.POST("/process", h.Process)
		q.POST("/resolve", h.Resolve)
		q.POST("/interrupt", h.Interrupt)

		q.DELETE("/:itemId", h.CancelItem)
		q.PATCH("/:itemId", h.EditItem)
		q.PUT("/:itemId/position", h.SetPosition)
		q.PUT("/:itemId/priority", h.SetPriority)
	}
}
