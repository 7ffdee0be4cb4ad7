// Package api exposes the queue coordinator over HTTP.
package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/errors"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
)

// Handlers serves the queue endpoints. All state lives in the manager;
// handlers translate HTTP to coordinator calls and map errors to status
// codes.
type Handlers struct {
	manager *coordinator.Manager
	logger  *logger.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(m *coordinator.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: m,
		logger:  log.WithFields(zap.String("component", "queue-api")),
	}
}

// Enqueue handles POST /sessions/:sessionId/queue.
func (h *Handlers) Enqueue(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	coord := h.manager.Coordinator(sessionID)

	var att *queue.Attachment
	if req.Attachment != nil {
		var err error
		att, err = queue.NewAttachment(req.Attachment.Data, req.Attachment.MimeType, coord.Limits())
		if err != nil {
			respondError(c, mapQueueError(sessionID, "", err, coord))
			return
		}
	}

	item, err := coord.Submit(c.Request.Context(), req.Content, att, req.priority())
	if err != nil {
		respondError(c, mapQueueError(sessionID, "", err, coord))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// GetQueue handles GET /sessions/:sessionId/queue.
func (h *Handlers) GetQueue(c *gin.Context) {
	sessionID := c.Param("sessionId")
	c.JSON(http.StatusOK, h.manager.Coordinator(sessionID).Snapshot())
}

// CancelAll handles DELETE /sessions/:sessionId/queue.
func (h *Handlers) CancelAll(c *gin.Context) {
	sessionID := c.Param("sessionId")
	dropped := h.manager.Coordinator(sessionID).CancelAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cancelled": dropped})
}

// GetBusy handles GET /sessions/:sessionId/queue/busy.
func (h *Handlers) GetBusy(c *gin.Context) {
	sessionID := c.Param("sessionId")
	c.JSON(http.StatusOK, h.manager.Coordinator(sessionID).BusySignals())
}

// Process handles POST /sessions/:sessionId/queue/process. It triggers a
// dispatch attempt; the coordinator decides whether the gates allow one.
func (h *Handlers) Process(c *gin.Context) {
	sessionID := c.Param("sessionId")
	coord := h.manager.Coordinator(sessionID)
	coord.ProcessNext(c.Request.Context())
	c.JSON(http.StatusAccepted, coord.Snapshot())
}

// Resolve handles POST /sessions/:sessionId/queue/resolve.
func (h *Handlers) Resolve(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	coord := h.manager.Coordinator(sessionID)
	err := coord.Resolve(c.Request.Context(), coordinator.Resolution(req.Resolution), req.Content)
	if err != nil {
		respondError(c, mapQueueError(sessionID, "", err, coord))
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// Interrupt handles POST /sessions/:sessionId/queue/interrupt. It asks
// the transport to abort the in-flight send; state settles when the send
// returns.
func (h *Handlers) Interrupt(c *gin.Context) {
	sessionID := c.Param("sessionId")
	coord := h.manager.Coordinator(sessionID)
	if err := coord.CancelExecuting(c.Request.Context()); err != nil {
		respondError(c, mapQueueError(sessionID, "", err, coord))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

// CancelItem handles DELETE /sessions/:sessionId/queue/:itemId.
func (h *Handlers) CancelItem(c *gin.Context) {
	sessionID := c.Param("sessionId")
	itemID := c.Param("itemId")

	coord := h.manager.Coordinator(sessionID)
	if err := coord.Cancel(c.Request.Context(), itemID); err != nil {
		respondError(c, mapQueueError(sessionID, itemID, err, coord))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": itemID})
}

// EditItem handles PATCH /sessions/:sessionId/queue/:itemId.
func (h *Handlers) EditItem(c *gin.Context) {
	sessionID := c.Param("sessionId")
	itemID := c.Param("itemId")

	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	coord := h.manager.Coordinator(sessionID)
	if err := coord.EditContent(c.Request.Context(), itemID, req.Content); err != nil {
		respondError(c, mapQueueError(sessionID, itemID, err, coord))
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// SetPosition handles PUT /sessions/:sessionId/queue/:itemId/position.
func (h *Handlers) SetPosition(c *gin.Context) {
	sessionID := c.Param("sessionId")
	itemID := c.Param("itemId")

	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	coord := h.manager.Coordinator(sessionID)
	if err := coord.Reorder(c.Request.Context(), itemID, *req.Position); err != nil {
		respondError(c, mapQueueError(sessionID, itemID, err, coord))
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// SetPriority handles PUT /sessions/:sessionId/queue/:itemId/priority.
func (h *Handlers) SetPriority(c *gin.Context) {
	sessionID := c.Param("sessionId")
	itemID := c.Param("itemId")

	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	coord := h.manager.Coordinator(sessionID)
	if err := coord.SetPriority(c.Request.Context(), itemID, queue.Priority(req.Priority)); err != nil {
		respondError(c, mapQueueError(sessionID, itemID, err, coord))
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.Sessions()})
}

// DeleteSession handles DELETE /sessions/:sessionId.
func (h *Handlers) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	h.manager.DeleteSession(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, gin.H{"deleted": sessionID})
}

// mapQueueError translates coordinator and queue errors to AppErrors.
func mapQueueError(sessionID, itemID string, err error, coord *coordinator.Coordinator) *errors.AppError {
	switch {
	case stderrors.Is(err, queue.ErrQueueFull):
		return errors.CapacityExceeded(sessionID, coord.Snapshot().MaxSize)
	case stderrors.Is(err, queue.ErrItemNotFound):
		return errors.NotFound("queue item", itemID)
	case stderrors.Is(err, queue.ErrItemExists):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, coordinator.ErrItemExecuting):
		return errors.Conflict("item is currently executing")
	case stderrors.Is(err, coordinator.ErrNoFailedItem),
		stderrors.Is(err, coordinator.ErrNoExecutingItem),
		stderrors.Is(err, coordinator.ErrInvalidResolution):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, coordinator.ErrCancelUnsupported):
		return errors.BadRequest(err.Error())
	case stderrors.Is(err, queue.ErrEmptyContent),
		stderrors.Is(err, queue.ErrContentTooLong),
		stderrors.Is(err, queue.ErrInvalidPriority):
		return errors.ValidationError("content", err.Error())
	case stderrors.Is(err, queue.ErrAttachmentTooLarge):
		return errors.ValidationError("attachment", err.Error())
	default:
		return errors.InternalError("queue operation failed", err)
	}
}

func respondError(c *gin.Context, appErr *errors.AppError) {
	c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	}})
}
