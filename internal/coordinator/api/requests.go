package api

import "github.com/agentrelay/agentrelay/internal/coordinator/queue"

// enqueueRequest is the body of POST /sessions/:sessionId/queue.
// Attachment data is base64-encoded by gin's []byte JSON binding.
type enqueueRequest struct {
	Content    string             `json:"content" binding:"required"`
	Priority   string             `json:"priority"`
	Attachment *attachmentRequest `json:"attachment"`
}

type attachmentRequest struct {
	MimeType string `json:"mime_type" binding:"required"`
	Data     []byte `json:"data" binding:"required"`
}

func (r *enqueueRequest) priority() queue.Priority {
	if r.Priority == "" {
		return queue.PriorityNormal
	}
	return queue.Priority(r.Priority)
}

// editRequest is the body of PATCH /queue/:itemId.
type editRequest struct {
	Content string `json:"content" binding:"required"`
}

// positionRequest is the body of PUT /queue/:itemId/position.
type positionRequest struct {
	Position *int `json:"position" binding:"required"`
}

// priorityRequest is the body of PUT /queue/:itemId/priority.
type priorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

// resolveRequest is the body of POST /sessions/:sessionId/queue/resolve.
// Content is required only for the edit resolution.
type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Content    string `json:"content"`
}
