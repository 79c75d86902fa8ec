package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zhangyuhan0377/zyh.ai/internal/auth"
	"github.com/zhangyuhan0377/zyh.ai/internal/chat"
	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
)

type chatRequest struct {
	ConversationID   string        `json:"conversationId"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	WebSearchEnabled bool          `json:"webSearchEnabled"`
	Turns            []models.Turn `json:"turns"`
}

func (r chatRequest) turnRequest() chat.TurnRequest {
	return chat.TurnRequest{
		ConversationID:   r.ConversationID,
		Turns:            r.Turns,
		Model:            r.Model,
		Provider:         r.Provider,
		WebSearchEnabled: r.WebSearchEnabled,
	}
}

// sseSink writes content increments as server-sent events. Headers are sent
// lazily on the first increment so that errors raised before any token can
// still use a plain status response.
type sseSink struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSESink(c *gin.Context) (*sseSink, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseSink{c: c, flusher: flusher}, nil
}

func (s *sseSink) Send(content string) error {
	return s.writeEvent(gin.H{"type": "delta", "content": content})
}

func (s *sseSink) writeEvent(payload gin.H) error {
	if !s.started {
		header := s.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		s.c.Writer.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	sink, err := newSSESink(c)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "streaming unsupported", err)
		return
	}

	result, err := h.orchestrator.ProcessTurn(c.Request.Context(), auth.OwnerID(c), req.turnRequest(), sink)
	if err != nil {
		h.finishChatError(c, sink, err)
		return
	}

	_ = sink.writeEvent(gin.H{
		"type":         "done",
		"turnId":       result.AssistantTurn.ID,
		"content":      result.AssistantTurn.Text(),
		"deltas":       result.Deltas,
		"conversation": req.ConversationID,
	})
}

// finishChatError maps a turn failure onto the transport. Before the first
// token it is a plain status response; mid-stream it becomes a terminal
// error event on the already-open stream.
func (h *Handler) finishChatError(c *gin.Context, sink *sseSink, err error) {
	var streamErr *chat.StreamError

	if sink.started {
		if errors.Is(err, chat.ErrClientGone) {
			// Nobody is listening anymore.
			return
		}
		event := gin.H{"type": "error", "errorType": chat.ErrorTypeStream, "error": err.Error()}
		if errors.As(err, &streamErr) {
			event["errorType"] = streamErr.Type
		}
		_ = sink.writeEvent(event)
		return
	}

	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		writeError(c, http.StatusUnauthorized, "authentication required", err)
	case errors.Is(err, store.ErrForbidden):
		writeError(c, http.StatusForbidden, "conversation belongs to another user", err)
	case errors.As(err, &streamErr):
		status := http.StatusInternalServerError
		payload := gin.H{"error": streamErr.Message, "errorType": streamErr.Type}
		if streamErr.Type == chat.ErrorTypeUsageLimit {
			status = http.StatusTooManyRequests
			if streamErr.Decision != nil {
				payload["remaining"] = streamErr.Decision.Remaining
				payload["limit"] = streamErr.Decision.Limit
				payload["currentUsage"] = streamErr.Decision.CurrentUsage
			}
		}
		c.JSON(status, payload)
	default:
		writeError(c, http.StatusInternalServerError, "turn processing failed", err)
	}
}

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChatWebsocket serves the same turn pipeline over a websocket. Each
// text frame carries one chat request; deltas stream back as JSON frames.
func (h *Handler) handleChatWebsocket(c *gin.Context) {
	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("chat websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ownerID := auth.OwnerID(c)

	var writeMu sync.Mutex
	sendJSON := func(payload interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(payload)
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("chat websocket closed: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = sendJSON(gin.H{"type": "error", "errorType": chat.ErrorTypeStream, "error": "invalid request payload"})
			continue
		}

		sink := chat.SinkFunc(func(content string) error {
			return sendJSON(gin.H{"type": "delta", "content": content})
		})

		result, err := h.orchestrator.ProcessTurn(c.Request.Context(), ownerID, req.turnRequest(), sink)
		if err != nil {
			if errors.Is(err, chat.ErrClientGone) {
				return
			}
			event := gin.H{"type": "error", "errorType": chat.ErrorTypeStream, "error": err.Error()}
			var streamErr *chat.StreamError
			if errors.As(err, &streamErr) {
				event["errorType"] = streamErr.Type
				if streamErr.Decision != nil {
					event["remaining"] = streamErr.Decision.Remaining
					event["limit"] = streamErr.Decision.Limit
					event["currentUsage"] = streamErr.Decision.CurrentUsage
				}
			}
			if err := sendJSON(event); err != nil {
				return
			}
			continue
		}

		done := gin.H{
			"type":         "done",
			"turnId":       result.AssistantTurn.ID,
			"content":      result.AssistantTurn.Text(),
			"deltas":       result.Deltas,
			"conversation": req.ConversationID,
		}
		if err := sendJSON(done); err != nil {
			return
		}
	}
}
