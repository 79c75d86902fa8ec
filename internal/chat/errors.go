package chat

import (
	"errors"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
)

// Error types surfaced to clients in the structured error envelope.
const (
	ErrorTypeUsageLimit = "USAGE_LIMIT"
	ErrorTypeStream     = "STREAM_ERROR"
)

var (
	ErrUnauthenticated = errors.New("chat: request is not authenticated")
	// ErrClientGone marks a client disconnect mid-stream. Generation is
	// cancelled and the partial content is discarded.
	ErrClientGone = errors.New("chat: client disconnected during stream")
)

// StreamError is the structured terminal error of a turn. USAGE_LIMIT
// errors carry the full ledger snapshot so the client can render
// remaining/limit/current usage.
type StreamError struct {
	Type     string
	Message  string
	Decision *models.QuotaDecision
}

func (e *StreamError) Error() string {
	return e.Message
}

func NewUsageLimitError(decision models.QuotaDecision) *StreamError {
	return &StreamError{
		Type:     ErrorTypeUsageLimit,
		Message:  "Monthly message limit exceeded",
		Decision: &decision,
	}
}

func NewStreamError(message string) *StreamError {
	return &StreamError{Type: ErrorTypeStream, Message: message}
}
