package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zhangyuhan0377/zyh.ai/internal/observability"
	"github.com/zhangyuhan0377/zyh.ai/internal/provider"
)

// Sink receives content increments as they arrive. A Send error means the
// transport is gone; the responder cancels the provider stream in response.
type Sink interface {
	Send(content string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(content string) error

func (f SinkFunc) Send(content string) error {
	return f(content)
}

// StreamResult is the accumulated outcome of a fully consumed stream.
type StreamResult struct {
	TurnID            string
	Content           string
	Deltas            int
	FinishReason      string
	Usage             *provider.Usage
	FirstTokenLatency time.Duration
}

// Responder forwards each provider delta to the transport immediately while
// accumulating the full content for the completion callback. Nothing is
// buffered between the provider and the sink.
type Responder struct {
	metrics *observability.Metrics
}

func NewResponder(metrics *observability.Metrics) *Responder {
	return &Responder{metrics: metrics}
}

// Run consumes the stream to completion. The returned result is only
// persistence-worthy when err is nil: client disconnects and mid-stream
// provider failures leave partial content that must not become a turn.
func (r *Responder) Run(ctx context.Context, stream provider.Stream, sink Sink) (*StreamResult, error) {
	defer stream.Close()

	start := time.Now()
	result := &StreamResult{}

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("stream cancelled: %w", err)
		}

		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, err
		}

		if delta.ID != "" {
			result.TurnID = delta.ID
		}
		if delta.FinishReason != "" {
			result.FinishReason = delta.FinishReason
		}
		if delta.Usage != nil {
			result.Usage = delta.Usage
		}
		if delta.Content == "" {
			continue
		}

		if result.Deltas == 0 {
			result.FirstTokenLatency = time.Since(start)
			if r.metrics != nil {
				r.metrics.ObserveFirstTokenLatency(result.FirstTokenLatency)
			}
		}

		if err := sink.Send(delta.Content); err != nil {
			return result, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		result.Content += delta.Content
		result.Deltas++
		if r.metrics != nil {
			r.metrics.ObserveDelta()
		}
	}
}
