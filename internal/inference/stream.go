package inference

import (
	"context"
	"sync"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/providers"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// streamHighWater is the chunk buffer size. The producer blocks when the
// consumer falls this far behind, which is the backpressure contract: pause
// at the high-water mark, resume as the consumer drains.
const streamHighWater = 64

// Stream is a lazy, cancellable chunk sequence. Read Chunks until closed,
// then call Result for the final response.
type Stream struct {
	chunks chan providers.StreamChunk
	cancel context.CancelFunc

	mu        sync.Mutex
	result    *providers.ChatResponse
	err       error
	cancelled bool
	done      chan struct{}
}

// Chunks returns the chunk channel. Closed when the stream terminates.
func (s *Stream) Chunks() <-chan providers.StreamChunk { return s.chunks }

// Cancel aborts the underlying request and closes the stream. The caller's
// Result observes a deterministic Cancelled error regardless of how far the
// provider got.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

// Result blocks until the stream terminates and returns the final response.
func (s *Stream) Result() (*providers.ChatResponse, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil, errdefs.Wrap(errdefs.ErrCancelled, "inference: stream")
	}
	return s.result, s.err
}

// GenerateStream starts a streaming call. Chunks flow on the returned
// stream's channel with backpressure; the terminal chunk has Done set.
func (g *Gateway) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	reg, err := g.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := g.acquire(ctx, reg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan providers.StreamChunk, streamHighWater),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	g.emit(protocol.TopicLLMRequest, map[string]interface{}{
		"provider": req.Provider,
		"model":    req.Model,
		"messages": len(req.Messages),
		"stream":   true,
	})

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		defer cancel()

		resp, err := reg.provider.ChatStream(ctx, providers.ChatRequest{
			Messages: req.Messages,
			Tools:    req.Tools,
			Model:    req.Model,
			Options:  req.Options,
		}, func(chunk providers.StreamChunk) {
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
			}
			g.emit(protocol.TopicLLMChunk, map[string]interface{}{
				"provider": req.Provider,
				"done":     chunk.Done,
			})
		})

		s.mu.Lock()
		s.result, s.err = resp, err
		cancelled := s.cancelled
		s.mu.Unlock()

		switch {
		case cancelled:
			g.emit(protocol.TopicLLMError, map[string]interface{}{
				"provider": req.Provider,
				"error":    "cancelled",
			})
		case err != nil:
			g.emit(protocol.TopicLLMError, map[string]interface{}{
				"provider": req.Provider,
				"error":    err.Error(),
			})
		default:
			g.record(req.Provider, resp)
			g.emit(protocol.TopicLLMResponse, map[string]interface{}{
				"provider":      req.Provider,
				"finish_reason": resp.FinishReason,
				"tool_calls":    len(resp.ToolCalls),
				"stream":        true,
			})
		}
	}()

	return s, nil
}
