package worker

import (
	"context"
	"fmt"
	"io"
)

// Worker is a message channel to an isolated inference executor. Buffers
// referenced by a posted request belong to the worker afterwards.
type Worker interface {
	// Post sends req and returns the stream of replies. The channel is
	// closed after a done or error message, or when ctx ends.
	Post(ctx context.Context, req *Request) (<-chan Response, error)

	Close() error
}

// Local runs a Handler on its own goroutine in this process
type Local struct {
	handler *Handler
}

var _ Worker = (*Local)(nil)

// NewLocal returns an in-process worker
func NewLocal(h *Handler) *Local {
	return &Local{handler: h}
}

func (l *Local) Post(ctx context.Context, req *Request) (<-chan Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	replies := make(chan Response, 8)
	go func() {
		defer close(replies)
		l.handler.Handle(ctx, req, func(r *Response) error {
			if err := r.Validate(); err != nil {
				r = Failure(fmt.Errorf("invalid reply: %w", err))
			}
			select {
			case replies <- *r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return replies, nil
}

// Close drops the worker's cached models
func (l *Local) Close() error {
	l.handler.Registry.Cache().Clear()
	return nil
}

// Serve reads requests from r and writes replies to w until r is
// exhausted. It is the main loop of the worker process.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h *Handler) error {
	for {
		var req Request
		if err := ReadFrame(r, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		err := h.Handle(ctx, &req, func(resp *Response) error {
			return WriteFrame(w, resp)
		})
		if err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
