package transport

import (
	"context"
	"sync"
	"time"

	"github.com/comigor/streamchat/internal/request"
	"github.com/comigor/streamchat/internal/stream"
)

// Pending is one in-flight exchange for an assistant message. It is done
// after completion, cancellation or timeout, whichever happens first.
type Pending struct {
	SessionID string
	MessageID int
	Deadline  time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start runs the exchange on its own goroutine. onEvent is called from that
// goroutine only, in arrival order. The exchange gets its own cancel and
// timeout scope derived from ctx.
func (c *Client) Start(ctx context.Context, sessionID string, messageID int, desc *request.Descriptor, onEvent func(stream.Event)) *Pending {
	ctx, cancel := context.WithCancelCause(ctx)
	deadline := time.Now().Add(c.timeout)
	ctx, cancelTimeout := context.WithDeadlineCause(ctx, deadline, ErrTimeout)

	p := &Pending{
		SessionID: sessionID,
		MessageID: messageID,
		Deadline:  deadline,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer cancelTimeout()
		defer cancel(nil)
		p.err = c.stream(ctx, desc, onEvent)
	}()
	return p
}

// Cancel aborts the exchange. Calling it more than once, or after the
// exchange finished, has no effect.
func (p *Pending) Cancel() {
	p.once.Do(func() { p.cancel(ErrCancelled) })
}

// Done is closed once the exchange goroutine has returned.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the exchange finishes and returns its result.
func (p *Pending) Wait() error {
	<-p.done
	return p.err
}

// Err returns the result, or nil while the exchange is still running.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
