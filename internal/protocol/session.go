package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/jward/sapling"
)

// outboxSize bounds the messages waiting for the writer. Events that do not
// fit are dropped; responses wait.
const outboxSize = 256

// transport moves raw messages for one connection.
type transport interface {
	// next returns the next request message, or io.EOF when the peer is done.
	next(ctx context.Context) ([]byte, error)
	send(ctx context.Context, msg any) error
	// close releases the reader once the session is over.
	close()
}

// serve runs one connection: requests are handled in arrival order and
// engine events are forwarded until the peer goes away or ctx ends.
func (s *Server) serve(ctx context.Context, t transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer t.close()

	out := make(chan any, outboxSize)
	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		err := writeLoop(ctx, t, out, done)
		if err != nil {
			cancel()
		}
		writeErr <- err
	}()

	unsubscribe := s.backend.Subscribe(func(ev sapling.Event) {
		select {
		case out <- EventMessage{Event: ev}:
		case <-done:
		default:
			s.logger.Warn("event dropped, client too slow", slog.String("kind", string(ev.Kind)))
		}
	})

	var readErr error
	for {
		msg, err := t.next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				readErr = err
			}
			break
		}
		var resp Response
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			resp = Response{Error: "malformed request: " + err.Error()}
		} else {
			resp = s.Handle(ctx, req)
		}
		select {
		case out <- resp:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	unsubscribe()
	close(done)
	if err := <-writeErr; err != nil {
		return err
	}
	return readErr
}

// writeLoop sends queued messages until done is closed, then flushes what
// is left.
func writeLoop(ctx context.Context, t transport, out <-chan any, done <-chan struct{}) error {
	for {
		select {
		case msg := <-out:
			if err := t.send(ctx, msg); err != nil {
				return err
			}
		case <-done:
			for {
				select {
				case msg := <-out:
					if err := t.send(ctx, msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
