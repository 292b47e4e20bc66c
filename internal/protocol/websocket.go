package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebsocketHandler serves one protocol session per websocket connection.
// Each text message is one request; responses and events are sent as text
// messages.
func (s *Server) WebsocketHandler(opts *websocket.AcceptOptions) http.Handler {
	if opts == nil {
		opts = &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			s.logger.Warn("websocket accept failed", slog.Any("error", err))
			return
		}
		conn.SetReadLimit(maxLine)

		err = s.serve(r.Context(), &wsTransport{conn: conn})
		if err != nil {
			s.logger.Warn("websocket session ended", slog.Any("error", err))
			conn.Close(websocket.StatusInternalError, "session failed")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) next(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil, io.EOF
			}
			if errors.Is(err, context.Canceled) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) send(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, t.conn, msg)
}

func (t *wsTransport) close() {}
