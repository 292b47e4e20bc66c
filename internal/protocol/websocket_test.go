package protocol

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(s.WebsocketHandler(nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	return conn, ctx
}

func TestWebsocket_RequestResponse(t *testing.T) {
	b := newFakeBackend()
	conn, ctx := dialTestServer(t, NewServer(b, nil))
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, request(t, 7, CmdModulesChanged, ModulesChangedParams{Modules: []string{"pkg"}})))

	var event map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, map[string]any{"kind": "module_list_changed", "modules": []any{"pkg"}}, event["event"])

	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, float64(7), resp["id"])
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []string{"pkg"}, b.changed)
}

func TestWebsocket_MalformedMessageKeepsConnection(t *testing.T) {
	conn, ctx := dialTestServer(t, NewServer(newFakeBackend(), nil))
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	var resp Response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "malformed request")

	require.NoError(t, wsjson.Write(ctx, conn, request(t, 2, CmdHasErrors, HandleParams{Handle: 1})))
	var raw map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &raw))
	assert.Equal(t, float64(2), raw["id"])
	assert.Equal(t, map[string]any{"has_errors": true}, raw["result"])
}

func TestWebsocket_ClientCloseEndsSession(t *testing.T) {
	b := newFakeBackend()
	conn, ctx := dialTestServer(t, NewServer(b, nil))

	require.NoError(t, wsjson.Write(ctx, conn, request(t, 1, CmdWaitIdle, nil)))
	var resp Response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.True(t, resp.OK)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
