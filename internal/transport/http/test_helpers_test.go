package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/relay"
)

const testSecret = "testsecret"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	cfg.JWTSecret = testSecret
	return cfg
}

// startTestServer runs a hub and serves NewServer over httptest. Nil Hub and
// Auth in deps are filled in.
func startTestServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()

	if deps.Hub == nil {
		deps.Hub = relay.NewHub(nil, nil)
	}
	if deps.Auth == nil && cfg.JWTSecret != "" {
		deps.Auth = auth.NewService(nil, auth.JWTConfigFrom(&cfg))
	}
	ctx, cancel := context.WithCancel(context.Background())
	go deps.Hub.Run(ctx)
	t.Cleanup(cancel)

	server := NewServer(deps, &cfg, nil)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	frame, err := proto.InboundFrame(kind, data)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, frame))
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.RawOutbound {
	t.Helper()
	var out proto.RawOutbound
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	return out
}

// hello introduces the connection and consumes the welcome event.
func hello(t *testing.T, ctx context.Context, conn *websocket.Conn, token string) proto.EventWelcomeData {
	t.Helper()
	send(t, ctx, conn, proto.InboundTypeHello, proto.HelloData{Token: token, Protocol: proto.ProtocolVersion})
	out := read(t, ctx, conn)
	require.Equal(t, proto.OutboundTypeEvent, out.Type, "unexpected frame %+v", out)
	require.Equal(t, proto.EventWelcome, out.Event)
	var welcome proto.EventWelcomeData
	require.NoError(t, json.Unmarshal(out.Data, &welcome))
	return welcome
}

func requireError(t *testing.T, out proto.RawOutbound, code string) {
	t.Helper()
	require.Equal(t, proto.OutboundTypeError, out.Type, "unexpected frame %+v", out)
	require.NotNil(t, out.Error)
	require.Equal(t, code, out.Error.Code)
}
