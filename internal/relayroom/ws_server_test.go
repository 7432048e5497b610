package relayroom

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/smartbell/doorcall/internal/config"
	"github.com/smartbell/doorcall/internal/httpserver"
	"github.com/smartbell/doorcall/internal/metrics"
	"github.com/smartbell/doorcall/internal/signalmsg"
)

func testWSConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeNone,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
		PingInterval:         config.DefaultPingInterval,
		IdleTimeout:          config.DefaultIdleTimeout,
	}
}

func startWSServer(t *testing.T, cfg config.Config) (*httptest.Server, *Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger, metrics.New())
	ws, err := NewWebSocketServer(cfg, logger, registry)
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) signalmsg.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg signalmsg.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWSServer_JoinRelayLeave(t *testing.T) {
	srv, _ := startWSServer(t, testWSConfig())

	camera := dialWS(t, srv, "")
	mobile := dialWS(t, srv, "")

	if err := camera.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleCamera)); err != nil {
		t.Fatalf("camera join: %v", err)
	}
	if err := mobile.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("mobile join: %v", err)
	}

	if msg := readMessage(t, camera); msg.Type != signalmsg.TypePeerAvailable {
		t.Fatalf("camera got %q, want peer_available", msg.Type)
	}
	if msg := readMessage(t, mobile); msg.Type != signalmsg.TypePeerAvailable {
		t.Fatalf("mobile got %q, want peer_available", msg.Type)
	}

	offer := signalmsg.Offer("cam123", "s1", signalmsg.SDP{Type: "offer", SDP: "v=0 test"})
	if err := mobile.WriteJSON(offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	got := readMessage(t, camera)
	if got.Type != signalmsg.TypeOffer || got.SDP == nil || got.SDP.SDP != "v=0 test" || got.SessionID != "s1" {
		t.Fatalf("offer not forwarded verbatim: %+v", got)
	}

	_ = mobile.Close()
	left := readMessage(t, camera)
	if left.Type != signalmsg.TypePeerLeft || left.EndedBy != string(signalmsg.RoleMobile) {
		t.Fatalf("camera got %+v, want peer_left from mobile", left)
	}
}

func TestWSServer_MalformedMessageIsDropped(t *testing.T) {
	srv, registry := startWSServer(t, testWSConfig())

	camera := dialWS(t, srv, "")
	mobile := dialWS(t, srv, "")

	// Garbage before the join must not kill the connection.
	if err := camera.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("send garbage: %v", err)
	}

	if err := camera.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleCamera)); err != nil {
		t.Fatalf("camera join: %v", err)
	}
	if err := mobile.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("mobile join: %v", err)
	}
	if msg := readMessage(t, camera); msg.Type != signalmsg.TypePeerAvailable {
		t.Fatalf("camera got %q after garbage, want peer_available", msg.Type)
	}

	waitFor(t, func() bool {
		return registry.Metrics().Get(metrics.DropReasonBadMessage) == 1
	}, "bad message counter")
}

func TestWSServer_RejectsUnauthorizedJoin(t *testing.T) {
	cfg := testWSConfig()
	cfg.AuthMode = config.AuthModeToken
	cfg.JWTSecret = "test-secret"
	srv, registry := startWSServer(t, cfg)

	conn := dialWS(t, srv, "")
	if err := conn.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("join: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != signalmsg.TypeError || msg.Code != "unauthorized" {
		t.Fatalf("got %+v, want unauthorized error", msg)
	}
	if registry.Metrics().Get(metrics.AuthFailure) != 1 {
		t.Fatalf("auth failure counter not incremented")
	}
}

func TestWSServer_AcceptsTokenJoin(t *testing.T) {
	cfg := testWSConfig()
	cfg.AuthMode = config.AuthModeToken
	cfg.JWTSecret = "test-secret"
	srv, registry := startWSServer(t, cfg)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"room": "cam123",
		"exp":  time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	conn := dialWS(t, srv, "?token="+token)
	if err := conn.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, func() bool {
		return registry.Metrics().Get(metrics.Joins) == 1
	}, "join counter")
	if registry.RoomCount() != 1 {
		t.Fatalf("rooms=%d, want 1", registry.RoomCount())
	}
}

func TestWSServer_RateLimitCloses(t *testing.T) {
	cfg := testWSConfig()
	cfg.MaxMessagesPerSecond = 3
	srv, _ := startWSServer(t, cfg)

	conn := dialWS(t, srv, "")
	if err := conn.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("join: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(signalmsg.EndCall("cam123")); err != nil {
			return // server already closed on us
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("close err=%v, want policy violation", err)
			}
			return
		}
	}
}

// TestWSServer_ThroughHTTPServer dials through the full HTTP server with its
// middleware chain, mounted the way the relay binary mounts the endpoint. The
// upgrade hijacks the connection, so the logging wrapper must stay hijackable.
func TestWSServer_ThroughHTTPServer(t *testing.T) {
	cfg := testWSConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger, metrics.New())
	ws, err := NewWebSocketServer(cfg, logger, registry)
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{})
	srv.Mux().Handle("GET /ws", ws)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	url := "ws://" + ln.Addr().String() + "/ws"
	dial := func(who string) *websocket.Conn {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("dial %s: %v (status=%d)", who, err, status)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	camera := dial("camera")
	mobile := dial("mobile")

	if err := camera.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleCamera)); err != nil {
		t.Fatalf("camera join: %v", err)
	}
	if err := mobile.WriteJSON(signalmsg.JoinRoom("cam123", signalmsg.RoleMobile)); err != nil {
		t.Fatalf("mobile join: %v", err)
	}
	if msg := readMessage(t, camera); msg.Type != signalmsg.TypePeerAvailable {
		t.Fatalf("camera got %q, want peer_available", msg.Type)
	}
	if msg := readMessage(t, mobile); msg.Type != signalmsg.TypePeerAvailable {
		t.Fatalf("mobile got %q, want peer_available", msg.Type)
	}

	if err := mobile.WriteJSON(signalmsg.Offer("cam123", "s1", signalmsg.SDP{Type: "offer", SDP: "v=0 test"})); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if got := readMessage(t, camera); got.Type != signalmsg.TypeOffer || got.SessionID != "s1" {
		t.Fatalf("offer not forwarded: %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
