package relayroom

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartbell/doorcall/internal/auth"
	"github.com/smartbell/doorcall/internal/config"
	"github.com/smartbell/doorcall/internal/metrics"
	"github.com/smartbell/doorcall/internal/ratelimit"
	"github.com/smartbell/doorcall/internal/signalmsg"
)

const (
	wsWriteWait = 1 * time.Second

	// sendQueueSize bounds the per-participant outbound queue. A participant
	// that cannot drain its socket loses events rather than stalling the room.
	sendQueueSize = 32
)

// WebSocketServer exposes the room registry at GET /ws.
//
// It enforces join-token auth plus per-connection limits (message size, rate,
// idle timeout) so a stuck or hostile participant cannot degrade the relay.
type WebSocketServer struct {
	cfg      config.Config
	log      *slog.Logger
	registry *Registry
	verifier auth.Verifier
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, logger *slog.Logger, registry *Registry) (*WebSocketServer, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketServer{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		verifier: verifier,
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			// Participants are native apps and embedded cameras, not browsers;
			// there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &wsParticipant{
		log:   s.log,
		conn:  conn,
		send:  make(chan signalmsg.Message, sendQueueSize),
		done:  make(chan struct{}),
		token: r.URL.Query().Get("token"),
	}
	go p.writePump(s.cfg.PingInterval)
	s.readLoop(p)
}

func (s *WebSocketServer) readLoop(p *wsParticipant) {
	defer func() {
		s.registry.Leave(p)
		p.close()
	}()

	limiter := ratelimit.NewTokenBucket(s.clock,
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	p.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow(1) {
			s.registry.Metrics().Inc(metrics.DropReasonRateLimited)
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := signalmsg.Parse(data)
		if err != nil {
			// Malformed traffic is dropped, never fatal to the relay.
			s.registry.Metrics().Inc(metrics.DropReasonBadMessage)
			s.log.Debug("dropping malformed message", "err", err)
			continue
		}

		switch {
		case msg.Type == signalmsg.TypeJoinRoom:
			if err := s.verifier.Verify(p.token, msg.Room); err != nil {
				s.registry.Metrics().Inc(metrics.AuthFailure)
				s.log.Warn("rejecting unauthorized join", "room", msg.Room, "err", err)
				// Written directly, not queued, so the client sees the error
				// before the close frame.
				_ = p.writeJSON(signalmsg.Error("unauthorized", "join not authorized"))
				p.closeWith(websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			s.registry.Join(p, msg.Room, msg.Role)
		case msg.Relayable():
			s.registry.Relay(p, msg)
		default:
			// Server-originated event types are not accepted from clients.
			s.registry.Metrics().Inc(metrics.DropReasonBadMessage)
		}
	}
}

// wsParticipant adapts one websocket connection to the registry's Sender.
//
// All writes go through the send queue and a single writePump goroutine, which
// preserves per-participant send order.
type wsParticipant struct {
	log   *slog.Logger
	conn  *websocket.Conn
	token string

	// writeMu serializes data writes between the pump and the direct
	// pre-close error path.
	writeMu sync.Mutex

	send chan signalmsg.Message
	done chan struct{}
}

func (p *wsParticipant) Send(msg signalmsg.Message) {
	select {
	case p.send <- msg:
	case <-p.done:
	default:
		p.log.Warn("dropping event for slow participant", "type", msg.Type, "room", msg.Room)
	}
}

func (p *wsParticipant) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			if err := p.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.writeMu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsParticipant) writeJSON(msg signalmsg.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteJSON(msg)
}

func (p *wsParticipant) closeWith(code int, reason string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (p *wsParticipant) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	_ = p.conn.Close()
}
