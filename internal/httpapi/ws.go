package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/spaceshowcase/internal/protocol"
	"github.com/ent0n29/spaceshowcase/internal/session"
)

const (
	wsReadLimit    = 64 << 10
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "showcase not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	b := &wsBridge{
		server:   s,
		conn:     conn,
		sess:     sess,
		inbound:  make(chan any, 64),
		outbound: make(chan any, 256),
	}
	b.run(r.Context())
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// wsBridge pumps one websocket connection into the orchestrator. All writes
// happen on the writer goroutine.
type wsBridge struct {
	server   *Server
	conn     *websocket.Conn
	sess     *session.Session
	inbound  chan any
	outbound chan any
}

func (b *wsBridge) run(parent context.Context) {
	defer b.conn.Close()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := b.server.orchestrator.RunConnection(ctx, b.sess, b.inbound, b.outbound); err != nil {
			b.server.log.Warn().Err(err).Str("session_id", b.sess.ID).Msg("showcase connection ended with error")
		}
	}()
	go func() {
		defer wg.Done()
		b.writeLoop(ctx, cancel)
	}()

	b.readLoop(ctx)
	cancel()
	close(b.inbound)
	wg.Wait()
}

func (b *wsBridge) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	m := b.server.metrics
	for {
		select {
		case <-ctx.Done():
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				m.WSWriteErrors.WithLabelValues("ping").Inc()
				cancel()
				return
			}
		case msg := <-b.outbound:
			_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := b.conn.WriteJSON(msg); err != nil {
				m.WSWriteErrors.WithLabelValues("write_json").Inc()
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				m.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

func (b *wsBridge) readLoop(ctx context.Context) {
	b.conn.SetReadLimit(wsReadLimit)
	_ = b.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	s := b.server
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(b.sess.ID)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			b.reject(err)
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			return
		case b.inbound <- parsed:
		}
	}
}

// reject answers a malformed client frame without blocking the reader.
func (b *wsBridge) reject(err error) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: b.sess.ID,
		Code:      "invalid_client_message",
		Source:    "gateway",
		Detail:    err.Error(),
	}
	select {
	case b.outbound <- evt:
		b.server.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
	default:
		b.server.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
	}
}
