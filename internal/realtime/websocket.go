package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 64
)

// NewUpgrader builds an upgrader that accepts same-host requests plus the configured
// origins. A single "*" accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "*" {
			wildcard = true
			continue
		}
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			if _, ok := allowed[strings.TrimRight(origin, "/")]; ok {
				return true
			}
			return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
		},
	}
}

// websocketTransport queues envelopes on a bounded channel drained by writePump.
type websocketTransport struct {
	conn      *websocket.Conn
	egress    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWebsocketTransport(conn *websocket.Conn, buffer int) *websocketTransport {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &websocketTransport{
		conn:   conn,
		egress: make(chan Envelope, buffer),
		done:   make(chan struct{}),
	}
}

func (t *websocketTransport) Send(envelope Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.egress <- envelope:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// ServeWebsocket upgrades the request, registers the connection as userID's session
// and blocks until the connection ends.
func (h *Hub) ServeWebsocket(w http.ResponseWriter, r *http.Request, userID string, upgrader *websocket.Upgrader, sendBuffer int) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	transport := newWebsocketTransport(conn, sendBuffer)
	session := h.Connect(userID, transport)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go h.writePump(transport, session)
	h.readPump(ctx, transport, session)

	_ = transport.Close()
	h.Disconnect(ctx, session)
	return nil
}

func (h *Hub) readPump(ctx context.Context, transport *websocketTransport, session *Session) {
	conn := transport.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			h.logReadError(session, err)
			return
		}
		h.Handle(ctx, session, envelope)
	}
}

func (h *Hub) writePump(transport *websocketTransport, session *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	conn := transport.conn

	for {
		select {
		case <-transport.done:
			return
		case envelope := <-transport.egress:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(envelope); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("session_id", session.ID),
					zap.Error(err),
				)
				_ = transport.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = transport.Close()
				return
			}
		}
	}
}

func (h *Hub) logReadError(session *Session, err error) {
	fields := []zap.Field{
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
	}
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		h.logger.Debug("websocket closed", fields...)
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Info("websocket timed out", fields...)
	case errors.Is(err, net.ErrClosed):
		h.logger.Debug("websocket closed locally", fields...)
	default:
		h.logger.Warn("websocket read failed", append(fields, zap.Error(err))...)
	}
}
