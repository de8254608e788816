package api

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vyvo/forge/bridge/pkg/session"
)

func (s *Server) handleTrainingSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "training sessions disabled")
		return
	}
	id := uuid.NewString()
	lease, err := s.opts.Slot.Claim(id)
	if err != nil {
		respondError(w, http.StatusConflict, "Training already in progress")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		lease.Release()
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	t := NewSocketTransport(conn, s.opts.WriteTimeout)
	defer t.Close()

	err = s.opts.Sessions.Run(r.Context(), t, lease)
	s.logger.InfoContext(r.Context(), "training socket closed",
		"session_id", id, "outcome", session.Classify(err))
}

// SocketTransport carries session frames over a websocket connection.
type SocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func NewSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *SocketTransport {
	return &SocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// Receive returns the next text or binary frame. A canceled ctx unblocks
// a pending read by expiring its deadline; the connection is unusable for
// reads afterwards.
func (t *SocketTransport) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *SocketTransport) Send(_ context.Context, ev session.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteJSON(ev)
}

// Close sends a normal closure frame and closes the connection.
func (t *SocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
