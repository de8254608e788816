package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vyvo/forge/bridge/pkg/auth"
	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/training"
)

// Train runs one session over the training websocket. Every event is
// passed to fn in order. Canceling ctx asks the bridge to abort; Train
// still waits for the terminal event, which it returns.
func (c *Client) Train(ctx context.Context, cfg training.Config, fn func(session.Event)) (session.Event, error) {
	endpoint, err := c.socketURL()
	if err != nil {
		return session.Event{}, err
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Key "+c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return session.Event{}, ErrBusy
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return session.Event{}, fmt.Errorf("open training socket: %w", auth.ErrInvalidKey)
		}
		return session.Event{}, fmt.Errorf("open training socket: %w", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(v)
	}
	if err := write(cfg); err != nil {
		return session.Event{}, fmt.Errorf("send training config: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = write(session.Command{Action: session.ActionAbort})
	})
	defer stop()

	for {
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return session.Event{}, errors.New("training socket closed before a terminal event")
			}
			return session.Event{}, fmt.Errorf("read training event: %w", err)
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type.Terminal() {
			return ev, nil
		}
	}
}

func (c *Client) socketURL() (string, error) {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws/training", nil
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws/training", nil
	}
	return "", fmt.Errorf("unsupported base URL %q", c.baseURL)
}
