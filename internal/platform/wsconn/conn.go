// Package wsconn runs one websocket session: dial, subscribe, keep alive and
// hand every text frame to a callback until the connection drops.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Session describes one connection.
type Session struct {
	URL string
	// Subscribe frames are written in order right after the handshake.
	Subscribe [][]byte
	// PingPeriod overrides the keep-alive interval, mostly for tests.
	PingPeriod time.Duration
}

// Run dials s.URL and delivers frames to handle until ctx is cancelled, the
// peer disconnects, or handle returns an error. A dropped connection is
// reported wrapping domain.ErrWSDisconnect; reconnecting is the caller's job.
func Run(ctx context.Context, s Session, handle func([]byte) error) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("wsconn: dial: %w: %v", domain.ErrWSDisconnect, err)
	}
	defer conn.Close()

	for _, frame := range s.Subscribe {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("wsconn: subscribe: %w: %v", domain.ErrWSDisconnect, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()
	go pingLoop(conn, s.pingPeriod(), done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wsconn: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		// Any frame proves the peer is alive.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := handle(msg); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wsconn: handle: %w", err)
		}
	}
}

func (s Session) pingPeriod() time.Duration {
	if s.PingPeriod > 0 {
		return s.PingPeriod
	}
	return pingPeriod
}

// pingLoop sends control pings until done is closed or a write fails.
func pingLoop(conn *websocket.Conn, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
