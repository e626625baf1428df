package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnauthorized is returned by the dialer when the server refuses the
// credential during the handshake.
var ErrUnauthorized = errors.New("socket handshake unauthorized")

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens an authenticated connection.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

var _ Conn = (*websocket.Conn)(nil)

// WebsocketDialer dials with gorilla/websocket and a Bearer header.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewDialer creates a WebsocketDialer. A zero handshakeTimeout uses 10s.
func NewDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens a websocket to url, authenticating with credential.
func (d *WebsocketDialer) Dial(ctx context.Context, url, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dialing %s: %w", url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}
