package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	closeGrace       = 2 * time.Second
)

// Conn is one leg of a relayed session. ReadFrame is called from a single
// goroutine; WriteFrame may be called concurrently. A clean close by the
// peer is reported as io.EOF.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens the model leg of a session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type wsConn struct {
	ws        *websocket.Conn
	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewWebsocketConn adapts a gorilla websocket to Conn.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame: %w", shared.ErrConnection, err)
	}
	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: writing frame: %w", shared.ErrConnection, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Auth header styles of model endpoints.
const (
	AuthHeaderBearer = "authorization"
	AuthHeaderAPIKey = "api-key"
)

// WebsocketDialer dials the model realtime endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
	dialer *websocket.Dialer
}

func NewWebsocketDialer(endpoint, apiKey, authHeader string) (*WebsocketDialer, error) {
	if endpoint == "" {
		return nil, shared.ErrNoEndpoint
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	header := http.Header{}
	switch strings.ToLower(authHeader) {
	case AuthHeaderAPIKey:
		header.Set("api-key", apiKey)
	case AuthHeaderBearer, "":
		header.Set("Authorization", "Bearer "+apiKey)
	default:
		return nil, fmt.Errorf("unknown auth header style %q", authHeader)
	}
	return &WebsocketDialer{
		URL:    endpoint,
		Header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dialing model endpoint: status %d: %w", shared.ErrConnection, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dialing model endpoint: %w", shared.ErrConnection, err)
	}
	return NewWebsocketConn(ws), nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
