package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("transport")

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 512 * 1024
)

// WebSocketDialer dials the relay's websocket endpoint with a bearer token.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	MaxMessageSize   int64
}

// NewWebSocketDialer returns a dialer for url with default timeouts.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:              url,
		HandshakeTimeout: util.DefaultConnectTimeout,
		WriteWait:        defaultWriteWait,
		PongWait:         defaultPongWait,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

// Dial performs the handshake. A 401 or 403 response yields an *AuthError.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return NewWebSocket(conn, d.WriteWait, d.PongWait, d.MaxMessageSize), nil
}

// WebSocket adapts a gorilla connection to Socket and keeps it alive with pings.
type WebSocket struct {
	conn      *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// NewWebSocket wraps conn. Zero durations and sizes fall back to defaults.
func NewWebSocket(conn *websocket.Conn, writeWait, pongWait time.Duration, maxSize int64) *WebSocket {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	ws := &WebSocket{
		conn:      conn,
		writeWait: writeWait,
		pongWait:  pongWait,
		done:      make(chan struct{}),
	}
	conn.SetReadLimit(maxSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ws.pingLoop()
	return ws
}

// Send pings with this period (must be less than pongWait).
func (ws *WebSocket) pingPeriod() time.Duration { return (ws.pongWait * 9) / 10 }

func (ws *WebSocket) pingLoop() {
	ticker := time.NewTicker(ws.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.writeWait))
			err := ws.conn.WriteMessage(websocket.PingMessage, nil)
			ws.writeMu.Unlock()
			if err != nil {
				log.Debugf("ping failed: %v", err)
				return
			}
		}
	}
}

// ReadMessage blocks for the next text or binary frame.
func (ws *WebSocket) ReadMessage() ([]byte, error) {
	_, b, err := ws.conn.ReadMessage()
	if err != nil {
		select {
		case <-ws.done:
			return nil, ErrClosed
		default:
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			log.Debugf("read: %v", err)
		}
		return nil, err
	}
	return b, nil
}

// WriteMessage sends b as one text frame.
func (ws *WebSocket) WriteMessage(b []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(ws.writeWait))
	return ws.conn.WriteMessage(websocket.TextMessage, b)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (ws *WebSocket) Close() error {
	var err error
	ws.once.Do(func() {
		close(ws.done)
		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(ws.writeWait))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
	})
	return err
}
