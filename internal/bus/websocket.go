package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDefaultWriteWait = 10 * time.Second
	wsMaxInboundBytes  = 4096
)

// ErrTransportClosed is returned by Send after the connection has closed.
var ErrTransportClosed = errors.New("transport closed")

// WebSocketTransport delivers events as text frames on a gorilla/websocket
// connection. Writes are serialized; Close may be called from any goroutine.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, done: make(chan struct{})}
}

// Send writes payload as one text message. The write deadline follows ctx.
func (t *WebSocketTransport) Send(ctx context.Context, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsDefaultWriteWait)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Run services the connection until the peer goes away, a pong is missed,
// or ctx is cancelled. Inbound data frames are discarded; the read loop
// exists to process control frames. Run closes the transport on return.
func (t *WebSocketTransport) Run(ctx context.Context, pingInterval time.Duration) {
	defer t.Close()

	t.conn.SetReadLimit(wsMaxInboundBytes)
	if pingInterval > 0 {
		pongWait := 2 * pingInterval
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(pingInterval)
	}

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsDefaultWriteWait)); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

// Done is closed once the transport is closed.
func (t *WebSocketTransport) Done() <-chan struct{} { return t.done }

// Close sends a close frame and tears the connection down. It does not wait
// for in-flight writes.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
