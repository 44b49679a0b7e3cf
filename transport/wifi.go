package transport

import (
	"camlink/contract"
	apperrors "camlink/errors"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const inboundChunkBuffer = 32

// WifiListener serves the bridge protocol over a WebSocket endpoint.
// It holds at most one live client link; a second upgrade attempt is
// rejected with 409 while the first is alive.
type WifiListener struct {
	log      *slog.Logger
	addr     string
	upgrader websocket.Upgrader
	server   *http.Server

	mu     sync.Mutex
	active *wsConn

	conns chan contract.Conn
}

func NewWifiListener(log *slog.Logger, addr string) *WifiListener {
	l := &WifiListener{
		log:   log,
		addr:  addr,
		conns: make(chan contract.Conn, 1),
		upgrader: websocket.Upgrader{
			// The phone app is the only expected peer; the link itself is
			// already scoped to the bridge's own network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", l.handleUpgrade)
	l.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("WiFi listener stopped", "error", err)
		}
	}()

	return l
}

func (l *WifiListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	busy := l.active != nil && !l.active.closed()
	l.mu.Unlock()

	if busy {
		http.Error(w, apperrors.ErrBusy.Error(), http.StatusConflict)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	remoteID := r.URL.Query().Get("client_id")
	if remoteID == "" {
		remoteID = r.RemoteAddr
	}

	conn := newWsConn(l.log, ws, remoteID)

	l.mu.Lock()
	l.active = conn
	l.mu.Unlock()

	l.log.Info("Client connected", "remote", remoteID)

	select {
	case l.conns <- conn:
	default:
		// Accept loop gone; drop the link.
		_ = conn.Close()
	}
}

func (l *WifiListener) Accept(ctx context.Context) (contract.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-l.conns:
		if !ok {
			return nil, fmt.Errorf("listener closed")
		}
		return c, nil
	}
}

func (l *WifiListener) Close() error {
	l.mu.Lock()
	if l.active != nil {
		_ = l.active.Close()
	}
	l.mu.Unlock()
	return l.server.Close()
}

// wsConn adapts one websocket connection to contract.Conn.
type wsConn struct {
	log      *slog.Logger
	ws       *websocket.Conn
	remoteID string

	writeMu sync.Mutex
	chunks  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWsConn(log *slog.Logger, ws *websocket.Conn, remoteID string) *wsConn {
	c := &wsConn{
		log:      log,
		ws:       ws,
		remoteID: remoteID,
		chunks:   make(chan []byte, inboundChunkBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.chunks)
	defer c.markClosed()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("Read loop ended", "remote", c.remoteID, "error", err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.chunks <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, b []byte) error {
	if c.closed() {
		return apperrors.ErrLinkLost
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// The deadline is per-write: a zero value clears whatever a previous
	// deadline-bound Send left on the socket.
	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrLinkLost, err)
	}
	return nil
}

func (c *wsConn) Chunks() <-chan []byte { return c.chunks }

func (c *wsConn) RemoteID() string { return c.remoteID }

func (c *wsConn) Close() error {
	c.markClosed()
	return c.ws.Close()
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
