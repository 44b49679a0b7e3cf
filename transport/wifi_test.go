package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"camlink/contract"
)

func newTestListener(t *testing.T) (*WifiListener, string) {
	t.Helper()
	l := &WifiListener{
		log:   slog.Default(),
		conns: make(chan contract.Conn, 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	server := httptest.NewServer(http.HandlerFunc(l.handleUpgrade))
	t.Cleanup(server.Close)
	return l, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWifiLinkRoundTrip(t *testing.T) {
	req := require.New(t)
	listener, url := newTestListener(t)

	client, _, err := websocket.DefaultDialer.Dial(url+"?client_id=phone-1", nil)
	req.NoError(err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := listener.Accept(ctx)
	req.NoError(err)
	req.Equal("phone-1", conn.RemoteID())

	// Client -> bridge.
	req.NoError(client.WriteMessage(websocket.BinaryMessage, []byte{0xCA, 0xFE}))
	select {
	case chunk := <-conn.Chunks():
		req.Equal([]byte{0xCA, 0xFE}, chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the client chunk to arrive")
	}

	// Bridge -> client.
	req.NoError(conn.Send(ctx, []byte{0xBE, 0xEF}))
	kind, data, err := client.ReadMessage()
	req.NoError(err)
	req.Equal(websocket.BinaryMessage, kind)
	req.Equal([]byte{0xBE, 0xEF}, data)
}

func TestWifiRejectsSecondClientWhileBusy(t *testing.T) {
	req := require.New(t)
	listener, url := newTestListener(t)

	first, _, err := websocket.DefaultDialer.Dial(url+"?client_id=phone-1", nil)
	req.NoError(err)
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = listener.Accept(ctx)
	req.NoError(err)

	// The link is single-occupancy: a concurrent client gets a conflict.
	_, resp, err := websocket.DefaultDialer.Dial(url+"?client_id=phone-2", nil)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusConflict, resp.StatusCode)
}

func TestWifiSendAfterExpiredDeadlineContext(t *testing.T) {
	req := require.New(t)
	listener, url := newTestListener(t)

	client, _, err := websocket.DefaultDialer.Dial(url+"?client_id=phone-1", nil)
	req.NoError(err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := listener.Accept(ctx)
	req.NoError(err)

	// A deadline-bound send must not leave its deadline on the socket.
	bounded, boundedCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	req.NoError(conn.Send(bounded, []byte{0x01}))
	boundedCancel()
	_, _, err = client.ReadMessage()
	req.NoError(err)

	time.Sleep(600 * time.Millisecond)

	req.NoError(conn.Send(context.Background(), []byte{0x02}))
	kind, data, err := client.ReadMessage()
	req.NoError(err)
	req.Equal(websocket.BinaryMessage, kind)
	req.Equal([]byte{0x02}, data)
}

func TestWifiChunksCloseOnClientDisconnect(t *testing.T) {
	req := require.New(t)
	listener, url := newTestListener(t)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := listener.Accept(ctx)
	req.NoError(err)

	req.NoError(client.Close())

	select {
	case _, ok := <-conn.Chunks():
		req.False(ok, "chunks must close when the peer hangs up")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the chunk channel to close")
	}
}
