package proxmox

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startServer runs a fake termproxy endpoint. The handler owns the upgraded
// connection for the duration of the session.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	root, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return Endpoint{
		Root:   root,
		Auth:   AuthAPIKey,
		User:   "monitor@pve!console",
		Secret: "secret",
		Node:   "pve1",
		VMType: "qemu",
		VMID:   "100",
	}
}

func testTicket() Termproxy {
	return Termproxy{User: "monitor@pve", Ticket: "PVEVNC:SIG", Port: "5900"}
}

func runBridge(t *testing.T, b *Bridge) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("bridge did not conclude")
		return nil
	}
}

// blockingReader never yields data and never reports EOF.
type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

type fakeWaiter struct {
	ch chan struct{}
}

func (w *fakeWaiter) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestInputForwardedAfterHandshake(t *testing.T) {
	frames := make(chan string, 16)
	ep := startServer(t, func(conn *websocket.Conn) {
		_, login, err := conn.ReadMessage()
		require.NoError(t, err)
		frames <- string(login)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("OK")))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	})

	b := New(ep, testTicket(), zerolog.Nop())
	b.Input = strings.NewReader("ls\n")
	b.Output = io.Discard
	b.KeepAliveInterval = time.Hour

	require.NoError(t, runBridge(t, b), "local input EOF is a clean session end")

	select {
	case login := <-frames:
		assert.Equal(t, "monitor@pve:PVEVNC:SIG\n", login)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the login line")
	}
	select {
	case frame := <-frames:
		assert.Equal(t, "0:3:ls\n", frame)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the input frame")
	}
}

func TestHandshakeRejectionFailsSession(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	ep := startServer(t, func(conn *websocket.Conn) {
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			count++
			mu.Unlock()
			conn.WriteMessage(websocket.TextMessage, []byte("authentication failed"))
		}
	})

	b := New(ep, testTicket(), zerolog.Nop())
	b.Input = strings.NewReader("should never be sent")
	b.Output = io.Discard
	b.KeepAliveInterval = time.Hour

	err := runBridge(t, b)
	require.ErrorContains(t, err, "handshake rejected")

	// Only the login line may reach the server before the acknowledgement.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestOutputForwardedToLocal(t *testing.T) {
	ep := startServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("OK")))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello ")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("world")))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	})

	var out bytes.Buffer
	b := New(ep, testTicket(), zerolog.Nop())
	b.Input = blockingReader{}
	b.Output = &out
	b.KeepAliveInterval = time.Hour

	require.NoError(t, runBridge(t, b), "a normal close is a clean session end")
	assert.Equal(t, "hello world", out.String())
}

func TestKeepAliveFrames(t *testing.T) {
	got := make(chan string, 16)
	ep := startServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("OK")))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- string(data)
		}
	})

	b := New(ep, testTicket(), zerolog.Nop())
	b.Input = blockingReader{}
	b.Output = io.Discard
	b.KeepAliveInterval = 25 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case frame := <-got:
			assert.Equal(t, keepAliveFrame, frame)
		case <-time.After(5 * time.Second):
			t.Fatal("keep-alive frame never arrived")
		}
	}
}

func TestResizeAnnouncements(t *testing.T) {
	got := make(chan string, 16)
	ep := startServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("OK")))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- string(data)
		}
	})

	var (
		mu         sync.Mutex
		cols, rows = 80, 24
	)
	waiter := &fakeWaiter{ch: make(chan struct{}, 1)}

	b := New(ep, testTicket(), zerolog.Nop())
	b.Input = blockingReader{}
	b.Output = io.Discard
	b.KeepAliveInterval = time.Hour
	b.Resize = waiter
	b.TermSize = func() (int, int, error) {
		mu.Lock()
		defer mu.Unlock()
		return cols, rows, nil
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	select {
	case frame := <-got:
		assert.Equal(t, "1:80:24:", frame, "initial geometry must be announced")
	case <-time.After(5 * time.Second):
		t.Fatal("initial resize frame never arrived")
	}

	mu.Lock()
	cols, rows = 120, 40
	mu.Unlock()
	waiter.ch <- struct{}{}

	select {
	case frame := <-got:
		assert.Equal(t, "1:120:40:", frame)
	case <-time.After(5 * time.Second):
		t.Fatal("resize frame never arrived")
	}
}
