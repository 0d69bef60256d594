// Package proxmox bridges local stdio to a Proxmox VE serial console over
// the termproxy websocket protocol.
//
// After the websocket upgrade the client authenticates with a login line and
// must not send anything else until the server acknowledges with "OK". From
// then on four tasks run concurrently: input forwarding, output forwarding,
// a keep-alive ticker and resize notification. The first task to finish ends
// the session; the websocket sink is mutex guarded because three of the
// tasks write to it.
package proxmox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

const (
	handshakeTimeout  = 30 * time.Second
	keepAliveInterval = 30 * time.Second
	inputChunkSize    = 4096
)

// ResizeWaiter blocks until the local terminal has been resized. The driver
// shell provides one backed by SIGWINCH.
type ResizeWaiter interface {
	Wait(ctx context.Context) error
}

// Bridge connects the process's stdio to one termproxy console session. The
// zero values of the optional fields select production behavior; tests
// override them.
type Bridge struct {
	Endpoint  Endpoint
	Termproxy Termproxy
	Logger    zerolog.Logger

	// Resize delivers local terminal resize notifications. When nil, only
	// the initial geometry is announced.
	Resize ResizeWaiter

	// Input and Output default to stdin and stdout.
	Input  io.Reader
	Output io.Writer

	// TermSize reports the local terminal geometry as (cols, rows). It
	// defaults to querying stdin; sessions without a terminal skip resize
	// announcements entirely.
	TermSize func() (int, int, error)

	// KeepAliveInterval defaults to the 30 seconds the termproxy server
	// expects.
	KeepAliveInterval time.Duration
}

// New creates a bridge for the given endpoint and console ticket.
func New(ep Endpoint, tp Termproxy, logger zerolog.Logger) *Bridge {
	return &Bridge{Endpoint: ep, Termproxy: tp, Logger: logger}
}

// sink serializes writes to the websocket. Gorilla allows one concurrent
// reader and one concurrent writer; input, keep-alive and resize all write.
type sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sink) send(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Run dials the console websocket, performs the login handshake and bridges
// until either side ends the session. A nil return is a clean session end.
func (b *Bridge) Run(ctx context.Context) error {
	b.applyDefaults()

	tlsCfg := b.Endpoint.TLSConfig()
	hc := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   handshakeTimeout,
	}

	header, err := b.Endpoint.AuthHeader(ctx, hc)
	if err != nil {
		return err
	}
	wsURL, err := b.Endpoint.WebsocketURL(b.Termproxy)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"binary"},
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed with status %s: %w", resp.Status, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()
	b.Logger.Debug().Str("url", wsURL.Redacted()).Msg("console websocket connected")

	out := &sink{conn: conn}
	if err := b.handshake(conn, out); err != nil {
		return err
	}
	b.Logger.Debug().Msg("termproxy handshake complete")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Four tasks race; the first to return decides the session outcome.
	errCh := make(chan error, 4)
	go func() { errCh <- b.forwardInput(out) }()
	go func() { errCh <- b.forwardOutput(conn) }()
	go func() { errCh <- b.keepAlive(ctx, out) }()
	go func() { errCh <- b.notifyResize(ctx, out) }()

	res := <-errCh
	// Unblock the remaining tasks; the deferred close tears down the reader.
	cancel()
	return res
}

func (b *Bridge) applyDefaults() {
	if b.Input == nil {
		b.Input = os.Stdin
	}
	if b.Output == nil {
		b.Output = os.Stdout
	}
	if b.KeepAliveInterval == 0 {
		b.KeepAliveInterval = keepAliveInterval
	}
	if b.TermSize == nil {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			b.TermSize = func() (int, int, error) { return term.GetSize(fd) }
		}
	}
}

// handshake sends the login line and waits for the server's "OK". Nothing
// else may hit the wire before the acknowledgement arrives.
func (b *Bridge) handshake(conn *websocket.Conn, out *sink) error {
	login := loginFrame(b.Termproxy.User, b.Termproxy.Ticket)
	if err := out.send(websocket.TextMessage, login); err != nil {
		return fmt.Errorf("failed to send login: %w", err)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection lost during handshake: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !isOK(data) {
			return fmt.Errorf("termproxy handshake rejected: %q", data)
		}
		return nil
	}
}

// forwardInput pumps local input to the console. Local EOF is a clean
// session end.
func (b *Bridge) forwardInput(out *sink) error {
	buf := make([]byte, inputChunkSize)
	for {
		n, err := b.Input.Read(buf)
		if n > 0 {
			if serr := out.send(websocket.BinaryMessage, inputFrame(buf[:n])); serr != nil {
				return fmt.Errorf("failed to send input: %w", serr)
			}
		}
		if err != nil {
			if err == io.EOF {
				b.Logger.Debug().Msg("local input closed")
				return nil
			}
			return fmt.Errorf("local read error: %w", err)
		}
	}
}

// forwardOutput pumps console output to local output, flushing after every
// frame so prompts without a trailing newline appear immediately.
func (b *Bridge) forwardOutput(conn *websocket.Conn) error {
	w := bufio.NewWriter(b.Output)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || err == io.EOF {
				b.Logger.Debug().Msg("console closed")
				return nil
			}
			return fmt.Errorf("console read error: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("local write error: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("local write error: %w", err)
		}
	}
}

// keepAlive pings the termproxy server, which drops sessions that stay
// silent too long.
func (b *Bridge) keepAlive(ctx context.Context, out *sink) error {
	ticker := time.NewTicker(b.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := out.send(websocket.TextMessage, []byte(keepAliveFrame)); err != nil {
				return fmt.Errorf("failed to send keep-alive: %w", err)
			}
		}
	}
}

// notifyResize announces the current terminal geometry once at startup and
// again after every resize notification.
func (b *Bridge) notifyResize(ctx context.Context, out *sink) error {
	if b.TermSize == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		cols, rows, err := b.TermSize()
		if err != nil {
			return fmt.Errorf("failed to query terminal size: %w", err)
		}
		if err := out.send(websocket.TextMessage, resizeFrame(cols, rows)); err != nil {
			return fmt.Errorf("failed to send resize: %w", err)
		}
		if b.Resize == nil {
			<-ctx.Done()
			return ctx.Err()
		}
		if err := b.Resize.Wait(ctx); err != nil {
			return err
		}
	}
}
