package adapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

const (
	// exitSequence1 is the first byte of the exit sequence (Ctrl+]),
	// following the convention of telnet and friends.
	exitSequence1 = 0x1D

	// exitSequence2 is the second byte: after Ctrl+], 'q' detaches.
	exitSequence2 = 'q'
)

// Terminal attaches the local terminal to a session's pseudo terminal. It
// puts the local terminal into raw mode, mirrors resizes into the driver's
// pty and detaches on Ctrl+] followed by 'q'.
type Terminal struct {
	session *Session
	stdin   *os.File
	stdout  *os.File

	oldState *term.State

	mu          sync.Mutex
	done        chan struct{}
	exitPressed bool
}

// NewTerminal creates a terminal attachment for the given session, wired to
// the process's stdin and stdout.
func NewTerminal(session *Session) *Terminal {
	return &Terminal{
		session: session,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		done:    make(chan struct{}),
	}
}

// Attach blocks until the user detaches, the driver exits or the context is
// cancelled. The local terminal state is restored before returning.
func (t *Terminal) Attach(ctx context.Context) error {
	fmt.Fprintln(t.stdout, "Connected to console. Press Ctrl+] then 'q' to detach.")

	if err := t.setRawMode(); err != nil {
		return err
	}
	defer t.restore()

	t.inheritSize()
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-winch:
				t.inheritSize()
			case <-t.done:
				return
			}
		}
	}()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.ptyToStdout(); err != nil && err != io.EOF {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.stdinToPty(); err != nil && err != io.EOF {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		t.signalDone()
		return ctx.Err()
	case <-t.session.Done():
		t.signalDone()
		return nil
	case err := <-errCh:
		t.signalDone()
		return err
	case <-t.done:
		return nil
	}
}

func (t *Terminal) ptyToStdout() error {
	buf := make([]byte, 4096)
	for {
		n, err := t.session.PTY().Read(buf)
		if n > 0 {
			if _, werr := t.stdout.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write to stdout: %w", werr)
			}
		}
		if err != nil {
			// The pty master reads EIO once the driver is gone; that is
			// the normal end of the attachment.
			return io.EOF
		}
	}
}

func (t *Terminal) stdinToPty() error {
	buf := make([]byte, 1024)
	for {
		n, err := t.stdin.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		data := buf[:n]

		if t.checkExitSequence(data) {
			fmt.Fprintln(t.stdout, "\r\nDetached from console.")
			t.signalDone()
			return io.EOF
		}

		if _, err := t.session.PTY().Write(data); err != nil {
			return fmt.Errorf("failed to write to console: %w", err)
		}
	}
}

// checkExitSequence tracks the two-byte detach sequence across reads, so
// Ctrl+] and 'q' arriving in separate chunks still match.
func (t *Terminal) checkExitSequence(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range data {
		if t.exitPressed {
			if b == exitSequence2 {
				return true
			}
			t.exitPressed = false
		} else if b == exitSequence1 {
			t.exitPressed = true
		}
	}
	return false
}

func (t *Terminal) inheritSize() {
	if err := pty.InheritSize(t.stdin, t.session.PTY()); err == nil {
		// Nudge the driver so it can forward the new geometry.
		if t.session.cmd.Process != nil {
			_ = t.session.cmd.Process.Signal(syscall.SIGWINCH)
		}
	}
}

func (t *Terminal) signalDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *Terminal) setRawMode() error {
	if !term.IsTerminal(int(t.stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(int(t.stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	t.oldState = state
	return nil
}

func (t *Terminal) restore() {
	if t.oldState != nil {
		_ = term.Restore(int(t.stdin.Fd()), t.oldState)
	}
}
