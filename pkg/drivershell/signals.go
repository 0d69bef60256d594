package drivershell

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// neutralizeSignals suppresses the default terminate behavior of the usual
// session signals. Interactive keystrokes like Ctrl+C reach the driver
// through raw-mode stdin and belong to the remote console; a stray SIGTERM
// or SIGPIPE must not tear the session down behind the bridge's back. The
// handlers are installed once and never removed, the process is short-lived.
func neutralizeSignals(logger zerolog.Logger) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE)
	go func() {
		for sig := range ch {
			logger.Debug().Str("signal", sig.String()).Msg("ignoring signal")
		}
	}()
}

// ResizeNotifier turns SIGWINCH delivery into a cooperative wait. The signal
// channel has capacity one, so any number of resizes between two waits
// coalesce into a single wakeup.
type ResizeNotifier struct {
	ch chan os.Signal
}

// NotifyResize installs the window-size-change handler. Only the Proxmox
// backend consumes it; the libvirt console protocol has no resize channel.
func NotifyResize() *ResizeNotifier {
	n := &ResizeNotifier{ch: make(chan os.Signal, 1)}
	signal.Notify(n.ch, syscall.SIGWINCH)
	return n
}

// Wait blocks until the window size changed or ctx is done.
func (n *ResizeNotifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
