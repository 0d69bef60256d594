// Package adapter launches console driver processes and supervises their
// sessions. Each session spawns one driver under a fresh pseudo terminal,
// hands it a single-use control channel for arguments, logs and the final
// result, and collects that result once the process exits.
package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/theCapypara/field-monitor-sub000/pkg/control"
)

// Session is one running console driver. The pseudo terminal carries the
// console bytes; everything out of band goes over the control channel.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	server *control.Server
	logger zerolog.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Start spawns the driver binary under a new pseudo terminal. The driver
// receives exactly one positional argument, the control socket path, and the
// session key through its environment. The extra arguments travel over the
// control channel only, never through argv, so they stay out of the process
// listing.
func Start(driverPath string, extraArgs []string, logger zerolog.Logger) (*Session, error) {
	key := uuid.NewString()
	server := control.NewServer(key, extraArgs, logger)
	socketPath, err := server.Start()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(driverPath, socketPath)
	cmd.Env = append(os.Environ(), control.SessionKeyEnv+"="+key)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to start driver %s: %w", driverPath, err)
	}
	logger.Debug().Str("driver", driverPath).Int("pid", cmd.Process.Pid).Msg("driver started")

	s := &Session{
		cmd:    cmd,
		ptmx:   ptmx,
		server: server,
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// PTY returns the adapter-side end of the driver's pseudo terminal.
func (s *Session) PTY() *os.File {
	return s.ptmx
}

// Done is closed once the driver process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result waits for the driver to exit and returns its reported result. A
// driver that died without reporting yields a synthesized failure; the exit
// code is deliberately not consulted, the control channel is the single
// source of truth for the outcome.
func (s *Session) Result(ctx context.Context) (control.Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return control.Result{}, ctx.Err()
	}

	res := s.server.CollectResult()
	if s.waitErr != nil {
		s.logger.Debug().Err(s.waitErr).Msg("driver exited with error")
	}
	return res, nil
}

// Close tears the session down. A still-running driver is killed outright;
// there is no graceful shutdown protocol, closing the session means the
// console is gone.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			select {
			case <-s.done:
			default:
				_ = s.cmd.Process.Signal(syscall.SIGKILL)
				<-s.done
			}
		}
		s.ptmx.Close()
		s.server.Close()
	})
	return nil
}
