// Package drivershell is the per-process bootstrap shared by the console
// driver binaries.
//
// A driver is spawned by the adapter with the control socket path as its only
// positional argument and the session key in the environment. The shell
// fetches the sensitive extra arguments over the control channel, puts local
// stdio into raw mode, neutralizes the default terminate signals, runs the
// backend-specific bridge and reports its result exactly once before the
// process exits.
package drivershell

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/theCapypara/field-monitor-sub000/pkg/control"
)

// setupExitCode is used when the control channel itself cannot be reached.
// Distinct from the 0/1 result codes so the adapter can tell "driver could
// not even start" from "bridge ran and failed".
const setupExitCode = 44

// ConsoleBridge is a backend-specific engine moving bytes between local
// stdio and a remote console transport. Run blocks until the session is
// over; a nil return is a clean, deliberate session end.
type ConsoleBridge interface {
	Run(ctx context.Context) error
}

// BridgeFunc adapts a plain function to the ConsoleBridge interface. Driver
// mains use it to report argument validation errors through the regular
// result path.
type BridgeFunc func(ctx context.Context) error

func (f BridgeFunc) Run(ctx context.Context) error { return f(ctx) }

// Shell holds everything a driver needs after bootstrap: the authenticated
// control client, the fetched extra arguments and a logger that forwards to
// the parent process.
type Shell struct {
	client *control.Client
	args   []string
	logger zerolog.Logger
}

// Setup performs driver bootstrap: it parses argv (the control channel
// address is always first), dials the channel and fetches the extra
// arguments using the session key from the environment. Bootstrap failures
// are unrecoverable; Setup prints to stderr and exits with code 44 because
// there is no channel to report through yet.
func Setup(name string) *Shell {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <control-socket-path>\n", os.Args[0])
		os.Exit(setupExitCode)
	}

	client := control.Dial(os.Args[1])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	args, err := client.FetchExtraArguments(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up console driver: %v\n", err)
		os.Exit(setupExitCode)
	}

	logger := zerolog.New(&channelWriter{client: client}).With().
		Timestamp().
		Str("driver", name).
		Logger()
	logger.Debug().Int("extra_args", len(args)).Msg("driver bootstrap complete")

	return &Shell{client: client, args: args, logger: logger}
}

// Args returns the extra arguments fetched over the control channel, in the
// fixed backend-specific order.
func (s *Shell) Args() []string {
	return s.args
}

// Logger returns the driver logger. Its output travels over the control
// channel, never over the driver's own stdio, which is the console surface.
func (s *Shell) Logger() zerolog.Logger {
	return s.logger
}

// Run drives the bridge to completion and never returns. It puts stdin into
// raw mode, neutralizes the terminate signals, runs the bridge with panic
// containment, reports the result over the control channel and exits with
// code 0 or 1.
func (s *Shell) Run(bridge ConsoleBridge) {
	s.enterRawMode()
	neutralizeSignals(s.logger)

	result := s.execute(bridge)
	s.report(result)

	if result.Failure {
		s.logger.Error().Str("message", result.Message).Msg("console driver failed")
		os.Exit(1)
	}
	s.logger.Debug().Msg("exiting")
	os.Exit(0)
}

// report delivers the result over the control channel. A delivery failure
// goes through the channel logger, best effort: the driver's own stdio is
// the console surface and must stay clean, and the adapter synthesizes a
// result anyway when none arrives.
func (s *Shell) report(result control.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.ReportResult(ctx, result); err != nil {
		s.logger.Debug().Err(err).Msg("failed to report driver result")
	}
}

// execute runs the bridge and maps its outcome onto a Result. Panics become
// failure results: the process must still report before dying.
func (s *Shell) execute(bridge ConsoleBridge) control.Result {
	err := runBridge(bridge)
	if err != nil {
		return control.Failed(err.Error())
	}
	return control.Success("exited normally")
}

func runBridge(bridge ConsoleBridge) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("console bridge panicked: %v", r)
		}
	}()
	return bridge.Run(context.Background())
}

// enterRawMode disables echo, line buffering and signal-generating control
// characters on stdin so every keystroke reaches the remote console
// untranslated. The state is deliberately not restored: the driver owns its
// PTY for its whole lifetime and the PTY dies with the process.
func (s *Shell) enterRawMode() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		s.logger.Debug().Msg("stdin is not a terminal, skipping raw mode")
		return
	}
	if _, err := term.MakeRaw(fd); err != nil {
		s.logger.Warn().Err(err).Msg("failed to put stdin into raw mode")
	}
}
