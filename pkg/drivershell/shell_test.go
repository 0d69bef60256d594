package drivershell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theCapypara/field-monitor-sub000/pkg/control"
)

func newTestShell(t *testing.T) (*Shell, *control.Server) {
	t.Helper()
	srv := control.NewServer("key", []string{"a", "b"}, zerolog.Nop())
	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	client := control.DialWithKey(addr, "key")
	args, err := client.FetchExtraArguments(context.Background())
	require.NoError(t, err)

	return &Shell{client: client, args: args, logger: zerolog.Nop()}, srv
}

func TestExecuteSuccess(t *testing.T) {
	sh, _ := newTestShell(t)

	res := sh.execute(BridgeFunc(func(ctx context.Context) error { return nil }))
	assert.False(t, res.Failure)
	assert.Equal(t, "exited normally", res.Message)
}

func TestExecuteFailure(t *testing.T) {
	sh, _ := newTestShell(t)

	res := sh.execute(BridgeFunc(func(ctx context.Context) error {
		return errors.New("remote stream reset")
	}))
	assert.True(t, res.Failure)
	assert.Equal(t, "remote stream reset", res.Message)
}

func TestExecuteConvertsPanicToFailure(t *testing.T) {
	sh, _ := newTestShell(t)

	res := sh.execute(BridgeFunc(func(ctx context.Context) error {
		panic("index out of range")
	}))
	assert.True(t, res.Failure)
	assert.Contains(t, res.Message, "index out of range")
}

func TestSetupArgsComeFromChannel(t *testing.T) {
	sh, _ := newTestShell(t)
	assert.Equal(t, []string{"a", "b"}, sh.Args())
}

func TestResultReportedOnce(t *testing.T) {
	sh, srv := newTestShell(t)

	res := sh.execute(BridgeFunc(func(ctx context.Context) error { return nil }))
	require.NoError(t, sh.client.ReportResult(context.Background(), res))

	// The shell reports the single bridge result; a second report is a bug
	// and the channel enforces it.
	err := sh.client.ReportResult(context.Background(), res)
	require.Error(t, err)

	got := srv.CollectResult()
	assert.False(t, got.Failure)
}

// TestReportFailureRoutedToLogger: when the channel is already gone the
// delivery failure must surface through the logger, never on the driver's
// stdio, which is the console surface.
func TestReportFailureRoutedToLogger(t *testing.T) {
	srv := control.NewServer("key", nil, zerolog.Nop())
	addr, err := srv.Start()
	require.NoError(t, err)
	client := control.DialWithKey(addr, "key")
	require.NoError(t, srv.Close())

	var buf bytes.Buffer
	sh := &Shell{client: client, logger: zerolog.New(&buf)}
	sh.report(control.Success("done"))

	assert.Contains(t, buf.String(), "failed to report driver result")
}

func TestResizeNotifier(t *testing.T) {
	n := NotifyResize()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGWINCH))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, n.Wait(ctx))
}

func TestResizeNotifierWaitHonorsContext(t *testing.T) {
	n := NotifyResize()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Wait(ctx), context.DeadlineExceeded)
}
