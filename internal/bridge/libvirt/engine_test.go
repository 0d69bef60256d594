package libvirt

import (
	"bytes"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsole implements both consoleStream and eventLoop, scripted from the
// test: pending bytes play the remote console's output, sent collects what
// the engine pushed toward the remote side. Iterate dispatches events the
// way libvirt's loop does, honoring the interest mask the engine registered.
type fakeConsole struct {
	mu       sync.Mutex
	interest streamEvents
	cb       func(streamEvents)

	pending      []byte // remote -> engine, not yet received
	remoteClosed bool
	recvErr      error

	sent        []byte // engine -> remote
	sendMax     int    // max bytes accepted per Send call, 0 = unlimited
	sendBlocked bool   // next Send returns would-block once

	finished bool
}

// Recv and Send produce the shapes the real binding produces, (0, io.EOF)
// for a closed remote and (-2, nil) for would-block, and go through the
// same translation as the native stream adapter.
func (f *fakeConsole) Recv(p []byte) (int, error) {
	return translateStreamResult(f.recvRaw(p))
}

func (f *fakeConsole) recvRaw(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		if f.recvErr != nil {
			return -1, f.recvErr
		}
		if f.remoteClosed {
			return 0, io.EOF
		}
		return -2, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeConsole) Send(p []byte) (int, error) {
	return translateStreamResult(f.sendRaw(p))
}

func (f *fakeConsole) sendRaw(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendBlocked {
		f.sendBlocked = false
		return -2, nil
	}
	n := len(p)
	if f.sendMax > 0 && n > f.sendMax {
		n = f.sendMax
	}
	f.sent = append(f.sent, p[:n]...)
	return n, nil
}

func (f *fakeConsole) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	return nil
}

func (f *fakeConsole) UpdateEvents(events streamEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interest = events
	return nil
}

func (f *fakeConsole) AddStreamCallback(events streamEvents, cb func(streamEvents)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interest = events
	f.cb = cb
	return nil
}

func (f *fakeConsole) AddWakeupTimer(time.Duration) error {
	return nil
}

func (f *fakeConsole) Iterate() error {
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	var events streamEvents
	if f.interest&eventReadable != 0 && (len(f.pending) > 0 || f.remoteClosed || f.recvErr != nil) {
		events |= eventReadable
	}
	if f.interest&eventWritable != 0 {
		events |= eventWritable
	}
	cb := f.cb
	f.mu.Unlock()

	if events != 0 && cb != nil {
		cb(events)
	}
	return nil
}

func (f *fakeConsole) sentBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.sent...)
}

// blockingReader never delivers data until closed, then reports EOF.
type blockingReader struct {
	done chan struct{}
}

func newBlockingReader() *blockingReader {
	return &blockingReader{done: make(chan struct{})}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

func runEngine(t *testing.T, fake *fakeConsole, input io.Reader, output io.Writer) error {
	t.Helper()
	eng := newEngine(fake, fake, input, output, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- eng.run() }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("engine did not conclude")
		return nil
	}
}

func TestRemoteToLocalRoundTrip(t *testing.T) {
	payload := []byte("login: \r\nWelcome to the guest\r\n")
	fake := &fakeConsole{pending: append([]byte(nil), payload...), remoteClosed: true}

	var out bytes.Buffer
	err := runEngine(t, fake, newBlockingReader(), &out)

	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
	assert.True(t, fake.finished, "stream shutdown must be requested")
}

func TestLocalToRemoteRoundTrip(t *testing.T) {
	payload := []byte("ls -la\r")
	fake := &fakeConsole{}

	var out bytes.Buffer
	err := runEngine(t, fake, bytes.NewReader(payload), &out)

	require.NoError(t, err)
	assert.Equal(t, payload, fake.sentBytes())
	assert.Empty(t, out.Bytes())
}

// TestRemoteBurstLargerThanBuffer pushes far more data than one ring buffer
// holds. The readable handler must leave the overflow in the stream and come
// back for it; nothing may be lost or reordered.
func TestRemoteBurstLargerThanBuffer(t *testing.T) {
	payload := make([]byte, 5*bufferSize)
	rand.New(rand.NewSource(7)).Read(payload)
	fake := &fakeConsole{pending: append([]byte(nil), payload...), remoteClosed: true}

	var out bytes.Buffer
	err := runEngine(t, fake, newBlockingReader(), &out)

	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, out.Bytes()),
		"remote burst corrupted: got %d bytes, want %d", out.Len(), len(payload))
}

// TestLocalBurstWithPartialSends drives more input than the ring buffer
// capacity through a stream that only accepts small send chunks, exercising
// producer backpressure and the peek/discard drain path together.
func TestLocalBurstWithPartialSends(t *testing.T) {
	payload := make([]byte, 3*bufferSize)
	rand.New(rand.NewSource(11)).Read(payload)
	fake := &fakeConsole{sendMax: 777}

	var out bytes.Buffer
	err := runEngine(t, fake, bytes.NewReader(payload), &out)

	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, fake.sentBytes()),
		"local burst corrupted: sent %d bytes, want %d", len(fake.sentBytes()), len(payload))
}

// TestLocalEOFDeliversQueuedRemoteData closes the local side first while the
// remote still has output queued. The bridge must deliver that output before
// concluding.
func TestLocalEOFDeliversQueuedRemoteData(t *testing.T) {
	payload := make([]byte, 5000)
	rand.New(rand.NewSource(3)).Read(payload)
	fake := &fakeConsole{pending: append([]byte(nil), payload...)}

	var out bytes.Buffer
	err := runEngine(t, fake, bytes.NewReader(nil), &out)

	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
}

func TestWouldBlockIsNotEOF(t *testing.T) {
	fake := &fakeConsole{sendBlocked: true}

	payload := []byte("echo hi\r")
	var out bytes.Buffer
	err := runEngine(t, fake, bytes.NewReader(payload), &out)

	require.NoError(t, err)
	assert.Equal(t, payload, fake.sentBytes(), "a would-block send must be retried, not dropped")
}

func TestRemoteReadErrorFailsBridge(t *testing.T) {
	fake := &fakeConsole{recvErr: io.ErrUnexpectedEOF}

	var out bytes.Buffer
	err := runEngine(t, fake, newBlockingReader(), &out)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote read error")
	assert.True(t, fake.finished)
}

// TestStreamResultTranslation pins the mapping between the binding's
// recv/send returns and the engine's contract. The binding reports a closed
// remote as (0, io.EOF) and a would-block as (-2, nil); forwarding io.EOF
// as an error would turn every normal console close into a failure result.
func TestStreamResultTranslation(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		err     error
		wantN   int
		wantErr error
	}{
		{"data", 5, nil, 5, nil},
		{"remote closed", 0, io.EOF, 0, nil},
		{"would block", -2, nil, 0, errWouldBlock},
		{"transport error", -1, io.ErrClosedPipe, 0, io.ErrClosedPipe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := translateStreamResult(tt.n, tt.err)
			assert.Equal(t, tt.wantN, n)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// TestRemoteCloseViaBindingEOF drives the engine through a stream that ends
// the way the binding actually ends, a (0, io.EOF) read after the data. The
// session must conclude as a clean success, not a read error.
func TestRemoteCloseViaBindingEOF(t *testing.T) {
	payload := []byte("logout\r\n")
	fake := &fakeConsole{pending: append([]byte(nil), payload...), remoteClosed: true}

	var out bytes.Buffer
	err := runEngine(t, fake, newBlockingReader(), &out)

	require.NoError(t, err, "remote EOF must be a clean session end")
	assert.Equal(t, payload, out.Bytes())
	assert.True(t, fake.finished)
}

func TestConcludeFirstWriterWins(t *testing.T) {
	eng := newEngine(&fakeConsole{}, &fakeConsole{}, newBlockingReader(), io.Discard, zerolog.Nop())

	eng.conclude(nil)
	eng.conclude(io.ErrClosedPipe)

	oc := eng.result.Load()
	require.NotNil(t, oc)
	assert.NoError(t, oc.err, "second conclude must not overwrite the first outcome")
}
