package libvirt

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/theCapypara/field-monitor-sub000/pkg/ringbuf"
)

const (
	// bufferSize is the capacity of each per-direction ring buffer.
	bufferSize = 12288

	// pollInterval is how long the blocking local I/O loops sleep when
	// their ring buffer has nothing for them.
	pollInterval = 5 * time.Millisecond

	// wakeupInterval keeps the native event loop ticking so termination
	// conditions set from the local threads are noticed promptly.
	wakeupInterval = 500 * time.Millisecond

	chunkSize = 2048
)

// outcome is the bridge's final verdict. The first execution context to
// detect a terminal condition stores it; everyone else loses the CAS race
// and winds down on its own schedule.
type outcome struct {
	err error
}

// engine bridges local stdio to a console stream across three execution
// contexts: a blocking local reader, a blocking local writer, and the native
// event loop driving the stream callback. The contexts share exactly two
// SPSC ring buffers and two EOF flags; there is no lock anywhere on the data
// path.
type engine struct {
	stream consoleStream
	loop   eventLoop
	input  io.Reader
	output io.Writer
	logger zerolog.Logger

	toRemote *ringbuf.Buffer // local input -> stream
	toLocal  *ringbuf.Buffer // stream -> local output

	localEOF  atomic.Bool
	remoteEOF atomic.Bool

	result atomic.Pointer[outcome]
}

func newEngine(stream consoleStream, loop eventLoop, input io.Reader, output io.Writer, logger zerolog.Logger) *engine {
	return &engine{
		stream:   stream,
		loop:     loop,
		input:    input,
		output:   output,
		logger:   logger,
		toRemote: ringbuf.New(bufferSize),
		toLocal:  ringbuf.New(bufferSize),
	}
}

// run starts the three contexts. The first fatal error from any context
// decides the bridge's result; a clean end requires both the stream outcome
// and a fully drained local output, so bytes already queued remote->local
// are always delivered before the bridge concludes. Lingering goroutines
// observe the EOF flags and wind down on their own schedule; the process is
// about to exit anyway.
func (e *engine) run() error {
	// Register before any context runs: the local reader widens the event
	// interest as soon as it has data, which must not race the initial
	// registration. Interest starts at readable only; writable is opted
	// into while the outbound queue is non-empty, otherwise the loop would
	// spin on a permanently writable stream.
	if err := e.loop.AddStreamCallback(eventReadable, e.onStreamEvent); err != nil {
		return fmt.Errorf("failed to register stream callback: %w", err)
	}
	if err := e.loop.AddWakeupTimer(wakeupInterval); err != nil {
		return fmt.Errorf("failed to register event loop timer: %w", err)
	}

	fatal := make(chan error, 3)
	streamDone := make(chan struct{})
	outputDone := make(chan struct{})

	go func() {
		if err := e.watchInput(); err != nil {
			fatal <- err
		}
	}()
	go func() {
		if err := e.watchOutput(); err != nil {
			fatal <- err
			return
		}
		close(outputDone)
	}()
	go func() {
		if err := e.watchStream(); err != nil {
			fatal <- err
			return
		}
		close(streamDone)
	}()

	var streamOK, outputOK bool
	for !streamOK || !outputOK {
		select {
		case err := <-fatal:
			return err
		case <-streamDone:
			streamOK = true
		case <-outputDone:
			outputOK = true
		}
	}
	return nil
}

// watchInput is the blocking local reader: stdin -> toRemote ring buffer.
// After every successful read it widens the stream's event interest to
// include writable, so the event loop starts draining the queue. On EOF it
// only flags the condition; the event loop concludes the session once the
// queue has fully drained toward the remote side.
func (e *engine) watchInput() error {
	buf := make([]byte, chunkSize)
	for {
		n, err := e.input.Read(buf)
		if n > 0 {
			data := buf[:n]
			for len(data) > 0 {
				w := e.toRemote.Write(data)
				data = data[w:]
				if e.toRemote.Len() > 0 {
					// Opt into writable events; the callback drops the
					// interest again once the queue is empty.
					e.widenEvents()
				}
				if len(data) > 0 {
					// Ring buffer full: backpressure. Retry until the event
					// loop drained some of it, or give up when the session
					// is already over.
					if e.result.Load() != nil {
						return nil
					}
					time.Sleep(pollInterval)
				}
			}
		}
		if err != nil {
			e.localEOF.Store(true)
			// Wake the callback even with an empty queue so it can
			// observe the EOF flag and conclude.
			e.widenEvents()
			if err == io.EOF {
				e.logger.Debug().Msg("local input closed")
				return nil
			}
			return fmt.Errorf("local read error: %w", err)
		}
	}
}

func (e *engine) widenEvents() {
	if err := e.stream.UpdateEvents(eventReadable | eventWritable); err != nil {
		e.logger.Debug().Err(err).Msg("failed to update stream events")
	}
}

// watchOutput is the blocking local writer: toLocal ring buffer -> stdout.
// It terminates cleanly once the remote side is gone and the queue stays
// empty, which guarantees that bytes received before the remote EOF are
// still delivered.
func (e *engine) watchOutput() error {
	buf := make([]byte, chunkSize)
	for {
		n := e.toLocal.Read(buf)
		if n == 0 {
			if e.remoteEOF.Load() && e.toLocal.Len() == 0 {
				return nil
			}
			time.Sleep(pollInterval)
			continue
		}
		if _, err := e.output.Write(buf[:n]); err != nil {
			return fmt.Errorf("local write error: %w", err)
		}
	}
}

// watchStream drives the native event loop until an outcome has been
// stored. The stream callback runs inside Iterate, on this goroutine.
func (e *engine) watchStream() error {
	for {
		if err := e.loop.Iterate(); err != nil {
			return fmt.Errorf("event loop iteration failed: %w", err)
		}
		if oc := e.result.Load(); oc != nil {
			e.remoteEOF.Store(true)
			return oc.err
		}
	}
}

// onStreamEvent runs inside the event loop whenever the stream reports
// readable and/or writable.
func (e *engine) onStreamEvent(events streamEvents) {
	if events&eventReadable != 0 && !e.readRemote() {
		return
	}
	if events&eventWritable != 0 && !e.writeRemote() {
		return
	}

	if e.toRemote.Len() == 0 {
		// Nothing left to send: stop asking for writable events.
		if err := e.stream.UpdateEvents(eventReadable); err != nil {
			e.logger.Debug().Err(err).Msg("failed to narrow stream events")
		}
	}
}

// readRemote drains the native stream into the toLocal ring buffer. Returns
// false when the session concluded.
func (e *engine) readRemote() bool {
	buf := make([]byte, chunkSize)
	for {
		free := e.toLocal.Free()
		if free == 0 {
			// Local writer is behind; leave the data in the stream, the
			// event fires again.
			return true
		}
		limit := free
		if limit > len(buf) {
			limit = len(buf)
		}

		n, err := e.stream.Recv(buf[:limit])
		switch {
		case err == errWouldBlock:
			return true
		case err != nil:
			e.conclude(fmt.Errorf("remote read error: %w", err))
			return false
		case n == 0:
			e.logger.Debug().Msg("remote stream closed")
			e.conclude(nil)
			return false
		default:
			e.toLocal.Write(buf[:n])
		}
	}
}

// writeRemote drains the toRemote ring buffer into the native stream.
// Returns false when the session concluded.
func (e *engine) writeRemote() bool {
	if e.toRemote.Len() == 0 {
		if e.localEOF.Load() {
			// Local input is gone and everything queued has been sent.
			e.conclude(nil)
			return false
		}
		return true
	}

	buf := make([]byte, chunkSize)
	k := e.toRemote.Peek(buf)
	sent := 0
	for sent < k {
		n, err := e.stream.Send(buf[sent:k])
		if err == errWouldBlock {
			break
		}
		if err != nil {
			e.toRemote.Discard(sent)
			e.conclude(fmt.Errorf("remote write error: %w", err))
			return false
		}
		if n == 0 {
			e.toRemote.Discard(sent)
			e.logger.Debug().Msg("remote stream closed during write")
			e.conclude(nil)
			return false
		}
		sent += n
	}
	e.toRemote.Discard(sent)

	if e.toRemote.Len() == 0 && e.localEOF.Load() {
		e.conclude(nil)
		return false
	}
	return true
}

// conclude stores the bridge outcome, first writer wins, and requests
// stream shutdown. The compare-and-swap makes the race between contexts
// safe by construction.
func (e *engine) conclude(err error) {
	if e.result.CompareAndSwap(nil, &outcome{err: err}) {
		if ferr := e.stream.Finish(); ferr != nil {
			e.logger.Debug().Err(ferr).Msg("stream finish failed")
		}
	}
}
