package libvirt

import (
	"errors"
	"time"
)

// streamEvents is the readable/writable interest bitmask of the native
// stream event registration.
type streamEvents int

const (
	eventReadable streamEvents = 1 << iota
	eventWritable
)

// errWouldBlock is returned by consoleStream.Recv and Send when the
// non-blocking native stream has no data or no buffer space. It must never
// be conflated with EOF: zero bytes received means the remote side closed,
// the sentinel means "try again after yielding".
var errWouldBlock = errors.New("stream operation would block")

// consoleStream is the engine's view of the hypervisor's console stream.
// The real implementation wraps a libvirt stream; tests provide a fake.
type consoleStream interface {
	// Recv reads remote console output. (0, nil) is remote EOF.
	Recv(p []byte) (int, error)
	// Send writes local input toward the remote console. It may accept
	// fewer bytes than offered.
	Send(p []byte) (int, error)
	// Finish requests orderly stream shutdown.
	Finish() error
	// UpdateEvents replaces the set of events the stream callback is
	// registered for.
	UpdateEvents(events streamEvents) error
}

// eventLoop is the engine's view of the native event dispatch loop: register
// the stream callback and a periodic wakeup, then iterate until told to
// stop. Callbacks are invoked from inside Iterate, on the iterating
// goroutine.
type eventLoop interface {
	AddStreamCallback(events streamEvents, cb func(streamEvents)) error
	AddWakeupTimer(interval time.Duration) error
	Iterate() error
}
