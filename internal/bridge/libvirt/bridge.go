// Package libvirt bridges local stdio to the text console of a libvirt
// domain.
//
// The libvirt client API is event-loop driven: the process runs libvirt's
// default event implementation and a registered callback fires whenever the
// non-blocking console stream becomes readable or writable. Local stdio is
// blocking. The two worlds meet in a pair of fixed-size SPSC ring buffers,
// one per direction, which double as the flow-control signal.
package libvirt

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	golibvirt "libvirt.org/go/libvirt"
)

// registerEventLoop installs libvirt's default event implementation. It must
// happen once per process, before the connection is opened.
var registerEventLoop = sync.OnceValue(func() error {
	return golibvirt.EventRegisterDefaultImpl()
})

// Bridge connects the process's stdio to the console of one domain. The
// extra arguments of the libvirt driver map directly onto its fields.
type Bridge struct {
	// URI is the remote connection URI (e.g. qemu+ssh://host/system).
	URI string
	// Domain identifies the domain, by UUID or by name.
	Domain string
	Logger zerolog.Logger
}

// New creates a bridge for the given connection URI and domain identifier.
func New(uri, domain string, logger zerolog.Logger) *Bridge {
	return &Bridge{URI: uri, Domain: domain, Logger: logger}
}

// Run opens the domain's console and bridges it to stdio until either side
// ends the session. A nil return is a clean, deliberate session end.
func (b *Bridge) Run(ctx context.Context) error {
	if err := registerEventLoop(); err != nil {
		return fmt.Errorf("failed to register libvirt event loop: %w", err)
	}

	conn, err := golibvirt.NewConnect(b.URI)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.URI, err)
	}
	defer conn.Close()

	dom, err := b.lookupDomain(conn)
	if err != nil {
		return err
	}
	defer dom.Free()

	st, err := conn.NewStream(golibvirt.STREAM_NONBLOCK)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	defer st.Free()

	// Force: steal the console from any stale holder, like virsh
	// console --force.
	if err := dom.OpenConsole("", st, golibvirt.DOMAIN_CONSOLE_FORCE); err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	b.Logger.Debug().Str("domain", b.Domain).Msg("console opened")

	eng := newEngine(&nativeStream{st: st}, &nativeLoop{st: st}, os.Stdin, os.Stdout, b.Logger)
	err = eng.run()

	st.EventRemoveCallback()
	return err
}

func (b *Bridge) lookupDomain(conn *golibvirt.Connect) (*golibvirt.Domain, error) {
	dom, err := conn.LookupDomainByUUIDString(b.Domain)
	if err == nil {
		return dom, nil
	}
	dom, nameErr := conn.LookupDomainByName(b.Domain)
	if nameErr == nil {
		return dom, nil
	}
	return nil, fmt.Errorf("failed to look up domain %q: %w", b.Domain, err)
}

// nativeStream adapts the libvirt stream to the engine's consoleStream.
type nativeStream struct {
	st *golibvirt.Stream
}

func (s *nativeStream) Recv(p []byte) (int, error) {
	return translateStreamResult(s.st.Recv(p))
}

func (s *nativeStream) Send(p []byte) (int, error) {
	return translateStreamResult(s.st.Send(p))
}

// translateStreamResult maps the binding's recv/send returns onto the
// engine's contract. The binding yields (0, io.EOF) when the remote side
// closed and (-2, nil) when the non-blocking stream would block; the engine
// wants (0, nil) for remote EOF and the would-block sentinel as an error.
// The two must never be conflated: EOF concludes the session cleanly,
// would-block means try again after yielding.
func translateStreamResult(n int, err error) (int, error) {
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == -2 {
		return 0, errWouldBlock
	}
	if n < 0 {
		return 0, fmt.Errorf("stream operation returned %d", n)
	}
	return n, nil
}

func (s *nativeStream) Finish() error {
	return s.st.Finish()
}

func (s *nativeStream) UpdateEvents(events streamEvents) error {
	return s.st.EventUpdateCallback(nativeEvents(events))
}

// nativeLoop adapts libvirt's default event loop to the engine's eventLoop.
type nativeLoop struct {
	st *golibvirt.Stream
}

func (l *nativeLoop) AddStreamCallback(events streamEvents, cb func(streamEvents)) error {
	return l.st.EventAddCallback(nativeEvents(events), func(_ *golibvirt.Stream, got golibvirt.StreamEventType) {
		cb(goEvents(got))
	})
}

func (l *nativeLoop) AddWakeupTimer(interval time.Duration) error {
	_, err := golibvirt.EventAddTimeout(int(interval.Milliseconds()), func(timer int) {})
	return err
}

func (l *nativeLoop) Iterate() error {
	return golibvirt.EventRunDefaultImpl()
}

func nativeEvents(ev streamEvents) golibvirt.StreamEventType {
	var out golibvirt.StreamEventType
	if ev&eventReadable != 0 {
		out |= golibvirt.STREAM_EVENT_READABLE
	}
	if ev&eventWritable != 0 {
		out |= golibvirt.STREAM_EVENT_WRITABLE
	}
	return out
}

func goEvents(ev golibvirt.StreamEventType) streamEvents {
	var out streamEvents
	if ev&golibvirt.STREAM_EVENT_READABLE != 0 {
		out |= eventReadable
	}
	if ev&golibvirt.STREAM_EVENT_WRITABLE != 0 {
		out |= eventWritable
	}
	return out
}
