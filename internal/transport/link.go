// Package transport implements the ring transport component of spec §4.1:
// per-link framed message delivery over TCP, with peer death signaled
// solely by read/write error or channel close (no heartbeat).
package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// Link is one point-to-point, reliable, ordered, duplicate-free channel.
// Ordering is FIFO within a Link; there is no cross-Link ordering
// guarantee, and the core never relies on one (spec §4.1, §5).
type Link struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex // guards w; Send may be called from multiple goroutines
	w  *bufio.Writer
}

// NewLink wraps an already-established connection (inbound or outbound).
func NewLink(conn net.Conn) *Link {
	return &Link{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Dial opens a new outbound Link. Ring membership retries failed dials
// itself, pacing attempts with NewReconnectBackoff; Dial itself makes a
// single attempt.
func Dial(addr string) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewLink(conn), nil
}

// Send frames msg as a single JSON line and writes it atomically with
// respect to other Send calls on the same Link.
func (l *Link) Send(msg interface{}) error {
	line, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return l.w.Flush()
}

// Recv blocks for the next framed message. A non-nil error here is always
// terminal for the Link: either it was closed, or the peer sent a
// malformed line (ProtocolViolation), in which case the caller must close
// the Link per spec §7.
func (l *Link) Recv() (interface{}, error) {
	line, err := l.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		// A partial trailing line with no terminator is itself malformed.
		return nil, &wire.ProtocolViolationError{Detail: "unterminated message"}
	}
	// Drop the trailing '\n'.
	return wire.Decode(line[:len(line)-1])
}

// ReadLoop drives Recv until it errors, dispatching each decoded message to
// handle and finally invoking onLost exactly once. It is meant to run in
// its own goroutine, one per Link, matching the "one task per link" model
// of spec §5.
func (l *Link) ReadLoop(handle func(msg interface{}), onLost func(err error)) {
	for {
		msg, err := l.Recv()
		if err != nil {
			onLost(err)
			return
		}
		handle(msg)
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (l *Link) Close() error {
	return l.conn.Close()
}

// RemoteAddr reports the peer address, useful for logging.
func (l *Link) RemoteAddr() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.RemoteAddr().String()
}

// Listener accepts inbound Links on a bound address.
type Listener struct {
	ln net.Listener
}

// Listen binds addr (conventionally 127.0.0.1:<BASE+id> per spec §6).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address, useful when addr was ":0" in tests.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept blocks for the next inbound connection and wraps it as a Link.
func (l *Listener) Accept() (*Link, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
