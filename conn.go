package socket

import (
	"fmt"
	"time"
)

// Conn is one peer connection, reliable (TCP) or unreliable (UDP pseudo-
// connection). It never touches the OS itself — all I/O happens inside
// the owning Manager's Poll. Ported from etwork::Socket
// (original_source/src/lib/sockimpl.h), trading the teacher's
// goroutine-per-connection net.TCPConn wrapper (conn.go's readLoop/
// writeLoop) for a purely buffer-level type driven by the Manager.
type Conn struct {
	mgr *Manager

	host string
	port uint16

	reliable bool

	in  *FramedBuffer
	out *FramedBuffer

	lastActive    time.Time
	lastKeepalive time.Time

	closed   bool
	accepted bool

	// fd is the connected socket for a reliable Conn. For an unreliable
	// Conn, there is no dedicated fd — all pseudo-connections share the
	// Manager's single bound socket, and connID is the opaque handle
	// minted by the Manager (mirrors socket_id() in socketbase.cpp).
	fd     int
	connID uint64

	// writeScratch carries an unsent suffix from a previous reliable send
	// attempt, mirroring writebuf_/writebufData_ in sockimpl.h.
	writeScratch []byte

	// Data is never inspected by this package; callers stash whatever
	// per-connection state they like here.
	Data interface{}

	notify ConnNotifier
}

func newConn(mgr *Manager, reliable bool) *Conn {
	s := mgr.settings
	return &Conn{
		mgr:      mgr,
		reliable: reliable,
		in:       NewFramedBuffer(s.MaxMessageSize, s.QueueSize, s.MaxMessageCount),
		out:      NewFramedBuffer(s.MaxMessageSize, s.QueueSize, s.MaxMessageCount),
	}
}

// Address returns the peer's host and port.
func (c *Conn) Address() (string, uint16) {
	return c.host, c.port
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// Read pulls one whole application packet from the input buffer into out.
// It returns the packet length, 0 if the packet is a zero-length
// keepalive (the caller may ignore it), or -1 if no packet is pending
// (the caller should then check Closed()).
func (c *Conn) Read(out []byte) int {
	n := c.in.GetMessage(out)
	return n
}

// Write enqueues one packet for transmission. It returns the number of
// bytes queued, 0 if there is no queuing space (the caller should retry
// after the next Poll), or -1 on error (packet too large for this
// Manager's Settings).
func (c *Conn) Write(bytes []byte) int {
	if c.closed {
		return -1
	}
	if len(bytes) > c.mgr.settings.MaxMessageSize {
		return -1
	}
	n := c.out.PutMessage(bytes)
	if n < 0 {
		// Oversize has already been ruled out above, so this rejection
		// is the queue (message count or byte budget) being full.
		return 0
	}
	return n
}

// Closed reports whether the peer has closed (reliable) or the
// connection has timed out or been disposed (either mode).
func (c *Conn) Closed() bool {
	return c.closed
}

// Accepted reports whether the caller has claimed this connection via
// Manager.Accept. A connection still on the accept queue is already
// polled: it can appear in Poll's active array, and NetError events
// passed to a Notifier can name it.
func (c *Conn) Accepted() bool {
	return c.accepted
}

// Dispose releases the connection: it is removed from every Manager
// index and its transport handle is released. Idempotent.
func (c *Conn) Dispose() {
	c.mgr.dispose(c)
}

// markClosed transitions the connection to closed, monotonically. It does
// not itself remove the connection from the Manager's indices — that is
// Dispose's job — matching the spec's distinction between "peer closed /
// timed out" (closed() becomes true, connection still indexed so the
// caller can notice and dispose it) and "disposed" (removed outright).
func (c *Conn) markClosed() {
	c.closed = true
}
