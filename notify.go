package socket

// notify.go implements the optional per-connection notification capability
// described in etwork/notify.h (SetEtworkSocketNotify / INotify::onNotify).
// A Conn with a notifier installed is pulled out of Poll's active array;
// instead, its notifier fires once after the poll cycle that made it
// active. This lets a caller register per-connection callbacks instead of
// scanning the active array for the connections it cares about.

// ConnNotifier is invoked once per poll cycle in which conn became active
// (readable, writable, or both), in place of conn appearing in Poll's
// outActive slice.
type ConnNotifier func(conn *Conn)

// SetNotify installs or clears conn's per-poll-cycle notifier. Passing nil
// restores default behavior: conn appears in Poll's active array like any
// other connection.
func (c *Conn) SetNotify(n ConnNotifier) {
	c.notify = n
}

// hasNotify reports whether conn should be suppressed from the active
// array and notified directly instead.
func (c *Conn) hasNotify() bool {
	return c.notify != nil
}

// fireNotify invokes conn's notifier, if any. Called once per poll cycle
// after readiness has been resolved for conn, mirroring NotifyActive's
// single dispatch per socket per poll() call in socketbase.cpp.
func (c *Conn) fireNotify() {
	if c.notify != nil {
		c.notify(c)
	}
}
