package socket

// SupportedProtocolVersion is the highest EtworkSettings.etworkVersion
// equivalent this build understands. Open rejects a Settings whose
// ProtocolVersion exceeds it, matching CreateEtwork's version check in
// etwork.h/socketbase.cpp.
const SupportedProtocolVersion = 1

// Default tunables, carried over from CreateEtwork's settings defaulting
// in socketbase.cpp.
const (
	DefaultMaxMessageSize  = 1400
	DefaultMaxMessageCount = 50
	DefaultQueueSize       = 4000
	DefaultKeepalive       = 30
	DefaultTimeout         = 60

	// maxFrameAndQueue bounds QueueSize+MaxMessageSize; the original
	// rejects a manager whose combined per-connection buffers would
	// exceed a 16-bit size class.
	maxFrameAndQueue = 65536
)

// Settings configures a Manager at construction. It replaces the
// teacher's functional-options pattern (option.go's Option/ServerOption):
// the underlying etwork::EtworkSettings is a plain struct handed to
// CreateEtwork wholesale, not assembled option-by-option, so Settings
// follows suit.
type Settings struct {
	// Port to bind when Accepting is true; Open rejects 0 in that case.
	// An unreliable Manager that is not accepting binds its shared socket
	// to Port, where 0 lets the OS choose (queried back via Manager.Port).
	// Ignored for an outbound-only reliable Manager.
	Port uint16

	// Reliable selects TCP (true) or UDP (false) framing semantics.
	Reliable bool

	// Accepting makes Open bind and listen for inbound connections.
	// A Manager with Accepting false can still originate outbound
	// connections via Connect.
	Accepting bool

	// MaxMessageSize bounds a single packet's payload, in bytes.
	MaxMessageSize int

	// MaxMessageCount bounds how many whole packets may be queued at once
	// per connection, in either direction.
	MaxMessageCount int

	// QueueSize bounds the total queued payload bytes per connection, in
	// either direction. Should be comfortably larger than MaxMessageSize.
	QueueSize int

	// Keepalive is the idle duration, in seconds, after which a
	// zero-length packet is sent to a quiet peer. Zero disables
	// keepalives. When both Keepalive and Timeout are nonzero, Keepalive
	// must be less than Timeout.
	Keepalive float64

	// Timeout is the idle duration, in seconds, after which a connection
	// that has sent nothing (not even a keepalive) is marked closed with
	// OptionPeerTimeout; the caller still disposes it. Zero disables the
	// idle timeout.
	Timeout float64

	// Debug widens the Debug-level Logger output for NetError events that
	// no Notifier receives: with Debug every such event is logged, without
	// it only SeverityError-or-worse events from notify are. The Manager
	// does no other logging.
	Debug bool

	// Notify receives NetError events for this Manager. If nil, the
	// process-wide default installed via SetDefaultNotifier is used.
	Notify Notifier

	// Logger receives structured lifecycle logs. If nil, defaultLogger()
	// is used, matching the teacher's ServerLoggerOption fallback.
	Logger Logger

	// ProtocolVersion is compared against SupportedProtocolVersion at
	// Open. Leave at zero to accept whatever this build supports.
	ProtocolVersion int
}

// DefaultSettings returns a Settings with every tunable at its default,
// mirroring checkOptions' defaulting pattern in the teacher's option.go
// (and CreateEtwork's defaulting in socketbase.cpp). Unlike normalize,
// this explicitly opts into keepalives and an idle timeout; call
// DefaultSettings and zero out Keepalive and/or Timeout afterward to
// disable either.
func DefaultSettings() Settings {
	return Settings{
		MaxMessageSize:  DefaultMaxMessageSize,
		MaxMessageCount: DefaultMaxMessageCount,
		QueueSize:       DefaultQueueSize,
		Keepalive:       DefaultKeepalive,
		Timeout:         DefaultTimeout,
		ProtocolVersion: SupportedProtocolVersion,
	}
}

// normalize fills zero-valued tunables with their defaults and validates
// the result, the way checkOptions validates the teacher's assembled
// options before a Server/Conn is built. Keepalive and Timeout are left
// alone at zero: CreateEtwork in socketbase.cpp only defaults
// maxMessageCount/maxMessageSize/queueSize, never keepalive/timeout, and
// timeout_sockets() gates on settings.timeout > 0 / keepalive > 0 so that
// zero means "off".
func (s Settings) normalize() (Settings, error) {
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = DefaultMaxMessageSize
	}
	if s.MaxMessageCount == 0 {
		s.MaxMessageCount = DefaultMaxMessageCount
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.ProtocolVersion == 0 {
		s.ProtocolVersion = SupportedProtocolVersion
	}
	if s.Logger == nil {
		s.Logger = defaultLogger()
	}

	if s.ProtocolVersion > SupportedProtocolVersion {
		return s, ErrUnsupportedVersion
	}
	if s.QueueSize+s.MaxMessageSize > maxFrameAndQueue {
		return s, ErrInvalidParameters
	}
	if s.Keepalive > 0 && s.Timeout > 0 && s.Keepalive >= s.Timeout {
		return s, ErrInvalidParameters
	}
	if s.Keepalive < 0 || s.Timeout < 0 {
		return s, ErrInvalidParameters
	}
	if s.MaxMessageSize <= 0 || s.MaxMessageCount <= 0 || s.QueueSize <= 0 {
		return s, ErrInvalidParameters
	}
	return s, nil
}
