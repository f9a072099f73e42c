package socket

import (
	"fmt"

	"github.com/pkg/errors"
)

// Severity ranks how critical an error is. Higher values are worse.
type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarning
	SeverityError
	SeverityCatastrophe
	SeverityInternal
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCatastrophe:
		return "catastrophe"
	case SeverityInternal:
		return "internal"
	default:
		return "unknown severity"
	}
}

// Area names the subsystem an error originated in.
type Area int

const (
	AreaInit Area = iota
	AreaAddress
	AreaConnect
	AreaBuffer
	AreaSession
	AreaDispose
	AreaUnknown
)

func (a Area) String() string {
	switch a {
	case AreaInit:
		return "init"
	case AreaAddress:
		return "address"
	case AreaConnect:
		return "connect"
	case AreaBuffer:
		return "buffer"
	case AreaSession:
		return "session"
	case AreaDispose:
		return "dispose"
	case AreaUnknown:
		return "unknown"
	default:
		return "illegal area"
	}
}

// Option is a specific error code within an Area.
type Option int

const (
	OptionNoError Option = iota
	OptionUnknownError
	OptionUnsupportedVersion
	OptionUnsupportedPlatform
	OptionInvalidParameters
	OptionBufferFull
	OptionOutOfResources
	OptionBadAddress
	OptionAlreadyInUse
	OptionPeerRefused
	OptionPeerDropped
	OptionPeerTimeout
	OptionPeerViolation
	OptionInternalError
)

func (o Option) String() string {
	switch o {
	case OptionNoError:
		return "no error"
	case OptionUnknownError:
		return "unknown error"
	case OptionUnsupportedVersion:
		return "unsupported version"
	case OptionUnsupportedPlatform:
		return "unsupported platform"
	case OptionInvalidParameters:
		return "invalid parameters"
	case OptionBufferFull:
		return "buffer full"
	case OptionOutOfResources:
		return "out of resources"
	case OptionBadAddress:
		return "bad address"
	case OptionAlreadyInUse:
		return "already in use"
	case OptionPeerRefused:
		return "peer refused connection"
	case OptionPeerDropped:
		return "peer dropped connection"
	case OptionPeerTimeout:
		return "peer timed out"
	case OptionPeerViolation:
		return "peer violated protocol"
	case OptionInternalError:
		return "internal error"
	default:
		return "illegal option"
	}
}

// NetError captures a single diagnostic event: a severity/area/option
// triple, an optional OS errno, the originating connection (if any), and
// free-form text. It is what gets handed to a Notifier.
type NetError struct {
	Severity Severity
	Area     Area
	Option   Option
	OSError  error
	Conn     *Conn
	Text     string
}

func (e *NetError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s in %s: %s (%s)", e.Severity, e.Area, e.Option, e.Text)
	}
	return fmt.Sprintf("%s in %s: %s", e.Severity, e.Area, e.Option)
}

func newNetError(sev Severity, area Area, opt Option) *NetError {
	return &NetError{Severity: sev, Area: area, Option: opt}
}

// Notifier receives error notifications for a Manager. Installing one
// is entirely optional; with none installed, the Manager silently absorbs
// recoverable errors and only returns documented sentinel values to the
// caller for the rest.
type Notifier func(*NetError)

// defaultNotify is the process-wide fallback used when a Manager's own
// Settings.Notify is nil. It mirrors the teacher's pattern of having a
// single package-level hook (see logger.go's defaultLogger) rather than
// forcing every caller to wire one up.
var defaultNotify Notifier

// SetDefaultNotifier installs the process-wide fallback error notifier,
// used by any Manager that does not set Settings.Notify. Pass nil to
// disable global notification.
func SetDefaultNotifier(n Notifier) {
	defaultNotify = n
}

func (m *Manager) notify(conn *Conn, sev Severity, area Area, opt Option) {
	n := m.settings.Notify
	if n == nil {
		n = defaultNotify
	}
	if n == nil {
		if sev >= SeverityError || m.settings.Debug {
			m.logger.Debug("socket error", "severity", sev, "area", area, "option", opt)
		}
		return
	}
	n(&NetError{Severity: sev, Area: area, Option: opt, Conn: conn})
}

func (m *Manager) notifyOS(conn *Conn, area Area, opt Option, osErr error) {
	n := m.settings.Notify
	if n == nil {
		n = defaultNotify
	}
	ne := &NetError{Severity: SeverityError, Area: area, Option: opt, OSError: osErr, Conn: conn}
	if n == nil {
		if m.settings.Debug {
			m.logger.Debug("socket os error", "area", area, "option", opt, "err", osErr)
		}
		return
	}
	n(ne)
}

// ErrInvalidParameters is returned by Open/Connect when Settings or call
// arguments are invalid. Like the other sentinels below, it is created
// with github.com/pkg/errors and returned unwrapped, so callers can
// compare against it directly.
var ErrInvalidParameters = errors.New("invalid parameters")

// ErrUnsupportedVersion is returned by Open when Settings.ProtocolVersion
// exceeds what this build supports.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrAlreadyInUse is returned by Open when the requested port is already bound.
var ErrAlreadyInUse = errors.New("address already in use")

// ErrManagerBusy is returned by Dispose when live connections remain.
var ErrManagerBusy = errors.New("dispose called with live connections outstanding")
