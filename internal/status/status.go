// Package status defines the result type that crosses every plugin
// boundary in hostlens: a numeric code paired with a human-readable
// message, the same shape osquery's Status class carries through its
// plugin call chain.
package status

import "fmt"

// Code classifies a Status outcome. The zero value, OK, means success.
type Code int

const (
	OK Code = iota
	TransientIO
	Malformed
	NotFound
	PermissionDenied
	Unsupported
	Exhausted
	Catastrophic
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case TransientIO:
		return "transient_io"
	case Malformed:
		return "malformed"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case Unsupported:
		return "unsupported"
	case Exhausted:
		return "exhausted"
	case Catastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// Status is the value returned by every Plugin.Call and by the core
// subsystems that wrap plugin invocations. It is intentionally a plain
// struct, not an interface, so it can be copied freely and serialized.
type Status struct {
	Code    Code
	Message string
}

// OKStatus is the canonical success value.
var OKStatus = Status{Code: OK}

// New builds a non-OK status with a formatted message.
func New(code Code, format string, args ...interface{}) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Ok reports whether the status represents success.
func (s Status) Ok() bool {
	return s.Code == OK
}

// IsCatastrophic reports whether this status demands process shutdown.
func (s Status) IsCatastrophic() bool {
	return s.Code == Catastrophic
}

// Error adapts Status to the error interface so it can be threaded through
// normal Go error-handling paths when a caller needs an error value.
func (s Status) Error() string {
	if s.Ok() {
		return ""
	}
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// FromError wraps a plain error as a Status, defaulting to TransientIO
// since most internal errors (I/O, parse failures surfaced late) are
// retryable from the caller's point of view.
func FromError(err error) Status {
	if err == nil {
		return OKStatus
	}
	return Status{Code: TransientIO, Message: err.Error()}
}
