package transfer

import (
	"errors"
	"strconv"

	"github.com/CynicalPhantom/socket-transfer/internal/i18n"
)

var (
	// ErrUnlistenTimeout is returned (not panicked) by Unlisten when the
	// listener close does not complete within its 500ms window.
	ErrUnlistenTimeout = errors.New("unlisten timeout")

	// ErrHeartbeatInvalid rejects a heartbeat schedule entry below the
	// validator threshold. The active timer is left untouched.
	ErrHeartbeatInvalid = errors.New("heartbeat value must be a number no less than 5 (seconds)")

	// ErrClosed rejects lifecycle transitions outside
	// INITIALIZED -> LISTENING -> CLOSED.
	ErrClosed = errors.New("socket transfer already closed")

	errNoTarget      = errors.New("no available target")
	errTargetsFailed = errors.New("some targets failed health check")
)

// PortInUseError reports a bind refused with EADDRINUSE. The message is the
// localized prefix with the port appended.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return i18n.Lookup(i18n.KeyPortAlreadyUsed) + strconv.Itoa(e.Port)
}

// StartFailureError covers every other listener failure.
type StartFailureError struct {
	Err error
}

func (e *StartFailureError) Error() string {
	return i18n.Lookup(i18n.KeyFailedToStart) + ": " + e.Err.Error()
}

func (e *StartFailureError) Unwrap() error {
	return e.Err
}
