package okex

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrLoginTimeout          = errors.New("login acknowledgment timeout")
	ErrProbeExhausted        = errors.New("no reply to the liveness probe")
	ErrSessionStopped        = errors.New("session stopped")
	ErrTooManyAuthRejections = errors.New("too many consecutive login rejections")
	ErrSessionRunning        = errors.New("session is already running")
	ErrNotDataMode           = errors.New("channel updates require a data mode session")
)

// OKX login error codes that are caused by clock skew rather than the credentials themselves
const (
	codeInvalidTimestamp = "60004"
	codeTimestampExpired = "60006"
)

// AuthRejectedError is returned when the venue rejects a login.
type AuthRejectedError struct {
	Code    string
	Message string

	// Transient is true when the rejection was caused by the timestamp (clock skew),
	// false when the credentials themselves look wrong.
	Transient bool
}

func newAuthRejectedError(code, message string) *AuthRejectedError {
	return &AuthRejectedError{
		Code:      code,
		Message:   message,
		Transient: code == codeInvalidTimestamp || code == codeTimestampExpired,
	}
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("login rejected: code=%s msg=%s transient=%v", e.Code, e.Message, e.Transient)
}

func IsAuthRejected(err error) (*AuthRejectedError, bool) {
	var rej *AuthRejectedError
	if errors.As(err, &rej) {
		return rej, true
	}

	return nil, false
}
