package okex

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/c9s/okexstream/pkg/net/websocketbase"
)

// FrameHandler receives every post-subscription data frame with its receipt timestamp.
// It runs on the session's control loop and must not block for long.
type FrameHandler func(receivedAt time.Time, raw []byte)

// ServerTimeSource is used to correct the local clock after a timestamp rejection.
type ServerTimeSource interface {
	QueryServerTime(ctx context.Context) (time.Time, error)
}

// AuthRejectPolicy decides what happens after the venue rejects a login.
//
// The wire does not tell a transient clock-skew rejection from a permanent bad
// credential reliably, so both are retried by default; MaxConsecutive bounds that.
type AuthRejectPolicy struct {
	// MaxConsecutive stops the session after this many rejections in a row, 0 means retry forever
	MaxConsecutive int `json:"maxConsecutive" yaml:"maxConsecutive"`

	// Delay is the minimum wait after a credential-class rejection
	Delay time.Duration `json:"delay" yaml:"delay"`

	// SyncServerTime queries the server time after a timestamp rejection and signs with the corrected clock
	SyncServerTime bool `json:"syncServerTime" yaml:"syncServerTime"`
}

func DefaultAuthRejectPolicy() AuthRejectPolicy {
	return AuthRejectPolicy{
		MaxConsecutive: 0,
		Delay:          10 * time.Second,
		SyncServerTime: true,
	}
}

type SessionOption func(s *Session)

func WithURL(url string) SessionOption {
	return func(s *Session) {
		s.url = url
	}
}

func WithMode(mode Mode) SessionOption {
	return func(s *Session) {
		s.mode = mode
	}
}

func WithDialer(dialer websocketbase.Dialer) SessionOption {
	return func(s *Session) {
		s.dialer = dialer
	}
}

// WithReceiveTimeout overrides the liveness window of the mode
func WithReceiveTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.receiveTimeout = d
	}
}

// WithLoginTimeout overrides how long to wait for the login acknowledgment, defaults to the receive timeout
func WithLoginTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.loginTimeout = d
	}
}

func WithBackOff(b backoff.BackOff) SessionOption {
	return func(s *Session) {
		s.backoff = b
	}
}

func WithClock(clock Clock) SessionOption {
	return func(s *Session) {
		s.clock = clock
	}
}

func WithAuthRejectPolicy(policy AuthRejectPolicy) SessionOption {
	return func(s *Session) {
		s.authRejectPolicy = policy
	}
}

func WithServerTimeSource(source ServerTimeSource) SessionOption {
	return func(s *Session) {
		s.serverTime = source
	}
}

func WithFrameHandler(handler FrameHandler) SessionOption {
	return func(s *Session) {
		s.frameHandler = handler
	}
}

func WithLogger(logger logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}
