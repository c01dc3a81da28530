package okex

import "fmt"

type SessionState int

const (
	SessionStateDisconnected SessionState = iota
	SessionStateConnecting
	SessionStateAwaitingLoginAck
	SessionStateAuthenticated
	SessionStateSubscribed
	SessionStateFaulted
)

func (s SessionState) String() string {
	switch s {
	case SessionStateDisconnected:
		return "Disconnected"
	case SessionStateConnecting:
		return "Connecting"
	case SessionStateAwaitingLoginAck:
		return "AwaitingLoginAck"
	case SessionStateAuthenticated:
		return "Authenticated"
	case SessionStateSubscribed:
		return "Subscribed"
	case SessionStateFaulted:
		return "Faulted"
	}

	return fmt.Sprintf("SessionState(%d)", int(s))
}

// IsAuthenticated reports whether outgoing subscribe and trade frames are allowed in this state
func (s SessionState) IsAuthenticated() bool {
	return s == SessionStateAuthenticated || s == SessionStateSubscribed
}
