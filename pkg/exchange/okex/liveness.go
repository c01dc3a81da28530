package okex

import (
	"fmt"
	"time"
)

type LivenessState int

const (
	LivenessStateIdle LivenessState = iota
	LivenessStateWaitingForFrame
	LivenessStateProbeSent
	LivenessStateDead
)

func (s LivenessState) String() string {
	switch s {
	case LivenessStateIdle:
		return "Idle"
	case LivenessStateWaitingForFrame:
		return "WaitingForFrame"
	case LivenessStateProbeSent:
		return "ProbeSent"
	case LivenessStateDead:
		return "Dead"
	}

	return fmt.Sprintf("LivenessState(%d)", int(s))
}

type LivenessAction int

const (
	LivenessActionNone LivenessAction = iota
	// LivenessActionSendProbe asks the owner to send one "ping" text frame
	LivenessActionSendProbe
	// LivenessActionTeardown asks the owner to discard the connection and reconnect
	LivenessActionTeardown
)

// LivenessMonitor detects silent stalls on one connection.
//
// It does no I/O and owns no timer; the session feeds it frames, timeouts and close
// notifications, and reads the remaining window before every receive.
// Dead is terminal for the connection instance.
type LivenessMonitor struct {
	window   time.Duration
	state    LivenessState
	deadline time.Time
	probes   int
}

func NewLivenessMonitor(window time.Duration) *LivenessMonitor {
	if window <= 0 {
		window = DefaultDataReceiveTimeout
	}

	return &LivenessMonitor{window: window}
}

func (m *LivenessMonitor) State() LivenessState {
	return m.state
}

func (m *LivenessMonitor) Window() time.Duration {
	return m.window
}

// Probes returns the number of probes sent on this connection
func (m *LivenessMonitor) Probes() int {
	return m.probes
}

// Arm starts waiting for the first frame.
func (m *LivenessMonitor) Arm(now time.Time) {
	if m.state == LivenessStateDead {
		return
	}

	m.state = LivenessStateWaitingForFrame
	m.deadline = now.Add(m.window)
}

// OnFrame rearms the window on any received frame, data or pong.
func (m *LivenessMonitor) OnFrame(now time.Time) {
	switch m.state {
	case LivenessStateWaitingForFrame, LivenessStateProbeSent:
		m.state = LivenessStateWaitingForFrame
		m.deadline = now.Add(m.window)
	}
}

// OnTimeout is called when the window elapsed without any frame.
func (m *LivenessMonitor) OnTimeout(now time.Time) LivenessAction {
	switch m.state {
	case LivenessStateWaitingForFrame:
		m.state = LivenessStateProbeSent
		m.deadline = now.Add(m.window)
		m.probes++
		return LivenessActionSendProbe

	case LivenessStateProbeSent:
		m.state = LivenessStateDead
		return LivenessActionTeardown

	case LivenessStateDead:
		return LivenessActionTeardown
	}

	return LivenessActionNone
}

// OnClosed marks the connection dead, ex. the transport reported a close while probing.
func (m *LivenessMonitor) OnClosed() {
	m.state = LivenessStateDead
}

// Remaining returns how long the owner may block in receive before the window elapses.
func (m *LivenessMonitor) Remaining(now time.Time) time.Duration {
	switch m.state {
	case LivenessStateWaitingForFrame, LivenessStateProbeSent:
		if d := m.deadline.Sub(now); d > 0 {
			return d
		}
		return 0
	}

	return 0
}
