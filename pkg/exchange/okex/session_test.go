package okex

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c9s/okexstream/pkg/exchange/okex/okexapi"
	"github.com/c9s/okexstream/pkg/net/websocketbase"
	backoff2 "github.com/c9s/okexstream/pkg/util/backoff"
)

const (
	loginSuccessFrame   = `{"event":"login","code":"0","msg":"","connId":"a4d3ae55"}`
	loginFailedFrame    = `{"event":"error","code":"60009","msg":"Login failed.","connId":"a4d3ae55"}`
	loginTimestampFrame = `{"event":"error","code":"60004","msg":"Invalid timestamp","connId":"a4d3ae55"}`
	unsubscribeAckFrame = `{"event":"unsubscribe","arg":{"channel":"positions","instType":"ANY"},"connId":"a4d3ae55"}`
	positionsPushFrame  = `{"arg":{"channel":"positions","instType":"ANY"},"data":[{"instId":"BTC-USDT-SWAP","pos":"1"}]}`
)

var (
	errFakeTimeout = websocketbase.NewError(websocketbase.KindTimeout, "receive", nil)
	errFakeClosed  = websocketbase.NewError(websocketbase.KindClosed, "receive", websocketbase.ErrConnectionClosed)
)

type recvResult struct {
	data string
	err  error
}

type sentOp struct {
	Id   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// fakeConn delivers what the test or its responder pushes, and records the wire traffic in order.
type fakeConn struct {
	inbox     chan recvResult
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	events []string

	respond func(c *fakeConn, frame string)
}

func newFakeConn(respond func(c *fakeConn, frame string)) *fakeConn {
	return &fakeConn{
		inbox:   make(chan recvResult, 64),
		closed:  make(chan struct{}),
		respond: respond,
	}
}

func (c *fakeConn) push(data string) {
	c.inbox <- recvResult{data: data}
}

func (c *fakeConn) pushErr(err error) {
	c.inbox <- recvResult{err: err}
}

func (c *fakeConn) record(event string) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return websocketbase.NewError(websocketbase.KindSend, "send", websocketbase.ErrConnectionClosed)
	default:
	}

	c.record("send:" + string(frame))
	if c.respond != nil {
		c.respond(c, string(frame))
	}
	return nil
}

func (c *fakeConn) Receive(ctx context.Context, timeout time.Duration) (websocketbase.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.inbox:
		if r.err != nil {
			return websocketbase.Frame{}, r.err
		}
		c.record("recv:" + r.data)
		return websocketbase.Frame{Data: []byte(r.data), ReceivedAt: time.Now()}, nil

	case <-c.closed:
		return websocketbase.Frame{}, errFakeClosed

	case <-ctx.Done():
		return websocketbase.Frame{}, websocketbase.NewError(websocketbase.KindCanceled, "receive", ctx.Err())

	case <-timer.C:
		return websocketbase.Frame{}, errFakeTimeout
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.record("close")
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeConn) sentOps(op string) (ops []sentOp) {
	for _, event := range c.Events() {
		if !strings.HasPrefix(event, "send:{") {
			continue
		}

		var o sentOp
		if err := json.Unmarshal([]byte(strings.TrimPrefix(event, "send:")), &o); err != nil {
			continue
		}

		if o.Op == op {
			ops = append(ops, o)
		}
	}
	return ops
}

func (c *fakeConn) sentPings() (n int) {
	for _, event := range c.Events() {
		if event == "send:"+PingFrame {
			n++
		}
	}
	return n
}

func frameOp(frame string) string {
	var o sentOp
	if err := json.Unmarshal([]byte(frame), &o); err != nil {
		return frame
	}
	return o.Op
}

// standardResponder acks logins and unsubscriptions
func standardResponder(c *fakeConn, frame string) {
	switch frameOp(frame) {
	case "login":
		c.push(loginSuccessFrame)
	case "unsubscribe":
		c.push(unsubscribeAckFrame)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	newConn func(n int) *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (websocketbase.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.newConn(len(d.conns))
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	manual  bool
	delays  []time.Duration
	waiters []chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1538054050, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)
	if c.manual {
		c.waiters = append(c.waiters, ch)
		return ch
	}

	ch <- c.now
	return ch
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *fakeClock) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		ch <- c.now
	}
	c.waiters = nil
}

type serverTimeFunc func(ctx context.Context) (time.Time, error)

func (f serverTimeFunc) QueryServerTime(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

var testCredentials = okexapi.NewCredentials("a1b2c3d4-api-key", "22582BD0CFF14C41EDBF1AB98506286D", "passphrase")

func positionsSpec() ChannelSpec {
	return NewChannelSpec("positions", "instType", "ANY")
}

func newTestSession(t *testing.T, dialer websocketbase.Dialer, clock Clock, registry *ChannelRegistry, options ...SessionOption) *Session {
	opts := append([]SessionOption{
		WithDialer(dialer),
		WithClock(clock),
		WithBackOff(&backoff2.FixedBackOff{}),
		WithReceiveTimeout(time.Minute),
	}, options...)

	s, err := NewSession("test", testCredentials, registry, opts...)
	require.NoError(t, err)
	return s
}

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errC := make(chan error, 1)
	go func() {
		errC <- s.Run(ctx)
	}()
	return cancel, errC
}

func waitState(t *testing.T, s *Session, state SessionState) {
	require.Eventually(t, func() bool {
		return s.State() == state
	}, 2*time.Second, time.Millisecond, "waiting for state %s, current %s", state, s.State())
}

func stopSession(t *testing.T, s *Session, errC <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, s.Stop(ctx))
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("session did not stop")
	}
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []SessionState
}

func (r *transitionRecorder) record(from, to SessionState) {
	r.mu.Lock()
	r.transitions = append(r.transitions, to)
	r.mu.Unlock()
}

func (r *transitionRecorder) snapshot() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.transitions...)
}

func (r *transitionRecorder) count(state SessionState) (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.transitions {
		if s == state {
			n++
		}
	}
	return n
}

func TestNewSession(t *testing.T) {
	t.Run("invalid credentials", func(t *testing.T) {
		_, err := NewSession("test", okexapi.NewCredentials("key", "", "passphrase"), nil)
		assert.ErrorIs(t, err, okexapi.ErrInvalidCredential)
	})

	t.Run("trade mode requires a trade request", func(t *testing.T) {
		_, err := NewSession("test", testCredentials, NewChannelRegistry(), WithMode(ModeTrade))
		assert.Error(t, err)
	})

	t.Run("defaults follow the mode", func(t *testing.T) {
		s, err := NewSession("test", testCredentials, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultDataReceiveTimeout, s.receiveTimeout)
		assert.Equal(t, DefaultDataReceiveTimeout, s.loginTimeout)
		assert.Equal(t, okexapi.PrivateWebSocketURL, s.url)
		assert.Equal(t, SessionStateDisconnected, s.State())

		registry, err := NewTradeRegistry(TradeRequest{Op: WsOpTypeCancelOrder, Args: []OrderSpec{{"instId": "BTC-USDT", "ordId": "2510789768709120"}}})
		require.NoError(t, err)
		s, err = NewSession("test", testCredentials, registry, WithMode(ModeTrade))
		require.NoError(t, err)
		assert.Equal(t, DefaultTradeReceiveTimeout, s.receiveTimeout)
	})
}

func TestSession_LoginThenSubscribe(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn { return newFakeConn(standardResponder) }}
	registry := NewChannelRegistry(positionsSpec(), NewChannelSpec("orders", "instType", "ANY"))
	s := newTestSession(t, dialer, newFakeClock(), registry)

	recorder := &transitionRecorder{}
	s.OnStateChange(recorder.record)
	authenticated := 0
	s.OnAuth(func() { authenticated++ })

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool {
		return recorder.count(SessionStateSubscribed) == 1
	}, 2*time.Second, time.Millisecond)

	conn := dialer.Conn(0)
	events := conn.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "login", frameOp(strings.TrimPrefix(events[0], "send:")))
	assert.Equal(t, "recv:"+loginSuccessFrame, events[1])

	subs := conn.sentOps("subscribe")
	require.Len(t, subs, 1)
	assert.JSONEq(t, `[{"channel":"positions","instType":"ANY"},{"channel":"orders","instType":"ANY"}]`, string(subs[0].Args))

	logins := conn.sentOps("login")
	require.Len(t, logins, 1)
	var args []WebsocketLogin
	require.NoError(t, json.Unmarshal(logins[0].Args, &args))
	require.Len(t, args, 1)
	assert.Equal(t, "a1b2c3d4-api-key", args[0].Key)
	assert.Equal(t, "passphrase", args[0].Passphrase)
	assert.Equal(t, "1538054050", args[0].Timestamp)
	assert.Equal(t, "+LdIr8lkkvhr5hoA3g9TMC0+uQJ849ftAcocA/ouu4M=", args[0].Sign)

	assert.Equal(t, 1, authenticated)
	assert.Equal(t, []SessionState{
		SessionStateConnecting,
		SessionStateAwaitingLoginAck,
		SessionStateAuthenticated,
		SessionStateSubscribed,
	}, recorder.snapshot())

	stopSession(t, s, errC)
	assert.True(t, conn.isClosed())
}

func TestSession_ExactlyOneProbeBeforeDead(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n > 0 {
			return newFakeConn(standardResponder)
		}

		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				c.push(loginSuccessFrame)
			case "subscribe", PingFrame:
				// the window elapses, before and after the probe
				c.pushErr(errFakeTimeout)
			}
		})
	}}

	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))

	var disconnectErrs []error
	s.OnDisconnect(func(err error) { disconnectErrs = append(disconnectErrs, err) })

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, s, SessionStateSubscribed)

	first := dialer.Conn(0)
	assert.Equal(t, 1, first.sentPings())
	assert.True(t, first.isClosed())

	require.Len(t, disconnectErrs, 1)
	assert.ErrorIs(t, disconnectErrs[0], ErrProbeExhausted)

	// the reconnect replays login and subscribe from scratch
	second := dialer.Conn(1)
	assert.Len(t, second.sentOps("login"), 1)
	assert.Len(t, second.sentOps("subscribe"), 1)
	assert.Equal(t, 0, second.sentPings())

	stopSession(t, s, errC)
}

func TestSession_PongKeepsSessionAlive(t *testing.T) {
	const probes = 10

	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		pings := 0
		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				c.push(loginSuccessFrame)
			case "unsubscribe":
				c.push(unsubscribeAckFrame)
			case "subscribe":
				c.pushErr(errFakeTimeout)
			case PingFrame:
				pings++
				c.push(PongFrame)
				if pings < probes {
					c.pushErr(errFakeTimeout)
				}
			}
		})
	}}

	var frames int
	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()),
		WithFrameHandler(func(receivedAt time.Time, raw []byte) { frames++ }))

	recorder := &transitionRecorder{}
	s.OnStateChange(recorder.record)

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool {
		return dialer.Len() == 1 && dialer.Conn(0).sentPings() == probes
	}, 2*time.Second, time.Millisecond)

	// wait for the last pong to be consumed
	require.Eventually(t, func() bool { return len(dialer.Conn(0).inbox) == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, SessionStateSubscribed, s.State())
	assert.Equal(t, 0, recorder.count(SessionStateDisconnected))
	assert.Equal(t, 1, dialer.Len())

	stopSession(t, s, errC)
	assert.Equal(t, 0, frames, "pong frames are not forwarded")
}

func TestSession_ClosedMidProbeDisconnectsOnce(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n > 0 {
			return newFakeConn(standardResponder)
		}

		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				c.push(loginSuccessFrame)
			case "subscribe":
				c.pushErr(errFakeTimeout)
			case PingFrame:
				c.pushErr(errFakeClosed)
			}
		})
	}}

	clock := newFakeClock()
	s := newTestSession(t, dialer, clock, NewChannelRegistry(positionsSpec()))

	recorder := &transitionRecorder{}
	s.OnStateChange(recorder.record)
	disconnects := 0
	s.OnDisconnect(func(err error) {
		disconnects++
		assert.Equal(t, websocketbase.KindClosed, websocketbase.KindOf(err))
	})

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, s, SessionStateSubscribed)

	assert.Equal(t, 1, recorder.count(SessionStateDisconnected))
	assert.Equal(t, 1, disconnects)
	assert.Len(t, clock.Delays(), 1, "exactly one reconnect is scheduled")
	assert.Equal(t, 2, dialer.Len())

	stopSession(t, s, errC)
}

func TestSession_LoginTimeoutRetriesWithNewerTimestamp(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n > 0 {
			return newFakeConn(standardResponder)
		}

		return newFakeConn(func(c *fakeConn, frame string) {
			if frameOp(frame) == "login" {
				c.pushErr(errFakeTimeout)
			}
		})
	}}

	// the clock does not move between the attempts
	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()),
		WithLoginTimeout(5*time.Second))

	var disconnectErrs []error
	s.OnDisconnect(func(err error) { disconnectErrs = append(disconnectErrs, err) })

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, s, SessionStateSubscribed)

	first, second := dialer.Conn(0), dialer.Conn(1)
	assert.True(t, first.isClosed())
	assert.Empty(t, first.sentOps("subscribe"))

	require.Len(t, disconnectErrs, 1)
	assert.ErrorIs(t, disconnectErrs[0], ErrLoginTimeout)

	ts1, sign1 := loginArgs(t, first)
	ts2, sign2 := loginArgs(t, second)
	assert.Greater(t, ts2, ts1)
	assert.NotEqual(t, sign1, sign2)

	stopSession(t, s, errC)
}

func loginArgs(t *testing.T, c *fakeConn) (string, string) {
	logins := c.sentOps("login")
	require.Len(t, logins, 1)

	var args []WebsocketLogin
	require.NoError(t, json.Unmarshal(logins[0].Args, &args))
	require.Len(t, args, 1)
	return args[0].Timestamp, args[0].Sign
}

func TestSession_ResubscribesCurrentSnapshot(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n > 0 {
			return newFakeConn(standardResponder)
		}

		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				c.push(loginSuccessFrame)
			case "subscribe":
				c.pushErr(errFakeClosed)
			}
		})
	}}

	clock := newFakeClock()
	clock.manual = true

	account := NewChannelSpec("account")
	registry := NewChannelRegistry(positionsSpec(), NewChannelSpec("orders", "instType", "ANY"))
	s := newTestSession(t, dialer, clock, registry)

	_, errC := runSession(t, s)

	// disconnected, waiting for the backoff delay
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, SessionStateDisconnected, s.State())

	require.NoError(t, s.Subscribe(account))
	require.NoError(t, s.Unsubscribe(positionsSpec()))

	first := dialer.Conn(0)
	assert.Len(t, first.sentOps("subscribe"), 1)
	assert.Empty(t, first.sentOps("unsubscribe"))

	clock.Release()
	require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, s, SessionStateSubscribed)

	expected, err := json.Marshal(registry.Snapshot())
	require.NoError(t, err)

	subs := dialer.Conn(1).sentOps("subscribe")
	require.Len(t, subs, 1)
	assert.JSONEq(t, string(expected), string(subs[0].Args))
	assert.JSONEq(t, `[{"channel":"orders","instType":"ANY"},{"channel":"account"}]`, string(subs[0].Args))

	stopSession(t, s, errC)
}

func TestSession_NoSubscribeBeforeLoginAck(t *testing.T) {
	const scripted = 12

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	outcomes := make([]int, scripted)
	delays := make([]time.Duration, scripted)
	for i := range outcomes {
		outcomes[i] = rnd.Intn(3)
		delays[i] = time.Duration(rnd.Intn(3000)) * time.Microsecond
	}

	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n >= scripted {
			return newFakeConn(standardResponder)
		}

		mu.Lock()
		outcome, delay := outcomes[n], delays[n]
		mu.Unlock()

		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				go func() {
					time.Sleep(delay)
					switch outcome {
					case 0:
						c.push(loginSuccessFrame)
					case 1:
						c.push(loginFailedFrame)
					default:
						c.pushErr(errFakeTimeout)
					}
				}()

			case "subscribe":
				go func() {
					time.Sleep(delay)
					c.pushErr(errFakeClosed)
				}()
			}
		})
	}}

	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()),
		WithAuthRejectPolicy(AuthRejectPolicy{}))

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool {
		return dialer.Len() > scripted && s.State() == SessionStateSubscribed
	}, 5*time.Second, time.Millisecond)

	stopSession(t, s, errC)

	for i := 0; i < dialer.Len(); i++ {
		acked := -1
		for j, event := range dialer.Conn(i).Events() {
			if event == "recv:"+loginSuccessFrame && acked < 0 {
				acked = j
			}

			if strings.HasPrefix(event, "send:") && frameOp(strings.TrimPrefix(event, "send:")) == "subscribe" {
				assert.True(t, acked >= 0 && j > acked, "connection %d sent subscribe before the login ack: %v", i, dialer.Conn(i).Events())
			}
		}
	}
}

func TestSession_GracefulStop(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn { return newFakeConn(standardResponder) }}
	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))

	disconnects := 0
	s.OnDisconnect(func(err error) { disconnects++ })

	_, errC := runSession(t, s)
	waitState(t, s, SessionStateSubscribed)
	stopSession(t, s, errC)

	conn := dialer.Conn(0)
	unsubs := conn.sentOps("unsubscribe")
	require.Len(t, unsubs, 1)
	assert.JSONEq(t, `[{"channel":"positions","instType":"ANY"}]`, string(unsubs[0].Args))
	assert.True(t, conn.isClosed())

	events := conn.Events()
	assert.Equal(t, "close", events[len(events)-1])

	assert.Equal(t, 1, dialer.Len(), "no reconnect after stop")
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, SessionStateDisconnected, s.State())
	assert.NoError(t, s.Err())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed")
	}

	// stop is idempotent
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSession_Cancel(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn { return newFakeConn(standardResponder) }}
	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))

	cancel, errC := runSession(t, s)
	waitState(t, s, SessionStateSubscribed)
	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return after cancel")
	}

	conn := dialer.Conn(0)
	assert.Empty(t, conn.sentOps("unsubscribe"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, dialer.Len())
	assert.ErrorIs(t, s.Run(context.Background()), ErrSessionRunning)
}

func TestSession_LiveChannelUpdates(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn { return newFakeConn(standardResponder) }}

	// an empty registry logs in and waits for updates
	s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry())

	_, errC := runSession(t, s)
	waitState(t, s, SessionStateSubscribed)

	conn := dialer.Conn(0)
	assert.Empty(t, conn.sentOps("subscribe"))

	require.NoError(t, s.Subscribe(positionsSpec()))
	require.Eventually(t, func() bool { return len(conn.sentOps("subscribe")) == 1 }, 2*time.Second, time.Millisecond)
	assert.JSONEq(t, `[{"channel":"positions","instType":"ANY"}]`, string(conn.sentOps("subscribe")[0].Args))

	// already registered, nothing to send
	require.NoError(t, s.Subscribe(positionsSpec()))

	require.NoError(t, s.Subscribe(NewChannelSpec("account")))
	require.Eventually(t, func() bool { return len(conn.sentOps("subscribe")) == 2 }, 2*time.Second, time.Millisecond)
	assert.JSONEq(t, `[{"channel":"account"}]`, string(conn.sentOps("subscribe")[1].Args))

	require.NoError(t, s.Unsubscribe(NewChannelSpec("account")))
	require.Eventually(t, func() bool { return len(conn.sentOps("unsubscribe")) == 1 }, 2*time.Second, time.Millisecond)
	assert.JSONEq(t, `[{"channel":"account"}]`, string(conn.sentOps("unsubscribe")[0].Args))

	stopSession(t, s, errC)
	assert.Len(t, conn.sentOps("subscribe"), 2)
	assert.Equal(t, 1, dialer.Len())
}

func TestSession_MalformedFrames(t *testing.T) {
	t.Run("skipped while subscribed", func(t *testing.T) {
		dialer := &fakeDialer{newConn: func(n int) *fakeConn {
			return newFakeConn(func(c *fakeConn, frame string) {
				standardResponder(c, frame)
				if frameOp(frame) == "subscribe" {
					c.push("{not json")
					c.push(PongFrame)
					c.push(positionsPushFrame)
				}
			})
		}}

		var mu sync.Mutex
		var forwarded []string
		s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()),
			WithFrameHandler(func(receivedAt time.Time, raw []byte) {
				mu.Lock()
				forwarded = append(forwarded, string(raw))
				mu.Unlock()
			}))

		_, errC := runSession(t, s)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(forwarded) == 1
		}, 2*time.Second, time.Millisecond)

		assert.Equal(t, positionsPushFrame, forwarded[0])
		assert.Equal(t, 1, dialer.Len())
		stopSession(t, s, errC)
	})

	t.Run("tears down the handshake", func(t *testing.T) {
		dialer := &fakeDialer{newConn: func(n int) *fakeConn {
			if n > 0 {
				return newFakeConn(standardResponder)
			}

			return newFakeConn(func(c *fakeConn, frame string) {
				if frameOp(frame) == "login" {
					c.push("{not json")
				}
			})
		}}

		s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))

		var disconnectErrs []error
		s.OnDisconnect(func(err error) { disconnectErrs = append(disconnectErrs, err) })

		_, errC := runSession(t, s)
		require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
		waitState(t, s, SessionStateSubscribed)

		require.Len(t, disconnectErrs, 1)
		assert.ErrorIs(t, disconnectErrs[0], ErrMalformedFrame)
		assert.Empty(t, dialer.Conn(0).sentOps("subscribe"))
		stopSession(t, s, errC)
	})
}

func TestSession_AuthRejected(t *testing.T) {
	t.Run("gives up after the configured rejections", func(t *testing.T) {
		dialer := &fakeDialer{newConn: func(n int) *fakeConn {
			return newFakeConn(func(c *fakeConn, frame string) {
				if frameOp(frame) == "login" {
					c.push(loginFailedFrame)
				}
			})
		}}

		clock := newFakeClock()
		s := newTestSession(t, dialer, clock, NewChannelRegistry(positionsSpec()),
			WithAuthRejectPolicy(AuthRejectPolicy{MaxConsecutive: 2, Delay: 3 * time.Second}))

		var rejections []*AuthRejectedError
		s.OnAuthRejected(func(err *AuthRejectedError) { rejections = append(rejections, err) })

		err := s.Run(context.Background())
		assert.ErrorIs(t, err, ErrTooManyAuthRejections)
		assert.Equal(t, SessionStateFaulted, s.State())
		assert.Equal(t, 2, dialer.Len())

		require.Len(t, rejections, 2)
		assert.Equal(t, "60009", rejections[0].Code)
		assert.False(t, rejections[0].Transient)

		assert.Equal(t, []time.Duration{3 * time.Second}, clock.Delays())
		for i := 0; i < dialer.Len(); i++ {
			assert.Empty(t, dialer.Conn(i).sentOps("subscribe"))
		}
	})

	t.Run("syncs the server time after a timestamp rejection", func(t *testing.T) {
		dialer := &fakeDialer{newConn: func(n int) *fakeConn {
			if n > 0 {
				return newFakeConn(standardResponder)
			}

			return newFakeConn(func(c *fakeConn, frame string) {
				if frameOp(frame) == "login" {
					c.push(loginTimestampFrame)
				}
			})
		}}

		clock := newFakeClock()
		queried := 0
		s := newTestSession(t, dialer, clock, NewChannelRegistry(positionsSpec()),
			WithServerTimeSource(serverTimeFunc(func(ctx context.Context) (time.Time, error) {
				queried++
				return clock.Now().Add(time.Hour), nil
			})))

		var rejections []*AuthRejectedError
		s.OnAuthRejected(func(err *AuthRejectedError) { rejections = append(rejections, err) })

		_, errC := runSession(t, s)
		require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
		waitState(t, s, SessionStateSubscribed)

		require.Len(t, rejections, 1)
		assert.True(t, rejections[0].Transient)
		assert.Equal(t, 1, queried)

		ts, _ := loginArgs(t, dialer.Conn(1))
		assert.Equal(t, "1538057650", ts)

		// transient rejections are not delayed by the credential policy
		assert.Equal(t, []time.Duration{backoff2.MinReconnectInterval}, clock.Delays())
		stopSession(t, s, errC)
	})

	t.Run("signs behind the local clock when the server is behind", func(t *testing.T) {
		dialer := &fakeDialer{newConn: func(n int) *fakeConn {
			if n > 0 {
				return newFakeConn(standardResponder)
			}

			return newFakeConn(func(c *fakeConn, frame string) {
				if frameOp(frame) == "login" {
					c.push(loginTimestampFrame)
				}
			})
		}}

		clock := newFakeClock()
		s := newTestSession(t, dialer, clock, NewChannelRegistry(positionsSpec()),
			WithServerTimeSource(serverTimeFunc(func(ctx context.Context) (time.Time, error) {
				return clock.Now().Add(-time.Minute), nil
			})))

		_, errC := runSession(t, s)
		require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
		waitState(t, s, SessionStateSubscribed)

		first, _ := loginArgs(t, dialer.Conn(0))
		assert.Equal(t, "1538054050", first)

		second, _ := loginArgs(t, dialer.Conn(1))
		assert.Equal(t, "1538053990", second, "the retry uses the server clock")
		stopSession(t, s, errC)
	})
}

// blockingDialer holds Dial until released. With honorCtx it also returns when ctx is canceled.
type blockingDialer struct {
	honorCtx bool
	dialing  chan struct{}
	release  chan struct{}
	conn     *fakeConn
}

func newBlockingDialer(honorCtx bool) *blockingDialer {
	return &blockingDialer{
		honorCtx: honorCtx,
		dialing:  make(chan struct{}),
		release:  make(chan struct{}),
		conn:     newFakeConn(standardResponder),
	}
}

func (d *blockingDialer) Dial(ctx context.Context, url string) (websocketbase.Conn, error) {
	close(d.dialing)

	if d.honorCtx {
		select {
		case <-ctx.Done():
			return nil, websocketbase.NewError(websocketbase.KindCanceled, "dial", ctx.Err())
		case <-d.release:
		}
	} else {
		<-d.release
	}

	return d.conn, nil
}

func TestSession_StopWhileDialing(t *testing.T) {
	t.Run("stop cancels the dial", func(t *testing.T) {
		dialer := newBlockingDialer(true)
		defer close(dialer.release)

		s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))
		_, errC := runSession(t, s)

		<-dialer.dialing
		waitState(t, s, SessionStateConnecting)

		start := time.Now()
		stopSession(t, s, errC)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, SessionStateDisconnected, s.State())
		assert.Empty(t, dialer.conn.Events())
	})

	t.Run("no login after the dial completes", func(t *testing.T) {
		dialer := newBlockingDialer(false)
		s := newTestSession(t, dialer, newFakeClock(), NewChannelRegistry(positionsSpec()))
		_, errC := runSession(t, s)

		<-dialer.dialing

		stopErrC := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			stopErrC <- s.Stop(ctx)
		}()

		require.Eventually(t, s.stopRequested, time.Second, time.Millisecond)
		close(dialer.release)

		require.NoError(t, <-stopErrC)
		require.NoError(t, <-errC)

		assert.Empty(t, dialer.conn.sentOps("login"))
		assert.True(t, dialer.conn.isClosed())
		assert.Equal(t, []string{"close"}, dialer.conn.Events())
	})
}

func TestSession_TradeReplay(t *testing.T) {
	dialer := &fakeDialer{newConn: func(n int) *fakeConn {
		if n > 0 {
			return newFakeConn(standardResponder)
		}

		return newFakeConn(func(c *fakeConn, frame string) {
			switch frameOp(frame) {
			case "login":
				c.push(loginSuccessFrame)
			case "order":
				c.pushErr(errFakeClosed)
			}
		})
	}}

	registry, err := NewTradeRegistry(TradeRequest{
		Op: WsOpTypeOrder,
		Args: []OrderSpec{{
			"instId":  "BTC-USDT",
			"tdMode":  "cash",
			"side":    "buy",
			"ordType": "market",
			"sz":      "100",
		}},
	})
	require.NoError(t, err)

	s := newTestSession(t, dialer, newFakeClock(), registry, WithMode(ModeTrade))
	assert.ErrorIs(t, s.Subscribe(positionsSpec()), ErrNotDataMode)

	_, errC := runSession(t, s)
	require.Eventually(t, func() bool { return dialer.Len() == 2 }, 2*time.Second, time.Millisecond)
	waitState(t, s, SessionStateSubscribed)

	first := dialer.Conn(0).sentOps("order")
	second := dialer.Conn(1).sentOps("order")
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	var args1, args2 []OrderSpec
	require.NoError(t, json.Unmarshal(first[0].Args, &args1))
	require.NoError(t, json.Unmarshal(second[0].Args, &args2))
	require.Len(t, args1, 1)
	require.Len(t, args2, 1)

	assert.NotEmpty(t, args1[0][clientOrderIDField])
	assert.Equal(t, args1[0][clientOrderIDField], args2[0][clientOrderIDField])
	assert.NotEqual(t, first[0].Id, second[0].Id)

	stopSession(t, s, errC)
	assert.Empty(t, dialer.Conn(1).sentOps("unsubscribe"))
}

func TestDisconnectReason(t *testing.T) {
	assert.Equal(t, "auth_rejected", disconnectReason(newAuthRejectedError("60009", "Login failed.")))
	assert.Equal(t, "login_timeout", disconnectReason(errors.Wrap(ErrLoginTimeout, "5s")))
	assert.Equal(t, "probe_exhausted", disconnectReason(ErrProbeExhausted))
	assert.Equal(t, "malformed", disconnectReason(errors.Wrap(ErrMalformedFrame, "garbage")))
	assert.Equal(t, "closed", disconnectReason(errFakeClosed))
	assert.Equal(t, "connection", disconnectReason(websocketbase.NewError(websocketbase.KindConnection, "dial", errors.New("refused"))))
	assert.Equal(t, "other", disconnectReason(errors.New("unknown")))
}
