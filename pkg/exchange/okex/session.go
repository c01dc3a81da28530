package okex

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/c9s/okexstream/pkg/exchange/okex/okexapi"
	"github.com/c9s/okexstream/pkg/metrics"
	"github.com/c9s/okexstream/pkg/net/websocketbase"
	backoff2 "github.com/c9s/okexstream/pkg/util/backoff"
)

var log = logrus.WithField("exchange", "okex")

const serverTimeSyncTimeout = 10 * time.Second

//go:generate callbackgen -type Session
type Session struct {
	name     string
	creds    okexapi.Credentials
	registry *ChannelRegistry

	url              string
	mode             Mode
	dialer           websocketbase.Dialer
	clock            Clock
	backoff          backoff.BackOff
	receiveTimeout   time.Duration
	loginTimeout     time.Duration
	authRejectPolicy AuthRejectPolicy
	serverTime       ServerTimeSource
	frameHandler     FrameHandler
	logger           logrus.FieldLogger

	// malformedLogLimiter keeps a flood of garbage frames from flooding the log
	malformedLogLimiter *rate.Limiter

	// reconnectLimiter guarantees the minimum interval between two dials
	reconnectLimiter *rate.Limiter

	mu    sync.Mutex
	state SessionState

	// live is true between sending the subscription snapshot and losing the connection.
	// channel updates are queued into pending only while live, so that the snapshot
	// and the queue never overlap.
	live    bool
	pending []WebsocketOp

	running bool
	err     error
	done    chan struct{}

	// only the control loop touches these
	lastLogin      okexapi.LoginTimestamp
	clockOffset    time.Duration
	authRejections int

	wakeC    chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once

	stateChangeCallbacks  []func(from, to SessionState)
	authCallbacks         []func()
	disconnectCallbacks   []func(err error)
	authRejectedCallbacks []func(err *AuthRejectedError)
}

// NewSession creates an authenticated session. Callbacks must be registered before Run or Start.
func NewSession(name string, creds okexapi.Credentials, registry *ChannelRegistry, options ...SessionOption) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	if registry == nil {
		registry = NewChannelRegistry()
	}

	s := &Session{
		name:                name,
		creds:               creds,
		registry:            registry,
		url:                 okexapi.PrivateWebSocketURL,
		mode:                ModeData,
		clock:               SystemClock,
		authRejectPolicy:    DefaultAuthRejectPolicy(),
		malformedLogLimiter: rate.NewLimiter(rate.Every(time.Minute), 3),
		reconnectLimiter:    rate.NewLimiter(rate.Every(backoff2.MinReconnectInterval), 1),
		state:               SessionStateDisconnected,
		done:                make(chan struct{}),
		wakeC:               make(chan struct{}, 1),
		stopC:               make(chan struct{}),
	}

	for _, option := range options {
		option(s)
	}

	if s.mode == ModeTrade {
		if _, ok := s.registry.TradeRequest(); !ok {
			return nil, errors.New("trade session requires a trade request")
		}
	}

	if s.dialer == nil {
		s.dialer = websocketbase.NewWebsocketDialer()
	}

	if s.backoff == nil {
		s.backoff = backoff2.NewReconnectBackOff(backoff2.DefaultConfig())
	}

	if s.receiveTimeout <= 0 {
		s.receiveTimeout = s.mode.ReceiveTimeout()
	}

	if s.loginTimeout <= 0 {
		s.loginTimeout = s.receiveTimeout
	}

	if s.logger == nil {
		s.logger = log.WithFields(logrus.Fields{
			"session": s.name,
			"mode":    s.mode.String(),
		})
	}

	s.updateStateMetrics(s.state)
	return s, nil
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Mode() Mode {
	return s.mode
}

func (s *Session) Registry() *ChannelRegistry {
	return s.registry
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error Run returned, nil after a graceful stop
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start runs the session in the background, see Run.
func (s *Session) Start(ctx context.Context) {
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("session terminated")
		}
	}()
}

// Run keeps the session connected, authenticated and subscribed until ctx is done or Stop is called.
// It blocks and returns nil after a graceful stop, ctx.Err() after cancellation, or an error
// wrapping ErrTooManyAuthRejections when the rejection policy gives up.
// A session can be run once.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		if s.State() != SessionStateFaulted {
			s.setState(SessionStateDisconnected)
		}

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		if s.stopRequested() {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		connErr := s.connectAndServe(ctx)

		if errors.Is(connErr, ErrSessionStopped) {
			s.logger.Info("session stopped")
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		s.setState(SessionStateDisconnected)
		s.EmitDisconnect(connErr)

		if rej, ok := IsAuthRejected(connErr); ok {
			if fatal := s.handleAuthRejected(ctx, rej); fatal != nil {
				s.setState(SessionStateFaulted)
				return fatal
			}
		}

		reason := disconnectReason(connErr)
		metrics.SessionReconnectsMetrics.With(s.labels("reason", reason)).Inc()

		delay := s.nextDelay(connErr)
		s.logger.WithError(connErr).Warnf("disconnected (%s), reconnecting in %s", reason, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopC:
			return nil
		case <-s.clock.After(delay):
		}
	}
}

// Stop unsubscribes the registered channels, waits for one acknowledgment, closes the
// connection and prevents any reconnect. It waits until Run returns or ctx is done.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopC)
	})
	s.wake()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers new channels. While subscribed the new channels are sent right away,
// otherwise they are part of the snapshot sent after the next login.
func (s *Session) Subscribe(specs ...ChannelSpec) error {
	return s.updateChannels(WsOpTypeSubscribe, specs)
}

// Unsubscribe removes channels from the registry, and from the live connection if any.
func (s *Session) Unsubscribe(specs ...ChannelSpec) error {
	return s.updateChannels(WsOpTypeUnsubscribe, specs)
}

func (s *Session) updateChannels(op WsOpType, specs []ChannelSpec) error {
	if s.mode != ModeData {
		return ErrNotDataMode
	}

	s.mu.Lock()
	var changed []ChannelSpec
	if op == WsOpTypeSubscribe {
		changed = s.registry.Add(specs...)
	} else {
		changed = s.registry.Remove(specs...)
	}

	queued := len(changed) > 0 && s.live
	if queued {
		s.pending = append(s.pending, newSubscriptionOp(op, changed))
	}
	s.mu.Unlock()

	if queued {
		s.wake()
	}

	return nil
}

func (s *Session) wake() {
	select {
	case s.wakeC <- struct{}{}:
	default:
	}
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.updateStateMetrics(to)
	s.logger.Debugf("state %s -> %s", from, to)
	s.EmitStateChange(from, to)
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(SessionStateConnecting)

	s.logger.Infof("connecting to %s", s.url)
	conn, err := s.dial(ctx)
	if s.stopRequested() {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSessionStopped
	}

	if err != nil {
		return err
	}

	defer func() {
		s.mu.Lock()
		s.live = false
		s.pending = nil
		s.mu.Unlock()

		if err := conn.Close(); err != nil {
			s.logger.WithError(err).Debug("connection close error")
		}
	}()

	if err := s.login(ctx, conn); err != nil {
		return err
	}

	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}

	s.backoff.Reset()
	return s.serve(ctx, conn)
}

// dial connects with a context that is also canceled by Stop
func (s *Session) dial(ctx context.Context) (websocketbase.Conn, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.stopC:
			cancel()
		case <-dctx.Done():
		}
	}()

	return s.dialer.Dial(dctx, s.url)
}

func (s *Session) nextLoginTimestamp() okexapi.LoginTimestamp {
	ts := okexapi.NewLoginTimestamp(s.clock.Now().Add(s.clockOffset))
	if s.lastLogin.Epoch > 0 {
		ts = ts.After(s.lastLogin)
	}

	s.lastLogin = ts
	return ts
}

func (s *Session) login(ctx context.Context, conn websocketbase.Conn) error {
	if s.stopRequested() {
		return ErrSessionStopped
	}

	ts := s.nextLoginTimestamp()
	sign, err := okexapi.SignLogin(ts, s.creds.Secret)
	if err != nil {
		return err
	}

	frame, err := encodeOp(newLoginOp(WebsocketLogin{
		Key:        s.creds.Key,
		Passphrase: s.creds.Passphrase,
		Timestamp:  ts.Text(),
		Sign:       sign,
	}))
	if err != nil {
		return errors.Wrap(err, "unable to encode the login op")
	}

	s.setState(SessionStateAwaitingLoginAck)
	s.logger.Infof("logging in with %s at %s", s.creds, ts.ISO)
	if err := conn.Send(ctx, frame); err != nil {
		return err
	}

	deadline := s.clock.Now().Add(s.loginTimeout)
	for {
		if s.stopRequested() {
			return ErrSessionStopped
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return errors.Wrapf(ErrLoginTimeout, "no acknowledgment in %s", s.loginTimeout)
		}

		f, err := s.receive(ctx, conn, remaining)
		if err != nil {
			if s.interrupted(ctx, err) {
				continue
			}

			if websocketbase.IsTimeout(err) {
				return errors.Wrapf(ErrLoginTimeout, "no acknowledgment in %s", s.loginTimeout)
			}

			return err
		}

		evt, err := Parse(f.Data)
		if err != nil {
			return err
		}

		switch e := evt.(type) {
		case PongEvent:
			continue

		case *WebSocketEvent:
			if e.IsAuthenticated() {
				s.authRejections = 0
				s.setState(SessionStateAuthenticated)
				s.logger.Infof("authenticated, connId=%s", e.ConnID)
				s.EmitAuth()
				return nil
			}

			if e.Event == WsEventTypeLogin || e.Event == WsEventTypeError {
				return newAuthRejectedError(e.Code, e.Message)
			}
		}

		return errors.Wrapf(ErrMalformedFrame, "unexpected frame before login acknowledgment: %q", truncate(f.Data, 128))
	}
}

// subscribe sends the current registry snapshot, or the trade request, on an authenticated connection.
func (s *Session) subscribe(ctx context.Context, conn websocketbase.Conn) error {
	var op WebsocketOp
	var empty bool

	s.mu.Lock()
	switch s.mode {
	case ModeTrade:
		req, _ := s.registry.TradeRequest()
		op = req.op()

	default:
		specs := s.registry.Snapshot()
		empty = len(specs) == 0
		op = newSubscriptionOp(WsOpTypeSubscribe, specs)
	}
	s.live = true
	s.pending = nil
	s.mu.Unlock()

	if empty {
		s.logger.Info("no channels registered, waiting for channel updates")
	} else {
		frame, err := encodeOp(op)
		if err != nil {
			return errors.Wrapf(err, "unable to encode the %s op", op.Op)
		}

		if err := conn.Send(ctx, frame); err != nil {
			return err
		}

		s.logger.Infof("sent %s op", op.Op)
	}

	s.setState(SessionStateSubscribed)
	return nil
}

// serve is the steady state: forward frames, send queued channel updates and watch liveness.
func (s *Session) serve(ctx context.Context, conn websocketbase.Conn) error {
	monitor := NewLivenessMonitor(s.receiveTimeout)
	monitor.Arm(s.clock.Now())

	for {
		if s.stopRequested() {
			return s.gracefulStop(ctx, conn)
		}

		if err := s.flushPending(ctx, conn); err != nil {
			return err
		}

		f, err := s.receive(ctx, conn, monitor.Remaining(s.clock.Now()))
		now := s.clock.Now()
		if err == nil {
			monitor.OnFrame(now)
			s.handleFrame(f)
			continue
		}

		switch websocketbase.KindOf(err) {
		case websocketbase.KindTimeout:
			switch monitor.OnTimeout(now) {
			case LivenessActionSendProbe:
				metrics.SessionProbesMetrics.With(s.labels()).Inc()
				s.logger.Debugf("no frame in %s, sending probe", monitor.Window())
				if err := conn.Send(ctx, []byte(PingFrame)); err != nil {
					monitor.OnClosed()
					return err
				}

			case LivenessActionTeardown:
				return errors.Wrapf(ErrProbeExhausted, "no frame in %s after the probe", monitor.Window())
			}

		case websocketbase.KindCanceled:
			if s.interrupted(ctx, err) {
				continue
			}
			return err

		case websocketbase.KindClosed:
			monitor.OnClosed()
			return err

		default:
			return err
		}
	}
}

func (s *Session) flushPending(ctx context.Context, conn websocketbase.Conn) error {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, op := range ops {
		frame, err := encodeOp(op)
		if err != nil {
			return errors.Wrapf(err, "unable to encode the %s op", op.Op)
		}

		if err := conn.Send(ctx, frame); err != nil {
			return err
		}

		s.logger.Infof("sent %s op: %v", op.Op, op.Args)
	}

	return nil
}

func (s *Session) handleFrame(f websocketbase.Frame) {
	metrics.SessionLastFrameTimeMetrics.With(s.labels()).Set(float64(f.ReceivedAt.Unix()))

	evt, err := Parse(f.Data)
	if err != nil {
		metrics.SessionMalformedFramesMetrics.With(s.labels()).Inc()
		if s.malformedLogLimiter.Allow() {
			s.logger.WithError(err).Warn("skipping malformed frame")
		}
		return
	}

	switch e := evt.(type) {
	case PongEvent:
		return

	case *WebSocketEvent:
		if e.IsError() {
			s.logger.Warnf("event %s error: code=%s msg=%s", e.Event, e.Code, e.Message)
		}

	case *WebSocketOpResponse:
		if e.IsError() {
			s.logger.Warnf("op %s (id=%s) error: code=%s msg=%s", e.Op, e.Id, e.Code, e.Message)
		}
	}

	metrics.SessionFramesMetrics.With(s.labels()).Inc()
	if s.frameHandler != nil {
		s.frameHandler(f.ReceivedAt, f.Data)
	}
}

// gracefulStop unsubscribes the registry and waits for one acknowledgment, bounded by the receive timeout.
func (s *Session) gracefulStop(ctx context.Context, conn websocketbase.Conn) error {
	if s.mode != ModeData {
		return ErrSessionStopped
	}

	specs := s.registry.Snapshot()
	if len(specs) == 0 {
		return ErrSessionStopped
	}

	frame, err := encodeOp(newSubscriptionOp(WsOpTypeUnsubscribe, specs))
	if err != nil {
		return multierr.Append(ErrSessionStopped, err)
	}

	if err := conn.Send(ctx, frame); err != nil {
		s.logger.WithError(err).Warn("unable to send the unsubscribe op")
		return multierr.Append(ErrSessionStopped, err)
	}

	deadline := s.clock.Now().Add(s.receiveTimeout)
	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			s.logger.Warn("no unsubscribe acknowledgment, closing anyway")
			return ErrSessionStopped
		}

		f, err := conn.Receive(ctx, remaining)
		if err != nil {
			if websocketbase.IsTimeout(err) {
				s.logger.Warn("no unsubscribe acknowledgment, closing anyway")
				return ErrSessionStopped
			}
			return multierr.Append(ErrSessionStopped, err)
		}

		evt, err := Parse(f.Data)
		if err != nil {
			continue
		}

		if e, ok := evt.(*WebSocketEvent); ok && (e.Event == WsEventTypeUnsubscribe || e.IsError()) {
			s.logger.Infof("unsubscribe acknowledged: event=%s code=%s", e.Event, e.Code)
			return ErrSessionStopped
		}
	}
}

// receive blocks on the connection until a frame, a timeout, or a wake-up from Subscribe,
// Unsubscribe or Stop. A wake-up returns a KindCanceled error while ctx is still alive.
func (s *Session) receive(ctx context.Context, conn websocketbase.Conn, timeout time.Duration) (websocketbase.Frame, error) {
	rctx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-s.wakeC:
			cancel()
		case <-rctx.Done():
		}
	}()

	f, err := conn.Receive(rctx, timeout)
	cancel()
	<-exited
	return f, err
}

func (s *Session) interrupted(ctx context.Context, err error) bool {
	return websocketbase.KindOf(err) == websocketbase.KindCanceled && ctx.Err() == nil
}

// handleAuthRejected counts the rejection and returns a non-nil error when the policy gives up.
func (s *Session) handleAuthRejected(ctx context.Context, rej *AuthRejectedError) error {
	s.authRejections++
	metrics.SessionAuthRejectionsMetrics.With(s.labels(
		"code", rej.Code,
		"transient", strconv.FormatBool(rej.Transient),
	)).Inc()

	logger := s.logger.WithFields(logrus.Fields{
		"code":        rej.Code,
		"consecutive": s.authRejections,
	})
	if rej.Transient {
		logger.Warnf("login rejected by timestamp: %s", rej.Message)
	} else {
		logger.Errorf("login rejected, check the api credentials %s: %s", s.creds, rej.Message)
	}

	s.EmitAuthRejected(rej)

	if rej.Transient && s.authRejectPolicy.SyncServerTime && s.serverTime != nil {
		s.syncServerTime(ctx)
	}

	if limit := s.authRejectPolicy.MaxConsecutive; limit > 0 && s.authRejections >= limit {
		return errors.Wrapf(ErrTooManyAuthRejections, "%d rejections, last: %v", s.authRejections, rej)
	}

	return nil
}

func (s *Session) syncServerTime(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, serverTimeSyncTimeout)
	defer cancel()

	var serverTime time.Time
	err := backoff2.RetryGeneral(ctx, func() (err error) {
		serverTime, err = s.serverTime.QueryServerTime(ctx)
		return err
	})
	if err != nil {
		s.logger.WithError(err).Warn("unable to query the server time")
		return
	}

	s.clockOffset = serverTime.Sub(s.clock.Now())

	// the corrected clock may be behind the rejected timestamp, it must not be bumped past it
	s.lastLogin = okexapi.LoginTimestamp{}
	s.logger.Infof("clock offset to the server is %s", s.clockOffset)
}

func (s *Session) nextDelay(err error) time.Duration {
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop || delay < backoff2.MinReconnectInterval {
		delay = backoff2.MinReconnectInterval
	}

	if rej, ok := IsAuthRejected(err); ok && !rej.Transient && s.authRejectPolicy.Delay > delay {
		delay = s.authRejectPolicy.Delay
	}

	if d := s.reconnectLimiter.Reserve().Delay(); d > delay {
		delay = d
	}

	return delay
}

func (s *Session) labels(kv ...string) map[string]string {
	l := map[string]string{
		"session": s.name,
		"mode":    s.mode.String(),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		l[kv[i]] = kv[i+1]
	}

	return l
}

func (s *Session) updateStateMetrics(state SessionState) {
	metrics.SessionStateMetrics.With(s.labels()).Set(float64(state))
}

func disconnectReason(err error) string {
	if _, ok := IsAuthRejected(err); ok {
		return "auth_rejected"
	}

	switch {
	case errors.Is(err, ErrLoginTimeout):
		return "login_timeout"
	case errors.Is(err, ErrProbeExhausted):
		return "probe_exhausted"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	}

	if kind := websocketbase.KindOf(err); kind != websocketbase.KindUnknown {
		return kind.String()
	}

	return "other"
}
