package websocketbase

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . Dialer,Conn

const DefaultFrameBufferSize = 128

const DefaultWriteTimeout = 10 * time.Second

const DefaultHandshakeTimeout = 10 * time.Second

var ErrConnectionClosed = errors.New("connection closed")

var log = logrus.WithField("component", "websocket")

// Frame is one text message plus the local time it was read off the wire.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Dialer opens one physical connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a single physical connection. It is not safe for concurrent Send calls;
// it is meant to be owned by exactly one control loop.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context, timeout time.Duration) (Frame, error)
	Close() error
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer        *websocket.Dialer
	RequestHeader http.Header

	WriteTimeout    time.Duration
	FrameBufferSize int
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		WriteTimeout:    DefaultWriteTimeout,
		FrameBufferSize: DefaultFrameBufferSize,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.RequestHeader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCanceled, "dial", ctx.Err())
		}

		if resp != nil {
			return nil, newError(KindConnection, "dial", errors.Wrapf(err, "handshake status %s", resp.Status))
		}

		return nil, newError(KindConnection, "dial", err)
	}

	return newWebsocketConn(conn, d.WriteTimeout, d.FrameBufferSize), nil
}

// WebsocketConn wraps one gorilla connection.
//
// gorilla read errors are permanent, so the read deadline is never used to implement
// receive timeouts. A reader goroutine owns ReadMessage and hands frames over a channel.
type WebsocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	frames  chan Frame
	readErr error
	done    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newWebsocketConn(conn *websocket.Conn, writeTimeout time.Duration, bufferSize int) *WebsocketConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	if bufferSize <= 0 {
		bufferSize = DefaultFrameBufferSize
	}

	c := &WebsocketConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		frames:       make(chan Frame, bufferSize),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}

	go c.readLoop()
	return c
}

func (c *WebsocketConn) readLoop() {
	defer close(c.done)

	for {
		mt, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			// only read by Receive after done is closed
			c.readErr = err
			return
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		select {
		case c.frames <- Frame{Data: data, ReceivedAt: receivedAt}:
		case <-c.closed:
			c.readErr = ErrConnectionClosed
			return
		}
	}
}

func (c *WebsocketConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return newError(KindSend, "send", ErrConnectionClosed)
	case <-c.done:
		return newError(KindSend, "send", ErrConnectionClosed)
	default:
	}

	if err := ctx.Err(); err != nil {
		return newError(KindCanceled, "send", err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return newError(KindSend, "send", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return newError(KindSend, "send", err)
	}

	return nil
}

func (c *WebsocketConn) Receive(ctx context.Context, timeout time.Duration) (Frame, error) {
	// frames buffered before a close are still delivered
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	if timeout <= 0 {
		select {
		case <-c.done:
			return Frame{}, c.closedError()
		default:
		}
		return Frame{}, newError(KindTimeout, "receive", nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil

	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return Frame{}, c.closedError()

	case <-c.closed:
		return Frame{}, newError(KindClosed, "receive", ErrConnectionClosed)

	case <-timer.C:
		return Frame{}, newError(KindTimeout, "receive", nil)

	case <-ctx.Done():
		return Frame{}, newError(KindCanceled, "receive", ctx.Err())
	}
}

func (c *WebsocketConn) closedError() error {
	err := c.readErr
	if err == nil {
		err = ErrConnectionClosed
	}

	return newError(KindClosed, "receive", err)
}

// Close is idempotent. It sends a close frame best-effort and releases the socket.
func (c *WebsocketConn) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.closed)

		if werr := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); werr != nil {
			log.WithError(werr).Debug("unable to write close message")
		}

		err = c.conn.Close()
	})

	return err
}
