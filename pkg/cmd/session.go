package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/c9s/okexstream/pkg/config"
	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/exchange/okex/okexapi"
	"github.com/c9s/okexstream/pkg/notifier/slacknotifier"
	"github.com/c9s/okexstream/pkg/service"
	"github.com/c9s/okexstream/pkg/util/backoff"
)

// sessionBuilder wires the shared infrastructure into every configured session
type sessionBuilder struct {
	conf      *config.Config
	publisher *service.RedisFramePublisher
	notifier  *slacknotifier.Notifier
	rest      *okexapi.RestClient
}

func newSessionBuilder(conf *config.Config) *sessionBuilder {
	b := &sessionBuilder{
		conf:     conf,
		notifier: newSlackNotifier(conf),
		rest:     okexapi.NewClient(),
	}

	if conf.Redis != nil {
		b.publisher = service.NewRedisFramePublisher(conf.Redis)
	}

	return b
}

func (b *sessionBuilder) Close() error {
	if b.publisher != nil {
		return b.publisher.Close()
	}
	return nil
}

// Build creates the session of sc. A nil registry means the registry of the config.
// handler, when given, runs after the redis publisher of a publishing session.
func (b *sessionBuilder) Build(sc config.Session, registry *okex.ChannelRegistry, handler okex.FrameHandler) (*okex.Session, error) {
	mode, err := sc.ParsedMode()
	if err != nil {
		return nil, err
	}

	creds, err := sc.Credentials()
	if err != nil {
		return nil, err
	}

	if registry == nil {
		registry, err = sc.Registry()
		if err != nil {
			return nil, err
		}
	}

	options := []okex.SessionOption{
		okex.WithMode(mode),
		okex.WithBackOff(backoff.NewReconnectBackOff(b.conf.Reconnect)),
		okex.WithAuthRejectPolicy(b.conf.AuthRejection),
		okex.WithServerTimeSource(b.rest),
	}

	if len(sc.URL) > 0 {
		options = append(options, okex.WithURL(sc.URL))
	}

	if sc.ReceiveTimeout > 0 {
		options = append(options, okex.WithReceiveTimeout(sc.ReceiveTimeout))
	}

	if sc.LoginTimeout > 0 {
		options = append(options, okex.WithLoginTimeout(sc.LoginTimeout))
	}

	var publish okex.FrameHandler
	if sc.Publish && b.publisher != nil {
		publish = b.publisher.FrameHandler(sc.Name)
	}

	if publish != nil || handler != nil {
		options = append(options, okex.WithFrameHandler(chainFrameHandlers(publish, handler)))
	}

	session, err := okex.NewSession(sc.Name, creds, registry, options...)
	if err != nil {
		return nil, err
	}

	if b.notifier != nil {
		b.notifier.BindSession(session)
	}

	return session, nil
}

// printFrame writes the frame prefixed by its ISO receipt timestamp
func printFrame(receivedAt time.Time, raw []byte) {
	fmt.Fprintf(os.Stdout, "%s %s\n", okexapi.FormatISOTimestamp(receivedAt), raw)
}

// chainFrameHandlers calls every non-nil handler in order
func chainFrameHandlers(handlers ...okex.FrameHandler) okex.FrameHandler {
	return func(receivedAt time.Time, raw []byte) {
		for _, h := range handlers {
			if h != nil {
				h(receivedAt, raw)
			}
		}
	}
}
