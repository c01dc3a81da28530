package slacknotifier

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/slack/slackstyle"
)

// MessagePoster is the part of *slack.Client the notifier uses
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// AttachmentCreator converts an object to a slack attachment
type AttachmentCreator interface {
	SlackAttachment() slack.Attachment
}

const defaultQueueSize = 100

type notifyTask struct {
	Channel string
	Opts    []slack.MsgOption
}

type Notifier struct {
	client  MessagePoster
	channel string

	taskC     chan notifyTask
	queueSize int
	limiter   *rate.Limiter
}

type NotifyOption func(notifier *Notifier)

func WithLimiter(limiter *rate.Limiter) NotifyOption {
	return func(notifier *Notifier) {
		notifier.limiter = limiter
	}
}

// WithQueueSize sets how many messages wait for the worker, the rest are dropped
func WithQueueSize(size int) NotifyOption {
	return func(notifier *Notifier) {
		notifier.queueSize = size
	}
}

func New(client MessagePoster, channel string, options ...NotifyOption) *Notifier {
	notifier := &Notifier{
		channel:   channel,
		client:    client,
		queueSize: defaultQueueSize,
		limiter:   rate.NewLimiter(rate.Every(1*time.Second), 3),
	}

	for _, o := range options {
		o(notifier)
	}

	notifier.taskC = make(chan notifyTask, notifier.queueSize)

	go notifier.worker()

	return notifier
}

func (n *Notifier) worker() {
	ctx := context.Background()
	for task := range n.taskC {
		// ignore the wait error
		_ = n.limiter.Wait(ctx)

		_, _, err := n.client.PostMessageContext(ctx, task.Channel, task.Opts...)
		if err != nil {
			log.WithError(err).
				WithField("channel", task.Channel).
				Errorf("slack api error: %s", err.Error())
		}
	}
}

func (n *Notifier) Notify(obj interface{}, args ...interface{}) {
	n.NotifyTo(n.channel, obj, args...)
}

// NotifyTo never blocks, session callbacks call it from the control loop.
func (n *Notifier) NotifyTo(channel string, obj interface{}, args ...interface{}) {
	if len(channel) == 0 {
		channel = n.channel
	}

	var opts []slack.MsgOption

	switch a := obj.(type) {
	case string:
		opts = append(opts, slack.MsgOptionText(fmt.Sprintf(a, args...), true))

	case slack.Attachment:
		opts = append(opts, slack.MsgOptionAttachments(a))

	case AttachmentCreator:
		opts = append(opts, slack.MsgOptionAttachments(a.SlackAttachment()))

	default:
		log.Errorf("slack message conversion error, unsupported object: %T %+v", a, a)
		return
	}

	select {
	case n.taskC <- notifyTask{
		Channel: channel,
		Opts:    opts,
	}:
	default:
		log.Warnf("slack notification queue is full, dropping the message to %s", channel)
	}
}

// SessionAlert is posted when a session needs an operator
type SessionAlert struct {
	Session string
	Mode    okex.Mode
	Title   string
	Text    string
	Code    string
	Color   string
}

func (a SessionAlert) SlackAttachment() slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Session", Value: a.Session, Short: true},
		{Title: "Mode", Value: a.Mode.String(), Short: true},
	}

	if len(a.Code) > 0 {
		fields = append(fields, slack.AttachmentField{Title: "Code", Value: a.Code, Short: true})
	}

	title := a.Title
	if len(a.Color) > 0 {
		title = slackstyle.StatusIcon(a.Color == slackstyle.Green) + " " + title
	}

	return slack.Attachment{
		Color:  a.Color,
		Title:  title,
		Text:   a.Text,
		Fields: fields,
	}
}

// BindSession alerts on credential-class login rejections and on a session that gave up.
// Timestamp rejections recover by themselves and are only logged by the session.
func (n *Notifier) BindSession(session *okex.Session) {
	session.OnAuthRejected(func(rej *okex.AuthRejectedError) {
		if rej.Transient {
			return
		}

		n.Notify(SessionAlert{
			Session: session.Name(),
			Mode:    session.Mode(),
			Title:   "Login rejected",
			Text:    fmt.Sprintf("%s, the session keeps retrying. Check the api credentials.", rej.Message),
			Code:    rej.Code,
			Color:   slackstyle.Orange,
		})
	})

	session.OnStateChange(func(from, to okex.SessionState) {
		if to != okex.SessionStateFaulted {
			return
		}

		n.Notify(SessionAlert{
			Session: session.Name(),
			Mode:    session.Mode(),
			Title:   "Session stopped",
			Text:    "too many consecutive login rejections, the session will not reconnect",
			Color:   slackstyle.Red,
		})
	})
}
