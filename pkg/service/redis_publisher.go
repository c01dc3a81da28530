package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/exchange/okex/okexapi"
)

var redisLogger = log.WithFields(log.Fields{
	"publisher": "redis",
})

var ErrFrameNotExists = errors.New("frame does not exist")

const publishTimeout = 3 * time.Second

type RedisConfig struct {
	Host      string `yaml:"host" json:"host" env:"REDIS_HOST"`
	Port      string `yaml:"port" json:"port" env:"REDIS_PORT"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"REDIS_DB"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty" env:"REDIS_NAMESPACE"`
}

// PublishedFrame is the payload published for every received frame
type PublishedFrame struct {
	Session    string          `json:"session"`
	ReceivedAt string          `json:"receivedAt"`
	Frame      json.RawMessage `json:"frame"`
}

func NewPublishedFrame(session string, receivedAt time.Time, raw []byte) PublishedFrame {
	return PublishedFrame{
		Session:    session,
		ReceivedAt: okexapi.FormatISOTimestamp(receivedAt),
		Frame:      json.RawMessage(raw),
	}
}

// RedisFramePublisher fans the frames of a session out to a redis pub/sub channel
// and keeps the last frame of every session under a key.
type RedisFramePublisher struct {
	redis     *redis.Client
	namespace string
}

func NewRedisFramePublisher(config *RedisConfig) *RedisFramePublisher {
	client := redis.NewClient(&redis.Options{
		Addr: net.JoinHostPort(config.Host, config.Port),
		// pragma: allowlist nextline secret
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisFramePublisher{
		redis:     client,
		namespace: config.Namespace,
	}
}

func (p *RedisFramePublisher) key(kind string, ids ...string) string {
	id := kind
	if len(ids) > 0 {
		id += ":" + strings.Join(ids, ":")
	}

	if p.namespace != "" {
		id = p.namespace + ":" + id
	}

	return id
}

// Channel is the pub/sub channel of the session frames
func (p *RedisFramePublisher) Channel(session string) string {
	return p.key("frames", session)
}

func (p *RedisFramePublisher) lastKey(session string) string {
	return p.key("last", session)
}

func (p *RedisFramePublisher) Ping(ctx context.Context) error {
	return p.redis.Ping(ctx).Err()
}

func (p *RedisFramePublisher) Publish(ctx context.Context, session string, receivedAt time.Time, raw []byte) error {
	data, err := json.Marshal(NewPublishedFrame(session, receivedAt, raw))
	if err != nil {
		return err
	}

	pipe := p.redis.TxPipeline()
	pipe.Publish(ctx, p.Channel(session), data)
	pipe.Set(ctx, p.lastKey(session), data, 0)
	_, err = pipe.Exec(ctx)

	redisLogger.Debugf("[redis] publish %q, data = %s", p.Channel(session), data)
	return err
}

// Last loads the last published frame of the session
func (p *RedisFramePublisher) Last(ctx context.Context, session string) (*PublishedFrame, error) {
	data, err := p.redis.Get(ctx, p.lastKey(session)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrFrameNotExists
		}

		return nil, err
	}

	// skip null data
	if len(data) == 0 || data == "null" {
		return nil, ErrFrameNotExists
	}

	var frame PublishedFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return nil, err
	}

	return &frame, nil
}

func (p *RedisFramePublisher) Reset(ctx context.Context, session string) error {
	_, err := p.redis.Del(ctx, p.lastKey(session)).Result()
	return err
}

// FrameHandler publishes from the session control loop, each publish is bounded by a short timeout.
func (p *RedisFramePublisher) FrameHandler(session string) okex.FrameHandler {
	return func(receivedAt time.Time, raw []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := p.Publish(ctx, session, receivedAt, raw); err != nil {
			redisLogger.WithError(err).Errorf("unable to publish the frame of session %s", session)
		}
	}
}

func (p *RedisFramePublisher) Close() error {
	return p.redis.Close()
}
