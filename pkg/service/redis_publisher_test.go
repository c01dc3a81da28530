package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublishedFrame(t *testing.T) {
	receivedAt := time.Date(2020, 12, 8, 9, 8, 57, 715000000, time.UTC)
	frame := NewPublishedFrame("positions", receivedAt, []byte(`{"arg":{"channel":"positions"},"data":[]}`))

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"session": "positions",
		"receivedAt": "2020-12-08T09:08:57.715Z",
		"frame": {"arg":{"channel":"positions"},"data":[]}
	}`, string(data))
}

func TestRedisFramePublisher_Keys(t *testing.T) {
	p := NewRedisFramePublisher(&RedisConfig{Host: "127.0.0.1", Port: "6379", Namespace: "okexstream"})
	defer p.Close()

	assert.Equal(t, "okexstream:frames:positions", p.Channel("positions"))
	assert.Equal(t, "okexstream:last:positions", p.lastKey("positions"))

	p = NewRedisFramePublisher(&RedisConfig{Host: "127.0.0.1", Port: "6379"})
	defer p.Close()
	assert.Equal(t, "frames:orders", p.Channel("orders"))
}

func TestRedisFramePublisher(t *testing.T) {
	p := NewRedisFramePublisher(&RedisConfig{
		Host:      "127.0.0.1",
		Port:      "6379",
		DB:        0,
		Namespace: "okexstream-test",
	})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		t.Skipf("redis is not available: %v", err)
	}

	require.NoError(t, p.Reset(ctx, "test"))

	_, err := p.Last(ctx, "test")
	assert.ErrorIs(t, err, ErrFrameNotExists)

	sub := p.redis.Subscribe(ctx, p.Channel("test"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	raw := []byte(`{"arg":{"channel":"account"},"data":[{"totalEq":"91884"}]}`)
	receivedAt := time.Now()
	p.FrameHandler("test")(receivedAt, raw)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var published PublishedFrame
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &published))
	assert.Equal(t, "test", published.Session)
	assert.JSONEq(t, string(raw), string(published.Frame))

	last, err := p.Last(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, published, *last)

	assert.NoError(t, p.Reset(ctx, "test"))
}
