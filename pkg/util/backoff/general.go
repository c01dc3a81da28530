package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var MaxRetries uint64 = 5

// MinReconnectInterval is the floor applied to every reconnect delay
const MinReconnectInterval = 500 * time.Millisecond

// RetryGeneral retries op with the default exponential policy, bounded by MaxRetries and ctx.
func RetryGeneral(ctx context.Context, op backoff.Operation) (err error) {
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(),
			MaxRetries),
		ctx))
	return err
}

type Config struct {
	InitialInterval     time.Duration `json:"initialInterval" yaml:"initialInterval"`
	MaxInterval         time.Duration `json:"maxInterval" yaml:"maxInterval"`
	Multiplier          float64       `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `json:"randomizationFactor" yaml:"randomizationFactor"`
}

func DefaultConfig() Config {
	return Config{
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// ApplyDefaults fills the unset fields with DefaultConfig values.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaults.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaults.MaxInterval
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = defaults.RandomizationFactor
	}
}

// ReconnectBackOff is an unbounded capped exponential backoff.
// It never returns backoff.Stop and never returns less than MinReconnectInterval.
type ReconnectBackOff struct {
	exp *backoff.ExponentialBackOff
	min time.Duration
}

func NewReconnectBackOff(cfg Config) *ReconnectBackOff {
	cfg.ApplyDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.RandomizationFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &ReconnectBackOff{exp: exp, min: MinReconnectInterval}
}

func (b *ReconnectBackOff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d < b.min {
		return b.min
	}

	return d
}

func (b *ReconnectBackOff) Reset() {
	b.exp.Reset()
}

// FixedBackOff waits the same interval between every attempt.
type FixedBackOff struct {
	Interval time.Duration
}

func (b *FixedBackOff) NextBackOff() time.Duration {
	if b.Interval < MinReconnectInterval {
		return MinReconnectInterval
	}

	return b.Interval
}

func (b *FixedBackOff) Reset() {}

var _ backoff.BackOff = &ReconnectBackOff{}
var _ backoff.BackOff = &FixedBackOff{}
