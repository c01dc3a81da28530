package config

import (
	"fmt"
	"os"
	"time"

	"github.com/codingconcepts/env"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/c9s/okexstream/pkg/envvar"
	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/exchange/okex/okexapi"
	"github.com/c9s/okexstream/pkg/service"
	"github.com/c9s/okexstream/pkg/util/backoff"
)

const DefaultEnvVarPrefix = "OKEX"

type TradeConfig struct {
	Op   string                   `json:"op" yaml:"op"`
	Args []map[string]interface{} `json:"args" yaml:"args"`
}

func (c TradeConfig) TradeRequest() okex.TradeRequest {
	req := okex.TradeRequest{Op: okex.WsOpType(c.Op)}
	for _, arg := range c.Args {
		req.Args = append(req.Args, okex.OrderSpec(arg))
	}
	return req
}

// Session is one isolated websocket session. Sessions never share state other than credentials.
type Session struct {
	Name string `json:"name" yaml:"name"`
	Mode string `json:"mode" yaml:"mode"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`

	// EnvVarPrefix selects the credentials, ex. OKEX reads OKEX_API_KEY, OKEX_API_SECRET and OKEX_API_PASSPHRASE
	EnvVarPrefix string `json:"envVarPrefix,omitempty" yaml:"envVarPrefix,omitempty"`

	ReceiveTimeout time.Duration `json:"receiveTimeout,omitempty" yaml:"receiveTimeout,omitempty"`
	LoginTimeout   time.Duration `json:"loginTimeout,omitempty" yaml:"loginTimeout,omitempty"`

	Channels []okex.ChannelSpec `json:"channels,omitempty" yaml:"channels,omitempty"`
	Trade    *TradeConfig       `json:"trade,omitempty" yaml:"trade,omitempty"`

	// Publish fans the received frames out to redis when the redis section is configured
	Publish bool `json:"publish,omitempty" yaml:"publish,omitempty"`
}

func (s Session) ParsedMode() (okex.Mode, error) {
	return okex.ParseMode(s.Mode)
}

func (s Session) envVarPrefix() string {
	if len(s.EnvVarPrefix) > 0 {
		return s.EnvVarPrefix
	}

	return DefaultEnvVarPrefix
}

// Credentials loads the api credentials of the session from the environment.
func (s Session) Credentials() (okexapi.Credentials, error) {
	prefix := s.envVarPrefix()
	keyVar := envvar.Prefixed(prefix, "API_KEY")
	secretVar := envvar.Prefixed(prefix, "API_SECRET")
	passphraseVar := envvar.Prefixed(prefix, "API_PASSPHRASE")

	values, err := envvar.Require(keyVar, secretVar, passphraseVar)
	if err != nil {
		return okexapi.Credentials{}, errors.Wrapf(okexapi.ErrInvalidCredential, "session %s: %v", s.Name, err)
	}

	creds := okexapi.NewCredentials(values[keyVar], values[secretVar], values[passphraseVar])
	return creds, creds.Validate()
}

// Registry builds the channel registry, or the trade registry of a trade session.
func (s Session) Registry() (*okex.ChannelRegistry, error) {
	mode, err := s.ParsedMode()
	if err != nil {
		return nil, err
	}

	if mode == okex.ModeTrade {
		if s.Trade == nil {
			return nil, fmt.Errorf("session %s: trade mode requires the trade section", s.Name)
		}

		return okex.NewTradeRegistry(s.Trade.TradeRequest())
	}

	return okex.NewChannelRegistry(s.Channels...), nil
}

type SlackConfig struct {
	// Token is usually given by the SLACK_TOKEN environment variable instead
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	Channel string `json:"channel" yaml:"channel"`
}

type Config struct {
	Sessions      []Session             `json:"sessions" yaml:"sessions"`
	Reconnect     backoff.Config        `json:"reconnect" yaml:"reconnect"`
	AuthRejection okex.AuthRejectPolicy `json:"authRejection" yaml:"authRejection"`

	Redis *service.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	Slack *SlackConfig         `json:"slack,omitempty" yaml:"slack,omitempty"`
}

func (c *Config) Session(name string) (Session, bool) {
	for _, s := range c.Sessions {
		if s.Name == name {
			return s, true
		}
	}

	return Session{}, false
}

func (c *Config) Validate() error {
	if len(c.Sessions) == 0 {
		return errors.New("at least one session is required")
	}

	names := make(map[string]struct{})
	for i, s := range c.Sessions {
		if len(s.Name) == 0 {
			return fmt.Errorf("session #%d: name is required", i)
		}

		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("session %s: duplicated name", s.Name)
		}
		names[s.Name] = struct{}{}

		if _, err := s.Registry(); err != nil {
			return errors.Wrapf(err, "session %s", s.Name)
		}

		if s.Publish && c.Redis == nil {
			return fmt.Errorf("session %s: publish requires the redis section", s.Name)
		}
	}

	if c.AuthRejection.MaxConsecutive < 0 {
		return errors.New("authRejection.maxConsecutive can not be negative")
	}

	return nil
}

// Load reads the yaml config file, fills the defaults and validates it.
func Load(configFile string) (*Config, error) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}

	return LoadFromBytes(content)
}

// Default is the config of the ad hoc commands when no config file is given, it has no session.
func Default() *Config {
	return &Config{
		Reconnect:     backoff.DefaultConfig(),
		AuthRejection: okex.DefaultAuthRejectPolicy(),
	}
}

func LoadFromBytes(content []byte) (*Config, error) {
	config := Config{
		AuthRejection: okex.DefaultAuthRejectPolicy(),
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return nil, errors.Wrap(err, "yaml parsing error")
	}

	config.Reconnect.ApplyDefaults()

	// REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB and REDIS_NAMESPACE override the redis section
	if config.Redis != nil {
		if err := env.Set(config.Redis); err != nil {
			return nil, errors.Wrap(err, "redis config")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
