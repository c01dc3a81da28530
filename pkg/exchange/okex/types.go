package okex

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Mode int

const (
	// ModeData subscribes a set of channels, ex. positions, orders, account
	ModeData Mode = iota

	// ModeTrade sends one trade command after every login
	ModeTrade
)

const (
	DefaultDataReceiveTimeout  = 5 * time.Second
	DefaultTradeReceiveTimeout = 1 * time.Second
)

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "data"
	case ModeTrade:
		return "trade"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// ReceiveTimeout is the liveness window of the mode.
// Staleness on the order stream is more expensive, so its window is shorter.
func (m Mode) ReceiveTimeout() time.Duration {
	if m == ModeTrade {
		return DefaultTradeReceiveTimeout
	}

	return DefaultDataReceiveTimeout
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "data", "subscribe":
		return ModeData, nil
	case "trade", "order":
		return ModeTrade, nil
	}

	return ModeData, fmt.Errorf("unsupported session mode: %q", s)
}

// ChannelSpec identifies one subscription target, ex. {"channel": "positions", "instType": "SWAP"}
type ChannelSpec map[string]string

func NewChannelSpec(channel string, keyValues ...string) ChannelSpec {
	spec := ChannelSpec{"channel": channel}
	for i := 0; i+1 < len(keyValues); i += 2 {
		spec[keyValues[i]] = keyValues[i+1]
	}

	return spec
}

func (s ChannelSpec) Channel() string {
	return s["channel"]
}

// Key is the canonical identity of the spec, independent of the field order.
func (s ChannelSpec) Key() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s[k])
	}

	return sb.String()
}

func (s ChannelSpec) Clone() ChannelSpec {
	c := make(ChannelSpec, len(s))
	for k, v := range s {
		c[k] = v
	}

	return c
}

func (s ChannelSpec) String() string {
	return "{" + s.Key() + "}"
}

// OrderSpec carries application-defined order fields, ex. instId, tdMode, side, ordType, sz
type OrderSpec map[string]interface{}

func (o OrderSpec) Clone() OrderSpec {
	c := make(OrderSpec, len(o))
	for k, v := range o {
		c[k] = v
	}

	return c
}

const clientOrderIDField = "clOrdId"

// TradeRequest is the single trade command of a ModeTrade session.
type TradeRequest struct {
	Op   WsOpType
	Args []OrderSpec
}

func (r TradeRequest) Clone() TradeRequest {
	c := TradeRequest{Op: r.Op}
	for _, arg := range r.Args {
		c.Args = append(c.Args, arg.Clone())
	}

	return c
}

func (r TradeRequest) Validate() error {
	if len(r.Op) == 0 {
		return fmt.Errorf("trade request: op is required")
	}

	if !r.Op.IsTradeOp() {
		return fmt.Errorf("trade request: %q is not a trade op", r.Op)
	}

	if len(r.Args) == 0 {
		return fmt.Errorf("trade request: at least one order arg is required")
	}

	return nil
}

// withClientOrderIDs stamps a stable client order id on order placements that have none,
// so that a replay after reconnect can be rejected by the venue as a duplicate.
func (r TradeRequest) withClientOrderIDs() TradeRequest {
	if r.Op != WsOpTypeOrder && r.Op != WsOpTypeBatchOrders {
		return r
	}

	c := r.Clone()
	for _, arg := range c.Args {
		if _, ok := arg[clientOrderIDField]; !ok {
			arg[clientOrderIDField] = newRequestID()
		}
	}

	return c
}

// op builds the envelope, the id is fresh for every send
func (r TradeRequest) op() WebsocketOp {
	args := r.Args
	if args == nil {
		args = []OrderSpec{}
	}

	return WebsocketOp{
		Id:   newRequestID(),
		Op:   r.Op,
		Args: args,
	}
}

// newRequestID returns an alphanumeric id, OKX accepts up to 32 characters for both id and clOrdId
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
