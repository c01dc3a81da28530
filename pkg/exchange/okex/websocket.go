package okex

import (
	"encoding/json"
)

type WsOpType string

const (
	WsOpTypeLogin WsOpType = "login"
	// subscribe and unsubscribe could be public or private, ex. private for channel: orders
	WsOpTypeSubscribe         WsOpType = "subscribe"
	WsOpTypeUnsubscribe       WsOpType = "unsubscribe"
	WsOpTypeOrder             WsOpType = "order"
	WsOpTypeBatchOrders       WsOpType = "batch-orders"
	WsOpTypeCancelOrder       WsOpType = "cancel-order"
	WsOpTypeBatchCancelOrders WsOpType = "batch-cancel-orders"
	WsOpTypeAmendOrder        WsOpType = "amend-order"
	WsOpTypeBatchAmendOrders  WsOpType = "batch-amend-orders"
	WsOpTypeMassCancel        WsOpType = "mass-cancel"
	// below type exist only in response
	WsOpTypeError WsOpType = "error"
)

// IsTradeOp reports whether the op places, cancels or amends orders.
func (t WsOpType) IsTradeOp() bool {
	switch t {
	case WsOpTypeOrder, WsOpTypeBatchOrders, WsOpTypeCancelOrder, WsOpTypeBatchCancelOrders,
		WsOpTypeAmendOrder, WsOpTypeBatchAmendOrders, WsOpTypeMassCancel:
		return true
	}

	return false
}

// ping/pong are literal text frames, not json envelopes
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// WebsocketOp is the request envelope, serialized to one text frame.
type WebsocketOp struct {
	// id only applicable to private op, ex, order, batch-orders
	Id   string      `json:"id,omitempty"`
	Op   WsOpType    `json:"op"`
	Args interface{} `json:"args"`
}

// login args
type WebsocketLogin struct {
	Key        string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func newLoginOp(login WebsocketLogin) WebsocketOp {
	return WebsocketOp{
		Op:   WsOpTypeLogin,
		Args: []WebsocketLogin{login},
	}
}

func newSubscriptionOp(op WsOpType, specs []ChannelSpec) WebsocketOp {
	if specs == nil {
		specs = []ChannelSpec{}
	}

	return WebsocketOp{
		Op:   op,
		Args: specs,
	}
}

func encodeOp(op WebsocketOp) ([]byte, error) {
	return json.Marshal(op)
}
