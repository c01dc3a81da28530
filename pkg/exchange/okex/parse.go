package okex

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
)

var ErrMalformedFrame = errors.New("malformed frame")

type WsEventType string

const (
	WsEventTypeLogin       WsEventType = "login"
	WsEventTypeSubscribe   WsEventType = "subscribe"
	WsEventTypeUnsubscribe WsEventType = "unsubscribe"
	WsEventTypeError       WsEventType = "error"
	WsEventTypeNotice      WsEventType = "notice"
)

// PongEvent is the reply of the literal "ping" probe
type PongEvent struct{}

// WebSocketEvent is an event frame, ex. {"event":"login","code":"0","msg":"","connId":"a4d3ae55"}
type WebSocketEvent struct {
	Event   WsEventType
	Code    string
	Message string
	ConnID  string
	Arg     ChannelSpec
}

func (e *WebSocketEvent) IsAuthenticated() bool {
	return e.Event == WsEventTypeLogin && (e.Code == "0" || e.Code == "")
}

func (e *WebSocketEvent) IsError() bool {
	return e.Event == WsEventTypeError || (e.Code != "" && e.Code != "0")
}

// WebSocketOpResponse is the response of a trade op, ex. {"id":"1512","op":"order","code":"0","msg":"","data":[...]}
type WebSocketOpResponse struct {
	Id      string
	Op      WsOpType
	Code    string
	Message string
}

func (r *WebSocketOpResponse) IsError() bool {
	return r.Code != "" && r.Code != "0"
}

// WebSocketPushData is a push on a subscribed channel
type WebSocketPushData struct {
	Channel string
	Arg     ChannelSpec
}

func isPong(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte(PongFrame))
}

// Parse classifies one text frame. The returned value is one of PongEvent, *WebSocketEvent,
// *WebSocketOpResponse or *WebSocketPushData. Undecodable payloads wrap ErrMalformedFrame.
func Parse(data []byte) (interface{}, error) {
	if isPong(data) {
		return PongEvent{}, nil
	}

	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "%v: %q", err, truncate(data, 128))
	}

	if v.Type() != fastjson.TypeObject {
		return nil, errors.Wrapf(ErrMalformedFrame, "unexpected json type %s: %q", v.Type(), truncate(data, 128))
	}

	if v.Exists("event") {
		return parseEvent(v), nil
	}

	if v.Exists("op") {
		return parseOpResponse(v), nil
	}

	if v.Exists("data") {
		return parsePushData(v), nil
	}

	return nil, errors.Wrapf(ErrMalformedFrame, "unknown frame: %q", truncate(data, 128))
}

func parseEvent(v *fastjson.Value) *WebSocketEvent {
	return &WebSocketEvent{
		Event:   WsEventType(v.GetStringBytes("event")),
		Code:    string(v.GetStringBytes("code")),
		Message: string(v.GetStringBytes("msg")),
		ConnID:  string(v.GetStringBytes("connId")),
		Arg:     parseArg(v.Get("arg")),
	}
}

func parseOpResponse(v *fastjson.Value) *WebSocketOpResponse {
	return &WebSocketOpResponse{
		Id:      string(v.GetStringBytes("id")),
		Op:      WsOpType(v.GetStringBytes("op")),
		Code:    string(v.GetStringBytes("code")),
		Message: string(v.GetStringBytes("msg")),
	}
}

func parsePushData(v *fastjson.Value) *WebSocketPushData {
	arg := parseArg(v.Get("arg"))
	return &WebSocketPushData{
		Channel: arg.Channel(),
		Arg:     arg,
	}
}

func parseArg(v *fastjson.Value) ChannelSpec {
	if v == nil {
		return nil
	}

	obj, err := v.Object()
	if err != nil {
		return nil
	}

	spec := ChannelSpec{}
	obj.Visit(func(key []byte, val *fastjson.Value) {
		switch val.Type() {
		case fastjson.TypeString:
			spec[string(key)] = string(val.GetStringBytes())
		default:
			spec[string(key)] = val.String()
		}
	})

	return spec
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}

	return fmt.Sprintf("%s...(%d bytes)", data[:n], len(data))
}
