package okexapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// verifyPath is the pseudo request path signed by a websocket login
const verifyPath = "/users/self/verify"

// isoTimestampLayout outputs "2020-12-08T09:08:57.715Z"
const isoTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// LoginTimestamp is generated once per login attempt.
type LoginTimestamp struct {
	// Epoch is the coarse unix time in seconds used for signing
	Epoch int64

	// ISO is the millisecond precision representation, for logging only
	ISO string
}

func NewLoginTimestamp(now time.Time) LoginTimestamp {
	return LoginTimestamp{
		Epoch: now.Unix(),
		ISO:   FormatISOTimestamp(now),
	}
}

// Text is the timestamp string that goes on the wire and into the signature payload.
func (t LoginTimestamp) Text() string {
	return strconv.FormatInt(t.Epoch, 10)
}

// After returns a copy whose epoch is strictly greater than prev.
func (t LoginTimestamp) After(prev LoginTimestamp) LoginTimestamp {
	if t.Epoch > prev.Epoch {
		return t
	}

	return LoginTimestamp{
		Epoch: prev.Epoch + 1,
		ISO:   FormatISOTimestamp(time.Unix(prev.Epoch+1, 0)),
	}
}

func FormatISOTimestamp(t time.Time) string {
	return t.In(time.UTC).Format(isoTimestampLayout)
}

// Sign returns base64(HMAC-SHA256(secret, payload)).
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// LoginPayload builds the string signed by the websocket login: timestamp + GET + /users/self/verify
func LoginPayload(ts LoginTimestamp) string {
	return ts.Text() + "GET" + verifyPath
}

// SignLogin signs a websocket login for the given timestamp.
func SignLogin(ts LoginTimestamp, secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.Wrap(ErrInvalidCredential, "empty api secret")
	}

	return Sign(LoginPayload(ts), secret), nil
}
