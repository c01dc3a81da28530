package okexapi

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type ServerTime struct {
	Timestamp string `json:"ts"`
}

func (t ServerTime) Time() (time.Time, error) {
	ms, err := strconv.ParseInt(t.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid server timestamp %q", t.Timestamp)
	}

	return time.UnixMilli(ms), nil
}

// QueryServerTime queries GET /api/v5/public/time
func (c *RestClient) QueryServerTime(ctx context.Context) (time.Time, error) {
	req, err := c.NewRequest(ctx, "GET", "/api/v5/public/time", nil, nil)
	if err != nil {
		return time.Time{}, err
	}

	response, err := c.SendRequest(req)
	if err != nil {
		return time.Time{}, err
	}

	var data []ServerTime
	if err := json.Unmarshal(response.Data, &data); err != nil {
		return time.Time{}, err
	}

	if len(data) == 0 {
		return time.Time{}, errors.New("empty server time data")
	}

	return data[0].Time()
}
