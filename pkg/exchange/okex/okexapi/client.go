package okexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const defaultHTTPTimeout = time.Second * 15
const RestBaseURL = "https://www.okx.com/"
const PublicWebSocketURL = "wss://ws.okx.com:8443/ws/v5/public"
const PrivateWebSocketURL = "wss://ws.okx.com:8443/ws/v5/private"

// RestClient only covers the public endpoints the websocket session depends on.
type RestClient struct {
	BaseURL *url.URL

	client *http.Client
}

func NewClient() *RestClient {
	u, err := url.Parse(RestBaseURL)
	if err != nil {
		panic(err)
	}

	return &RestClient{
		BaseURL: u,
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
}

// NewClientWithBaseURL is used by tests and by deployments behind a proxy.
func NewClientWithBaseURL(baseURL string) (*RestClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base url %q", baseURL)
	}

	c := NewClient()
	c.BaseURL = u
	return c, nil
}

type APIResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// NewRequest create new API request. Relative url can be provided in refURL.
func (c *RestClient) NewRequest(ctx context.Context, method, refURL string, params url.Values, body []byte) (*http.Request, error) {
	rel, err := url.Parse(refURL)
	if err != nil {
		return nil, err
	}

	if params != nil {
		rel.RawQuery = params.Encode()
	}

	pathURL := c.BaseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, pathURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Accept", "application/json")
	return req, nil
}

// SendRequest sends the request to the API server and decodes the standard response envelope
func (c *RestClient) SendRequest(req *http.Request) (*APIResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("okex api error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var apiResponse APIResponse
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, errors.Wrapf(err, "unable to decode response: %s", string(body))
	}

	if apiResponse.Code != "0" {
		return &apiResponse, errors.Errorf("okex api error: code %s, msg: %s", apiResponse.Code, apiResponse.Message)
	}

	return &apiResponse, nil
}
