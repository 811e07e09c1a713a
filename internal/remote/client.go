// Package remote replays queued actions against the veterinary REST API and
// classifies every outcome as success, permanent rejection or network failure.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/herdsync/herdsync/internal/version"
	"github.com/imroc/req/v3"
)

const (
	HeaderDeviceID       = "X-Herdsync-Device-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderClientVersion  = "X-Herdsync-Version"

	DefaultHealthPath = "/api/health"

	// hard ceiling; per-attempt deadlines come from the caller's context
	clientTimeout = 60 * time.Second
)

// Request is one call against the remote API.
type Request struct {
	Method         string
	Endpoint       string
	Payload        json.RawMessage
	AuthToken      string
	IdempotencyKey string
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

type Config struct {
	BaseURL    string
	HealthPath string
	DeviceID   string
}

// Client talks to the remote API. It never retries on its own; retry policy
// belongs to the dispatcher.
type Client struct {
	client     *req.Client
	baseURL    string
	healthPath string
}

func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = DeviceID()
	}

	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderClientVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, deviceID).
		SetCommonRetryCount(0).
		SetTimeout(clientTimeout).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &Client{
		client:     client,
		baseURL:    cfg.BaseURL,
		healthPath: healthPath,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends the request. A non-nil error is always either
// *PermanentRejectionError or *NetworkFailureError.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	if r == nil || !strings.HasPrefix(r.Endpoint, "/") {
		return nil, &PermanentRejectionError{StatusCode: 0, Message: ErrInvalidEndpoint.Error()}
	}

	rq := c.client.R().SetContext(ctx)
	if r.AuthToken != "" {
		rq.SetBearerAuthToken(r.AuthToken)
	}
	if r.IdempotencyKey != "" {
		rq.SetHeader(HeaderIdempotencyKey, r.IdempotencyKey)
	}
	if len(r.Payload) > 0 {
		rq.SetBodyJsonBytes(r.Payload)
	}

	resp, err := rq.Send(r.Method, r.Endpoint)
	if err != nil {
		return nil, transportErr(err)
	}

	status := resp.GetStatusCode()
	body := resp.Bytes()
	if status >= 200 && status < 300 {
		return &Response{StatusCode: status, Body: json.RawMessage(body)}, nil
	}

	classified := classifyStatus(status, errorMessage(body))
	slog.Debug("remote response", "method", r.Method, "endpoint", r.Endpoint, "status", status, "permanent", IsPermanent(classified))
	return nil, classified
}

// Ping reports whether the API host answers at all. Any HTTP response counts
// as reachable; only transport failures return an error.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return transportErr(err)
	}
	return nil
}

func transportErr(err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return &NetworkFailureError{Timeout: timeout, Cause: err}
}

// errorMessage pulls a human readable reason out of a JSON error body.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := jsonUnmarshal(body, &apiErr); err == nil {
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// DescribeStatus renders a status code for logs and UI messages.
func DescribeStatus(code int) string {
	if code == 0 {
		return "no response"
	}
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
