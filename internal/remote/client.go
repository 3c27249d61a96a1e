// Package remote is the HTTP client for the clinic's remote media store.
//
// Every call goes through a circuit breaker and retries transport errors,
// 429 and 5xx responses with exponential backoff. Failures surface as
// schema.ErrRemoteFailure (or schema.ErrNotFound for 404) so callers can
// count them per item.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string
	ClinicID string
	// Timeout bounds one HTTP attempt (default 30s)
	Timeout time.Duration
	// RetryMaxElapsed bounds all retries of one call (0 = no retries)
	RetryMaxElapsed time.Duration
	// BreakerFailures is the number of consecutive failures that opens
	// the circuit (default 5)
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open (default 30s)
	BreakerCooldown time.Duration
	// HTTPClient overrides the underlying client (Timeout is then ignored)
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the remote media store on behalf of one clinic.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	token           string
	clinicID        string
	retryMaxElapsed time.Duration
	cb              *gobreaker.CircuitBreaker
	logger          *logging.Logger
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.Code)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type errorBody struct {
	Error string `json:"error"`
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := logging.OrNop(cfg.Logger)
	failures := cfg.BreakerFailures

	c := &Client{
		httpClient:      httpClient,
		baseURL:         base,
		token:           strings.TrimSpace(cfg.Token),
		clinicID:        strings.TrimSpace(cfg.ClinicID),
		retryMaxElapsed: cfg.RetryMaxElapsed,
		logger:          logger,
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTemporary(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// BreakerState returns the circuit breaker's current state.
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// request is one logical API call. body is kept as bytes so that retries
// can resend it.
type request struct {
	op          string
	method      string
	path        string
	contentType string
	body        []byte
	header      http.Header
}

// do runs req through the breaker and the retry loop and decodes a JSON
// response into out (if non-nil).
func (c *Client) do(ctx context.Context, req request, out any) error {
	raw, err := c.doRaw(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewError(schema.ErrRemoteFailure, req.op, "", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// doRaw is do without decoding.
func (c *Client) doRaw(ctx context.Context, req request) ([]byte, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.retry(ctx, req)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, schema.NewError(schema.ErrNotFound, req.op, "", err)
		}
		return nil, schema.NewError(schema.ErrRemoteFailure, req.op, "", err)
	}
	body, _ := result.([]byte)
	return body, nil
}

func (c *Client) retry(ctx context.Context, req request) ([]byte, error) {
	var body []byte

	operation := func() error {
		b, err := c.attempt(ctx, req)
		if err != nil {
			if !isTemporary(err) {
				return backoff.Permanent(err)
			}
			c.logger.Debug("remote call failed, retrying", "op", req.op, "error", err)
			return err
		}
		body = b
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.retryMaxElapsed > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxElapsedTime = c.retryMaxElapsed
		policy = b
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) attempt(ctx context.Context, req request) ([]byte, error) {
	target := req.path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}

	var r io.Reader
	if req.body != nil {
		r = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, r)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		httpReq.Header.Set("Authorization", token)
	}
	if c.clinicID != "" {
		httpReq.Header.Set("X-Clinic-ID", c.clinicID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(eb.Error)}
}

// isTemporary reports whether err is worth retrying: transport errors,
// timeouts, 429 and 5xx.
func isTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func (c *Client) clinicPath(format string, args ...any) string {
	clinic := c.clinicID
	if clinic == "" {
		clinic = "default"
	}
	return "/clinics/" + url.PathEscape(clinic) + fmt.Sprintf(format, args...)
}
