// Package netclient wraps venue HTTP access with a sliding-window rate limit,
// a concurrency cap and a retry policy.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"arb-scanner/internal/metrics"
)

const maxErrorBody = 512

// Options parameterise the client.
type Options struct {
	Name          string
	RatePerMinute int
	MaxConcurrent int
	MaxAttempts   int
	BackoffBase   time.Duration
	RetryDelay    time.Duration
	Timeout       time.Duration
	PollInterval  time.Duration
	UserAgent     string

	HTTPClient *http.Client
	// Window, when set, is shared with earlier clients for the same venue so
	// call history survives a rebuild. Otherwise a fresh one is created.
	Window *Window
	Now    func() time.Time
	Sleep  SleepFunc
}

// Request describes one venue call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client is shared by every integration talking to one venue.
type Client struct {
	opts   Options
	http   *http.Client
	window *Window
	perms  *semaphore.Weighted
	sleep  SleepFunc
	closed atomic.Bool
	logger zerolog.Logger
}

// New constructs a client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	window := opts.Window
	if window == nil {
		window = NewWindow(WindowOptions{
			Limit: opts.RatePerMinute,
			Span:  time.Minute,
			Poll:  opts.PollInterval,
			Now:   opts.Now,
			Sleep: opts.Sleep,
		})
	}

	return &Client{
		opts:   opts,
		http:   httpClient,
		window: window,
		perms:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		sleep:  opts.Sleep,
		logger: logger.With().Str("component", "netclient").Str("venue", opts.Name).Logger(),
	}
}

// Shutdown makes every subsequent call fail with ErrShutdown. Calls already in flight finish normally.
func (c *Client) Shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		c.logger.Info().Msg("client shut down")
	}
}

// Closed reports whether Shutdown was called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// GetJSON issues a GET and decodes the body into dst. A body that does not decode is an invalid response.
func (c *Client) GetJSON(ctx context.Context, url string, dst any) error {
	body, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		metrics.RecordRequest(c.opts.Name, KindInvalidResponse.String())
		return &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("decode %s: %w", url, err)}
	}
	return nil
}

// Do performs req with rate limiting, bounded concurrency and retries.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	policy := newRetryPolicy(c.opts.BackoffBase, c.opts.RetryDelay)

	var body []byte
	operation := func() error {
		if c.closed.Load() {
			return backoff.Permanent(ErrShutdown)
		}
		if err := c.window.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		payload, err := c.attempt(ctx, req)
		if err == nil {
			metrics.RecordRequest(c.opts.Name, "ok")
			body = payload
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}

		var reqErr *Error
		if !errors.As(err, &reqErr) {
			return backoff.Permanent(err)
		}
		metrics.RecordRequest(c.opts.Name, reqErr.Kind.String())
		if !reqErr.Retryable() {
			return backoff.Permanent(err)
		}
		policy.last = reqErr.Kind
		return err
	}

	notify := func(err error, delay time.Duration) {
		c.logger.Debug().Err(err).Dur("delay", delay).Str("url", req.URL).Msg("retrying request")
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(operation, schedule, notify, &sleepTimer{ctx: ctx, sleep: c.sleep}); err != nil {
		return nil, err
	}
	return body, nil
}

// Transport exposes the client as an http.RoundTripper for SDKs that bring
// their own HTTP stack. Requests pass through the window, the permit pool and
// the retry policy; any non-2xx outcome surfaces as a transport error.
func (c *Client) Transport() http.RoundTripper {
	return roundTripper{client: c}
}

type roundTripper struct {
	client *Client
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		payload, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = payload
	}

	payload, err := rt.client.Do(req.Context(), Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Request:       req,
	}, nil
}

func (c *Client) attempt(ctx context.Context, req Request) ([]byte, error) {
	if err := c.perms.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.perms.Release(1)
	metrics.RequestStarted()
	defer metrics.RequestFinished()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: err}
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Status: resp.StatusCode, Err: statusError(payload)}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: statusError(payload)}
	default:
		return nil, &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: statusError(payload)}
	}
}

func statusError(payload []byte) error {
	text := strings.TrimSpace(string(payload))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		return errors.New("empty response body")
	}
	return errors.New(text)
}
