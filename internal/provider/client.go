package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"demosplus/internal/metrics"
)

var (
	ErrProvider        = errors.New("payment provider error")
	ErrNotVisible      = errors.New("payment not visible with this credential")
	ErrInvalidResponse = errors.New("invalid payment provider response")
	// ErrTokenRejected marks a 401/403 outside payment lookups: the stored
	// access token was revoked or lacks permissions.
	ErrTokenRejected = errors.New("access token rejected")
)

const maxBodyLog = 4096

// Error carries what the provider answered, for diagnostics.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: payment provider", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" returned %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ", body: " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports provider failures. A payment hidden from the credential is not one.
func (e *Error) Is(target error) bool {
	return target == ErrProvider && !errors.Is(e.Err, ErrNotVisible)
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetries counts retries after the first attempt. Zero disables them.
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	http       *http.Client
	log        *slog.Logger
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		http:       opts.HTTPClient,
		log:        opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 200 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// CreatePreference opens a checkout session on the account owning token.
func (c *Client) CreatePreference(ctx context.Context, token string, req PreferenceRequest) (*Preference, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preference: %w", err)
	}

	// the reference makes a retried POST resolve to the checkout already created
	var resp preferenceResponse
	if err := c.do(ctx, call{
		op:             "create_preference",
		method:         http.MethodPost,
		path:           "/checkout/preferences",
		token:          token,
		body:           body,
		idempotencyKey: req.ExternalReference,
	}, &resp); err != nil {
		return nil, err
	}
	pref, err := resp.validate()
	if err != nil {
		return nil, &Error{Op: "create_preference", Err: err}
	}
	return pref, nil
}

// GetPayment fetches the authoritative state of a payment. It fails with
// ErrNotVisible when token belongs to another account.
func (c *Client) GetPayment(ctx context.Context, token, paymentID string) (*Payment, error) {
	var resp paymentResponse
	path := "/v1/payments/" + url.PathEscape(paymentID)
	if err := c.do(ctx, call{op: "get_payment", method: http.MethodGet, path: path, token: token, lookup: true}, &resp); err != nil {
		return nil, err
	}
	payment, err := resp.validate()
	if err != nil {
		return nil, &Error{Op: "get_payment", Err: err}
	}
	return payment, nil
}

// SearchPayments lists the payments made against one external reference.
func (c *Client) SearchPayments(ctx context.Context, token, externalReference string) ([]Payment, error) {
	q := url.Values{}
	q.Set("external_reference", externalReference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var resp searchResponse
	if err := c.do(ctx, call{
		op:     "search_payments",
		method: http.MethodGet,
		path:   "/v1/payments/search?" + q.Encode(),
		token:  token,
		lookup: true,
	}, &resp); err != nil {
		return nil, err
	}

	payments := make([]Payment, 0, len(resp.Results))
	for _, r := range resp.Results {
		p, err := r.validate()
		if err != nil {
			return nil, &Error{Op: "search_payments", Err: err}
		}
		payments = append(payments, *p)
	}
	return payments, nil
}

type call struct {
	op, method, path string
	token            string
	body             []byte
	idempotencyKey   string
	// lookup calls read a payment: 401/403/404 there mean another account owns it.
	lookup bool
}

func (c *Client) do(ctx context.Context, cl call, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrNotVisible):
			result = "not_visible"
		case err != nil:
			result = "error"
		}
		metrics.ProviderRequestDuration.WithLabelValues(cl.op, result).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, lastDelay(lastErr, c.retryDelay<<(i-1))); err != nil {
				return &Error{Op: cl.op, Err: err}
			}
		}

		var retry bool
		retry, lastErr = c.attempt(ctx, cl, out)
		if lastErr == nil || !retry {
			return lastErr
		}
		c.log.Warn("Payment provider call failed, retrying", "op", cl.op, "attempt", i+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, cl call, out any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	op := cl.op

	var reader io.Reader
	if cl.body != nil {
		reader = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return false, &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+cl.token)
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", cl.idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, &Error{Op: op, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return false, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw), Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
		}
		return false, nil

	case cl.lookup && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound):
		return false, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw), Err: ErrNotVisible}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw), Err: ErrTokenRejected}

	case resp.StatusCode == http.StatusTooManyRequests:
		return true, &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(raw),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 500:
		return true, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw)}

	default:
		return false, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw)}
	}
}

func lastDelay(err error, fallback time.Duration) time.Duration {
	var perr *Error
	if errors.As(err, &perr) && perr.retryAfter > 0 {
		return perr.retryAfter
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRetryAfter(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if date, err := time.Parse(time.RFC1123, retryAfter); err == nil {
		return time.Until(date)
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > maxBodyLog {
		return string(b[:maxBodyLog]) + "..."
	}
	return string(b)
}
