// Package relay talks to the session relay: the HTTP session API and the
// websocket that carries terminal, filesystem and signaling envelopes.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var ErrSessionInvalid = errors.New("session invalid")

// MinCodeLength is the shortest session code the relay ever allocates.
const MinCodeLength = 10

// SessionError reports a session code the relay does not accept. It is never
// retried.
type SessionError struct {
	Code       string
	StatusCode int
}

func (e *SessionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("invalid session code %q", e.Code)
	}
	return fmt.Sprintf("session %q rejected by relay (http %d)", e.Code, e.StatusCode)
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSessionInvalid
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Logger interface {
	Printf(format string, args ...any)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient returns a client for the relay at baseURL. The client keeps a
// cookie jar so that the session cookie set by the relay reaches the
// websocket handshake.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		clone := *httpClient
		clone.Jar = jar
		httpClient = &clone
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// CheckSession confirms that code names a live session. A rejected code
// yields an error matching ErrSessionInvalid.
func (c *HTTPClient) CheckSession(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if len(code) < MinCodeLength {
		return &SessionError{Code: code}
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/session/"+url.PathEscape(code), nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode <= 499 {
		return &SessionError{Code: code, StatusCode: httpErr.StatusCode}
	}
	return err
}

func (c *HTTPClient) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionID"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/api/session", nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", errors.New("relay returned an empty session id")
	}
	return out.SessionID, nil
}

// WebsocketURL maps the relay base URL onto the session's websocket endpoint.
func (c *HTTPClient) WebsocketURL(code string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/session/" + url.PathEscape(code) + "/ws"
}

// doJSON performs one API call. Transport errors, 429 and 5xx responses are
// retried up to maxRetries times; any other non-2xx status is returned at once
// as an *HTTPError.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = encoded
	}

	policy := c.newRetryPolicy()
	call := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s response: %w", requestPath, err))
			}
			return nil
		case retryableStatus(resp.StatusCode):
			policy.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
			return newHTTPError(resp.StatusCode, data)
		default:
			return backoff.Permanent(newHTTPError(resp.StatusCode, data))
		}
	}
	limited := backoff.WithMaxRetries(policy, uint64(c.maxRetries))
	return backoff.Retry(call, backoff.WithContext(limited, ctx))
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func newHTTPError(status int, data []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &body)
	if body.Message == "" {
		body.Message = strings.TrimSpace(string(data))
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: body.Message}
}

func correlationID() string {
	return "sv_" + uuid.NewString()
}

// retryPolicy doubles from baseDelay up to maxDelay without jitter. A
// Retry-After hint from the previous response replaces the next delay once.
type retryPolicy struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	hint time.Duration
}

func (c *HTTPClient) newRetryPolicy() *retryPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &retryPolicy{exp: exp, max: c.maxDelay}
}

func (p *retryPolicy) NextBackOff() time.Duration {
	next := p.exp.NextBackOff()
	if p.hint > 0 {
		next = min(p.hint, p.max)
		p.hint = 0
	}
	return next
}

func (p *retryPolicy) Reset() {
	p.hint = 0
	p.exp.Reset()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
