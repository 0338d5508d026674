package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"coursecal/internal/dateutil"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

const (
	DefaultCookieName = "session"
	maxBodyBytes      = 4 << 20
)

// Config describes how to reach the LMS backend. Credentials come from the
// external auth service; the client only attaches them.
type Config struct {
	BaseURL string

	// Timeout of zero leaves the transport default (no client timeout).
	Timeout time.Duration

	// SessionCookie is sent as a cookie named CookieName on every request.
	SessionCookie string
	CookieName    string

	// Token, if set, is sent as "Authorization: Bearer <token>".
	Token string

	// Transport overrides http.DefaultTransport, for tests.
	Transport http.RoundTripper
}

// Client talks to the LMS calendar endpoints.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("api: base url is empty")
	}
	base, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, errors.Wrap(err, "api: invalid base url")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "api: cookie jar")
	}
	if cfg.SessionCookie != "" {
		name := cfg.CookieName
		if name == "" {
			name = DefaultCookieName
		}
		jar.SetCookies(base, []*http.Cookie{{Name: name, Value: cfg.SessionCookie, Path: "/"}})
	}

	hc := &http.Client{
		Timeout: cfg.Timeout,
		Jar:     jar,
	}
	if cfg.Transport != nil {
		hc.Transport = cfg.Transport
	}

	return &Client{base: base, http: hc, token: strings.TrimSpace(cfg.Token)}, nil
}

// ListEvents fetches events whose time range intersects w.
func (c *Client) ListEvents(ctx context.Context, w model.Window) ([]model.Event, error) {
	q := url.Values{}
	if !w.Start.IsZero() {
		q.Set("startDate", dateutil.ISO(w.Start))
	}
	if !w.End.IsZero() {
		q.Set("endDate", dateutil.ISO(w.End))
	}

	var raw []wireEvent
	if err := c.do(ctx, http.MethodGet, "/calendar/events", q, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEvents(raw), nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (model.Event, error) {
	var raw wireEvent
	if err := c.do(ctx, http.MethodGet, eventPath(id), nil, nil, &raw); err != nil {
		return model.Event{}, err
	}
	return raw.toModel()
}

func (c *Client) CreateEvent(ctx context.Context, p EventPayload) (model.Event, error) {
	var raw wireEvent
	if err := c.do(ctx, http.MethodPost, "/calendar/events", nil, p, &raw); err != nil {
		return model.Event{}, err
	}
	return raw.toModel()
}

func (c *Client) UpdateEvent(ctx context.Context, id string, p EventPayload) (model.Event, error) {
	var raw wireEvent
	if err := c.do(ctx, http.MethodPatch, eventPath(id), nil, p, &raw); err != nil {
		return model.Event{}, err
	}
	return raw.toModel()
}

func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, eventPath(id), nil, nil, nil)
}

func (c *Client) ListExceptions(ctx context.Context, id string) ([]model.RecurrenceException, error) {
	var raw []wireException
	if err := c.do(ctx, http.MethodGet, exceptionPath(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeExceptions(id, raw), nil
}

func (c *Client) CreateException(ctx context.Context, id string, occurrence time.Time) error {
	body := exceptionPayload{OccurrenceDate: dateutil.ISO(occurrence)}
	return c.do(ctx, http.MethodPost, exceptionPath(id), nil, body, nil)
}

func (c *Client) DeleteException(ctx context.Context, id string, occurrence time.Time) error {
	body := exceptionPayload{OccurrenceDate: dateutil.ISO(occurrence)}
	return c.do(ctx, http.MethodDelete, exceptionPath(id), nil, body, nil)
}

func eventPath(id string) string {
	return "/calendar/events/" + url.PathEscape(id)
}

func exceptionPath(id string) string {
	return eventPath(id) + "/recurrence-exception"
}

// do sends one JSON request and decodes the `data` member of the response
// envelope into out (if out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	// path segments are already escaped
	u := c.base.JoinPath(path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "api: marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "api: new request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		appLog.Error("api request failed", err, "method", method, "path", path)
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "api: read body")
	}

	appLog.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := newHTTPError(resp.StatusCode, raw)
		appLog.Warn("api non-2xx", "method", method, "path", path, "status", resp.StatusCode, "message", herr.Message)
		return herr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrap(err, "api: decode envelope")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.Errorf("api: %s %s: response has no data", method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, "api: decode data")
	}
	return nil
}

type envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	// Message is human readable: taken from the response body when it has
	// one, generic otherwise.
	Message string
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

func newHTTPError(status int, raw []byte) *HTTPError {
	e := &HTTPError{StatusCode: status, Body: strings.TrimSpace(string(raw))}

	var env envelope
	if json.Unmarshal(raw, &env) == nil {
		switch {
		case strings.TrimSpace(env.Message) != "":
			e.Message = strings.TrimSpace(env.Message)
		case strings.TrimSpace(env.Error) != "":
			e.Message = strings.TrimSpace(env.Error)
		}
	}
	if e.Message == "" {
		if text := http.StatusText(status); text != "" {
			e.Message = "request failed: " + strings.ToLower(text)
		} else {
			e.Message = "request failed"
		}
	}
	return e
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound
}

// AsHTTPError unwraps err to an *HTTPError if there is one.
func AsHTTPError(err error) (*HTTPError, bool) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr, true
	}
	return nil, false
}
