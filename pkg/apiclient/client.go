// Package apiclient is the typed HTTP client for the MADR API. Calls never
// return a Go error: every outcome is reported through an Envelope.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 20 * time.Second
	SignInTimeout  = 10 * time.Second

	msgNetwork    = "Unable to reach the server. Please try again later."
	msgServer     = "An internal server error occurred. Please try again later."
	msgUnexpected = "An unexpected error occurred. Please try again."
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindServer     ErrorKind = "server"
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindUnknown    ErrorKind = "unknown"
)

// Error describes why a call failed.
type Error struct {
	Kind   ErrorKind
	Detail string
	// Fields holds one "Field <name> invalid: <msg>" line per violation.
	Fields []string
	// Body is the raw response body for auth failures.
	Body []byte
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return strings.Join(e.Fields, "; ")
	}
	return e.Detail
}

// Messages returns the lines to show the user.
func (e *Error) Messages() []string {
	if len(e.Fields) > 0 {
		return e.Fields
	}
	return []string{e.Detail}
}

// Envelope is the result of one call. Code is 0 when no response arrived.
type Envelope[T any] struct {
	Data    T
	Success bool
	Code    int
	Err     *Error
}

// Client calls the API with the session's bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	signIn     bool
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a client for baseURL. session may be nil for anonymous use.
func New(baseURL string, session *Session, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		session:    session,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignInClient returns a client with a shorter timeout and no bearer token.
// A 400 from it is reported as an auth failure.
func (c *Client) SignInClient() *Client {
	hc := *c.httpClient
	hc.Timeout = SignInTimeout
	return &Client{baseURL: c.baseURL, httpClient: &hc, signIn: true}
}

// anonymous returns a copy that never sends the bearer token.
func (c *Client) anonymous() *Client {
	return &Client{baseURL: c.baseURL, httpClient: c.httpClient}
}

// Session returns the session the client reads tokens from.
func (c *Client) Session() *Session {
	return c.session
}

// Get sends a GET with query params.
func Get[T any](ctx context.Context, c *Client, path string, params url.Values) Envelope[T] {
	return Do[T](ctx, c, http.MethodGet, path, nil, params)
}

func Post[T any](ctx context.Context, c *Client, path string, body any) Envelope[T] {
	return Do[T](ctx, c, http.MethodPost, path, body, nil)
}

func Put[T any](ctx context.Context, c *Client, path string, body any) Envelope[T] {
	return Do[T](ctx, c, http.MethodPut, path, body, nil)
}

func Patch[T any](ctx context.Context, c *Client, path string, body any) Envelope[T] {
	return Do[T](ctx, c, http.MethodPatch, path, body, nil)
}

// Delete sends a DELETE; body is used by batch deletes.
func Delete[T any](ctx context.Context, c *Client, path string, body any) Envelope[T] {
	return Do[T](ctx, c, http.MethodDelete, path, body, nil)
}

// Do performs one call. A url.Values body is form-encoded, anything else is
// sent as JSON.
func Do[T any](ctx context.Context, c *Client, method, path string, body any, params url.Values) Envelope[T] {
	var env Envelope[T]
	req, err := c.newRequest(ctx, method, path, body, params)
	if err != nil {
		env.Err = &Error{Kind: KindUnknown, Detail: msgUnexpected}
		return env
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		env.Err = &Error{Kind: KindNetwork, Detail: msgNetwork}
		return env
	}
	defer resp.Body.Close()
	env.Code = resp.StatusCode
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		env.Err = &Error{Kind: KindNetwork, Detail: msgNetwork}
		return env
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(raw)) > 0 {
			var data T
			if err := json.Unmarshal(raw, &data); err != nil {
				env.Err = &Error{Kind: KindUnknown, Detail: msgUnexpected}
				return env
			}
			env.Data = data
		}
		env.Success = true
		return env
	}
	env.Err = c.classify(resp.StatusCode, raw)
	return env
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, params url.Values) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var rdr io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		rdr = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.session.Token(); token != "" && !c.signIn {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

type violation struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

func (c *Client) classify(status int, raw []byte) *Error {
	switch {
	case status >= 500:
		return &Error{Kind: KindServer, Detail: msgServer}
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Detail: detailOf(raw, status), Body: raw}
	case status == http.StatusBadRequest && c.signIn:
		return &Error{Kind: KindAuth, Detail: detailOf(raw, status), Body: raw}
	case status == http.StatusUnprocessableEntity:
		var body struct {
			Detail []violation `json:"detail"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
			return &Error{Kind: KindValidation, Detail: detailOf(raw, status)}
		}
		fields := make([]string, 0, len(body.Detail))
		for _, v := range body.Detail {
			fields = append(fields, fmt.Sprintf("Field %s invalid: %s", fieldName(v.Loc), v.Msg))
		}
		return &Error{Kind: KindValidation, Detail: fields[0], Fields: fields}
	default:
		return &Error{Kind: KindUnknown, Detail: detailOf(raw, status)}
	}
}

// fieldName is the last element of a violation location.
func fieldName(loc []any) string {
	if len(loc) == 0 {
		return "body"
	}
	return fmt.Sprint(loc[len(loc)-1])
}

func detailOf(raw []byte, status int) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil && s != "" {
			return s
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return msgUnexpected
}
