// Package httpbackend implements backend.Backend against a remote crpc HTTP server.
package httpbackend

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
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/session"
)

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
	maxResponseBytes    = 8 << 20
	maxEventBytes       = 1 << 20
)

// TokenFunc returns the bearer token to send with a request, if any.
type TokenFunc func(ctx context.Context) (string, bool)

// Client talks to a crpc server over HTTP.
type Client struct {
	baseURL string
	token   TokenFunc
	logger  logger.Logger
	client  *retryablehttp.Client
}

var _ backend.Backend = (*Client)(nil)

type Option func(*Client)

// WithTokenFunc overrides how bearer tokens are found. By default the token stored by
// session.ContextWithToken is used.
func WithTokenFunc(f TokenFunc) Option {
	return func(c *Client) {
		c.token = f
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client.HTTPClient = hc
	}
}

// WithRetryMax sets how many times a failed call is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.client.RetryMax = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = defaultRetryWaitMin
	rc.RetryWaitMax = defaultRetryWaitMax
	rc.CheckRetry = checkRetry

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   session.TokenFromContext,
		logger:  logger.NewNoopLogger(),
		client:  rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	rc.Logger = &leveledLogger{logger: c.logger}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// checkRetry retries transport failures and gateway errors. Responses carrying an error
// code are final: the server already decided the outcome.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func (c *Client) authorize(ctx context.Context, header http.Header) {
	if token, ok := c.token(ctx); ok && token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
}

// Call posts args to the call route of name.
func (c *Client) Call(ctx context.Context, kind meta.Kind, name string, args any) (any, error) {
	body, err := encodeArgs(args)
	if err != nil {
		return nil, crpcerrors.BadRequestError(err).WithFunction(name)
	}

	endpoint := c.baseURL + backend.CallPath(kind, name)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "backend unreachable").WithFunction(name))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "reading backend response").WithFunction(name))
	}

	var decoded backend.Response
	decodeErr := json.Unmarshal(data, &decoded)
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices && decodeErr == nil && decoded.Error == nil {
		if len(decoded.Value) == 0 || string(decoded.Value) == "null" {
			return nil, nil
		}
		return decoded.Value, nil
	}
	return nil, responseError(req.Method, endpoint, name, resp.Status, resp.StatusCode, decoded.Error)
}

func responseError(method, endpoint, name, status string, code int, apiErr *crpcerrors.Error) error {
	if apiErr == nil || apiErr.Code == "" {
		apiErr = crpcerrors.New(crpcerrors.CodeFromHTTPStatus(code), status)
	}
	if apiErr.FunctionName == "" {
		apiErr = apiErr.WithFunction(name)
	}
	return crpcerrors.With(fmt.Errorf("%s %s: %s", method, endpoint, status), apiErr)
}

func encodeArgs(args any) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(args)
}

// Subscribe opens a server-sent events stream for name. The stream is not retried; a
// dropped connection is delivered as an error update.
func (c *Client) Subscribe(ctx context.Context, name string, args any, onUpdate backend.UpdateFunc) (backend.Subscription, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, crpcerrors.BadRequestError(err).WithFunction(name)
	}

	endpoint := c.baseURL + backend.SubscribePath(name) + "?" + url.Values{backend.ArgsParam: {string(encoded)}}.Encode()
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(ctx, req.Header)

	resp, err := c.client.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "backend unreachable").WithFunction(name))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		var decoded backend.Response
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = json.Unmarshal(data, &decoded)
		return nil, responseError(req.Method, endpoint, name, resp.Status, resp.StatusCode, decoded.Error)
	}

	s := &stream{name: name, body: resp.Body, cancel: cancel, logger: c.logger}
	go s.read(onUpdate)
	return s, nil
}

type stream struct {
	name   string
	body   io.ReadCloser
	cancel context.CancelFunc
	logger logger.Logger

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) read(onUpdate backend.UpdateFunc) {
	defer s.cancel()
	defer s.body.Close()

	err := readEvents(s.body, func(event string, data []byte) bool {
		if s.isClosed() {
			return false
		}
		switch event {
		case backend.EventUpdate:
			onUpdate(backend.Update{Value: json.RawMessage(bytes.Clone(data))})
			return true
		case backend.EventError:
			var apiErr crpcerrors.Error
			if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
				apiErr = *crpcerrors.New(crpcerrors.Internal, crpcerrors.InternalServerErrorMsg)
			}
			onUpdate(backend.Update{Err: apiErr.WithFunction(s.name)})
			return false
		default:
			s.logger.Debug("ignoring stream event", zap.String("function", s.name), zap.String("event", event))
			return true
		}
	})
	if err == nil || s.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	onUpdate(backend.Update{Err: crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "subscription stream interrupted").WithFunction(s.name))})
}
