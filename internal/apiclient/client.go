// Package apiclient sends requests to the remote HANSSUP API with the stored
// access token attached, and recovers from an expired access token by running
// a single shared refresh and replaying every request that hit the 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hanssup/gateway/internal/credential"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const maxResponseBytes = 1 << 20

// Config holds remote API settings
type Config struct {
	BaseURL     string
	RefreshPath string
	Timeout     time.Duration
}

// SessionEndFunc is called after credentials were cleared because they could
// not be renewed. It runs once the refresh cycle has released its waiters, so
// it may call the client. cause wraps ErrSessionEnded.
type SessionEndFunc func(ctx context.Context, cause error)

// Request describes one logical API call. It is never mutated by the client,
// so the same value can be replayed.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Header http.Header

	// Anonymous requests carry no credentials and are never refreshed or replayed
	Anonymous bool
}

// Response is a 2xx response from the remote API
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// call is the per-invocation context of a Request
type call struct {
	req       *Request
	body      []byte
	requestID string
	retried   bool
}

// TokenResponse is the token pair returned by login, oauth exchange and refresh
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	UserType     string `json:"usertype,omitempty"`
}

// Token converts the response into the stored credential pair
func (t TokenResponse) Token() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
	}
}

// State reports the refresh coordination state
type State struct {
	Refreshing bool `json:"refreshing"`
	Waiters    int  `json:"waiters"`
}

// Client is the authenticated request pipeline
type Client struct {
	baseURL      string
	refreshPath  string
	timeout      time.Duration
	httpClient   *http.Client
	store        credential.Store
	coord        *coordinator
	logger       *zap.Logger
	onSessionEnd SessionEndFunc
}

// NewClient creates an API client backed by store
func NewClient(cfg Config, store credential.Store, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/users/refresh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		refreshPath: cfg.RefreshPath,
		timeout:     cfg.Timeout,
		httpClient:  httpClient,
		store:       store,
		coord:       newCoordinator(),
		logger:      logger,
	}
}

// OnSessionEnd registers the hook fired when the session cannot be renewed
func (c *Client) OnSessionEnd(fn SessionEndFunc) {
	c.onSessionEnd = fn
}

// Store returns the credential store the client reads from
func (c *Client) Store() credential.Store {
	return c.store
}

// State returns the current refresh coordination state
func (c *Client) State() State {
	refreshing, waiters := c.coord.snapshot()
	return State{Refreshing: refreshing, Waiters: waiters}
}

// Do sends req with the stored access token. A 401 triggers at most one
// token refresh and one replay; every other response is returned as is,
// 2xx as a Response and anything else as an *APIError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	cl, err := newCall(req)
	if err != nil {
		return nil, err
	}

	if req.Anonymous {
		resp, err := c.send(ctx, cl, "")
		if err != nil {
			return nil, err
		}
		return result(resp)
	}

	access, err := credential.AccessToken(ctx, c.store)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	for {
		resp, err := c.send(ctx, cl, access)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusUnauthorized || cl.retried {
			return result(resp)
		}

		cl.retried = true
		access, err = c.awaitToken(ctx, access)
		if err != nil {
			return nil, err
		}
	}
}

// PostJSON is a convenience for Do with a POST and JSON body, decoding the result into out
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// GetJSON is a convenience for Do with a GET, decoding the result into out
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// awaitToken resolves the access token to replay with after a 401
func (c *Client) awaitToken(ctx context.Context, sent string) (string, error) {
	t := c.coord.beginRefreshOrWait(ctx, sent, func(ctx context.Context) (string, error) {
		return credential.AccessToken(ctx, c.store)
	})

	switch {
	case t.err != nil:
		return "", fmt.Errorf("failed to read credentials: %w", t.err)
	case t.fresh != "":
		return t.fresh, nil
	case t.wait != nil:
		apiRefreshWaitersTotal.Inc()
		select {
		case res := <-t.wait:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	default:
		return c.refresh(ctx)
	}
}

// refresh runs one refresh cycle as its leader. It is detached from the
// leader's cancellation and bounded by the client timeout, and it always
// returns the coordinator to idle.
func (c *Client) refresh(ctx context.Context) (token string, err error) {
	defer func() {
		if token == "" && err == nil {
			err = errRefreshAborted
		}
		released := c.coord.completeRefresh(token, err)
		c.logger.Debug("refresh cycle completed", zap.Int("waiters", released), zap.Bool("success", err == nil))
		if errors.Is(err, ErrSessionEnded) {
			c.notifySessionEnd(ctx, err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	refreshToken, err := credential.RefreshToken(ctx, c.store)
	if err != nil {
		return "", c.endSession(ctx, "failure", fmt.Errorf("failed to read refresh token: %w", err))
	}
	if refreshToken == "" {
		return "", c.endSession(ctx, "no_refresh_token", ErrNoRefreshToken)
	}

	cl, err := newCall(&Request{
		Method: http.MethodPost,
		Path:   c.refreshPath,
		Body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		return "", c.endSession(ctx, "failure", err)
	}

	resp, err := c.send(ctx, cl, "")
	if err != nil {
		return "", c.endSession(ctx, "failure", fmt.Errorf("failed to refresh token: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.endSession(ctx, "failure", fmt.Errorf("failed to refresh token: %w", newAPIError(resp)))
	}

	var pair TokenResponse
	if err := resp.Decode(&pair); err != nil {
		return "", c.endSession(ctx, "failure", err)
	}
	if pair.AccessToken == "" {
		return "", c.endSession(ctx, "failure", errors.New("refresh response carried no access token"))
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	if err := c.store.Save(ctx, pair.Token()); err != nil {
		return "", c.endSession(ctx, "failure", fmt.Errorf("failed to store refreshed credentials: %w", err))
	}

	apiRefreshTotal.WithLabelValues("success").Inc()
	c.logger.Info("access token refreshed")

	return pair.AccessToken, nil
}

// endSession clears credentials and returns the error every pending caller
// receives. The session-end hook fires later, from refresh.
func (c *Client) endSession(ctx context.Context, outcome string, cause error) error {
	apiRefreshTotal.WithLabelValues(outcome).Inc()
	return c.clearSession(ctx, outcome, cause)
}

// EndSession clears the stored credentials after the remote API rejected a
// request that was already replayed with a renewed token, and fires the
// session-end hook.
func (c *Client) EndSession(ctx context.Context, cause error) error {
	err := c.clearSession(ctx, "rejected", cause)
	c.notifySessionEnd(ctx, err)
	return err
}

func (c *Client) clearSession(ctx context.Context, outcome string, cause error) error {
	// the refresh context may already be past its deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", zap.Error(err))
	}

	c.logger.Warn("session ended", zap.String("outcome", outcome), zap.Error(cause))

	return fmt.Errorf("%w: %w", ErrSessionEnded, cause)
}

func (c *Client) notifySessionEnd(ctx context.Context, cause error) {
	if c.onSessionEnd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	c.onSessionEnd(ctx, cause)
}

// send performs a single HTTP exchange
func (c *Client) send(ctx context.Context, cl *call, access string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + cl.req.Path
	if len(cl.req.Query) > 0 {
		target += "?" + cl.req.Query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	method := cl.req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, values := range cl.req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", cl.requestID)
	if cl.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	apiRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		apiRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		apiRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}

func newCall(req *Request) (*call, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	cl := &call{req: req, requestID: uuid.NewString()}
	if req.Body != nil {
		body, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		cl.body = body
	}
	return cl, nil
}

func result(resp *Response) (*Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}
	return resp, nil
}
