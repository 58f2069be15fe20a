// Package controlplane talks to the remote API that issues session tokens,
// lists servers and serves per-server tunnel configuration.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/model"
)

const (
	// DefaultTimeout bounds every request when Options.Timeout is zero.
	DefaultTimeout = 15 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 8 << 20

	authPath    = "/v1/auth"
	serversPath = "/v1/servers"
)

// ErrUnauthorized is wrapped into the Network error returned for 401 and 403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	// APIServer is the normalized base URL, e.g. https://api.devop.pw.
	APIServer string
	Platform  string
	Timeout   time.Duration
	// Proxy, when set, is consulted per request. A nil URL means direct.
	Proxy func() *url.URL
	// Prober measures server latency. Defaults to a TCP prober.
	Prober Prober
}

// Client is safe for concurrent use. Read-only calls share no mutable state
// beyond the session token.
type Client struct {
	baseURL  *url.URL
	platform string
	http     *http.Client
	prober   Prober

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for opts.APIServer.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.APIServer)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid api server %q", opts.APIServer)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Prober == nil {
		opts.Prober = NewTCPProber(DefaultPingPort, DefaultPingTimeout, DefaultPingWorkers)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != nil {
		proxyFn := opts.Proxy
		transport.Proxy = func(*http.Request) (*url.URL, error) {
			return proxyFn(), nil
		}
	}

	return &Client{
		baseURL:  base,
		platform: opts.Platform,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		prober: opts.Prober,
	}, nil
}

// Token returns the current session token, empty before Authenticate.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

type authRequest struct {
	AppToken string `json:"app_token"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the application token for a session token and keeps it.
func (c *Client) Authenticate(ctx context.Context, appToken, deviceID string) (string, error) {
	const op = "authenticate"

	body := authRequest{AppToken: appToken, DeviceID: deviceID, Platform: c.platform}
	data, err := c.do(ctx, op, http.MethodPost, authPath, body, false)
	if err != nil {
		return "", err
	}

	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", apierr.E(apierr.KindSerialization, op, err)
	}
	if resp.Token == "" {
		return "", apierr.E(apierr.KindSerialization, op, errors.New("empty session token"))
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	slog.Debug("Authenticated with control plane", "api", c.baseURL.Host)
	return resp.Token, nil
}

// FetchServers always issues a fresh request. Results are sorted by sort
// rank then id. When measurePing is set every server is probed concurrently
// and servers whose probe fails keep a nil Ping.
func (c *Client) FetchServers(ctx context.Context, measurePing bool) ([]model.Server, error) {
	const op = "fetch servers"

	data, err := c.do(ctx, op, http.MethodGet, serversPath, nil, true)
	if err != nil {
		return nil, err
	}

	var servers []model.Server
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, apierr.E(apierr.KindSerialization, op, err)
	}
	if id, dup := model.DuplicateID(servers); dup {
		return nil, apierr.E(apierr.KindSerialization, op, fmt.Errorf("duplicate server id %d", id))
	}

	if measurePing {
		servers = c.prober.Probe(ctx, servers)
	} else {
		for i := range servers {
			servers[i].Ping = nil
		}
	}

	model.SortServers(servers)
	return servers, nil
}

// FetchServerConfig returns the raw tunnel configuration of a server.
func (c *Client) FetchServerConfig(ctx context.Context, id int32) (json.RawMessage, error) {
	const op = "fetch server config"

	path := serversPath + "/" + strconv.FormatInt(int64(id), 10) + "/config"
	data, err := c.do(ctx, op, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, apierr.E(apierr.KindSerialization, op, errors.New("server config is not a JSON object"))
	}
	return json.RawMessage(data), nil
}

// do performs one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, body any, auth bool) ([]byte, error) {
	var token string
	if auth {
		token = c.Token()
		if token == "" {
			return nil, apierr.E(apierr.KindNotInitialized, op, errors.New("no session token"))
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, apierr.E(apierr.KindInternal, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.E(apierr.KindNetwork, op, describeTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apierr.E(apierr.KindNetwork, op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierr.E(apierr.KindNetwork, op, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apierr.E(apierr.KindNetwork, op, &StatusError{StatusCode: resp.StatusCode, Body: snippet(data)})
	}

	return data, nil
}

func describeTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("request timed out: %w", err)
	}
	return err
}

func snippet(data []byte) string {
	const limit = 256
	msg := gjson.GetBytes(data, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(data, "error").String()
	}
	if msg == "" {
		msg = string(bytes.TrimSpace(data))
	}
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return msg
}
