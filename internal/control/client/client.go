// Package client talks to apivpnd over its control socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/apivpn/apivpn-core/internal/control/protocol"
	"github.com/apivpn/apivpn-core/internal/control/server"
	"github.com/apivpn/apivpn-core/internal/model"
)

// DefaultTimeout for calls whose context carries no deadline.
const DefaultTimeout = 60 * time.Second

var (
	// ErrDaemonNotAvailable is returned when apivpnd is not listening.
	ErrDaemonNotAvailable = errors.New("apivpnd not available")
	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("client closed")
)

// Client is a connection to apivpnd. It is safe for concurrent use.
type Client struct {
	conn   *net.UnixConn
	reader *bufio.Reader

	mu            sync.RWMutex
	onStateChange func(from, to string)
	onError       func(info protocol.ErrorData)

	// writeMu keeps request lines from interleaving.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	closeChan chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon at the default socket path.
func Dial() (*Client, error) {
	return DialPath(server.DefaultSocketPath)
}

// DialPath connects to the daemon at socketPath.
func DialPath(socketPath string) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotAvailable, err)
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		pending:   make(map[string]chan *protocol.Response),
		closeChan: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// IsAvailableAt checks if the daemon accepts connections at socketPath.
func IsAvailableAt(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// OnStateChange registers a callback for state_change events.
func (c *Client) OnStateChange(callback func(from, to string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

// OnError registers a callback for error events.
func (c *Client) OnError(callback func(info protocol.ErrorData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Initialize authenticates the daemon's session.
func (c *Client) Initialize(ctx context.Context, params protocol.InitializeParams) error {
	_, err := c.call(ctx, protocol.CommandInitialize, params, -1)
	return err
}

// Servers fetches the server list, optionally measuring ping.
func (c *Client) Servers(ctx context.Context, ping bool) ([]model.Server, error) {
	var result protocol.ServersResult
	if err := c.callInto(ctx, protocol.CommandServers, protocol.ServersParams{Ping: ping}, &result); err != nil {
		return nil, err
	}
	return result.Servers, nil
}

// Statistics returns the daemon's latest statistics snapshot.
func (c *Client) Statistics(ctx context.Context) (model.GlobalStatistics, error) {
	var stats model.GlobalStatistics
	err := c.callInto(ctx, protocol.CommandStatistics, nil, &stats)
	return stats, err
}

// LogPath returns the newest connection log path.
func (c *Client) LogPath(ctx context.Context) (string, error) {
	var result protocol.LogPathResult
	if err := c.callInto(ctx, protocol.CommandLogPath, nil, &result); err != nil {
		return "", err
	}
	return result.Path, nil
}

// Start asks the daemon to run a tunnel on tunFD. The descriptor is sent
// with the request; the caller keeps its own copy and may close it once
// Start returns.
func (c *Client) Start(ctx context.Context, params protocol.StartParams, tunFD int) error {
	if tunFD < 0 {
		return fmt.Errorf("invalid descriptor %d", tunFD)
	}
	_, err := c.call(ctx, protocol.CommandStart, params, tunFD)
	return err
}

// Stop stops the daemon's tunnel.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CommandStop, nil, -1)
	return err
}

// Status returns the daemon's session state.
func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var status protocol.StatusResult
	err := c.callInto(ctx, protocol.CommandStatus, nil, &status)
	return status, err
}

// RelayStart starts the daemon's relay and returns its port.
func (c *Client) RelayStart(ctx context.Context) (uint16, error) {
	var result protocol.RelayResult
	if err := c.callInto(ctx, protocol.CommandRelayStart, nil, &result); err != nil {
		return 0, err
	}
	return result.Port, nil
}

// RelayStop stops the daemon's relay.
func (c *Client) RelayStop(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CommandRelayStop, nil, -1)
	return err
}

func (c *Client) callInto(ctx context.Context, cmd protocol.Command, params, out any) error {
	resp, err := c.call(ctx, cmd, params, -1)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", cmd, err)
	}
	return nil
}

// call sends one request and waits for its response. fd, when not
// negative, is attached as SCM_RIGHTS.
func (c *Client) call(ctx context.Context, cmd protocol.Command, params any, fd int) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	req, err := protocol.NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(data, fd); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp *protocol.Response
	select {
	case resp = <-respChan:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		// The daemon may have answered right before hanging up.
		select {
		case resp = <-respChan:
		default:
			return nil, ErrClosed
		}
	}
	if !resp.Success {
		return nil, resp.Error.Err(string(cmd))
	}
	return resp, nil
}

func (c *Client) write(data []byte, fd int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if fd < 0 {
		_, err := c.conn.Write(data)
		return err
	}

	n, _, err := c.conn.WriteMsgUnix(data, unix.UnixRights(fd), nil)
	if err != nil {
		return err
	}
	if n < len(data) {
		_, err = c.conn.Write(data[n:])
	}
	return err
}

func (c *Client) readLoop() {
	defer func() {
		// Unblock pending calls when the daemon goes away.
		_ = c.Close()
	}()

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("Read error from apivpnd", "error", err)
			}
			return
		}
		c.handleMessage(line)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid message from apivpnd", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("Invalid response from apivpnd", "error", err)
			return
		}
		c.handleResponse(&resp)

	case protocol.MessageTypeEvent:
		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Invalid event from apivpnd", "error", err)
			return
		}
		c.handleEvent(&event)

	default:
		slog.Debug("Unknown message type from apivpnd", "type", msg.Type)
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Client) handleEvent(event *protocol.Event) {
	switch event.Name {
	case protocol.EventStateChange:
		var data protocol.StateChangeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid state change event", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onStateChange
		c.mu.RUnlock()
		if callback != nil {
			callback(data.From, data.To)
		}

	case protocol.EventError:
		var data protocol.ErrorData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid error event", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(data)
		}
	}
}
