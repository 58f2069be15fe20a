// Package server provides the UNIX socket server of apivpnd.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/apivpn/apivpn-core/internal/control/protocol"
)

const (
	// DefaultSocketPath is the default path for the UNIX socket.
	DefaultSocketPath = "/run/apivpn/apivpnd.sock"
	// DefaultSocketGroup is the group that can access the socket.
	DefaultSocketGroup = "apivpn"

	maxMessageSize       = 64 * 1024
	maxConcurrentClients = 16
)

// RequestHandler is called for each incoming request. Descriptors left in
// req.FDs after it returns are closed by the server.
type RequestHandler func(req *protocol.Request) *protocol.Response

// Server manages client connections over a UNIX socket.
type Server struct {
	socketPath  string
	socketGroup string
	listener    *net.UnixListener
	handler     RequestHandler

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	running  bool
	starting bool
	wg       sync.WaitGroup
}

// NewServer creates a new server instance with the default socket group.
func NewServer(socketPath string, handler RequestHandler) *Server {
	return NewServerWithGroup(socketPath, DefaultSocketGroup, handler)
}

// NewServerWithGroup creates a new server instance with a custom socket group.
// An empty group keeps the owner's group. Panics if handler is nil.
func NewServerWithGroup(socketPath, socketGroup string, handler RequestHandler) *Server {
	if handler == nil {
		panic("server: NewServerWithGroup called with nil handler")
	}
	return &Server{
		socketPath:  socketPath,
		socketGroup: socketGroup,
		handler:     handler,
		clients:     make(map[*Client]struct{}),
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.starting = true
	s.mu.Unlock()

	clearStarting := func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		clearStarting()
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		clearStarting()
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		clearStarting()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := s.setSocketOwnership(); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			slog.Error("Failed to close listener after ownership error", "error", closeErr)
		}
		clearStarting()
		return fmt.Errorf("failed to set socket ownership: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0660); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			slog.Error("Failed to close listener after chmod error", "error", closeErr)
		}
		clearStarting()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.starting = false
	s.mu.Unlock()

	slog.Info("Server started", "socket", s.socketPath, "group", s.socketGroup)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

func (s *Server) setSocketOwnership() error {
	if s.socketGroup == "" {
		return nil
	}

	grp, err := user.LookupGroup(s.socketGroup)
	if err != nil {
		return fmt.Errorf("group %q not found: %w", s.socketGroup, err)
	}

	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", grp.Gid, err)
	}

	// -1 keeps the owner.
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		return fmt.Errorf("failed to chown socket: %w", err)
	}

	slog.Debug("Socket group ownership set", "group", s.socketGroup, "gid", gid)
	return nil
}

// Stop closes the listener and every client, and waits for their handlers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener

	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	if err := listener.Close(); err != nil {
		slog.Error("Failed to close listener", "error", err)
	}

	for _, client := range clients {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close client connection", "error", err)
		}
	}

	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}

	slog.Info("Server stopped")
	return nil
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(event *protocol.Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		if err := client.SendEvent(event); err != nil {
			slog.Warn("Failed to send event to client", "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(listener *net.UnixListener) {
	defer s.wg.Done()

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Accept error", "error", err)
			continue
		}

		client := newClient(conn)
		if !s.addClient(client) {
			slog.Warn("Rejecting client, too many connections", "limit", maxConcurrentClients)
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleClient(client)
	}
}

func (s *Server) addClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || len(s.clients) >= maxConcurrentClients {
		return false
	}
	s.clients[client] = struct{}{}
	slog.Debug("Client connected", "clients", len(s.clients))
	return true
}

func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, client)
	slog.Debug("Client disconnected", "clients", len(s.clients))
}

func (s *Server) handleClient(client *Client) {
	reader := newLineReader(client.conn)
	defer func() {
		reader.Close()
		if err := client.Close(); err != nil {
			slog.Debug("Failed to close client connection", "error", err)
		}
		s.removeClient(client)
		s.wg.Done()
	}()

	for {
		line, fds, err := reader.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, errMessageTooLarge):
				resp := protocol.NewErrorResponse("", protocol.ErrCodeMessageTooLarge, "message too large")
				if err := client.SendResponse(resp); err != nil {
					slog.Debug("Failed to send error response", "error", err)
				}
			case err != io.EOF && !errors.Is(err, net.ErrClosed):
				slog.Error("Read error", "error", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			closeFDs(fds)
			slog.Warn("Invalid request", "error", err)
			resp := protocol.NewErrorResponse("", protocol.ErrCodeInvalidRequest, "invalid JSON")
			if err := client.SendResponse(resp); err != nil {
				slog.Warn("Failed to send error response", "error", err)
			}
			continue
		}
		req.FDs = fds

		resp := s.handler(&req)
		closeFDs(req.FDs)
		if err := client.SendResponse(resp); err != nil {
			slog.Error("Failed to send response", "error", err)
			return
		}
	}
}

// Client represents a connected client.
type Client struct {
	conn *net.UnixConn
	mu   sync.Mutex
}

func newClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

// SendResponse sends a response to the client.
func (c *Client) SendResponse(resp *protocol.Response) error {
	return c.sendJSON(resp)
}

// SendEvent sends an event to the client.
func (c *Client) SendEvent(event *protocol.Event) error {
	return c.sendJSON(event)
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	_, err = c.conn.Write(data)
	return err
}
