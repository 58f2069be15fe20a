// Package handler translates control socket requests into session calls.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/control/protocol"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/reconnect"
	"github.com/apivpn/apivpn-core/internal/session"
)

// requestTimeout bounds control-plane work done on behalf of one request.
const requestTimeout = 60 * time.Second

// Engine is the part of a session the handler drives.
type Engine interface {
	Initialize(ctx context.Context, creds config.Credentials) error
	FetchServers(ctx context.Context, measurePing bool) ([]model.Server, error)
	FetchGlobalStatistics() (model.GlobalStatistics, error)
	FetchConnectionLogPath() (string, error)
	Start(ctx context.Context, req session.StartRequest) error
	Stop() error
	State() session.State
	LastError() error
	Credentials() (config.Credentials, bool)
	ConnectedSince() time.Time
	OnStateChange(callback func(old, new session.State))
	StartRelay() error
	StopRelay()
	RelayPort() uint16
}

var _ Engine = (*session.Session)(nil)

// EventBroadcaster is called to broadcast events to all clients.
type EventBroadcaster func(event *protocol.Event)

// Handler serves control requests for one engine. It owns the TUN
// descriptor received with start until the tunnel stops.
type Handler struct {
	engine      Engine
	broadcaster EventBroadcaster
	closeFD     func(fd int) error
	reconnect   *reconnect.Manager

	mu    sync.Mutex
	tunFD int
}

// New creates a handler and subscribes to engine state changes.
func New(engine Engine, broadcaster EventBroadcaster) *Handler {
	h := &Handler{
		engine:      engine,
		broadcaster: broadcaster,
		closeFD:     unix.Close,
		tunFD:       -1,
	}
	engine.OnStateChange(h.onStateChange)
	return h
}

// EnableReconnect restarts a tunnel that failed with a retryable error on
// the descriptor it was started with. A session left in error is
// initialized again with the credentials it holds before each restart.
// Call it before serving requests.
func (h *Handler) EnableReconnect(cfg reconnect.Config) {
	if cfg.MaxAttempts <= 0 {
		return
	}
	m := reconnect.NewManager(cfg, h.restart)
	m.SetCallbacks(reconnect.Callbacks{
		OnFailed: func(error) { h.releaseTun() },
	})
	h.reconnect = m
}

func (h *Handler) restart(ctx context.Context, req session.StartRequest) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if h.engine.State() == session.StateError {
		creds, ok := h.engine.Credentials()
		if !ok {
			return apierr.E(apierr.KindNotInitialized, "restart", nil)
		}
		if err := h.engine.Initialize(ctx, creds); err != nil {
			return err
		}
	}
	return h.engine.Start(ctx, req)
}

// HandleRequest processes a request and returns a response.
func (h *Handler) HandleRequest(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandInitialize:
		return h.handleInitialize(req)
	case protocol.CommandServers:
		return h.handleServers(req)
	case protocol.CommandStatistics:
		return h.handleStatistics(req)
	case protocol.CommandLogPath:
		return h.handleLogPath(req)
	case protocol.CommandStart:
		return h.handleStart(req)
	case protocol.CommandStop:
		return h.handleStop(req)
	case protocol.CommandStatus:
		return h.handleStatus(req)
	case protocol.CommandRelayStart:
		return h.handleRelayStart(req)
	case protocol.CommandRelayStop:
		h.engine.StopRelay()
		return success(req.ID, nil)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (h *Handler) handleInitialize(req *protocol.Request) *protocol.Response {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid initialize params")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := h.engine.Initialize(ctx, config.Credentials{
		AppToken:  params.AppToken,
		APIServer: params.APIServer,
		DataDir:   params.DataDir,
	})
	if err != nil {
		return protocol.NewEngineErrorResponse(req.ID, err)
	}
	return success(req.ID, nil)
}

func (h *Handler) handleServers(req *protocol.Request) *protocol.Response {
	var params protocol.ServersParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid servers params")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	servers, err := h.engine.FetchServers(ctx, params.Ping)
	if err != nil {
		return protocol.NewEngineErrorResponse(req.ID, err)
	}
	return success(req.ID, protocol.ServersResult{Servers: servers})
}

func (h *Handler) handleStatistics(req *protocol.Request) *protocol.Response {
	stats, err := h.engine.FetchGlobalStatistics()
	if err != nil {
		return protocol.NewEngineErrorResponse(req.ID, err)
	}
	return success(req.ID, stats)
}

func (h *Handler) handleLogPath(req *protocol.Request) *protocol.Response {
	path, err := h.engine.FetchConnectionLogPath()
	if err != nil {
		return protocol.NewEngineErrorResponse(req.ID, err)
	}
	return success(req.ID, protocol.LogPathResult{Path: path})
}

func (h *Handler) handleStart(req *protocol.Request) *protocol.Response {
	var params protocol.StartParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid start params")
	}
	fd, ok := req.TakeFD()
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeMissingDescriptor,
			"start requires the tun descriptor as SCM_RIGHTS")
	}

	// A new start supersedes a pending restart of the old tunnel.
	if h.reconnect != nil && h.reconnect.Cancel() {
		h.releaseTun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	startReq := session.StartRequest{
		ServerID:   params.ServerID,
		Descriptor: fd,
		AltRules:   params.AltRules,
	}
	err := h.engine.Start(ctx, startReq)
	if err != nil {
		h.release(fd)
		return protocol.NewEngineErrorResponse(req.ID, err)
	}

	h.mu.Lock()
	prev := h.tunFD
	h.tunFD = fd
	h.mu.Unlock()
	if prev >= 0 {
		h.release(prev)
	}

	// The tunnel may have died before the descriptor was recorded.
	if !h.engine.State().IsActive() {
		h.releaseTun()
	} else if h.reconnect != nil {
		h.reconnect.OnConnected(startReq)
	}

	slog.Info("Tunnel started", "server_id", params.ServerID, "descriptor", fd)
	return success(req.ID, nil)
}

func (h *Handler) handleStop(req *protocol.Request) *protocol.Response {
	h.cancelReconnect()
	if err := h.engine.Stop(); err != nil {
		return protocol.NewEngineErrorResponse(req.ID, err)
	}
	h.releaseTun()
	return success(req.ID, nil)
}

func (h *Handler) handleStatus(req *protocol.Request) *protocol.Response {
	state := h.engine.State()
	result := protocol.StatusResult{
		State:     string(state),
		Running:   state.IsRunning(),
		RelayPort: h.engine.RelayPort(),
	}
	if since := h.engine.ConnectedSince(); !since.IsZero() {
		result.ConnectedSince = since.Unix()
	}
	if err := h.engine.LastError(); err != nil {
		result.LastError = protocol.ErrorInfoFrom(err)
	}
	return success(req.ID, result)
}

func (h *Handler) handleRelayStart(req *protocol.Request) *protocol.Response {
	if err := h.engine.StartRelay(); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
	return success(req.ID, protocol.RelayResult{Port: h.engine.RelayPort()})
}

func (h *Handler) onStateChange(old, new session.State) {
	event, err := protocol.NewEvent(protocol.EventStateChange, protocol.StateChangeData{
		From: string(old),
		To:   string(new),
	})
	if err != nil {
		slog.Error("Failed to create state change event", "error", err)
		return
	}
	h.broadcaster(event)

	switch {
	case h.reconnect != nil && h.reconnect.ShouldReconnect(old, new, h.engine.LastError()):
		// The descriptor is kept for the restart.
		h.reconnect.StartReconnect()
	case (new == session.StateError || new == session.StateReady) &&
		(old == session.StateConnected || old == session.StateStopping):
		// A failed start releases its own descriptor.
		h.releaseTun()
	}

	if new == session.StateError {
		h.onError(h.engine.LastError())
	}
}

func (h *Handler) onError(err error) {
	if err == nil {
		return
	}
	info := protocol.ErrorInfoFrom(err)
	event, eventErr := protocol.NewEvent(protocol.EventError, protocol.ErrorData{
		Code:      info.Code,
		ErrorCode: info.ErrorCode,
		Message:   info.Message,
	})
	if eventErr != nil {
		slog.Error("Failed to create error event", "error", eventErr)
		return
	}
	h.broadcaster(event)
}

// TunFD returns the descriptor held for the running tunnel, or -1.
func (h *Handler) TunFD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tunFD
}

func (h *Handler) releaseTun() {
	h.mu.Lock()
	fd := h.tunFD
	h.tunFD = -1
	h.mu.Unlock()
	if fd >= 0 {
		h.release(fd)
	}
}

func (h *Handler) release(fd int) {
	if err := h.closeFD(fd); err != nil {
		slog.Debug("Failed to close tun descriptor", "descriptor", fd, "error", err)
	}
}

func (h *Handler) cancelReconnect() {
	if h.reconnect != nil {
		h.reconnect.SetUserStop()
		h.reconnect.Cancel()
	}
}

// Shutdown stops the tunnel and the relay.
func (h *Handler) Shutdown() {
	h.cancelReconnect()
	if h.engine.State().IsActive() {
		slog.Info("Stopping tunnel before shutdown")
		if err := h.engine.Stop(); err != nil {
			slog.Error("Failed to stop tunnel during shutdown", "error", err)
		}
	}
	h.releaseTun()
	h.engine.StopRelay()
}

func success(id string, result any) *protocol.Response {
	resp, err := protocol.NewSuccessResponse(id, result)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}
