// Package mobile is the host binding of the engine, shaped for gomobile bind.
//
// The host creates one Engine and keeps it for the lifetime of its VPN
// service. Every control-plane call and start is run on a background pool;
// its callback is invoked exactly once, on a pool goroutine. Errors reach
// the host as (kind, code, message), where code is 0 for kinds that have no
// stable numeric code.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/dispatch"
	"github.com/apivpn/apivpn-core/internal/logging"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/session"
)

// ErrorCallback receives a failed operation.
type ErrorCallback interface {
	OnError(kind string, code int32, message string)
}

// DoneCallback receives the result of an operation without a value.
type DoneCallback interface {
	ErrorCallback
	OnDone()
}

// ServersCallback receives the server list as a JSON array.
type ServersCallback interface {
	ErrorCallback
	OnServers(serversJSON string)
}

// StatsCallback receives a statistics snapshot as a JSON object.
type StatsCallback interface {
	ErrorCallback
	OnStatistics(statsJSON string)
}

// PathCallback receives a file path.
type PathCallback interface {
	ErrorCallback
	OnPath(path string)
}

// core is the part of a session the binding drives.
type core interface {
	Initialize(ctx context.Context, creds config.Credentials) error
	FetchServers(ctx context.Context, measurePing bool) ([]model.Server, error)
	FetchGlobalStatistics() (model.GlobalStatistics, error)
	FetchConnectionLogPath() (string, error)
	Start(ctx context.Context, req session.StartRequest) error
	Stop() error
	IsRunning() bool
	StartRelay() error
	StopRelay()
	RelayPort() uint16
	SetRelayUpstream(addr string) error
	SetUseRelayForAPI(enabled bool) error
	Close()
}

var _ core = (*session.Session)(nil)

// Engine is one engine instance owned by the host.
type Engine struct {
	core core
	pool *dispatch.Pool

	// setupLog points logging at the data directory.
	setupLog func(logFile string) (io.Closer, error)

	logMu  sync.Mutex
	logOut io.Closer

	closeOnce sync.Once
}

// NewEngine creates an uninitialized engine.
func NewEngine() *Engine {
	return newEngine(session.New(session.Options{}), logging.SetupForDataDir)
}

func newEngine(c core, setupLog func(string) (io.Closer, error)) *Engine {
	return &Engine{
		core:     c,
		pool:     dispatch.NewPool(dispatch.DefaultWorkers),
		setupLog: setupLog,
	}
}

// Initialize authenticates with the control plane. apiServer may be empty
// to use the default. Engine logs go to <dataDir>/logs/core.log unless
// LOG_CONSOLE_OUT=true.
func (e *Engine) Initialize(appToken, apiServer, dataDir string, cb DoneCallback) {
	mustCallback(cb, "Initialize")

	e.run(cb, func(ctx context.Context) error {
		e.redirectLogs(dataDir)
		return e.core.Initialize(ctx, config.Credentials{
			AppToken:  appToken,
			APIServer: apiServer,
			DataDir:   dataDir,
		})
	}, cb.OnDone)
}

// Servers fetches the server list. With ping set, each entry carries a
// round-trip time in milliseconds when the server was reachable.
func (e *Engine) Servers(ping bool, cb ServersCallback) {
	mustCallback(cb, "Servers")

	f := dispatch.Submit(e.pool, func(ctx context.Context) (string, error) {
		servers, err := e.core.FetchServers(ctx, ping)
		if err != nil {
			return "", err
		}
		if servers == nil {
			servers = []model.Server{}
		}
		return marshal("servers", servers)
	})
	f.OnComplete(func(data string, err error) {
		if err != nil {
			report(cb, err)
			return
		}
		cb.OnServers(data)
	})
}

// GlobalStatistics returns the latest traffic snapshot.
func (e *Engine) GlobalStatistics(cb StatsCallback) {
	mustCallback(cb, "GlobalStatistics")

	f := dispatch.Submit(e.pool, func(context.Context) (string, error) {
		stats, err := e.core.FetchGlobalStatistics()
		if err != nil {
			return "", err
		}
		return marshal("fetch_global_statistics", stats)
	})
	f.OnComplete(func(data string, err error) {
		if err != nil {
			report(cb, err)
			return
		}
		cb.OnStatistics(data)
	})
}

// ConnectionLogFile returns the path of the newest connection log.
func (e *Engine) ConnectionLogFile(cb PathCallback) {
	mustCallback(cb, "ConnectionLogFile")

	f := dispatch.Submit(e.pool, func(context.Context) (string, error) {
		return e.core.FetchConnectionLogPath()
	})
	f.OnComplete(func(path string, err error) {
		if err != nil {
			report(cb, err)
			return
		}
		cb.OnPath(path)
	})
}

// StartV2Ray attaches the tunnel for serverID to the TUN descriptor fd.
// The engine duplicates fd; the host keeps ownership and closes it after
// Stop. altRules may be empty.
func (e *Engine) StartV2Ray(serverID int32, fd int32, altRules string, cb DoneCallback) {
	mustCallback(cb, "StartV2Ray")

	if fd < 0 {
		dispatch.Resolved(struct{}{}, apierr.E(apierr.KindDescriptorNotFound, "start",
			fmt.Errorf("invalid descriptor %d", fd))).
			OnComplete(func(_ struct{}, err error) { report(cb, err) })
		return
	}

	e.run(cb, func(ctx context.Context) error {
		return e.core.Start(ctx, session.StartRequest{
			ServerID:   serverID,
			Descriptor: int(fd),
			AltRules:   altRules,
		})
	}, cb.OnDone)
}

// Stop tears down the tunnel, cancelling a start that is still connecting.
// It returns once the descriptor is no longer used.
func (e *Engine) Stop() {
	if err := e.core.Stop(); err != nil {
		slog.Warn("Stop failed", "kind", apierr.KindOf(err), "error", err)
	}
}

// IsRunning reports whether the tunnel is connected.
func (e *Engine) IsRunning() bool {
	return e.core.IsRunning()
}

// StartTonProxy starts the lightweight relay. It does not affect the
// tunnel state.
func (e *Engine) StartTonProxy(cb DoneCallback) {
	mustCallback(cb, "StartTonProxy")

	e.run(cb, func(context.Context) error {
		if err := e.core.StartRelay(); err != nil {
			return apierr.Wrap(apierr.KindNetwork, "start_relay", err)
		}
		return nil
	}, cb.OnDone)
}

// StopTonProxy stops the lightweight relay.
func (e *Engine) StopTonProxy() {
	e.core.StopRelay()
}

// TonProxyPort returns the relay's listening port, 0 when it is stopped.
func (e *Engine) TonProxyPort() int32 {
	return int32(e.core.RelayPort())
}

// SetTonProxyAddress sets the relay's upstream as host:port.
func (e *Engine) SetTonProxyAddress(addr string) error {
	return e.core.SetRelayUpstream(addr)
}

// SetUseTonProxy routes control-plane requests through the relay while it runs.
func (e *Engine) SetUseTonProxy(enabled bool) error {
	return e.core.SetUseRelayForAPI(enabled)
}

// Close stops the tunnel and the relay and waits for pending operations.
// Callbacks of operations that never ran receive an internal error.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.core.Close()
		e.pool.Close()

		e.logMu.Lock()
		defer e.logMu.Unlock()
		if e.logOut != nil {
			_ = e.logOut.Close()
			e.logOut = nil
		}
	})
}

func (e *Engine) run(cb ErrorCallback, fn func(ctx context.Context) error, done func()) {
	f := dispatch.Submit(e.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	f.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			report(cb, err)
			return
		}
		done()
	})
}

func (e *Engine) redirectLogs(dataDir string) {
	if !filepath.IsAbs(dataDir) {
		return
	}
	out, err := e.setupLog(config.NewPaths(dataDir).CoreLogFile)
	if err != nil {
		slog.Warn("Failed to redirect logs", "data_dir", dataDir, "error", err)
		return
	}

	e.logMu.Lock()
	prev := e.logOut
	e.logOut = out
	e.logMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func report(cb ErrorCallback, err error) {
	kind := apierr.KindOf(err)
	cb.OnError(string(kind), kind.Code(), err.Error())
}

func marshal(op string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apierr.E(apierr.KindSerialization, op, err)
	}
	return string(data), nil
}

func mustCallback(cb any, op string) {
	if cb == nil {
		panic("mobile: " + op + " called with a nil callback")
	}
}
