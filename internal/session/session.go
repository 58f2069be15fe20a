package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/connlog"
	"github.com/apivpn/apivpn-core/internal/controlplane"
	"github.com/apivpn/apivpn-core/internal/metadata"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/relay"
	"github.com/apivpn/apivpn-core/internal/stats"
	"github.com/apivpn/apivpn-core/internal/tunnel"
)

const (
	// serverListTTL bounds how long a fetched list is trusted for id lookups.
	serverListTTL = 30 * time.Minute
	serverListKey = "servers"
)

// API is the part of the control-plane client the session uses.
type API interface {
	Authenticate(ctx context.Context, appToken, deviceID string) (string, error)
	FetchServers(ctx context.Context, measurePing bool) ([]model.Server, error)
	FetchServerConfig(ctx context.Context, id int32) (json.RawMessage, error)
	CloseIdleConnections()
}

// Attacher binds a tunnel to a descriptor.
type Attacher interface {
	Attach(ctx context.Context, p tunnel.Params) (tunnel.Transport, error)
}

// BinderAttacher adapts a tunnel.Binder to Attacher.
type BinderAttacher struct {
	Binder *tunnel.Binder
}

// Attach implements Attacher.
func (b BinderAttacher) Attach(ctx context.Context, p tunnel.Params) (tunnel.Transport, error) {
	h, err := b.Binder.Attach(ctx, p)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Options configures a Session. Zero values select production defaults.
type Options struct {
	// NewAPI builds the control-plane client on initialize.
	NewAPI func(opts controlplane.Options) (API, error)
	// Attacher overrides the tunnel binder built from the data directory config.
	Attacher Attacher
	// AssetDir holds geoip.mmdb. Empty means ASSET_LOCATION.
	AssetDir string
	Relay    *relay.Relay
	Counters *stats.Counters
	Now      func() time.Time
}

// StartRequest selects the server and descriptor for Start.
type StartRequest struct {
	ServerID   int32
	Descriptor int
	// AltRules are routing rules that take precedence over the server config.
	AltRules string
}

// env is everything derived from one successful initialize. It is replaced
// as a whole and never mutated.
type env struct {
	creds   config.Credentials
	config  *config.Manager
	meta    *metadata.Metadata
	api     API
	servers *cache.Cache
}

// active is the state of the attached tunnel.
type active struct {
	transport tunnel.Transport
	log       *connlog.Writer
	geo       *tunnel.GeoIP
}

func (a *active) close() {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.log != nil {
		_ = a.log.Close()
	}
	_ = a.geo.Close()
}

// Session is one engine instance. All methods are safe for concurrent use.
type Session struct {
	opts      Options
	counters  *stats.Counters
	collector *stats.Collector
	relay     *relay.Relay

	// op serializes Initialize, Start and Stop.
	op sync.Mutex

	mu            sync.RWMutex
	state         State
	lastErr       error
	env           *env
	active        *active
	connectedAt   time.Time
	cancelAttach  context.CancelFunc
	attachDone    chan struct{}
	onStateChange func(old, new State)

	relayForAPI atomic.Bool
}

// New creates an uninitialized session.
func New(opts Options) *Session {
	if opts.NewAPI == nil {
		opts.NewAPI = func(o controlplane.Options) (API, error) {
			return controlplane.NewClient(o)
		}
	}
	if opts.Relay == nil {
		opts.Relay = relay.New()
	}
	if opts.Counters == nil {
		opts.Counters = stats.NewCounters()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Session{
		opts:      opts,
		counters:  opts.Counters,
		collector: stats.NewCollector(opts.Counters, stats.DefaultInterval),
		relay:     opts.Relay,
		state:     StateUninitialized,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the error that moved the session to StateError.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ConnectedSince returns when the running tunnel connected, or the zero
// time when no tunnel is up.
func (s *Session) ConnectedSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return time.Time{}
	}
	return s.connectedAt
}

// IsRunning reports whether the session is connected.
func (s *Session) IsRunning() bool {
	return s.State().IsRunning()
}

// OnStateChange registers a callback for state changes. It is invoked
// outside the session lock.
func (s *Session) OnStateChange(callback func(old, new State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// Collector exposes the statistics collector, e.g. for metrics export.
func (s *Session) Collector() *stats.Collector {
	return s.collector
}

// transition moves to state to and applies mutate under the lock.
// The state change callback is invoked outside the lock.
func (s *Session) transition(to State, mutate func()) error {
	s.mu.Lock()
	if !IsValidTransition(s.state, to) {
		from := s.state
		s.mu.Unlock()
		return apierr.E(apierr.KindInternal, "transition",
			fmt.Errorf("invalid state transition from %s to %s", from, to))
	}
	old := s.state
	s.state = to
	if mutate != nil {
		mutate()
	}
	callback := s.onStateChange
	s.mu.Unlock()

	slog.Debug("Session state changed", "from", old, "to", to)
	if callback != nil {
		callback(old, to)
	}
	return nil
}

// fail moves to StateError recording err.
func (s *Session) fail(err error) error {
	if terr := s.transition(StateError, func() { s.lastErr = err }); terr != nil {
		slog.Error("Failed to record session error", "error", err, "transition_error", terr)
	}
	return err
}

func (s *Session) currentEnv() *env {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

// Initialize verifies creds against the control plane and replaces all
// state derived from earlier credentials. It fails with AlreadyRunning while
// a tunnel is active and with Busy while another mutating call runs.
func (s *Session) Initialize(ctx context.Context, creds config.Credentials) error {
	const op = "initialize"

	if !s.op.TryLock() {
		return apierr.E(apierr.KindBusy, op, nil)
	}
	defer s.op.Unlock()

	state := s.State()
	if state.IsActive() {
		return apierr.E(apierr.KindAlreadyRunning, op, nil)
	}
	if !state.CanInitialize() {
		return apierr.E(apierr.KindInternal, op, fmt.Errorf("cannot initialize from %s", state))
	}

	var old *env
	err := s.transition(StateInitializing, func() {
		old = s.env
		s.env = nil
		s.lastErr = nil
	})
	if err != nil {
		return err
	}
	if old != nil {
		old.api.CloseIdleConnections()
	}
	s.collector.Reset()

	next, err := s.buildEnv(ctx, creds)
	if err != nil {
		slog.Warn("Initialize failed", "kind", apierr.KindOf(err), "error", err)
		return s.fail(err)
	}

	if err := s.transition(StateReady, func() { s.env = next }); err != nil {
		return err
	}
	slog.Info("Session initialized", "api_server", next.creds.APIServer, "device_id", next.meta.DeviceID)
	return nil
}

func (s *Session) buildEnv(ctx context.Context, creds config.Credentials) (*env, error) {
	const op = "initialize"

	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		if config.IsStorageError(err) {
			return nil, apierr.E(apierr.KindStoragePathUnavailable, op, err)
		}
		return nil, apierr.E(apierr.KindInvalidPayload, op, err)
	}

	manager, err := config.NewManager(config.NewPaths(creds.DataDir))
	if err != nil {
		return nil, apierr.E(apierr.KindStoragePathUnavailable, op, err)
	}
	cfg := manager.GetConfig()

	meta, err := metadata.Refresh(manager.Paths().MetadataFile, creds.APIServer, s.opts.Now())
	if err != nil {
		return nil, apierr.E(apierr.KindWriteMetadata, op, err)
	}

	if err := s.relay.SetUpstream(cfg.RelayUpstream); err != nil {
		slog.Warn("Ignoring stored relay upstream", "error", err)
	}
	s.relayForAPI.Store(cfg.UseRelayForAPI)

	api, err := s.opts.NewAPI(controlplane.Options{
		APIServer: creds.APIServer,
		Platform:  cfg.Platform,
		Timeout:   cfg.RequestTimeout(),
		Proxy:     s.apiProxy,
		Prober:    controlplane.NewTCPProber(cfg.PingPort, cfg.PingTimeout(), cfg.PingWorkers),
	})
	if err != nil {
		return nil, apierr.E(apierr.KindInvalidPayload, op, err)
	}

	if _, err := api.Authenticate(ctx, creds.AppToken, meta.DeviceID); err != nil {
		api.CloseIdleConnections()
		return nil, apierr.Wrap(apierr.KindNetwork, op, err)
	}

	return &env{
		creds:   creds,
		config:  manager,
		meta:    meta,
		api:     api,
		servers: cache.New(serverListTTL, serverListTTL),
	}, nil
}

// apiProxy routes API requests through the relay when enabled and running.
func (s *Session) apiProxy() *url.URL {
	if !s.relayForAPI.Load() {
		return nil
	}
	return s.relay.ProxyURL()
}

// Credentials returns the accepted credentials, or false before initialize.
func (s *Session) Credentials() (config.Credentials, bool) {
	e := s.currentEnv()
	if e == nil {
		return config.Credentials{}, false
	}
	return e.creds, true
}

// DeviceID returns the installation id, or "" before initialize.
func (s *Session) DeviceID() string {
	if e := s.currentEnv(); e != nil {
		return e.meta.DeviceID
	}
	return ""
}

// FetchServers always queries the control plane. The result is retained
// only to resolve server ids in Start.
func (s *Session) FetchServers(ctx context.Context, measurePing bool) ([]model.Server, error) {
	const op = "fetch_servers"

	e := s.currentEnv()
	if e == nil {
		return nil, apierr.E(apierr.KindNotInitialized, op, nil)
	}
	servers, err := e.api.FetchServers(ctx, measurePing)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, op, err)
	}
	e.servers.SetDefault(serverListKey, servers)
	return servers, nil
}

// FetchGlobalStatistics returns the latest statistics snapshot.
func (s *Session) FetchGlobalStatistics() (model.GlobalStatistics, error) {
	if s.currentEnv() == nil {
		return model.GlobalStatistics{}, apierr.E(apierr.KindNotInitialized, "fetch_global_statistics", nil)
	}
	return s.collector.Snapshot(), nil
}

// FetchConnectionLogPath returns the newest connection log file.
func (s *Session) FetchConnectionLogPath() (string, error) {
	const op = "fetch_connection_log_path"

	e := s.currentEnv()
	if e == nil {
		return "", apierr.E(apierr.KindNotInitialized, op, nil)
	}
	path, err := connlog.LatestPath(e.config.Paths().LogsDir)
	if err != nil {
		if errors.Is(err, connlog.ErrNoLog) {
			return "", apierr.E(apierr.KindVpnNotStarted, op, err)
		}
		return "", apierr.E(apierr.KindStoragePathUnavailable, op, err)
	}
	return path, nil
}

// resolveServer finds id in the last fetched list, fetching once when no
// list is cached.
func (s *Session) resolveServer(ctx context.Context, e *env, id int32) (model.Server, error) {
	const op = "start"

	var servers []model.Server
	if cached, ok := e.servers.Get(serverListKey); ok {
		servers = cached.([]model.Server)
	} else {
		fetched, err := e.api.FetchServers(ctx, false)
		if err != nil {
			return model.Server{}, apierr.Wrap(apierr.KindNetwork, op, err)
		}
		e.servers.SetDefault(serverListKey, fetched)
		servers = fetched
	}

	server, ok := model.FindServer(servers, id)
	if !ok {
		return model.Server{}, apierr.E(apierr.KindServerNotFound, op,
			fmt.Errorf("server %d not in the last fetched list", id))
	}
	return server, nil
}

// Start attaches a tunnel for req. It is allowed only from Ready; after a
// failed start the session must be initialized again.
func (s *Session) Start(ctx context.Context, req StartRequest) error {
	const op = "start"

	if !s.op.TryLock() {
		return apierr.E(apierr.KindBusy, op, nil)
	}
	defer s.op.Unlock()

	s.mu.RLock()
	state, e := s.state, s.env
	s.mu.RUnlock()

	if state.IsActive() {
		return apierr.E(apierr.KindAlreadyRunning, op, nil)
	}
	if e == nil {
		return apierr.E(apierr.KindNotInitialized, op, nil)
	}
	if state != StateReady {
		return apierr.E(apierr.KindNotInitialized, op, fmt.Errorf("session is in %s state; initialize again", state))
	}

	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	attachDone := make(chan struct{})
	defer close(attachDone)

	err := s.transition(StateConnecting, func() {
		s.lastErr = nil
		s.cancelAttach = cancel
		s.attachDone = attachDone
	})
	if err != nil {
		return err
	}

	var a *active
	server, err := s.resolveServer(attachCtx, e, req.ServerID)
	if err == nil {
		a, err = s.attach(attachCtx, e, server, req)
	}
	if err == nil && attachCtx.Err() != nil {
		a.close()
		err = attachCtx.Err()
	}

	if err != nil {
		if errors.Is(attachCtx.Err(), context.Canceled) && ctx.Err() == nil {
			// Stop was requested while connecting.
			s.unwind()
			return apierr.E(apierr.KindVpnStart, op, context.Canceled)
		}
		s.mu.Lock()
		s.cancelAttach, s.attachDone = nil, nil
		s.mu.Unlock()
		slog.Warn("Start failed", "server_id", req.ServerID, "error", err)
		return s.fail(apierr.Wrap(apierr.KindVpnStart, op, err))
	}

	err = s.transition(StateConnected, func() {
		s.active = a
		s.connectedAt = s.opts.Now()
		s.cancelAttach, s.attachDone = nil, nil
	})
	if err != nil {
		a.close()
		return err
	}

	s.collector.Start()
	go s.monitor(a)

	slog.Info("Session connected", "server_id", server.ID, "server", server.Name, "log", a.log.Path())
	return nil
}

// attach builds the outbounds and rules for server and binds the tunnel.
func (s *Session) attach(ctx context.Context, e *env, server model.Server, req StartRequest) (*active, error) {
	const op = "start"

	raw, err := e.api.FetchServerConfig(ctx, server.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, op, err)
	}
	serverCfg, err := tunnel.ParseServerConfig(raw)
	if err != nil {
		return nil, apierr.E(apierr.KindSerialization, op, err)
	}
	altRules, err := tunnel.ParseAltRules(req.AltRules)
	if err != nil {
		return nil, apierr.E(apierr.KindVpnStart, op, fmt.Errorf("alt rules: %w", err))
	}
	proxyDialer, err := tunnel.NewProxyDialer(serverCfg.Proxy)
	if err != nil {
		return nil, apierr.E(apierr.KindVpnStart, op, err)
	}

	geo, err := tunnel.OpenGeoIPFromAssets(s.opts.AssetDir)
	if err != nil {
		slog.Warn("GEOIP rules disabled", "error", err)
	}

	logsDir := e.config.Paths().LogsDir
	if err := connlog.Prune(logsDir, connlog.DefaultKeep-1); err != nil {
		slog.Debug("Failed to prune connection logs", "error", err)
	}
	log, err := connlog.Create(logsDir, s.opts.Now())
	if err != nil {
		_ = geo.Close()
		return nil, apierr.E(apierr.KindWriteMetadata, op, err)
	}

	cfg := e.config.GetConfig()
	attacher := s.opts.Attacher
	if attacher == nil {
		attacher = BinderAttacher{Binder: tunnel.NewBinder(cfg.AttachTimeout())}
	}

	var lookup tunnel.CountryLookup
	if geo != nil {
		lookup = geo
	}
	transport, err := attacher.Attach(ctx, tunnel.Params{
		Descriptor: req.Descriptor,
		MTU:        uint32(cfg.MTU),
		Outbounds:  tunnel.Outbounds{Proxy: proxyDialer, Direct: tunnel.NewDirectDialer()},
		Router:     tunnel.NewRouter(altRules, serverCfg.Rules, lookup),
		Counters:   s.counters,
		Recorder:   log,
		Domains:    tunnel.NewDomainCache(),
	})
	if err != nil {
		_ = log.Close()
		_ = geo.Close()
		if errors.Is(err, tunnel.ErrDescriptorNotFound) {
			return nil, apierr.E(apierr.KindDescriptorNotFound, op, err)
		}
		return nil, apierr.E(apierr.KindVpnStart, op, err)
	}

	return &active{transport: transport, log: log, geo: geo}, nil
}

// unwind returns a cancelled start to Ready through Stopping.
func (s *Session) unwind() {
	if err := s.transition(StateStopping, func() {
		s.cancelAttach, s.attachDone = nil, nil
	}); err != nil {
		slog.Error("Failed to unwind start", "error", err)
		return
	}
	if err := s.transition(StateReady, nil); err != nil {
		slog.Error("Failed to unwind start", "error", err)
	}
}

// monitor moves the session to Error(Network) if the tunnel ends on its own.
func (s *Session) monitor(a *active) {
	<-a.transport.Done()

	cause := a.transport.Err()
	if cause == nil {
		return
	}

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.RLock()
	current := s.active == a && s.state == StateConnected
	s.mu.RUnlock()
	if !current {
		return
	}

	slog.Warn("Tunnel terminated", "error", cause)
	err := s.transition(StateError, func() {
		s.active = nil
		s.lastErr = apierr.E(apierr.KindNetwork, "transport", cause)
	})
	if err != nil {
		return
	}
	s.collector.Stop()
	a.close()
}

// Stop tears down the tunnel. From Connecting it cancels the attach and
// waits for it to unwind. It is a no-op when no tunnel is active.
func (s *Session) Stop() error {
	const op = "stop"

	s.mu.RLock()
	state := s.state
	cancel, attachDone := s.cancelAttach, s.attachDone
	s.mu.RUnlock()

	if state == StateConnecting && cancel != nil {
		cancel()
		<-attachDone
		// The attach may have completed before it saw the cancellation.
		state = s.State()
	}
	if state != StateConnected {
		return nil
	}

	if !s.op.TryLock() {
		return apierr.E(apierr.KindBusy, op, nil)
	}
	defer s.op.Unlock()

	var a *active
	if err := s.transition(StateStopping, func() {
		a = s.active
		s.active = nil
	}); err != nil {
		// The tunnel died between the state check and the lock.
		return nil
	}

	s.collector.Stop()
	if a != nil {
		a.close()
	}

	if err := s.transition(StateReady, nil); err != nil {
		return err
	}
	slog.Info("Session stopped")
	return nil
}

// Close stops the tunnel and the relay.
func (s *Session) Close() {
	_ = s.Stop()
	s.relay.Stop()
	if e := s.currentEnv(); e != nil {
		e.api.CloseIdleConnections()
	}
}

// StartRelay starts the lightweight relay. It does not affect the session state.
func (s *Session) StartRelay() error {
	return s.relay.Start()
}

// StopRelay stops the lightweight relay.
func (s *Session) StopRelay() {
	s.relay.Stop()
}

// RelayPort returns the relay port, 0 when it is not running.
func (s *Session) RelayPort() uint16 {
	return s.relay.Port()
}

// SetRelayUpstream changes the relay upstream and persists it when initialized.
func (s *Session) SetRelayUpstream(addr string) error {
	if err := s.relay.SetUpstream(addr); err != nil {
		return apierr.E(apierr.KindInvalidPayload, "set_relay_upstream", err)
	}
	if e := s.currentEnv(); e != nil {
		if err := e.config.UpdateField(func(cfg *config.Config) { cfg.RelayUpstream = addr }); err != nil {
			return apierr.E(apierr.KindWriteMetadata, "set_relay_upstream", err)
		}
	}
	return nil
}

// SetUseRelayForAPI routes control-plane requests through the relay while it runs.
func (s *Session) SetUseRelayForAPI(enabled bool) error {
	s.relayForAPI.Store(enabled)
	if e := s.currentEnv(); e != nil {
		if err := e.config.UpdateField(func(cfg *config.Config) { cfg.UseRelayForAPI = enabled }); err != nil {
			return apierr.E(apierr.KindWriteMetadata, "set_use_relay_for_api", err)
		}
	}
	return nil
}

// UseRelayForAPI reports whether API requests go through the relay.
func (s *Session) UseRelayForAPI() bool {
	return s.relayForAPI.Load()
}
