package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/connlog"
	"github.com/apivpn/apivpn-core/internal/metadata"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/tunnel"
)

type fixture struct {
	session  *Session
	api      *MockAPI
	attacher *MockAttacher
	dataDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		api:      NewMockAPI(),
		attacher: NewMockAttacher(),
		dataDir:  t.TempDir(),
	}
	f.session = New(Options{
		NewAPI:   f.api.factory(),
		Attacher: f.attacher,
		AssetDir: t.TempDir(),
	})
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) creds() config.Credentials {
	return config.Credentials{AppToken: "tok1", APIServer: "api.example", DataDir: f.dataDir}
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Initialize(context.Background(), f.creds()))
	require.Equal(t, StateReady, f.session.State())
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.initialize(t)
	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 7}))
	require.Equal(t, StateConnected, f.session.State())
}

func TestNew(t *testing.T) {
	s := New(Options{})

	assert.Equal(t, StateUninitialized, s.State())
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.LastError())
	assert.Empty(t, s.DeviceID())
	_, ok := s.Credentials()
	assert.False(t, ok)
}

func TestSession_Initialize(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var transitions []State
	f.session.OnStateChange(func(_, new State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, new)
	})

	f.initialize(t)

	mu.Lock()
	assert.Equal(t, []State{StateInitializing, StateReady}, transitions)
	mu.Unlock()

	creds, ok := f.session.Credentials()
	require.True(t, ok)
	assert.Equal(t, "https://api.example", creds.APIServer)
	assert.Equal(t, "https://api.example", f.api.opts.APIServer)
	assert.Equal(t, "tok1", f.api.appToken)
	assert.Equal(t, f.session.DeviceID(), f.api.deviceID)

	meta, err := metadata.Load(filepath.Join(f.dataDir, config.MetadataFileName))
	require.NoError(t, err)
	assert.Equal(t, f.session.DeviceID(), meta.DeviceID)
	assert.Equal(t, "https://api.example", meta.APIServer)
}

func TestSession_InitializeFailure(t *testing.T) {
	f := newFixture(t)
	f.api.authErr = apierr.E(apierr.KindNetwork, "authenticate", errMockNetwork)

	err := f.session.Initialize(context.Background(), f.creds())
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrNetwork)
	assert.Equal(t, StateError, f.session.State())
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(f.session.LastError()))

	_, ok := f.session.Credentials()
	assert.False(t, ok, "credentials must be discarded on failure")

	err = f.session.Start(context.Background(), StartRequest{ServerID: 3})
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)

	// Retry from Error.
	f.api.authErr = nil
	f.initialize(t)
	assert.NoError(t, f.session.LastError())
}

func TestSession_InitializeInvalidCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds config.Credentials
		kind  apierr.Kind
	}{
		{"relative data dir", config.Credentials{AppToken: "t", DataDir: "relative/dir"}, apierr.KindStoragePathUnavailable},
		{"empty data dir", config.Credentials{AppToken: "t"}, apierr.KindStoragePathUnavailable},
		{"empty token", config.Credentials{DataDir: "/tmp"}, apierr.KindInvalidPayload},
		{"bad scheme", config.Credentials{AppToken: "t", APIServer: "ftp://x", DataDir: "/tmp"}, apierr.KindInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.session.Initialize(context.Background(), tt.creds)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apierr.KindOf(err))
			assert.Equal(t, StateError, f.session.State())
		})
	}
}

func TestSession_InitializeUnwritableDataDir(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(f.dataDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	err := f.session.Initialize(context.Background(), config.Credentials{AppToken: "t", DataDir: blocker})
	require.Error(t, err)
	assert.Equal(t, apierr.KindStoragePathUnavailable, apierr.KindOf(err))
}

func TestSession_ReinitializeReplacesState(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	firstDevice := f.session.DeviceID()

	_, err := f.session.FetchServers(context.Background(), false)
	require.NoError(t, err)

	f.session.counters.AddSent(model.OutboundProxy, 100)

	second := config.Credentials{AppToken: "tok2", APIServer: "https://other.example/", DataDir: f.dataDir}
	require.NoError(t, f.session.Initialize(context.Background(), second))

	creds, ok := f.session.Credentials()
	require.True(t, ok)
	assert.Equal(t, "tok2", creds.AppToken)
	assert.Equal(t, "https://other.example", creds.APIServer)
	assert.Equal(t, firstDevice, f.session.DeviceID(), "device id survives re-initialization")

	stats, err := f.session.FetchGlobalStatistics()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalProxyBytesSent, "counters reset on initialize")

	// The server list of the previous credentials is gone.
	fetches := f.api.FetchCount()
	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3}))
	assert.Equal(t, fetches+1, f.api.FetchCount())
}

func TestSession_StartBeforeInitialize(t *testing.T) {
	f := newFixture(t)

	err := f.session.Start(context.Background(), StartRequest{ServerID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)
	assert.Equal(t, StateUninitialized, f.session.State())
}

func TestSession_QueriesBeforeInitialize(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.FetchServers(context.Background(), false)
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)

	_, err = f.session.FetchGlobalStatistics()
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)

	_, err = f.session.FetchConnectionLogPath()
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)
}

func TestSession_FetchServers(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	servers, err := f.session.FetchServers(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	_, err = f.session.FetchServers(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.FetchCount(), "every call refetches")

	f.api.serversErr = apierr.E(apierr.KindSerialization, "fetch servers", errors.New("bad json"))
	_, err = f.session.FetchServers(context.Background(), false)
	assert.ErrorIs(t, err, apierr.ErrSerialization)
	assert.Equal(t, StateReady, f.session.State(), "read-only failures keep the state")
}

func TestSession_StartAndStop(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	_, err := f.session.FetchConnectionLogPath()
	assert.ErrorIs(t, err, apierr.ErrVpnNotStarted)

	require.NoError(t, f.session.Start(context.Background(), StartRequest{
		ServerID:   3,
		Descriptor: 42,
		AltRules:   "DOMAIN-SUFFIX,example.com,DIRECT",
	}))
	assert.Equal(t, StateConnected, f.session.State())
	assert.True(t, f.session.IsRunning())
	assert.True(t, f.session.Collector().IsRunning())

	params := f.attacher.Params()
	require.Len(t, params, 1)
	assert.Equal(t, 42, params[0].Descriptor)
	assert.Equal(t, uint32(1500), params[0].MTU)
	assert.NotNil(t, params[0].Outbounds.Proxy)
	assert.NotNil(t, params[0].Outbounds.Direct)
	// 1 alt rule plus the private ranges of the server config.
	assert.Greater(t, params[0].Router.Len(), 1)
	assert.Equal(t, []int32{3}, f.api.configFetches)

	logPath, err := f.session.FetchConnectionLogPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dataDir, config.LogsDirName), filepath.Dir(logPath))

	require.NoError(t, f.session.Stop())
	assert.Equal(t, StateReady, f.session.State())
	assert.False(t, f.session.IsRunning())
	assert.False(t, f.session.Collector().IsRunning())
	assert.True(t, f.attacher.Transport().Closed())

	// Stop is a no-op once stopped.
	require.NoError(t, f.session.Stop())
	assert.Equal(t, StateReady, f.session.State())
}

func TestSession_ConnectedSince(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t)
	f.session.opts.Now = func() time.Time { return now }

	assert.True(t, f.session.ConnectedSince().IsZero())

	f.connect(t)
	assert.Equal(t, now, f.session.ConnectedSince())

	require.NoError(t, f.session.Stop())
	assert.True(t, f.session.ConnectedSince().IsZero())
}

func TestSession_StartRecordsConnections(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	rec := f.attacher.Params()[0].Recorder
	require.NotNil(t, rec)
	rec.Record(model.ConnectionRecord{Host: "example.com", Port: 443, Protocol: model.ProtocolTCP})

	logPath, err := f.session.FetchConnectionLogPath()
	require.NoError(t, err)
	require.NoError(t, f.session.Stop())

	records, err := connlog.ReadAll(logPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "example.com", records[0].Host)
}

func TestSession_SecondStartWhileConnected(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	err := f.session.Start(context.Background(), StartRequest{ServerID: 1, Descriptor: 8})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrAlreadyRunning)
	assert.Equal(t, StateConnected, f.session.State())
	assert.Len(t, f.attacher.Params(), 1, "descriptor must not be bound twice")

	err = f.session.Initialize(context.Background(), f.creds())
	assert.ErrorIs(t, err, apierr.ErrAlreadyRunning)
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSession_StartUnknownServer(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	_, err := f.session.FetchServers(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, f.api.FetchCount())

	err = f.session.Start(context.Background(), StartRequest{ServerID: 99})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrServerNotFound)
	assert.Equal(t, 1, f.api.FetchCount(), "reuses the cached list")
	assert.Equal(t, StateError, f.session.State())
	assert.Equal(t, apierr.KindServerNotFound, apierr.KindOf(f.session.LastError()))
	assert.Empty(t, f.attacher.Params())
}

func TestSession_StartFetchesServersWhenUncached(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
	assert.Equal(t, 1, f.api.FetchCount())
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSession_StartFromError(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.attacher.SetErr(errors.New("stack failed"))

	require.Error(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
	require.Equal(t, StateError, f.session.State())

	f.attacher.SetErr(nil)
	err := f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)
	assert.Equal(t, StateError, f.session.State())
	assert.Len(t, f.attacher.Params(), 1, "descriptor must not be bound from Error")

	_, ok := f.session.Credentials()
	assert.True(t, ok, "credentials are kept for initialize")

	f.initialize(t)
	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
	assert.Equal(t, StateConnected, f.session.State())
	assert.NoError(t, f.session.LastError())
}

func TestSession_StartFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		altRules string
		kind     apierr.Kind
	}{
		{
			name:  "descriptor not found",
			setup: func(f *fixture) { f.attacher.SetErr(tunnel.ErrDescriptorNotFound) },
			kind:  apierr.KindDescriptorNotFound,
		},
		{
			name:  "attach failure",
			setup: func(f *fixture) { f.attacher.SetErr(errors.New("stack failed")) },
			kind:  apierr.KindVpnStart,
		},
		{
			name:  "config fetch failure",
			setup: func(f *fixture) { f.api.configErr = apierr.E(apierr.KindNetwork, "fetch server config", errMockNetwork) },
			kind:  apierr.KindNetwork,
		},
		{
			name:  "config without proxy",
			setup: func(f *fixture) { f.api.config = `{"outbounds":[]}` },
			kind:  apierr.KindSerialization,
		},
		{
			name:     "malformed alt rules",
			setup:    func(f *fixture) {},
			altRules: "NOPE",
			kind:     apierr.KindVpnStart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.initialize(t)
			tt.setup(f)

			err := f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5, AltRules: tt.altRules})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apierr.KindOf(err))
			assert.Equal(t, StateError, f.session.State())
			assert.Equal(t, tt.kind, apierr.KindOf(f.session.LastError()))
			assert.False(t, f.session.IsRunning())

			// Start is retried only after initialize.
			f.attacher.SetErr(nil)
			f.api.configErr = nil
			f.api.config = testServerConfig
			err = f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
			assert.ErrorIs(t, err, apierr.ErrNotInitialized)
			f.initialize(t)
			require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
			assert.Equal(t, StateConnected, f.session.State())
			assert.NoError(t, f.session.LastError())
		})
	}
}

func TestSession_StopWhileConnecting(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.attacher.SetBlock(true)

	var mu sync.Mutex
	var transitions []State
	f.session.OnStateChange(func(_, new State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, new)
	})

	startErr := make(chan error, 1)
	go func() {
		startErr <- f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
	}()

	select {
	case <-f.attacher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("attach never started")
	}
	assert.Equal(t, StateConnecting, f.session.State())

	// Mutating calls are rejected while the start is in flight.
	err := f.session.Initialize(context.Background(), f.creds())
	assert.ErrorIs(t, err, apierr.ErrBusy)
	err = f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
	assert.ErrorIs(t, err, apierr.ErrBusy)

	require.NoError(t, f.session.Stop())
	assert.Equal(t, StateReady, f.session.State())

	select {
	case err := <-startErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateStopping, StateReady}, transitions)
	mu.Unlock()
}

func TestSession_StopWhileResolvingServer(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	f.api.SetBlockFetch(true)

	startErr := make(chan error, 1)
	go func() {
		startErr <- f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
	}()

	select {
	case <-f.api.fetching:
	case <-time.After(2 * time.Second):
		t.Fatal("server fetch never started")
	}
	assert.Equal(t, StateConnecting, f.session.State())

	require.NoError(t, f.session.Stop())
	assert.Equal(t, StateReady, f.session.State())

	select {
	case err := <-startErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	assert.Empty(t, f.attacher.Params(), "attach must not run after stop")
	assert.NoError(t, f.session.LastError())

	f.api.SetBlockFetch(false)
	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSession_TransportDies(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.attacher.Transport().Fail(tunnel.ErrDescriptorClosed)

	require.Eventually(t, func() bool {
		return f.session.State() == StateError
	}, 2*time.Second, 10*time.Millisecond)

	err := f.session.LastError()
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(err))
	assert.ErrorIs(t, err, tunnel.ErrDescriptorClosed)
	assert.False(t, f.session.IsRunning())
	assert.False(t, f.session.Collector().IsRunning())

	// Stop after the fact is a no-op; start works again after initialize.
	require.NoError(t, f.session.Stop())
	err = f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5})
	assert.ErrorIs(t, err, apierr.ErrNotInitialized)
	f.initialize(t)
	require.NoError(t, f.session.Start(context.Background(), StartRequest{ServerID: 3, Descriptor: 5}))
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSession_StatisticsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	counters := f.attacher.Params()[0].Counters
	require.NotNil(t, counters)

	var last uint64
	for i := 0; i < 5; i++ {
		counters.AddRecvd(model.OutboundProxy, 10)
		counters.AddSent(model.OutboundDirect, 3)
		s, err := f.session.FetchGlobalStatistics()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.TotalProxyBytesRecvd, last)
		last = s.TotalProxyBytesRecvd
	}

	require.NoError(t, f.session.Stop())
	s, err := f.session.FetchGlobalStatistics()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), s.TotalProxyBytesRecvd)
	assert.Equal(t, uint64(15), s.TotalNonProxyBytesSent)
	assert.Zero(t, s.ProxyBytesRecvdPerSecond)
}

func TestSession_Relay(t *testing.T) {
	f := newFixture(t)

	assert.Zero(t, f.session.RelayPort())
	require.NoError(t, f.session.StartRelay())
	port := f.session.RelayPort()
	assert.NotZero(t, port)
	assert.Equal(t, StateUninitialized, f.session.State(), "relay is independent of the session state")

	f.session.StopRelay()
	assert.Zero(t, f.session.RelayPort())

	err := f.session.SetRelayUpstream("ftp://nope")
	assert.ErrorIs(t, err, apierr.ErrInvalidPayload)
}

func TestSession_RelaySettingsPersist(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.SetRelayUpstream("127.0.0.1:9050"))
	require.NoError(t, f.session.SetUseRelayForAPI(true))
	assert.True(t, f.session.UseRelayForAPI())

	cfg, err := config.Load(filepath.Join(f.dataDir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9050", cfg.RelayUpstream)
	assert.True(t, cfg.UseRelayForAPI)

	// API requests use the relay only while it runs.
	assert.Nil(t, f.api.opts.Proxy())
	require.NoError(t, f.session.StartRelay())
	proxyURL := f.api.opts.Proxy()
	require.NotNil(t, proxyURL)
	assert.Equal(t, "socks5", proxyURL.Scheme)

	// A fresh session picks the stored settings up on initialize.
	other := New(Options{NewAPI: NewMockAPI().factory(), Attacher: NewMockAttacher()})
	t.Cleanup(other.Close)
	require.NoError(t, other.Initialize(context.Background(), f.creds()))
	assert.True(t, other.UseRelayForAPI())
}
