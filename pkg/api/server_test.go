package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/logstream"
	"github.com/core-tools/hsu-realmctl/pkg/modules"
	"github.com/core-tools/hsu-realmctl/pkg/override"
	"github.com/core-tools/hsu-realmctl/pkg/realms"
	"github.com/core-tools/hsu-realmctl/pkg/soap"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) Statuses(ctx context.Context) ([]units.Snapshot, error) {
	args := m.Called(ctx)
	snapshots, _ := args.Get(0).([]units.Snapshot)
	return snapshots, args.Error(1)
}

func (m *MockLifecycle) Start(ctx context.Context, unit string) error {
	return m.Called(ctx, unit).Error(0)
}

func (m *MockLifecycle) Stop(ctx context.Context, unit string) error {
	return m.Called(ctx, unit).Error(0)
}

func (m *MockLifecycle) Restart(ctx context.Context, unit string) error {
	return m.Called(ctx, unit).Error(0)
}

func (m *MockLifecycle) StartAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockLifecycle) StopAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeMonitor struct {
	mu          sync.Mutex
	snapshots   []units.Snapshot
	autoRestart bool
	refreshes   int
}

func (f *fakeMonitor) Snapshots() []units.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func (f *fakeMonitor) Refresh(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return true
}

func (f *fakeMonitor) AutoRestart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoRestart
}

func (f *fakeMonitor) SetAutoRestart(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoRestart = enabled
}

type fakeOverride struct {
	doc     *override.Document
	saved   map[string]string
	changed []string
	err     error
}

func (f *fakeOverride) Parse() (*override.Document, error) {
	return f.doc, f.err
}

func (f *fakeOverride) Save(updates map[string]string) ([]string, error) {
	f.saved = updates
	return f.changed, f.err
}

type fakeConsole struct {
	commands []string
}

func (f *fakeConsole) Execute(ctx context.Context, command string) soap.Result {
	f.commands = append(f.commands, command)
	return soap.Result{Success: true, Message: "ok: " + command}
}

type fakeRealms struct {
	list    []realms.Realm
	id      int
	update  realms.RealmUpdate
	updated bool
}

func (f *fakeRealms) List(ctx context.Context) ([]realms.Realm, error) {
	return f.list, nil
}

func (f *fakeRealms) Update(ctx context.Context, id int, update realms.RealmUpdate) (bool, error) {
	f.id, f.update = id, update
	return f.updated, nil
}

type fakeModules struct{}

func (fakeModules) List() ([]modules.Module, error) {
	return []modules.Module{{DirName: "mod-ah-bot", DisplayName: "ah-bot"}}, nil
}

func (fakeModules) Readme(dirName string) (string, error) {
	if dirName != "mod-ah-bot" {
		return "", errors.NewNotFoundError("module README not found", nil)
	}
	return "<h1>AH Bot</h1>\n", nil
}

type fakeStream struct {
	done chan struct{}
	once sync.Once
}

func (f *fakeStream) Close()                { f.once.Do(func() { close(f.done) }) }
func (f *fakeStream) Done() <-chan struct{} { return f.done }

type fakeStreamer struct {
	mu     sync.Mutex
	onData func(string)
	stream *fakeStream
}

func (f *fakeStreamer) StreamLogs(unit string, onData func(string), onError func(error)) (logstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onData = onData
	f.stream = &fakeStream{done: make(chan struct{})}
	return f.stream, nil
}

func (f *fakeStreamer) emit(data string) {
	f.mu.Lock()
	onData := f.onData
	f.mu.Unlock()
	onData(data)
}

func newTestServer(deps Dependencies) *Server {
	return NewServer(Config{}, deps, logging.Nop())
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestServer_Statuses(t *testing.T) {
	lifecycle := &MockLifecycle{}
	snapshots := []units.Snapshot{{Unit: units.WorldServer, State: units.StateRunning, StatusText: "Up 2 minutes"}}
	lifecycle.On("Statuses", mock.Anything).Return(snapshots, nil)

	s := newTestServer(Dependencies{Lifecycle: lifecycle})
	rec := do(t, s.Handler(), http.MethodGet, "/api/units", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got []units.Snapshot
	decode(t, rec, &got)
	assert.Equal(t, snapshots, got)
}

func TestServer_UnitActions(t *testing.T) {
	tests := []struct {
		action string
		method string
	}{
		{action: "start", method: "Start"},
		{action: "stop", method: "Stop"},
		{action: "restart", method: "Restart"},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			lifecycle := &MockLifecycle{}
			lifecycle.On(tt.method, mock.Anything, units.AuthServer).Return(nil)

			s := newTestServer(Dependencies{Lifecycle: lifecycle})
			rec := do(t, s.Handler(), http.MethodPost, "/api/units/"+units.AuthServer+"/"+tt.action, "")

			assert.Equal(t, http.StatusOK, rec.Code)
			lifecycle.AssertExpectations(t)
		})
	}
}

func TestServer_UnknownActionIsNotRouted(t *testing.T) {
	s := newTestServer(Dependencies{Lifecycle: &MockLifecycle{}})
	rec := do(t, s.Handler(), http.MethodPost, "/api/units/ac-worldserver/kill", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "unknown unit", err: errors.NewNotFoundError("unit is not registered", nil), expected: http.StatusNotFound},
		{name: "command failed", err: errors.NewExecutionError("docker compose start failed", nil), expected: http.StatusBadGateway},
		{name: "timed out", err: errors.NewExecutionError("start timed out", errors.NewTimeoutError("deadline", nil)), expected: http.StatusGatewayTimeout},
		{name: "other", err: errors.NewInternalError("boom", nil), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lifecycle := &MockLifecycle{}
			lifecycle.On("Start", mock.Anything, "ac-database").Return(tt.err)

			s := newTestServer(Dependencies{Lifecycle: lifecycle})
			rec := do(t, s.Handler(), http.MethodPost, "/api/units/ac-database/start", "")

			assert.Equal(t, tt.expected, rec.Code)
			var body ErrorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.expected, body.Status)
			assert.Contains(t, body.Message, tt.err.Error())
		})
	}
}

func TestServer_BulkActions(t *testing.T) {
	lifecycle := &MockLifecycle{}
	lifecycle.On("StartAll", mock.Anything).Return(nil)
	lifecycle.On("StopAll", mock.Anything).Return(errors.NewExecutionError("docker compose stop failed", nil))

	s := newTestServer(Dependencies{Lifecycle: lifecycle})

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPost, "/api/units/start-all", "").Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s.Handler(), http.MethodPost, "/api/units/stop-all", "").Code)
	lifecycle.AssertExpectations(t)
}

func TestServer_MissingDependencyIsUnavailable(t *testing.T) {
	s := newTestServer(Dependencies{})

	for _, path := range []string{"/api/units", "/api/units/snapshots", "/api/override", "/api/realms", "/api/modules", "/api/logs"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_AutoRestart(t *testing.T) {
	monitor := &fakeMonitor{}
	s := newTestServer(Dependencies{Monitor: monitor})

	rec := do(t, s.Handler(), http.MethodPut, "/api/auto-restart", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, monitor.AutoRestart())

	rec = do(t, s.Handler(), http.MethodGet, "/api/auto-restart", "")
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPut, "/api/auto-restart", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPut, "/api/auto-restart", `{"enabled":"yes"}`).Code)
}

func TestServer_RefreshReturnsSnapshots(t *testing.T) {
	monitor := &fakeMonitor{snapshots: []units.Snapshot{{Unit: "ac-database", State: units.StateExited}}}
	s := newTestServer(Dependencies{Monitor: monitor})

	rec := do(t, s.Handler(), http.MethodPost, "/api/units/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Refreshed bool             `json:"refreshed"`
		Snapshots []units.Snapshot `json:"snapshots"`
	}
	decode(t, rec, &body)
	assert.True(t, body.Refreshed)
	assert.Equal(t, monitor.snapshots, body.Snapshots)
	assert.Equal(t, 1, monitor.refreshes)
}

func TestServer_Override(t *testing.T) {
	editor := &fakeOverride{
		doc: &override.Document{Sections: []override.Section{{
			Name: "PvP Settings",
			Vars: []override.Var{{Key: "AC_PVP_TOKEN_ENABLE", Value: "0", Type: override.VarToggle}},
		}}},
		changed: []string{"AC_PVP_TOKEN_ENABLE"},
	}
	s := newTestServer(Dependencies{Override: editor})

	rec := do(t, s.Handler(), http.MethodGet, "/api/override", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc override.Document
	decode(t, rec, &doc)
	assert.Equal(t, *editor.doc, doc)

	rec = do(t, s.Handler(), http.MethodPut, "/api/override", `{"updates":{"AC_PVP_TOKEN_ENABLE":"1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":["AC_PVP_TOKEN_ENABLE"]}`, rec.Body.String())
	assert.Equal(t, map[string]string{"AC_PVP_TOKEN_ENABLE": "1"}, editor.saved)
}

func TestServer_OverrideRejectedValue(t *testing.T) {
	editor := &fakeOverride{err: errors.NewWriteError("failed to save override", errors.NewValidationError("value contains a quote", nil))}
	s := newTestServer(Dependencies{Override: editor})

	rec := do(t, s.Handler(), http.MethodPut, "/api/override", `{"updates":{"AC_MOTD":"say \"hi\""}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OverrideNothingChanged(t *testing.T) {
	s := newTestServer(Dependencies{Override: &fakeOverride{}})

	rec := do(t, s.Handler(), http.MethodPut, "/api/override", `{"updates":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":[]}`, rec.Body.String())
}

func TestServer_Console(t *testing.T) {
	console := &fakeConsole{}
	s := newTestServer(Dependencies{Console: console})

	rec := do(t, s.Handler(), http.MethodPost, "/api/console", `{"command":"server info"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"ok: server info"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/api/console", `{"command":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"server info"}, console.commands)
}

func TestServer_Realms(t *testing.T) {
	store := &fakeRealms{
		list:    []realms.Realm{{ID: 1, Name: "AzerothCore", Address: "127.0.0.1", Port: 8085}},
		updated: true,
	}
	s := newTestServer(Dependencies{Realms: store})

	rec := do(t, s.Handler(), http.MethodGet, "/api/realms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []realms.Realm
	decode(t, rec, &list)
	assert.Equal(t, store.list, list)

	rec = do(t, s.Handler(), http.MethodPatch, "/api/realms/1", `{"address":"10.0.0.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":true}`, rec.Body.String())
	assert.Equal(t, 1, store.id)
	require.NotNil(t, store.update.Address)
	assert.Equal(t, "10.0.0.5", *store.update.Address)
	assert.Nil(t, store.update.Name)

	rec = do(t, s.Handler(), http.MethodPatch, "/api/realms/1", `{"flags":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Modules(t *testing.T) {
	s := newTestServer(Dependencies{Modules: fakeModules{}})

	rec := do(t, s.Handler(), http.MethodGet, "/api/modules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"dirName":"mod-ah-bot","displayName":"ah-bot"}]`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/api/modules/mod-ah-bot/readme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"html":"<h1>AH Bot</h1>\n"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/api/modules/mod-missing/readme", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsRouteOnlyWhenConfigured(t *testing.T) {
	s := newTestServer(Dependencies{})
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/metrics", "").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	s = newTestServer(Dependencies{Metrics: metrics})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		ok      bool
	}{
		{name: "no origin header", origin: "", ok: true},
		{name: "same origin by default", origin: "http://dashboard.local", ok: true},
		{name: "cross origin by default", origin: "http://evil.example", ok: false},
		{name: "listed origin", allowed: []string{"http://localhost:5173"}, origin: "http://localhost:5173", ok: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:5173"}, origin: "http://dashboard.local", ok: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://anything.example", ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{AllowedOrigins: tt.allowed}, Dependencies{}, logging.Nop())
			req := httptest.NewRequest(http.MethodGet, "http://dashboard.local/ws/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.ok, s.checkOrigin(req))
		})
	}
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestServer_EventWebsocket(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	s := newTestServer(Dependencies{Bus: bus})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/events"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the handshake completes
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Crashed{Snapshot: units.Snapshot{Unit: units.WorldServer, State: units.StateExited}})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope struct {
		Kind events.Kind `json:"kind"`
		Data struct {
			Snapshot units.Snapshot `json:"snapshot"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, events.KindCrashed, envelope.Kind)
}

func TestServer_LogWebsocket(t *testing.T) {
	streamer := &fakeStreamer{}
	manager := logstream.NewManager(streamer, logging.Nop())
	s := newTestServer(Dependencies{Logs: manager})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/logs/"+units.WorldServer), nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first LogMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "session", first.Type)
	assert.Equal(t, units.WorldServer, first.Unit)

	session, ok := manager.Session()
	require.True(t, ok)
	assert.Equal(t, first.Session, session.ID)

	streamer.emit("World initialized\n")

	var data LogMessage
	require.NoError(t, conn.ReadJSON(&data))
	assert.Equal(t, "data", data.Type)
	assert.Equal(t, "World initialized\n", data.Data)

	conn.Close()
	assert.Eventually(t, func() bool {
		_, active := manager.Session()
		return !active
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_LogWebsocketSuperseded(t *testing.T) {
	streamer := &fakeStreamer{}
	manager := logstream.NewManager(streamer, logging.Nop())
	s := newTestServer(Dependencies{Logs: manager})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/logs/"+units.WorldServer), nil)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hello LogMessage
	require.NoError(t, first.ReadJSON(&hello))

	second, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/logs/"+units.AuthServer), nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, second.ReadJSON(&hello))
	assert.Equal(t, units.AuthServer, hello.Unit)

	// the first connection is closed once its session is replaced
	for {
		var msg LogMessage
		if err := first.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}

	session, ok := manager.Session()
	require.True(t, ok)
	assert.Equal(t, units.AuthServer, session.Unit)
}
