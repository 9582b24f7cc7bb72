// Package api serves the dashboard's request/response operations as a JSON
// HTTP API, plus websocket feeds for events and live logs.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

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

type Config struct {
	Listen         string        `yaml:"listen"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// Lifecycle issues unit commands
type Lifecycle interface {
	Statuses(ctx context.Context) ([]units.Snapshot, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
}

// Monitor is the supervisor surface
type Monitor interface {
	Snapshots() []units.Snapshot
	Refresh(ctx context.Context) bool
	AutoRestart() bool
	SetAutoRestart(enabled bool)
}

type OverrideEditor interface {
	Parse() (*override.Document, error)
	Save(updates map[string]string) ([]string, error)
}

type Console interface {
	Execute(ctx context.Context, command string) soap.Result
}

type RealmStore interface {
	List(ctx context.Context) ([]realms.Realm, error)
	Update(ctx context.Context, id int, update realms.RealmUpdate) (bool, error)
}

type ModuleCatalog interface {
	List() ([]modules.Module, error)
	Readme(dirName string) (string, error)
}

type LogStreams interface {
	Open(unit string, onData func(string), onError func(error)) (logstream.Session, error)
	StopSession(id string) bool
	Stop()
	Session() (logstream.Session, bool)
}

// Dependencies are the components behind the API. Nil optional components
// answer 503.
type Dependencies struct {
	Lifecycle Lifecycle
	Monitor   Monitor
	Override  OverrideEditor
	Console   Console
	Realms    RealmStore
	Modules   ModuleCatalog
	Logs      LogStreams
	Bus       *events.Bus
	Metrics   http.Handler
}

type Server struct {
	config     Config
	deps       Dependencies
	router     *mux.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	logger     logging.Logger
}

const DefaultRequestTimeout = 150 * time.Second

func NewServer(config Config, deps Dependencies, logger logging.Logger) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/units", s.getStatuses).Methods(http.MethodGet)
	api.HandleFunc("/units/snapshots", s.getSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/units/refresh", s.refresh).Methods(http.MethodPost)
	api.HandleFunc("/units/start-all", s.startAll).Methods(http.MethodPost)
	api.HandleFunc("/units/stop-all", s.stopAll).Methods(http.MethodPost)
	api.HandleFunc("/units/{unit}/{action:start|stop|restart}", s.unitAction).Methods(http.MethodPost)

	api.HandleFunc("/auto-restart", s.getAutoRestart).Methods(http.MethodGet)
	api.HandleFunc("/auto-restart", s.setAutoRestart).Methods(http.MethodPut)

	api.HandleFunc("/override", s.getOverride).Methods(http.MethodGet)
	api.HandleFunc("/override", s.saveOverride).Methods(http.MethodPut)

	api.HandleFunc("/console", s.execute).Methods(http.MethodPost)

	api.HandleFunc("/realms", s.listRealms).Methods(http.MethodGet)
	api.HandleFunc("/realms/{id:[0-9]+}", s.updateRealm).Methods(http.MethodPatch)

	api.HandleFunc("/modules", s.listModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}/readme", s.moduleReadme).Methods(http.MethodGet)

	api.HandleFunc("/logs", s.getLogSession).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.stopLogs).Methods(http.MethodDelete)

	s.router.HandleFunc("/ws/events", s.streamEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/logs/{unit}", s.streamLogs).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.config.Listen)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("API server stopped, error: %v", err)
		}
	}()

	s.logger.Infof("API server listening, address: %s", listener.Addr())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Infof("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if len(s.config.AllowedOrigins) == 0 {
		return sameOrigin(r, origin)
	}
	s.logger.Warnf("Rejected websocket origin, origin: %s", origin)
	return false
}
