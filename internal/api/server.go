package api

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/observer/internal/api/models"
	"github.com/smazurov/observer/internal/eventbus"
	"github.com/smazurov/observer/internal/events"
	"github.com/smazurov/observer/internal/logging"
	"github.com/smazurov/observer/internal/redisconn"
	"github.com/smazurov/observer/internal/relay"
	"github.com/smazurov/observer/internal/scripts"
	"github.com/smazurov/observer/internal/version"
)

const authRealm = `Basic realm="Observer API"`

// Connection is the part of the Redis connection manager the API uses.
// *redisconn.Manager implements it.
type Connection interface {
	State() redisconn.State
	Scripts() *scripts.Cache
	ExecScript(ctx context.Context, name string, keys []string, args ...any) (any, error)
}

// Subscriptions manages relayed channels. *relay.Relay implements it.
type Subscriptions interface {
	Initialized() bool
	Mappings() []relay.Mapping
	Subscribe(ctx context.Context, m relay.Mapping) error
	Unsubscribe(ctx context.Context, source string) error
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	CORSOrigin        string
	Connection        Connection
	Subscriptions     Subscriptions
	Bus               *eventbus.Bus
	Events            *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
	Logger            *slog.Logger
}

// Server is the Huma v2 admin API.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	conn       Connection
	subs       Subscriptions
	bus        *eventbus.Bus
	events     *events.Bus
	logger     *slog.Logger
}

// basicAuthMiddleware creates middleware for HTTP basic authentication
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	deny := func(ctx huma.Context, msg string, errs ...error) {
		ctx.SetHeader("WWW-Authenticate", authRealm)
		huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		// Operations without security requirements are public
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		var encoded string
		if header := ctx.Header("Authorization"); header != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(header, prefix) {
				deny(ctx, "Invalid authentication type")
				return
			}
			encoded = header[len(prefix):]
		} else {
			// EventSource cannot set headers, so SSE clients pass credentials as a query parameter
			encoded = ctx.Query("auth")
		}

		if encoded == "" {
			deny(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			deny(ctx, "Invalid credentials format", err)
			return
		}

		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			deny(ctx, "Invalid credentials format")
			return
		}
		if user != username || pass != password {
			deny(ctx, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// NewServer creates the API server with Go 1.22+ native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	if opts.CORSOrigin != "" {
		corsConfig.AllowOrigin = opts.CORSOrigin
	}
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("Observer API", version.String())
	config.Info.Description = "Redis script and pub/sub relay administration"
	// Empty servers list makes OpenAPI use relative paths
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("api")
	}

	server := &Server{
		api:    api,
		mux:    mux,
		conn:   opts.Connection,
		subs:   opts.Subscriptions,
		bus:    opts.Bus,
		events: opts.Events,
		logger: logger,
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(NewLoggingMiddleware(logger.With("component", "http")))
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()

	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the Huma API instance.
func (s *Server) API() huma.API {
	return s.api
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting Observer API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and all connections, including open event streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	// Health check endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Redis connection state and relay status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		data := models.HealthData{
			Status: "degraded",
			State:  redisconn.Disconnected.String(),
		}
		if s.conn != nil {
			state := s.conn.State()
			data.State = state.String()
			if state == redisconn.Ready {
				data.Status = "ok"
			}
		}
		if s.subs != nil {
			data.Relay = s.subs.Initialized()
			data.Subscriptions = len(s.subs.Mappings())
		}
		return &models.HealthResponse{Body: data}, nil
	})

	// Version endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerScriptRoutes()
	s.registerSubscriptionRoutes()
	s.registerEventRoutes()
	s.registerLogRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
