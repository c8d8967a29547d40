package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Embedded server defaults.
const (
	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 4222
	readyTimeout      = 5 * time.Second
)

// ServerOptions configures the embedded NATS server. Port -1 picks a free port.
type ServerOptions struct {
	Host   string
	Port   int
	Name   string
	Logger *slog.Logger
}

// Server is an embedded NATS server for deployments without an external broker.
type Server struct {
	opts   ServerOptions
	ns     *server.Server
	logger *slog.Logger
}

// NewServer creates an embedded server. It does not listen until Start.
func NewServer(opts ServerOptions) *Server {
	if opts.Host == "" {
		opts.Host = DefaultServerHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultServerPort
	}
	if opts.Name == "" {
		opts.Name = "observer"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		opts:   opts,
		logger: logger.With("component", "nats-server"),
	}
}

// Start runs the server and waits until it accepts connections.
func (s *Server) Start() error {
	ns, err := server.NewServer(&server.Options{
		Host:       s.opts.Host,
		Port:       s.opts.Port,
		ServerName: s.opts.Name,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready within %s", readyTimeout)
	}

	s.ns = ns
	s.logger.Info("NATS server started", "url", s.ClientURL())
	return nil
}

// Stop shuts the server down and waits for it to exit.
func (s *Server) Stop() {
	if s.ns == nil {
		return
	}
	s.logger.Info("Stopping NATS server")
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.ns = nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	if s.ns == nil {
		return fmt.Sprintf("nats://%s:%d", s.opts.Host, s.opts.Port)
	}
	return s.ns.ClientURL()
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	return s.ns != nil && s.ns.Running()
}

// NumClients returns the number of connected clients.
func (s *Server) NumClients() int {
	if s.ns == nil {
		return 0
	}
	return s.ns.NumClients()
}
