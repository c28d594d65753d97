// Package daemon is the HTTP control plane: health and debug probes, the
// session CRUD API, SSE chat streams, the websocket event feed and the
// webhook mounts for bridges that receive pushes instead of opening their
// own connections. It binds one loopback port, records itself in
// daemon.json so CLI clients can find it, and tears both down on shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tamias-dev/tamias/internal/bridges"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// ErrBind means no listener could be bound. The CLI maps it to exit code 2.
var ErrBind = errors.New("port bind failed")

// reservedPorts are skipped during automatic port selection; they are the
// usual suspects for dev servers and databases already running locally.
var reservedPorts = map[int]bool{
	3000: true, 3306: true, 5000: true, 5432: true, 6379: true,
	8000: true, 8080: true, 8443: true, 9000: true,
}

const (
	portScanStart = 9001
	portScanEnd   = 9999
)

// Options wires the server to the rest of the daemon.
type Options struct {
	Config  *config.Config
	Paths   config.Paths
	Store   *sessions.Store
	Version string
	Verbose bool

	// Webhooks are mounted on the mux at each bridge's WebhookPath.
	Webhooks []bridges.WebhookBridge

	// OnShutdownRequest runs when DELETE /daemon is called, after the
	// response is written. The CLI wires it to cancel the root context.
	OnShutdownRequest func()
}

// Server serves the daemon API on one listener. BuildMux is cached so a
// second listener (the tailnet one) can serve the identical routes.
type Server struct {
	cfg     *config.Config
	paths   config.Paths
	version string
	verbose bool

	store      *sessions.Store
	dispatcher *events.Dispatcher
	webhooks   []bridges.WebhookBridge
	shutdownFn func()

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*feedClient

	mux        *http.ServeMux
	httpServer *http.Server
	ln         net.Listener
	port       int
}

// New builds a server; call Listen then Serve.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		paths:      opts.Paths,
		version:    opts.Version,
		verbose:    opts.Verbose,
		store:      opts.Store,
		dispatcher: opts.Store.Dispatcher(),
		webhooks:   opts.Webhooks,
		shutdownFn: opts.OnShutdownRequest,
		clients:    make(map[string]*feedClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Loopback listener; non-browser clients send no Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the mux with every route registered. Call it
// before Serve when another listener needs the same routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleFeed)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /session/{id}/stream", s.handleStream)

	mux.HandleFunc("GET /debug", s.handleDebug)
	mux.HandleFunc("DELETE /daemon", s.handleShutdownRequest)

	for _, wb := range s.webhooks {
		mux.Handle(wb.WebhookPath(), wb)
		slog.Info("webhook mounted", "path", wb.WebhookPath())
	}

	s.mux = mux
	return mux
}

// Listen binds the daemon port and writes daemon.json. A configured port is
// bound exactly; port 0 scans upward from 9001, skipping ports common local
// services sit on. Bind failures wrap ErrBind.
func (s *Server) Listen() (int, error) {
	host := s.cfg.Daemon.Host
	if host == "" {
		host = "127.0.0.1"
	}

	if p := s.cfg.Daemon.Port; p > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			return 0, fmt.Errorf("%w: port %d: %v", ErrBind, p, err)
		}
		s.ln, s.port = ln, p
	} else {
		ln, port, err := listenFree(host)
		if err != nil {
			return 0, err
		}
		s.ln, s.port = ln, port
	}

	if err := s.writeInfo(); err != nil {
		s.ln.Close()
		return 0, fmt.Errorf("write %s: %w", s.paths.DaemonFile(), err)
	}
	return s.port, nil
}

func listenFree(host string) (net.Listener, int, error) {
	for port := portScanStart; port <= portScanEnd; port++ {
		if reservedPorts[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no free port in %d-%d", ErrBind, portScanStart, portScanEnd)
}

// Serve blocks until ctx is cancelled or the listener fails. It removes
// daemon.json on the way out so a stale file never points at a dead pid.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	mux := s.BuildMux()
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	slog.Info("daemon listening", "addr", s.ln.Addr().String())
	err := s.httpServer.Serve(s.ln)
	os.Remove(s.paths.DaemonFile())
	if err != http.ErrServerClosed {
		return fmt.Errorf("daemon server: %w", err)
	}
	return nil
}

// Port reports the bound port; 0 before Listen.
func (s *Server) Port() int { return s.port }

func (s *Server) writeInfo() error {
	info := protocol.DaemonInfo{
		PID:       os.Getpid(),
		Port:      s.port,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.paths.DaemonFile(), append(data, '\n'), 0o644)
}

// ReadInfo loads daemon.json. CLI clients use it to find the running daemon.
func ReadInfo(paths config.Paths) (protocol.DaemonInfo, error) {
	var info protocol.DaemonInfo
	data, err := os.ReadFile(paths.DaemonFile())
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse %s: %w", paths.DaemonFile(), err)
	}
	return info, nil
}
