// Package webstatus serves a minimal read-only status feed: one /health
// endpoint and one /ws endpoint that mirrors bus.MessageBus broadcasts
// (pkg/protocol's event names) out to connected clients. SPEC_FULL.md lists
// web UI routes as out of scope beyond "specified only at their
// interfaces", so this stays deliberately small rather than reproducing the
// teacher's full managed-mode admin API.
//
// Grounded on the teacher's internal/gateway/server.go: the
// upgrader/registerClient/unregisterClient/Subscribe-per-client shape is
// carried over directly, narrowed from the teacher's full JSON-RPC method
// router down to a one-way event mirror (no inbound client methods).
package webstatus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Store is the read-only status surface the handler reports.
type Store interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Server serves the status HTTP/WS endpoints.
type Server struct {
	bus    *bus.MessageBus
	store  Store
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

// New constructs a Server bound to addr. It does not listen until Start is
// called.
func New(cfg config.WebConfig, msgBus *bus.MessageBus, st Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:     msgBus,
		store:   st,
		logger:  logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Start listens until ctx is cancelled, then shuts the HTTP server down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webstatus listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth := int64(-1)
	if s.store != nil {
		if d, err := s.store.PendingCount(r.Context()); err == nil {
			depth = d
		}
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","queue_depth":%d}`, depth)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("webstatus: upgrade failed", "err", err)
		return
	}

	c := newClient(conn)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()

	c.run(r.Context())
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(event bus.Event) {
		c.send(event)
	})
	s.logger.Info("webstatus client connected", "id", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.bus.Unsubscribe(c.id)
	s.logger.Info("webstatus client disconnected", "id", c.id)
}

// PublishTick lets the scheduler announce its own heartbeat on the status
// feed without importing the scheduler package here.
func (s *Server) PublishTick() {
	s.bus.Broadcast(bus.Event{Name: protocol.EventTick})
}

// PublishCronResult announces a finished cron run on the status feed.
func (s *Server) PublishCronResult(jobName string, status store.CronRunStatus) {
	s.bus.Broadcast(bus.Event{
		Name:    protocol.EventCron,
		Payload: map[string]string{"job": jobName, "status": string(status)},
	})
}
