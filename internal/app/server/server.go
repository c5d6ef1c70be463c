// Package server wires the coplay.space HTTP server: room store,
// artifact store, validator sandbox, session runtime, and the transport
// routes, plus the ended-room sweeper.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/convert"
	"github.com/louisbranch/coplay.space/internal/platform/timeouts"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/registry/sqlite"
	"github.com/louisbranch/coplay.space/internal/runtime"
	"github.com/louisbranch/coplay.space/internal/transport/ws"
	"github.com/louisbranch/coplay.space/internal/validator/luasandbox"
)

// sweepBatch caps how many ended rooms one sweep pass deletes.
const sweepBatch = 100

// Config defines the inputs for the HTTP server.
type Config struct {
	Addr string `env:"COPLAY_SPACE_HTTP_ADDR" envDefault:":8080"`
	// DBPath selects the SQLite room store; empty falls back to the
	// in-memory store, which loses rooms on restart.
	DBPath      string `env:"COPLAY_SPACE_DB_PATH"`
	ArtifactDir string `env:"COPLAY_SPACE_ARTIFACT_DIR" envDefault:"data/artifacts"`
	// AuthSecret enables player assertion tokens when non-empty.
	AuthSecret string `env:"COPLAY_SPACE_AUTH_SECRET"`

	OpenAIAPIKey string `env:"COPLAY_SPACE_OPENAI_API_KEY"`
	OpenAIModel  string `env:"COPLAY_SPACE_OPENAI_MODEL"`
	OpenAIURL    string `env:"COPLAY_SPACE_OPENAI_URL"`

	SweepInterval time.Duration `env:"COPLAY_SPACE_SWEEP_INTERVAL" envDefault:"1h"`
}

// Server hosts the coplay.space HTTP API.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	runtime    *runtime.Runtime
	sweep      time.Duration
	closeStore func() error
}

// New creates a configured server listening on cfg.Addr.
func New(cfg Config) (*Server, error) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	deployer := luasandbox.NewDeployer(artifacts, luasandbox.New())
	rt := runtime.New(registry.New(store), deployer)
	pipeline := convert.NewPipeline(store, artifacts, deployer, convert.NewOpenAIRewriter(convert.OpenAIConfig{
		ResponsesURL: cfg.OpenAIURL,
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
	}))

	handler := ws.NewHandler(ws.Config{
		Runtime:    rt,
		Pipeline:   pipeline,
		Store:      store,
		Artifacts:  artifacts,
		AuthSecret: []byte(cfg.AuthSecret),
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Hour
	}

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		runtime:    rt,
		sweep:      sweep,
		closeStore: closeStore,
	}, nil
}

// Run creates and serves the server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the HTTP server and the ended-room sweeper until the
// context ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if err := s.closeStore(); err != nil {
			log.Printf("close room store: %v", err)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.runSweeper(sweepCtx)

	log.Printf("server listening on %s", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.logMetrics()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// logMetrics writes the final runtime counters as one key=value line.
func (s *Server) logMetrics() {
	snapshot := s.runtime.Metrics.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", key, snapshot[key]))
	}
	log.Printf("runtime counters %s", strings.Join(parts, " "))
}

// runSweeper garbage-collects ended rooms past the retention window.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-timeouts.EndedRoomRetention)
			swept, err := s.runtime.SweepEnded(ctx, cutoff, sweepBatch)
			if err != nil {
				log.Printf("sweep ended rooms: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("swept ended rooms count=%d", swept)
			}
		}
	}
}

// openStore picks the room store backend. SQLite when a path is set,
// otherwise in-memory.
func openStore(cfg Config) (registry.RoomStore, func() error, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		log.Printf("no db path configured; rooms are in-memory and lost on restart")
		return registry.NewMemStore(), func() error { return nil }, nil
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open room store: %w", err)
	}
	return store, store.Close, nil
}
