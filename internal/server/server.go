package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/gamescan/internal/progress"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/gorilla/mux"
)

// Scanner is the part of scanner.Manager the server drives.
type Scanner interface {
	QuickScan(ctx context.Context) (bool, error)
	ScanAndRepair(ctx context.Context, overall progress.ProgressSink, sub progress.SubProgressSink, level verify.Level) (bool, error)
}

// RunLister reads scan history. *store.Store implements it.
type RunLister interface {
	ListScanRuns(game string, limit int) ([]store.ScanRun, error)
	GetScanRun(id string) (*store.ScanRun, error)
}

// Options configures a Server.
type Options struct {
	Game string
	// Level is used when a scan request does not name a strictness.
	Level verify.Level
}

// Server exposes scan control and live progress over HTTP and websockets.
type Server struct {
	scanner    Scanner
	runs       RunLister
	tracker    *progress.Tracker
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server

	// base outlives requests; background scans and websocket streams stop
	// when it is cancelled by Shutdown.
	base     context.Context
	shutdown context.CancelFunc

	mu         sync.Mutex
	cancelScan context.CancelFunc
	scanDone   chan struct{}
}

// NewServer creates a new Server instance. runs may be nil.
func NewServer(sc Scanner, runs RunLister, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Level == 0 {
		opts.Level = verify.Full
	}
	base, shutdown := context.WithCancel(context.Background())
	return &Server{
		scanner:  sc,
		runs:     runs,
		tracker:  progress.NewTracker(),
		opts:     opts,
		logger:   logger,
		base:     base,
		shutdown: shutdown,
	}
}

// Tracker returns the tracker fed by scans the server starts.
func (s *Server) Tracker() *progress.Tracker { return s.tracker }

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.setupRoutes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown cancels a running scan, waits for it, and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown()

	s.mu.Lock()
	done := s.scanDone
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/scan", s.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/cancel", s.handleCancelScan).Methods(http.MethodPost)
	api.HandleFunc("/quickscan", s.handleQuickScan).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)

	r.HandleFunc("/ws/progress", s.handleProgressStream).Methods(http.MethodGet)

	return r
}
