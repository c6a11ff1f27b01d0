// Package gateway serves the read-only HTTP ops surface next to the gRPC
// service: health, prometheus metrics, the lock table and who is connected.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/fsm"
	"github.com/pixperk/pdmlock/pkg/types"
)

// LockSource is the coordinator as seen by the gateway.
type LockSource interface {
	Locks(ctx context.Context) (types.LockTable, types.Revision, error)
	Cached() (types.LockTable, types.Revision)
	CachedLock(resourceID string) (types.Lock, bool)
	Stats() fsm.Stats
}

// Presence is the hub as seen by the gateway.
type Presence interface {
	Snapshot() []string
}

type Server struct {
	httpServer *http.Server
	locks      LockSource
	presence   Presence
	logger     *zap.Logger
}

func NewServer(httpAddr string, locks LockSource, presence Presence, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		locks:    locks,
		presence: presence,
		logger:   logger.Named("gateway"),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/locks", s.locksHandler)
		r.Get("/locks/{resourceID}", s.lockHandler)
		r.Get("/presence", s.presenceHandler)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Revision string `json:"revision,omitempty"`
	Locks    int    `json:"locks"`
	Peers    int    `json:"peers"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.locks.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Revision: stats.Revision,
		Locks:    stats.Locks,
		Peers:    len(s.presence.Snapshot()),
	})
}

type locksResponse struct {
	Locks    []types.Lock `json:"locks"`
	Revision string       `json:"revision"`
	Cached   bool         `json:"cached"`
}

// served from the last known table unless ?sync=true asks for a fetch first
func (s *Server) table(r *http.Request) (types.LockTable, types.Revision, bool, error) {
	if r.URL.Query().Get("sync") == "true" {
		table, rev, err := s.locks.Locks(r.Context())
		return table, rev, false, err
	}
	table, rev := s.locks.Cached()
	return table, rev, true, nil
}

func (s *Server) locksHandler(w http.ResponseWriter, r *http.Request) {
	table, rev, cached, err := s.table(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locksResponse{Locks: table.Locks(), Revision: rev.ID, Cached: cached})
}

func (s *Server) lockHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resourceID")
	var (
		lock types.Lock
		ok   bool
	)
	if r.URL.Query().Get("sync") == "true" {
		table, _, err := s.locks.Locks(r.Context())
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		lock, ok = table.Get(id)
	} else {
		lock, ok = s.locks.CachedLock(id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not locked", id))
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) presenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.presence.Snapshot()})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	if types.IsRetryable(err) {
		writeError(w, http.StatusServiceUnavailable, types.UserMessage(err))
		return
	}
	s.logger.Error("lock table read failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, types.UserMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
