package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/BadgerOps/gamescan/internal/progress"
	"github.com/BadgerOps/gamescan/internal/scanner"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const defaultRunLimit = 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProgress returns the current tracker snapshot.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

// ScanRequestBody is the optional request body for POST /api/scan.
type ScanRequestBody struct {
	Strictness string `json:"strictness"`
}

// ScanStartedBody is the response from POST /api/scan.
type ScanStartedBody struct {
	RunID      string `json:"run_id"`
	Strictness string `json:"strictness"`
}

// handleStartScan starts a repair scan in the background.
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level := s.opts.Level
	if req.Strictness != "" {
		parsed, err := verify.ParseLevel(req.Strictness)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		level = parsed
	}

	s.mu.Lock()
	if s.cancelScan != nil {
		s.mu.Unlock()
		jsonError(w, http.StatusConflict, "a scan is already running")
		return
	}
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(scanner.ContextWithRunID(s.base, runID))
	done := make(chan struct{})
	s.cancelScan = cancel
	s.scanDone = done
	s.mu.Unlock()

	s.tracker.Begin(runID, "scan")
	go s.runScan(ctx, cancel, done, runID, level)

	writeJSON(w, http.StatusAccepted, ScanStartedBody{RunID: runID, Strictness: level.String()})
}

func (s *Server) runScan(ctx context.Context, cancel context.CancelFunc, done chan struct{}, runID string, level verify.Level) {
	defer close(done)
	defer cancel()

	ok, err := s.scanner.ScanAndRepair(ctx, s.tracker, s.tracker, level)

	// The slot is free before the outcome is published, so a new run may
	// begin first; Finish ignores this run's outcome in that case.
	s.mu.Lock()
	s.cancelScan = nil
	s.mu.Unlock()

	state := progress.StateSucceeded
	switch {
	case ok:
	case errors.Is(err, scanner.ErrCancelled):
		state = progress.StateCancelled
	case err != nil:
		s.logger.Warn("scan failed", "run_id", runID, "error", err)
		state = progress.StateFailed
	default:
		state = progress.StateFailed
		err = errors.New("installation could not be verified")
	}
	if !s.tracker.Finish(runID, state, err) {
		s.logger.Debug("run outcome superseded by a newer run", "run_id", runID, "state", state)
	}
}

// handleCancelScan cancels the running scan, if any.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancelScan
	s.mu.Unlock()

	if cancel == nil {
		jsonError(w, http.StatusConflict, "no scan is running")
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

// handleQuickScan runs a quick scan synchronously.
func (s *Server) handleQuickScan(w http.ResponseWriter, r *http.Request) {
	ok, err := s.scanner.QuickScan(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scanner.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		jsonError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// handleListRuns returns recent scan runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListScanRuns(s.opts.Game, limit)
	if err != nil {
		s.logger.Error("failed to list scan runs", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list scan runs")
		return
	}

	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetRun returns one scan run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	id := mux.Vars(r)["id"]
	run, err := s.runs.GetScanRun(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "scan run not found")
			return
		}
		s.logger.Error("failed to get scan run", "id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get scan run")
		return
	}
	writeJSON(w, http.StatusOK, toRunJSON(*run))
}
