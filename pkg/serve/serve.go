// Package serve exposes the harness control plane over HTTP: session
// lifecycle, status, evidence retrieval, report finalization, and the
// notification intake endpoint the system under test posts to.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/certo/pkg/engine"
	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/report"
	"github.com/ormasoftchile/certo/pkg/session"
)

const maxControlBody = 1 << 20

// Server is the HTTP control plane over one harness.
type Server struct {
	harness  *engine.Harness
	rec      evidence.Recorder
	listener *notify.Listener
	logger   *log.Logger
	addr     string
}

// New creates a control server listening on addr.
func New(addr string, h *engine.Harness, rec evidence.Recorder, listener *notify.Listener, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		harness:  h,
		rec:      rec,
		listener: listener,
		logger:   logger.With("component", "serve"),
		addr:     addr,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /procedures", s.handleProcedures)
	mux.HandleFunc("POST /sessions", s.handleStart)
	mux.HandleFunc("GET /sessions/{session}", s.handleSession)
	mux.HandleFunc("GET /sessions/{session}/evidence", s.handleEvidence)
	mux.HandleFunc("POST /sessions/{session}/abort", s.handleAbort)
	mux.HandleFunc("POST /sessions/{session}/finalize", s.handleFinalize)
	mux.Handle("POST /sessions/{session}/notifications", s.listener.Handler())
	return mux
}

// Run serves until the context is cancelled, then drains with a grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("control API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type startRequest struct {
	Procedure string            `json:"procedure"`
	Target    string            `json:"target"`
	Vars      map[string]string `json:"vars,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Procedure == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "procedure and target are required")
		return
	}

	id, err := s.harness.StartSession(r.Context(), req.Procedure, req.Target, req.Vars)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownProcedure) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("start session", "err", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: id})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	sess, err := s.harness.SessionStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.logger.Error("load session", "session", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	if _, err := s.harness.SessionStatus(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}
	evs, err := s.rec.List(r.Context(), id)
	if err != nil {
		s.logger.Error("list evidence", "session", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not list evidence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": evs, "count": len(evs)})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	if err := s.harness.AbortSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		if errors.Is(err, engine.ErrPolicyViolation) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("abort session", "session", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not abort session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// handleFinalize ends a session if it is still running and returns the
// assembled conformance report. Finalizing a running session aborts it
// first; evidence already recorded is retained.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	sess, err := s.harness.SessionStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}

	if !sess.Status.Terminal() {
		if err := s.harness.AbortSession(r.Context(), id); err != nil {
			s.logger.Error("abort for finalize", "session", id, "err", err)
			writeError(w, http.StatusInternalServerError, "could not finalize session")
			return
		}
		select {
		case <-s.harness.Done(id):
		case <-r.Context().Done():
			writeError(w, http.StatusRequestTimeout, "finalize interrupted")
			return
		}
		sess, err = s.harness.SessionStatus(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not reload session")
			return
		}
	}

	evs, err := s.rec.List(r.Context(), id)
	if err != nil {
		s.logger.Error("list evidence", "session", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not list evidence")
		return
	}
	rep := report.Build(s.harness.Procedure(sess.ProcedureID), sess, evs)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleProcedures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"procedures": s.harness.Procedures()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
