package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/store"
)

// Server exposes a Service over HTTP. Every route is GET only.
type Server struct {
	svc  *Service
	addr string
}

// NewServer returns a server for svc on addr.
func NewServer(svc *Service, addr string) *Server {
	if addr == "" {
		addr = "127.0.0.1:8790"
	}
	return &Server{svc: svc, addr: addr}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler returns the agent-facing routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/errors", s.handleErrors)
	mux.HandleFunc("/v1/summary", s.handleSummary)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/export", s.handleExport)
	return readOnly(mux)
}

// readOnly rejects every method that could imply a state change.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			slog.Warn("rejected write attempt on query surface", "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, fmt.Errorf("%w: %s %s", ErrPrivilegeViolation, r.Method, r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("query server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("query http server: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, ErrPrivilegeViolation):
		status, code = http.StatusMethodNotAllowed, "privilege_violation"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: err.Error()})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidRequest, name)
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidRequest, name)
	}
	return b, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// GET /v1/search?query=&project_path=&hours_ago=&limit=&kind=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := SearchRequest{Query: q.Get("query"), ProjectPath: q.Get("project_path")}
	hours, err := intParam(r, "hours_ago", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if hours > 0 {
		req.Since = s.svc.now().Add(-time.Duration(hours) * time.Hour)
	}
	if req.Limit, err = intParam(r, "limit", defaultLimit); err != nil {
		writeError(w, err)
		return
	}
	for _, k := range q["kind"] {
		kind, err := model.ParseKind(k)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
		req.Kinds = append(req.Kinds, kind)
	}

	res, err := s.svc.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// GET /v1/errors?project_path=&with_solutions=&limit=
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	withSolutions, err := boolParam(r, "with_solutions")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	reports, err := s.svc.Errors(r.Context(), ErrorsRequest{
		ProjectPath:   r.URL.Query().Get("project_path"),
		WithSolutions: withSolutions,
		Limit:         limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reports)
}

// GET /v1/summary?project_path=&days=
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 7)
	if err != nil {
		writeError(w, err)
		return
	}
	since := s.svc.now().AddDate(0, 0, -days)
	stats, err := s.svc.Summary(r.Context(), r.URL.Query().Get("project_path"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

// GET /v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CaptureStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

// GET /v1/export?days=&format=&project_path=
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 7)
	if err != nil {
		writeError(w, err)
		return
	}
	req := ExportRequest{
		Days:        days,
		Format:      r.URL.Query().Get("format"),
		ProjectPath: r.URL.Query().Get("project_path"),
	}

	var buf bytes.Buffer
	if err := s.svc.Export(r.Context(), &buf, req); err != nil {
		writeError(w, err)
		return
	}
	switch strings.ToLower(req.Format) {
	case FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	case FormatMarkdown, "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	case FormatJSONL:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	_, _ = w.Write(buf.Bytes())
}
