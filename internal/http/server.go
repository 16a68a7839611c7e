// Package http serves the debug gateway over plain REST for callers
// that are not MCP clients: health and version probes, Prometheus
// metrics, and a tool invocation endpoint mirroring the MCP catalog.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/gateway"
	"github.com/rotopus/rotodebug/internal/mcp"
	"github.com/rotopus/rotodebug/internal/telemetry"
)

// Dispatcher routes a named tool call to its implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, args gateway.Args) (string, error)
}

// BuildInfo carries version metadata injected at build time.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

type Server struct {
	tools  Dispatcher
	policy *core.Policy
	build  BuildInfo
	srv    *http.Server
	logger *slog.Logger
}

const maxRequestBodyBytes = 1 << 20

func NewServer(addr string, tools Dispatcher, policy *core.Policy, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		tools:  tools,
		policy: policy,
		build:  build,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
	mux.HandleFunc("POST /api/v1/tools/{tool}", s.handleCallTool)

	// A log query can poll CloudWatch for a minute before timing out,
	// so writes get far more headroom than reads.
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.srv.Addr)
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    s.build.Version,
		"git_commit": s.build.GitCommit,
		"build_time": s.build.BuildTime,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, telemetry.RenderPrometheus())
}

type toolListEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	defs := mcp.ToolDefinitions()
	entries := make([]toolListEntry, 0, len(defs))
	for _, def := range defs {
		name, _ := def["name"].(string)
		if s.policy != nil && !s.policy.Allows(name) {
			continue
		}
		desc, _ := def["description"].(string)
		entries = append(entries, toolListEntry{Name: name, Description: desc})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": entries})
}

type toolCallResponse struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	if s.policy != nil {
		if err := s.policy.CheckTool(tool); err != nil {
			writeErr(w, http.StatusForbidden, err.Error())
			return
		}
	}

	// An empty body means a tool call with no arguments.
	var args gateway.Args
	if err := decodeJSONBody(w, r, &args); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	out, err := s.tools.Dispatch(r.Context(), tool, args)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toolCallResponse{Tool: tool, Output: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
