// Package mcp exposes the debug gateway over the Model Context Protocol:
// JSON-RPC 2.0 messages, one per line, served on stdio or a TCP socket.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/cwlogs"
	"github.com/rotopus/rotodebug/internal/telemetry"
)

type ctxKey string

const ctxKeyTraceID ctxKey = "trace_id"

const protocolVersion = "2024-11-05"

// Gateway is the tool surface the server dispatches to. Every method
// returns the rendered result text; failures are encoded in the text,
// never as transport errors.
type Gateway interface {
	GenerateUUID(count int) string
	DecodeToken(tokenOverride string) string
	CreateSession(ctx context.Context, env, projectID, tokenOverride string) string
	CreateInteraction(ctx context.Context, env, sessionID, nodeID, message, tokenOverride string) string
	GetM3U8(ctx context.Context, env, sessionID string, playIndex *int, tokenOverride string) string
	GetSessionState(ctx context.Context, env, sessionID, tokenOverride string) string
	GetProjectState(ctx context.Context, env, projectID, tokenOverride string) string
	QueryLogs(ctx context.Context, req cwlogs.Request) string
}

type Server struct {
	tools  Gateway
	policy *core.Policy
	addr   string
	logger *slog.Logger

	ln     net.Listener
	mu     sync.Mutex
	closed bool
}

func NewServer(addr string, tools Gateway, policy *core.Policy, logger *slog.Logger) *Server {
	return &Server{
		tools:  tools,
		policy: policy,
		addr:   addr,
		logger: logger,
	}
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("mcp server listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("mcp accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := s.ServeStream(conn, conn); err != nil {
		s.logger.Error("mcp connection error", "error", err)
	}
}

// ServeStream runs the JSON-RPC loop over an arbitrary byte stream. The
// stdio transport calls it directly with the process pipes; TCP
// connections are handed off by handleConn.
func (s *Server) ServeStream(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error: " + err.Error()},
			})
			continue
		}

		// Notifications carry no id and expect no reply.
		if strings.HasPrefix(req.Method, "notifications/") {
			continue
		}

		traceID := uuid.New().String()
		ctx := context.WithValue(context.Background(), ctxKeyTraceID, traceID)

		resp := s.dispatch(ctx, req)
		s.writeResponse(w, resp)
	}
	return scanner.Err()
}

func (s *Server) writeResponse(w io.Writer, resp jsonRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	base := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		base.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "rotodebug",
				"version": core.Version,
			},
		}
		return base
	case "tools/list":
		base.Result = map[string]any{"tools": s.toolDefinitions()}
		return base
	case "tools/call":
		return s.handleToolCall(ctx, req, base)
	default:
		base.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return base
	}
}

// toolDefinitions filters the catalog down to what the policy allows,
// so a restricted deployment never advertises tools it would refuse.
func (s *Server) toolDefinitions() []map[string]any {
	defs := ToolDefinitions()
	if s.policy == nil {
		return defs
	}
	filtered := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		name, _ := def["name"].(string)
		if s.policy.Allows(name) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req jsonRPCRequest, base jsonRPCResponse) jsonRPCResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		base.Error = &rpcError{Code: -32602, Message: "invalid tool call params: " + err.Error()}
		return base
	}

	start := time.Now()
	defer func() {
		telemetry.ObserveToolDuration(params.Name, time.Since(start))
	}()

	if s.policy != nil {
		if err := s.policy.CheckTool(params.Name); err != nil {
			base.Error = &rpcError{Code: -32602, Message: err.Error()}
			return base
		}
	}

	raw := params.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch params.Name {
	case "generate_uuid":
		return s.toolGenerateUUID(ctx, raw, base)
	case "decode_token":
		return s.toolDecodeToken(ctx, raw, base)
	case "create_session":
		return s.toolCreateSession(ctx, raw, base)
	case "create_interaction":
		return s.toolCreateInteraction(ctx, raw, base)
	case "get_m3u8":
		return s.toolGetM3U8(ctx, raw, base)
	case "get_session_state":
		return s.toolGetSessionState(ctx, raw, base)
	case "get_project_state":
		return s.toolGetProjectState(ctx, raw, base)
	case "query_cloudwatch_logs":
		return s.toolQueryLogs(ctx, raw, base)
	default:
		base.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("unknown tool: %s", params.Name)}
		return base
	}
}

type generateUUIDArgs struct {
	Count *int `json:"count,omitempty"`
}

func (s *Server) toolGenerateUUID(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args generateUUIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	count := 1
	if args.Count != nil {
		count = *args.Count
	}

	out := s.tools.GenerateUUID(count)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "generate_uuid",
		"count", count,
	)

	base.Result = mcpContent(out)
	return base
}

type decodeTokenArgs struct {
	Token string `json:"token"`
}

func (s *Server) toolDecodeToken(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args decodeTokenArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}

	out := s.tools.DecodeToken(args.Token)

	// SECURITY: the token itself is never logged, only the fact that a
	// decode was attempted.
	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "decode_token",
	)

	base.Result = mcpContent(out)
	return base
}

type createSessionArgs struct {
	Env       string `json:"env"`
	ProjectID string `json:"project_id"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) toolCreateSession(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args createSessionArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	if strings.TrimSpace(args.ProjectID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "project_id is required"}
		return base
	}

	out := s.tools.CreateSession(ctx, args.Env, args.ProjectID, args.Token)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "create_session",
		"env", args.Env,
		"project_id", args.ProjectID,
	)

	base.Result = mcpContent(out)
	return base
}

type createInteractionArgs struct {
	Env       string `json:"env"`
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Message   string `json:"message"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) toolCreateInteraction(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args createInteractionArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	if strings.TrimSpace(args.SessionID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "session_id is required"}
		return base
	}
	if strings.TrimSpace(args.NodeID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "node_id is required"}
		return base
	}
	if strings.TrimSpace(args.Message) == "" {
		base.Error = &rpcError{Code: -32602, Message: "message is required"}
		return base
	}

	out := s.tools.CreateInteraction(ctx, args.Env, args.SessionID, args.NodeID, args.Message, args.Token)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "create_interaction",
		"env", args.Env,
		"session_id", args.SessionID,
		"node_id", args.NodeID,
	)

	base.Result = mcpContent(out)
	return base
}

type getM3U8Args struct {
	Env       string `json:"env"`
	SessionID string `json:"session_id"`
	PlayIndex *int   `json:"play_index,omitempty"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) toolGetM3U8(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args getM3U8Args
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	if strings.TrimSpace(args.SessionID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "session_id is required"}
		return base
	}

	out := s.tools.GetM3U8(ctx, args.Env, args.SessionID, args.PlayIndex, args.Token)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "get_m3u8",
		"env", args.Env,
		"session_id", args.SessionID,
	)

	base.Result = mcpContent(out)
	return base
}

type getSessionStateArgs struct {
	Env       string `json:"env"`
	SessionID string `json:"session_id"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) toolGetSessionState(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args getSessionStateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	if strings.TrimSpace(args.SessionID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "session_id is required"}
		return base
	}

	out := s.tools.GetSessionState(ctx, args.Env, args.SessionID, args.Token)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "get_session_state",
		"env", args.Env,
		"session_id", args.SessionID,
	)

	base.Result = mcpContent(out)
	return base
}

type getProjectStateArgs struct {
	Env       string `json:"env"`
	ProjectID string `json:"project_id"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) toolGetProjectState(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args getProjectStateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	if strings.TrimSpace(args.ProjectID) == "" {
		base.Error = &rpcError{Code: -32602, Message: "project_id is required"}
		return base
	}

	out := s.tools.GetProjectState(ctx, args.Env, args.ProjectID, args.Token)

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "get_project_state",
		"env", args.Env,
		"project_id", args.ProjectID,
	)

	base.Result = mcpContent(out)
	return base
}

type queryLogsArgs struct {
	Env       string `json:"env"`
	Query     string `json:"query,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Hours     int    `json:"hours,omitempty"`
	Days      int    `json:"days,omitempty"`
	Weeks     int    `json:"weeks,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

func (s *Server) toolQueryLogs(ctx context.Context, raw json.RawMessage, base jsonRPCResponse) jsonRPCResponse {
	traceID, _ := ctx.Value(ctxKeyTraceID).(string)

	var args queryLogsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		base.Error = &rpcError{Code: -32602, Message: err.Error()}
		return base
	}
	if strings.TrimSpace(args.Env) == "" {
		base.Error = &rpcError{Code: -32602, Message: "env is required"}
		return base
	}
	limit := cwlogs.DefaultLimit
	if args.Limit != nil {
		limit = *args.Limit
	}

	out := s.tools.QueryLogs(ctx, cwlogs.Request{
		Env:       args.Env,
		Query:     args.Query,
		SessionID: args.SessionID,
		Hours:     args.Hours,
		Days:      args.Days,
		Weeks:     args.Weeks,
		Limit:     limit,
	})

	s.logger.Info("tool call completed",
		"trace_id", traceID,
		"tool_name", "query_cloudwatch_logs",
		"env", args.Env,
	)

	base.Result = mcpContent(out)
	return base
}

// ToolDefinitions describes the full tool catalog in MCP schema form.
func ToolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "generate_uuid",
			"description": "Generate one or more random UUIDs (version 4).",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]string{"type": "integer", "description": "How many UUIDs to generate (default 1)"},
				},
			},
		},
		{
			"name":        "decode_token",
			"description": "Decode a JWT without verifying its signature and show the header and claims.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"token": map[string]string{"type": "string", "description": "JWT to decode; defaults to ROTO_AUTH_TOKEN"},
				},
			},
		},
		{
			"name":        "create_session",
			"description": "Create a new play session for a project.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: dev, prod or stage"},
					"project_id": map[string]string{"type": "string", "description": "Project to start the session for"},
					"token":      map[string]string{"type": "string", "description": "Auth token override; defaults to ROTO_AUTH_TOKEN"},
				},
				"required": []string{"env", "project_id"},
			},
		},
		{
			"name":        "create_interaction",
			"description": "Send an interaction message to a node in an existing play session.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: dev, prod or stage"},
					"session_id": map[string]string{"type": "string", "description": "Play session id"},
					"node_id":    map[string]string{"type": "string", "description": "Node to interact with"},
					"message":    map[string]string{"type": "string", "description": "Interaction message text"},
					"token":      map[string]string{"type": "string", "description": "Auth token override; defaults to ROTO_AUTH_TOKEN"},
				},
				"required": []string{"env", "session_id", "node_id", "message"},
			},
		},
		{
			"name":        "get_m3u8",
			"description": "Fetch the m3u8 playlist for a play session.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: dev, prod or stage"},
					"session_id": map[string]string{"type": "string", "description": "Play session id"},
					"play_index": map[string]string{"type": "integer", "description": "Optional play index sent as the x-play-index header"},
					"token":      map[string]string{"type": "string", "description": "Auth token override; defaults to ROTO_AUTH_TOKEN"},
				},
				"required": []string{"env", "session_id"},
			},
		},
		{
			"name":        "get_session_state",
			"description": "Fetch the full state document for a play session.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: dev, prod or stage"},
					"session_id": map[string]string{"type": "string", "description": "Play session id"},
					"token":      map[string]string{"type": "string", "description": "Auth token override; defaults to ROTO_AUTH_TOKEN"},
				},
				"required": []string{"env", "session_id"},
			},
		},
		{
			"name":        "get_project_state",
			"description": "Fetch the state document for a project.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: dev, prod or stage"},
					"project_id": map[string]string{"type": "string", "description": "Project id"},
					"token":      map[string]string{"type": "string", "description": "Auth token override; defaults to ROTO_AUTH_TOKEN"},
				},
				"required": []string{"env", "project_id"},
			},
		},
		{
			"name":        "query_cloudwatch_logs",
			"description": "Run a CloudWatch Logs Insights query against an environment's log group and return the results as CSV.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"env":        map[string]string{"type": "string", "description": "Target environment: prod or stage"},
					"query":      map[string]string{"type": "string", "description": "Logs Insights query; ignored when session_id is set"},
					"session_id": map[string]string{"type": "string", "description": "Synthesize a query for this session's log lines"},
					"hours":      map[string]string{"type": "integer", "description": "Look back this many hours"},
					"days":       map[string]string{"type": "integer", "description": "Look back this many days"},
					"weeks":      map[string]string{"type": "integer", "description": "Look back this many weeks"},
					"limit":      map[string]string{"type": "integer", "description": "Maximum result rows (default 100)"},
				},
				"required": []string{"env"},
			},
		},
	}
}

// ToolNames lists every tool in the catalog, for allowlist validation
// and documentation checks.
func ToolNames() []string {
	defs := ToolDefinitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		if name, ok := def["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

// mcpContent wraps tool output in the content envelope the protocol
// expects for tool call results.
func mcpContent(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}
}
