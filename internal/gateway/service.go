// Package gateway implements the debug tool operations shared by the MCP
// and HTTP surfaces. Every tool renders its own outcome into text; errors
// never escape to the transport layer.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rotopus/rotodebug/internal/config"
	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/cwlogs"
	"github.com/rotopus/rotodebug/internal/rototv"
	"github.com/rotopus/rotodebug/internal/telemetry"
)

// BackendClient is one authenticated connection to a RotoTV backend.
type BackendClient interface {
	CreateSession(ctx context.Context, projectID string) (json.RawMessage, error)
	CreateInteraction(ctx context.Context, sessionID, nodeID, message string) (json.RawMessage, error)
	GetM3U8(ctx context.Context, sessionID string, playIndex *int) (string, error)
	GetSessionState(ctx context.Context, sessionID string) (json.RawMessage, error)
	GetProjectState(ctx context.Context, projectID string) (json.RawMessage, error)
}

// LogEngine runs one log query to a terminal state.
type LogEngine interface {
	Run(ctx context.Context, req cwlogs.Request) (cwlogs.Result, error)
}

type Config struct {
	Resolver   *config.Resolver
	Logs       LogEngine
	NewBackend func(baseURL, token string) BackendClient
	Logger     *slog.Logger
}

type Service struct {
	resolver   *config.Resolver
	logs       LogEngine
	newBackend func(baseURL, token string) BackendClient
	logger     *slog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Resolver == nil {
		cfg.Resolver = config.NewResolver(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Logs == nil {
		cfg.Logs = cwlogs.NewEngine(cwlogs.Config{Resolver: cfg.Resolver, Logger: cfg.Logger})
	}
	if cfg.NewBackend == nil {
		cfg.NewBackend = func(baseURL, token string) BackendClient {
			return rototv.NewClient(baseURL, token)
		}
	}
	return &Service{
		resolver:   cfg.Resolver,
		logs:       cfg.Logs,
		newBackend: cfg.NewBackend,
		logger:     cfg.Logger,
	}
}

// GenerateUUID returns count random UUIDs joined by newlines. A count at
// or below zero yields an empty string.
func (s *Service) GenerateUUID(count int) string {
	if count < 0 {
		count = 0
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	telemetry.IncToolCall("generate_uuid", "ok")
	return strings.Join(ids, "\n")
}

type decodedTokenEnvelope struct {
	Success bool           `json:"success"`
	Header  map[string]any `json:"header"`
	Claims  jwt.MapClaims  `json:"claims"`
}

// DecodeToken splits a JWT into its header and claims without verifying
// the signature, for inspecting what a token asserts.
// SECURITY: the raw token never appears in the result or in logs.
func (s *Service) DecodeToken(tokenOverride string) string {
	text, err := s.decodeToken(tokenOverride)
	telemetry.IncToolCall("decode_token", core.StatusLabel(err))
	if err != nil {
		return core.FailureEnvelope(err)
	}
	return text
}

func (s *Service) decodeToken(tokenOverride string) (string, error) {
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return "", err
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims shape")
	}

	return core.RenderJSON(decodedTokenEnvelope{
		Success: true,
		Header:  parsed.Header,
		Claims:  claims,
	})
}

func (s *Service) CreateSession(ctx context.Context, env, projectID, tokenOverride string) string {
	session, sessionID, err := s.createSession(ctx, env, projectID, tokenOverride)
	telemetry.IncToolCall("create_session", core.StatusLabel(err))
	if err != nil {
		s.logger.Warn("create_session failed", "env", env, "error", err)
		return core.FailureEnvelope(err)
	}
	return core.SessionCreatedEnvelope(session, sessionID)
}

func (s *Service) createSession(ctx context.Context, env, projectID, tokenOverride string) (json.RawMessage, string, error) {
	baseURL, err := config.BackendURL(env)
	if err != nil {
		return nil, "", err
	}
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return nil, "", err
	}

	session, err := s.newBackend(baseURL, token).CreateSession(ctx, projectID)
	if err != nil {
		return nil, "", err
	}

	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(session, &meta); err != nil {
		return nil, "", fmt.Errorf("decode session response: %w", err)
	}
	if meta.ID == "" {
		return nil, "", errors.New(`session response missing "id"`)
	}
	return session, meta.ID, nil
}

func (s *Service) CreateInteraction(ctx context.Context, env, sessionID, nodeID, message, tokenOverride string) string {
	result, err := s.createInteraction(ctx, env, sessionID, nodeID, message, tokenOverride)
	telemetry.IncToolCall("create_interaction", core.StatusLabel(err))
	if err != nil {
		s.logger.Warn("create_interaction failed", "env", env, "session_id", sessionID, "error", err)
		return core.FailureEnvelope(err)
	}
	return core.InteractionEnvelope(result, sessionID)
}

func (s *Service) createInteraction(ctx context.Context, env, sessionID, nodeID, message, tokenOverride string) (json.RawMessage, error) {
	baseURL, err := config.BackendURL(env)
	if err != nil {
		return nil, err
	}
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return nil, err
	}
	return s.newBackend(baseURL, token).CreateInteraction(ctx, sessionID, nodeID, message)
}

// GetM3U8 returns the playlist text itself, not an envelope. Failures
// render as "Error: ..." strings.
func (s *Service) GetM3U8(ctx context.Context, env, sessionID string, playIndex *int, tokenOverride string) string {
	playlist, err := s.getM3U8(ctx, env, sessionID, playIndex, tokenOverride)
	telemetry.IncToolCall("get_m3u8", core.StatusLabel(err))
	if err != nil {
		return core.ErrorText(err)
	}
	return playlist
}

func (s *Service) getM3U8(ctx context.Context, env, sessionID string, playIndex *int, tokenOverride string) (string, error) {
	baseURL, err := config.BackendURL(env)
	if err != nil {
		return "", err
	}
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return "", err
	}
	return s.newBackend(baseURL, token).GetM3U8(ctx, sessionID, playIndex)
}

// GetSessionState pretty-prints the backend payload as-is on success;
// failures wrap into the standard envelope.
func (s *Service) GetSessionState(ctx context.Context, env, sessionID, tokenOverride string) string {
	text, err := s.getSessionState(ctx, env, sessionID, tokenOverride)
	telemetry.IncToolCall("get_session_state", core.StatusLabel(err))
	if err != nil {
		return core.FailureEnvelope(err)
	}
	return text
}

func (s *Service) getSessionState(ctx context.Context, env, sessionID, tokenOverride string) (string, error) {
	baseURL, err := config.BackendURL(env)
	if err != nil {
		return "", err
	}
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return "", err
	}
	state, err := s.newBackend(baseURL, token).GetSessionState(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return core.RenderJSON(state)
}

func (s *Service) GetProjectState(ctx context.Context, env, projectID, tokenOverride string) string {
	text, err := s.getProjectState(ctx, env, projectID, tokenOverride)
	telemetry.IncToolCall("get_project_state", core.StatusLabel(err))
	if err != nil {
		return core.FailureEnvelope(err)
	}
	return text
}

func (s *Service) getProjectState(ctx context.Context, env, projectID, tokenOverride string) (string, error) {
	baseURL, err := config.BackendURL(env)
	if err != nil {
		return "", err
	}
	token, err := s.resolver.AuthToken(tokenOverride)
	if err != nil {
		return "", err
	}
	state, err := s.newBackend(baseURL, token).GetProjectState(ctx, projectID)
	if err != nil {
		return "", err
	}
	return core.RenderJSON(state)
}

func (s *Service) QueryLogs(ctx context.Context, req cwlogs.Request) string {
	res, err := s.logs.Run(ctx, req)
	telemetry.IncToolCall("query_cloudwatch_logs", core.StatusLabel(err))
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	s.logger.Info("log query finished", "env", req.Env, "state", res.State.String(), "results", res.ResultCount)
	return res.Text
}

// Args is the union of tool parameters accepted over the HTTP surface.
// Pointer fields distinguish absent from zero.
type Args struct {
	Env       string `json:"env,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Token     string `json:"token,omitempty"`
	Count     *int   `json:"count,omitempty"`
	PlayIndex *int   `json:"play_index,omitempty"`
	Query     string `json:"query,omitempty"`
	Hours     int    `json:"hours,omitempty"`
	Days      int    `json:"days,omitempty"`
	Weeks     int    `json:"weeks,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

func (s *Service) Dispatch(ctx context.Context, tool string, args Args) (string, error) {
	switch tool {
	case "generate_uuid":
		count := 1
		if args.Count != nil {
			count = *args.Count
		}
		return s.GenerateUUID(count), nil
	case "decode_token":
		return s.DecodeToken(args.Token), nil
	case "create_session":
		return s.CreateSession(ctx, args.Env, args.ProjectID, args.Token), nil
	case "create_interaction":
		return s.CreateInteraction(ctx, args.Env, args.SessionID, args.NodeID, args.Message, args.Token), nil
	case "get_m3u8":
		return s.GetM3U8(ctx, args.Env, args.SessionID, args.PlayIndex, args.Token), nil
	case "get_session_state":
		return s.GetSessionState(ctx, args.Env, args.SessionID, args.Token), nil
	case "get_project_state":
		return s.GetProjectState(ctx, args.Env, args.ProjectID, args.Token), nil
	case "query_cloudwatch_logs":
		limit := cwlogs.DefaultLimit
		if args.Limit != nil {
			limit = *args.Limit
		}
		return s.QueryLogs(ctx, cwlogs.Request{
			Env:       args.Env,
			Query:     args.Query,
			SessionID: args.SessionID,
			Hours:     args.Hours,
			Days:      args.Days,
			Weeks:     args.Weeks,
			Limit:     limit,
		}), nil
	default:
		return "", fmt.Errorf("unknown tool %q", tool)
	}
}
