package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotopus/rotodebug/internal/config"
	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/cwlogs"
	"github.com/rotopus/rotodebug/internal/gateway"
	httpsvr "github.com/rotopus/rotodebug/internal/http"
	mcpsvr "github.com/rotopus/rotodebug/internal/mcp"
)

var (
	version   = ""
	gitCommit = ""
	buildTime = ""
)

func main() {
	// Logs go to stderr so the stdio MCP transport keeps stdout to
	// itself.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("ROTODEBUG_LOG_LEVEL")),
	}))

	policy := core.NewPolicy(os.Getenv("ROTODEBUG_TOOL_ALLOWLIST"))
	if err := policy.Validate(mcpsvr.ToolNames()); err != nil {
		logger.Error("invalid ROTODEBUG_TOOL_ALLOWLIST", "err", err)
		os.Exit(1)
	}

	resolver := config.NewResolver(nil)
	engine := cwlogs.NewEngine(cwlogs.Config{
		Resolver: resolver,
		Logger:   logger,
	})
	svc := gateway.NewService(gateway.Config{
		Resolver: resolver,
		Logs:     engine,
		Logger:   logger,
	})

	buildVersion := version
	if buildVersion == "" {
		buildVersion = core.Version
	}

	mcpAddr := envOrDefault("ROTODEBUG_MCP_LISTEN", "stdio")
	httpAddr := envOrDefault("ROTODEBUG_HTTP_LISTEN", "0.0.0.0:8080")

	logger.Info("effective config",
		"mcp_listen", mcpAddr,
		"http_listen", httpAddr,
		"tool_allowlist", os.Getenv("ROTODEBUG_TOOL_ALLOWLIST"),
		"version", buildVersion,
	)

	mcpServer := mcpsvr.NewServer(mcpAddr, svc, policy, logger)
	httpServer := httpsvr.NewServer(httpAddr, svc, policy, logger, httpsvr.BuildInfo{
		Version:   buildVersion,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})

	errCh := make(chan error, 2)
	if mcpAddr == "stdio" {
		go func() { errCh <- mcpServer.ServeStream(os.Stdin, os.Stdout) }()
	} else {
		go func() { errCh <- mcpServer.ListenAndServe() }()
	}
	if !strings.EqualFold(httpAddr, "off") {
		go func() { errCh <- httpServer.ListenAndServe() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		} else {
			logger.Info("server exited")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	mcpServer.Shutdown(ctx)
	logger.Info("shutdown complete")
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
