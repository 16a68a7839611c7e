// Package config resolves per-environment settings and credentials. The
// registry maps a closed set of environment names to backend base URLs and,
// for the environments that ship logs, to CloudWatch log groups. Credentials
// come from the process environment and are resolved on demand, never cached.
package config

import (
	"sort"

	"github.com/rotopus/rotodebug/internal/core"
)

// Backend base URLs by environment.
var backends = map[string]string{
	"prod":  "https://api.rotopus.ai",
	"stage": "https://api-stage.rotopus.ai",
	"dev":   "http://localhost:8000",
}

// CloudWatch log groups by environment. dev runs locally and has no managed
// log group.
var logGroups = map[string]string{
	"stage": "/ecs/rototv-stage-backend",
	"prod":  "/ecs/rototv-prod-backend",
}

// BackendURL returns the backend base URL for env.
func BackendURL(env string) (string, error) {
	url, ok := backends[env]
	if !ok {
		return "", &core.InvalidEnvironmentError{Env: env, Valid: Environments()}
	}
	return url, nil
}

// LogGroup returns the CloudWatch log group for env.
func LogGroup(env string) (string, error) {
	group, ok := logGroups[env]
	if !ok {
		return "", &core.InvalidEnvironmentError{Env: env, Valid: LogEnvironments()}
	}
	return group, nil
}

// Environments returns the valid backend environment names, sorted.
func Environments() []string {
	return sortedKeys(backends)
}

// LogEnvironments returns the environment names that have a log group, sorted.
func LogEnvironments() []string {
	return sortedKeys(logGroups)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
