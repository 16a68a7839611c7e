package core

import (
	"fmt"
	"sort"
	"strings"
)

// Policy restricts which tools the server advertises and dispatches, parsed
// from a comma-separated allowlist. An empty allowlist allows every tool.
type Policy struct {
	allowedTools map[string]bool
}

// NewPolicy creates a Policy from a comma-separated tool allowlist.
func NewPolicy(toolCSV string) *Policy {
	return &Policy{allowedTools: parseCSV(toolCSV)}
}

// Allows reports whether toolName may be advertised and called.
func (p *Policy) Allows(toolName string) bool {
	if len(p.allowedTools) == 0 {
		return true
	}
	return p.allowedTools[toolName]
}

// CheckTool returns an error if toolName is not in the allowlist.
func (p *Policy) CheckTool(toolName string) error {
	if !p.Allows(toolName) {
		return fmt.Errorf("tool %q not in allowlist", toolName)
	}
	return nil
}

// Validate rejects allowlist entries that name no known tool, so typos fail
// at startup instead of silently disabling everything.
func (p *Policy) Validate(known []string) error {
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	var unknown []string
	for name := range p.allowedTools {
		if !knownSet[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown tools in allowlist: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func parseCSV(s string) map[string]bool {
	m := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			m[item] = true
		}
	}
	return m
}
