package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tools that wrap their results return one of two JSON shapes: a success
// envelope carrying the backend payload plus follow-up hints, or a failure
// envelope carrying a human-readable message (and, for HTTP status failures,
// the raw response body under "details"). Playlist and state fetches bypass
// the envelope and pass the backend response through unchanged.

type sessionEnvelope struct {
	Success   bool              `json:"success"`
	Session   json.RawMessage   `json:"session"`
	NextSteps map[string]string `json:"next_steps"`
}

type interactionEnvelope struct {
	Success   bool              `json:"success"`
	Result    json.RawMessage   `json:"result"`
	NextSteps map[string]string `json:"next_steps"`
}

type failureEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type statusFailureEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

const encodeFailure = `{"success": false, "error": "encode response failed"}`

// RenderJSON marshals v as two-space indented JSON without escaping HTML
// characters, so backend payloads round-trip byte for byte.
func RenderJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// SessionCreatedEnvelope wraps a freshly created session payload and points
// the caller at the operations that logically follow.
func SessionCreatedEnvelope(session json.RawMessage, sessionID string) string {
	out, err := RenderJSON(sessionEnvelope{
		Success: true,
		Session: session,
		NextSteps: map[string]string{
			"get_m3u8":          "Use get_m3u8 tool with session_id=" + sessionID,
			"get_session_state": "Use get_session_state tool with session_id=" + sessionID,
		},
	})
	if err != nil {
		return encodeFailure
	}
	return out
}

// InteractionEnvelope wraps an accepted interaction result.
func InteractionEnvelope(result json.RawMessage, sessionID string) string {
	out, err := RenderJSON(interactionEnvelope{
		Success: true,
		Result:  result,
		NextSteps: map[string]string{
			"get_session_state": "Use get_session_state tool with session_id=" + sessionID,
		},
	})
	if err != nil {
		return encodeFailure
	}
	return out
}

// FailureEnvelope renders err as a failure envelope. HTTP status failures
// keep the raw response body under "details"; every other error surfaces its
// message verbatim.
func FailureEnvelope(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		out, jerr := RenderJSON(statusFailureEnvelope{
			Success: false,
			Error:   fmt.Sprintf("Request failed (%d)", se.StatusCode),
			Details: se.Body,
		})
		if jerr != nil {
			return encodeFailure
		}
		return out
	}
	out, jerr := RenderJSON(failureEnvelope{Success: false, Error: err.Error()})
	if jerr != nil {
		return encodeFailure
	}
	return out
}

// ErrorText renders err for the raw-text tools that do not use envelopes.
func ErrorText(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("Error: Request failed (%d): %s", se.StatusCode, se.Body)
	}
	return fmt.Sprintf("Error: %v", err)
}
