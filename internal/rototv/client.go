package rototv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/telemetry"
)

// Play endpoints write state; state fetches are read-only. Writes get the
// longer deadline.
const (
	postTimeout = 30 * time.Second
	getTimeout  = 20 * time.Second
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
	}
}

// SECURITY: the bearer token travels only in the Authorization header.
// It is never logged and never copied into request or response payloads.
func (c *Client) doAPI(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func (c *Client) CreateSession(ctx context.Context, projectID string) (json.RawMessage, error) {
	url := c.baseURL + "/api/play/"
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	resp, err := c.doAPI(ctx, http.MethodPost, url, map[string]string{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode >= 400 {
		telemetry.IncBackendAPIError("create_session", resp.StatusCode)
		return nil, &core.StatusError{Operation: "create_session", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var session json.RawMessage
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return session, nil
}

func (c *Client) CreateInteraction(ctx context.Context, sessionID, nodeID, message string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/play/%s/%s/interactions", c.baseURL, sessionID, nodeID)
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	resp, err := c.doAPI(ctx, http.MethodPost, url, map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read interaction response: %w", err)
	}
	if resp.StatusCode >= 400 {
		telemetry.IncBackendAPIError("create_interaction", resp.StatusCode)
		return nil, &core.StatusError{Operation: "create_interaction", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result json.RawMessage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode interaction response: %w", err)
	}
	return result, nil
}

// GetM3U8 returns the playlist body verbatim. When playIndex is set it is
// forwarded in the x-play-index header, matching what the player sends.
func (c *Client) GetM3U8(ctx context.Context, sessionID string, playIndex *int) (string, error) {
	url := fmt.Sprintf("%s/api/play/%s/m3u8", c.baseURL, sessionID)
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if playIndex != nil {
		req.Header.Set("x-play-index", strconv.Itoa(*playIndex))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read playlist response: %w", err)
	}
	if resp.StatusCode >= 400 {
		telemetry.IncBackendAPIError("get_m3u8", resp.StatusCode)
		return "", &core.StatusError{Operation: "get_m3u8", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}

func (c *Client) GetSessionState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/play/%s/state", c.baseURL, sessionID)
	return c.getJSON(ctx, "get_session_state", url)
}

func (c *Client) GetProjectState(ctx context.Context, projectID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/projects/%s", c.baseURL, projectID)
	return c.getJSON(ctx, "get_project_state", url)
}

func (c *Client) getJSON(ctx context.Context, operation, url string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	resp, err := c.doAPI(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read state response: %w", err)
	}
	if resp.StatusCode >= 400 {
		telemetry.IncBackendAPIError(operation, resp.StatusCode)
		return nil, &core.StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var state json.RawMessage
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode state response: %w", err)
	}
	return state, nil
}
