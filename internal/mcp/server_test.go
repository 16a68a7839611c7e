package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/rotopus/rotodebug/internal/core"
	"github.com/rotopus/rotodebug/internal/cwlogs"
)

type fakeGateway struct {
	out string

	generateCount  int
	decodedToken   string
	sessionEnv     string
	sessionProject string
	sessionToken   string
	interactionMsg string
	playIndex      *int
	playIndexSet   bool
	logsReq        cwlogs.Request
}

func (f *fakeGateway) GenerateUUID(count int) string {
	f.generateCount = count
	return f.out
}

func (f *fakeGateway) DecodeToken(tokenOverride string) string {
	f.decodedToken = tokenOverride
	return f.out
}

func (f *fakeGateway) CreateSession(ctx context.Context, env, projectID, tokenOverride string) string {
	f.sessionEnv = env
	f.sessionProject = projectID
	f.sessionToken = tokenOverride
	return f.out
}

func (f *fakeGateway) CreateInteraction(ctx context.Context, env, sessionID, nodeID, message, tokenOverride string) string {
	f.interactionMsg = message
	return f.out
}

func (f *fakeGateway) GetM3U8(ctx context.Context, env, sessionID string, playIndex *int, tokenOverride string) string {
	f.playIndex = playIndex
	f.playIndexSet = true
	return f.out
}

func (f *fakeGateway) GetSessionState(ctx context.Context, env, sessionID, tokenOverride string) string {
	return f.out
}

func (f *fakeGateway) GetProjectState(ctx context.Context, env, projectID, tokenOverride string) string {
	return f.out
}

func (f *fakeGateway) QueryLogs(ctx context.Context, req cwlogs.Request) string {
	f.logsReq = req
	return f.out
}

type rpcResp struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  map[string]any `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(policy *core.Policy) (*Server, *fakeGateway) {
	gw := &fakeGateway{out: "tool output"}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewServer("", gw, policy, logger), gw
}

func runStream(t *testing.T, srv *Server, lines ...string) []rpcResp {
	t.Helper()
	var in bytes.Buffer
	for _, line := range lines {
		in.WriteString(line)
		in.WriteString("\n")
	}
	var out bytes.Buffer
	if err := srv.ServeStream(&in, &out); err != nil {
		t.Fatalf("ServeStream: %v", err)
	}
	var resps []rpcResp
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp rpcResp
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response line %q: %v", line, err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func contentText(t *testing.T, resp rpcResp) string {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	items, ok := resp.Result["content"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("result content = %#v, want one item", resp.Result["content"])
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		t.Fatalf("content item = %#v, want object", items[0])
	}
	if item["type"] != "text" {
		t.Errorf("content type = %v, want text", item["type"])
	}
	text, _ := item["text"].(string)
	return text
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	resp := resps[0]
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if got := resp.Result["protocolVersion"]; got != "2024-11-05" {
		t.Errorf("protocolVersion = %v, want 2024-11-05", got)
	}
	info, ok := resp.Result["serverInfo"].(map[string]any)
	if !ok {
		t.Fatalf("serverInfo = %#v, want object", resp.Result["serverInfo"])
	}
	if info["name"] != "rotodebug" {
		t.Errorf("serverInfo.name = %v, want rotodebug", info["name"])
	}
	if info["version"] != core.Version {
		t.Errorf("serverInfo.version = %v, want %s", info["version"], core.Version)
	}
}

func TestToolsListCatalog(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	tools, ok := resps[0].Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools = %#v, want array", resps[0].Result["tools"])
	}

	want := []string{
		"generate_uuid",
		"decode_token",
		"create_session",
		"create_interaction",
		"get_m3u8",
		"get_session_state",
		"get_project_state",
		"query_cloudwatch_logs",
	}
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	names := make(map[string]bool)
	for _, raw := range tools {
		def, ok := raw.(map[string]any)
		if !ok {
			t.Fatalf("tool def = %#v, want object", raw)
		}
		name, _ := def["name"].(string)
		names[name] = true
		if _, ok := def["inputSchema"]; !ok {
			t.Errorf("tool %s has no inputSchema", name)
		}
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("tool %s missing from catalog", name)
		}
	}
}

func TestToolsListFilteredByPolicy(t *testing.T) {
	srv, _ := newTestServer(core.NewPolicy("generate_uuid,decode_token"))

	resps := runStream(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	tools, ok := resps[0].Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools = %#v, want array", resps[0].Result["tools"])
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	for _, raw := range tools {
		name := raw.(map[string]any)["name"].(string)
		if name != "generate_uuid" && name != "decode_token" {
			t.Errorf("unexpected tool %s in filtered catalog", name)
		}
	}
}

func TestParseErrorReturnsMinus32700(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv, `{not json`)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	if resps[0].Error == nil || resps[0].Error.Code != -32700 {
		t.Fatalf("error = %+v, want code -32700", resps[0].Error)
	}
}

func TestUnknownMethodReturnsMinus32601(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv, `{"jsonrpc":"2.0","id":9,"method":"resources/list","params":{}}`)
	if resps[0].Error == nil || resps[0].Error.Code != -32601 {
		t.Fatalf("error = %+v, want code -32601", resps[0].Error)
	}
	if want := "method not found: resources/list"; resps[0].Error.Message != want {
		t.Errorf("message = %q, want %q", resps[0].Error.Message, want)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`,
	)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2 (notification must be silent)", len(resps))
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv,
		"",
		"   ",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`,
	)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
}

func TestToolCallWrapsResultInContent(t *testing.T) {
	srv, gw := newTestServer(nil)
	gw.out = "Successfully created session!"

	resps := runStream(t, srv,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"create_session","arguments":{"env":"prod","project_id":"proj-1","token":"tok"}}}`,
	)
	if got := contentText(t, resps[0]); got != "Successfully created session!" {
		t.Errorf("text = %q, want gateway output", got)
	}
	if gw.sessionEnv != "prod" || gw.sessionProject != "proj-1" || gw.sessionToken != "tok" {
		t.Errorf("gateway saw env=%q project=%q token=%q", gw.sessionEnv, gw.sessionProject, gw.sessionToken)
	}
}

func TestToolCallGenerateUUIDDefaultsCount(t *testing.T) {
	srv, gw := newTestServer(nil)

	// No arguments at all: the count default must still apply.
	resps := runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"generate_uuid"}}`,
	)
	contentText(t, resps[0])
	if gw.generateCount != 1 {
		t.Errorf("count = %d, want default 1", gw.generateCount)
	}

	resps = runStream(t, srv,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"generate_uuid","arguments":{"count":5}}}`,
	)
	contentText(t, resps[0])
	if gw.generateCount != 5 {
		t.Errorf("count = %d, want 5", gw.generateCount)
	}
}

func TestToolCallMissingRequiredArgument(t *testing.T) {
	srv, _ := newTestServer(nil)

	tests := []struct {
		name    string
		request string
		wantMsg string
	}{
		{
			name:    "create_session without env",
			request: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_session","arguments":{"project_id":"p"}}}`,
			wantMsg: "env is required",
		},
		{
			name:    "create_session without project_id",
			request: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_session","arguments":{"env":"prod"}}}`,
			wantMsg: "project_id is required",
		},
		{
			name:    "create_interaction without message",
			request: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_interaction","arguments":{"env":"prod","session_id":"s","node_id":"n"}}}`,
			wantMsg: "message is required",
		},
		{
			name:    "query_cloudwatch_logs without env",
			request: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"query_cloudwatch_logs","arguments":{"query":"fields @message"}}}`,
			wantMsg: "env is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resps := runStream(t, srv, tt.request)
			if resps[0].Error == nil || resps[0].Error.Code != -32602 {
				t.Fatalf("error = %+v, want code -32602", resps[0].Error)
			}
			if resps[0].Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", resps[0].Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestToolCallUnknownTool(t *testing.T) {
	srv, _ := newTestServer(nil)

	resps := runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"launch_missiles","arguments":{}}}`,
	)
	if resps[0].Error == nil || resps[0].Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resps[0].Error)
	}
	if want := "unknown tool: launch_missiles"; resps[0].Error.Message != want {
		t.Errorf("message = %q, want %q", resps[0].Error.Message, want)
	}
}

func TestToolCallDeniedByPolicy(t *testing.T) {
	srv, gw := newTestServer(core.NewPolicy("generate_uuid"))

	resps := runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_session","arguments":{"env":"prod","project_id":"p"}}}`,
	)
	if resps[0].Error == nil || resps[0].Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resps[0].Error)
	}
	if want := `tool "create_session" not in allowlist`; resps[0].Error.Message != want {
		t.Errorf("message = %q, want %q", resps[0].Error.Message, want)
	}
	if gw.sessionEnv != "" {
		t.Error("gateway was called despite policy denial")
	}
}

func TestToolCallQueryLogsRequest(t *testing.T) {
	srv, gw := newTestServer(nil)

	runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"query_cloudwatch_logs","arguments":{"env":"stage","session_id":"sess-9","hours":6}}}`,
	)
	want := cwlogs.Request{Env: "stage", SessionID: "sess-9", Hours: 6, Limit: cwlogs.DefaultLimit}
	if gw.logsReq != want {
		t.Errorf("request = %+v, want %+v", gw.logsReq, want)
	}

	runStream(t, srv,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"query_cloudwatch_logs","arguments":{"env":"prod","query":"fields @message | limit 5","limit":5}}}`,
	)
	if gw.logsReq.Limit != 5 {
		t.Errorf("limit = %d, want explicit 5", gw.logsReq.Limit)
	}
	if gw.logsReq.Query != "fields @message | limit 5" {
		t.Errorf("query = %q, want verbatim passthrough", gw.logsReq.Query)
	}
}

func TestToolCallM3U8PlayIndexOptional(t *testing.T) {
	srv, gw := newTestServer(nil)

	runStream(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_m3u8","arguments":{"env":"prod","session_id":"s"}}}`,
	)
	if !gw.playIndexSet {
		t.Fatal("gateway was not called")
	}
	if gw.playIndex != nil {
		t.Errorf("play_index = %d, want nil when omitted", *gw.playIndex)
	}

	runStream(t, srv,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_m3u8","arguments":{"env":"prod","session_id":"s","play_index":0}}}`,
	)
	if gw.playIndex == nil || *gw.playIndex != 0 {
		t.Errorf("play_index = %v, want explicit 0", gw.playIndex)
	}
}

func TestToolNamesCoversCatalog(t *testing.T) {
	names := ToolNames()
	if len(names) != len(ToolDefinitions()) {
		t.Fatalf("got %d names for %d definitions", len(names), len(ToolDefinitions()))
	}
	policy := core.NewPolicy(strings.Join(names, ","))
	if err := policy.Validate(names); err != nil {
		t.Errorf("catalog names failed their own validation: %v", err)
	}
}
