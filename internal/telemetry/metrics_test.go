package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestRenderPrometheusLabelOrderingStable(t *testing.T) {
	defaultRegistry = newRegistry()

	IncToolCall("get_m3u8", "ok")
	IncToolCall("create_session", "http_error")
	IncToolCall("create_session", "ok")
	IncBackendAPIError("create_session", 502)
	IncBackendAPIError("create_session", 404)
	IncLogQuery("stage", "completed")
	IncLogQuery("prod", "store_failed")

	out := RenderPrometheus()

	csOK := strings.Index(out, `rotodebug_tool_calls_total{tool="create_session",status="ok"}`)
	csErr := strings.Index(out, `rotodebug_tool_calls_total{tool="create_session",status="http_error"}`)
	m3u8 := strings.Index(out, `rotodebug_tool_calls_total{tool="get_m3u8",status="ok"}`)
	if csOK < 0 || csErr < 0 || m3u8 < 0 {
		t.Fatal("tool call metrics missing from output")
	}
	if csErr >= csOK {
		t.Fatal("tool call status labels are not rendered in stable lexical order")
	}
	if csOK >= m3u8 {
		t.Fatal("tool call tool labels are not rendered in stable lexical order")
	}

	api404 := strings.Index(out, `rotodebug_backend_api_errors_total{operation="create_session",status_code="404"}`)
	api502 := strings.Index(out, `rotodebug_backend_api_errors_total{operation="create_session",status_code="502"}`)
	if api404 < 0 || api502 < 0 {
		t.Fatal("backend api error metrics missing from output")
	}
	if api404 >= api502 {
		t.Fatal("backend api status codes are not rendered in ascending order")
	}

	lqProd := strings.Index(out, `rotodebug_log_queries_total{env="prod",outcome="store_failed"}`)
	lqStage := strings.Index(out, `rotodebug_log_queries_total{env="stage",outcome="completed"}`)
	if lqProd < 0 || lqStage < 0 {
		t.Fatal("log query metrics missing from output")
	}
	if lqProd >= lqStage {
		t.Fatal("log query env labels are not rendered in stable lexical order")
	}
}

func TestObserveToolDurationBucketing(t *testing.T) {
	defaultRegistry = newRegistry()

	ObserveToolDuration("create_session", 50*time.Millisecond)
	ObserveToolDuration("create_session", 3*time.Second)
	ObserveToolDuration("create_session", 2*time.Minute)

	out := RenderPrometheus()

	if !strings.Contains(out, `rotodebug_tool_duration_seconds_bucket{tool="create_session",le="0.1"} 1`) {
		t.Error("50ms observation should land in the 0.1 bucket")
	}
	if !strings.Contains(out, `rotodebug_tool_duration_seconds_bucket{tool="create_session",le="5"} 1`) {
		t.Error("3s observation should land in the 5 bucket")
	}
	if !strings.Contains(out, `rotodebug_tool_duration_seconds_bucket{tool="create_session",le="+Inf"} 1`) {
		t.Error("2m observation should land in the +Inf bucket")
	}
}
