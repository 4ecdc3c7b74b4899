package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hello", "job_id", "j1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["job_id"] != "j1" || line["msg"] != "hello" {
		t.Fatalf("unexpected log line %v", line)
	}

	buf.Reset()
	logger, err = NewLogger(&buf, "", "text")
	if err != nil {
		t.Fatalf("new text logger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("unexpected text output %q", buf.String())
	}

	if _, err := NewLogger(&buf, "loud", "json"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestMetricsHandler(t *testing.T) {
	JobsEnqueued.WithLabelValues("cattle.reap").Inc()
	SetQueueDepth(map[string]int64{"queued": 3}, []string{"queued", "running"})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `clf_jobs_enqueued_total{kind="cattle.reap"}`) {
		t.Fatalf("missing enqueue counter in metrics output")
	}
	if !strings.Contains(body, `clf_jobs{status="queued"} 3`) || !strings.Contains(body, `clf_jobs{status="running"} 0`) {
		t.Fatalf("missing depth gauge in metrics output")
	}
}

func TestInitTracingNone(t *testing.T) {
	t.Setenv("CLF_OTEL_EXPORTER", "none")
	shutdown, err := InitTracing("test")
	if err != nil {
		t.Fatalf("init tracing: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "noop")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
