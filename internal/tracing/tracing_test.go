package tracing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chaz8081/bleswitch/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	tp := otel.GetTracerProvider()
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", tp)
	}
}

func TestSetupNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "noop"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Error("Setup should fail for an unsupported exporter")
	}
}

func TestSetupStdoutToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "traces", "spans.json")
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout", Output: out})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "ble.session")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read trace output: %v", err)
	}
	if !strings.Contains(string(data), "ble.session") {
		t.Errorf("trace output does not contain the span name:\n%s", data)
	}
	if !strings.Contains(string(data), serviceName) {
		t.Errorf("trace output does not contain the service name")
	}

	otel.SetTracerProvider(noop.NewTracerProvider())
}
