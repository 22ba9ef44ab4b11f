package output

import (
	"testing"

	"aegis/config"

	otelLog "go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	cfg := &config.Config{OtelEndpoint: "  https://explicit.example.test  ", OtelFromEnv: true}
	if got := resolveOtelEndpoint(cfg); got != "https://explicit.example.test" {
		t.Fatalf("expected explicit endpoint, got %q", got)
	}

	cfg = &config.Config{OtelFromEnv: true}
	if got := resolveOtelEndpoint(cfg); got != "https://logs.example.test/v1/logs" {
		t.Fatalf("expected logs env endpoint, got %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	if got := resolveOtelEndpoint(cfg); got != "https://fallback.example.test" {
		t.Fatalf("expected fallback env endpoint, got %q", got)
	}

	cfg = &config.Config{OtelFromEnv: false}
	if got := resolveOtelEndpoint(cfg); got != "" {
		t.Fatalf("expected empty endpoint when env fallback disabled, got %q", got)
	}
	if got := resolveOtelEndpoint(nil); got != "" {
		t.Fatalf("expected empty endpoint for nil config, got %q", got)
	}
}

func TestNewOtelLoggerRejectsSchemelessEndpoint(t *testing.T) {
	if _, err := newOtelLogger(&config.Config{OtelEndpoint: "collector:4318"}); err == nil {
		t.Fatal("expected error for endpoint without scheme")
	}
	o, err := newOtelLogger(&config.Config{})
	if err != nil || o != nil {
		t.Fatalf("expected disabled exporter, got %v %v", o, err)
	}
	// A nil exporter must tolerate every call.
	o.Emit(RecordVerdict, map[string]interface{}{"path": "/x"})
	o.Shutdown()
}

func TestSanitizePayloadVerdict(t *testing.T) {
	payload := map[string]interface{}{
		"path":        "/home/user/invoice.pdf",
		"process_exe": "/usr/bin/evince",
		"process":     "evince",
		"action":      "allow",
	}
	sanitized := sanitizePayload(RecordVerdict, payload, otelPolicy{})
	if _, ok := sanitized["path"]; ok {
		t.Fatal("expected path to be stripped")
	}
	if _, ok := sanitized["process_exe"]; ok {
		t.Fatal("expected process_exe to be stripped")
	}
	if sanitized["process"] != "evince" || sanitized["action"] != "allow" {
		t.Fatalf("unexpected sanitized payload %v", sanitized)
	}
	if _, ok := payload["path"]; !ok {
		t.Fatal("expected original payload to remain unchanged")
	}

	kept := sanitizePayload(RecordVerdict, payload, otelPolicy{includePaths: true})
	if kept["path"] != "/home/user/invoice.pdf" {
		t.Fatal("expected path to be kept when path export is enabled")
	}
}

func TestSanitizePayloadQuarantineAndMetrics(t *testing.T) {
	q := sanitizePayload(RecordQuarantine, map[string]interface{}{
		"id":            "abc",
		"original_path": "/tmp/dropper",
	}, otelPolicy{})
	if _, ok := q["original_path"]; ok || q["id"] != "abc" {
		t.Fatalf("unexpected quarantine payload %v", q)
	}
	m := map[string]interface{}{"events": 3}
	if got := sanitizePayload(RecordMetrics, m, otelPolicy{}); got["events"] != 3 {
		t.Fatalf("metrics payload should pass through, got %v", got)
	}
}

func TestVerdictSemanticAttributes(t *testing.T) {
	payload := payloadToMap(map[string]interface{}{
		"path":            "/srv/upload/sample.bin",
		"file_size":       4096,
		"pid":             42,
		"process":         "curl",
		"process_exe":     "/usr/bin/curl",
		"action":          "quarantine",
		"response":        "deny",
		"heuristic_score": 0.25,
		"signatures":      []string{"builtin.EICAR_Test_File"},
	})

	attrs := semanticAttributes(RecordVerdict, payload, otelPolicy{})
	if _, ok := findAttr(attrs, string(semconv.FilePathKey)); ok {
		t.Fatal("file.path must not be exported without path export")
	}
	if v, ok := findAttr(attrs, string(semconv.FileNameKey)); !ok || v.AsString() != "sample.bin" {
		t.Fatalf("expected file.name, got %v", v)
	}
	if v, ok := findAttr(attrs, string(semconv.FileExtensionKey)); !ok || v.AsString() != "bin" {
		t.Fatalf("expected file.extension, got %v", v)
	}
	if v, ok := findAttr(attrs, string(semconv.FileSizeKey)); !ok || v.AsInt64() != 4096 {
		t.Fatalf("expected file.size, got %v", v)
	}
	if v, ok := findAttr(attrs, string(semconv.ProcessPIDKey)); !ok || v.AsInt64() != 42 {
		t.Fatalf("expected process.pid, got %v", v)
	}
	if _, ok := findAttr(attrs, string(semconv.ProcessExecutablePathKey)); ok {
		t.Fatal("executable path must not be exported without path export")
	}
	if v, ok := findAttr(attrs, "aegis.verdict.action"); !ok || v.AsString() != "quarantine" {
		t.Fatalf("expected verdict action, got %v", v)
	}
	if v, ok := findAttr(attrs, "aegis.verdict.heuristic_score"); !ok || v.AsFloat64() != 0.25 {
		t.Fatalf("expected heuristic score, got %v", v)
	}
	v, ok := findAttr(attrs, "aegis.verdict.signatures")
	if !ok || len(v.AsSlice()) != 1 || v.AsSlice()[0].AsString() != "builtin.EICAR_Test_File" {
		t.Fatalf("expected signature list, got %v", v)
	}

	withPaths := semanticAttributes(RecordVerdict, payload, otelPolicy{includePaths: true})
	if v, ok := findAttr(withPaths, string(semconv.FilePathKey)); !ok || v.AsString() != "/srv/upload/sample.bin" {
		t.Fatalf("expected file.path with path export, got %v", v)
	}
	if v, ok := findAttr(withPaths, string(semconv.ProcessExecutablePathKey)); !ok || v.AsString() != "/usr/bin/curl" {
		t.Fatalf("expected executable path with path export, got %v", v)
	}
}

func TestMetricsSemanticAttributes(t *testing.T) {
	payload := payloadToMap(map[string]interface{}{
		"mode":          "permission",
		"events":        10,
		"denied":        2,
		"mean_scan_ms":  1.5,
		"degraded_mode": false,
	})
	attrs := semanticAttributes(RecordMetrics, payload, otelPolicy{})
	if v, ok := findAttr(attrs, "aegis.metrics.events"); !ok || v.AsInt64() != 10 {
		t.Fatalf("expected events counter, got %v", v)
	}
	if v, ok := findAttr(attrs, "aegis.metrics.denied"); !ok || v.AsInt64() != 2 {
		t.Fatalf("expected denied counter, got %v", v)
	}
	if v, ok := findAttr(attrs, "aegis.metrics.degraded_mode"); !ok || v.AsBool() {
		t.Fatalf("expected degraded flag, got %v", v)
	}
	if _, ok := findAttr(attrs, "aegis.metrics.allowed"); ok {
		t.Fatal("absent counters must not be exported")
	}
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		data map[string]interface{}
		want otelLog.Severity
	}{
		{map[string]interface{}{"action": "allow"}, otelLog.SeverityInfo},
		{map[string]interface{}{"action": "monitor"}, otelLog.SeverityInfo2},
		{map[string]interface{}{"action": "quarantine"}, otelLog.SeverityWarn},
		{map[string]interface{}{"action": "allow", "error": "timeout"}, otelLog.SeverityError},
	}
	for _, tc := range cases {
		if got := severityFor(RecordVerdict, tc.data); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.data, tc.want, got)
		}
	}
	if got := severityFor(RecordStall, nil); got != otelLog.SeverityWarn {
		t.Fatalf("expected warn for stall records, got %v", got)
	}
}

func TestToLogValueNested(t *testing.T) {
	v := toLogValue(map[string]interface{}{
		"list": []interface{}{"a", float64(1)},
		"flag": true,
	})
	if v.Kind() != otelLog.KindMap || len(v.AsMap()) != 2 {
		t.Fatalf("expected two-entry map, got %v", v)
	}
	for _, kv := range v.AsMap() {
		if kv.Key == "list" && len(kv.Value.AsSlice()) != 2 {
			t.Fatalf("expected slice of two, got %v", kv.Value)
		}
	}
}
