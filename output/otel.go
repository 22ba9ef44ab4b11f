package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aegis/config"
	"aegis/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}
	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("aegis"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy:   otelPolicy{includePaths: cfg.OtelExportPaths},
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Emit(recordType string, payload interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	data := sanitizePayload(recordType, payloadToMap(payload), o.policy)

	now := time.Now()
	var record otelLog.Record
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("aegis." + recordType)
	record.SetSeverity(severityFor(recordType, data))
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, data, o.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}
	if data != nil {
		record.SetBody(toLogValue(data))
	} else if raw, err := json.Marshal(payload); err == nil {
		record.SetBody(otelLog.StringValue(string(raw)))
	}
	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

func severityFor(recordType string, data map[string]interface{}) otelLog.Severity {
	switch recordType {
	case RecordVerdict:
		if getStringField(data, "error") != "" {
			return otelLog.SeverityError
		}
		switch getStringField(data, "action") {
		case "quarantine":
			return otelLog.SeverityWarn
		case "monitor":
			return otelLog.SeverityInfo2
		}
		return otelLog.SeverityInfo
	case RecordStall:
		return otelLog.SeverityWarn
	default:
		return otelLog.SeverityInfo
	}
}

// sanitizePayload drops local paths unless path export is enabled. The
// input map is never modified.
func sanitizePayload(recordType string, data map[string]interface{}, policy otelPolicy) map[string]interface{} {
	if data == nil || policy.includePaths {
		return data
	}
	var drop []string
	switch recordType {
	case RecordVerdict:
		drop = []string{"path", "process_exe"}
	case RecordQuarantine:
		drop = []string{"original_path", "blob_path"}
	case RecordStall:
		drop = []string{"paths", "artifacts"}
	default:
		return data
	}
	sanitized := make(map[string]interface{}, len(data))
	for k, v := range data {
		sanitized[k] = v
	}
	for _, k := range drop {
		delete(sanitized, k)
	}
	return sanitized
}

func semanticAttributes(recordType string, data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case RecordVerdict:
		return verdictSemanticAttributes(data, policy)
	case RecordQuarantine:
		return quarantineSemanticAttributes(data)
	case RecordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func verdictSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	if path := getStringField(data, "path"); path != "" {
		if policy.includePaths {
			kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
			kvs = append(kvs, otelLog.String(string(semconv.FileDirectoryKey), filepath.Dir(path)))
		}
		kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), filepath.Base(path)))
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
		}
	}
	if size, ok := getInt64Field(data, "file_size"); ok {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
	}
	if pid, ok := getInt64Field(data, "pid"); ok && pid > 0 {
		kvs = append(kvs, otelLog.Int64(string(semconv.ProcessPIDKey), pid))
	}
	kvs = appendStringAttr(kvs, string(semconv.ProcessExecutableNameKey), getStringField(data, "process"))
	if policy.includePaths {
		kvs = appendStringAttr(kvs, string(semconv.ProcessExecutablePathKey), getStringField(data, "process_exe"))
	}

	kvs = appendStringAttr(kvs, "aegis.verdict.mode", getStringField(data, "mode"))
	kvs = appendStringAttr(kvs, "aegis.verdict.event", getStringField(data, "event"))
	kvs = appendStringAttr(kvs, "aegis.verdict.action", getStringField(data, "action"))
	kvs = appendStringAttr(kvs, "aegis.verdict.response", getStringField(data, "response"))
	kvs = appendStringAttr(kvs, "aegis.verdict.error", getStringField(data, "error"))
	if score, ok := getFloat64Field(data, "heuristic_score"); ok {
		kvs = append(kvs, otelLog.Float64("aegis.verdict.heuristic_score", score))
	}
	if entropy, ok := getFloat64Field(data, "mean_entropy"); ok {
		kvs = append(kvs, otelLog.Float64("aegis.verdict.mean_entropy", entropy))
	}
	if rules := getStringSliceField(data, "signatures"); len(rules) > 0 {
		values := make([]otelLog.Value, 0, len(rules))
		for _, r := range rules {
			values = append(values, otelLog.StringValue(r))
		}
		kvs = append(kvs, otelLog.KeyValue{Key: "aegis.verdict.signatures", Value: otelLog.SliceValue(values...)})
	}
	if failOpen, ok := data["fail_open"].(bool); ok && failOpen {
		kvs = append(kvs, otelLog.Bool("aegis.verdict.fail_open", true))
	}
	return kvs
}

func quarantineSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "aegis.quarantine.id", getStringField(data, "id"))
	kvs = appendStringAttr(kvs, "aegis.quarantine.sha256", getStringField(data, "sha256"))
	if size, ok := getInt64Field(data, "size"); ok {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
	}
	return kvs
}

var metricsCounters = []string{
	"events", "allowed", "denied", "monitored", "quarantined",
	"stored", "failures", "timeouts", "dropped",
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "aegis.metrics.mode", getStringField(data, "mode"))
	for _, key := range metricsCounters {
		if v, ok := getInt64Field(data, key); ok {
			kvs = append(kvs, otelLog.Int64("aegis.metrics."+key, v))
		}
	}
	if v, ok := getFloat64Field(data, "mean_scan_ms"); ok {
		kvs = append(kvs, otelLog.Float64("aegis.metrics.mean_scan_ms", v))
	}
	if degraded, ok := data["degraded_mode"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("aegis.metrics.degraded_mode", degraded))
	}
	return kvs
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for key, item := range v {
			kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(item)})
		}
		return otelLog.MapValue(kvs...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.StringValue(fmt.Sprint(v))
	}
}

// payloadToMap normalizes a payload through JSON so structs and maps are
// handled the same way.
func payloadToMap(payload interface{}) map[string]interface{} {
	if m, ok := payload.(map[string]interface{}); ok {
		return m
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return decoded
}

func getStringField(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]interface{}, key string) (int64, bool) {
	switch v := values[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getFloat64Field(values map[string]interface{}, key string) (float64, bool) {
	switch v := values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getStringSliceField(values map[string]interface{}, key string) []string {
	switch v := values[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}
