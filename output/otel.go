package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"playcheck/config"
	"playcheck/logger"
	"playcheck/policy"
	"playcheck/scan"
	"playcheck/version"
)

const (
	RecordScan      = "scan"
	RecordRuleFault = "rule_fault"
	RecordMetrics   = "metrics"
)

// Exporter ships scan records, rule faults and batch metrics as OTLP log
// records. A nil *Exporter is valid and drops everything.
type Exporter struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   exportPolicy
}

type exportPolicy struct {
	includeFileNames   bool
	includePermissions bool
}

// NewExporter returns nil without error when no endpoint is configured.
func NewExporter(cfg *config.Config) (*Exporter, error) {
	if cfg == nil {
		return nil, nil
	}
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
		semconv.ServiceVersionKey.String(version.Version),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &Exporter{
		provider: provider,
		logger:   provider.Logger("playcheck"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy: exportPolicy{
			includeFileNames:   cfg.OtelExportFileNames,
			includePermissions: cfg.OtelExportPermissions,
		},
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

func (e *Exporter) Endpoint() string {
	if e == nil {
		return ""
	}
	return e.endpoint
}

// ScanCompleted implements scan.Listener.
func (e *Exporter) ScanCompleted(r scan.Record) {
	e.Emit(RecordScan, r)
}

// RuleFault is a policy.FaultHandler.
func (e *Exporter) RuleFault(f policy.Fault) {
	payload := map[string]interface{}{
		"rule":    f.Rule,
		"package": f.Package,
	}
	if f.Err != nil {
		payload["error"] = f.Err.Error()
	}
	e.Emit(RecordRuleFault, payload)
}

func (e *Exporter) Emit(recordType string, payload interface{}) {
	if e == nil || e.logger == nil {
		return
	}
	safePayload := sanitizePayload(recordType, payload, e.policy)

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("playcheck." + recordType)
	if recordType == RecordRuleFault {
		record.SetSeverity(otelLog.SeverityWarn)
		record.SetSeverityText("WARN")
	} else {
		record.SetSeverity(otelLog.SeverityInfo)
		record.SetSeverityText("INFO")
	}
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, safePayload, e.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}
	if value := toLogValue(safePayload); value.Kind() != otelLog.KindEmpty {
		record.SetBody(value)
	}

	e.logger.Emit(context.Background(), record)
}

func (e *Exporter) Shutdown() {
	if e == nil || e.provider == nil {
		return
	}
	timeout := e.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// sanitizePayload always returns a generic map so the body is built from
// what survived the export policy.
func sanitizePayload(recordType string, payload interface{}, ep exportPolicy) map[string]interface{} {
	data := cloneMap(payloadToMap(payload))
	if data == nil {
		return nil
	}
	switch recordType {
	case RecordScan:
		if !ep.includeFileNames {
			delete(data, "fileName")
		}
		if !ep.includePermissions {
			if perms, ok := data["permissions"].([]interface{}); ok {
				data["permissionsCount"] = len(perms)
			}
			delete(data, "permissions")
		}
	}
	return data
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func payloadToMap(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	default:
		data, err := encodeJSON(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]interface{}
		if err := decodeJSON(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
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
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]string:
		keys := sortedKeys(v)
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range keys {
			kvs = append(kvs, otelLog.String(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func semanticAttributes(recordType string, data map[string]interface{}, ep exportPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case RecordScan:
		return scanSemanticAttributes(data, ep)
	case RecordRuleFault:
		return faultSemanticAttributes(data)
	case RecordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func scanSemanticAttributes(data map[string]interface{}, ep exportPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	if ep.includeFileNames {
		kvs = appendStringAttr(kvs, string(semconv.FileNameKey), getStringField(data, "fileName"))
	}
	id, ok := getInt64Field(data, "id")
	kvs = appendInt64Attr(kvs, "playcheck.scan.id", id, ok)
	kvs = appendStringAttr(kvs, "playcheck.scan.package", getStringField(data, "packageName"))
	sdk, ok := getInt64Field(data, "sdkVersion")
	kvs = appendInt64Attr(kvs, "playcheck.scan.sdk_version", sdk, ok)
	kvs = appendStringAttr(kvs, "playcheck.scan.status", getStringField(data, "status"))

	violations, _ := data["policyViolations"].([]interface{})
	kvs = append(kvs, otelLog.Int64("playcheck.scan.violations", int64(len(violations))))
	highest := maxSeverityOf(violations)
	kvs = appendStringAttr(kvs, "playcheck.scan.max_severity", highest)
	categories := make([]otelLog.Value, 0, len(violations))
	for _, v := range violations {
		if m, ok := v.(map[string]interface{}); ok {
			categories = append(categories, otelLog.StringValue(getStringField(m, "category")))
		}
	}
	if len(categories) > 0 {
		kvs = append(kvs, otelLog.Slice("playcheck.scan.categories", categories...))
	}
	return kvs
}

func maxSeverityOf(violations []interface{}) string {
	var max policy.Severity
	for _, v := range violations {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if sev, ok := policy.ParseSeverity(getStringField(m, "severity")); ok && sev.Rank() > max.Rank() {
			max = sev
		}
	}
	return string(max)
}

func faultSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "playcheck.rule.name", getStringField(data, "rule"))
	kvs = appendStringAttr(kvs, "playcheck.rule.package", getStringField(data, "package"))
	kvs = appendStringAttr(kvs, string(semconv.ExceptionMessageKey), getStringField(data, "error"))
	return kvs
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "playcheck.metrics.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, "playcheck.metrics.end_time", getStringField(data, "end_time"))
	for _, key := range []string{"total_files", "files_scanned", "files_failed", "violations"} {
		v, ok := getInt64Field(data, key)
		kvs = appendInt64Attr(kvs, "playcheck.metrics."+key, v, ok)
	}
	kvs = appendStringAttr(kvs, "playcheck.metrics.max_severity", getStringField(data, "max_severity"))
	return kvs
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
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
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

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, value int64, ok bool) []otelLog.KeyValue {
	if !ok {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, value))
}
