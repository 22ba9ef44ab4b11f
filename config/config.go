package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultHeuristicThreshold = 0.8
	DefaultBloomFilterBits    = 1 << 18
	DefaultMaxScanDepth       = 4
	DefaultThreadPoolSize     = 4
	DefaultMaxReadBytes       = 2 * 1024 * 1024
	DefaultScanTimeout        = 30 * time.Second

	MaxThreadPoolSize = 32
	MaxReadBytesLimit = 64 * 1024 * 1024
)

// Error reports an invalid configuration value. It is fatal at startup.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// SignatureSource describes a remote signed rule bundle.
type SignatureSource struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	PublicKey  string `json:"public_key"`
	LocalCache string `json:"local_cache"`
}

// ScannerConfig is the subset of settings the scan pipeline copies at
// construction. Changing it requires building a new scanner.
type ScannerConfig struct {
	RulePaths             []string          `json:"rule_paths"`
	BuiltinRules          bool              `json:"builtin_rules"`
	SignatureSources      []SignatureSource `json:"signature_sources"`
	HeuristicThreshold    float64           `json:"heuristic_threshold"`
	BloomFilterBits       int               `json:"bloom_filter_bits"`
	MaxScanDepth          int               `json:"max_scan_depth"`
	ThreadPoolSize        int               `json:"thread_pool_size"`
	EnableEntropyAnalysis bool              `json:"enable_entropy_analysis"`
	MaxReadBytes          int64             `json:"max_read_bytes"`
	ScanTimeout           time.Duration     `json:"scan_timeout"`
	ContentReadMode       string            `json:"content_read_mode"`
	MmapMinSize           int64             `json:"mmap_min_size"`
}

// DefaultScannerConfig mirrors the values LoadConfig starts from.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		RulePaths:             []string{"/etc/aegis/rules"},
		BuiltinRules:          true,
		SignatureSources:      []SignatureSource{},
		HeuristicThreshold:    DefaultHeuristicThreshold,
		BloomFilterBits:       DefaultBloomFilterBits,
		MaxScanDepth:          DefaultMaxScanDepth,
		ThreadPoolSize:        DefaultThreadPoolSize,
		EnableEntropyAnalysis: true,
		MaxReadBytes:          DefaultMaxReadBytes,
		ScanTimeout:           DefaultScanTimeout,
		ContentReadMode:       "auto",
		MmapMinSize:           128 * 1024,
	}
}

// Validate checks the scanner settings.
func (sc *ScannerConfig) Validate() error {
	if math.IsNaN(sc.HeuristicThreshold) || sc.HeuristicThreshold < 0 || sc.HeuristicThreshold > 1 {
		return invalid("heuristic_threshold", "must be within [0, 1], got %v", sc.HeuristicThreshold)
	}
	if sc.ThreadPoolSize < 1 || sc.ThreadPoolSize > MaxThreadPoolSize {
		return invalid("thread_pool_size", "must be between 1 and %d, got %d", MaxThreadPoolSize, sc.ThreadPoolSize)
	}
	if sc.BloomFilterBits < 0 {
		return invalid("bloom_filter_bits", "must be zero or positive")
	}
	if sc.MaxScanDepth < 0 {
		return invalid("max_scan_depth", "must be zero or positive")
	}
	if sc.MaxReadBytes <= 0 || sc.MaxReadBytes > MaxReadBytesLimit {
		return invalid("max_read_bytes", "must be between 1 and %d", MaxReadBytesLimit)
	}
	if sc.ScanTimeout <= 0 {
		return invalid("scan_timeout", "must be positive")
	}
	switch sc.ContentReadMode {
	case "auto", "stream", "mmap":
	default:
		return invalid("content_read_mode", "invalid value: %s", sc.ContentReadMode)
	}
	if sc.MmapMinSize < 0 {
		return invalid("mmap_min_size", "must be zero or positive")
	}
	for i, src := range sc.SignatureSources {
		if strings.TrimSpace(src.URL) == "" {
			return invalid(fmt.Sprintf("signature_sources[%d].url", i), "must not be empty")
		}
		if !strings.HasPrefix(src.URL, "https://") && !strings.HasPrefix(src.URL, "http://") {
			return invalid(fmt.Sprintf("signature_sources[%d].url", i), "must include scheme (http or https)")
		}
		if strings.TrimSpace(src.PublicKey) == "" {
			return invalid(fmt.Sprintf("signature_sources[%d].public_key", i), "must not be empty")
		}
	}
	return nil
}

type Config struct {
	ScannerConfig

	MaxScansPerSecond  int               `json:"max_scans_per_second"`
	MonitorPaths       []string          `json:"monitor_paths"`
	ExcludePatterns    []string          `json:"exclude_patterns"`
	MonitorMode        string            `json:"monitor_mode"`
	MonitorMount       bool              `json:"monitor_mount"`
	PollInterval       time.Duration     `json:"poll_interval"`
	ReportInterval     time.Duration     `json:"report_interval"`
	AutoQuarantine     bool              `json:"auto_quarantine"`
	QuarantineDir      string            `json:"quarantine_dir"`
	QuarantineKeyFile  string            `json:"quarantine_key_file"`
	RulesCacheDir      string            `json:"rules_cache_dir"`
	UpdateTimeout      time.Duration     `json:"update_timeout"`
	AuditOutput        string            `json:"audit_output"`
	MaxOutputFileSize  int64             `json:"max_output_file_size"`
	LogLevel           string            `json:"log_level"`
	LogJSON            bool              `json:"log_json"`
	JSON               bool              `json:"json"`
	DiagStallThreshold time.Duration     `json:"diag_stall_threshold"`
	DiagDir            string            `json:"diag_dir"`
	OtelEndpoint       string            `json:"otel_endpoint"`
	OtelFromEnv        bool              `json:"otel_from_env"`
	OtelHeaders        map[string]string `json:"otel_headers"`
	OtelServiceName    string            `json:"otel_service_name"`
	OtelTimeout        time.Duration     `json:"otel_timeout"`
	OtelExportPaths    bool              `json:"otel_export_paths"`
	TraceFlight        bool              `json:"trace_flight"`
	TraceFlightBytes   uint64            `json:"trace_flight_max_bytes"`
	TraceFlightMinAge  time.Duration     `json:"trace_flight_min_age"`
	ConfigFile         string            `json:"config_file"`
}

// Defaults returns a configuration populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		ScannerConfig:      DefaultScannerConfig(),
		MaxScansPerSecond:  0,
		MonitorPaths:       []string{},
		ExcludePatterns:    []string{},
		MonitorMode:        "auto",
		PollInterval:       2 * time.Second,
		ReportInterval:     30 * time.Second,
		AutoQuarantine:     false,
		QuarantineDir:      "/var/lib/aegis/quarantine",
		QuarantineKeyFile:  "/var/lib/aegis/quarantine.key",
		RulesCacheDir:      "/var/lib/aegis/signatures",
		UpdateTimeout:      30 * time.Second,
		AuditOutput:        "",
		MaxOutputFileSize:  104857600,
		LogLevel:           "info",
		DiagStallThreshold: 0,
		DiagDir:            ".",
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "aegis",
		OtelTimeout:        5 * time.Second,
	}
}

// LoadConfig registers the shared flags on fs, parses args, overlays the
// optional JSON config file and then any explicitly set flags. Callers may
// register their own flags on fs beforehand; positional arguments remain in
// fs.Args().
func LoadConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Defaults()

	rulePaths := fs.String("rules", strings.Join(cfg.RulePaths, ","), fmt.Sprintf("Comma-separated list of rule files or directories (default: %s).", strings.Join(cfg.RulePaths, ",")))
	builtinRules := fs.Bool("builtin-rules", cfg.BuiltinRules, fmt.Sprintf("Load the embedded builtin rules (default: %t).", cfg.BuiltinRules))
	threshold := fs.Float64("threshold", cfg.HeuristicThreshold, fmt.Sprintf("Heuristic score threshold for quarantine, 0..1 (default: %v).", cfg.HeuristicThreshold))
	bloomBits := fs.Int("bloom-filter-bits", cfg.BloomFilterBits, fmt.Sprintf("Hash prefilter sizing hint, 0 disables the prefilter (default: %d).", cfg.BloomFilterBits))
	maxDepth := fs.Int("max-scan-depth", cfg.MaxScanDepth, fmt.Sprintf("Maximum directory depth for scans and watches (default: %d).", cfg.MaxScanDepth))
	poolSize := fs.Int("threads", cfg.ThreadPoolSize, fmt.Sprintf("Scan worker pool size, 1..%d (default: %d).", MaxThreadPoolSize, cfg.ThreadPoolSize))
	entropy := fs.Bool("entropy", cfg.EnableEntropyAnalysis, fmt.Sprintf("Enable entropy analysis (default: %t).", cfg.EnableEntropyAnalysis))
	maxRead := fs.Int64("max-read-bytes", cfg.MaxReadBytes, fmt.Sprintf("Maximum bytes read per scanned file (default: %d).", cfg.MaxReadBytes))
	scanTimeout := fs.Duration("scan-timeout", cfg.ScanTimeout, "Per-scan timeout (default: 30s).")
	contentReadMode := fs.String("content-read-mode", cfg.ContentReadMode, "Content read mode: auto, stream, or mmap (default: auto).")
	mmapMinSize := fs.Int64("mmap-min-size", cfg.MmapMinSize, "Minimum file size in bytes for the mmap read path (default: 131072).")
	maxScans := fs.Int("max-scans-per-second", cfg.MaxScansPerSecond, "Maximum scans started per second, 0 means unlimited (default: 0).")
	excludePatterns := fs.String("exclude", "", "Comma-separated globs (file name) or regular expressions (full path) never scanned (default: none).")
	monitorMode := fs.String("mode", cfg.MonitorMode, "Monitor mode: auto, permission, or audit (default: auto).")
	monitorMount := fs.Bool("mount", cfg.MonitorMount, fmt.Sprintf("Mark whole mounts instead of directories in permission mode (default: %t).", cfg.MonitorMount))
	pollInterval := fs.Duration("poll-interval", cfg.PollInterval, "Polling interval for the portable audit source (default: 2s).")
	reportInterval := fs.Duration("report-interval", cfg.ReportInterval, "Interval between monitoring reports (default: 30s).")
	autoQuarantine := fs.Bool("auto-quarantine", cfg.AutoQuarantine, fmt.Sprintf("Move files with a quarantine verdict into quarantine (default: %t).", cfg.AutoQuarantine))
	quarantineDir := fs.String("quarantine-dir", cfg.QuarantineDir, fmt.Sprintf("Quarantine store directory (default: %s).", cfg.QuarantineDir))
	quarantineKey := fs.String("quarantine-key", cfg.QuarantineKeyFile, fmt.Sprintf("Quarantine key file, created if missing (default: %s).", cfg.QuarantineKeyFile))
	rulesCache := fs.String("rules-cache", cfg.RulesCacheDir, fmt.Sprintf("Directory for downloaded rule bundles (default: %s).", cfg.RulesCacheDir))
	updateTimeout := fs.Duration("update-timeout", cfg.UpdateTimeout, "Signature update HTTP timeout (default: 30s).")
	auditOutput := fs.String("audit-output", cfg.AuditOutput, "NDJSON file for verdict records (default: none).")
	maxOutputFileSize := fs.Int64("max-output-file-size", cfg.MaxOutputFileSize, fmt.Sprintf("Maximum audit file size before rotation in bytes (default: %d).", cfg.MaxOutputFileSize))
	logLevel := fs.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	logJSON := fs.Bool("log-json", cfg.LogJSON, "Emit logs as JSON lines (default: false).")
	jsonOut := fs.Bool("json", cfg.JSON, "Print machine-readable JSON results (default: false).")
	diagStall := fs.Duration(
		"diag-stall-threshold",
		cfg.DiagStallThreshold,
		"If positive, dump diagnostics when a permission event stays unanswered this long (default: 0/off).",
	)
	diagDir := fs.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	otelEndpoint := fs.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := fs.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := fs.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := fs.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: aegis).")
	otelTimeout := fs.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := fs.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	traceFlight := fs.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable the flight recorder for stall diagnostics (default: %t).", cfg.TraceFlight))
	traceFlightMaxBytes := fs.Uint64("trace-flight-max-bytes", cfg.TraceFlightBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := fs.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	configFile := fs.String("config", "", "Path to JSON configuration file (default: none).")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rules":
			cfg.RulePaths = parseCommaSeparated(*rulePaths)
		case "builtin-rules":
			cfg.BuiltinRules = *builtinRules
		case "threshold":
			cfg.HeuristicThreshold = *threshold
		case "bloom-filter-bits":
			cfg.BloomFilterBits = *bloomBits
		case "max-scan-depth":
			cfg.MaxScanDepth = *maxDepth
		case "threads":
			cfg.ThreadPoolSize = *poolSize
		case "entropy":
			cfg.EnableEntropyAnalysis = *entropy
		case "max-read-bytes":
			cfg.MaxReadBytes = *maxRead
		case "scan-timeout":
			cfg.ScanTimeout = *scanTimeout
		case "content-read-mode":
			cfg.ContentReadMode = *contentReadMode
		case "mmap-min-size":
			cfg.MmapMinSize = *mmapMinSize
		case "max-scans-per-second":
			cfg.MaxScansPerSecond = *maxScans
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludePatterns)
		case "mode":
			cfg.MonitorMode = *monitorMode
		case "mount":
			cfg.MonitorMount = *monitorMount
		case "poll-interval":
			cfg.PollInterval = *pollInterval
		case "report-interval":
			cfg.ReportInterval = *reportInterval
		case "auto-quarantine":
			cfg.AutoQuarantine = *autoQuarantine
		case "quarantine-dir":
			cfg.QuarantineDir = strings.TrimSpace(*quarantineDir)
		case "quarantine-key":
			cfg.QuarantineKeyFile = strings.TrimSpace(*quarantineKey)
		case "rules-cache":
			cfg.RulesCacheDir = strings.TrimSpace(*rulesCache)
		case "update-timeout":
			cfg.UpdateTimeout = *updateTimeout
		case "audit-output":
			cfg.AuditOutput = strings.TrimSpace(*auditOutput)
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *maxOutputFileSize
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		case "json":
			cfg.JSON = *jsonOut
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStall
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-max-bytes":
			cfg.TraceFlightBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ContentReadMode = strings.ToLower(strings.TrimSpace(cfg.ContentReadMode))
	cfg.MonitorMode = strings.ToLower(strings.TrimSpace(cfg.MonitorMode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.ContentReadMode == "" {
		cfg.ContentReadMode = "auto"
	}
	if cfg.MonitorMode == "" {
		cfg.MonitorMode = "auto"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.OtelServiceName == "" {
		cfg.OtelServiceName = "aegis"
	}
	cfg.RulePaths = compactPaths(cfg.RulePaths)
	cfg.MonitorPaths = compactPaths(cfg.MonitorPaths)
	for i := range cfg.SignatureSources {
		src := &cfg.SignatureSources[i]
		src.URL = strings.TrimSpace(src.URL)
		if src.Name == "" {
			src.Name = fmt.Sprintf("source-%d", i)
		}
		if src.LocalCache == "" && cfg.RulesCacheDir != "" {
			src.LocalCache = filepath.Join(cfg.RulesCacheDir, src.Name+".yar")
		}
	}
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Field: "config_file", Message: fmt.Sprintf("could not read config file: %v", err)}
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return &Error{Field: "config_file", Message: fmt.Sprintf("invalid config file format: %v", err)}
	}
	return nil
}

// Validate checks the whole configuration, scanner settings first.
func (cfg *Config) Validate() error {
	if err := cfg.ScannerConfig.Validate(); err != nil {
		return err
	}
	for i, pattern := range cfg.ExcludePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			if _, globErr := filepath.Match(pattern, ""); globErr != nil {
				return invalid(fmt.Sprintf("exclude_patterns[%d]", i), "neither a glob nor a regular expression: %s", pattern)
			}
		}
	}
	if cfg.MaxScansPerSecond < 0 {
		return invalid("max_scans_per_second", "must be zero or positive")
	}
	switch cfg.MonitorMode {
	case "auto", "permission", "audit":
	default:
		return invalid("monitor_mode", "invalid value: %s", cfg.MonitorMode)
	}
	if cfg.PollInterval <= 0 {
		return invalid("poll_interval", "must be positive")
	}
	if cfg.ReportInterval < 0 {
		return invalid("report_interval", "must be zero or positive")
	}
	if cfg.AutoQuarantine && strings.TrimSpace(cfg.QuarantineDir) == "" {
		return invalid("quarantine_dir", "must be set when auto_quarantine is enabled")
	}
	if cfg.UpdateTimeout <= 0 {
		return invalid("update_timeout", "must be positive")
	}
	if cfg.MaxOutputFileSize < 0 {
		return invalid("max_output_file_size", "must be zero or positive")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return invalid("log_level", "invalid log level: %s", cfg.LogLevel)
	}
	if cfg.DiagStallThreshold < 0 {
		return invalid("diag_stall_threshold", "must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return invalid("trace_flight_min_age", "must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return invalid("otel_timeout", "must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return invalid("otel_endpoint", "must include scheme (http or https)")
		}
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func compactPaths(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
