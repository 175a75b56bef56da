package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"

	"playcheck/policy"
)

const (
	defaultListenAddr     = ":5000"
	defaultMaxUploadBytes = 1 << 30
	defaultStorePath      = "playcheck-scans.ndjson"
)

type Config struct {
	LogLevel              string            `json:"log_level"`
	LogFormat             string            `json:"log_format"`
	ListenAddr            string            `json:"listen_addr"`
	ShutdownTimeout       time.Duration     `json:"shutdown_timeout"`
	StoreBackend          string            `json:"store_backend"`
	StorePath             string            `json:"store_path"`
	UploadDir             string            `json:"upload_dir"`
	MaxUploadBytes        int64             `json:"max_upload_bytes"`
	MaxScansPerSecond     int               `json:"max_scans_per_second"`
	ConcurrencyLevel      int               `json:"concurrency_level"`
	IncludePatterns       []string          `json:"include_patterns"`
	ExcludePatterns       []string          `json:"exclude_patterns"`
	OutputFormat          string            `json:"output_format"`
	OutputFileName        string            `json:"output_file_name"`
	FailOn                string            `json:"fail_on"`
	HashAlgorithms        []string          `json:"hash_algorithms"`
	WatchDebounce         time.Duration     `json:"watch_debounce"`
	ShowProgress          bool              `json:"show_progress"`
	DiagSlowScanThreshold time.Duration     `json:"diag_slow_scan_threshold"`
	DiagDir               string            `json:"diag_dir"`
	DiagGoroutineLeak     bool              `json:"diag_goroutine_leak"`
	OtelEndpoint          string            `json:"otel_endpoint"`
	OtelFromEnv           bool              `json:"otel_from_env"`
	OtelHeaders           map[string]string `json:"otel_headers"`
	OtelServiceName       string            `json:"otel_service_name"`
	OtelTimeout           time.Duration     `json:"otel_timeout"`
	OtelExportFileNames   bool              `json:"otel_export_file_names"`
	OtelExportPermissions bool              `json:"otel_export_permissions"`
	TraceFlight           bool              `json:"trace_flight"`
	TraceFlightFile       string            `json:"trace_flight_file"`
	TraceFlightMaxBytes   uint64            `json:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration     `json:"trace_flight_min_age"`
	ConfigFile            string            `json:"-"`
}

func Default() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		ListenAddr:        defaultListenAddr,
		ShutdownTimeout:   10 * time.Second,
		StoreBackend:      "memory",
		StorePath:         defaultStorePath,
		MaxUploadBytes:    defaultMaxUploadBytes,
		MaxScansPerSecond: 0,
		ConcurrencyLevel:  runtime.NumCPU(),
		IncludePatterns:   []string{},
		ExcludePatterns:   []string{},
		OutputFormat:      "json",
		OutputFileName:    "",
		FailOn:            "",
		HashAlgorithms:    []string{"sha256"},
		WatchDebounce:     300 * time.Millisecond,
		ShowProgress:      true,
		DiagDir:           ".",
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "playcheck",
		OtelTimeout:       5 * time.Second,
		TraceFlightFile:   "trace-flight.out",
	}
}

// Loader binds command-line flags and resolves the effective Config:
// defaults, then the --config file, then flags the user actually set.
type Loader struct {
	fs    *pflag.FlagSet
	flags *Config
}

// Bind registers every configuration flag on fs.
func Bind(fs *pflag.FlagSet) *Loader {
	def := Default()
	f := &Config{}
	l := &Loader{fs: fs, flags: f}

	fs.StringVar(&f.ConfigFile, "config", "", "Path to a JSON or YAML configuration file.")
	fs.StringVar(&f.LogLevel, "log-level", def.LogLevel, "Log level: debug, info, warn, error, fatal, or panic.")
	fs.StringVar(&f.LogFormat, "log-format", def.LogFormat, "Log format: text or json.")
	fs.StringVar(&f.ListenAddr, "listen", def.ListenAddr, "HTTP listen address.")
	fs.DurationVar(&f.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
	fs.StringVar(&f.StoreBackend, "store", def.StoreBackend, "Scan store backend: memory or journal.")
	fs.StringVar(&f.StorePath, "store-path", def.StorePath, "Journal file used by the journal store.")
	fs.StringVar(&f.UploadDir, "upload-dir", def.UploadDir, "Directory for temporary uploads (default: system temp dir).")
	fs.Int64Var(&f.MaxUploadBytes, "max-upload-bytes", def.MaxUploadBytes, "Maximum accepted upload size in bytes.")
	fs.IntVar(&f.MaxScansPerSecond, "max-scans-per-second", def.MaxScansPerSecond, "Scan rate limit, 0 means unlimited.")
	fs.IntVar(&f.ConcurrencyLevel, "concurrency", def.ConcurrencyLevel, "Number of parallel scan workers.")
	fs.StringSliceVar(&f.IncludePatterns, "include", nil, "Comma-separated include patterns.")
	fs.StringSliceVar(&f.ExcludePatterns, "exclude", nil, "Comma-separated exclude patterns.")
	fs.StringVar(&f.OutputFormat, "format", def.OutputFormat, "Report format: json, ndjson, or csv.")
	fs.StringVarP(&f.OutputFileName, "output", "o", def.OutputFileName, "Report file (default: stdout).")
	fs.StringVar(&f.FailOn, "fail-on", def.FailOn, "Exit non-zero when a violation reaches this severity: low, medium, or high.")
	fs.StringSliceVar(&f.HashAlgorithms, "hashes", def.HashAlgorithms, "Comma-separated digest algorithms: md5, sha1, sha256, blake3.")
	fs.DurationVar(&f.WatchDebounce, "debounce", def.WatchDebounce, "Quiet period before a changed file is rescanned.")
	fs.BoolVar(&f.ShowProgress, "progress", def.ShowProgress, "Show a progress bar during batch scans.")
	fs.DurationVar(&f.DiagSlowScanThreshold, "diag-slow-scan-threshold", def.DiagSlowScanThreshold, "If positive, emit diagnostics when scan progress stalls for this duration.")
	fs.StringVar(&f.DiagDir, "diag-dir", def.DiagDir, "Directory for diagnostic artifacts.")
	fs.BoolVar(&f.DiagGoroutineLeak, "diag-goroutine-leak", def.DiagGoroutineLeak, "Write goroutine profile on shutdown.")
	fs.StringVar(&f.OtelEndpoint, "otel-endpoint", def.OtelEndpoint, "OTLP/HTTP logs endpoint.")
	fs.BoolVar(&f.OtelFromEnv, "otel-from-env", def.OtelFromEnv, "Configure the OTLP exporter from OTEL_* environment variables.")
	fs.StringToStringVar(&f.OtelHeaders, "otel-headers", nil, "Comma-separated key=value headers for OTLP export.")
	fs.StringVar(&f.OtelServiceName, "otel-service-name", def.OtelServiceName, "OTEL service.name resource attribute.")
	fs.DurationVar(&f.OtelTimeout, "otel-timeout", def.OtelTimeout, "OTLP export timeout.")
	fs.BoolVar(&f.OtelExportFileNames, "otel-export-file-names", def.OtelExportFileNames, "Include file names in exported records.")
	fs.BoolVar(&f.OtelExportPermissions, "otel-export-permissions", def.OtelExportPermissions, "Include permission lists in exported records.")
	fs.BoolVar(&f.TraceFlight, "trace-flight", def.TraceFlight, "Keep a runtime trace flight recorder running.")
	fs.StringVar(&f.TraceFlightFile, "trace-flight-file", def.TraceFlightFile, "Flight recorder snapshot file.")
	fs.Uint64Var(&f.TraceFlightMaxBytes, "trace-flight-max-bytes", def.TraceFlightMaxBytes, "Flight recorder buffer size, 0 uses the runtime default.")
	fs.DurationVar(&f.TraceFlightMinAge, "trace-flight-min-age", def.TraceFlightMinAge, "Minimum trace age kept by the flight recorder.")
	return l
}

// Load resolves the configuration after fs has been parsed.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.flags.ConfigFile != "" {
		cfg.ConfigFile = l.flags.ConfigFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	f := l.flags
	l.fs.VisitAll(func(fl *pflag.Flag) {
		if !fl.Changed {
			return
		}
		switch fl.Name {
		case "log-level":
			cfg.LogLevel = f.LogLevel
		case "log-format":
			cfg.LogFormat = f.LogFormat
		case "listen":
			cfg.ListenAddr = f.ListenAddr
		case "shutdown-timeout":
			cfg.ShutdownTimeout = f.ShutdownTimeout
		case "store":
			cfg.StoreBackend = f.StoreBackend
		case "store-path":
			cfg.StorePath = f.StorePath
		case "upload-dir":
			cfg.UploadDir = f.UploadDir
		case "max-upload-bytes":
			cfg.MaxUploadBytes = f.MaxUploadBytes
		case "max-scans-per-second":
			cfg.MaxScansPerSecond = f.MaxScansPerSecond
		case "concurrency":
			cfg.ConcurrencyLevel = f.ConcurrencyLevel
		case "include":
			cfg.IncludePatterns = f.IncludePatterns
		case "exclude":
			cfg.ExcludePatterns = f.ExcludePatterns
		case "format":
			cfg.OutputFormat = f.OutputFormat
		case "output":
			cfg.OutputFileName = f.OutputFileName
		case "fail-on":
			cfg.FailOn = f.FailOn
		case "hashes":
			cfg.HashAlgorithms = f.HashAlgorithms
		case "debounce":
			cfg.WatchDebounce = f.WatchDebounce
		case "progress":
			cfg.ShowProgress = f.ShowProgress
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = f.DiagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = f.DiagDir
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = f.DiagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = f.OtelEndpoint
		case "otel-from-env":
			cfg.OtelFromEnv = f.OtelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = f.OtelHeaders
		case "otel-service-name":
			cfg.OtelServiceName = f.OtelServiceName
		case "otel-timeout":
			cfg.OtelTimeout = f.OtelTimeout
		case "otel-export-file-names":
			cfg.OtelExportFileNames = f.OtelExportFileNames
		case "otel-export-permissions":
			cfg.OtelExportPermissions = f.OtelExportPermissions
		case "trace-flight":
			cfg.TraceFlight = f.TraceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = f.TraceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = f.TraceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = f.TraceFlightMinAge
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile reads JSON or YAML; YAML is converted to JSON so the json
// tags apply to both.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.FailOn = strings.ToLower(strings.TrimSpace(cfg.FailOn))
	cfg.OtelEndpoint = strings.TrimSpace(cfg.OtelEndpoint)
	cfg.OtelServiceName = strings.TrimSpace(cfg.OtelServiceName)
	cfg.DiagDir = strings.TrimSpace(cfg.DiagDir)
	if cfg.FailOn == "none" {
		cfg.FailOn = ""
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "memory"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "json"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.OtelServiceName == "" {
		cfg.OtelServiceName = "playcheck"
	}
	if cfg.OtelHeaders == nil {
		cfg.OtelHeaders = map[string]string{}
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	cfg.IncludePatterns = trimList(cfg.IncludePatterns, false)
	cfg.ExcludePatterns = trimList(cfg.ExcludePatterns, false)
	cfg.HashAlgorithms = trimList(cfg.HashAlgorithms, true)
}

func (cfg *Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	switch cfg.OutputFormat {
	case "json", "ndjson", "csv":
	default:
		return fmt.Errorf("invalid output format: %s (json, ndjson, or csv)", cfg.OutputFormat)
	}
	switch cfg.StoreBackend {
	case "memory":
	case "journal":
		if strings.TrimSpace(cfg.StorePath) == "" {
			return fmt.Errorf("store-path is required for the journal store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
	}
	if cfg.FailOn != "" {
		if _, ok := policy.ParseSeverity(cfg.FailOn); !ok {
			return fmt.Errorf("invalid fail-on severity: %s", cfg.FailOn)
		}
	}
	for _, alg := range cfg.HashAlgorithms {
		switch alg {
		case "md5", "sha1", "sha256", "blake3":
		default:
			return fmt.Errorf("unsupported hash algorithm: %s", alg)
		}
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("max-upload-bytes must be positive")
	}
	if cfg.MaxScansPerSecond < 0 {
		return fmt.Errorf("max-scans-per-second must be zero or positive")
	}
	if cfg.WatchDebounce < 0 {
		return fmt.Errorf("debounce must be zero or positive")
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown-timeout must be zero or positive")
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	return nil
}

func trimList(items []string, lower bool) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if lower {
			item = strings.ToLower(item)
		}
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
