package config

import (
	"flag"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func TestParseCommaSeparated(t *testing.T) {
	res := parseCommaSeparated("a,b , c")
	if len(res) != 3 || res[1] != "b" {
		t.Fatalf("unexpected result: %v", res)
	}
	if res := parseCommaSeparated(""); len(res) != 0 {
		t.Fatalf("expected empty slice")
	}
}

func TestParseHeaders(t *testing.T) {
	res := parseHeaders("a=1, b = 2,broken,=x")
	if len(res) != 2 || res["a"] != "1" || res["b"] != "2" {
		t.Fatalf("unexpected headers: %v", res)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeuristicThreshold != 0.8 || cfg.BloomFilterBits != 1<<18 || cfg.MaxScanDepth != 4 || cfg.ThreadPoolSize != 4 {
		t.Fatalf("unexpected scanner defaults: %+v", cfg.ScannerConfig)
	}
	if !cfg.EnableEntropyAnalysis || cfg.MaxReadBytes != 2*1024*1024 || cfg.ScanTimeout != 30*time.Second {
		t.Fatalf("unexpected scanner defaults: %+v", cfg.ScannerConfig)
	}
	if cfg.AutoQuarantine {
		t.Fatal("auto quarantine must default to off")
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body := `{"heuristic_threshold":0.5,"thread_pool_size":8,"monitor_paths":["/srv"],"rule_paths":["/a"]}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	fs := newFlagSet()
	cfg, err := LoadConfig(fs, []string{"-config", path, "-threads", "2", "target"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeuristicThreshold != 0.5 {
		t.Fatalf("expected threshold from file, got %v", cfg.HeuristicThreshold)
	}
	if cfg.ThreadPoolSize != 2 {
		t.Fatalf("expected flag to override file, got %d", cfg.ThreadPoolSize)
	}
	if len(cfg.MonitorPaths) != 1 || cfg.MonitorPaths[0] != "/srv" {
		t.Fatalf("unexpected monitor paths: %v", cfg.MonitorPaths)
	}
	if args := fs.Args(); len(args) != 1 || args[0] != "target" {
		t.Fatalf("unexpected positional args: %v", args)
	}
}

func TestLoadConfigRejectsInvalidThreshold(t *testing.T) {
	_, err := LoadConfig(newFlagSet(), []string{"-threshold", "1.5"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %T", err)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := Defaults()
	if err := cfg.loadFromFile(path); err == nil || !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestScannerConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ScannerConfig)
		ok     bool
	}{
		{"defaults", func(*ScannerConfig) {}, true},
		{"threshold zero", func(c *ScannerConfig) { c.HeuristicThreshold = 0 }, true},
		{"threshold one", func(c *ScannerConfig) { c.HeuristicThreshold = 1 }, true},
		{"threshold negative", func(c *ScannerConfig) { c.HeuristicThreshold = -0.1 }, false},
		{"threshold nan", func(c *ScannerConfig) { c.HeuristicThreshold = math.NaN() }, false},
		{"pool zero", func(c *ScannerConfig) { c.ThreadPoolSize = 0 }, false},
		{"pool max", func(c *ScannerConfig) { c.ThreadPoolSize = 32 }, true},
		{"pool too large", func(c *ScannerConfig) { c.ThreadPoolSize = 33 }, false},
		{"bloom negative", func(c *ScannerConfig) { c.BloomFilterBits = -1 }, false},
		{"read cap zero", func(c *ScannerConfig) { c.MaxReadBytes = 0 }, false},
		{"timeout zero", func(c *ScannerConfig) { c.ScanTimeout = 0 }, false},
		{"bad read mode", func(c *ScannerConfig) { c.ContentReadMode = "fast" }, false},
		{"source without key", func(c *ScannerConfig) {
			c.SignatureSources = []SignatureSource{{Name: "x", URL: "https://example.test/bundle.json"}}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := DefaultScannerConfig()
			tc.mutate(&sc)
			err := sc.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.MonitorMode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid monitor mode")
	}
	cfg = Defaults()
	cfg.LogLevel = "bad"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid log level")
	}
	cfg = Defaults()
	cfg.OtelEndpoint = "collector:4318"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected otel scheme error")
	}
	cfg = Defaults()
	cfg.AutoQuarantine = true
	cfg.QuarantineDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected quarantine dir error")
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNormalizeFillsSourceCache(t *testing.T) {
	cfg := Defaults()
	cfg.RulesCacheDir = "/cache"
	cfg.SignatureSources = []SignatureSource{{URL: " https://example.test/b.json ", PublicKey: "k"}}
	cfg.normalize()
	src := cfg.SignatureSources[0]
	if src.Name != "source-0" || src.LocalCache != filepath.Join("/cache", "source-0.yar") || src.URL != "https://example.test/b.json" {
		t.Fatalf("unexpected source: %+v", src)
	}
}

func TestExcludePatterns(t *testing.T) {
	cfg, err := LoadConfig(newFlagSet(), []string{"-exclude", `*.log, ^/proc/`})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ExcludePatterns) != 2 || cfg.ExcludePatterns[0] != "*.log" || cfg.ExcludePatterns[1] != "^/proc/" {
		t.Fatalf("unexpected patterns: %q", cfg.ExcludePatterns)
	}

	cfg = Defaults()
	cfg.ExcludePatterns = []string{"[unterminated"}
	if err := cfg.Validate(); !IsConfigError(err) {
		t.Fatalf("expected config error for bad pattern, got %v", err)
	}
}
