package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsSelfConsistent(t *testing.T) {
	cfg := Default()
	if cfg.Storage.PageSize <= 0 {
		t.Fatal("expected positive default page size")
	}
	if len(cfg.Storage.FreeSpaceBuckets) == 0 {
		t.Fatal("expected non-empty default free-space buckets")
	}
	if cfg.Batch.MaxBatchSize <= 0 {
		t.Fatal("expected positive default max batch size")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "storage:\n  page_size: 65536\n  max_pages: 10\ngateway:\n  http_addr: \":9999\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.PageSize != 65536 {
		t.Fatalf("expected page size 65536, got %d", cfg.Storage.PageSize)
	}
	if cfg.Storage.MaxPages != 10 {
		t.Fatalf("expected max pages 10, got %d", cfg.Storage.MaxPages)
	}
	if cfg.Gateway.HTTPAddr != ":9999" {
		t.Fatalf("expected http addr :9999, got %q", cfg.Gateway.HTTPAddr)
	}
	// Untouched fields keep their defaults.
	if cfg.Interpreter.MaxInstructions != Default().Interpreter.MaxInstructions {
		t.Fatal("expected interpreter defaults to survive a partial override file")
	}
}

func TestApplyEnvOverridesConfig(t *testing.T) {
	t.Setenv("NDBCORE_STORAGE_PAGE_SIZE", "4096")
	t.Setenv("NDBCORE_GATEWAY_HTTP_ADDR", ":1234")
	t.Setenv("NDBCORE_STORAGE_CORRUPTION_POLICY", "fatal")

	cfg := Default()
	ApplyEnv(&cfg)

	if cfg.Storage.PageSize != 4096 {
		t.Fatalf("expected page size 4096, got %d", cfg.Storage.PageSize)
	}
	if cfg.Gateway.HTTPAddr != ":1234" {
		t.Fatalf("expected http addr :1234, got %q", cfg.Gateway.HTTPAddr)
	}
	if cfg.Storage.CorruptionPolicy != PolicyFatal {
		t.Fatalf("expected fatal corruption policy, got %q", cfg.Storage.CorruptionPolicy)
	}
}

func TestApplyEnvIgnoresMalformedInt(t *testing.T) {
	t.Setenv("NDBCORE_STORAGE_PAGE_SIZE", "not-a-number")
	cfg := Default()
	want := cfg.Storage.PageSize
	ApplyEnv(&cfg)
	if cfg.Storage.PageSize != want {
		t.Fatalf("expected malformed env override to be ignored, got %d", cfg.Storage.PageSize)
	}
}
