package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dataloom/etlcore/pkg/transform"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.MaxConns != DefaultConfig().Database.MaxConns {
		t.Fatalf("expected default maxConns, got %d", cfg.Database.MaxConns)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"database":{"dsn":"postgres://db/orders","maxConns":25},"limits":{"maxHeapMb":"512MB","maxDuration":"10m"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://db/orders" || cfg.Database.MaxConns != 25 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Limits.MaxHeapMB != 512 {
		t.Fatalf("expected maxHeapMb=512, got %d", cfg.Limits.MaxHeapMB)
	}
	if cfg.Limits.MaxDuration != 10*time.Minute {
		t.Fatalf("expected maxDuration=10m, got %v", cfg.Limits.MaxDuration)
	}
}

func TestEnvironmentOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"database":{"dsn":"postgres://file/db"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ETLCORE_DATABASE_DSN", "postgres://env/db")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env/db" {
		t.Fatalf("expected env override to win, got %q", cfg.Database.DSN)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestValidateRequiresFilePathWhenLoggingToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "file"
	cfg.Logging.File = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing log file path")
	}
}

func TestToSafetyLimitsAndRetryPolicyConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxRows = 1000
	limits := cfg.Limits.ToSafetyLimits()
	if limits.MaxRows != 1000 {
		t.Fatalf("expected MaxRows=1000, got %d", limits.MaxRows)
	}

	policy := cfg.Retry.ToRetryPolicy()
	if policy.MaxAttempts != 3 {
		t.Fatalf("expected default 3 attempts, got %d", policy.MaxAttempts)
	}
}

func TestLoadFromFileParsesTableRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"tables":{"orders":{"columns":{
		"order_date":{"kind":"date"},
		"total":{"kind":"numeric","nullable":true},
		"notes":{"kind":"text","nullable":true}
	}}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rules := cfg.Tables["orders"].ToTableRules()
	if rules.Columns["order_date"].Kind != transform.KindDate {
		t.Fatalf("expected order_date to be KindDate, got %v", rules.Columns["order_date"].Kind)
	}
	if rules.Columns["total"].Kind != transform.KindNumeric || !rules.Columns["total"].Nullable {
		t.Fatalf("expected total to be nullable KindNumeric, got %+v", rules.Columns["total"])
	}

	if unconfigured := cfg.Tables["widgets"].ToTableRules(); len(unconfigured.Columns) != 0 {
		t.Fatalf("expected empty rules for an unconfigured table, got %+v", unconfigured)
	}
}

func TestSaveToFileRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = "postgres://roundtrip/db"
	path := filepath.Join(t.TempDir(), "out.json")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Database.DSN != "postgres://roundtrip/db" {
		t.Fatalf("expected round-tripped DSN, got %q", loaded.Database.DSN)
	}
}
