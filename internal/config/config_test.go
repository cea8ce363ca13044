package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.StorageDriver != "sqlite" || cfg.LedgerDriver != LedgerMemory || cfg.BlobDriver != "fs" {
		t.Fatalf("unexpected drivers %+v", cfg)
	}
	if cfg.LedgerTimeout != 30*time.Second || cfg.IndexRefresh != time.Minute || cfg.BlobDir != "exports" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestOverridesAndValidation(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"CUSTODY_STORAGE_DRIVER":     "Postgres",
		"CUSTODY_LEDGER_DRIVER":      "ethereum",
		"CUSTODY_PRIVATE_KEY":        "abc",
		"CUSTODY_CONTRACT_ADDRESS":   "0x01",
		"CUSTODY_FROM_BLOCK":         "120",
		"CUSTODY_INDEX_REFRESH":      "0s",
		"CUSTODY_BLOB_DRIVER":        "s3",
		"CUSTODY_BLOB_S3_BUCKET":     "reports",
		"CUSTODY_BLOB_S3_PATH_STYLE": "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageDriver != "postgres" || cfg.FromBlock != 120 || cfg.IndexRefresh != 0 || !cfg.S3PathStyle {
		t.Fatalf("unexpected overrides %+v", cfg)
	}

	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"storage", map[string]string{"CUSTODY_STORAGE_DRIVER": "mongo"}, "unknown storage driver"},
		{"ledger", map[string]string{"CUSTODY_LEDGER_DRIVER": "fabric"}, "unknown ledger driver"},
		{"ethereum key", map[string]string{"CUSTODY_LEDGER_DRIVER": "ethereum"}, "CUSTODY_PRIVATE_KEY"},
		{"s3 bucket", map[string]string{"CUSTODY_BLOB_DRIVER": "s3"}, "CUSTODY_BLOB_S3_BUCKET"},
		{"duration", map[string]string{"CUSTODY_LEDGER_TIMEOUT": "soon"}, "invalid duration"},
		{"timeout", map[string]string{"CUSTODY_LEDGER_TIMEOUT": "0s"}, "must be positive"},
		{"bool", map[string]string{"CUSTODY_BLOB_S3_PATH_STYLE": "maybe"}, "invalid bool"},
	}
	for _, tc := range cases {
		if _, err := FromEnv(env(tc.env)); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CUSTODY_HTTP_ADDR=:9191\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CUSTODY_HTTP_ADDR", "")
	os.Unsetenv("CUSTODY_HTTP_ADDR")
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9191" {
		t.Fatalf("expected .env value, got %s", cfg.HTTPAddr)
	}
}
