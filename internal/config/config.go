// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Driver names accepted by Validate.
const (
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
)

// Config is the custodyd runtime configuration.
type Config struct {
	HTTPAddr string

	StorageDriver string
	SQLitePath    string
	PostgresDSN   string

	LedgerDriver    string
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	FromBlock       uint64
	LedgerTimeout   time.Duration
	IndexRefresh    time.Duration

	BlobDriver  string
	BlobDir     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	LogLevel  string
	LogFormat string
}

// Load reads .env files (missing ones are ignored) and the CUSTODY_*
// environment, then validates the result.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(k, def string) string {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
		return def
	}
	var errs []string
	duration := func(k, def string) time.Duration {
		raw := get(k, def)
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", k, raw))
		}
		return d
	}
	boolean := func(k string) bool {
		raw := get(k, "false")
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid bool %q", k, raw))
		}
		return v
	}
	unsigned := func(k string) uint64 {
		raw := get(k, "0")
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid number %q", k, raw))
		}
		return v
	}

	cfg := Config{
		HTTPAddr:        get("CUSTODY_HTTP_ADDR", ":8080"),
		StorageDriver:   strings.ToLower(get("CUSTODY_STORAGE_DRIVER", "sqlite")),
		SQLitePath:      get("CUSTODY_SQLITE_PATH", "custody.db"),
		PostgresDSN:     get("CUSTODY_POSTGRES_DSN", "postgres://localhost/custody?sslmode=disable"),
		LedgerDriver:    strings.ToLower(get("CUSTODY_LEDGER_DRIVER", LedgerMemory)),
		RPCURL:          get("CUSTODY_RPC_URL", "http://127.0.0.1:8545"),
		PrivateKey:      get("CUSTODY_PRIVATE_KEY", ""),
		ContractAddress: get("CUSTODY_CONTRACT_ADDRESS", ""),
		FromBlock:       unsigned("CUSTODY_FROM_BLOCK"),
		LedgerTimeout:   duration("CUSTODY_LEDGER_TIMEOUT", "30s"),
		IndexRefresh:    duration("CUSTODY_INDEX_REFRESH", "1m"),
		BlobDriver:      strings.ToLower(get("CUSTODY_BLOB_DRIVER", "fs")),
		BlobDir:         get("CUSTODY_BLOB_DIR", "exports"),
		S3Bucket:        get("CUSTODY_BLOB_S3_BUCKET", ""),
		S3Region:        get("CUSTODY_BLOB_S3_REGION", "us-east-1"),
		S3Endpoint:      get("CUSTODY_BLOB_S3_ENDPOINT", ""),
		S3PathStyle:     boolean("CUSTODY_BLOB_S3_PATH_STYLE"),
		LogLevel:        strings.ToLower(get("CUSTODY_LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(get("CUSTODY_LOG_FORMAT", "json")),
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, cfg.Validate()
}

// Validate checks driver names and the settings each driver needs.
func (c Config) Validate() error {
	var errs []string
	switch c.StorageDriver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver %q", c.StorageDriver))
	}
	switch c.LedgerDriver {
	case LedgerMemory:
	case LedgerEthereum:
		if c.PrivateKey == "" {
			errs = append(errs, "CUSTODY_PRIVATE_KEY required for ethereum ledger")
		}
		if c.ContractAddress == "" {
			errs = append(errs, "CUSTODY_CONTRACT_ADDRESS required for ethereum ledger")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown ledger driver %q", c.LedgerDriver))
	}
	switch c.BlobDriver {
	case "fs", "memory":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, "CUSTODY_BLOB_S3_BUCKET required for s3 blob driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown blob driver %q", c.BlobDriver))
	}
	if c.LedgerTimeout <= 0 {
		errs = append(errs, "CUSTODY_LEDGER_TIMEOUT must be positive")
	}
	if c.IndexRefresh < 0 {
		errs = append(errs, "CUSTODY_INDEX_REFRESH must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
