// Package config loads the typed Config struct that parameterizes every
// tunable named across SPEC_FULL.md's ambient/domain stack: page sizing,
// buffer pool capacity, interpreter limits, corruption policy, UNDO
// reservation sizing, free-space bucket thresholds, gateway listen
// addresses, and the batch/worker limits carried over from the supplemented
// REST features.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CorruptionPolicy names the reaction to a detected checksum mismatch. It is
// loaded from file or environment, but ChecksumGuard does not read it: a
// mismatch is always returned as a typed KindCorruption error.
type CorruptionPolicy string

const (
	// PolicyTypedError names returning a typed error from the failing call,
	// the default for tests and embedded use.
	PolicyTypedError CorruptionPolicy = "typed_error"
	// PolicyFatal names a process-fatal reaction on detection. No component
	// acts on it; the mismatch is still returned as a typed error.
	PolicyFatal CorruptionPolicy = "fatal"
)

// Config is the root configuration for an ndbcore process.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Batch       BatchConfig       `yaml:"batch"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig sizes PageStore, TupleAllocator and DiskPartCoordinator.
type StorageConfig struct {
	PageSize            int              `yaml:"page_size"`
	MaxPages            int              `yaml:"max_pages"`
	CorruptionPolicy    CorruptionPolicy `yaml:"corruption_policy"`
	UndoReserveBytes    int              `yaml:"undo_reserve_bytes"`
	FreeSpaceBuckets    []int            `yaml:"free_space_buckets"`
	OptimizeIntervalSec int              `yaml:"optimize_interval_seconds"`
}

// InterpreterConfig carries the interpreter limit values (spec.md §4.7's
// resource limits). The VM enforces the interp package's own constants and
// does not read these fields.
type InterpreterConfig struct {
	MaxInstructions int `yaml:"max_instructions"`
	MaxHeapWords    int `yaml:"max_heap_words"`
	MaxReturnDepth  int `yaml:"max_return_depth"`
}

// GatewayConfig addresses the REST and node-recovery RPC listeners.
type GatewayConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// BatchConfig carries the limits config_structs.hpp defines in the original
// RonDB REST server (spec.md §6's supplemented batch-PK feature).
type BatchConfig struct {
	MaxBatchSize     int `yaml:"max_batch_size"`
	RequestBufferKB  int `yaml:"request_buffer_kb"`
	WorkerThreads    int `yaml:"worker_threads"`
	MaxRetries       int `yaml:"max_retries"`
}

// LoggingConfig selects the logger's level and encoding.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is supplied:
// conservative sizing suitable for a single-process embedded deployment.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			PageSize:            32768,
			MaxPages:            4096,
			CorruptionPolicy:    PolicyTypedError,
			UndoReserveBytes:    1 << 20,
			FreeSpaceBuckets:    []int{16384, 8192, 4096, 2048, 1024, 512, 256, 0},
			OptimizeIntervalSec: 300,
		},
		Interpreter: InterpreterConfig{
			MaxInstructions: 16000,
			MaxHeapWords:    8200,
			MaxReturnDepth:  32,
		},
		Gateway: GatewayConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			MetricsAddr: ":9100",
		},
		Batch: BatchConfig{
			MaxBatchSize:    256,
			RequestBufferKB: 64,
			WorkerThreads:   8,
			MaxRetries:      3,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// Load reads a YAML config file at path (if non-empty) on top of Default,
// then applies environment variable overrides via ApplyEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// envPrefix namespaces every override to avoid colliding with unrelated
// process environment variables.
const envPrefix = "NDBCORE_"

// ApplyEnv overrides cfg's fields from NDBCORE_-prefixed environment
// variables, following the flag-then-struct pattern the teacher's
// cmd/server/main.go uses for command-line flags, generalized to env vars
// so the same binary can be configured without a file in a container.
func ApplyEnv(cfg *Config) {
	if v, ok := lookupEnvInt("STORAGE_PAGE_SIZE"); ok {
		cfg.Storage.PageSize = v
	}
	if v, ok := lookupEnvInt("STORAGE_MAX_PAGES"); ok {
		cfg.Storage.MaxPages = v
	}
	if v, ok := os.LookupEnv(envPrefix + "STORAGE_CORRUPTION_POLICY"); ok {
		cfg.Storage.CorruptionPolicy = CorruptionPolicy(strings.TrimSpace(v))
	}
	if v, ok := lookupEnvInt("INTERPRETER_MAX_INSTRUCTIONS"); ok {
		cfg.Interpreter.MaxInstructions = v
	}
	if v, ok := os.LookupEnv(envPrefix + "GATEWAY_HTTP_ADDR"); ok {
		cfg.Gateway.HTTPAddr = v
	}
	if v, ok := os.LookupEnv(envPrefix + "GATEWAY_GRPC_ADDR"); ok {
		cfg.Gateway.GRPCAddr = v
	}
	if v, ok := lookupEnvInt("BATCH_MAX_BATCH_SIZE"); ok {
		cfg.Batch.MaxBatchSize = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOGGING_LEVEL"); ok {
		cfg.Logging.Level = v
	}
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
