// Package config loads the hub's and shard's process configuration from the
// environment: required values fail fast at startup, values with a sane
// default fall back to one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/quantarax/shardhub/internal/validation"
)

// Hub holds the coordinator process's configuration.
type Hub struct {
	BindShard      string // TCP listener for shard connections
	CatalogPath    string // sqlite catalog file
	PingInterval   time.Duration
	AcceptRate     float64 // shard connections/sec the accept loop admits
	AcceptBurst    int
	ObservAddress  string // metrics/health HTTP address
}

// Shard holds the storage worker process's configuration.
type Shard struct {
	ServerAddress string // hub dial target
	StoragePath   string // bolt database file
	StorageChunks uint64 // advertised capacity
	PingInterval  time.Duration
	QueueDepth    int
	Agent         string
	HTTPAddress   string // this shard's GET/PUT chunk HTTP listener
	ObservAddress string
}

// LoadHub reads the hub's required and optional environment variables.
// Required: BIND_SHARD. Fails fast on a missing or malformed value.
func LoadHub() (*Hub, error) {
	bind, err := requireEnv("BIND_SHARD")
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAddr(bind); err != nil {
		return nil, fmt.Errorf("config: BIND_SHARD: %w", err)
	}

	pingMs, err := optionalUint64Env("PING_INTERVAL_MS", 30000)
	if err != nil {
		return nil, err
	}

	return &Hub{
		BindShard:     bind,
		CatalogPath:   optionalEnv("CATALOG_PATH", "./shardhub-catalog.db"),
		PingInterval:  time.Duration(pingMs) * time.Millisecond,
		AcceptRate:    optionalFloatEnv("ACCEPT_RATE", 50),
		AcceptBurst:   int(optionalUint64EnvMust("ACCEPT_BURST", 100)),
		ObservAddress: optionalEnv("OBSERV_ADDRESS", "127.0.0.1:8081"),
	}, nil
}

// LoadShard reads the shard's required and optional environment variables.
// Required: SERVER_ADDRESS, STORAGE_PATH, STORAGE_CHUNKS.
func LoadShard() (*Shard, error) {
	addr, err := requireEnv("SERVER_ADDRESS")
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateAddr(addr); err != nil {
		return nil, fmt.Errorf("config: SERVER_ADDRESS: %w", err)
	}

	storagePath, err := requireEnv("STORAGE_PATH")
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateFilePath(storagePath, false); err != nil {
		return nil, fmt.Errorf("config: STORAGE_PATH: %w", err)
	}

	chunks, err := requireUint64Env("STORAGE_CHUNKS")
	if err != nil {
		return nil, err
	}

	pingMs, err := optionalUint64Env("PING_INTERVAL_MS", 30000)
	if err != nil {
		return nil, err
	}
	queueDepth, err := optionalUint64Env("QUEUE_DEPTH_SEND", 64)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateRangeInt(int(queueDepth), 1, 1<<16); err != nil {
		return nil, fmt.Errorf("config: QUEUE_DEPTH_SEND: %w", err)
	}

	return &Shard{
		ServerAddress: addr,
		StoragePath:   storagePath,
		StorageChunks: chunks,
		PingInterval:  time.Duration(pingMs) * time.Millisecond,
		QueueDepth:    int(queueDepth),
		Agent:         optionalEnv("SHARD_AGENT", "shard/1.0"),
		HTTPAddress:   optionalEnv("BIND_HTTP", "127.0.0.1:8090"),
		ObservAddress: optionalEnv("OBSERV_ADDRESS", "127.0.0.1:8091"),
	}, nil
}

func requireEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("config: required environment variable %s not set", key)
	}
	return v, nil
}

func requireUint64Env(key string) (uint64, error) {
	raw, err := requireEnv(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a non-negative integer: %w", key, err)
	}
	return v, nil
}

func optionalEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func optionalUint64Env(key string, def uint64) (uint64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a non-negative integer: %w", key, err)
	}
	return v, nil
}

// optionalUint64EnvMust is optionalUint64Env for internal tuning knobs that
// would rather fall back to the default than fail startup on a bad value.
func optionalUint64EnvMust(key string, def uint64) uint64 {
	v, err := optionalUint64Env(key, def)
	if err != nil {
		return def
	}
	return v
}

func optionalFloatEnv(key string, def float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
