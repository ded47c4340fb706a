// Config loading for the metadata engine: backend selection, cache sizing,
// and the replicated-server/coordination-service connection parameters.
// Mirrors the reference stack's cmn/config.go: a single JSON document,
// (de)serialized with jsoniter, held behind an atomic pointer so it can be
// hot-reloaded without taking every caller's lock.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cmn

import (
	"io"
	"os"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// BackendKind selects a MetadataBackend variant for a volume's namespace.
type BackendKind string

const (
	BackendEmbedded    BackendKind = "embedded"
	BackendReplicated  BackendKind = "replicated"
	BackendCoordinator BackendKind = "coordination"
)

// CacheConfig controls the CachedMetadataStore's page cache.
type CacheConfig struct {
	CapacityPages int  `json:"capacity_pages"`
	IgnoreErrors  bool `json:"ignore_errors"` // maybe_write_page: log-and-swallow vs. propagate
}

// ReplicatedConfig configures the C4 replicated metadata server client.
type ReplicatedConfig struct {
	Replicas                []string `json:"replicas"` // [master, slave_1, ...] priority order
	DialTimeoutMS           int      `json:"dial_timeout_ms"`
	RequestTimeoutMS        int      `json:"request_timeout_ms"`
	ApplyRelocationsToSlave bool     `json:"apply_relocations_to_slaves"`
	JWTKeyPath              string   `json:"jwt_key_path"`
}

// CoordinationConfig configures the C2 coordination-service backend.
type CoordinationConfig struct {
	System      string `json:"system"`
	Kubeconfig  string `json:"kubeconfig"`
	ConfigMapNS string `json:"configmap_namespace"`
}

// EmbeddedConfig configures the on-disk embedded KV backend.
type EmbeddedConfig struct {
	Path         string `json:"path"`
	SurviveSigkill bool `json:"survive_sigkill"` // default true; see SPEC_FULL.md open question
}

// BackendConfig is the persisted, per-namespace backend selection returned
// by MetadataBackend.GetConfig / consumed by MetadataBackend constructors.
type BackendConfig struct {
	Kind        BackendKind         `json:"kind"`
	Embedded    EmbeddedConfig      `json:"embedded,omitempty"`
	Replicated  ReplicatedConfig    `json:"replicated,omitempty"`
	Coordinator CoordinationConfig `json:"coordination,omitempty"`
}

// Config is the top-level configuration document for a metadata-engine
// process (e.g. cmd/mdserver, or a test harness).
type Config struct {
	Cache   CacheConfig   `json:"cache"`
	Backend BackendConfig `json:"backend"`
	Hashing bool          `json:"hashing"`
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{CapacityPages: 4096, IgnoreErrors: false},
		Backend: BackendConfig{
			Kind:     BackendEmbedded,
			Embedded: EmbeddedConfig{Path: "./metadata.db", SurviveSigkill: true},
		},
		Hashing: true,
	}
}

var globalConfig atomic.Pointer[Config]

func init() { globalConfig.Store(DefaultConfig()) }

func GetConfig() *Config { return globalConfig.Load() }

func SetConfig(c *Config) {
	HashingEnabled = c.Hashing
	globalConfig.Store(c)
}

// LoadConfig reads and applies a JSON config document from path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := jsonAPI.Unmarshal(b, c); err != nil {
		return nil, err
	}
	SetConfig(c)
	return c, nil
}

func MarshalJSON(v interface{}) ([]byte, error) { return jsonAPI.Marshal(v) }
func UnmarshalJSON(b []byte, v interface{}) error { return jsonAPI.Unmarshal(b, v) }

// UnmarshalJSONReader decodes a JSON document straight from r, for
// callers streaming an object backend's reader without buffering the
// whole body first.
func UnmarshalJSONReader(r io.Reader, v interface{}) error {
	return jsonAPI.NewDecoder(r).Decode(v)
}
