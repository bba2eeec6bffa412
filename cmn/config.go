package cmn

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// DefaultBlockSize is the fallback direct-I/O alignment used when the
// runtime cannot discover the backing file system's block size (spec §9,
// "Direct-I/O alignment").
const DefaultBlockSize = 4096

// DefaultEagerLimit is the historical 2048-byte eager/bulk cutover (spec
// §9, "Eager-size threshold"), configurable per provider.
const DefaultEagerLimit = 2048

// BufferPoolConfig sizes the provider-wide pool of pre-registered,
// block-aligned buffers the transfer engine draws from (spec §4.5).
type BufferPoolConfig struct {
	// NumBuffers is the pool's fixed buffer count; the transfer engine
	// never holds more than this many buffers in flight at once.
	NumBuffers int `json:"num_buffers"`
	// ChunkSize is the size of each pooled buffer, and therefore the
	// maximum sub-extent size a transfer worker ever carves off.
	ChunkSize int `json:"chunk_size"`
}

// TargetConfig carries the per-target knobs spec §3 says a target entry
// holds: the backend it binds, its backing path, and its transfer
// concurrency limit.
type TargetConfig struct {
	Path              string `json:"path"`
	Backend           string `json:"backend"` // "pmem" | "file"
	TransferConcurrency int  `json:"transfer_concurrency"`
	// SizeHeader enables the 8-byte in-region size header on backends
	// that support it (PMEM only; the file backend always knows region
	// size from the region ID itself).
	SizeHeader bool `json:"size_header"`
}

// Config is the provider-wide JSON configuration cmd/bake-server loads
// from the file its `-config` flag names. No command-line flag
// overrides a field of it after LoadConfig.
type Config struct {
	ListenAddr string           `json:"listen_addr"`
	ProviderID uint16           `json:"provider_id"`
	EagerLimit int              `json:"eager_limit"`
	BlockSize  int              `json:"block_size"`
	BufferPool BufferPoolConfig `json:"buffer_pool"`
	Pipelined  bool             `json:"pipelined"`
	Targets    []TargetConfig   `json:"targets"`
}

// DefaultConfig returns a Config with spec-mandated defaults filled in;
// LoadConfig starts from this and layers a JSON file on top, the same
// two-stage pattern aistore's cmn.Config uses.
func DefaultConfig() *Config {
	return &Config{
		EagerLimit: DefaultEagerLimit,
		BlockSize:  DefaultBlockSize,
		BufferPool: BufferPoolConfig{
			NumBuffers: 32,
			ChunkSize:  256 * 1024,
		},
	}
}

// LoadConfig reads and merges a JSON configuration file on top of
// DefaultConfig, using json-iterator the way the teacher decodes its
// own cmn.Config.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := jsoniter.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return NewError(CodeInvalidArg, "block_size must be a power of two")
	}
	if c.BufferPool.NumBuffers <= 0 || c.BufferPool.ChunkSize <= 0 {
		return NewError(CodeInvalidArg, "buffer_pool must have positive num_buffers and chunk_size")
	}
	if c.EagerLimit < 0 {
		return NewError(CodeInvalidArg, "eager_limit must be non-negative")
	}
	return nil
}
