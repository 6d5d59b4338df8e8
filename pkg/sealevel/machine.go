package sealevel

import (
	"github.com/fortiblox/sealevel/pkg/sealevel/progcache"
	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Default transaction compute budget.
const DefaultComputeBudget = 1_400_000

// DefaultMaxInvokeDepth bounds instruction nesting: a top-level instruction
// runs at depth 1, and an invocation that would push past the limit fails.
const DefaultMaxInvokeDepth = 4

// Config holds engine-wide settings.
type Config struct {
	// ComputeBudget is the per-transaction compute unit budget.
	ComputeBudget uint64

	// MaxInvokeDepth is the maximum instruction nesting depth.
	MaxInvokeDepth int

	// HeapSize is the guest heap size for each execution.
	HeapSize uint64

	// Cache, when set, stores loaded and verified program images keyed by
	// content hash. A cache hit skips ELF parsing and verification.
	Cache *progcache.Cache
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		ComputeBudget:  DefaultComputeBudget,
		MaxInvokeDepth: DefaultMaxInvokeDepth,
		HeapSize:       sbpf.HeapDefault,
	}
}

// Machine is the engine root. It is immutable after creation and safe to
// share; per-transaction state lives in InvokeContexts.
type Machine struct {
	cfg Config
}

// NewMachine creates an engine with zero config fields replaced by defaults.
func NewMachine(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.ComputeBudget == 0 {
		cfg.ComputeBudget = def.ComputeBudget
	}
	if cfg.MaxInvokeDepth == 0 {
		cfg.MaxInvokeDepth = def.MaxInvokeDepth
	}
	if cfg.HeapSize == 0 {
		cfg.HeapSize = def.HeapSize
	}
	return &Machine{cfg: cfg}
}

// Config returns the machine configuration.
func (m *Machine) Config() Config { return m.cfg }
