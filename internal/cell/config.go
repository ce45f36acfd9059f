package cell

import (
	"os"
	"time"

	"rheo/pkg/registrypath"
)

// Config carries every name in spec.md §6's Configuration table. The
// library itself never reads the environment or flags — cmd/rheo resolves
// those and builds one of these, matching the teacher's envInt/flat-field
// style in cmd/repram/main.go translated into a plain struct instead of a
// pile of package-level variables.
type Config struct {
	ID           string
	Port         int // 0 = ephemeral
	Seed         string
	RegistryDir  string
	MaxConcurrent int // soft, advisory only — not enforced anywhere yet
	RPCTimeoutMs      int64
	GossipIntervalMs  int64
	AtlasTTLMs        int64
	EnableCompression bool
	EnableTLS         bool // reserved; TLS is not implemented
	ClusterSecret     string
	LogLevel          string
}

// defaults mirror spec.md §6 exactly.
const (
	defaultRPCTimeoutMs     = 5000
	defaultGossipIntervalMs = 15000
	defaultAtlasTTLMs       = 60000
)

// WithDefaults fills zero-valued fields with spec.md §6's defaults. ID is
// left for the caller to resolve (typically identity.DeriveCellID()) since
// it has no context-free default.
//
// RegistryDir falls back to pkg/registrypath.ResolveRegistryDir against
// the process's working directory when the caller leaves it unset — the
// same "interface only" helper spec.md §6 says tenants may import directly
// instead, resolved automatically here for the common case of a cell
// running from within a tenant's own working tree.
func (c Config) WithDefaults() Config {
	if c.RPCTimeoutMs == 0 {
		c.RPCTimeoutMs = defaultRPCTimeoutMs
	}
	if c.GossipIntervalMs == 0 {
		c.GossipIntervalMs = defaultGossipIntervalMs
	}
	if c.AtlasTTLMs == 0 {
		c.AtlasTTLMs = defaultAtlasTTLMs
	}
	if c.RegistryDir == "" {
		if wd, err := os.Getwd(); err == nil {
			if dir, ok := registrypath.ResolveRegistryDir(wd); ok {
				c.RegistryDir = dir
			}
		}
	}
	return c
}

func (c Config) rpcTimeout() time.Duration { return time.Duration(c.RPCTimeoutMs) * time.Millisecond }
