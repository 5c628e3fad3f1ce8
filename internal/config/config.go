package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Hard floors and defaults for lease and registration TTLs. Claim and
// heartbeat inputs are clamped rather than rejected.
const (
	DefaultLeaseSec  = 300
	MinLeaseSec      = 15
	MaxLeaseSec      = 3600
	DefaultWorkerTTL = 900
	MinWorkerTTL     = 30
	DefaultAuditMax  = 500
)

// Config models orionboard.yml.
type Config struct {
	Store struct {
		Backend string `yaml:"backend"` // file or sqlite
		Path    string `yaml:"path"`
	} `yaml:"store"`
	Leases struct {
		DefaultSec int `yaml:"default_sec"`
		MinSec     int `yaml:"min_sec"`
		MaxSec     int `yaml:"max_sec"`
	} `yaml:"leases"`
	Workers struct {
		TTLSec    int `yaml:"ttl_sec"`
		MinTTLSec int `yaml:"min_ttl_sec"`
	} `yaml:"workers"`
	Audit struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"audit"`
	Server struct {
		Addr     string        `yaml:"addr"`
		BasePath string        `yaml:"base_path"`
		APIKeys  []APIKeyEntry `yaml:"api_keys"`
	} `yaml:"server"`
}

// APIKeyEntry maps a sha256 key hash to the actor it authenticates.
type APIKeyEntry struct {
	ActorID string `yaml:"actor_id"`
	KeyHash string `yaml:"key_hash"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orionboard.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with ob init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Leases.DefaultSec == 0 {
		c.Leases.DefaultSec = DefaultLeaseSec
	}
	if c.Leases.MinSec == 0 {
		c.Leases.MinSec = MinLeaseSec
	}
	if c.Leases.MaxSec == 0 {
		c.Leases.MaxSec = MaxLeaseSec
	}
	if c.Workers.TTLSec == 0 {
		c.Workers.TTLSec = DefaultWorkerTTL
	}
	if c.Workers.MinTTLSec == 0 {
		c.Workers.MinTTLSec = MinWorkerTTL
	}
	if c.Audit.MaxEntries == 0 {
		c.Audit.MaxEntries = DefaultAuditMax
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config.store.backend must be file or sqlite, got %q", c.Store.Backend)
	}
	if c.Leases.MinSec <= 0 {
		return fmt.Errorf("config.leases.min_sec must be positive")
	}
	if c.Leases.MaxSec < c.Leases.MinSec {
		return fmt.Errorf("config.leases.max_sec %d below min_sec %d", c.Leases.MaxSec, c.Leases.MinSec)
	}
	if c.Leases.DefaultSec < c.Leases.MinSec || c.Leases.DefaultSec > c.Leases.MaxSec {
		return fmt.Errorf("config.leases.default_sec %d outside [%d,%d]", c.Leases.DefaultSec, c.Leases.MinSec, c.Leases.MaxSec)
	}
	if c.Workers.MinTTLSec <= 0 {
		return fmt.Errorf("config.workers.min_ttl_sec must be positive")
	}
	if c.Workers.TTLSec < c.Workers.MinTTLSec {
		return fmt.Errorf("config.workers.ttl_sec %d below min_ttl_sec %d", c.Workers.TTLSec, c.Workers.MinTTLSec)
	}
	if c.Audit.MaxEntries <= 0 {
		return fmt.Errorf("config.audit.max_entries must be positive")
	}
	for i, k := range c.Server.APIKeys {
		if k.ActorID == "" || k.KeyHash == "" {
			return fmt.Errorf("config.server.api_keys[%d] needs actor_id and key_hash", i)
		}
	}
	return nil
}

// ClampLease bounds a requested lease duration, defaulting it when zero.
func (c *Config) ClampLease(sec int) int {
	if sec <= 0 {
		sec = c.Leases.DefaultSec
	}
	if sec < c.Leases.MinSec {
		return c.Leases.MinSec
	}
	if sec > c.Leases.MaxSec {
		return c.Leases.MaxSec
	}
	return sec
}

// ClampWorkerTTL bounds a registration TTL, defaulting it when zero.
func (c *Config) ClampWorkerTTL(sec int) int {
	if sec <= 0 {
		sec = c.Workers.TTLSec
	}
	if sec < c.Workers.MinTTLSec {
		return c.Workers.MinTTLSec
	}
	return sec
}

// GenerateDefault returns the default config YAML for ob init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `store:
  backend: file        # file | sqlite

leases:
  default_sec: 300
  min_sec: 15
  max_sec: 3600

workers:
  ttl_sec: 900
  min_ttl_sec: 30

audit:
  max_entries: 500

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # api_keys:
  #   - actor_id: dashboard
  #     key_hash: <sha256 hex of the key>
`
