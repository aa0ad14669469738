// Package config loads rurouni's daemon configuration: environment
// variables (via godotenv), the storage-schemas.conf path, and data/conf
// root directories. Ports and timeouts default to rurouni/conf.py's
// historical values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
)

// Defaults mirror rurouni/conf.py's `defaults` dict.
const (
	DefaultLineReceiverPort   = "2003"
	DefaultPickleReceiverPort = "2004"
	DefaultCacheQueryPort     = "7002"
	DefaultDebugPort          = "7007"
	DefaultWriterInterval     = 1 // seconds, spec §4.7
)

// Config is the daemon's top level configuration.
type Config struct {
	Instance      string `json:"instance"`
	DataDir       string `json:"data_dir"`
	ConfDir       string `json:"conf_dir"`
	LinkDir       string `json:"link_dir"`
	LineAddr      string `json:"line_addr"`
	PickleAddr    string `json:"pickle_addr"`
	CacheQueryAddr string `json:"cache_query_addr"`
	DebugAddr     string `json:"debug_addr"`
	Nats          *NatsConfig `json:"nats,omitempty"`
}

// NatsConfig carries the daemon's NATS settings: the server address (the
// same "address" key as pkg/nats.NatsConfig) and the subject to subscribe.
// It does not import the nats package's config type (kept decoupled:
// config.go should not need a NATS connection to validate).
type NatsConfig struct {
	Address string `json:"address"`
	Subject string `json:"subject"`
}

const configSchema = `{
  "type": "object",
  "properties": {
    "instance": {"type": "string"},
    "data_dir": {"type": "string"},
    "conf_dir": {"type": "string"},
    "link_dir": {"type": "string"},
    "line_addr": {"type": "string"},
    "pickle_addr": {"type": "string"},
    "cache_query_addr": {"type": "string"},
    "debug_addr": {"type": "string"}
  },
  "required": ["instance", "data_dir", "conf_dir"]
}`

// LoadEnv loads environment variables from file (if it exists) via
// godotenv, superseding the teacher's hand-rolled internal/runtimeEnv
// parser.
func LoadEnv(file string) error {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(file)
}

// Load reads and validates a daemon config file against configSchema.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sch, err := jsonschema.CompileString("config.json", configSchema)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", kenerr.ErrInvalidConfig, err)
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", kenerr.ErrInvalidConfig, err)
	}

	cfg := &Config{
		LineAddr:       ":" + DefaultLineReceiverPort,
		PickleAddr:     ":" + DefaultPickleReceiverPort,
		CacheQueryAddr: ":" + DefaultCacheQueryPort,
		DebugAddr:      ":" + DefaultDebugPort,
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", kenerr.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// SchemasPath returns the path to storage-schemas.conf under ConfDir.
func (c *Config) SchemasPath() string {
	return filepath.Join(c.ConfDir, "storage-schemas.conf")
}

// IndexPath returns the path to the instance's metric index file.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, c.Instance+".idx")
}
