package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/migration"
)

// Environment variables that override file and default values.
const (
	EnvRPCURL     = "CPSWAP_RPC_URL"
	EnvIndexerURL = "CPSWAP_INDEXER_URL"
	EnvLogLevel   = "CPSWAP_LOG_LEVEL"
)

// Config holds everything needed to talk to both tiers and to build
// migration instructions.
type Config struct {
	// RPCURL is the direct-tier JSON-RPC endpoint.
	RPCURL string `yaml:"rpcUrl"`

	// IndexerURL is the compacted-tier JSON-RPC endpoint. Empty means the
	// RPC endpoint serves both.
	IndexerURL string `yaml:"indexerUrl"`

	// RequestsPerSecond throttles each endpoint (0 disables throttling).
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`

	// Concurrency bounds parallel resolutions per build.
	Concurrency int `yaml:"concurrency"`

	ProgramID    types.Pubkey `yaml:"programId"`
	AddressTree  types.Pubkey `yaml:"addressTree"`
	AddressQueue types.Pubkey `yaml:"addressQueue"`
	StateTree    types.Pubkey `yaml:"stateTree"`
	StateQueue   types.Pubkey `yaml:"stateQueue"`

	// Migration accounts. FeePayer and CompressionConfig have no default
	// and are only required for building migrations.
	FeePayer          types.Pubkey   `yaml:"feePayer"`
	RentSponsor       types.Pubkey   `yaml:"rentSponsor"`
	CompressionConfig types.Pubkey   `yaml:"compressionConfig"`
	SystemAccounts    []types.Pubkey `yaml:"systemAccounts"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
	// LogFormat is json or text.
	LogFormat string `yaml:"logFormat"`

	// MetricsAddr is the listen address of the metrics endpoint of serve.
	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultConfig returns a Config for a local development ledger.
func DefaultConfig() Config {
	return Config{
		RPCURL:            "http://127.0.0.1:8899",
		RequestsPerSecond: 50,
		Burst:             10,
		Concurrency:       16,
		ProgramID:         types.MustParsePubkey("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"),
		AddressTree:       types.MustParsePubkey("EzKE84aVTkCUhDHLELqyJaq1Y7UVVmqxXqZjVHwHY3rK"),
		AddressQueue:      types.MustParsePubkey("EzKE84aVTkCUhDHLELqyJaq1Y7UVVmqxXqZjVHwHY3rK"),
		StateTree:         types.MustParsePubkey("bmt1LryLZUMmF7ZtqESaw7wifBXLfXHQYoE4GAmrahU"),
		StateQueue:        types.MustParsePubkey("oq1na8gojfdUhsfCpyjNt6h4JaDWtHf1yQj4koBWfto"),
		RentSponsor:       types.MustParsePubkey("CLEuMG7pzJX9xAuKCFzBP154uiG1GaNo4Fq7x6KAcAfG"),
		SystemAccounts: []types.Pubkey{
			types.MustParsePubkey("SySTEM1eSU2p4BGQfQpimFEWWSC1XDFeun3Nqzz3rT7"),
			types.MustParsePubkey("compr6CUsB5m2jS4Y3831ztGSTnDpnKJTKS95d64XVq"),
			types.MustParsePubkey("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV"),
			types.MustParsePubkey("35hkDgaAKwMCaxRz2ocSZ6NaUrtKkyNqU6c4RV3tYJRh"),
			types.MustParsePubkey("11111111111111111111111111111111"),
		},
		LogLevel:    "info",
		LogFormat:   log.FormatJSON,
		MetricsAddr: "127.0.0.1:9464",
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("config: rpc url must not be empty")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("config: invalid requests per second: %v", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst < 1 {
		return fmt.Errorf("config: invalid burst: %d", c.Burst)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: invalid concurrency: %d", c.Concurrency)
	}
	for _, id := range []struct {
		name string
		key  types.Pubkey
	}{
		{"program id", c.ProgramID},
		{"address tree", c.AddressTree},
		{"address queue", c.AddressQueue},
		{"state tree", c.StateTree},
		{"state queue", c.StateQueue},
	} {
		if id.key.IsZero() {
			return fmt.Errorf("config: %s must be set", id.name)
		}
	}
	if len(c.SystemAccounts) > migration.MaxSystemAccounts {
		return fmt.Errorf("config: too many system accounts: %d > %d", len(c.SystemAccounts), migration.MaxSystemAccounts)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case log.FormatJSON, log.FormatText:
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// IndexerEndpoint returns the indexer URL, falling back to the RPC URL.
func (c *Config) IndexerEndpoint() string {
	if c.IndexerURL != "" {
		return c.IndexerURL
	}
	return c.RPCURL
}

// Migration returns the builder configuration. It fails when an account
// without a default is still unset.
func (c *Config) Migration() (migration.Config, error) {
	if c.FeePayer.IsZero() {
		return migration.Config{}, errors.New("config: fee payer must be set to build migrations")
	}
	if c.CompressionConfig.IsZero() {
		return migration.Config{}, errors.New("config: compression config must be set to build migrations")
	}
	return migration.Config{
		ProgramID:         c.ProgramID,
		AddressTree:       c.AddressTree,
		AddressQueue:      c.AddressQueue,
		OutputQueue:       c.StateQueue,
		FeePayer:          c.FeePayer,
		RentSponsor:       c.RentSponsor,
		CompressionConfig: c.CompressionConfig,
		SystemAccounts:    append([]types.Pubkey(nil), c.SystemAccounts...),
	}, nil
}

// LoadConfig reads a YAML file over the defaults and applies environment
// overrides. An empty path skips the file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces config values with non-empty environment
// variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		cfg.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIndexerURL)); v != "" {
		cfg.IndexerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
}
