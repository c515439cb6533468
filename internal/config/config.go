// Package config loads and validates settings for the mostrond daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name, grounded on the
// single-file-per-data-dir convention the daemon's identity and storage
// also follow.
const ConfigFileName = "mostrond.yaml"

// Config holds every setting recognised by the coordinator. Field names
// mirror the configuration keys named in the specification.
type Config struct {
	// DataDir is the directory holding the identity key, the SQLite
	// database, and this config file itself.
	DataDir string `yaml:"data_dir"`

	// Identity
	Nsec     string `yaml:"nsec"`               // hex-encoded Ed25519 seed; generated if empty
	Mnemonic string `yaml:"mnemonic,omitempty"` // optional BIP-39 alternative to nsec

	// Order limits and pricing
	Pow               int     `yaml:"pow"`                // minimum leading zero bits on inbound envelopes
	MaxOrderAmount    int64   `yaml:"max_order_amount"`   // sats ceiling
	MinPaymentAmount  int64   `yaml:"min_payment_amount"` // sats floor
	ExpirationSeconds int64   `yaml:"expiration_seconds"` // order + hold-invoice lifetime
	Fee               float64 `yaml:"fee"`                // proportional coordinator fee

	// Transport
	ListenAddrs    []string `yaml:"listen_addrs"`    // libp2p multiaddrs to listen on
	Relays         []string `yaml:"relays"`          // bootstrap / relay peer multiaddrs
	EnableMDNS     bool     `yaml:"enable_mdns"`     // local-network peer discovery
	EnableNAT      bool     `yaml:"enable_nat"`      // NAT port mapping
	EnableRelay    bool     `yaml:"enable_relay"`    // circuit relay + hole punching
	DiscoveryNS    string   `yaml:"discovery_namespace"` // mDNS service namespace

	// Storage
	DatabaseURL string `yaml:"database_url"` // sqlite DSN; defaults under DataDir

	// Lightning escrow backend (internal/escrow.LndDriver)
	LndHost         string `yaml:"lnd_host"`
	LndMacaroonPath string `yaml:"lnd_macaroon_path"`
	LndTLSCertPath  string `yaml:"lnd_tls_cert_path"`
	LndNetwork      string `yaml:"lnd_network"` // mainnet, testnet, regtest

	// Admin control plane (supplemental; see SPEC_FULL.md §6)
	AdminListenAddr string `yaml:"admin_listen_addr"` // loopback only

	// Logging
	LogLevel string `yaml:"log_level"`

	// Reputation aggregator
	ReputationFlushInterval time.Duration `yaml:"reputation_flush_interval"`
}

// DefaultConfig returns a Config with sensible defaults, following the
// teacher's DefaultConfig/LoadConfig pattern for daemon bootstrapping.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                 "~/.mostrond",
		Pow:                     0,
		MaxOrderAmount:          10_000_000,
		MinPaymentAmount:        100,
		ExpirationSeconds:       24 * 60 * 60,
		Fee:                     0.0,
		ListenAddrs:             []string{"/ip4/0.0.0.0/tcp/4001"},
		Relays:                  []string{},
		EnableMDNS:              true,
		EnableNAT:               true,
		EnableRelay:             true,
		DiscoveryNS:             "mostro-network",
		DatabaseURL:             "",
		LndNetwork:              "mainnet",
		AdminListenAddr:         "127.0.0.1:38782",
		LogLevel:                "info",
		ReputationFlushInterval: 10 * time.Minute,
	}
}

// Load reads configuration from a YAML file under dataDir, creating one
// with default values on first run.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# mostrond configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	return os.WriteFile(path, data, 0600)
}

// Validate checks invariants the spec relies on across components.
func (c *Config) Validate() error {
	if c.MinPaymentAmount <= 0 {
		return fmt.Errorf("min_payment_amount must be positive")
	}
	if c.MaxOrderAmount < c.MinPaymentAmount {
		return fmt.Errorf("max_order_amount must be >= min_payment_amount")
	}
	if c.ExpirationSeconds <= 0 {
		return fmt.Errorf("expiration_seconds must be positive")
	}
	if c.Pow < 0 {
		return fmt.Errorf("pow must be >= 0")
	}
	return nil
}

// DBPath returns the resolved sqlite DSN, honouring an explicit
// database_url override.
func (c *Config) DBPath() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(expandPath(c.DataDir), "mostrond.db")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
