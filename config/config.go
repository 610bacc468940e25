// Package config defines the on-disk/flag-driven configuration surface for
// a crosstown node and loads it the way the teacher daemon loads its own:
// an INI file overridden by command-line flags, both parsed by go-flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "crosstown.conf"
	defaultDataDir        = "data"
	defaultLogLevel       = "info"
	defaultListenAddr     = ":4848"
	defaultBLSHTTPAddr    = ":4849"
	defaultConnectorMode  = "embedded"

	defaultDiscoveryWindowMs    = 5000
	defaultMinPeers             = 1
	defaultHandshakeTimeoutMs   = 10000
	defaultChannelOpenTimeoutMs = 60000
	defaultSettlementTimeoutSec = 30
	defaultSubSendBuffer        = 64
	defaultMaxFilters           = 16
	defaultMaxConnections       = 1024
)

// KnownPeerConfig is a genesis seed peer as described in spec.md §3.
type KnownPeerConfig struct {
	Pubkey      string `long:"pubkey" description:"hex-encoded 32-byte public key of the seed peer"`
	RelayURL    string `long:"relayurl" description:"websocket URL of the peer's relay"`
	BTPEndpoint string `long:"btpendpoint" description:"BTP endpoint the peer's connector listens on"`
}

// BootstrapConfig configures the bootstrap state machine, spec.md §4.7.
type BootstrapConfig struct {
	KnownPeers        []KnownPeerConfig `group:"known-peer" long:"knownpeer"`
	DiscoveryWindowMs int               `long:"discoverywindowms" default:"5000"`
	MinPeers          int               `long:"minpeers" default:"1"`
	RegistryEndpoints []string          `long:"registryendpoint" description:"etcd endpoints for the decentralized peer registry"`
}

// PricingKindRow is one configured (kind, base, perByte) pricing row,
// spec.md §4.4 / §6.6.
type PricingKindRow struct {
	Kind    int   `long:"kind"`
	Base    int64 `long:"base"`
	PerByte int64 `long:"perbyte"`
}

// PricingConfig configures the Pricing Service, spec.md §4.4.
type PricingConfig struct {
	KindRows    []PricingKindRow `group:"kind-row"`
	DefaultBase int64            `long:"defaultbase" default:"0"`
	DefaultPer  int64            `long:"defaultperbyte" default:"0"`
	OwnerBypass []string         `long:"ownerbypass" description:"hex pubkeys whose events always price to zero"`
}

// SettlementConfig configures the settlement/channel helper, spec.md §4.9
// and the bootstrap handshake's chain negotiation, spec.md §4.7.
type SettlementConfig struct {
	SupportedChains      []string          `long:"chain" description:"chains this node can settle on, in preference order"`
	SettlementAddresses  map[string]string `long:"settlementaddress"`
	Tokens               map[string]string `long:"token"`
	TokenNetworks        map[string]string `long:"tokennetwork"`
	Deposit              string            `long:"deposit" default:"0"`
	TimeoutSec           int               `long:"timeoutsec" default:"30"`
	HandshakeTimeoutMs   int               `long:"handshaketimeoutms" default:"10000"`
	ChannelOpenTimeoutMs int               `long:"channelopentimeoutms" default:"60000"`
	ChannelKeyHex        string            `long:"channelkey" description:"hex-encoded secp256k1 private key used to sign claims"`
	LedgerDSN            string            `long:"ledgerdsn" description:"Postgres DSN for the settlement channel/claim ledger; empty disables settlement"`
}

// StoreConfig configures the event store's backing engine, spec.md §4.2.
type StoreConfig struct {
	Path           string `long:"path" default:"events.db"`
	MaxMemoryBytes int64  `long:"maxmemorybytes"`
}

// LimitsConfig bounds resource usage, spec.md §5 / §6.6.
type LimitsConfig struct {
	SubSendBuffer int `long:"subsendbuffer" default:"64"`
	MaxFilters    int `long:"maxfilters" default:"16"`
	MaxConnections int `long:"maxconnections" default:"1024"`
}

// Config is the full recognized configuration surface enumerated in
// spec.md §6.6, plus the ambient LogLevel field every crosstown subsystem
// honors.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to crosstown.conf"`

	NodeID     string `long:"nodeid" description:"human readable identifier for this node"`
	PrivateKey string `long:"privatekey" description:"hex-encoded 32-byte Schnorr signing key"`
	ILPAddress string `long:"ilpaddress" description:"this node's ILP address"`

	ListenAddr  string `long:"listenaddr" default:":4848" description:"relay websocket listen address"`
	BLSHTTPAddr string `long:"blshttpaddr" default:":4849" description:"BLS/admin HTTP listen address"`
	RelayURL    string `long:"relayurl" description:"this node's own relay URL, as advertised to peers"`

	ConnectorMode string `long:"connectormode" default:"embedded" choice:"embedded" choice:"remote"`
	ConnectorURL  string `long:"connectorurl" description:"base URL of the remote connector admin surface"`

	Bootstrap  BootstrapConfig  `group:"bootstrap"`
	Pricing    PricingConfig    `group:"pricing"`
	Settlement SettlementConfig `group:"settlement"`
	Store      StoreConfig      `group:"store"`
	Limits     LimitsConfig     `group:"limits"`

	LogLevel string `long:"loglevel" default:"info" description:"btclog level: trace|debug|info|warn|error|critical|off"`
}

// Default returns a Config populated with the same defaults go-flags would
// apply, for use by tests and by callers that construct a node
// programmatically instead of via the CLI entrypoint.
func Default() *Config {
	return &Config{
		ListenAddr:    defaultListenAddr,
		BLSHTTPAddr:   defaultBLSHTTPAddr,
		ConnectorMode: defaultConnectorMode,
		LogLevel:      defaultLogLevel,
		Bootstrap: BootstrapConfig{
			DiscoveryWindowMs: defaultDiscoveryWindowMs,
			MinPeers:          defaultMinPeers,
		},
		Settlement: SettlementConfig{
			TimeoutSec:           defaultSettlementTimeoutSec,
			HandshakeTimeoutMs:   defaultHandshakeTimeoutMs,
			ChannelOpenTimeoutMs: defaultChannelOpenTimeoutMs,
		},
		Store: StoreConfig{
			Path: "events.db",
		},
		Limits: LimitsConfig{
			SubSendBuffer:  defaultSubSendBuffer,
			MaxFilters:     defaultMaxFilters,
			MaxConnections: defaultMaxConnections,
		},
	}
}

// Load parses command-line arguments, falling back to defaultConfigFilename
// in the current directory for any option not given on the command line.
// This mirrors the teacher's own "INI file overridden by flags" pattern.
func Load(args []string) (*Config, error) {
	cfg := Default()

	// First pass: only to discover -C/--configfile, mimicking the
	// teacher's two-pass flag parsing so that '-C' can itself be a flag.
	preCfg := *cfg
	parser := flags.NewParser(&preCfg, flags.Default&^flags.PrintErrors)
	if _, err := parser.ParseArgs(args); err != nil {
		if !isHelpError(err) {
			return nil, err
		}
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = defaultConfigFilename
	}
	if fileExists(configFile) {
		iniParser := flags.NewIniParser(flags.NewParser(cfg, flags.Default))
		if err := iniParser.ParseFile(configFile); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w",
				configFile, err)
		}
	}

	parser = flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return cfg, validate(cfg)
}

func validate(cfg *Config) error {
	switch cfg.ConnectorMode {
	case "embedded", "remote":
	default:
		return fmt.Errorf("connectormode must be 'embedded' or 'remote', got %q",
			cfg.ConnectorMode)
	}
	if cfg.ConnectorMode == "remote" && cfg.ConnectorURL == "" {
		return fmt.Errorf("connectorurl is required when connectormode=remote")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}

func isHelpError(err error) bool {
	flagsErr, ok := err.(*flags.Error)
	return ok && flagsErr.Type == flags.ErrHelp
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DataDir returns the directory component of the store path, creating it
// if necessary.
func DataDir(cfg *Config) (string, error) {
	dir := filepath.Dir(cfg.Store.Path)
	if dir == "." {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}
