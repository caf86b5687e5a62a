package regtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
)

// ---------------------------------------------------------------
//  Node Configuration
// ---------------------------------------------------------------

const (
	// confFileName is the name of the node configuration file written into
	// every node data directory.
	confFileName = "zen.conf"

	// Ports handed out to framework nodes live in [portMin, portMin+2*portRange).
	// P2P ports take the lower half and RPC ports the upper half.
	portMin   = 11000
	portRange = 5000

	// maxNodes is the largest number of nodes a single process may run.
	maxNodes = 8
)

// Config describes a single regtest node: where to reach its RPC server,
// where its data lives and how to launch it.
type Config struct {
	// Host is the RPC address of the node (host:port).
	Host string
	// User and Pass are the RPC credentials.
	User string
	Pass string
	// DataDir is the node data directory.
	DataDir string
	// ExtraArgs are appended to the node command line.
	ExtraArgs []string
	// Binary is the node executable, looked up in PATH when not absolute.
	Binary string
	// P2PPort is the port the node listens on for peers.
	P2PPort int
	// DebugCategories are enabled with one -debug flag each.
	DebugCategories []string
	// StartTimeout bounds how long Start waits for the RPC server.
	StartTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the process to exit after
	// the stop RPC before killing it.
	StopTimeout time.Duration
}

var (
	configMutex  sync.RWMutex
	activeConfig *Config
)

// DefaultDebugCategories are the log categories enabled on every node
// started by this package.
var DefaultDebugCategories = []string{"py", "sc", "mempool", "net", "cert"}

// DefaultConfig returns the default node configuration.
//
// Returns:
//   - *Config: a fresh configuration the caller may modify
//
// Configuration details:
//   - Host: 127.0.0.1:18443 (standard regtest RPC port)
//   - Authentication: user/pass
//   - Binary: zend, looked up in PATH
//   - Debug categories: py, sc, mempool, net, cert
//   - Start timeout 30s, stop timeout 10s
func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1:18443",
		User:            "user",
		Pass:            "pass",
		DataDir:         "./zend_regtest",
		Binary:          "zend",
		P2PPort:         18444,
		DebugCategories: append([]string(nil), DefaultDebugCategories...),
		StartTimeout:    30 * time.Second,
		StopTimeout:     10 * time.Second,
	}
}

// Copy returns a deep copy of cfg.
func (cfg *Config) Copy() *Config {
	c := *cfg
	c.ExtraArgs = append([]string(nil), cfg.ExtraArgs...)
	c.DebugCategories = append([]string(nil), cfg.DebugCategories...)
	return &c
}

// GetConfig returns a copy of the active configuration.
func GetConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if activeConfig == nil {
		return DefaultConfig()
	}
	return activeConfig.Copy()
}

// SetConfig replaces the active configuration. Nodes created afterwards with
// a nil config use it. cfg is copied, so later changes to it have no effect.
//
// Example:
//
//	cfg := regtest.DefaultConfig()
//	cfg.Binary = "/opt/zen/bin/zend"
//	cfg.DataDir = t.TempDir()
//	regtest.SetConfig(cfg)
//	defer regtest.ResetConfig()
func SetConfig(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	activeConfig = cfg.Copy()
}

// ResetConfig restores the default configuration.
func ResetConfig() {
	configMutex.Lock()
	defer configMutex.Unlock()

	activeConfig = nil
}

// DefaultRegtestConfig returns the RPC connection config for the active
// configuration.
//
// Returns:
//   - *rpcclient.ConnConfig: connection configuration for the regtest node
//
// Configuration details:
//   - Host and credentials from the active configuration
//   - HTTP POST mode enabled for JSON-RPC communication
//   - TLS disabled for local development
func DefaultRegtestConfig() *rpcclient.ConnConfig {
	return GetConfig().ConnConfig()
}

// ConnConfig returns the RPC connection config for cfg.
func (cfg *Config) ConnConfig() *rpcclient.ConnConfig {
	return &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
}

// RPCPort returns the port part of Host, or 0 if it has none.
func (cfg *Config) RPCPort() int {
	_, port, err := splitHostPort(cfg.Host)
	if err != nil {
		return 0
	}
	return port
}

// NodeArgs renders the command line arguments used to launch the node.
//
// The arguments:
//   - point the node at DataDir and the regtest network
//   - set the RPC credentials, RPC port and p2p port
//   - enable one -debug flag per debug category and microsecond log times
//   - end with ExtraArgs, so callers can override any of the above
func (cfg *Config) NodeArgs() []string {
	args := []string{
		"-datadir=" + cfg.DataDir,
		"-regtest",
		"-rpcuser=" + cfg.User,
		"-rpcpassword=" + cfg.Pass,
	}
	if port := cfg.RPCPort(); port != 0 {
		args = append(args, "-rpcport="+strconv.Itoa(port))
	}
	if cfg.P2PPort != 0 {
		args = append(args, "-port="+strconv.Itoa(cfg.P2PPort))
	}
	for _, category := range cfg.DebugCategories {
		args = append(args, "-debug="+category)
	}
	args = append(args, "-logtimemicros=1")
	return append(args, cfg.ExtraArgs...)
}

// writeConfFile writes the node configuration file into the data directory.
func (cfg *Config) writeConfFile() error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	conf := fmt.Sprintf("regtest=1\nrpcuser=%s\nrpcpassword=%s\nport=%d\nrpcport=%d\nlisten=1\nserver=1\n",
		cfg.User, cfg.Pass, cfg.P2PPort, cfg.RPCPort())
	return os.WriteFile(filepath.Join(cfg.DataDir, confFileName), []byte(conf), 0600)
}

// P2PPort returns the peer port of framework node n. Ports are offset by the
// process id so concurrent test processes don't collide.
func P2PPort(n int) int {
	return portMin + n + (maxNodes*os.Getpid())%(portRange-1-maxNodes)
}

// RPCPort returns the RPC port of framework node n.
func RPCPort(n int) int {
	return portMin + portRange + n + (maxNodes*os.Getpid())%(portRange-1-maxNodes)
}
