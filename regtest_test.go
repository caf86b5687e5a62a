package regtest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/rpcclient"
)

// requireBinary skips tests that need a real node unless SCREGTEST_BINARY
// names one.
func requireBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping node test in short mode")
	}
	binary := os.Getenv("SCREGTEST_BINARY")
	if binary == "" {
		t.Skip("SCREGTEST_BINARY not set")
	}
	return binary
}

func Test_Regtest(t *testing.T) {
	binary := requireBinary(t)

	cfg := DefaultConfig()
	cfg.Binary = binary
	cfg.DataDir = filepath.Join(t.TempDir(), "node0")
	SetConfig(cfg)
	defer ResetConfig()

	err := StartBitcoinRegtest()
	if err != nil {
		t.Fatalf("failed to start node: %v", err)
	}

	rpcClient, err := rpcclient.New(DefaultRegtestConfig(), nil)
	if err != nil {
		t.Fatalf("failed to connect via rpc client: %v", err)
	}
	defer rpcClient.Shutdown()

	_, err = rpcClient.GetBlockCount()
	if err != nil {
		t.Fatalf("failed to get block count (health check), %v", err)
	}

	// Test stopping the node
	err = StopBitcoinRegtest()
	if err != nil {
		t.Fatalf("failed to stop node: %v", err)
	}

	// Test that it's actually stopped
	running, err := IsBitcoindRunning()
	if err != nil {
		t.Fatalf("failed to check if node is running: %v", err)
	}
	if running {
		t.Fatal("node should not be running after stop")
	}

	t.Log("node management test passed")
}

func Test_Config(t *testing.T) {
	// Test default config
	defaultCfg := DefaultConfig()
	if defaultCfg.Host != "127.0.0.1:18443" {
		t.Errorf("expected default host 127.0.0.1:18443, got %s", defaultCfg.Host)
	}
	if defaultCfg.User != "user" {
		t.Errorf("expected default user 'user', got %s", defaultCfg.User)
	}
	if defaultCfg.Pass != "pass" {
		t.Errorf("expected default pass 'pass', got %s", defaultCfg.Pass)
	}
	if defaultCfg.Binary != "zend" {
		t.Errorf("expected default binary 'zend', got %s", defaultCfg.Binary)
	}

	// Test GetConfig returns default when no custom config is set
	cfg := GetConfig()
	if cfg.Host != defaultCfg.Host || cfg.User != defaultCfg.User {
		t.Error("GetConfig should return default config when none is set")
	}

	// Test SetConfig
	customCfg := &Config{
		Host:            "127.0.0.1:18555",
		User:            "testuser",
		Pass:            "testpass",
		DataDir:         "/tmp/test_regtest",
		ExtraArgs:       []string{"-txindex=1"},
		DebugCategories: []string{"sc"},
	}
	SetConfig(customCfg)

	// Mutating the caller's config afterwards must not leak in
	customCfg.ExtraArgs[0] = "-mutated"

	cfg = GetConfig()
	if cfg.Host != customCfg.Host {
		t.Errorf("expected host %s, got %s", customCfg.Host, cfg.Host)
	}
	if cfg.User != customCfg.User {
		t.Errorf("expected user %s, got %s", customCfg.User, cfg.User)
	}
	if cfg.Pass != customCfg.Pass {
		t.Errorf("expected pass %s, got %s", customCfg.Pass, cfg.Pass)
	}
	if cfg.DataDir != customCfg.DataDir {
		t.Errorf("expected datadir %s, got %s", customCfg.DataDir, cfg.DataDir)
	}
	if len(cfg.ExtraArgs) != 1 || cfg.ExtraArgs[0] != "-txindex=1" {
		t.Errorf("expected extra args [-txindex=1], got %v", cfg.ExtraArgs)
	}

	// Test that DefaultRegtestConfig uses custom config
	rpcCfg := DefaultRegtestConfig()
	if rpcCfg.Host != customCfg.Host {
		t.Errorf("DefaultRegtestConfig should use custom host, got %s", rpcCfg.Host)
	}
	if rpcCfg.User != customCfg.User {
		t.Errorf("DefaultRegtestConfig should use custom user, got %s", rpcCfg.User)
	}
	if !rpcCfg.HTTPPostMode || !rpcCfg.DisableTLS {
		t.Error("DefaultRegtestConfig should use HTTP POST mode without TLS")
	}

	// Test ResetConfig
	ResetConfig()
	cfg = GetConfig()
	if cfg.Host != defaultCfg.Host {
		t.Error("ResetConfig should restore default config")
	}

	// Test immutability - modifying returned config shouldn't affect stored config
	cfg = GetConfig()
	cfg.Host = "modified"
	cfg.DebugCategories[0] = "modified"
	cfg2 := GetConfig()
	if cfg2.Host == "modified" || cfg2.DebugCategories[0] == "modified" {
		t.Error("GetConfig should return a copy, not the original config")
	}

	t.Log("configuration test passed")
}

func Test_NodeArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1:15001"
	cfg.P2PPort = 11001
	cfg.DataDir = "/tmp/node1"
	cfg.ExtraArgs = []string{"-txindex=1"}

	args := cfg.NodeArgs()
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-datadir=/tmp/node1",
		"-regtest",
		"-rpcuser=user",
		"-rpcpassword=pass",
		"-rpcport=15001",
		"-port=11001",
		"-debug=sc",
		"-debug=cert",
		"-logtimemicros=1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %s in %v", want, args)
		}
	}
	if args[len(args)-1] != "-txindex=1" {
		t.Errorf("extra args should come last, got %v", args)
	}
}

func Test_Ports(t *testing.T) {
	seen := make(map[int]bool)
	for n := 0; n < maxNodes; n++ {
		for _, port := range []int{P2PPort(n), RPCPort(n)} {
			if port < portMin || port >= portMin+2*portRange {
				t.Errorf("port %d of node %d out of range", port, n)
			}
			if seen[port] {
				t.Errorf("port %d handed out twice", port)
			}
			seen[port] = true
		}
	}
}

func Test_New(t *testing.T) {
	if _, err := New(&Config{Host: "no-port"}); err == nil {
		t.Error("expected an error for a host without port")
	}

	rt, err := New(&Config{Host: "127.0.0.1:15000", DataDir: "/tmp/sc/node3", P2PPort: 11003})
	if err != nil {
		t.Fatalf("failed to create regtest instance: %v", err)
	}
	if rt.Name() != "node3" {
		t.Errorf("expected name node3, got %s", rt.Name())
	}
	if rt.P2PAddr() != "127.0.0.1:11003" {
		t.Errorf("expected p2p address 127.0.0.1:11003, got %s", rt.P2PAddr())
	}
	if rt.Config().StartTimeout != DefaultConfig().StartTimeout {
		t.Error("a zero start timeout should fall back to the default")
	}
	if rt.IsRunning() {
		t.Error("a new instance should not be running")
	}
	if err := rt.HealthCheck(); err == nil {
		t.Error("health check of a stopped node should fail")
	}
	if err := rt.Stop(); err != nil {
		t.Errorf("stopping a stopped node should be a no-op, got %v", err)
	}
}

func Test_StartMissingBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binary = "sc-regtest-no-such-binary"
	cfg.DataDir = filepath.Join(t.TempDir(), "node0")
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create regtest instance: %v", err)
	}
	if err := rt.Start(); err == nil {
		rt.Stop()
		t.Fatal("expected start to fail without a binary")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, confFileName)); err != nil {
		t.Errorf("expected %s to be written before launching: %v", confFileName, err)
	}
}
