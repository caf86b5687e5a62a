package regtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/neverDefined/sc-regtest/internal/fakenode"
	"github.com/neverDefined/sc-regtest/sidechain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeFramework returns a framework attached to n simulated nodes that
// are not connected to each other yet.
func newFakeFramework(t *testing.T, n int) (*Framework, []*fakenode.Node) {
	t.Helper()

	network := fakenode.NewNetwork(fakenode.Options{
		RelayDelay:     20 * time.Millisecond,
		HandshakeDelay: 50 * time.Millisecond,
		User:           "user",
		Pass:           "pass",
	})
	t.Cleanup(network.Close)

	fw := NewFramework(t.TempDir())
	fw.SyncTimeout = 5 * time.Second
	fw.PollInterval = 10 * time.Millisecond
	require.NoError(t, fw.InitializeChainClean(n))

	nodes := make([]*fakenode.Node, n)
	cfgs := make([]*Config, n)
	for i := range cfgs {
		nodes[i] = network.AddNode()
		cfg := fw.NodeConfig(i)
		cfg.Host = nodes[i].RPCHost()
		cfg.P2PPort = nodes[i].P2PPort()
		cfgs[i] = cfg
	}
	require.NoError(t, fw.AttachNodes(cfgs))
	t.Cleanup(func() { _ = fw.StopNodes() })
	return fw, nodes
}

// writeScript writes a shell script standing in for the node binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "zend")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0700))
	return path
}

func mustHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return hash
}

func TestFramework_InitializeChainClean(t *testing.T) {
	fw := NewFramework(t.TempDir())

	stale := filepath.Join(fw.NodeDir(0), "regtest", "blocks")
	require.NoError(t, os.MkdirAll(stale, 0700))

	require.NoError(t, fw.InitializeChainClean(3))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "old node state should be removed")

	for i := 0; i < 3; i++ {
		conf, err := os.ReadFile(filepath.Join(fw.NodeDir(i), confFileName))
		require.NoError(t, err)
		assert.Contains(t, string(conf), "regtest=1\n")
		assert.Contains(t, string(conf), "port="+strconv.Itoa(P2PPort(i))+"\n")
		assert.Contains(t, string(conf), "rpcport="+strconv.Itoa(RPCPort(i))+"\n")
		assert.Contains(t, string(conf), "rpcuser=user\n")
	}

	assert.Error(t, fw.InitializeChainClean(0))
	assert.Error(t, fw.InitializeChainClean(maxNodes+1))
}

func TestFramework_CreateAlertFile(t *testing.T) {
	fw := NewFramework(t.TempDir())

	path, err := fw.CreateAlertFile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fw.TmpDir, alertFileName), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFramework_StartNodesLimit(t *testing.T) {
	fw := NewFramework(t.TempDir())
	require.NoError(t, fw.InitializeChainClean(2))

	err := fw.StartNodes(context.Background(), 3, nil)
	assert.Error(t, err)
	assert.Empty(t, fw.Nodes)
}

func TestFramework_ConnectAndSync(t *testing.T) {
	ctx := context.Background()
	fw, nodes := newFakeFramework(t, 2)

	require.NoError(t, fw.ConnectNodesBi(ctx, 0, 1))
	for _, node := range fw.Nodes {
		peers, err := node.GetPeerInfo()
		require.NoError(t, err)
		require.Len(t, peers, 1)
		assert.NotZero(t, peers[0].Version, "handshake should be done")
	}

	hashes, err := fw.Nodes[0].Generate(5)
	require.NoError(t, err)
	require.NoError(t, fw.SyncAll(ctx))

	tip, err := fw.Nodes[1].GetBestBlockHash()
	require.NoError(t, err)
	assert.Equal(t, hashes[4].String(), tip.String())
	assert.EqualValues(t, 5, nodes[1].Height())

	require.NoError(t, fw.MarkLogs("synced"))
	assert.Equal(t, []string{"synced"}, nodes[1].DebugLog())
}

func TestFramework_SyncTimeout(t *testing.T) {
	ctx := context.Background()
	fw, _ := newFakeFramework(t, 2)
	fw.SyncTimeout = 200 * time.Millisecond

	_, err := fw.Nodes[0].Generate(1)
	require.NoError(t, err)

	err = fw.SyncBlocks(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.True(t, strings.Contains(err.Error(), "block sync"), "got %v", err)
}

func TestFramework_DisconnectNodes(t *testing.T) {
	ctx := context.Background()
	fw, nodes := newFakeFramework(t, 2)

	require.NoError(t, fw.ConnectNodesBi(ctx, 0, 1))
	require.NoError(t, fw.DisconnectNodes(ctx, 0, 1))

	peers, err := fw.Nodes[0].GetPeerInfo()
	require.NoError(t, err)
	assert.Empty(t, peers)

	// Blocks no longer propagate.
	_, err = fw.Nodes[0].Generate(2)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, nodes[1].Height())

	// Reconnecting lets node 1 catch up.
	require.NoError(t, fw.ConnectNodes(ctx, 1, 0))
	require.NoError(t, fw.SyncBlocks(ctx))
	assert.EqualValues(t, 2, nodes[1].Height())
}

func TestFramework_ConnectUnknownNode(t *testing.T) {
	fw, _ := newFakeFramework(t, 1)

	assert.Error(t, fw.ConnectNodes(context.Background(), 0, 1))
	assert.Error(t, fw.ConnectNodes(context.Background(), 0, 0))
}

func TestFramework_SyncMempools(t *testing.T) {
	ctx := context.Background()
	fw, _ := newFakeFramework(t, 2)
	require.NoError(t, fw.ConnectNodesBi(ctx, 0, 1))

	_, err := fw.Nodes[1].Generate(fakenode.CoinbaseMaturity + 1)
	require.NoError(t, err)
	require.NoError(t, fw.SyncAll(ctx))

	txid, err := fw.Nodes[1].ScCreate(testScID, 10, []sidechain.Output{{Address: "dada", Amount: 1000}})
	require.NoError(t, err)
	require.NoError(t, fw.SyncMempools(ctx))

	found, err := MempoolContains(fw.Nodes[0], mustHash(t, txid))
	require.NoError(t, err)
	assert.True(t, found)

	tips, err := fw.Nodes[0].GetChainTips()
	require.NoError(t, err)
	DumpOrderedTips(tips)
}

func TestFramework_ConnectWaitsForPeer(t *testing.T) {
	ctx := context.Background()
	fw, nodes := newFakeFramework(t, 2)

	require.NoError(t, fw.ConnectNodes(ctx, 0, 1))
	peers, err := fw.Nodes[0].GetPeerInfo()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, nodes[1].P2PAddr(), peers[0].Addr)
	assert.NotZero(t, peers[0].Version)

	require.NoError(t, fw.DisconnectNodes(ctx, 0, 1))
	connected, err := hasPeer(fw.Nodes[0], nodes[1].P2PAddr())
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestFramework_SyncStoppedNode(t *testing.T) {
	ctx := context.Background()
	fw, _ := newFakeFramework(t, 2)
	require.NoError(t, fw.ConnectNodesBi(ctx, 0, 1))

	_, err := fw.Nodes[1].Client().RawRequest("stop", nil)
	require.NoError(t, err)

	start := time.Now()
	err = fw.SyncBlocks(ctx)
	require.Error(t, err)
	assert.True(t, IsRPCError(err, codeMisc), "got %v", err)
	assert.False(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	err = fw.SyncMempools(ctx)
	assert.True(t, IsRPCError(err, codeMisc), "got %v", err)
}

func TestFramework_SyncUnreachableNode(t *testing.T) {
	fw, nodes := newFakeFramework(t, 2)
	fw.SyncTimeout = 300 * time.Millisecond
	nodes[1].Close()

	// The RPC client keeps retrying a refused connection far longer than
	// the sync timeout.
	start := time.Now()
	err := fw.SyncBlocks(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFramework_NodeExited(t *testing.T) {
	fw, nodes := newFakeFramework(t, 1)

	// The script serves no RPC, so node0 answers for it.
	cfg := fw.NodeConfig(1)
	cfg.Binary = writeScript(t, "sleep 0.5")
	cfg.Host = nodes[0].RPCHost()
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	fw.Nodes = append(fw.Nodes, rt)

	require.Eventually(t, func() bool { return !rt.IsRunning() }, 5*time.Second, 10*time.Millisecond)
	_, err = rt.GetBlockCount()
	assert.True(t, errors.Is(err, ErrNodeExited), "got %v", err)

	start := time.Now()
	err = fw.SyncBlocks(context.Background())
	assert.True(t, errors.Is(err, ErrNodeExited), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFramework_StartNodesCanceled(t *testing.T) {
	fw := NewFramework(t.TempDir())
	fw.Binary = writeScript(t, "exec sleep 30")
	require.NoError(t, fw.InitializeChainClean(2))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := fw.StartNodes(ctx, 2, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Empty(t, fw.Nodes)
}

func TestFramework_StopNodesCollectsErrors(t *testing.T) {
	fw, nodes := newFakeFramework(t, 2)
	binary := writeScript(t, "exec sleep 30")

	// Processes that ignore the stop RPC; the simulated nodes serve their RPC.
	for i, node := range nodes {
		cfg := fw.NodeConfig(i + 2)
		cfg.Binary = binary
		cfg.Host = node.RPCHost()
		cfg.StopTimeout = 100 * time.Millisecond
		rt, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, rt.Start())
		fw.Nodes = append(fw.Nodes, rt)
	}

	err := fw.StopNodes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node node2 did not stop")
	assert.Contains(t, err.Error(), "node node3 did not stop")
	assert.Empty(t, fw.Nodes)
}
