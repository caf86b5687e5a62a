package regtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------
//  Multi Node Framework
// ---------------------------------------------------------------

const (
	// DefaultSyncTimeout bounds every cross node wait of the framework.
	DefaultSyncTimeout = 60 * time.Second

	// DefaultPollInterval is how often cross node state is polled.
	DefaultPollInterval = 100 * time.Millisecond

	alertFileName = "alert.txt"
)

// Framework runs a small network of regtest nodes sharing one test directory,
// with one data directory per node identity.
type Framework struct {
	TmpDir       string
	Nodes        []*Regtest
	SyncTimeout  time.Duration
	PollInterval time.Duration

	// Binary, User and Pass are used for nodes started by StartNodes.
	Binary string
	User   string
	Pass   string

	numIdentities int
}

// NewFramework returns a framework rooted at tmpDir.
func NewFramework(tmpDir string) *Framework {
	def := DefaultConfig()
	return &Framework{
		TmpDir:       tmpDir,
		SyncTimeout:  DefaultSyncTimeout,
		PollInterval: DefaultPollInterval,
		Binary:       def.Binary,
		User:         def.User,
		Pass:         def.Pass,
	}
}

// NodeDir returns the data directory of node identity n.
func (f *Framework) NodeDir(n int) string {
	return filepath.Join(f.TmpDir, "node"+strconv.Itoa(n))
}

// NodeConfig returns the configuration of node identity n.
func (f *Framework) NodeConfig(n int) *Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1:" + strconv.Itoa(RPCPort(n))
	cfg.P2PPort = P2PPort(n)
	cfg.DataDir = f.NodeDir(n)
	cfg.Binary = f.Binary
	cfg.User = f.User
	cfg.Pass = f.Pass
	return cfg
}

// InitializeChainClean creates empty data directories for numNodes node
// identities, removing whatever state they held.
//
// The function:
//   - removes TmpDir/node<i> for every identity
//   - writes a zen.conf with regtest, credentials and ports of node i
//
// Returns:
//   - error: if numNodes is outside [1, 8] or a directory can't be written
func (f *Framework) InitializeChainClean(numNodes int) error {
	if numNodes <= 0 || numNodes > maxNodes {
		return errors.Errorf("number of nodes must be in [1, %d], got %d", maxNodes, numNodes)
	}
	log.Infof("Initializing test directory %s", f.TmpDir)
	for i := 0; i < numNodes; i++ {
		dir := f.NodeDir(i)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to clean %s", dir)
		}
		if err := f.NodeConfig(i).writeConfFile(); err != nil {
			return errors.Wrapf(err, "failed to initialize %s", dir)
		}
	}
	f.numIdentities = numNodes
	return nil
}

// CreateAlertFile creates an empty alert file in the test directory and
// returns its path.
func (f *Framework) CreateAlertFile() (string, error) {
	path := filepath.Join(f.TmpDir, alertFileName)
	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create alert file")
	}
	return path, file.Close()
}

// StartNodes launches n nodes concurrently, one per initialized node
// identity, and appends them to f.Nodes.
//
// The function:
//   - builds the configuration of node i with NodeConfig(i)
//   - appends extraArgs[i] to its command line; extraArgs may be shorter than n
//   - starts every node with StartContext, so canceling ctx aborts the startup
//
// Returns:
//   - nil once every node answers RPC requests
//   - an error if any node fails to start; the nodes already running are
//     stopped and f.Nodes is left unchanged
//
// Example:
//
//	fw := regtest.NewFramework(tmpDir)
//	if err := fw.InitializeChainClean(3); err != nil {
//	    return err
//	}
//	if err := fw.StartNodes(ctx, 2, nil); err != nil {
//	    return err
//	}
//	defer fw.StopNodes()
func (f *Framework) StartNodes(ctx context.Context, n int, extraArgs [][]string) error {
	if f.numIdentities != 0 && n > f.numIdentities {
		return errors.Errorf("only %d node identities initialized, %d requested", f.numIdentities, n)
	}

	nodes := make([]*Regtest, n)
	for i := range nodes {
		cfg := f.NodeConfig(i)
		if i < len(extraArgs) {
			cfg.ExtraArgs = append(cfg.ExtraArgs, extraArgs[i]...)
		}
		node, err := New(cfg)
		if err != nil {
			return err
		}
		nodes[i] = node
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		group.Go(func() error {
			return node.StartContext(groupCtx)
		})
	}
	if err := group.Wait(); err != nil {
		for _, node := range nodes {
			if stopErr := node.Stop(); stopErr != nil {
				log.Warnf("Stopping %s after failed start: %s", node.Name(), stopErr)
			}
		}
		return errors.Wrap(err, "failed to start nodes")
	}

	f.Nodes = append(f.Nodes, nodes...)
	return nil
}

// AttachNodes adds nodes that are already running.
func (f *Framework) AttachNodes(cfgs []*Config) error {
	for _, cfg := range cfgs {
		node, err := New(cfg)
		if err != nil {
			return err
		}
		if err := node.Attach(); err != nil {
			return err
		}
		f.Nodes = append(f.Nodes, node)
	}
	return nil
}

// StopNodes stops every node concurrently and forgets them. Every node is
// stopped even when some fail.
//
// Returns:
//   - nil when every node stopped cleanly
//   - the errors of all the nodes that didn't, combined
func (f *Framework) StopNodes() error {
	errs := make([]error, len(f.Nodes))
	var group errgroup.Group
	for i, node := range f.Nodes {
		i, node := i, node
		group.Go(func() error {
			errs[i] = node.Stop()
			return nil
		})
	}
	_ = group.Wait()
	f.Nodes = nil
	return errors.Wrap(multierr.Combine(errs...), "failed to stop nodes")
}

func (f *Framework) node(n int) (*Regtest, error) {
	if n < 0 || n >= len(f.Nodes) {
		return nil, errors.Errorf("no node %d (have %d)", n, len(f.Nodes))
	}
	return f.Nodes[n], nil
}

func (f *Framework) waitUntil(ctx context.Context, what string, cond Condition) error {
	return errors.Wrapf(WaitUntil(ctx, f.PollInterval, f.SyncTimeout, cond), "waiting for %s", what)
}

// ConnectNodes connects node from to node to.
//
// The function:
//   - asks node from to make a single connection attempt to node to
//   - waits until node to shows up among the peers of from
//   - waits until no peer of from is still in the version handshake
//
// Returns:
//   - nil once the connection is usable
//   - an error if either node is unknown, an RPC call fails or the handshake
//     doesn't complete within SyncTimeout
func (f *Framework) ConnectNodes(ctx context.Context, from, to int) error {
	src, err := f.node(from)
	if err != nil {
		return err
	}
	dst, err := f.node(to)
	if err != nil {
		return err
	}
	if err := src.AddNode(dst.P2PAddr()); err != nil {
		return err
	}
	return f.waitUntil(ctx, fmt.Sprintf("handshake %s -> %s", src.Name(), dst.Name()), func() (bool, error) {
		connected, err := hasPeer(src, dst.P2PAddr())
		if err != nil || !connected {
			return false, err
		}
		return handshakesDone(src)
	})
}

// ConnectNodesBi connects nodes a and b in both directions.
func (f *Framework) ConnectNodesBi(ctx context.Context, a, b int) error {
	if err := f.ConnectNodes(ctx, a, b); err != nil {
		return err
	}
	return f.ConnectNodes(ctx, b, a)
}

// DisconnectNodes drops the connection of node from to node nodeNum. It then
// polls until the peer is gone and no other peer of from is still in the
// version handshake, so that nothing is relayed over a half open connection.
func (f *Framework) DisconnectNodes(ctx context.Context, from, nodeNum int) error {
	src, err := f.node(from)
	if err != nil {
		return err
	}
	addr := "127.0.0.1:" + strconv.Itoa(P2PPort(nodeNum))
	if nodeNum < len(f.Nodes) {
		addr = f.Nodes[nodeNum].P2PAddr()
	}
	if err := src.DisconnectNode(addr); err != nil {
		return err
	}
	return f.waitUntil(ctx, fmt.Sprintf("%s to drop %s", src.Name(), addr), func() (bool, error) {
		connected, err := hasPeer(src, addr)
		if err != nil || connected {
			return false, err
		}
		return handshakesDone(src)
	})
}

// hasPeer reports whether addr is among the peers of node.
func hasPeer(node *Regtest, addr string) (bool, error) {
	peers, err := node.GetPeerInfo()
	if err != nil {
		return false, Permanent(err)
	}
	for _, peer := range peers {
		if peer.Addr == addr {
			return true, nil
		}
	}
	return false, nil
}

func handshakesDone(node *Regtest) (bool, error) {
	peers, err := node.GetPeerInfo()
	if err != nil {
		return false, Permanent(err)
	}
	for _, peer := range peers {
		if peer.Version == 0 {
			return false, nil
		}
	}
	return true, nil
}

// SyncBlocks waits until every node reports the same tip.
//
// Returns:
//   - nil once all tips are equal
//   - the RPC error of the first node failing to answer; a node that stops
//     answering is not waited for
//   - an error wrapping ErrTimeout if the tips still differ after SyncTimeout
func (f *Framework) SyncBlocks(ctx context.Context) error {
	nodes := append([]*Regtest(nil), f.Nodes...)
	return f.waitUntil(ctx, "block sync", func() (bool, error) {
		var first *chainhash.Hash
		for _, node := range nodes {
			tip, err := node.GetBestBlockHash()
			if err != nil {
				return false, Permanent(err)
			}
			if first == nil {
				first = tip
			} else if !first.IsEqual(tip) {
				return false, nil
			}
		}
		return true, nil
	})
}

// SyncMempools waits until every node holds the same set of mempool
// entries. RPC errors end the wait like in SyncBlocks.
func (f *Framework) SyncMempools(ctx context.Context) error {
	nodes := append([]*Regtest(nil), f.Nodes...)
	return f.waitUntil(ctx, "mempool sync", func() (bool, error) {
		var first map[chainhash.Hash]struct{}
		for _, node := range nodes {
			ids, err := node.GetRawMempool()
			if err != nil {
				return false, Permanent(err)
			}
			set := hashSet(ids)
			if first == nil {
				first = set
			} else if !sameSet(first, set) {
				return false, nil
			}
		}
		return true, nil
	})
}

// SyncAll waits for both blocks and mempools to converge.
func (f *Framework) SyncAll(ctx context.Context) error {
	if err := f.SyncBlocks(ctx); err != nil {
		return err
	}
	return f.SyncMempools(ctx)
}

// MarkLogs logs msg and writes it into the debug log of every node, so the
// harness output and the node logs can be lined up.
//
// Example:
//
//	if err := fw.MarkLogs("Node 1 creates the SC"); err != nil {
//	    return err
//	}
func (f *Framework) MarkLogs(msg string) error {
	log.Info(msg)
	for _, node := range f.Nodes {
		if err := node.DbgLog(msg); err != nil {
			return err
		}
	}
	return nil
}

// DumpOrderedTips logs tips sorted by status.
func DumpOrderedTips(tips []ChainTip) {
	sorted := append([]ChainTip(nil), tips...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Status < sorted[j].Status
	})
	for i, tip := range sorted {
		indent := ""
		if i > 0 {
			indent = "  "
		}
		log.Infof("%s%+v", indent, tip)
	}
}

func hashSet(ids []*chainhash.Hash) map[chainhash.Hash]struct{} {
	set := make(map[chainhash.Hash]struct{}, len(ids))
	for _, id := range ids {
		set[*id] = struct{}{}
	}
	return set
}

func sameSet(a, b map[chainhash.Hash]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// MempoolContains reports whether id is in the mempool of node.
func MempoolContains(node *Regtest, id *chainhash.Hash) (bool, error) {
	ids, err := node.GetRawMempool()
	if err != nil {
		return false, err
	}
	_, ok := hashSet(ids)[*id]
	return ok, nil
}
