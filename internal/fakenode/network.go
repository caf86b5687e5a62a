// Package fakenode simulates a small network of sidechain-capable regtest
// nodes behind real JSON-RPC endpoints. Blocks and mempool entries reach
// peers only after a relay delay, and new connections stay in the version
// handshake for a while, so callers have to wait for propagation the same
// way they would against real nodes.
package fakenode

import (
	"fmt"
	"net"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/neverDefined/sc-regtest/sidechain"
)

const (
	// ProtocolVersion is reported by peers once the handshake is done.
	ProtocolVersion = 170002

	// basePort is the first virtual p2p port handed out.
	basePort = 29000

	addressVersion = 0x6f
)

// Options tune a Network.
type Options struct {
	// RelayDelay is how long blocks and mempool entries take to reach a peer.
	RelayDelay time.Duration
	// HandshakeDelay is how long a new connection reports version 0.
	HandshakeDelay time.Duration
	// User and Pass are the RPC credentials of every node.
	User string
	Pass string

	// DropCertificates keeps certificates in the mempool of the node they
	// were submitted to. They are neither relayed nor mined.
	DropCertificates bool
	// IgnoreBackwardTransfers stops wallets from counting certificate
	// payments in their balance.
	IgnoreBackwardTransfers bool
	// IgnoreForwardTransfers leaves sidechain balances untouched by
	// confirmed forward transfers. The sender wallet is still charged.
	IgnoreForwardTransfers bool
}

// Network is a set of simulated nodes sharing a genesis block.
type Network struct {
	mu      sync.Mutex
	opts    Options
	nodes   []*Node
	genesis *block
	seq     uint64
	peerSeq int32
	closed  bool
}

// Node is a simulated node: a chain, a mempool, a wallet and a JSON-RPC
// endpoint.
type Node struct {
	net     *Network
	index   int
	server  *httptest.Server
	p2pPort int

	chain     []*block
	mempool   []*entry
	peers     map[*Node]*peer
	addresses map[string]struct{}
	minerAddr string
	spent     btcutil.Amount
	debugLog  []string
	stopped   bool
}

type peer struct {
	id      int32
	node    *Node
	inbound bool
	version uint32
}

// NewNetwork returns an empty network.
func NewNetwork(opts Options) *Network {
	n := &Network{opts: opts}
	n.genesis = &block{hash: n.nextHash("genesis")}
	return n
}

// AddNode creates a node with its own RPC server.
func (n *Network) AddNode() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	node := &Node{
		net:       n,
		index:     len(n.nodes),
		p2pPort:   basePort + len(n.nodes),
		chain:     []*block{n.genesis},
		peers:     make(map[*Node]*peer),
		addresses: make(map[string]struct{}),
	}
	node.minerAddr = node.newAddress()
	node.server = httptest.NewServer(&handler{node: node})
	n.nodes = append(n.nodes, node)
	return node
}

// Close shuts every RPC server down.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	nodes := append([]*Node(nil), n.nodes...)
	n.mu.Unlock()

	for _, node := range nodes {
		node.server.Close()
	}
}

// nextHash returns a fresh hash. Callers hold n.mu.
func (n *Network) nextHash(tag string) chainhash.Hash {
	n.seq++
	return chainhash.DoubleHashH([]byte(fmt.Sprintf("%s-%d", tag, n.seq)))
}

// after runs fn with n.mu held once delay elapsed.
func (n *Network) after(delay time.Duration, fn func()) {
	run := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.closed {
			return
		}
		fn()
	}
	if delay <= 0 {
		// Callers hold the lock already.
		fn()
		return
	}
	time.AfterFunc(delay, run)
}

func (n *Network) nodeByP2PAddr(addr string) *Node {
	for _, node := range n.nodes {
		if node.P2PAddr() == addr {
			return node
		}
	}
	return nil
}

// Close shuts the RPC server of the node down. Later calls are refused.
func (node *Node) Close() {
	node.server.Close()
}

// RPCHost returns the host:port of the node RPC server.
func (node *Node) RPCHost() string {
	return node.server.Listener.Addr().String()
}

// P2PPort returns the virtual peer port of the node.
func (node *Node) P2PPort() int {
	return node.p2pPort
}

// P2PAddr returns the virtual peer address of the node.
func (node *Node) P2PAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(node.p2pPort))
}

// DebugLog returns the messages written with dbg_log.
func (node *Node) DebugLog() []string {
	node.net.mu.Lock()
	defer node.net.mu.Unlock()

	return append([]string(nil), node.debugLog...)
}

// Height returns the height of the node tip.
func (node *Node) Height() int64 {
	node.net.mu.Lock()
	defer node.net.mu.Unlock()

	return node.tip().height
}

func (node *Node) chainState() *chainState {
	return buildChainState(node.chain, node.net.opts.IgnoreForwardTransfers)
}

func (node *Node) tip() *block {
	return node.chain[len(node.chain)-1]
}

func (node *Node) newAddress() string {
	hash := node.net.nextHash(fmt.Sprintf("addr-%d", node.index))
	addr := base58.CheckEncode(hash[:20], addressVersion)
	node.addresses[addr] = struct{}{}
	return addr
}

func (node *Node) owns(addr string) bool {
	_, ok := node.addresses[addr]
	return ok
}

// connect opens a connection from node to other. Both sides report version 0
// until the handshake delay elapsed.
func (node *Node) connect(other *Node) {
	if _, ok := node.peers[other]; ok {
		return
	}
	n := node.net
	n.peerSeq++
	out := &peer{id: n.peerSeq, node: other}
	n.peerSeq++
	in := &peer{id: n.peerSeq, node: node, inbound: true}
	node.peers[other] = out
	other.peers[node] = in

	n.after(n.opts.HandshakeDelay, func() {
		if node.peers[other] != out {
			return
		}
		out.version = ProtocolVersion
		in.version = ProtocolVersion
		node.announce(other)
		other.announce(node)
	})
}

func (node *Node) disconnect(other *Node) bool {
	if _, ok := node.peers[other]; !ok {
		return false
	}
	delete(node.peers, other)
	delete(other.peers, node)
	return true
}

// relay announces the node state to every peer done with the handshake.
func (node *Node) relay() {
	for other, p := range node.peers {
		if p.version != 0 {
			node.announce(other)
		}
	}
}

// announce sends a snapshot of the node chain and mempool to other after the
// relay delay.
func (node *Node) announce(other *Node) {
	chain := append([]*block(nil), node.chain...)
	mempool := node.relayable(node.mempool)
	node.net.after(node.net.opts.RelayDelay, func() {
		if _, connected := other.peers[node]; !connected {
			return
		}
		if other.receive(chain, mempool) {
			other.relay()
		}
	})
}

// receive adopts a longer chain and unknown mempool entries. It reports
// whether anything changed.
func (node *Node) receive(chain []*block, mempool []*entry) bool {
	changed := false
	// Longest chain wins, even across a fork.
	if len(chain) > len(node.chain) && chain[0].hash == node.chain[0].hash {
		node.chain = chain
		changed = true
	}

	state := node.chainState()
	if changed {
		node.dropConfirmed(state)
	}
	known := make(map[chainhash.Hash]struct{}, len(node.mempool))
	for _, e := range node.mempool {
		known[e.id] = struct{}{}
	}
	for _, e := range mempool {
		if _, ok := known[e.id]; ok {
			continue
		}
		if _, ok := state.confirmed[e.id]; ok {
			continue
		}
		node.mempool = append(node.mempool, e)
		changed = true
	}
	return changed
}

func (node *Node) dropConfirmed(state *chainState) {
	kept := node.mempool[:0]
	for _, e := range node.mempool {
		if _, ok := state.confirmed[e.id]; !ok {
			kept = append(kept, e)
		}
	}
	node.mempool = kept
}

// relayable returns the entries of mempool that leave the node, in blocks or
// to peers.
func (node *Node) relayable(mempool []*entry) []*entry {
	out := make([]*entry, 0, len(mempool))
	for _, e := range mempool {
		if e.kind == kindCert && node.net.opts.DropCertificates {
			continue
		}
		out = append(out, e)
	}
	return out
}

// mine appends count blocks to the node chain. The first one holds every
// relayable mempool entry.
func (node *Node) mine(count int) []*block {
	blocks := make([]*block, 0, count)
	for i := 0; i < count; i++ {
		entries := node.relayable(node.mempool)
		b := &block{
			hash:     node.net.nextHash(fmt.Sprintf("block-%d", node.index)),
			height:   node.tip().height + 1,
			coinbase: sidechain.Output{Address: node.minerAddr, Amount: BlockReward},
			entries:  entries,
		}
		node.chain = append(node.chain, b)
		node.dropConfirmed(node.chainState())
		blocks = append(blocks, b)
	}
	if count > 0 {
		node.relay()
	}
	return blocks
}

// balance returns the wallet balance counting outputs with at least minConf
// confirmations. Unconfirmed certificate payments count when minConf is 0.
func (node *Node) balance(minConf int) btcutil.Amount {
	var total btcutil.Amount
	tipHeight := node.tip().height
	for _, b := range node.chain[1:] {
		confs := int(tipHeight - b.height + 1)
		if node.owns(b.coinbase.Address) && confs > CoinbaseMaturity && confs >= minConf {
			total += b.coinbase.Amount
		}
		if confs >= minConf {
			total += node.certPayments(b.entries)
		}
	}
	if minConf <= 0 {
		total += node.certPayments(node.mempool)
	}
	return total - node.spent
}

func (node *Node) certPayments(entries []*entry) btcutil.Amount {
	var total btcutil.Amount
	if node.net.opts.IgnoreBackwardTransfers {
		return total
	}
	for _, e := range entries {
		if e.kind != kindCert {
			continue
		}
		for _, bt := range e.cert.BackwardTransfers {
			if node.owns(bt.Address) {
				total += bt.Amount
			}
		}
	}
	return total
}

// pendingCertTotal sums the certificates in the mempool spending from id.
func (node *Node) pendingCertTotal(id sidechain.ID) btcutil.Amount {
	var total btcutil.Amount
	for _, e := range node.mempool {
		if e.kind == kindCert && e.scID == id {
			total += e.cert.TotalAmount
		}
	}
	return total
}

func (node *Node) pendingCreation(id sidechain.ID) bool {
	for _, e := range node.mempool {
		if e.kind == kindCreate && e.scID == id {
			return true
		}
	}
	return false
}

func (node *Node) hasMempoolEntry(id chainhash.Hash) bool {
	for _, e := range node.mempool {
		if e.id == id {
			return true
		}
	}
	return false
}
