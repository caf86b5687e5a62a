package fakenode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/neverDefined/sc-regtest/sidechain"
)

// JSON-RPC error codes returned by the simulator, matching the ones used by
// bitcoind derived nodes.
const (
	codeMisc                    = btcjson.RPCErrorCode(-1)
	codeWalletInsufficientFunds = btcjson.RPCErrorCode(-6)
	codeInvalidParameter        = btcjson.RPCErrorCode(-8)
	codeVerifyRejected          = btcjson.RPCErrorCode(-26)
	codeNodeNotConnected        = btcjson.RPCErrorCode(-29)
	codeParse                   = btcjson.RPCErrorCode(-32700)
	codeMethodNotFound          = btcjson.RPCErrorCode(-32601)
	codeInvalidParams           = btcjson.RPCErrorCode(-32602)
)

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type response struct {
	Result interface{}       `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
	ID     json.RawMessage   `json:"id"`
}

type handler struct {
	node *Node
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := h.node.net.opts
	if opts.User != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != opts.User || pass != opts.Pass {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var req request
	var resp response
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = btcjson.NewRPCError(codeParse, err.Error())
	} else {
		resp.ID = req.ID
		resp.Result, resp.Error = h.node.call(req.Method, req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type method func(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError)

var methods = map[string]method{
	"getblockcount":    getBlockCount,
	"getbestblockhash": getBestBlockHash,
	"getblockhash":     getBlockHash,
	"generate":         generate,
	"getbalance":       getBalance,
	"getnewaddress":    getNewAddress,
	"getrawmempool":    getRawMempool,
	"getpeerinfo":      getPeerInfo,
	"getchaintips":     getChainTips,
	"addnode":          addNode,
	"disconnectnode":   disconnectNode,
	"dbg_log":          dbgLog,
	"sc_create":        scCreate,
	"sc_bwdtr":         scBwdtr,
	"sc_send":          scSend,
	"getscinfo":        getScInfo,
	"stop":             stop,
}

func (node *Node) call(name string, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	m, ok := methods[name]
	if !ok {
		return nil, btcjson.NewRPCError(codeMethodNotFound, "Method not found: "+name)
	}

	node.net.mu.Lock()
	defer node.net.mu.Unlock()

	if node.stopped {
		return nil, rpcErrorf(codeMisc, "Shutting down")
	}
	return m(node, params)
}

func rpcErrorf(code btcjson.RPCErrorCode, format string, args ...interface{}) *btcjson.RPCError {
	return btcjson.NewRPCError(code, fmt.Sprintf(format, args...))
}

func param(params []json.RawMessage, i int, v interface{}) *btcjson.RPCError {
	if i >= len(params) {
		return rpcErrorf(codeInvalidParams, "missing parameter %d", i)
	}
	return optParam(params, i, v)
}

func optParam(params []json.RawMessage, i int, v interface{}) *btcjson.RPCError {
	if i >= len(params) {
		return nil
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return rpcErrorf(codeInvalidParams, "parameter %d: %s", i, err)
	}
	return nil
}

func getBlockCount(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return node.tip().height, nil
}

func getBestBlockHash(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return node.tip().hash.String(), nil
}

func getBlockHash(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var height int64
	if err := param(params, 0, &height); err != nil {
		return nil, err
	}
	if height < 0 || height >= int64(len(node.chain)) {
		return nil, rpcErrorf(codeInvalidParameter, "Block height out of range")
	}
	return node.chain[height].hash.String(), nil
}

func generate(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var count int
	if err := param(params, 0, &count); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, rpcErrorf(codeInvalidParameter, "Invalid number of blocks")
	}
	hashes := make([]string, 0, count)
	for _, b := range node.mine(count) {
		hashes = append(hashes, b.hash.String())
	}
	return hashes, nil
}

func getBalance(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var account string
	minConf := 1
	if err := optParam(params, 0, &account); err != nil {
		return nil, err
	}
	if err := optParam(params, 1, &minConf); err != nil {
		return nil, err
	}
	return sidechain.FormatAmount(node.balance(minConf)), nil
}

func getNewAddress(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return node.newAddress(), nil
}

func getRawMempool(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	ids := make([]string, 0, len(node.mempool))
	for _, e := range node.mempool {
		ids = append(ids, e.id.String())
	}
	return ids, nil
}

func getPeerInfo(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	peers := make([]btcjson.GetPeerInfoResult, 0, len(node.peers))
	for _, p := range node.peers {
		peers = append(peers, btcjson.GetPeerInfoResult{
			ID:             p.id,
			Addr:           p.node.P2PAddr(),
			Version:        p.version,
			Inbound:        p.inbound,
			StartingHeight: int32(p.node.tip().height),
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

func getChainTips(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	tip := node.tip()
	return []map[string]interface{}{{
		"height":    tip.height,
		"hash":      tip.hash.String(),
		"branchlen": 0,
		"status":    "active",
	}}, nil
}

func addNode(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var addr, command string
	if err := param(params, 0, &addr); err != nil {
		return nil, err
	}
	if err := param(params, 1, &command); err != nil {
		return nil, err
	}
	other := node.net.nodeByP2PAddr(addr)
	switch command {
	case "add", "onetry":
		if other == nil || other == node {
			return nil, rpcErrorf(codeNodeNotConnected, "Error: Unable to connect to %s", addr)
		}
		node.connect(other)
	case "remove":
		if other == nil || !node.disconnect(other) {
			return nil, rpcErrorf(codeNodeNotConnected, "Error: Node has not been added.")
		}
	default:
		return nil, rpcErrorf(codeInvalidParameter, "invalid addnode command %q", command)
	}
	return nil, nil
}

func disconnectNode(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var addr string
	if err := param(params, 0, &addr); err != nil {
		return nil, err
	}
	other := node.net.nodeByP2PAddr(addr)
	if other == nil || !node.disconnect(other) {
		return nil, rpcErrorf(codeNodeNotConnected, "Node not found in connected nodes")
	}
	return nil, nil
}

func dbgLog(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var msg string
	if err := param(params, 0, &msg); err != nil {
		return nil, err
	}
	node.debugLog = append(node.debugLog, msg)
	return nil, nil
}

// spend debits amount plus the fee from the wallet.
func (node *Node) spend(amount btcutil.Amount) *btcjson.RPCError {
	if available := node.balance(1); available < amount+TxFee {
		return rpcErrorf(codeWalletInsufficientFunds, "Insufficient funds: have %s, need %s", available, amount+TxFee)
	}
	node.spent += amount + TxFee
	return nil
}

func scCreate(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		id      sidechain.ID
		epoch   int
		outputs []sidechain.Output
	)
	if err := param(params, 0, &id); err != nil {
		return nil, err
	}
	if err := param(params, 1, &epoch); err != nil {
		return nil, err
	}
	if err := param(params, 2, &outputs); err != nil {
		return nil, err
	}
	if err := sidechain.ValidateCreation(id, epoch, outputs); err != nil {
		return nil, rpcErrorf(codeInvalidParameter, "%s", err)
	}
	state := node.chainState()
	if _, exists := state.sidechains[id]; exists || node.pendingCreation(id) {
		return nil, rpcErrorf(codeInvalidParameter, "sidechain %s already exists", id)
	}
	total, err := sidechain.TotalAmount(outputs)
	if err != nil {
		return nil, rpcErrorf(codeInvalidParameter, "%s", err)
	}
	if err := node.spend(total); err != nil {
		return nil, err
	}

	e := &entry{
		id:     node.net.nextHash("sc_create"),
		kind:   kindCreate,
		scID:   id,
		epoch:  epoch,
		amount: total,
	}
	node.mempool = append(node.mempool, e)
	node.relay()
	return e.id.String(), nil
}

func scSend(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		addr      string
		rawAmount json.Number
		id        sidechain.ID
	)
	if err := param(params, 0, &addr); err != nil {
		return nil, err
	}
	if err := param(params, 1, &rawAmount); err != nil {
		return nil, err
	}
	if err := param(params, 2, &id); err != nil {
		return nil, err
	}
	amount, err := sidechain.ParseAmount(rawAmount)
	if err != nil || amount <= 0 {
		return nil, rpcErrorf(codeInvalidParameter, "invalid amount %q", rawAmount)
	}
	state := node.chainState()
	if _, exists := state.sidechains[id]; !exists && !node.pendingCreation(id) {
		return nil, rpcErrorf(codeInvalidParameter, "scid %s not yet created", id)
	}
	if err := node.spend(amount); err != nil {
		return nil, err
	}

	e := &entry{
		id:     node.net.nextHash("sc_send"),
		kind:   kindForward,
		scID:   id,
		amount: amount,
	}
	node.mempool = append(node.mempool, e)
	node.relay()
	return e.id.String(), nil
}

func scBwdtr(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		id      sidechain.ID
		outputs []sidechain.Output
	)
	if err := param(params, 0, &id); err != nil {
		return nil, err
	}
	if err := param(params, 1, &outputs); err != nil {
		return nil, err
	}
	state := node.chainState()
	info, exists := state.sidechains[id]
	if !exists {
		return nil, rpcErrorf(codeInvalidParameter, "scid %s not yet created", id)
	}
	cert, err := sidechain.NewCertificate(id, outputs, node.net.nextHash("nonce"))
	if err != nil {
		return nil, rpcErrorf(codeInvalidParameter, "%s", err)
	}
	available := info.Balance - node.pendingCertTotal(id)
	if cert.TotalAmount > available {
		return nil, rpcErrorf(codeVerifyRejected, "sidechain %s has insufficient balance: %s available, %s requested",
			id, available, cert.TotalAmount)
	}

	e := &entry{
		id:   node.net.nextHash("cert"),
		kind: kindCert,
		scID: id,
		cert: cert,
	}
	node.mempool = append(node.mempool, e)
	node.relay()
	return e.id.String(), nil
}

func getScInfo(node *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var id sidechain.ID
	if err := param(params, 0, &id); err != nil {
		return nil, err
	}
	info, exists := node.chainState().sidechains[id]
	if !exists {
		return nil, rpcErrorf(codeInvalidParameter, "scid %s not yet created", id)
	}
	return info, nil
}

// stop makes the node reject every later call.
func stop(node *Node, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	node.debugLog = append(node.debugLog, "stop requested")
	node.stopped = true
	return "stopping", nil
}
