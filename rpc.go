package regtest

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/neverDefined/sc-regtest/sidechain"
	"github.com/pkg/errors"
)

// ---------------------------------------------------------------
//  RPC Methods
// ---------------------------------------------------------------

// ChainTip is an entry of getchaintips.
type ChainTip struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	BranchLen int    `json:"branchlen"`
	Status    string `json:"status"`
}

// marshalParams encodes args as raw JSON-RPC parameters.
func marshalParams(args ...interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	return params, nil
}

// rawCall sends method with args and decodes the result into result, unless
// result is nil.
func (rt *Regtest) rawCall(result interface{}, method string, args ...interface{}) error {
	client, err := rt.rpc()
	if err != nil {
		return err
	}
	params, err := marshalParams(args...)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s params", method)
	}
	raw, err := client.RawRequest(method, params)
	if err != nil {
		return errors.Wrapf(err, "%s on %s", method, rt.name)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "failed to decode %s result", method)
	}
	return nil
}

// Generate mines n blocks on the node.
//
// Returns:
//   - []*chainhash.Hash: hashes of the new blocks, oldest first
//   - error: if the node is not running or rejects the call
//
// Example:
//
//	// Mature a coinbase
//	hashes, err := rt.Generate(101)
//	if err != nil {
//	    return err
//	}
func (rt *Regtest) Generate(n uint32) ([]*chainhash.Hash, error) {
	client, err := rt.rpc()
	if err != nil {
		return nil, err
	}
	hashes, err := client.Generate(n)
	if err != nil {
		return nil, errors.Wrapf(err, "generate %d on %s", n, rt.name)
	}
	log.Debugf("%s generated %d blocks", rt.name, len(hashes))
	return hashes, nil
}

// GetBlockCount returns the height of the node tip.
func (rt *Regtest) GetBlockCount() (int64, error) {
	client, err := rt.rpc()
	if err != nil {
		return 0, err
	}
	count, err := client.GetBlockCount()
	return count, errors.Wrapf(err, "getblockcount on %s", rt.name)
}

// GetBlockHash returns the hash of the block at height.
func (rt *Regtest) GetBlockHash(height int64) (*chainhash.Hash, error) {
	client, err := rt.rpc()
	if err != nil {
		return nil, err
	}
	hash, err := client.GetBlockHash(height)
	return hash, errors.Wrapf(err, "getblockhash %d on %s", height, rt.name)
}

// GetBestBlockHash returns the hash of the node tip.
func (rt *Regtest) GetBestBlockHash() (*chainhash.Hash, error) {
	client, err := rt.rpc()
	if err != nil {
		return nil, err
	}
	hash, err := client.GetBestBlockHash()
	return hash, errors.Wrapf(err, "getbestblockhash on %s", rt.name)
}

// GetBalance returns the wallet balance of account counting outputs with at
// least minConf confirmations.
func (rt *Regtest) GetBalance(account string, minConf int) (btcutil.Amount, error) {
	client, err := rt.rpc()
	if err != nil {
		return 0, err
	}
	balance, err := client.GetBalanceMinConf(account, minConf)
	return balance, errors.Wrapf(err, "getbalance on %s", rt.name)
}

// GetNewAddress returns a fresh receiving address of the node wallet. The
// address is returned as is since its encoding is specific to the node.
func (rt *Regtest) GetNewAddress() (string, error) {
	var addr string
	if err := rt.rawCall(&addr, "getnewaddress"); err != nil {
		return "", err
	}
	return addr, nil
}

// GetRawMempool returns the ids of the transactions and certificates in the
// node mempool.
func (rt *Regtest) GetRawMempool() ([]*chainhash.Hash, error) {
	client, err := rt.rpc()
	if err != nil {
		return nil, err
	}
	ids, err := client.GetRawMempool()
	return ids, errors.Wrapf(err, "getrawmempool on %s", rt.name)
}

// GetPeerInfo returns the node peers.
func (rt *Regtest) GetPeerInfo() ([]btcjson.GetPeerInfoResult, error) {
	client, err := rt.rpc()
	if err != nil {
		return nil, err
	}
	peers, err := client.GetPeerInfo()
	return peers, errors.Wrapf(err, "getpeerinfo on %s", rt.name)
}

// GetChainTips returns the chain tips known to the node.
func (rt *Regtest) GetChainTips() ([]ChainTip, error) {
	var tips []ChainTip
	if err := rt.rawCall(&tips, "getchaintips"); err != nil {
		return nil, err
	}
	return tips, nil
}

// AddNode makes a single connection attempt to the peer at addr.
func (rt *Regtest) AddNode(addr string) error {
	client, err := rt.rpc()
	if err != nil {
		return err
	}
	return errors.Wrapf(client.AddNode(addr, rpcclient.ANOneTry), "addnode %s on %s", addr, rt.name)
}

// DisconnectNode drops the connection to the peer at addr.
func (rt *Regtest) DisconnectNode(addr string) error {
	return rt.rawCall(nil, "disconnectnode", addr)
}

// DbgLog writes msg into the node debug log.
func (rt *Regtest) DbgLog(msg string) error {
	return rt.rawCall(nil, "dbg_log", msg)
}

// ScCreate creates the sidechain id with the given withdrawal epoch length,
// funding it with outputs.
//
// The function:
//   - validates id, the epoch length and every output amount locally
//   - sends sc_create; the node pays the outputs plus the fee from its wallet
//
// Returns:
//   - string: id of the creating transaction, now in the node mempool
//   - error: sidechain.ErrInvalidID, sidechain.ErrValueOutOfRange and friends
//     for invalid arguments, or the node RPC error (-6 without funds, -8 for
//     a sidechain that already exists)
//
// Example:
//
//	txid, err := rt.ScCreate(scID, 123, []sidechain.Output{{Address: "dada", Amount: 50_000_000}})
func (rt *Regtest) ScCreate(id sidechain.ID, withdrawalEpochLength int, outputs []sidechain.Output) (string, error) {
	if err := sidechain.ValidateCreation(id, withdrawalEpochLength, outputs); err != nil {
		return "", err
	}
	var txid string
	if err := rt.rawCall(&txid, "sc_create", id, withdrawalEpochLength, outputs); err != nil {
		return "", err
	}
	return txid, nil
}

// ScBwdtr issues a backward transfer certificate for the sidechain id paying
// outputs.
//
// Returns:
//   - string: the certificate id, now in the node mempool
//   - error: sidechain.ErrNoOutputs and friends for invalid arguments, or the
//     node RPC error (-26 when the sidechain balance can't pay the outputs)
//
// Example:
//
//	addr, _ := rt.GetNewAddress()
//	certID, err := rt.ScBwdtr(scID, []sidechain.Output{{Address: addr, Amount: btcutil.SatoshiPerBitcoin}})
func (rt *Regtest) ScBwdtr(id sidechain.ID, outputs []sidechain.Output) (string, error) {
	if err := sidechain.ValidateBackwardTransfer(id, outputs); err != nil {
		return "", err
	}
	var certID string
	if err := rt.rawCall(&certID, "sc_bwdtr", id, outputs); err != nil {
		return "", err
	}
	return certID, nil
}

// ScSend forward transfers amount to address on the sidechain id. It returns
// the transaction id.
func (rt *Regtest) ScSend(address string, amount btcutil.Amount, id sidechain.ID) (string, error) {
	if amount <= 0 {
		return "", errors.Wrapf(sidechain.ErrValueOutOfRange, "forward transfer of %s", amount)
	}
	var txid string
	if err := rt.rawCall(&txid, "sc_send", address, sidechain.FormatAmount(amount), id); err != nil {
		return "", err
	}
	return txid, nil
}

// GetScInfo returns the state of the sidechain id.
func (rt *Regtest) GetScInfo(id sidechain.ID) (*sidechain.Info, error) {
	info := &sidechain.Info{}
	if err := rt.rawCall(info, "getscinfo", id); err != nil {
		return nil, err
	}
	return info, nil
}

// IsRPCError reports whether err carries a JSON-RPC error with the given code.
// Wrapped errors are unwrapped.
//
// Example:
//
//	_, err := rt.GetScInfo(scID)
//	if regtest.IsRPCError(err, btcjson.ErrRPCInvalidParameter) {
//	    // not created yet
//	}
func IsRPCError(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
