package fakenode

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/neverDefined/sc-regtest/sidechain"
)

const (
	// BlockReward is paid by the coinbase of every block.
	BlockReward = btcutil.Amount(10 * btcutil.SatoshiPerBitcoin)

	// A coinbase counts in the balance once it has more than
	// CoinbaseMaturity confirmations.
	CoinbaseMaturity = 100

	// TxFee is charged on every wallet transaction.
	TxFee = btcutil.Amount(10_000)
)

type entryKind int

const (
	kindCreate entryKind = iota
	kindForward
	kindCert
)

// entry is a mempool or block entry: a sidechain creation, a forward
// transfer or a certificate.
type entry struct {
	id     chainhash.Hash
	kind   entryKind
	scID   sidechain.ID
	epoch  int
	amount btcutil.Amount
	cert   *sidechain.Certificate
}

type block struct {
	hash     chainhash.Hash
	height   int64
	coinbase sidechain.Output
	entries  []*entry
}

// chainState is what a node derives from its chain: confirmed entry ids and
// the sidechains.
type chainState struct {
	confirmed  map[chainhash.Hash]struct{}
	sidechains map[sidechain.ID]*sidechain.Info
}

// buildChainState replays chain. With ignoreForward, forward transfers don't
// add to sidechain balances.
func buildChainState(chain []*block, ignoreForward bool) *chainState {
	state := &chainState{
		confirmed:  make(map[chainhash.Hash]struct{}),
		sidechains: make(map[sidechain.ID]*sidechain.Info),
	}
	for _, b := range chain {
		for _, e := range b.entries {
			state.confirmed[e.id] = struct{}{}
			switch e.kind {
			case kindCreate:
				state.sidechains[e.scID] = &sidechain.Info{
					ID:                    e.scID,
					Balance:               e.amount,
					CreatedInBlock:        b.hash.String(),
					CreatedAtBlockHeight:  b.height,
					WithdrawalEpochLength: e.epoch,
				}
			case kindForward:
				if info, ok := state.sidechains[e.scID]; ok && !ignoreForward {
					info.Balance += e.amount
				}
			case kindCert:
				if info, ok := state.sidechains[e.scID]; ok {
					info.Balance -= e.cert.TotalAmount
				}
			}
		}
	}
	return state
}
