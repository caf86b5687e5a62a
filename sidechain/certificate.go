package sidechain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// MinCertificateVersion is the lowest certificate version a node accepts.
const MinCertificateVersion = 1

// Certificate is a backward transfer certificate: it moves TotalAmount out of
// the sidechain ScID, paying the BackwardTransfers outputs on the main chain.
// Outputs are regular outputs carried by the certificate, and whatever part
// of TotalAmount they leave unspent is the certificate fee.
type Certificate struct {
	Version           int32
	ScID              ID
	TotalAmount       btcutil.Amount
	Outputs           []Output
	BackwardTransfers []Output
	Nonce             chainhash.Hash
}

// NewCertificate builds a certificate paying transfers out of the sidechain
// id, with a total equal to the sum of the transfers.
func NewCertificate(id ID, transfers []Output, nonce chainhash.Hash) (*Certificate, error) {
	if err := ValidateBackwardTransfer(id, transfers); err != nil {
		return nil, err
	}
	total, err := TotalAmount(transfers)
	if err != nil {
		return nil, err
	}
	return &Certificate{
		Version:           MinCertificateVersion,
		ScID:              id,
		TotalAmount:       total,
		BackwardTransfers: append([]Output(nil), transfers...),
		Nonce:             nonce,
	}, nil
}

// IsNull reports whether c carries no data at all.
func (c *Certificate) IsNull() bool {
	return c.ScID.IsZero() &&
		c.TotalAmount == 0 &&
		len(c.Outputs) == 0 &&
		len(c.BackwardTransfers) == 0 &&
		c.Nonce == chainhash.Hash{}
}

// ValueOut is the sum of the regular outputs.
func (c *Certificate) ValueOut() (btcutil.Amount, error) {
	v, err := TotalAmount(c.Outputs)
	return v, errors.Wrap(err, "certificate value out")
}

// ValueBackwardTransfer is the sum of the backward transfer outputs.
func (c *Certificate) ValueBackwardTransfer() (btcutil.Amount, error) {
	v, err := TotalAmount(c.BackwardTransfers)
	return v, errors.Wrap(err, "certificate backward transfer value")
}

// Fee is the part of TotalAmount not paid out by the regular outputs.
func (c *Certificate) Fee() (btcutil.Amount, error) {
	out, err := c.ValueOut()
	if err != nil {
		return 0, err
	}
	return c.TotalAmount - out, nil
}

// PaidTo sums the backward transfers paying address.
func (c *Certificate) PaidTo(address string) btcutil.Amount {
	var sum btcutil.Amount
	for _, bt := range c.BackwardTransfers {
		if bt.Address == address {
			sum += bt.Amount
		}
	}
	return sum
}
