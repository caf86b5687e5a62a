package sidechain

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
)

// Info is the state of a sidechain as reported by getscinfo.
type Info struct {
	ID                    ID
	Balance               btcutil.Amount
	CreatedInBlock        string
	CreatedAtBlockHeight  int64
	WithdrawalEpochLength int
}

type jsonInfo struct {
	ID                    ID          `json:"scid"`
	Balance               json.Number `json:"balance"`
	CreatedInBlock        string      `json:"created in block"`
	CreatedAtBlockHeight  int64       `json:"created at block height"`
	WithdrawalEpochLength int         `json:"withdrawalEpochLength"`
}

// MarshalJSON implements json.Marshaler.
func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonInfo{
		ID:                    i.ID,
		Balance:               FormatAmount(i.Balance),
		CreatedInBlock:        i.CreatedInBlock,
		CreatedAtBlockHeight:  i.CreatedAtBlockHeight,
		WithdrawalEpochLength: i.WithdrawalEpochLength,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Info) UnmarshalJSON(data []byte) error {
	var raw jsonInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	balance, err := ParseAmount(raw.Balance)
	if err != nil {
		return err
	}
	*i = Info{
		ID:                    raw.ID,
		Balance:               balance,
		CreatedInBlock:        raw.CreatedInBlock,
		CreatedAtBlockHeight:  raw.CreatedAtBlockHeight,
		WithdrawalEpochLength: raw.WithdrawalEpochLength,
	}
	return nil
}
