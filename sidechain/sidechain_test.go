package sidechain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScID = strings.Repeat("1", 64)

func TestParseID(t *testing.T) {
	id, err := ParseID(testScID)
	require.NoError(t, err)
	assert.Equal(t, testScID, id.String())
	assert.False(t, id.IsZero())

	_, err = ParseID(strings.Repeat("1", 68))
	assert.True(t, errors.Is(err, ErrInvalidID))

	_, err = ParseID(strings.Repeat("z", 64))
	assert.True(t, errors.Is(err, ErrInvalidID))

	assert.True(t, ID{}.IsZero())
}

func TestIDText(t *testing.T) {
	var holder struct {
		ID ID `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"`+testScID+`"}`), &holder))
	assert.Equal(t, MustParseID(testScID), holder.ID)

	out, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+testScID+`"}`, string(out))
}

func TestOutputJSON(t *testing.T) {
	out, err := json.Marshal(Output{Address: "dada", Amount: btcutil.Amount(50_000_000)})
	require.NoError(t, err)
	assert.Equal(t, `{"address":"dada","amount":0.50000000}`, string(out))

	var back Output
	require.NoError(t, json.Unmarshal([]byte(`{"address":"zt1","amount":1.0}`), &back))
	assert.Equal(t, Output{Address: "zt1", Amount: btcutil.Amount(100_000_000)}, back)

	assert.Error(t, json.Unmarshal([]byte(`{"address":"zt1","amount":"abc"}`), &back))
}

func TestTotalAmount(t *testing.T) {
	total, err := TotalAmount([]Output{
		{Address: "a", Amount: 1},
		{Address: "b", Amount: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(3), total)

	_, err = TotalAmount([]Output{{Address: "a", Amount: -1}})
	assert.True(t, errors.Is(err, ErrValueOutOfRange))

	_, err = TotalAmount([]Output{
		{Address: "a", Amount: MaxMoney},
		{Address: "b", Amount: 1},
	})
	assert.True(t, errors.Is(err, ErrValueOutOfRange))

	total, err = TotalAmount(nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestValidateCreation(t *testing.T) {
	id := MustParseID(testScID)
	outputs := []Output{{Address: "dada", Amount: 50_000_000}}

	assert.NoError(t, ValidateCreation(id, 123, outputs))
	assert.True(t, errors.Is(ValidateCreation(ID{}, 123, outputs), ErrInvalidID))
	assert.Error(t, ValidateCreation(id, 0, outputs))
	assert.True(t, errors.Is(ValidateCreation(id, 123, nil), ErrNoOutputs))
	assert.Error(t, ValidateCreation(id, 123, []Output{{Amount: 1}}))
	assert.True(t, errors.Is(ValidateCreation(id, 123, []Output{{Address: "a"}}), ErrValueOutOfRange))
}

func TestCertificateAccounting(t *testing.T) {
	id := MustParseID(testScID)
	nonce := chainhash.DoubleHashH([]byte("nonce"))

	cert, err := NewCertificate(id, []Output{
		{Address: "zt1", Amount: 100_000_000},
		{Address: "zt2", Amount: 20_000_000},
		{Address: "zt1", Amount: 5},
	}, nonce)
	require.NoError(t, err)
	assert.False(t, cert.IsNull())
	assert.Equal(t, btcutil.Amount(120_000_005), cert.TotalAmount)

	bt, err := cert.ValueBackwardTransfer()
	require.NoError(t, err)
	assert.Equal(t, cert.TotalAmount, bt)

	fee, err := cert.Fee()
	require.NoError(t, err)
	assert.Equal(t, cert.TotalAmount, fee)

	cert.Outputs = []Output{{Address: "change", Amount: 120_000_000}}
	fee, err = cert.Fee()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(5), fee)

	assert.Equal(t, btcutil.Amount(100_000_005), cert.PaidTo("zt1"))
	assert.Zero(t, cert.PaidTo("nobody"))

	assert.True(t, (&Certificate{}).IsNull())

	_, err = NewCertificate(id, nil, nonce)
	assert.True(t, errors.Is(err, ErrNoOutputs))
}

func TestInfoJSON(t *testing.T) {
	raw := `{"scid":"` + testScID + `","balance":0.5,"created in block":"00ab","created at block height":222,"withdrawalEpochLength":123}`
	var info Info
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, Info{
		ID:                    MustParseID(testScID),
		Balance:               50_000_000,
		CreatedInBlock:        "00ab",
		CreatedAtBlockHeight:  222,
		WithdrawalEpochLength: 123,
	}, info)

	out, err := json.Marshal(info)
	require.NoError(t, err)
	var again Info
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, info, again)
}
