// Package sidechain holds the values exchanged with a sidechain-capable node:
// sidechain identifiers, backward-transfer outputs, certificates and the
// sidechain info record reported by getscinfo.
package sidechain

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
)

// IDSize is the size of a sidechain identifier in bytes.
const IDSize = 32

// MaxMoney is the largest amount a single value or a running sum may take.
const MaxMoney = btcutil.Amount(btcutil.MaxSatoshi)

var (
	// ErrInvalidID is returned when a sidechain identifier can't be parsed.
	ErrInvalidID = errors.New("invalid sidechain id")

	// ErrValueOutOfRange is returned when an amount or a sum of amounts is
	// negative or above MaxMoney.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrNoOutputs is returned when an operation needs at least one output.
	ErrNoOutputs = errors.New("no outputs")
)

// ID identifies a sidechain. Its textual form is 64 hex characters, in the
// order they are given to the node.
type ID [IDSize]byte

// ParseID parses the 64 hex characters form of a sidechain identifier.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDSize) {
		return id, errors.Wrapf(ErrInvalidID, "%q has length %d, expected %d", s, len(s), hex.EncodedLen(IDSize))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.Wrapf(ErrInvalidID, "%q: %s", s, err)
	}
	return id, nil
}

// MustParseID is like ParseID but panics on error.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Output is a payment of Amount to Address. It is used both for the funding
// outputs of a sidechain creation and for backward transfers.
type Output struct {
	Address string
	Amount  btcutil.Amount
}

type jsonOutput struct {
	Address string      `json:"address"`
	Amount  json.Number `json:"amount"`
}

// FormatAmount renders a as a decimal coin value with 8 decimals, the way
// amounts are passed to the node.
func FormatAmount(a btcutil.Amount) json.Number {
	return json.Number(strconv.FormatFloat(a.ToBTC(), 'f', 8, 64))
}

// ParseAmount parses a decimal coin value.
func ParseAmount(n json.Number) (btcutil.Amount, error) {
	f, err := n.Float64()
	if err != nil {
		return 0, errors.Wrapf(err, "invalid amount %q", n)
	}
	return btcutil.NewAmount(f)
}

// MarshalJSON implements json.Marshaler.
func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonOutput{Address: o.Address, Amount: FormatAmount(o.Amount)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Output) UnmarshalJSON(data []byte) error {
	var raw jsonOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, err := ParseAmount(raw.Amount)
	if err != nil {
		return err
	}
	o.Address = raw.Address
	o.Amount = amount
	return nil
}

func moneyRange(a btcutil.Amount) bool {
	return a >= 0 && a <= MaxMoney
}

// TotalAmount sums the amounts of outputs, checking every value and every
// partial sum against the money range.
func TotalAmount(outputs []Output) (btcutil.Amount, error) {
	var total btcutil.Amount
	for i, out := range outputs {
		total += out.Amount
		if !moneyRange(out.Amount) || !moneyRange(total) {
			return 0, errors.Wrapf(ErrValueOutOfRange, "output %d (%s)", i, out.Amount)
		}
	}
	return total, nil
}

func validateOutputs(outputs []Output) error {
	if len(outputs) == 0 {
		return ErrNoOutputs
	}
	for i, out := range outputs {
		if out.Address == "" {
			return errors.Errorf("output %d has an empty address", i)
		}
		if out.Amount <= 0 {
			return errors.Wrapf(ErrValueOutOfRange, "output %d must have a positive amount", i)
		}
	}
	_, err := TotalAmount(outputs)
	return err
}

// ValidateCreation checks the arguments of a sidechain creation before they
// are sent to a node.
func ValidateCreation(id ID, withdrawalEpochLength int, outputs []Output) error {
	if id.IsZero() {
		return errors.Wrap(ErrInvalidID, "zero id")
	}
	if withdrawalEpochLength <= 0 {
		return errors.Errorf("withdrawal epoch length must be positive, got %d", withdrawalEpochLength)
	}
	return validateOutputs(outputs)
}

// ValidateBackwardTransfer checks the arguments of a backward transfer
// certificate before they are sent to a node.
func ValidateBackwardTransfer(id ID, outputs []Output) error {
	if id.IsZero() {
		return errors.Wrap(ErrInvalidID, "zero id")
	}
	return validateOutputs(outputs)
}
