package scenario

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/neverDefined/sc-regtest/sidechain"
	"github.com/pkg/errors"
)

// Params drive a certificate lifecycle run. Node A is the first framework
// node and node B the second.
type Params struct {
	// ScID is the sidechain created by node B.
	ScID sidechain.ID
	// EpochLength is the withdrawal epoch length of the sidechain.
	EpochLength int
	// CreationAddress and CreationAmount fund the sidechain at creation.
	CreationAddress string
	CreationAmount  btcutil.Amount
	// ForwardAddress and ForwardAmount describe an optional forward
	// transfer confirmed before the certificate. Zero skips it.
	ForwardAddress string
	ForwardAmount  btcutil.Amount
	// BwtAmount is paid by the certificate to a fresh node B address.
	BwtAmount btcutil.Amount
	// WarmupBlocks are mined by node B so that it earns a coinbase.
	WarmupBlocks uint32
	// MaturityBlocks are mined by node A so that node B's coinbase matures.
	MaturityBlocks uint32
	// PropagationTimeout bounds the wait for the certificate to show up in,
	// and later leave, every mempool.
	PropagationTimeout time.Duration
	// Assert makes a failed check fail the run. Otherwise failed checks
	// are only reported.
	Assert bool
}

// DefaultParams returns the reference scenario: sidechain 111...1 with epoch
// length 123 funded with 0.5, then a backward transfer of 1.0.
func DefaultParams() *Params {
	return &Params{
		ScID:               sidechain.MustParseID(strings.Repeat("1", 2*sidechain.IDSize)),
		EpochLength:        123,
		CreationAddress:    "dada",
		CreationAmount:     btcutil.Amount(50_000_000),
		ForwardAddress:     "abcd",
		ForwardAmount:      btcutil.Amount(250_000_000),
		BwtAmount:          btcutil.Amount(100_000_000),
		WarmupBlocks:       1,
		MaturityBlocks:     220,
		PropagationTimeout: 30 * time.Second,
		Assert:             true,
	}
}

// Validate checks that p describes a runnable scenario.
func (p *Params) Validate() error {
	if err := sidechain.ValidateCreation(p.ScID, p.EpochLength, []sidechain.Output{
		{Address: p.CreationAddress, Amount: p.CreationAmount},
	}); err != nil {
		return errors.Wrap(err, "invalid sidechain creation")
	}
	if p.ForwardAmount < 0 {
		return errors.Errorf("forward amount must not be negative, got %s", p.ForwardAmount)
	}
	if p.ForwardAmount > 0 && p.ForwardAddress == "" {
		return errors.New("forward transfer needs an address")
	}
	if p.BwtAmount <= 0 {
		return errors.Errorf("backward transfer amount must be positive, got %s", p.BwtAmount)
	}
	if p.WarmupBlocks == 0 {
		return errors.New("node B must mine at least one block")
	}
	if p.PropagationTimeout <= 0 {
		return errors.New("propagation timeout must be positive")
	}
	return nil
}

type fileParams struct {
	ScID               *string  `toml:"scid"`
	EpochLength        *int     `toml:"epoch_length"`
	CreationAddress    *string  `toml:"creation_address"`
	CreationAmount     *float64 `toml:"creation_amount"`
	ForwardAddress     *string  `toml:"forward_address"`
	ForwardAmount      *float64 `toml:"forward_amount"`
	BwtAmount          *float64 `toml:"bwt_amount"`
	WarmupBlocks       *int     `toml:"warmup_blocks"`
	MaturityBlocks     *int     `toml:"maturity_blocks"`
	PropagationTimeout *string  `toml:"propagation_timeout"`
	Assert             *bool    `toml:"assert"`
}

// LoadParams reads a TOML parameter file. Keys left out keep their default
// value.
func LoadParams(path string) (*Params, error) {
	var fp fileParams
	meta, err := toml.DecodeFile(path, &fp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scenario parameters %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown scenario parameters in %s: %v", path, undecoded)
	}
	p, err := fp.apply(DefaultParams())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid scenario parameters in %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid scenario parameters in %s", path)
	}
	return p, nil
}

func (fp *fileParams) apply(p *Params) (*Params, error) {
	var err error
	if fp.ScID != nil {
		if p.ScID, err = sidechain.ParseID(*fp.ScID); err != nil {
			return nil, err
		}
	}
	if fp.EpochLength != nil {
		p.EpochLength = *fp.EpochLength
	}
	if fp.CreationAddress != nil {
		p.CreationAddress = *fp.CreationAddress
	}
	if fp.ForwardAddress != nil {
		p.ForwardAddress = *fp.ForwardAddress
	}
	amounts := []struct {
		src *float64
		dst *btcutil.Amount
		key string
	}{
		{fp.CreationAmount, &p.CreationAmount, "creation_amount"},
		{fp.ForwardAmount, &p.ForwardAmount, "forward_amount"},
		{fp.BwtAmount, &p.BwtAmount, "bwt_amount"},
	}
	for _, a := range amounts {
		if a.src == nil {
			continue
		}
		if *a.dst, err = btcutil.NewAmount(*a.src); err != nil {
			return nil, errors.Wrap(err, a.key)
		}
	}
	blocks := []struct {
		src *int
		dst *uint32
		key string
	}{
		{fp.WarmupBlocks, &p.WarmupBlocks, "warmup_blocks"},
		{fp.MaturityBlocks, &p.MaturityBlocks, "maturity_blocks"},
	}
	for _, b := range blocks {
		if b.src == nil {
			continue
		}
		if *b.src < 0 {
			return nil, errors.Errorf("%s must not be negative", b.key)
		}
		*b.dst = uint32(*b.src)
	}
	if fp.PropagationTimeout != nil {
		if p.PropagationTimeout, err = time.ParseDuration(*fp.PropagationTimeout); err != nil {
			return nil, errors.Wrap(err, "propagation_timeout")
		}
	}
	if fp.Assert != nil {
		p.Assert = *fp.Assert
	}
	return p, nil
}
