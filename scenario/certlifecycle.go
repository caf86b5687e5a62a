// Package scenario drives regtest nodes through the sidechain backward
// transfer certificate lifecycle: sidechain creation, certificate issuance,
// mempool propagation and confirmation.
package scenario

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	regtest "github.com/neverDefined/sc-regtest"
	"github.com/neverDefined/sc-regtest/sidechain"
	"github.com/pkg/errors"
)

// ErrCheckFailed is returned when a check fails and Params.Assert is set.
var ErrCheckFailed = errors.New("check failed")

// Check is the outcome of one postcondition.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// Report collects what a run observed.
type Report struct {
	GenesisHash        string
	CreationTxID       string
	CreationBlock      string
	ForwardTxID        string
	CertAddress        string
	CertID             string
	CertBlock          string
	BalanceBeforeCert  btcutil.Amount
	BalanceAfterCert   btcutil.Amount
	MempoolsBeforeCert [][]string
	MempoolsWithCert   [][]string
	MempoolsAfterCert  [][]string
	Checks             []Check
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

type runner struct {
	ctx    context.Context
	fw     *regtest.Framework
	p      *Params
	nodes  []*regtest.Regtest
	a, b   *regtest.Regtest
	report *Report
	certID *chainhash.Hash
}

// Run plays the certificate lifecycle on fw, which must have at least two
// running, connected nodes. Node A (fw.Nodes[0]) mines, node B (fw.Nodes[1])
// creates the sidechain and issues the certificate. Any RPC error ends the
// run. The report is returned even on error.
func Run(ctx context.Context, fw *regtest.Framework, p *Params) (*Report, error) {
	report := &Report{}
	if len(fw.Nodes) < 2 {
		return report, errors.Errorf("certificate lifecycle needs 2 nodes, have %d", len(fw.Nodes))
	}
	if err := p.Validate(); err != nil {
		return report, err
	}

	r := &runner{
		ctx:    ctx,
		fw:     fw,
		p:      p,
		nodes:  append([]*regtest.Regtest(nil), fw.Nodes...),
		a:      fw.Nodes[0],
		b:      fw.Nodes[1],
		report: report,
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"warm up node B", r.warmUp},
		{"mature node B coinbase", r.mature},
		{"create sidechain", r.createSidechain},
		{"forward transfer", r.forwardTransfer},
		{"issue certificate", r.issueCertificate},
		{"confirm certificate", r.confirmCertificate},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := step.run(); err != nil {
			return report, errors.Wrapf(err, "step %q", step.name)
		}
	}

	if failed := report.Failed(); len(failed) > 0 {
		log.Warnf("Certificate lifecycle finished with %d failed checks", len(failed))
	} else {
		log.Infof("Certificate lifecycle passed %d checks", len(report.Checks))
	}
	return report, nil
}

// check records a postcondition. With Assert, a failed check ends the run.
func (r *runner) check(name string, passed bool, format string, args ...interface{}) error {
	detail := fmt.Sprintf(format, args...)
	r.report.Checks = append(r.report.Checks, Check{Name: name, Passed: passed, Detail: detail})
	if passed {
		log.Debugf("Check %q passed: %s", name, detail)
		return nil
	}
	if r.p.Assert {
		return errors.Wrapf(ErrCheckFailed, "%s: %s", name, detail)
	}
	log.Warnf("Check %q failed: %s", name, detail)
	return nil
}

// generate mines n blocks on node and checks its tip advanced by exactly n.
func (r *runner) generate(node *regtest.Regtest, n uint32) ([]*chainhash.Hash, error) {
	before, err := node.GetBlockCount()
	if err != nil {
		return nil, err
	}
	hashes, err := node.Generate(n)
	if err != nil {
		return nil, err
	}
	after, err := node.GetBlockCount()
	if err != nil {
		return nil, err
	}
	err = r.check(node.Name()+" tip advanced", after == before+int64(n) && len(hashes) == int(n),
		"height %d -> %d after generating %d blocks (%d hashes)", before, after, n, len(hashes))
	return hashes, err
}

func (r *runner) warmUp() error {
	genesis, err := r.a.GetBlockHash(0)
	if err != nil {
		return err
	}
	r.report.GenesisHash = genesis.String()

	if err := r.fw.MarkLogs(fmt.Sprintf("Node 1 generates %d block", r.p.WarmupBlocks)); err != nil {
		return err
	}
	if _, err := r.generate(r.b, r.p.WarmupBlocks); err != nil {
		return err
	}
	return r.fw.SyncAll(r.ctx)
}

func (r *runner) mature() error {
	if err := r.fw.MarkLogs(fmt.Sprintf("Node 0 generates %d block", r.p.MaturityBlocks)); err != nil {
		return err
	}
	if _, err := r.generate(r.a, r.p.MaturityBlocks); err != nil {
		return err
	}
	if err := r.fw.SyncAll(r.ctx); err != nil {
		return err
	}

	balance, err := r.b.GetBalance("", 0)
	if err != nil {
		return err
	}
	log.Infof("Node1 balance: %s", balance)
	return nil
}

func (r *runner) createSidechain() error {
	if err := r.fw.MarkLogs(fmt.Sprintf("Node 1 creates the SC spending %s", r.p.CreationAmount)); err != nil {
		return err
	}
	txid, err := r.b.ScCreate(r.p.ScID, r.p.EpochLength, []sidechain.Output{
		{Address: r.p.CreationAddress, Amount: r.p.CreationAmount},
	})
	if err != nil {
		return err
	}
	r.report.CreationTxID = txid
	log.Infof("tx = %s", txid)
	if err := r.fw.SyncAll(r.ctx); err != nil {
		return err
	}

	if err := r.fw.MarkLogs("Node0 generating 1 block"); err != nil {
		return err
	}
	hashes, err := r.generate(r.a, 1)
	if err != nil {
		return err
	}
	r.report.CreationBlock = hashes[0].String()
	if err := r.fw.SyncAll(r.ctx); err != nil {
		return err
	}

	return r.checkScInfo(r.p.CreationAmount)
}

// checkScInfo checks every node reports the sidechain with the expected
// balance, created in the creation block.
func (r *runner) checkScInfo(expected btcutil.Amount) error {
	for _, node := range r.nodes {
		info, err := node.GetScInfo(r.p.ScID)
		if err != nil {
			return err
		}
		log.Debugf("%s: %s", node.Name(), spew.Sdump(info))
		if err := r.check(node.Name()+" sidechain balance", info.Balance == expected,
			"balance %s, expected %s", info.Balance, expected); err != nil {
			return err
		}
		if err := r.check(node.Name()+" sidechain creation block", info.CreatedInBlock == r.report.CreationBlock,
			"created in block %s, expected %s", info.CreatedInBlock, r.report.CreationBlock); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) forwardTransfer() error {
	if r.p.ForwardAmount == 0 {
		log.Debugf("No forward transfer configured")
		return nil
	}
	if err := r.fw.MarkLogs(fmt.Sprintf("Node 1 performs a fwd transfer of %s", r.p.ForwardAmount)); err != nil {
		return err
	}
	txid, err := r.b.ScSend(r.p.ForwardAddress, r.p.ForwardAmount, r.p.ScID)
	if err != nil {
		return err
	}
	r.report.ForwardTxID = txid
	log.Infof("tx = %s", txid)
	if err := r.fw.SyncAll(r.ctx); err != nil {
		return err
	}

	if err := r.fw.MarkLogs("Node0 generating 1 block"); err != nil {
		return err
	}
	if _, err := r.generate(r.a, 1); err != nil {
		return err
	}
	if err := r.fw.SyncAll(r.ctx); err != nil {
		return err
	}
	return r.checkScInfo(r.p.CreationAmount + r.p.ForwardAmount)
}

func (r *runner) mempools() ([][]string, error) {
	pools := make([][]string, len(r.nodes))
	for i, node := range r.nodes {
		ids, err := node.GetRawMempool()
		if err != nil {
			return nil, err
		}
		pools[i] = make([]string, len(ids))
		for j, id := range ids {
			pools[i][j] = id.String()
		}
	}
	return pools, nil
}

func (r *runner) issueCertificate() error {
	addr, err := r.b.GetNewAddress()
	if err != nil {
		return err
	}
	r.report.CertAddress = addr

	if r.report.BalanceBeforeCert, err = r.b.GetBalance("", 0); err != nil {
		return err
	}
	if r.report.MempoolsBeforeCert, err = r.mempools(); err != nil {
		return err
	}

	if err := r.fw.MarkLogs(fmt.Sprintf("Node 1 performs a bwd transfer of %s coins to taddr[%s]",
		r.p.BwtAmount, addr)); err != nil {
		return err
	}
	certID, err := r.b.ScBwdtr(r.p.ScID, []sidechain.Output{{Address: addr, Amount: r.p.BwtAmount}})
	if err != nil {
		return err
	}
	r.report.CertID = certID
	log.Infof("cert = %s", certID)
	if r.certID, err = chainhash.NewHashFromStr(certID); err != nil {
		return errors.Wrapf(err, "node returned malformed certificate id %q", certID)
	}

	err = regtest.WaitUntil(r.ctx, r.fw.PollInterval, r.p.PropagationTimeout, func() (bool, error) {
		return r.certInAllMempools(true)
	})
	if err != nil {
		return errors.Wrap(err, "waiting for the certificate to reach every mempool")
	}

	if r.report.MempoolsWithCert, err = r.mempools(); err != nil {
		return err
	}
	log.Infof("Checking mempools...\n%s", spew.Sdump(r.report.MempoolsWithCert))
	for i, node := range r.nodes {
		before, with := len(r.report.MempoolsBeforeCert[i]), len(r.report.MempoolsWithCert[i])
		if err := r.check(node.Name()+" mempool holds certificate", with == before+1,
			"mempool size %d -> %d", before, with); err != nil {
			return err
		}
	}
	return nil
}

// certInAllMempools reports whether the certificate presence in every
// mempool equals want. RPC errors are permanent.
func (r *runner) certInAllMempools(want bool) (bool, error) {
	for _, node := range r.nodes {
		found, err := regtest.MempoolContains(node, r.certID)
		if err != nil {
			return false, regtest.Permanent(err)
		}
		if found != want {
			return false, nil
		}
	}
	return true, nil
}

func (r *runner) confirmCertificate() error {
	if err := r.fw.MarkLogs("Node0 generating 1 honest block"); err != nil {
		return err
	}
	hashes, err := r.generate(r.a, 1)
	if err != nil {
		return err
	}
	certBlock := hashes[0]
	r.report.CertBlock = certBlock.String()

	err = regtest.WaitUntil(r.ctx, r.fw.PollInterval, r.p.PropagationTimeout, func() (bool, error) {
		for _, node := range r.nodes {
			tip, err := node.GetBestBlockHash()
			if err != nil {
				return false, regtest.Permanent(err)
			}
			if !tip.IsEqual(certBlock) {
				return false, nil
			}
		}
		return r.certInAllMempools(false)
	})
	if err != nil {
		return errors.Wrap(err, "waiting for the certificate to be confirmed everywhere")
	}

	if r.report.MempoolsAfterCert, err = r.mempools(); err != nil {
		return err
	}
	log.Infof("Checking mempools...\n%s", spew.Sdump(r.report.MempoolsAfterCert))
	for i, node := range r.nodes {
		before, after := len(r.report.MempoolsBeforeCert[i]), len(r.report.MempoolsAfterCert[i])
		if err := r.check(node.Name()+" mempool back to prior size", after == before,
			"mempool size %d before certificate, %d after confirmation", before, after); err != nil {
			return err
		}
	}

	if r.report.BalanceAfterCert, err = r.b.GetBalance("", 0); err != nil {
		return err
	}
	log.Infof("Node1 balance: %s", r.report.BalanceAfterCert)
	delta := r.report.BalanceAfterCert - r.report.BalanceBeforeCert
	if err := r.check("certificate paid node B", delta == r.p.BwtAmount,
		"balance %s -> %s, expected +%s", r.report.BalanceBeforeCert, r.report.BalanceAfterCert, r.p.BwtAmount); err != nil {
		return err
	}

	again, err := r.b.GetBalance("", 0)
	if err != nil {
		return err
	}
	return r.check("node B balance stable", again == r.report.BalanceAfterCert,
		"balance %s, then %s", r.report.BalanceAfterCert, again)
}
