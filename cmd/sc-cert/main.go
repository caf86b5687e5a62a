// Command sc-cert runs the sidechain certificate lifecycle against two
// regtest nodes, either started for the run or already running.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	regtest "github.com/neverDefined/sc-regtest"
	"github.com/neverDefined/sc-regtest/scenario"
	"github.com/pkg/errors"
)

const (
	// numIdentities is the number of node data directories prepared; only
	// the first numNodes are started.
	numIdentities = 3
	numNodes      = 2
)

func main() {
	err := realMain()
	if err != nil {
		log.Criticalf("An error occurred: %+v", err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func realMain() error {
	helpRequested, err := parseConfig()
	if err != nil {
		return errors.Wrap(err, "error in parseConfig")
	}
	if helpRequested {
		return nil
	}
	cfg := activeConfig()
	if !cfg.KeepTmpDir {
		defer func() {
			if err := os.RemoveAll(cfg.TmpDir); err != nil {
				log.Warnf("Failed to remove %s: %s", cfg.TmpDir, err)
			}
		}()
	}

	params := scenario.DefaultParams()
	if cfg.ParamsFile != "" {
		if params, err = scenario.LoadParams(cfg.ParamsFile); err != nil {
			return err
		}
	}
	if cfg.NoAssert {
		params.Assert = false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fw := regtest.NewFramework(cfg.TmpDir)
	fw.Binary = cfg.Binary
	fw.User = cfg.RPCUser
	fw.Pass = cfg.RPCPass
	fw.SyncTimeout = cfg.SyncTimeout

	if err := setupChain(fw); err != nil {
		return errors.Wrap(err, "error in setupChain")
	}
	defer func() {
		if err := fw.StopNodes(); err != nil {
			log.Errorf("Error stopping nodes: %s", err)
		}
	}()
	if err := setupNetwork(ctx, fw); err != nil {
		return errors.Wrap(err, "error in setupNetwork")
	}

	report, err := scenario.Run(ctx, fw, params)
	logReport(report)
	if err != nil {
		return errors.Wrap(err, "certificate lifecycle failed")
	}
	log.Infof("sc-cert passed")
	return nil
}

func setupChain(fw *regtest.Framework) error {
	if err := fw.InitializeChainClean(numIdentities); err != nil {
		return err
	}
	alertFile, err := fw.CreateAlertFile()
	if err != nil {
		return err
	}
	log.Debugf("Alert file: %s", alertFile)
	return nil
}

func setupNetwork(ctx context.Context, fw *regtest.Framework) error {
	cfg := activeConfig()
	if len(cfg.AttachRPC) > 0 {
		nodeCfgs := make([]*regtest.Config, len(cfg.AttachRPC))
		for i, host := range cfg.AttachRPC {
			nodeCfg := fw.NodeConfig(i)
			nodeCfg.Host = host
			nodeCfg.P2PPort = cfg.AttachP2P[i]
			nodeCfgs[i] = nodeCfg
		}
		if err := fw.AttachNodes(nodeCfgs); err != nil {
			return err
		}
	} else if err := fw.StartNodes(ctx, numNodes, nil); err != nil {
		return err
	}

	if err := fw.ConnectNodesBi(ctx, 0, 1); err != nil {
		return err
	}
	return fw.SyncAll(ctx)
}

func logReport(report *scenario.Report) {
	if report == nil {
		return
	}
	for _, check := range report.Checks {
		if check.Passed {
			log.Infof("PASS %s: %s", check.Name, check.Detail)
		} else {
			log.Warnf("FAIL %s: %s", check.Name, check.Detail)
		}
	}
}
