package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultLogFilename    = "sc-cert.log"
	defaultErrLogFilename = "sc-cert_err.log"
)

type configFlags struct {
	LogLevel    string        `long:"loglevel" description:"Set log level {trace, debug, info, warn, error, critical}" default:"info"`
	LogDir      string        `long:"logdir" description:"Directory to write log files into (defaults to the test directory)"`
	Binary      string        `long:"binary" description:"Node executable" default:"zend"`
	TmpDir      string        `long:"tmpdir" description:"Test directory; a fresh temporary directory is used when empty"`
	KeepTmpDir  bool          `long:"keep-tmpdir" description:"Keep the test directory on exit"`
	ParamsFile  string        `long:"params" description:"TOML file overriding the scenario parameters"`
	NoAssert    bool          `long:"no-assert" description:"Report failed checks without failing the run"`
	RPCUser     string        `long:"rpcuser" description:"RPC user of the nodes" default:"user"`
	RPCPass     string        `long:"rpcpass" description:"RPC password of the nodes" default:"pass"`
	SyncTimeout time.Duration `long:"sync-timeout" description:"Timeout of every cross node wait" default:"60s"`
	AttachRPC   []string      `long:"attach-rpc" description:"RPC address of an already running node; give it twice to skip starting nodes"`
	AttachP2P   []int         `long:"attach-p2p" description:"Peer port of an already running node, in --attach-rpc order"`
}

var cfg *configFlags

func activeConfig() *configFlags {
	return cfg
}

// parseConfig parses the command line. It reports whether only help was
// requested.
func parseConfig() (helpRequested bool, err error) {
	cfg = &configFlags{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return true, nil
		}
		return false, err
	}

	if len(cfg.AttachRPC) != 0 && len(cfg.AttachRPC) != 2 {
		return false, errors.Errorf("--attach-rpc must be given exactly twice, got %d", len(cfg.AttachRPC))
	}
	if len(cfg.AttachP2P) != len(cfg.AttachRPC) {
		return false, errors.New("--attach-p2p must be given once per --attach-rpc")
	}

	if cfg.TmpDir == "" {
		if cfg.TmpDir, err = os.MkdirTemp("", "sc-cert-"); err != nil {
			return false, errors.Wrap(err, "failed to create test directory")
		}
	}
	if cfg.LogDir == "" {
		cfg.LogDir = cfg.TmpDir
	}

	err = initLog(filepath.Join(cfg.LogDir, defaultLogFilename),
		filepath.Join(cfg.LogDir, defaultErrLogFilename), cfg.LogLevel)
	return false, err
}
