package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	regtest "github.com/neverDefined/sc-regtest"
	"github.com/neverDefined/sc-regtest/scenario"
	"github.com/pkg/errors"
)

const (
	logRotatorThresholdKB = 10 * 1024
	logRotatorMaxRolls    = 3
)

// logWriter implements an io.Writer that outputs to both standard output and
// the log rotators. Warnings and worse also go to the error log.
type logWriter struct{}

var errorLevelTags = [][]byte{[]byte(" [WRN] "), []byte(" [ERR] "), []byte(" [CRT] ")}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	if errLogRotator != nil {
		for _, tag := range errorLevelTags {
			if bytes.Contains(p, tag) {
				errLogRotator.Write(p)
				break
			}
		}
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. It must not be used before the log rotators have been
	// initialized, or data races and/or nil pointer dereferences will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator and errLogRotator are the rotators of the log files.
	// They are set by initLog.
	logRotator    *rotator.Rotator
	errLogRotator *rotator.Rotator

	log         = backendLog.Logger("SCRT")
	regtestLog  = backendLog.Logger("RGTS")
	scenarioLog = backendLog.Logger("SCEN")
	rpcLog      = backendLog.Logger("RPCC")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"SCRT": log,
	"RGTS": regtestLog,
	"SCEN": scenarioLog,
	"RPCC": rpcLog,
}

func newRotator(logFile string) (*rotator.Rotator, error) {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create log directory")
		}
	}
	r, err := rotator.New(logFile, logRotatorThresholdKB, false, logRotatorMaxRolls)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file rotator")
	}
	return r, nil
}

// initLog opens the log files, sets the level of every subsystem and hands
// the loggers to the libraries.
func initLog(logFile, errLogFile, levelName string) error {
	level, ok := btclog.LevelFromString(levelName)
	if !ok {
		return errors.Errorf("log level %s doesn't exist", levelName)
	}

	var err error
	if logRotator, err = newRotator(logFile); err != nil {
		return err
	}
	if errLogRotator, err = newRotator(errLogFile); err != nil {
		return err
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	regtest.UseLogger(regtestLog)
	scenario.UseLogger(scenarioLog)
	rpcclient.UseLogger(rpcLog)
	return nil
}

func closeLog() {
	if logRotator != nil {
		logRotator.Close()
	}
	if errLogRotator != nil {
		errLogRotator.Close()
	}
}
