package regtest

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"
)

// ---------------------------------------------------------------
//  Node Management
// ---------------------------------------------------------------

// ErrNodeExited is returned by RPC methods of a node whose process exited
// without being stopped.
var ErrNodeExited = errors.New("node process exited")

const (
	// startPollInterval is how often Start polls the RPC server.
	startPollInterval = 250 * time.Millisecond

	// stdoutLogName is the file in the data directory receiving the node
	// stdout and stderr.
	stdoutLogName = "stdout.log"
)

// Regtest manages a single regtest node. The node is either launched by Start
// or, for a node started elsewhere, reached with Attach. All methods are safe
// for concurrent use.
type Regtest struct {
	mu     sync.Mutex
	cfg    *Config
	name   string
	cmd    *exec.Cmd
	client *rpcclient.Client

	// exited is closed once the node process has been reaped. exitErr is
	// written before the close.
	exited   chan struct{}
	exitErr  error
	stopping atomic.Bool
}

// New creates a node handle from cfg, or from the active configuration when
// cfg is nil. Nothing is started.
func New(cfg *Config) (*Regtest, error) {
	if cfg == nil {
		cfg = GetConfig()
	} else {
		cfg = cfg.Copy()
	}
	if _, _, err := splitHostPort(cfg.Host); err != nil {
		return nil, errors.Wrapf(err, "invalid RPC host %q", cfg.Host)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	return &Regtest{
		cfg:  cfg,
		name: filepath.Base(cfg.DataDir),
	}, nil
}

// Name identifies the node in logs. It is the base name of the data directory.
func (rt *Regtest) Name() string {
	return rt.name
}

// Config returns a copy of the node configuration.
func (rt *Regtest) Config() *Config {
	return rt.cfg.Copy()
}

// DataDir returns the node data directory.
func (rt *Regtest) DataDir() string {
	return rt.cfg.DataDir
}

// P2PAddr returns the address peers use to reach the node.
func (rt *Regtest) P2PAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(rt.cfg.P2PPort))
}

// Start launches the node process and waits until its RPC server answers.
// It is StartContext with a background context.
//
// Example:
//
//	rt, _ := regtest.New(nil)
//	if err := rt.Start(); err != nil {
//	    log.Fatalf("Failed to start node: %v", err)
//	}
//	defer rt.Stop() // Always clean up
func (rt *Regtest) Start() error {
	return rt.StartContext(context.Background())
}

// StartContext launches the node process and waits until its RPC server
// answers, or until ctx is done or the start timeout elapses.
//
// The function:
//   - writes zen.conf into the data directory if it is missing
//   - looks the node binary up in PATH
//   - sends the process output to stdout.log in the data directory
//   - polls getblockcount, tolerating RPC errors while the node loads
//
// Returns:
//   - nil once the RPC server answers
//   - an error if the binary is missing, the process exits during startup,
//     ctx is done or the RPC server stays silent; the process is killed
func (rt *Regtest) StartContext(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.client != nil {
		return errors.Errorf("node %s is already running", rt.name)
	}

	if _, err := os.Stat(filepath.Join(rt.cfg.DataDir, confFileName)); os.IsNotExist(err) {
		if err := rt.cfg.writeConfFile(); err != nil {
			return errors.Wrapf(err, "failed to write config for node %s", rt.name)
		}
	}

	binary, err := exec.LookPath(rt.cfg.Binary)
	if err != nil {
		return errors.Wrapf(err, "node binary %q not found", rt.cfg.Binary)
	}

	logFile, err := os.OpenFile(filepath.Join(rt.cfg.DataDir, stdoutLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to open output log for node %s", rt.name)
	}

	cmd := exec.Command(binary, rt.cfg.NodeArgs()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	log.Debugf("Starting %s: %s %v", rt.name, binary, cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errors.Wrapf(err, "failed to start node %s", rt.name)
	}

	rt.stopping.Store(false)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		logFile.Close()
		if err != nil && !rt.stopping.Load() {
			log.Errorf("Node %s exited unexpectedly: %s. See logs at: %s", rt.name, err, rt.cfg.DataDir)
		}
		rt.exitErr = err
		close(exited)
	}()

	client, err := rpcclient.New(rt.cfg.ConnConfig(), nil)
	if err != nil {
		rt.kill(cmd, exited)
		return errors.Wrapf(err, "failed to create RPC client for node %s", rt.name)
	}

	err = WaitUntil(ctx, startPollInterval, rt.cfg.StartTimeout, func() (bool, error) {
		select {
		case <-exited:
			return false, Permanent(errors.Errorf("node %s exited during startup: %v", rt.name, rt.exitErr))
		default:
		}
		// A loading node answers with RPC errors, so keep polling.
		if _, err := client.GetBlockCount(); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		client.Shutdown()
		rt.kill(cmd, exited)
		return errors.Wrapf(err, "node %s did not come up", rt.name)
	}

	rt.cmd = cmd
	rt.client = client
	rt.exited = exited
	log.Infof("Node %s started (rpc %s, p2p %d, datadir %s)", rt.name, rt.cfg.Host, rt.cfg.P2PPort, rt.cfg.DataDir)
	return nil
}

// Attach connects to a node that is already running at the configured RPC
// host. Stop on an attached node only releases the RPC client.
//
// Returns:
//   - error: if the RPC client can't be built or the node doesn't answer
//
// Example:
//
//	rt, _ := regtest.New(&regtest.Config{Host: "127.0.0.1:18443", User: "user", Pass: "pass", DataDir: "node0"})
//	if err := rt.Attach(); err != nil {
//	    log.Fatalf("Node is not reachable: %v", err)
//	}
//	defer rt.Stop()
func (rt *Regtest) Attach() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.client != nil {
		return errors.Errorf("node %s is already connected", rt.name)
	}

	client, err := rpcclient.New(rt.cfg.ConnConfig(), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create RPC client for node %s", rt.name)
	}
	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return errors.Wrapf(err, "node %s is not reachable at %s", rt.name, rt.cfg.Host)
	}

	rt.client = client
	log.Debugf("Attached to node %s at %s", rt.name, rt.cfg.Host)
	return nil
}

// Stop asks the node to shut down, waits for the process to exit and
// releases the RPC client. Calling Stop on a stopped node is a no-op.
//
// The function:
//   - sends the stop RPC unless the process already exited
//   - waits up to StopTimeout for the process to exit, then kills it
//   - shuts the RPC client down
//
// Returns:
//   - error: if the process had to be killed
func (rt *Regtest) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.client == nil {
		return nil
	}

	var stopErr error
	if rt.cmd != nil {
		rt.stopping.Store(true)
		select {
		case <-rt.exited:
		default:
			if _, err := rt.client.RawRequest("stop", nil); err != nil {
				log.Debugf("Stop RPC to %s failed: %s", rt.name, err)
			}
		}
		select {
		case <-rt.exited:
		case <-time.After(rt.cfg.StopTimeout):
			log.Warnf("Node %s did not stop after %s, killing it", rt.name, rt.cfg.StopTimeout)
			stopErr = errors.Errorf("node %s did not stop within %s", rt.name, rt.cfg.StopTimeout)
			rt.kill(rt.cmd, rt.exited)
		}
		log.Infof("Node %s stopped", rt.name)
	}

	rt.client.Shutdown()
	rt.client = nil
	rt.cmd = nil
	rt.exited = nil
	return stopErr
}

func (rt *Regtest) kill(cmd *exec.Cmd, exited chan struct{}) {
	rt.stopping.Store(true)
	if err := cmd.Process.Kill(); err != nil {
		log.Debugf("Kill %s: %s", rt.name, err)
	}
	<-exited
}

// IsRunning reports whether the node is connected and, when it was launched
// by Start, whether its process is still alive.
func (rt *Regtest) IsRunning() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.client == nil {
		return false
	}
	if rt.exited == nil {
		return true
	}
	select {
	case <-rt.exited:
		return false
	default:
		return true
	}
}

// Client returns the RPC client of the node, or nil when it isn't running.
func (rt *Regtest) Client() *rpcclient.Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.client
}

// rpc returns the client of a running node. It fails without a round trip
// once the node process has exited.
func (rt *Regtest) rpc() (*rpcclient.Client, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.client == nil {
		return nil, errors.Errorf("node %s is not running", rt.name)
	}
	if rt.exited != nil {
		select {
		case <-rt.exited:
			return nil, errors.Wrapf(ErrNodeExited, "node %s (%v), see logs at %s", rt.name, rt.exitErr, rt.cfg.DataDir)
		default:
		}
	}
	return rt.client, nil
}

// HealthCheck verifies the node answers RPC requests.
func (rt *Regtest) HealthCheck() error {
	_, err := rt.GetBlockCount()
	return err
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port %q", portStr)
	}
	return host, port, nil
}

// ---------------------------------------------------------------
//  Package Default Node
// ---------------------------------------------------------------

var (
	// bitcoindMutex guards defaultNode, the node driven by the package level
	// helpers below.
	bitcoindMutex sync.Mutex
	defaultNode   *Regtest
)

// StartBitcoinRegtest starts the package default node from the active
// configuration. This function is thread-safe and will prevent multiple
// simultaneous start attempts.
//
// Returns:
//   - error: if the default node is already running or fails to start
//
// Example:
//
//	err := StartBitcoinRegtest()
//	if err != nil {
//	    log.Fatalf("Failed to start node: %v", err)
//	}
//	defer StopBitcoinRegtest() // Always clean up
func StartBitcoinRegtest() error {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	if defaultNode != nil && defaultNode.IsRunning() {
		return errors.New("default node is already running")
	}

	rt, err := New(nil)
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}
	defaultNode = rt
	return nil
}

// StopBitcoinRegtest stops the package default node, if any.
func StopBitcoinRegtest() error {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	if defaultNode == nil {
		return nil
	}
	err := defaultNode.Stop()
	defaultNode = nil
	return err
}

// IsBitcoindRunning reports whether the package default node is running.
func IsBitcoindRunning() (bool, error) {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	if defaultNode == nil {
		return false, nil
	}
	return defaultNode.IsRunning(), nil
}
