/*
Package regtest drives networks of sidechain-capable regtest nodes for
integration testing.

Regtest mode creates a private blockchain where blocks are mined on demand.
This package starts nodes (or attaches to nodes started elsewhere), connects
them into a small network, and waits for blocks and mempools to propagate so
that multi node behavior can be asserted on without fixed sleeps.

Quick Start

	rt, err := regtest.New(nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := rt.Start(); err != nil {
		log.Fatal(err)
	}
	defer rt.Stop()

	rt.Generate(101) // Mine to maturity

	height, _ := rt.GetBlockCount()
	fmt.Printf("Block height: %d\n", height)

# Architecture

Each Regtest instance manages a single node through a btcd rpcclient in HTTP
POST mode. Instances are safe for concurrent use. A Framework owns a test
directory with one data directory per node identity and runs several nodes
side by side, each on its own RPC and P2P port.

# Configuration

Default settings:
  - RPC host: 127.0.0.1:18443
  - RPC user: user
  - RPC pass: pass
  - Data directory: ./zend_regtest
  - Binary: zend
  - Debug categories: py, sc, mempool, net, cert

Customize via the Config struct when creating instances, or replace the
package wide defaults with SetConfig. Framework nodes get ports derived from
the process id, see P2PPort and RPCPort.

# Examples

Two Node Network:

	fw := regtest.NewFramework(tmpDir)
	fw.InitializeChainClean(3)
	fw.StartNodes(ctx, 2, nil)
	defer fw.StopNodes()

	fw.ConnectNodesBi(ctx, 0, 1)
	fw.Nodes[0].Generate(1)
	fw.SyncAll(ctx) // Both nodes now share the tip and the mempool

Sidechains:

	id := sidechain.MustParseID(strings.Repeat("1", 64))
	txid, _ := rt.ScCreate(id, 123, []sidechain.Output{{Address: "dada", Amount: 50_000_000}})
	rt.Generate(1)

	info, _ := rt.GetScInfo(id)
	fmt.Printf("Sidechain balance: %s\n", info.Balance)

Backward Transfers:

	addr, _ := rt.GetNewAddress()
	certID, _ := rt.ScBwdtr(id, []sidechain.Output{{Address: addr, Amount: 100_000_000}})

Waiting:

	err := regtest.WaitUntil(ctx, 100*time.Millisecond, 30*time.Second, func() (bool, error) {
		return regtest.MempoolContains(rt, hash)
	})
	if errors.Is(err, regtest.ErrTimeout) {
		// the condition never held
	}

Direct RPC Access:

	client := rt.Client()
	info, _ := client.GetBlockChainInfo()

# Logging

The package logs through btclog and is silent until UseLogger is called.

# Thread Safety

All Regtest methods are thread-safe. Multiple goroutines can safely call Start(), Stop(),
IsRunning(), and make RPC calls concurrently. Framework methods are not; drive a
Framework from one goroutine.

# Error Handling

Check errors from all methods. Common errors:
  - node binary not found in PATH
  - Port already in use
  - RPC connection failures, see IsRPCError for node side rejections
  - Timeouts waiting for propagation, which wrap ErrTimeout
  - RPC errors during a wait, returned at once instead of being retried
  - ErrNodeExited once a node process died

# Use Cases

Ideal for integration testing of sidechain features, CI pipelines and multi node testing.
NOT for production use.
*/
package regtest
