package simulator

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

const sandboxChainID = 31337

// Config configures one Simulator instance's startup and RPC behavior.
type Config struct {
	ForkURL   string
	ForkBlock *uint64
	Binary    string
	Port      int
	Timeout   time.Duration
}

// Simulator owns one Anvil-like child process and its RPC endpoint. It must
// not be used from more than one goroutine concurrently — callers serialize
// access per instance (the Pool enforces this via exclusive checkout).
type Simulator struct {
	cfg     Config
	cmd     *exec.Cmd
	rpc     *rpcClient
	mu      sync.Mutex
	running bool
}

// New constructs a Simulator bound to cfg but does not start its child process.
func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// FindFreePort probes upward from base, binding and immediately releasing
// each candidate, and returns the first free port found.
func FindFreePort(base int) (int, error) {
	for port := base; port < base+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("simulator: no free port found starting at %d", base)
}

// Start spawns the child node and blocks until it answers eth_blockNumber or
// the startup deadline elapses.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.cfg.ForkURL == "" {
		return &domain.EnvironmentError{Component: "simulator", Message: "fork_url is not configured"}
	}

	binary := s.cfg.Binary
	if binary == "" {
		binary = "anvil"
	}

	args := []string{
		"--fork-url", s.cfg.ForkURL,
		"--port", strconv.Itoa(s.cfg.Port),
		"--host", "127.0.0.1",
		"--chain-id", strconv.Itoa(sandboxChainID),
		"--block-time", "0",
	}
	if s.cfg.ForkBlock != nil {
		args = append(args, "--fork-block-number", strconv.FormatUint(*s.cfg.ForkBlock, 10))
	}

	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return &domain.EnvironmentError{Component: "simulator", Message: fmt.Sprintf("spawning %s: %v", binary, err)}
	}
	s.cmd = cmd

	url := fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port)
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.rpc = newRPCClient(url, timeout)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var blockNum hexutil.Uint64
		callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := s.rpc.call(callCtx, "eth_blockNumber", nil, &blockNum)
		cancel()
		if err == nil {
			s.running = true
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = cmd.Process.Kill()
	return &domain.EnvironmentError{Component: "simulator", Message: "node did not become ready within the startup deadline"}
}

// Stop terminates the child process. Safe to call on an already-stopped Simulator.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cmd == nil {
		return nil
	}
	s.running = false
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// snapshot/revert/impersonation helpers.

func (s *Simulator) snapshot(ctx context.Context) (string, error) {
	var id string
	err := s.rpc.call(ctx, "evm_snapshot", nil, &id)
	return id, err
}

func (s *Simulator) revert(ctx context.Context, id string) error {
	var ok bool
	return s.rpc.call(ctx, "evm_revert", []any{id}, &ok)
}

func (s *Simulator) impersonate(ctx context.Context, addr string) error {
	return s.rpc.call(ctx, "anvil_impersonateAccount", []any{addr}, nil)
}

func (s *Simulator) stopImpersonate(ctx context.Context, addr string) error {
	return s.rpc.call(ctx, "anvil_stopImpersonatingAccount", []any{addr}, nil)
}

// GetBalance returns the native-asset balance of addr as a decimal string.
func (s *Simulator) GetBalance(ctx context.Context, addr string) (string, error) {
	var hexBal hexutil.Big
	if err := s.rpc.call(ctx, "eth_getBalance", []any{addr, "latest"}, &hexBal); err != nil {
		return "", err
	}
	return (*big.Int)(&hexBal).String(), nil
}

// GetCode returns the deployed bytecode at addr, "0x" for an EOA.
func (s *Simulator) GetCode(ctx context.Context, addr string) (string, error) {
	var code string
	err := s.rpc.call(ctx, "eth_getCode", []any{addr, "latest"}, &code)
	return code, err
}

type txReceipt struct {
	Status      string   `json:"status"`
	GasUsed     string   `json:"gasUsed"`
	Logs        []rawLog `json:"logs"`
	BlockNumber string   `json:"blockNumber"`
}

type rawLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// callFrame mirrors one frame of geth/Anvil's callTracer output: a call and
// its nested sub-calls, each carrying the from/to/input/output a forensics
// detector needs to inspect.
type callFrame struct {
	Type    string      `json:"type"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Value   string      `json:"value"`
	GasUsed string      `json:"gasUsed"`
	Input   string      `json:"input"`
	Output  string      `json:"output"`
	Error   string      `json:"error,omitempty"`
	Calls   []callFrame `json:"calls,omitempty"`
}

// Simulate executes the ten-step fork-simulation algorithm: snapshot,
// impersonate, send, trace, diff balances, revert. The snapshot is reverted
// on every exit path via defer, including on error.
func (s *Simulator) Simulate(ctx context.Context, req domain.TransactionRequest, extraHolders []string) (domain.SimulationResult, error) {
	if !s.running {
		return domain.SimulationResult{}, &domain.EnvironmentError{Component: "simulator", Message: "not started"}
	}

	snapID, err := s.snapshot(ctx)
	if err != nil {
		return domain.SimulationResult{}, fmt.Errorf("simulator: snapshot: %w", err)
	}
	defer func() {
		revertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.revert(revertCtx, snapID)
	}()

	holders := append([]string{req.From, req.To}, extraHolders...)
	preBalances, err := s.balancesOf(ctx, holders)
	if err != nil {
		return domain.SimulationResult{}, fmt.Errorf("simulator: reading pre-balances: %w", err)
	}

	if err := s.impersonate(ctx, req.From); err != nil {
		return domain.SimulationResult{}, fmt.Errorf("simulator: impersonate: %w", err)
	}
	// Impersonation must be disabled even on error from here on.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.stopImpersonate(stopCtx, req.From)
	}()

	txParams := map[string]any{
		"from":     req.From,
		"to":       req.To,
		"value":    hexutil.EncodeBig(decimalToBig(req.Value)),
		"data":     req.Data,
		"gas":      hexutil.EncodeUint64(req.GasLimit),
		"chainId":  hexutil.EncodeUint64(sandboxChainID),
	}

	var txHash common.Hash
	sendErr := s.rpc.call(ctx, "eth_sendTransaction", []any{txParams}, &txHash)

	result := domain.SimulationResult{
		Request:      req,
		ForkBlockUsed: s.currentForkBlock(ctx),
		GasLimit:     req.GasLimit,
	}

	if sendErr != nil {
		result.Success = false
		result.Error = sendErr.Error()
		result.RiskLevel = domain.RiskWarning
		return result, nil
	}

	receipt, recErr := s.waitReceipt(ctx, txHash)
	if recErr != nil {
		result.Success = false
		result.Error = recErr.Error()
		result.RiskLevel = domain.RiskWarning
		return result, nil
	}

	result.Success = receipt.Status == "0x1"
	gasUsed, _ := hexutil.DecodeUint64(receipt.GasUsed)
	result.GasUsed = gasUsed
	if !result.Success {
		result.Error = "transaction reverted"
	}

	trace := s.fetchTrace(ctx, txHash)
	result.CallTraces = traceToCallTraces(trace)
	result.EventLogs = logsToEventLogs(receipt.Logs)

	postBalances, balErr := s.balancesOf(ctx, holders)
	if balErr == nil {
		result.AssetChanges = diffBalances(holders, preBalances, postBalances)
	}

	result.Anomalies = anomaliesFor(result)
	if maxTraceDepth(result.CallTraces) > 20 {
		result.RiskLevel = domain.MaxRiskLevel(result.RiskLevel, domain.RiskWarning)
	}

	return result, nil
}

func (s *Simulator) balancesOf(ctx context.Context, addrs []string) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if _, ok := out[addr]; ok {
			continue
		}
		bal, err := s.GetBalance(ctx, addr)
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(bal, 10)
		if !ok {
			n = big.NewInt(0)
		}
		out[addr] = n
	}
	return out, nil
}

func diffBalances(orderedHolders []string, pre, post map[string]*big.Int) []domain.AssetChange {
	var changes []domain.AssetChange
	seen := make(map[string]bool)
	for _, addr := range orderedHolders {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		before, ok1 := pre[addr]
		after, ok2 := post[addr]
		if !ok1 || !ok2 {
			continue
		}
		delta := new(big.Int).Sub(after, before)
		if delta.Sign() == 0 {
			continue
		}
		changes = append(changes, domain.AssetChange{
			Holder:        addr,
			TokenAddress:  domain.NativeAssetAddress,
			Symbol:        "ETH",
			BalanceBefore: before.String(),
			BalanceAfter:  after.String(),
			Delta:         delta.String(),
			Decimals:      18,
		})
	}
	return changes
}

func (s *Simulator) waitReceipt(ctx context.Context, hash common.Hash) (*txReceipt, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	if s.cfg.Timeout == 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	for time.Now().Before(deadline) {
		var receipt *txReceipt
		if err := s.rpc.call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()}, &receipt); err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("simulator: timed out waiting for receipt")
}

// fetchTrace fetches debug_traceTransaction with the callTracer, which
// returns the actual call tree (from/to/input/output per call) rather than
// the default per-opcode struct logger; failures here degrade detail but
// never fail the surrounding simulate() call — trace retrieval is allowed
// to fail independently of the simulation itself.
func (s *Simulator) fetchTrace(ctx context.Context, hash common.Hash) *callFrame {
	var root callFrame
	if err := s.rpc.call(ctx, "debug_traceTransaction", []any{hash.Hex(), map[string]any{"tracer": "callTracer"}}, &root); err != nil {
		return nil
	}
	return &root
}

func traceToCallTraces(root *callFrame) []domain.CallTrace {
	if root == nil {
		return nil
	}
	var out []domain.CallTrace
	var flatten func(f *callFrame, depth int)
	flatten = func(f *callFrame, depth int) {
		gasUsed, _ := hexutil.DecodeUint64(f.GasUsed)
		out = append(out, domain.CallTrace{
			Depth:   depth,
			From:    f.From,
			To:      f.To,
			Value:   f.Value,
			Input:   f.Input,
			Output:  f.Output,
			GasUsed: gasUsed,
			Error:   f.Error,
		})
		for i := range f.Calls {
			flatten(&f.Calls[i], depth+1)
		}
	}
	flatten(root, 0)
	return out
}

func logsToEventLogs(logs []rawLog) []domain.EventLog {
	var out []domain.EventLog
	for i, l := range logs {
		topics := l.Topics
		if len(topics) > 4 {
			topics = topics[:4]
		}
		out = append(out, domain.EventLog{
			Address: l.Address,
			Topics:  topics,
			Data:    l.Data,
			Index:   i,
		})
	}
	return out
}

func maxTraceDepth(traces []domain.CallTrace) int {
	max := 0
	for _, tr := range traces {
		if tr.Depth > max {
			max = tr.Depth
		}
	}
	return max
}

// anomaliesFor applies the simulator's own built-in anomaly rules (§4.6):
// a failed transaction, an outflow exceeding the transaction's own value, or
// a call depth over 20.
func anomaliesFor(result domain.SimulationResult) []string {
	var anomalies []string
	if !result.Success {
		anomalies = append(anomalies, "transaction execution failed")
	}

	txValue := decimalToBig(result.Request.Value)
	for _, c := range result.AssetChanges {
		if c.TokenAddress != domain.NativeAssetAddress {
			continue
		}
		delta, ok := new(big.Int).SetString(c.Delta, 10)
		if !ok {
			continue
		}
		if delta.Sign() < 0 && new(big.Int).Abs(delta).Cmp(txValue) > 0 {
			anomalies = append(anomalies, fmt.Sprintf("outflow from %s exceeds declared transaction value", c.Holder))
		}
	}

	if maxTraceDepth(result.CallTraces) > 20 {
		anomalies = append(anomalies, "call depth exceeds 20")
	}
	return anomalies
}

func decimalToBig(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func (s *Simulator) currentForkBlock(ctx context.Context) uint64 {
	var blockNum hexutil.Uint64
	if err := s.rpc.call(ctx, "eth_blockNumber", nil, &blockNum); err != nil {
		return 0
	}
	return uint64(blockNum)
}
