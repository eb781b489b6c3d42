package simulator

import (
	"math/big"
	"testing"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

func TestDiffBalancesOmitsZeroDeltas(t *testing.T) {
	pre := map[string]*big.Int{"0xa": big.NewInt(100), "0xb": big.NewInt(50)}
	post := map[string]*big.Int{"0xa": big.NewInt(90), "0xb": big.NewInt(50)}

	changes := diffBalances([]string{"0xa", "0xb"}, pre, post)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(changes), changes)
	}
	if changes[0].Holder != "0xa" || changes[0].Delta != "-10" {
		t.Errorf("unexpected change: %+v", changes[0])
	}
	if changes[0].TokenAddress != domain.NativeAssetAddress || changes[0].Symbol != "ETH" {
		t.Errorf("expected native-asset change, got %+v", changes[0])
	}
}

func TestDiffBalancesPreservesHolderOrder(t *testing.T) {
	pre := map[string]*big.Int{"0xa": big.NewInt(0), "0xb": big.NewInt(0)}
	post := map[string]*big.Int{"0xa": big.NewInt(5), "0xb": big.NewInt(-5)}

	changes := diffBalances([]string{"0xb", "0xa"}, pre, post)
	if len(changes) != 2 || changes[0].Holder != "0xb" || changes[1].Holder != "0xa" {
		t.Errorf("expected order [0xb, 0xa], got %+v", changes)
	}
}

func TestAnomaliesForFailedTransaction(t *testing.T) {
	result := domain.SimulationResult{Success: false}
	anomalies := anomaliesFor(result)
	if len(anomalies) != 1 {
		t.Fatalf("expected one anomaly for a failed transaction, got %v", anomalies)
	}
}

func TestAnomaliesForExcessOutflow(t *testing.T) {
	result := domain.SimulationResult{
		Success: true,
		Request: domain.TransactionRequest{Value: "100"},
		AssetChanges: []domain.AssetChange{
			{Holder: "0xa", TokenAddress: domain.NativeAssetAddress, Delta: "-500"},
		},
	}
	anomalies := anomaliesFor(result)
	if len(anomalies) != 1 {
		t.Fatalf("expected one anomaly for excess outflow, got %v", anomalies)
	}
}

func TestAnomaliesForDeepCallStack(t *testing.T) {
	var traces []domain.CallTrace
	for i := 0; i <= 21; i++ {
		traces = append(traces, domain.CallTrace{Depth: i})
	}
	result := domain.SimulationResult{Success: true, Request: domain.TransactionRequest{Value: "0"}, CallTraces: traces}
	anomalies := anomaliesFor(result)
	found := false
	for _, a := range anomalies {
		if a == "call depth exceeds 20" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected deep-call-stack anomaly, got %v", anomalies)
	}
}

func TestLogsToEventLogsCapsTopicsAtFour(t *testing.T) {
	logs := []rawLog{{Address: "0xa", Topics: []string{"t1", "t2", "t3", "t4", "t5"}, Data: "0x"}}
	out := logsToEventLogs(logs)
	if len(out) != 1 || len(out[0].Topics) != 4 {
		t.Fatalf("expected 4 topics, got %+v", out)
	}
}

func TestDecimalToBigDefaultsToZero(t *testing.T) {
	if decimalToBig("").Sign() != 0 {
		t.Error("empty string should decode to zero")
	}
	if decimalToBig("not-a-number").Sign() != 0 {
		t.Error("invalid string should decode to zero")
	}
}

func TestTraceToCallTracesFlattensNestedCallsWithDepth(t *testing.T) {
	root := &callFrame{
		From: "0xcaller", To: "0xvictim", Input: "0xaabbccdd", GasUsed: "0x5208",
		Calls: []callFrame{
			{From: "0xvictim", To: "0xattacker", Input: "0x23b872dd", GasUsed: "0x1388",
				Calls: []callFrame{
					{From: "0xattacker", To: "0xvictim", Input: "0xaabbccdd", GasUsed: "0x64"},
				},
			},
		},
	}

	traces := traceToCallTraces(root)
	if len(traces) != 3 {
		t.Fatalf("expected 3 flattened frames, got %d: %+v", len(traces), traces)
	}
	if traces[0].From != "0xcaller" || traces[0].To != "0xvictim" || traces[0].Input != "0xaabbccdd" || traces[0].Depth != 0 {
		t.Errorf("root frame not populated correctly: %+v", traces[0])
	}
	if traces[0].GasUsed != 0x5208 {
		t.Errorf("expected decoded gasUsed 0x5208, got %d", traces[0].GasUsed)
	}
	if traces[1].Depth != 1 || traces[2].Depth != 2 {
		t.Errorf("expected depths [0,1,2], got [%d,%d,%d]", traces[0].Depth, traces[1].Depth, traces[2].Depth)
	}
	if traces[2].From != "0xattacker" || traces[2].To != "0xvictim" {
		t.Errorf("innermost frame addresses wrong: %+v", traces[2])
	}
}

func TestTraceToCallTracesNilTrace(t *testing.T) {
	if traces := traceToCallTraces(nil); traces != nil {
		t.Errorf("expected nil for nil trace, got %+v", traces)
	}
}

func TestFindFreePortReturnsPortAtOrAboveBase(t *testing.T) {
	p1, err := FindFreePort(18000)
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if p1 < 18000 {
		t.Errorf("port %d below base 18000", p1)
	}
}
