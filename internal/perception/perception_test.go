package perception

import (
	"errors"
	"testing"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

func TestParseIntent(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		category domain.IntentCategory
		slippage *float64
	}{
		{"swap with slippage", "Swap 1 ETH to USDC, slippage 0.5%", domain.IntentSwap, floatPtr(0.005)},
		{"stake", "Stake for yield", domain.IntentStake, nil},
		{"unknown", "do something weird", domain.IntentUnknown, nil},
		{"approve synonym", "please authorize this contract", domain.IntentApprove, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseIntent(tc.text)
			if got.Category != tc.category {
				t.Errorf("category = %q, want %q", got.Category, tc.category)
			}
			if tc.slippage == nil && got.SlippageTolerance != nil {
				t.Errorf("slippage = %v, want nil", *got.SlippageTolerance)
			}
			if tc.slippage != nil {
				if got.SlippageTolerance == nil {
					t.Fatalf("slippage = nil, want %v", *tc.slippage)
				}
				if *got.SlippageTolerance != *tc.slippage {
					t.Errorf("slippage = %v, want %v", *got.SlippageTolerance, *tc.slippage)
				}
			}
		})
	}
}

func TestValidateTxFloatValue(t *testing.T) {
	// Scenario 5: tx_value = 1.5 (float whole units) -> "1500000000000000000" wei.
	tx, err := ValidateTx(RawTransaction{
		From:  "0x1111111111111111111111111111111111111111",
		To:    "0x2222222222222222222222222222222222222222",
		Value: 1.5,
	})
	if err != nil {
		t.Fatalf("ValidateTx: %v", err)
	}
	if tx.Value != "1500000000000000000" {
		t.Errorf("value = %q, want 1500000000000000000", tx.Value)
	}
}

func TestValidateTxDefaults(t *testing.T) {
	tx, err := ValidateTx(RawTransaction{
		From: "0x1111111111111111111111111111111111111111",
		To:   "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("ValidateTx: %v", err)
	}
	if tx.Value != "0" {
		t.Errorf("value = %q, want 0", tx.Value)
	}
	if tx.Data != "0x" {
		t.Errorf("data = %q, want 0x", tx.Data)
	}
	if tx.GasLimit != 30_000_000 {
		t.Errorf("gasLimit = %d, want 30000000", tx.GasLimit)
	}
}

func TestValidateTxRejectsBadAddress(t *testing.T) {
	_, err := ValidateTx(RawTransaction{From: "not-an-address", To: "0x2222222222222222222222222222222222222222"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *domain.ValidationError, got %v", err)
	}
}

func TestClassifyFloorsSwapToMedium(t *testing.T) {
	intent := domain.IntentAnalysis{Category: domain.IntentSwap}
	tx := domain.TransactionRequest{Data: "0x"}
	if got := Classify(intent, tx); got != domain.ComplexityMedium {
		t.Errorf("complexity = %q, want medium", got)
	}
}

func TestClassifyThresholds(t *testing.T) {
	intent := domain.IntentAnalysis{Category: domain.IntentUnknown}

	simple := domain.TransactionRequest{Data: "0x" + rep("a", 100)}
	if got := Classify(intent, simple); got != domain.ComplexitySimple {
		t.Errorf("complexity = %q, want simple", got)
	}

	medium := domain.TransactionRequest{Data: "0x" + rep("a", 500)}
	if got := Classify(intent, medium); got != domain.ComplexityMedium {
		t.Errorf("complexity = %q, want medium", got)
	}

	complex := domain.TransactionRequest{Data: "0x" + rep("a", 1200)}
	if got := Classify(intent, complex); got != domain.ComplexityComplex {
		t.Errorf("complexity = %q, want complex", got)
	}
}

func TestNextStep(t *testing.T) {
	if NextStep(domain.ComplexityComplex) != domain.StagePlanner {
		t.Error("complex should route to planner")
	}
	if NextStep(domain.ComplexitySimple) != domain.StageExecutor {
		t.Error("simple should route to executor")
	}
}

func floatPtr(v float64) *float64 { return &v }

func rep(s string, n int) string {
	b := make([]byte, n*len(s))
	for i := 0; i < n; i++ {
		copy(b[i*len(s):], s)
	}
	return string(b)
}
