package forensics

import (
	"testing"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

func trace(depth int, from, to, input, output string) domain.CallTrace {
	return domain.CallTrace{Depth: depth, From: from, To: to, Input: input, Output: output}
}

func TestAnalyzeTraceEmptyCalldata(t *testing.T) {
	analysis := AnalyzeTrace(nil, "0xaaa", "0xbbb", "0")
	if analysis.CallCount != 0 || analysis.MaxDepth != 0 {
		t.Fatalf("expected zero-value analysis, got %+v", analysis)
	}
	if len(analysis.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", analysis.Findings)
	}
}

func TestAnalyzeTraceDeepCallStackBoundary(t *testing.T) {
	at20 := []domain.CallTrace{trace(20, "0xa", "0xb", "0x", "0x")}
	if got := AnalyzeTrace(at20, "", "", "").Findings; len(got) != 0 {
		t.Fatalf("depth 20 should not trigger deep_call_stack, got %+v", got)
	}

	at21 := []domain.CallTrace{trace(21, "0xa", "0xb", "0x", "0x")}
	findings := AnalyzeTrace(at21, "", "", "").Findings
	if len(findings) != 1 || findings[0].Type != domain.FindingDeepCallStack {
		t.Fatalf("depth 21 should trigger deep_call_stack, got %+v", findings)
	}
}

func TestAnalyzeTraceDangerousSelector(t *testing.T) {
	traces := []domain.CallTrace{trace(0, "0xa", "0xb", "0x095ea7b3000000000000000000000000000000000000000000000000000000000000dead", "0x")}
	findings := AnalyzeTrace(traces, "0xa", "0xb", "0").Findings
	if len(findings) != 1 || findings[0].Type != domain.FindingDangerousSelector {
		t.Fatalf("expected dangerous_selector finding, got %+v", findings)
	}
}

func TestAnalyzeTraceReentrancy(t *testing.T) {
	traces := []domain.CallTrace{
		trace(1, "0xa", "0xvictim", "0x", "0x"),
		trace(2, "0xvictim", "0xa", "0x", "0x"),
		trace(3, "0xa", "0xvictim", "0x", "0x"),
	}
	findings := AnalyzeTrace(traces, "0xa", "0xvictim", "0").Findings
	found := false
	for _, f := range findings {
		if f.Type == domain.FindingReentrancy {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reentrancy finding, got %+v", findings)
	}
}

func TestAnalyzeTraceDelegatecall(t *testing.T) {
	traces := []domain.CallTrace{trace(0, "0xa", "0xb", "0xdeadbeef", "delegatecall failure")}
	findings := AnalyzeTrace(traces, "0xa", "0xb", "0").Findings
	found := false
	for _, f := range findings {
		if f.Type == domain.FindingDangerousSelector && f.Severity == domain.SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected delegatecall-derived finding, got %+v", findings)
	}
}

func TestDetectAttackApprovalTrapSkipsAllowList(t *testing.T) {
	traces := []domain.CallTrace{
		trace(0, "0xuser", "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", "0x095ea7b3", "0x"),
	}
	report := DetectAttack(traces, nil, domain.IntentAnalysis{})
	for _, f := range report.Findings {
		if f.Type == domain.FindingApprovalTrap {
			t.Fatalf("allow-listed router should not trigger approval_trap: %+v", f)
		}
	}
}

func TestDetectAttackApprovalTrapFlagsUnknownSpender(t *testing.T) {
	traces := []domain.CallTrace{
		trace(0, "0xuser", "0xscam", "0x095ea7b3", "0x"),
	}
	report := DetectAttack(traces, nil, domain.IntentAnalysis{})
	found := false
	for _, f := range report.Findings {
		if f.Type == domain.FindingApprovalTrap {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected approval_trap finding, got %+v", report.Findings)
	}
}

func TestDetectAttackDrainAndPhishing(t *testing.T) {
	changes := []domain.AssetChange{
		{Holder: "0xuser", TokenAddress: domain.NativeAssetAddress, Delta: "-2000000000000000000"},
	}
	report := DetectAttack(nil, changes, domain.IntentAnalysis{})

	var types []domain.FindingType
	for _, f := range report.Findings {
		types = append(types, f.Type)
	}
	wantDrain, wantPhishing := false, false
	for _, ty := range types {
		if ty == domain.FindingDrain {
			wantDrain = true
		}
		if ty == domain.FindingPhishing {
			wantPhishing = true
		}
	}
	if !wantDrain || !wantPhishing {
		t.Fatalf("expected drain and phishing findings, got %v", types)
	}
	// phishing 0.3*0.6 + drain 0.3*0.7 = 0.39, just below the warning threshold.
	if report.RiskLevel != domain.RiskSafe {
		t.Fatalf("risk level = %q, want safe", report.RiskLevel)
	}
}

func TestDetectAttackFlashloan(t *testing.T) {
	traces := []domain.CallTrace{trace(0, "0xpool", "0xborrower", "flashloan(uint256)", "0x")}
	report := DetectAttack(traces, nil, domain.IntentAnalysis{})
	found := false
	for _, f := range report.Findings {
		if f.Type == domain.FindingFlashloan {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected flashloan finding, got %+v", report.Findings)
	}
}

func TestCheckRiskPatternsUnlimitedApproval(t *testing.T) {
	data := "0x095ea7b3" +
		"000000000000000000000000000000000000000000000000000000000000dead" +
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	findings := CheckRiskPatterns("0xspender", data, InertScamRegistry{})
	if len(findings) != 1 || findings[0].Type != domain.FindingUnlimitedApproval {
		t.Fatalf("expected unlimited_approval finding, got %+v", findings)
	}
}

func TestCheckRiskPatternsScamRegistry(t *testing.T) {
	registry := stubRegistry{scam: map[string]bool{"0xscam": true}}
	findings := CheckRiskPatterns("0xscam", "0x", registry)
	if len(findings) != 1 || findings[0].Type != domain.FindingScamContract {
		t.Fatalf("expected scam_contract finding, got %+v", findings)
	}
}

type stubRegistry struct{ scam map[string]bool }

func (s stubRegistry) IsScam(addr string) bool { return s.scam[addr] }

func TestRiskScoreCapsAtOne(t *testing.T) {
	findings := []domain.AttackFinding{
		{Severity: domain.SeverityCritical, Confidence: 1.0},
		{Severity: domain.SeverityCritical, Confidence: 1.0},
		{Severity: domain.SeverityCritical, Confidence: 1.0},
	}
	if got := RiskScore(findings); got != 1.0 {
		t.Errorf("score = %v, want 1.0", got)
	}
}

func TestRiskLevelForScoreThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0.0, domain.RiskSafe},
		{0.39, domain.RiskSafe},
		{0.4, domain.RiskWarning},
		{0.69, domain.RiskWarning},
		{0.7, domain.RiskCritical},
		{1.0, domain.RiskCritical},
	}
	for _, tc := range cases {
		if got := RiskLevelForScore(tc.score); got != tc.want {
			t.Errorf("RiskLevelForScore(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

// scenario 1: a benign transfer with no findings should simulate clean.
func TestScenarioCleanTransfer(t *testing.T) {
	traces := []domain.CallTrace{trace(0, "0xuser", "0xfriend", "0x", "0x")}
	changes := []domain.AssetChange{
		{Holder: "0xuser", TokenAddress: domain.NativeAssetAddress, Delta: "-100000000000000000"},
		{Holder: "0xfriend", TokenAddress: domain.NativeAssetAddress, Delta: "100000000000000000"},
	}
	report := DetectAttack(traces, changes, domain.IntentAnalysis{Category: domain.IntentTransfer})
	if report.RiskLevel != domain.RiskSafe {
		t.Fatalf("expected safe verdict for clean transfer, got %+v", report)
	}
}

// scenario 2: an unlimited approval to an unknown spender should be flagged
// by the static check even without a simulated trace. On its own the finding
// scores 0.3 (high x 1.0), which stays below the warning threshold.
func TestScenarioUnlimitedApprovalToUnknownSpender(t *testing.T) {
	data := "0x095ea7b3" +
		"000000000000000000000000000000000000000000000000000000000000beef" +
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	findings := CheckRiskPatterns("0xunknownspender", data, InertScamRegistry{})
	if len(findings) != 1 || findings[0].Type != domain.FindingUnlimitedApproval || RiskLevelForScore(RiskScore(findings)) != domain.RiskSafe {
		t.Fatalf("expected a single safe-scoring unlimited_approval finding, got findings %+v", findings)
	}
}

// scenario 4: a reentrant drain combines a trace-level reentrancy finding
// with asset-level phishing and drain findings: 0.21 + 0.18 + 0.21 = 0.6, a
// warning-level detector report (the critical verdict for this scenario comes
// from Reflection's unexpected-outflow anomaly, merged by the aggregator).
func TestScenarioReentrantDrain(t *testing.T) {
	traces := []domain.CallTrace{
		trace(1, "0xattacker", "0xvault", "0x", "0x"),
		trace(2, "0xvault", "0xattacker", "0x", "0x"),
		trace(3, "0xattacker", "0xvault", "0x", "0x"),
	}
	changes := []domain.AssetChange{
		{Holder: "0xvault", TokenAddress: domain.NativeAssetAddress, Delta: "-5000000000000000000"},
	}
	report := DetectAttack(traces, changes, domain.IntentAnalysis{})
	if report.RiskLevel != domain.RiskWarning {
		t.Fatalf("expected warning-level report for reentrant drain, got %+v", report)
	}
}
