// Package forensics is a pure-function library over simulation output: trace
// analysis, attack-pattern detection, and risk scoring. No function here
// performs I/O or holds state between calls — identical inputs always
// produce byte-identical outputs.
package forensics

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

// dangerousSelectors is the authoritative 4-byte-selector → name table.
var dangerousSelectors = map[string]string{
	"0x095ea7b3": "approve",
	"0xd505accf": "permit",
	"0xf2fde38b": "transferOwnership",
	"0xa9059cbb": "transfer",
	"0x23b872dd": "transferFrom",
	"0x69d2809b": "confirmTransaction",
	"0x8456cb59": "submitTransaction",
	"0xdd62ed3e": "allowance",
	"0x52ef6b2c": "setSlippage",
	"0x01ae4388": "delegate",
}

const approveSelector = "0x095ea7b3"

// officialAllowList holds routers exempt from the approval_trap detector.
var officialAllowList = map[string]bool{
	"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": true, // Uniswap V2 Router
	"0xe592427a0aece92de3edee1f18e0157c05861564": true, // Uniswap V3 Router
}

// unlimitedApprovalConstant is the 256-bit all-ones value (max uint256).
const unlimitedApprovalConstant = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// oneWholeUnit is 10^18, the chain's base-unit scale for "1 whole unit" comparisons.
var oneWholeUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// extractSelector returns the lowercase 4-byte function selector from calldata,
// or "0x00000000" if the calldata is too short to contain one.
func extractSelector(data string) string {
	hex := strings.TrimPrefix(strings.ToLower(data), "0x")
	if len(hex) < 8 {
		return "0x00000000"
	}
	return "0x" + hex[:8]
}

// depthsByAddress groups the distinct call depths at which each address appears.
func depthsByAddress(traces []domain.CallTrace) map[string]map[int]bool {
	seen := make(map[string]map[int]bool)
	for _, tr := range traces {
		for _, addr := range []string{tr.From, tr.To} {
			if addr == "" {
				continue
			}
			if seen[addr] == nil {
				seen[addr] = make(map[int]bool)
			}
			seen[addr][tr.Depth] = true
		}
	}
	return seen
}

// reentrancyCandidate returns the first address (in first-seen trace order)
// that appears at >= 3 distinct call depths, or "" if none does.
func reentrancyCandidate(traces []domain.CallTrace) string {
	depths := depthsByAddress(traces)
	for _, tr := range traces {
		for _, addr := range []string{tr.From, tr.To} {
			if addr == "" {
				continue
			}
			if len(depths[addr]) >= 3 {
				return addr
			}
		}
	}
	return ""
}

func maxDepth(traces []domain.CallTrace) int {
	max := 0
	for _, tr := range traces {
		if tr.Depth > max {
			max = tr.Depth
		}
	}
	return max
}

// callDigest renders a short, bounded human-readable summary of the call chain.
func callDigest(traces []domain.CallTrace) string {
	if len(traces) == 0 {
		return "(no calls)"
	}
	const maxEntries = 5
	var b strings.Builder
	for i, tr := range traces {
		if i >= maxEntries {
			fmt.Fprintf(&b, " ... (%d more)", len(traces)-maxEntries)
			break
		}
		if i > 0 {
			b.WriteString(" -> ")
		}
		fmt.Fprintf(&b, "[%d]%s", tr.Depth, tr.To)
	}
	return b.String()
}

// AnalyzeTrace computes call count/depth and flags trace-derived risks, in
// the declared order: deep_call_stack, dangerous_selector, reentrancy, delegatecall.
func AnalyzeTrace(traces []domain.CallTrace, from, to, value string) domain.TraceAnalysis {
	analysis := domain.TraceAnalysis{
		CallCount:  len(traces),
		MaxDepth:   maxDepth(traces),
		CallDigest: callDigest(traces),
	}

	if analysis.MaxDepth > 20 {
		analysis.Findings = append(analysis.Findings, domain.AttackFinding{
			Type:       domain.FindingDeepCallStack,
			Severity:   domain.SeverityWarning,
			Confidence: 1.0,
			Detail:     map[string]any{"maxDepth": analysis.MaxDepth},
		})
	}

	for _, tr := range traces {
		selector := extractSelector(tr.Input)
		if name, known := dangerousSelectors[selector]; known {
			analysis.Findings = append(analysis.Findings, domain.AttackFinding{
				Type:       domain.FindingDangerousSelector,
				Severity:   domain.SeverityWarning,
				Confidence: 0.5,
				Detail:     map[string]any{"selector": selector, "function": name, "to": tr.To},
			})
			break
		}
	}

	if addr := reentrancyCandidate(traces); addr != "" {
		analysis.Findings = append(analysis.Findings, domain.AttackFinding{
			Type:       domain.FindingReentrancy,
			Severity:   domain.SeverityHigh,
			Confidence: 0.7,
			Detail:     map[string]any{"address": addr},
		})
	}

	for _, tr := range traces {
		if strings.Contains(strings.ToLower(tr.Input+tr.Output), "delegatecall") {
			analysis.Findings = append(analysis.Findings, domain.AttackFinding{
				Type:       domain.FindingDangerousSelector,
				Severity:   domain.SeverityHigh,
				Confidence: 0.6,
				Detail:     map[string]any{"reason": "delegatecall observed in trace"},
			})
			break
		}
	}

	return analysis
}

// nativeDeltas returns the signed native-asset delta (as big.Int) for each holder.
func nativeDeltas(changes []domain.AssetChange) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, c := range changes {
		if c.TokenAddress != domain.NativeAssetAddress {
			continue
		}
		delta, ok := new(big.Int).SetString(c.Delta, 10)
		if !ok {
			continue
		}
		out[c.Holder] = delta
	}
	return out
}

// ScamRegistry looks up whether a contract address is a known scam contract.
// Intentionally pluggable but inert by default: no backing data source is
// wired in (see DESIGN.md open questions).
type ScamRegistry interface {
	IsScam(address string) bool
}

// InertScamRegistry always reports false; the default registry.
type InertScamRegistry struct{}

func (InertScamRegistry) IsScam(string) bool { return false }

// DetectAttack runs the fixed detector set, in declared order, over a
// simulation's traces and asset changes.
func DetectAttack(traces []domain.CallTrace, changes []domain.AssetChange, intent domain.IntentAnalysis) domain.AttackReport {
	var findings []domain.AttackFinding

	// reentrancy
	if addr := reentrancyCandidate(traces); addr != "" {
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingReentrancy,
			Severity:   domain.SeverityHigh,
			Confidence: 0.7,
			Detail:     map[string]any{"address": addr},
		})
	}

	// approval_trap
	for _, tr := range traces {
		if extractSelector(tr.Input) != approveSelector {
			continue
		}
		if officialAllowList[strings.ToLower(tr.To)] {
			continue
		}
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingApprovalTrap,
			Severity:   domain.SeverityCritical,
			Confidence: 0.8,
			Detail:     map[string]any{"to": tr.To},
		})
		break
	}

	deltas := nativeDeltas(changes)
	negOneWhole := new(big.Int).Neg(oneWholeUnit)

	// phishing: first native delta <= -1 whole unit, in asset-change order
	for _, c := range changes {
		if c.TokenAddress != domain.NativeAssetAddress {
			continue
		}
		delta, ok := deltas[c.Holder]
		if ok && delta.Cmp(negOneWhole) <= 0 {
			findings = append(findings, domain.AttackFinding{
				Type:       domain.FindingPhishing,
				Severity:   domain.SeverityHigh,
				Confidence: 0.6,
				Detail:     map[string]any{"holder": c.Holder, "delta": delta.String()},
			})
			break
		}
	}

	// drain: total negative native delta magnitude >= 1 whole unit
	totalNegative := new(big.Int)
	for _, delta := range deltas {
		if delta.Sign() < 0 {
			totalNegative.Add(totalNegative, delta)
		}
	}
	if new(big.Int).Abs(totalNegative).Cmp(oneWholeUnit) >= 0 {
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingDrain,
			Severity:   domain.SeverityHigh,
			Confidence: 0.7,
			Detail:     map[string]any{"totalDelta": totalNegative.String()},
		})
	}

	// flashloan: literal substring anywhere in a serialized trace entry
	for _, tr := range traces {
		blob := strings.ToLower(tr.From + tr.To + tr.Input + tr.Output)
		if strings.Contains(blob, "flashloan") {
			findings = append(findings, domain.AttackFinding{
				Type:       domain.FindingFlashloan,
				Severity:   domain.SeverityHigh,
				Confidence: 0.8,
			})
			break
		}
	}

	score := RiskScore(findings)
	return domain.AttackReport{
		Findings:  findings,
		RiskScore: score,
		RiskLevel: RiskLevelForScore(score),
	}
}

// CheckRiskPatterns is a lightweight static check usable before a simulation
// result exists (the planner's static_analysis task): unlimited-approval
// constant detection and scam-registry lookup. The calldata's selector is not
// looked up; dangerous selectors are flagged only by AnalyzeTrace.
func CheckRiskPatterns(to, data string, registry ScamRegistry) []domain.AttackFinding {
	var findings []domain.AttackFinding

	if strings.Contains(strings.ToLower(data), unlimitedApprovalConstant) {
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingUnlimitedApproval,
			Severity:   domain.SeverityHigh,
			Confidence: 1.0,
		})
	}

	if registry != nil && registry.IsScam(strings.ToLower(to)) {
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingScamContract,
			Severity:   domain.SeverityCritical,
			Confidence: 1.0,
			Detail:     map[string]any{"address": to},
		})
	}

	return findings
}

// RiskScore sums severity-weight x confidence across findings, capped at 1.0.
func RiskScore(findings []domain.AttackFinding) float64 {
	var total float64
	for _, f := range findings {
		total += domain.SeverityWeight(f.Severity) * f.Confidence
	}
	if total > 1.0 {
		total = 1.0
	}
	return total
}

// RiskLevelForScore maps a risk score to its level: >=0.7 CRITICAL, >=0.4 WARNING, else SAFE.
func RiskLevelForScore(score float64) domain.RiskLevel {
	switch {
	case score >= 0.7:
		return domain.RiskCritical
	case score >= 0.4:
		return domain.RiskWarning
	default:
		return domain.RiskSafe
	}
}
