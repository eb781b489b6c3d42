// Package aggregator fuses the Executor's attack report and Reflection's
// quality assessment into the pipeline's final Verdict.
package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

var recommendationTemplates = map[domain.RiskLevel][]string{
	domain.RiskSafe:     {"No action required; transaction appears safe to proceed."},
	domain.RiskWarning:  {"Review the flagged findings before proceeding.", "Consider a smaller test transaction first."},
	domain.RiskCritical: {"Do not sign this transaction.", "Revoke any existing approvals to the involved contract."},
}

// Aggregate produces the final verdict from the Executor and Reflection outputs.
func Aggregate(tx domain.TransactionRequest, execution domain.ExecutionOutput, reflection domain.ReflectionOutput) domain.Verdict {
	riskLevel := reflection.RiskLevel
	riskScore := 0.0
	var attackFindings []domain.AttackFinding
	if execution.AttackReport != nil {
		riskLevel = domain.MaxRiskLevel(riskLevel, execution.AttackReport.RiskLevel)
		riskScore = execution.AttackReport.RiskScore
		attackFindings = execution.AttackReport.Findings
	}

	findings := dedupeFindings(anomalyFindings(reflection.CriticalAnomalies), attackFindings)

	recommendations := append([]string{}, recommendationTemplates[riskLevel]...)
	recommendations = append(recommendations, reflection.ImprovementNotes...)

	summary := summaryFor(riskLevel, reflection.Confidence)
	if execution.Simulation != nil && !execution.Simulation.Success {
		summary += " Simulated execution failed."
	}

	return domain.Verdict{
		RiskLevel:       riskLevel,
		Confidence:      reflection.Confidence,
		RiskScore:       riskScore,
		Summary:         summary,
		Findings:        findings,
		Recommendations: recommendations,
		Evidence:        evidenceFor(execution),
		Transaction:     tx,
	}
}

// anomalyFindings promotes Reflection's critical anomaly strings (not the
// full pass-through anomaly list) into AttackFindings so they participate in
// the same dedup/union pass as the rule-engine findings.
func anomalyFindings(anomalies []string) []domain.AttackFinding {
	var findings []domain.AttackFinding
	for _, a := range anomalies {
		findings = append(findings, domain.AttackFinding{
			Type:       domain.FindingDrain,
			Severity:   domain.SeverityCritical,
			Confidence: 1.0,
			Detail:     map[string]any{"anomaly": a},
		})
	}
	return findings
}

// dedupeFindings unions two finding sets, deduplicating by (type, detail
// digest) while preserving first-seen order.
func dedupeFindings(sets ...[]domain.AttackFinding) []domain.AttackFinding {
	seen := make(map[string]bool)
	var out []domain.AttackFinding
	for _, set := range sets {
		for _, f := range set {
			key := string(f.Type) + ":" + detailDigest(f.Detail)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out
}

func detailDigest(detail map[string]any) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for _, k := range keys {
		b = append(b, []byte(fmt.Sprintf("%s=%v;", k, detail[k]))...)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// evidenceFor builds the evidence bundle: the first five asset changes, a
// call-chain depth/count summary, and a short digest.
func evidenceFor(execution domain.ExecutionOutput) domain.Evidence {
	var evidence domain.Evidence
	if execution.Simulation != nil {
		changes := execution.Simulation.AssetChanges
		if len(changes) > 5 {
			changes = changes[:5]
		}
		evidence.AssetChanges = changes
	}
	if execution.TraceAnalysis != nil {
		evidence.CallChainDepth = execution.TraceAnalysis.MaxDepth
		evidence.CallCount = execution.TraceAnalysis.CallCount
		evidence.CallDigest = execution.TraceAnalysis.CallDigest
	}
	if execution.Simulation != nil {
		for _, log := range execution.Simulation.EventLogs {
			if len(log.Topics) == 0 {
				continue
			}
			evidence.EventDigests = append(evidence.EventDigests, log.Topics[0])
		}
	}
	return evidence
}

func summaryFor(level domain.RiskLevel, confidence float64) string {
	pct := int(confidence*100 + 0.5)
	switch level {
	case domain.RiskCritical:
		return fmt.Sprintf("Critical risk detected (%d%% confidence); do not proceed without review.", pct)
	case domain.RiskWarning:
		return fmt.Sprintf("Potential risk detected (%d%% confidence); proceed with caution.", pct)
	default:
		return fmt.Sprintf("No significant risk detected (%d%% confidence).", pct)
	}
}
