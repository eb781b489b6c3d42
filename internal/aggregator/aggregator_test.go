package aggregator

import (
	"testing"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

func TestAggregateRiskLevelIsMaxOfContributors(t *testing.T) {
	execution := domain.ExecutionOutput{
		AttackReport: &domain.AttackReport{RiskLevel: domain.RiskWarning, RiskScore: 0.5},
	}
	reflection := domain.ReflectionOutput{RiskLevel: domain.RiskCritical, Confidence: 0.9}

	verdict := Aggregate(domain.TransactionRequest{}, execution, reflection)
	if verdict.RiskLevel != domain.RiskCritical {
		t.Errorf("risk level = %q, want critical", verdict.RiskLevel)
	}
	if verdict.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9 (carried from reflection)", verdict.Confidence)
	}
}

func TestAggregateDedupesFindingsPreservingOrder(t *testing.T) {
	execution := domain.ExecutionOutput{
		AttackReport: &domain.AttackReport{
			Findings: []domain.AttackFinding{
				{Type: domain.FindingDrain, Severity: domain.SeverityHigh, Confidence: 0.7, Detail: map[string]any{"anomaly": "unexpected_outflow: 0xvictim"}},
				{Type: domain.FindingFlashloan, Severity: domain.SeverityHigh, Confidence: 0.8},
			},
		},
	}
	reflection := domain.ReflectionOutput{
		CriticalAnomalies: []string{"unexpected_outflow: 0xvictim"},
	}

	verdict := Aggregate(domain.TransactionRequest{}, execution, reflection)
	if len(verdict.Findings) != 2 {
		t.Fatalf("expected 2 deduped findings, got %d: %+v", len(verdict.Findings), verdict.Findings)
	}
	if verdict.Findings[0].Type != domain.FindingDrain {
		t.Errorf("expected drain finding first (first-seen order), got %+v", verdict.Findings[0])
	}
}

func TestAggregateRecommendationsIncludeImprovementNotes(t *testing.T) {
	reflection := domain.ReflectionOutput{RiskLevel: domain.RiskSafe, ImprovementNotes: []string{"consider raising gas limit next time"}}
	verdict := Aggregate(domain.TransactionRequest{}, domain.ExecutionOutput{}, reflection)

	found := false
	for _, r := range verdict.Recommendations {
		if r == "consider raising gas limit next time" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected improvement note to be carried into recommendations, got %v", verdict.Recommendations)
	}
}

func TestAggregateEvidenceCapsAssetChangesAtFive(t *testing.T) {
	var changes []domain.AssetChange
	for i := 0; i < 8; i++ {
		changes = append(changes, domain.AssetChange{Holder: "0xholder"})
	}
	execution := domain.ExecutionOutput{Simulation: &domain.SimulationResult{AssetChanges: changes}}

	verdict := Aggregate(domain.TransactionRequest{}, execution, domain.ReflectionOutput{})
	if len(verdict.Evidence.AssetChanges) != 5 {
		t.Errorf("expected evidence capped at 5 asset changes, got %d", len(verdict.Evidence.AssetChanges))
	}
}

func TestAggregateDoesNotPromoteNonCriticalAnomalies(t *testing.T) {
	reflection := domain.ReflectionOutput{
		RiskLevel: domain.RiskSafe,
		Anomalies: []string{"transaction execution failed", "call depth exceeds 20"},
	}

	verdict := Aggregate(domain.TransactionRequest{}, domain.ExecutionOutput{}, reflection)
	if len(verdict.Findings) != 0 {
		t.Errorf("expected no findings from non-critical anomalies, got %+v", verdict.Findings)
	}
	if verdict.RiskLevel != domain.RiskSafe {
		t.Errorf("risk level = %q, want safe", verdict.RiskLevel)
	}
}

func TestAggregateSummaryMentionsConfidence(t *testing.T) {
	verdict := Aggregate(domain.TransactionRequest{}, domain.ExecutionOutput{}, domain.ReflectionOutput{RiskLevel: domain.RiskSafe, Confidence: 0.8})
	if verdict.Summary == "" {
		t.Error("expected a non-empty summary")
	}
}
