// Package reflection decides whether a second execution pass is warranted
// after the Executor stage, and carries a confidence/anomaly assessment
// forward to the Aggregator regardless of the retry decision.
package reflection

import (
	"math/big"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

var oneWholeUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Input is everything Reflection needs from the audit context; it does not
// read the tagged-sum StageOutput directly so it stays unit-testable.
type Input struct {
	Execution  domain.ExecutionOutput
	RetryCount int
	MaxRetries int
}

// Run assesses the Executor stage's output and decides on a retry.
func Run(in Input) domain.ReflectionOutput {
	sim := in.Execution.Simulation

	success := sim != nil && sim.Success
	confidence := 0.7
	if sim == nil || !sim.Success {
		confidence = 0.3
	}

	riskLevel := domain.RiskSafe
	if sim != nil {
		// The simulator may already have flagged a warning-level risk (a
		// failed send, a missing receipt, or an excessive call depth);
		// Reflection upgrades from there rather than discarding it.
		riskLevel = domain.MaxRiskLevel(riskLevel, sim.RiskLevel)
	}
	if in.Execution.AttackReport != nil {
		riskLevel = domain.MaxRiskLevel(riskLevel, in.Execution.AttackReport.RiskLevel)
		if in.Execution.AttackReport.RiskScore > 0.7 {
			confidence = 0.9
		}
	}

	var anomalies []string
	if sim != nil {
		anomalies = append(anomalies, sim.Anomalies...)
	}

	var criticalAnomalies []string
	for _, change := range assetChangesOf(sim) {
		if change.TokenAddress != domain.NativeAssetAddress {
			continue
		}
		delta, ok := new(big.Int).SetString(change.Delta, 10)
		if !ok {
			continue
		}
		if delta.Sign() < 0 && new(big.Int).Abs(delta).Cmp(oneWholeUnit) >= 0 {
			outflow := "unexpected_outflow: " + change.Holder
			anomalies = append(anomalies, outflow)
			criticalAnomalies = append(criticalAnomalies, outflow)
			riskLevel = domain.MaxRiskLevel(riskLevel, domain.RiskCritical)
		}
	}

	shouldRetry, strategy := retryDecision(in)

	return domain.ReflectionOutput{
		Success:           success,
		Confidence:        confidence,
		Anomalies:         anomalies,
		CriticalAnomalies: criticalAnomalies,
		RiskLevel:         riskLevel,
		ShouldRetry:       shouldRetry,
		RetryStrategy:     strategy,
	}
}

func assetChangesOf(sim *domain.SimulationResult) []domain.AssetChange {
	if sim == nil {
		return nil
	}
	return sim.AssetChanges
}

// retryDecision applies the retry policy: retry only on timeout/execution_error
// failures, and only while the retry counter is below the configured maximum.
// The chosen strategy maps failure kind to an escalation tactic.
func retryDecision(in Input) (bool, domain.RetryStrategy) {
	if in.RetryCount >= in.MaxRetries {
		return false, domain.RetryNone
	}

	var worstKind domain.FailureKind
	for _, r := range in.Execution.TaskResults {
		if r.Success {
			continue
		}
		switch r.Kind {
		case domain.FailureTimeout:
			worstKind = domain.FailureTimeout
		case domain.FailureExecutionError:
			if worstKind != domain.FailureTimeout {
				worstKind = domain.FailureExecutionError
			}
		}
	}

	switch worstKind {
	case domain.FailureTimeout:
		return true, domain.RetryIncreaseTimeout
	case domain.FailureExecutionError:
		if in.Execution.Simulation != nil && !in.Execution.Simulation.Success {
			return true, domain.RetryStateOverride
		}
		return true, domain.RetrySimple
	default:
		return false, domain.RetryNone
	}
}
