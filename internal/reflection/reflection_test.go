package reflection

import (
	"testing"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

func TestRunConfidenceOnSimulationFailure(t *testing.T) {
	out := Run(Input{Execution: domain.ExecutionOutput{
		Simulation: &domain.SimulationResult{Success: false},
	}})
	if out.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", out.Confidence)
	}
	if out.Success {
		t.Error("expected success=false")
	}
}

func TestRunConfidenceRisesOnHighRiskScore(t *testing.T) {
	out := Run(Input{Execution: domain.ExecutionOutput{
		Simulation:   &domain.SimulationResult{Success: true},
		AttackReport: &domain.AttackReport{RiskScore: 0.8, RiskLevel: domain.RiskCritical},
	}})
	if out.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", out.Confidence)
	}
}

func TestRunFlagsUnexpectedOutflow(t *testing.T) {
	out := Run(Input{Execution: domain.ExecutionOutput{
		Simulation: &domain.SimulationResult{
			Success: true,
			AssetChanges: []domain.AssetChange{
				{Holder: "0xvictim", TokenAddress: domain.NativeAssetAddress, Delta: "-2000000000000000000"},
			},
		},
	}})
	if len(out.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %v", out.Anomalies)
	}
	if out.RiskLevel != domain.RiskCritical {
		t.Errorf("risk level = %q, want critical", out.RiskLevel)
	}
}

func TestRunCarriesSimulatorRiskLevelForward(t *testing.T) {
	out := Run(Input{Execution: domain.ExecutionOutput{
		Simulation: &domain.SimulationResult{Success: false, RiskLevel: domain.RiskWarning},
	}})
	if out.RiskLevel != domain.RiskWarning {
		t.Errorf("risk level = %q, want warning (carried from simulator)", out.RiskLevel)
	}
}

func TestRetryGrantedOnTimeoutBelowMax(t *testing.T) {
	in := Input{
		Execution: domain.ExecutionOutput{
			TaskResults: []domain.TaskResult{{TaskID: "simulate_tx", Success: false, Kind: domain.FailureTimeout}},
		},
		RetryCount: 0,
		MaxRetries: 2,
	}
	out := Run(in)
	if !out.ShouldRetry || out.RetryStrategy != domain.RetryIncreaseTimeout {
		t.Errorf("expected retry with increase_timeout, got retry=%v strategy=%q", out.ShouldRetry, out.RetryStrategy)
	}
}

func TestRetryDeniedAtMaxRetries(t *testing.T) {
	in := Input{
		Execution: domain.ExecutionOutput{
			TaskResults: []domain.TaskResult{{TaskID: "simulate_tx", Success: false, Kind: domain.FailureTimeout}},
		},
		RetryCount: 2,
		MaxRetries: 2,
	}
	out := Run(in)
	if out.ShouldRetry {
		t.Error("expected no retry once the retry counter reaches max_retries")
	}
}

func TestRetryDeniedOnValidationFailure(t *testing.T) {
	in := Input{
		Execution: domain.ExecutionOutput{
			TaskResults: []domain.TaskResult{{TaskID: "static_analysis", Success: false, Kind: domain.FailureValidation}},
		},
		RetryCount: 0,
		MaxRetries: 2,
	}
	out := Run(in)
	if out.ShouldRetry {
		t.Error("validation failures should never trigger a retry")
	}
}

func TestRetryStateOverrideWhenSimulationFailed(t *testing.T) {
	in := Input{
		Execution: domain.ExecutionOutput{
			Simulation:  &domain.SimulationResult{Success: false},
			TaskResults: []domain.TaskResult{{TaskID: "simulate_tx", Success: false, Kind: domain.FailureExecutionError}},
		},
		RetryCount: 0,
		MaxRetries: 2,
	}
	out := Run(in)
	if out.RetryStrategy != domain.RetryStateOverride {
		t.Errorf("strategy = %q, want state_override", out.RetryStrategy)
	}
}
