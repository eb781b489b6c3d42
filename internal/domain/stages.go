package domain

// StageName identifies a pipeline stage for history tracking and dispatch.
type StageName string

const (
	StagePerception StageName = "perception"
	StagePlanner    StageName = "planner"
	StageExecutor   StageName = "executor"
	StageReflection StageName = "reflection"
	StageAggregator StageName = "aggregator"
)

// IntentCategory is the closed set perception.ParseIntent classifies into.
type IntentCategory string

const (
	IntentSwap     IntentCategory = "swap"
	IntentApprove  IntentCategory = "approve"
	IntentTransfer IntentCategory = "transfer"
	IntentMint     IntentCategory = "mint"
	IntentStake    IntentCategory = "stake"
	IntentClaim    IntentCategory = "claim"
	IntentUnknown  IntentCategory = "unknown"
)

// Complexity is the closed set perception.Classify assigns.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// IntentAnalysis is parse_intent's output.
type IntentAnalysis struct {
	Category         IntentCategory
	Amounts          []float64
	SlippageTolerance *float64
	Raw              string
}

// PerceptionOutput is the Perception stage's variant of the stage-result tagged sum.
type PerceptionOutput struct {
	Intent     IntentAnalysis
	Tx         TransactionRequest
	Complexity Complexity
	NextStep   StageName
	Warnings   []string
}

// PlanTask is one node of the planner's DAG.
type PlanTask struct {
	ID         string
	Capability string
	Action     string
	Params     map[string]any
	Priority   Priority
	DependsOn  []string
}

// Priority is the closed set of plan-task priorities.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// PriorityValue maps a priority to its tie-break numeric rank.
func PriorityValue(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ResourceEstimate is the planner's informational sizing attached to a plan.
type ResourceEstimate struct {
	EstimatedTimeSeconds int
	MemoryMB             int
	RequiredCapabilities []string
}

// PlanOutput is the Planner stage's variant of the stage-result tagged sum.
type PlanOutput struct {
	Tasks            []PlanTask
	ParallelGroups   [][]string
	ResourceEstimate ResourceEstimate
	Warnings         []string
}

// TaskResult is one capability invocation's outcome within the Executor.
type TaskResult struct {
	TaskID  string
	Success bool
	Error   string
	Kind    FailureKind
}

// FailureKind classifies a task failure for Reflection's retry policy.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureTimeout        FailureKind = "timeout"
	FailureExecutionError FailureKind = "execution_error"
	FailureValidation     FailureKind = "validation"
)

// ExecutionOutput is the Executor stage's variant of the stage-result tagged sum.
type ExecutionOutput struct {
	Simulation     *SimulationResult
	TraceAnalysis  *TraceAnalysis
	AttackReport   *AttackReport
	TaskResults    []TaskResult
	OverallSuccess bool
	EnvironmentID  string // set when an isolation environment was created for this audit
}

// TraceAnalysis is forensics.AnalyzeTrace's output.
type TraceAnalysis struct {
	CallCount  int
	MaxDepth   int
	CallDigest string
	Findings   []AttackFinding
}

// AttackReport is forensics.DetectAttack's output.
type AttackReport struct {
	Findings  []AttackFinding
	RiskScore float64
	RiskLevel RiskLevel
}

// ReflectionOutput is the Reflection stage's variant of the stage-result tagged sum.
type ReflectionOutput struct {
	Success bool
	// Confidence is Reflection's confidence in the verdict, independent of
	// RiskLevel.
	Confidence float64
	// Anomalies carries every anomaly string the simulator and Reflection
	// observed, for logging and evidence purposes; not all of these warrant
	// a critical finding.
	Anomalies []string
	// CriticalAnomalies is the subset of Anomalies that Aggregator must
	// promote to critical findings (currently: unexpected native-asset
	// outflow).
	CriticalAnomalies []string
	RiskLevel         RiskLevel
	ShouldRetry       bool
	RetryStrategy     RetryStrategy
	ImprovementNotes  []string
}

// RetryStrategy is the closed set of retry strategies Reflection may select.
type RetryStrategy string

const (
	RetryNone            RetryStrategy = ""
	RetryIncreaseTimeout RetryStrategy = "increase_timeout"
	RetryStateOverride   RetryStrategy = "state_override"
	RetrySimple          RetryStrategy = "simple_retry"
)

// StageOutput is the tagged sum of per-stage results threaded through AuditContext.
// Exactly one field is non-nil per stage that has run; downstream stages read the
// variant they expect instead of walking a string-keyed bag.
type StageOutput struct {
	Perception *PerceptionOutput
	Plan       *PlanOutput
	Execution  *ExecutionOutput
	Reflection *ReflectionOutput
}
