// Package executor runs the capability invocations the pipeline needs: a
// fast path for simple/medium-complexity transactions, and a plan path that
// replays a planner.PlanOutput's parallel groups. Dispatch is an explicit
// (capability, action) -> function table — never a string-keyed reflection
// lookup.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rawblock/txaudit-engine/internal/domain"
	"github.com/rawblock/txaudit-engine/internal/forensics"
	"github.com/rawblock/txaudit-engine/internal/isolation"
	"github.com/rawblock/txaudit-engine/internal/simulator"
)

// Capabilities bundles the providers the executor dispatches into. All
// fields are required except ScamRegistry, which defaults to an inert
// always-false implementation.
type Capabilities struct {
	Pool         *simulator.Pool
	Isolation    *isolation.Manager
	ScamRegistry forensics.ScamRegistry
}

// Executor runs capability invocations against one set of Capabilities.
type Executor struct {
	caps Capabilities
}

func New(caps Capabilities) *Executor {
	if caps.ScamRegistry == nil {
		caps.ScamRegistry = forensics.InertScamRegistry{}
	}
	return &Executor{caps: caps}
}

// state accumulates results across task invocations; guarded by mu because
// tasks within a parallel group run concurrently.
type state struct {
	mu            sync.Mutex
	simulation    *domain.SimulationResult
	traceAnalysis *domain.TraceAnalysis
	attackReport  *domain.AttackReport
	results       []domain.TaskResult
	envID         string
}

func (s *state) addResult(r domain.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// taskFunc performs one plan task's side effect against shared state.
type taskFunc func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error

func (e *Executor) dispatchTable() map[string]taskFunc {
	return map[string]taskFunc{
		"forensics:check_risk_patterns": func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error {
			findings := forensics.CheckRiskPatterns(tx.To, tx.Data, e.caps.ScamRegistry)
			st.mu.Lock()
			if st.attackReport == nil {
				st.attackReport = &domain.AttackReport{}
			}
			st.attackReport.Findings = append(st.attackReport.Findings, findings...)
			st.mu.Unlock()
			return nil
		},
		"isolation:create": func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error {
			envID, err := e.caps.Isolation.Create(ctx, 512, 1)
			if err != nil {
				return err
			}
			st.mu.Lock()
			st.envID = envID
			st.mu.Unlock()
			return nil
		},
		"simulator:simulate": func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error {
			var simErr error
			poolErr := e.caps.Pool.Simulate(ctx, func(sim *simulator.Simulator) error {
				result, err := sim.Simulate(ctx, tx, nil)
				if err != nil {
					simErr = err
					return err
				}
				st.mu.Lock()
				st.simulation = &result
				st.mu.Unlock()
				return nil
			})
			if poolErr != nil {
				return poolErr
			}
			return simErr
		},
		"forensics:analyze_trace": func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error {
			st.mu.Lock()
			sim := st.simulation
			st.mu.Unlock()
			if sim == nil || !sim.Success {
				return nil
			}
			analysis := forensics.AnalyzeTrace(sim.CallTraces, tx.From, tx.To, tx.Value)
			st.mu.Lock()
			st.traceAnalysis = &analysis
			st.mu.Unlock()
			return nil
		},
		"forensics:detect_attack": func(ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) error {
			st.mu.Lock()
			sim := st.simulation
			st.mu.Unlock()
			if sim == nil || !sim.Success {
				return nil
			}
			report := forensics.DetectAttack(sim.CallTraces, sim.AssetChanges, intent)
			st.mu.Lock()
			if st.attackReport == nil {
				st.attackReport = &report
			} else {
				st.attackReport.Findings = append(st.attackReport.Findings, report.Findings...)
				st.attackReport.RiskScore = forensics.RiskScore(st.attackReport.Findings)
				st.attackReport.RiskLevel = forensics.RiskLevelForScore(st.attackReport.RiskScore)
			}
			st.mu.Unlock()
			return nil
		},
	}
}

// RunFastPath runs the no-plan sequence: simulate, then (on success) analyze
// trace and detect attack.
func (e *Executor) RunFastPath(ctx context.Context, tx domain.TransactionRequest, intent domain.IntentAnalysis) (domain.ExecutionOutput, error) {
	st := &state{}
	table := e.dispatchTable()

	steps := []string{"simulator:simulate", "forensics:analyze_trace", "forensics:detect_attack"}
	for _, key := range steps {
		err := runStepSafely(table[key], ctx, domain.PlanTask{ID: key}, tx, intent, st)
		result := domain.TaskResult{TaskID: key, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
			result.Kind = classifyFailure(ctx, err)
		}
		st.addResult(result)
		if err != nil && key == "simulator:simulate" {
			// Without a usable simulation there is nothing for the
			// remaining steps to analyze; stop the fast path here.
			break
		}
	}

	return e.finish(st), nil
}

// RunPlan replays a planner.PlanOutput's parallel groups: every task in a
// group starts before any task in the next group is considered; a critical
// task's failure aborts the remaining groups, a non-critical failure is
// recorded and the group continues.
func (e *Executor) RunPlan(ctx context.Context, tx domain.TransactionRequest, intent domain.IntentAnalysis, plan domain.PlanOutput) (domain.ExecutionOutput, error) {
	st := &state{}
	table := e.dispatchTable()
	byID := make(map[string]domain.PlanTask, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	for _, group := range plan.ParallelGroups {
		var wg sync.WaitGroup
		var abort atomic.Bool

		for _, id := range group {
			task := byID[id]
			wg.Add(1)
			go func(task domain.PlanTask) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						st.addResult(domain.TaskResult{TaskID: task.ID, Success: false, Error: fmt.Sprintf("panic: %v", r), Kind: domain.FailureExecutionError})
						if task.Priority == domain.PriorityCritical {
							abort.Store(true)
						}
					}
				}()

				key := task.Capability + ":" + task.Action
				fn, known := table[key]
				if !known {
					st.addResult(domain.TaskResult{TaskID: task.ID, Success: false, Error: fmt.Sprintf("no handler for %s", key), Kind: domain.FailureValidation})
					if task.Priority == domain.PriorityCritical {
						abort.Store(true)
					}
					return
				}

				err := fn(ctx, task, tx, intent, st)
				result := domain.TaskResult{TaskID: task.ID, Success: err == nil}
				if err != nil {
					result.Error = err.Error()
					result.Kind = classifyFailure(ctx, err)
					if task.Priority == domain.PriorityCritical {
						abort.Store(true)
					}
				}
				st.addResult(result)
			}(task)
		}

		wg.Wait()
		if abort.Load() {
			break
		}
	}

	return e.finish(st), nil
}

// runStepSafely recovers a panicking task function and reports it as an
// execution-error failure rather than crashing the pipeline. The plan path
// recovers per-task inside its own goroutines; this gives the fast path the
// same guarantee for its sequential, non-goroutine steps.
func runStepSafely(fn taskFunc, ctx context.Context, task domain.PlanTask, tx domain.TransactionRequest, intent domain.IntentAnalysis, st *state) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, task, tx, intent, st)
}

func classifyFailure(ctx context.Context, err error) domain.FailureKind {
	if ctx.Err() != nil {
		return domain.FailureTimeout
	}
	if _, ok := err.(*domain.ValidationError); ok {
		return domain.FailureValidation
	}
	return domain.FailureExecutionError
}

// finish declares overall success when more than half the invoked tasks
// succeeded, and copies the aggregated simulation result into its dedicated
// slot so downstream stages read it without walking the task-result list.
func (e *Executor) finish(st *state) domain.ExecutionOutput {
	succeeded := 0
	for _, r := range st.results {
		if r.Success {
			succeeded++
		}
	}
	overall := len(st.results) > 0 && succeeded*2 > len(st.results)

	return domain.ExecutionOutput{
		Simulation:     st.simulation,
		TraceAnalysis:  st.traceAnalysis,
		AttackReport:   st.attackReport,
		TaskResults:    st.results,
		OverallSuccess: overall,
		EnvironmentID:  st.envID,
	}
}
