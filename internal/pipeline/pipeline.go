// Package pipeline orchestrates the five-stage audit: Perception, an
// optional Planner pass, Executor, a bounded Reflection retry loop, and
// Aggregator. It owns the per-audit deadline and guarantees capability
// cleanup on every exit path.
package pipeline

import (
	"context"
	"time"

	"github.com/rawblock/txaudit-engine/internal/aggregator"
	"github.com/rawblock/txaudit-engine/internal/config"
	"github.com/rawblock/txaudit-engine/internal/domain"
	"github.com/rawblock/txaudit-engine/internal/executor"
	"github.com/rawblock/txaudit-engine/internal/isolation"
	"github.com/rawblock/txaudit-engine/internal/metrics"
	"github.com/rawblock/txaudit-engine/internal/perception"
	"github.com/rawblock/txaudit-engine/internal/planner"
	"github.com/rawblock/txaudit-engine/internal/reflection"
)

// Pipeline runs audits against one configuration and one set of capability
// providers. Safe for concurrent use by multiple in-flight audits, as long
// as the underlying Executor's capabilities (simulator pool, isolation
// manager) are themselves safe for concurrent acquisition.
type Pipeline struct {
	cfg      config.Config
	exec     *executor.Executor
	isolator *isolation.Manager
}

func New(cfg config.Config, exec *executor.Executor, isolator *isolation.Manager) *Pipeline {
	return &Pipeline{cfg: cfg, exec: exec, isolator: isolator}
}

// Result bundles a successful verdict with the stage history, for callers
// (the transport layer) that want to log or display it.
type Result struct {
	Verdict domain.Verdict
	History []domain.StageName
}

// Run executes the full pipeline for one transaction and free-form intent
// string. On success it returns a Result; on failure it returns the
// perception stage's validation error, a *domain.TimeoutError when the audit
// deadline passes, or a *domain.StageErrorReport describing where a later
// stage stopped and why.
func (p *Pipeline) Run(ctx context.Context, userIntent string, raw perception.RawTransaction) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.Timeout)
	defer cancel()

	var history []domain.StageName
	var createdEnvIDs []string

	// Guaranteed cleanup on every exit path: stop every isolation environment
	// this audit created, one per executor pass.
	defer func() {
		if len(createdEnvIDs) > 0 {
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), p.cfg.Simulator.Timeout)
			defer cleanupCancel()
			for _, id := range createdEnvIDs {
				_ = p.isolator.Destroy(cleanupCtx, id)
			}
		}
	}()

	perceptionStart := time.Now()
	perceptionOut, err := perception.Run(userIntent, raw)
	metrics.StageDuration.WithLabelValues(string(domain.StagePerception)).Observe(time.Since(perceptionStart).Seconds())
	if err != nil {
		return Result{}, err
	}
	history = append(history, domain.StagePerception)

	var planOut *domain.PlanOutput
	if perceptionOut.NextStep == domain.StagePlanner && !p.cfg.Pipeline.SkipPlanner {
		plannerStart := time.Now()
		plan := planner.Plan(perceptionOut.Tx, perceptionOut.Intent)
		metrics.StageDuration.WithLabelValues(string(domain.StagePlanner)).Observe(time.Since(plannerStart).Seconds())
		planOut = &plan
		history = append(history, domain.StagePlanner)
	}

	retryCount := 0
	var execOut domain.ExecutionOutput

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, &domain.TimeoutError{Operation: "audit", Fatal: true}
		}

		executorStart := time.Now()
		if planOut != nil {
			execOut, err = p.exec.RunPlan(ctx, perceptionOut.Tx, perceptionOut.Intent, *planOut)
		} else {
			execOut, err = p.exec.RunFastPath(ctx, perceptionOut.Tx, perceptionOut.Intent)
		}
		metrics.StageDuration.WithLabelValues(string(domain.StageExecutor)).Observe(time.Since(executorStart).Seconds())
		if execOut.EnvironmentID != "" && (len(createdEnvIDs) == 0 || createdEnvIDs[len(createdEnvIDs)-1] != execOut.EnvironmentID) {
			createdEnvIDs = append(createdEnvIDs, execOut.EnvironmentID)
		}
		if err != nil {
			metrics.AuditErrors.WithLabelValues(string(domain.StageExecutor)).Inc()
			return Result{}, &domain.StageErrorReport{
				Success:      false,
				ErrorStage:   domain.StageExecutor,
				ErrorMessage: err.Error(),
				History:      history,
			}
		}
		history = append(history, domain.StageExecutor)

		reflectionStart := time.Now()
		reflectOut := reflection.Run(reflection.Input{
			Execution:  execOut,
			RetryCount: retryCount,
			MaxRetries: p.cfg.Pipeline.MaxRetries,
		})
		metrics.StageDuration.WithLabelValues(string(domain.StageReflection)).Observe(time.Since(reflectionStart).Seconds())
		history = append(history, domain.StageReflection)

		if reflectOut.ShouldRetry {
			retryCount++
			continue
		}

		if !execOut.OverallSuccess && execOut.Simulation == nil {
			metrics.AuditErrors.WithLabelValues(string(domain.StageExecutor)).Inc()
			return Result{}, &domain.StageErrorReport{
				Success:      false,
				ErrorStage:   domain.StageExecutor,
				ErrorMessage: "executor produced no usable simulation result after exhausting retries",
				History:      history,
			}
		}

		aggregatorStart := time.Now()
		verdict := aggregator.Aggregate(perceptionOut.Tx, execOut, reflectOut)
		metrics.StageDuration.WithLabelValues(string(domain.StageAggregator)).Observe(time.Since(aggregatorStart).Seconds())
		history = append(history, domain.StageAggregator)

		metrics.AuditOutcomes.WithLabelValues(string(verdict.RiskLevel)).Inc()
		metrics.RetryCount.Observe(float64(retryCount))

		return Result{Verdict: verdict, History: history}, nil
	}
}
