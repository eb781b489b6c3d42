// Package planner builds an explicit task DAG for complex audits: which
// capabilities must run, in what order, and which can run side by side. It
// only runs when Perception routes a transaction to the planner stage.
package planner

import (
	"sort"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

// canonical task set: static analysis first, environment setup in parallel
// with it, then simulate, then the two analyses that consume the
// simulation's output.
const (
	taskStaticAnalysis  = "static_analysis"
	taskSetupEnv        = "setup_environment"
	taskSimulateTx      = "simulate_tx"
	taskTraceAnalysis   = "trace_analysis"
	taskAttackDetection = "attack_detection"
)

// Plan builds the fixed task DAG for the given transaction and intent. Only
// the per-task params vary; priorities and dependency edges are constant.
func Plan(tx domain.TransactionRequest, intent domain.IntentAnalysis) domain.PlanOutput {
	tasks := []domain.PlanTask{
		{
			ID:         taskStaticAnalysis,
			Capability: "forensics",
			Action:     "check_risk_patterns",
			Priority:   domain.PriorityHigh,
			Params:     map[string]any{"to": tx.To, "data": tx.Data},
		},
		{
			ID:         taskSetupEnv,
			Capability: "isolation",
			Action:     "create",
			Priority:   domain.PriorityCritical,
		},
		{
			ID:         taskSimulateTx,
			Capability: "simulator",
			Action:     "simulate",
			Priority:   domain.PriorityCritical,
			DependsOn:  []string{taskSetupEnv},
			Params:     map[string]any{"tx": tx},
		},
		{
			ID:         taskTraceAnalysis,
			Capability: "forensics",
			Action:     "analyze_trace",
			Priority:   domain.PriorityHigh,
			DependsOn:  []string{taskSimulateTx},
		},
		{
			ID:         taskAttackDetection,
			Capability: "forensics",
			Action:     "detect_attack",
			Priority:   domain.PriorityHigh,
			DependsOn:  []string{taskSimulateTx, taskTraceAnalysis},
		},
	}

	groups := groupParallel(tasks)

	var warnings []string
	if intent.Category == domain.IntentUnknown {
		warnings = append(warnings, "planning for an unclassified intent; task set is the generic default")
	}

	return domain.PlanOutput{
		Tasks:          tasks,
		ParallelGroups: groups,
		ResourceEstimate: domain.ResourceEstimate{
			EstimatedTimeSeconds: estimateSeconds(tasks),
			MemoryMB:             512,
			RequiredCapabilities: requiredCapabilities(tasks),
		},
		Warnings: warnings,
	}
}

// topoOrder returns task IDs in dependency-then-priority order: a task is
// ready once every dependency precedes it; among ready tasks, higher
// priority (per domain.PriorityValue) goes first, and ties break on the
// original declaration order for determinism.
func topoOrder(tasks []domain.PlanTask) []string {
	byID := make(map[string]domain.PlanTask, len(tasks))
	declOrder := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byID[t.ID] = t
		declOrder[t.ID] = i
	}

	placed := make(map[string]bool, len(tasks))
	var order []string

	for len(order) < len(tasks) {
		var ready []string
		for _, t := range tasks {
			if placed[t.ID] {
				continue
			}
			if allPlaced(t.DependsOn, placed) {
				ready = append(ready, t.ID)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			pi, pj := domain.PriorityValue(byID[ready[i]].Priority), domain.PriorityValue(byID[ready[j]].Priority)
			if pi != pj {
				return pi > pj
			}
			return declOrder[ready[i]] < declOrder[ready[j]]
		})
		if len(ready) == 0 {
			// Unresolvable dependency cycle: should never happen for the
			// canonical task set. Bail out rather than loop forever.
			break
		}
		for _, id := range ready {
			placed[id] = true
			order = append(order, id)
		}
	}
	return order
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

// groupParallel partitions the topological order into levels: start a new
// group whenever the next task depends on any task already accumulated into
// the current group, otherwise append it to the current group.
func groupParallel(tasks []domain.PlanTask) [][]string {
	byID := make(map[string]domain.PlanTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	order := topoOrder(tasks)
	var groups [][]string
	var current []string
	currentSet := make(map[string]bool)

	for _, id := range order {
		dependsOnCurrent := false
		for _, dep := range byID[id].DependsOn {
			if currentSet[dep] {
				dependsOnCurrent = true
				break
			}
		}
		if dependsOnCurrent {
			groups = append(groups, current)
			current = nil
			currentSet = make(map[string]bool)
		}
		current = append(current, id)
		currentSet[id] = true
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func estimateSeconds(tasks []domain.PlanTask) int {
	// Rough per-capability cost, counted once per distinct capability rather
	// than per task: simulation dominates wall-clock time.
	perCapability := map[string]int{
		"forensics": 1,
		"isolation": 5,
		"simulator": 15,
	}
	total := 0
	seen := make(map[string]bool)
	for _, t := range tasks {
		if seen[t.Capability] {
			continue
		}
		seen[t.Capability] = true
		total += perCapability[t.Capability]
	}
	return total
}

func requiredCapabilities(tasks []domain.PlanTask) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, t := range tasks {
		if seen[t.Capability] {
			continue
		}
		seen[t.Capability] = true
		caps = append(caps, t.Capability)
	}
	sort.Strings(caps)
	return caps
}
