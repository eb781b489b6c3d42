package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rawblock/txaudit-engine/internal/config"
	"github.com/rawblock/txaudit-engine/internal/domain"
	"github.com/rawblock/txaudit-engine/internal/executor"
	"github.com/rawblock/txaudit-engine/internal/isolation"
	"github.com/rawblock/txaudit-engine/internal/perception"
)

type fakeIsolationBackend struct{}

func (fakeIsolationBackend) Name() string { return "container-sim" }
func (fakeIsolationBackend) Bootstrap(ctx context.Context, memoryMB, cpus int) (string, error) {
	return "handle", nil
}
func (fakeIsolationBackend) Teardown(ctx context.Context, handle string) error { return nil }

func newTestPipeline() *Pipeline {
	cfg := config.Load()
	cfg.Pipeline.Timeout = 5 * time.Second
	isolator := isolation.NewManager(fakeIsolationBackend{})
	exec := executor.New(executor.Capabilities{Isolation: isolator})
	return New(cfg, exec, isolator)
}

func TestRunRejectsInvalidTransaction(t *testing.T) {
	p := newTestPipeline()

	_, err := p.Run(context.Background(), "swap 1 ETH", perception.RawTransaction{
		From: "not-an-address",
		To:   "0x2222222222222222222222222222222222222222",
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *domain.ValidationError, got %v", err)
	}
}

func TestRunFastPathWithoutSimulatorReportsExecutorStageError(t *testing.T) {
	p := newTestPipeline()

	_, err := p.Run(context.Background(), "transfer", perception.RawTransaction{
		From: "0x1111111111111111111111111111111111111111",
		To:   "0x2222222222222222222222222222222222222222",
	})
	var report *domain.StageErrorReport
	if !errors.As(err, &report) {
		t.Fatalf("expected *domain.StageErrorReport (no simulator pool configured), got %v", err)
	}
	if report.ErrorStage != domain.StageExecutor {
		t.Errorf("error stage = %q, want executor", report.ErrorStage)
	}
}
