package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

// ContainerSimBackend shells to a container runtime to start a locked-down
// sleeper container: no new privileges, all capabilities dropped, read-only
// root filesystem, explicit memory/CPU limits. Preferred for tests since it
// needs no cloud credentials.
type ContainerSimBackend struct {
	Runtime string // e.g. "docker" or "podman"
	Image   string
}

func (b ContainerSimBackend) Name() string { return "container-sim" }

func (b ContainerSimBackend) Bootstrap(ctx context.Context, memoryMB, cpus int) (string, error) {
	runtime := b.Runtime
	if runtime == "" {
		runtime = "docker"
	}
	args := []string{
		"run", "-d",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--cpus", strconv.Itoa(cpus),
		b.Image,
		"sleep", "infinity",
	}
	out, err := exec.CommandContext(ctx, runtime, args...).Output()
	if err != nil {
		return "", &domain.EnvironmentError{Component: "isolation.container-sim", Message: err.Error()}
	}
	return trimNewline(out), nil
}

func (b ContainerSimBackend) Teardown(ctx context.Context, handle string) error {
	runtime := b.Runtime
	if runtime == "" {
		runtime = "docker"
	}
	if err := exec.CommandContext(ctx, runtime, "rm", "-f", handle).Run(); err != nil {
		return &domain.EnvironmentError{Component: "isolation.container-sim", Message: err.Error()}
	}
	return nil
}

// CloudEnclaveBackend shells to a native enclave-runner CLI to bring up a
// cloud confidential-computing instance.
type CloudEnclaveBackend struct {
	RunnerPath string
}

func (b CloudEnclaveBackend) Name() string { return "cloud-enclave" }

func (b CloudEnclaveBackend) Bootstrap(ctx context.Context, memoryMB, cpus int) (string, error) {
	runner := b.RunnerPath
	if runner == "" {
		runner = "enclave-runner"
	}
	out, err := exec.CommandContext(ctx, runner, "create",
		"--memory-mb", strconv.Itoa(memoryMB),
		"--cpus", strconv.Itoa(cpus),
	).Output()
	if err != nil {
		return "", &domain.EnvironmentError{Component: "isolation.cloud-enclave", Message: err.Error()}
	}
	return trimNewline(out), nil
}

func (b CloudEnclaveBackend) Teardown(ctx context.Context, handle string) error {
	runner := b.RunnerPath
	if runner == "" {
		runner = "enclave-runner"
	}
	if err := exec.CommandContext(ctx, runner, "destroy", handle).Run(); err != nil {
		return &domain.EnvironmentError{Component: "isolation.cloud-enclave", Message: err.Error()}
	}
	return nil
}

// SGXBackend is an unimplemented placeholder: Intel SGX support requires
// hardware and driver integration that is out of scope here. Every call
// reports a clear, 501-mappable error rather than silently degrading to a
// different backend.
type SGXBackend struct{}

func (SGXBackend) Name() string { return "sgx" }

func (SGXBackend) Bootstrap(context.Context, int, int) (string, error) {
	return "", &domain.UnimplementedError{Backend: "sgx"}
}

func (SGXBackend) Teardown(context.Context, string) error {
	return &domain.UnimplementedError{Backend: "sgx"}
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
