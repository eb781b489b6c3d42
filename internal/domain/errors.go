package domain

import "fmt"

// ValidationError marks a malformed request: bad address, bad value, missing field.
// Never retried; the transport maps it to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// EnvironmentError marks a capability-provider startup failure: simulator binary
// missing, port exhaustion, isolation backend unavailable.
type EnvironmentError struct {
	Component string
	Message   string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment: %s: %s", e.Component, e.Message)
}

// TimeoutError marks an RPC call, subprocess startup, or per-audit deadline expiry.
// Fatal is true only for the top-level per-audit deadline.
type TimeoutError struct {
	Operation string
	Fatal     bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Operation)
}

// InvariantError marks an internal consistency violation: a stage output missing
// when a downstream stage expected it. Always fatal, names the offending stage.
type InvariantError struct {
	Stage   StageName
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in stage %q: %s", e.Stage, e.Message)
}

// UnimplementedError marks a capability-provider backend that is a deliberate
// placeholder (the SGX isolation backend). The transport maps it to HTTP 501.
type UnimplementedError struct {
	Backend string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("backend %q is not implemented", e.Backend)
}

// StageErrorReport is returned to the transport when a stage fails without a
// known recovery and no usable downstream data exists.
type StageErrorReport struct {
	Success      bool        `json:"success"`
	ErrorStage   StageName   `json:"errorStage"`
	ErrorMessage string      `json:"errorMessage"`
	History      []StageName `json:"executionHistory"`
}

func (e *StageErrorReport) Error() string {
	return fmt.Sprintf("stage %q failed: %s", e.ErrorStage, e.ErrorMessage)
}
