package beadcore

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple not-found cases. Wrap with fmt.Errorf("...: %w")
// at the call site when more context is useful.
var (
	ErrBeadNotFound       = errors.New("bead not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrTimerNotFound      = errors.New("timer not found")
	ErrNoAvailableAgents  = errors.New("no available agents")
	ErrBeadAlreadyClaimed = errors.New("bead already claimed")
)

// InvalidStateTransitionError is returned whenever a caller requests a
// bead transition the state machine does not allow. Work-queue items have
// their own workqueue.ItemTransitionError.
type InvalidStateTransitionError struct {
	BeadID BeadID
	From   BeadState
	To     BeadState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for bead %s: %s -> %s", e.BeadID, e.From, e.To)
}

// HeartbeatTimeoutError is recorded by the health monitor when an agent's
// last heartbeat is older than the configured timeout.
type HeartbeatTimeoutError struct {
	AgentID AgentID
	Elapsed string
}

func (e *HeartbeatTimeoutError) Error() string {
	return fmt.Sprintf("agent %s heartbeat timeout after %s", e.AgentID, e.Elapsed)
}

// HealthCheckFailedError wraps a health-check failure with its cause.
type HealthCheckFailedError struct {
	AgentID AgentID
	Reason  string
}

func (e *HealthCheckFailedError) Error() string {
	return fmt.Sprintf("agent %s health check failed: %s", e.AgentID, e.Reason)
}

// SerializationError is returned when an event cannot be encoded or decoded.
type SerializationError struct {
	Op     string
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %s", e.Op, e.Reason)
}

// SizeExceededError is returned when an encoded event exceeds the maximum
// wire size (1 KiB, spec.md §3/§6).
type SizeExceededError struct {
	Size    int
	MaxSize int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("encoded size %d bytes exceeds maximum %d bytes", e.Size, e.MaxSize)
}

// PersistenceError wraps a failure from the backing KV/SQL store.
type PersistenceError struct {
	Op     string
	Reason string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %s", e.Op, e.Reason)
}

// WorkspaceFailedError wraps a workspace lifecycle failure.
type WorkspaceFailedError struct {
	Workspace string
	Op        string
	Reason    string
}

func (e *WorkspaceFailedError) Error() string {
	return fmt.Sprintf("workspace %q failed during %s: %s", e.Workspace, e.Op, e.Reason)
}

// CommandFailedError wraps a non-zero exit from an injected command runner.
type CommandFailedError struct {
	Cmd      string
	ExitCode int
	Reason   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d: %s", e.Cmd, e.ExitCode, e.Reason)
}

// CommandTimeoutError wraps a command that exceeded its deadline.
type CommandTimeoutError struct {
	Cmd string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out", e.Cmd)
}

// QualityGateFailedError wraps a failed quality gate check.
type QualityGateFailedError struct {
	Gate       string
	BeadID     BeadID
	Reason     string
	Violations []string
}

func (e *QualityGateFailedError) Error() string {
	return fmt.Sprintf("quality gate %q failed for bead %s: %s", e.Gate, e.BeadID, e.Reason)
}

// ValidationError indicates a caller-supplied value failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}

// ConfigError indicates a configuration value is missing or malformed.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error on %s: %s", e.Key, e.Reason)
}

// Retryable reports whether err represents a transient failure that the
// coordinator's retry policy (spec.md §4.7) should re-attempt, as opposed to
// a logical/contract error that must propagate immediately. Ported from the
// original implementation's Retryable predicate (see SPEC_FULL.md §9).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		cmdFailed  *CommandFailedError
		cmdTimeout *CommandTimeoutError
		persist    *PersistenceError
		workspace  *WorkspaceFailedError
		healthTO   *HeartbeatTimeoutError
		healthFail *HealthCheckFailedError
	)
	switch {
	case errors.As(err, &cmdFailed):
		return true
	case errors.As(err, &cmdTimeout):
		return true
	case errors.As(err, &persist):
		return true
	case errors.As(err, &workspace):
		return true
	case errors.As(err, &healthTO):
		return true
	case errors.As(err, &healthFail):
		return true
	case errors.Is(err, ErrNoAvailableAgents):
		return true
	default:
		return false
	}
}
