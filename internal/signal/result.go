package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorCode is the fixed taxonomy of failure reasons a cell can report back
// across the wire. New codes are never invented ad hoc by callers.
type ErrorCode string

const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrLoopDetected     ErrorCode = "LOOP_DETECTED"
	ErrHandlerError     ErrorCode = "HANDLER_ERROR"
	ErrRPCFail          ErrorCode = "RPC_FAIL"
	ErrRPCUnreachable   ErrorCode = "RPC_UNREACHABLE"
	ErrRPCTimeout       ErrorCode = "RPC_TIMEOUT"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrNotReady         ErrorCode = "NOT_READY"
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrInternal         ErrorCode = "INTERNAL"
)

// MeshError is the structured failure a cell returns when a signal can't be
// resolved to a value.
type MeshError struct {
	Code      ErrorCode       `json:"code"`
	Message   string          `json:"message"`
	From      string          `json:"from,omitempty"`
	Trace     []NarrativeStep `json:"trace,omitempty"`
	Timestamp int64           `json:"timestamp"`
	History   []string        `json:"history,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (e *MeshError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewMeshError builds a MeshError stamped with the current time.
func NewMeshError(code ErrorCode, message, from string) *MeshError {
	return &MeshError{
		Code:      code,
		Message:   message,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithTrace attaches the signal's accumulated narrative to the error.
func (e *MeshError) WithTrace(trace []NarrativeStep) *MeshError {
	e.Trace = trace
	return e
}

// WithHistory attaches the visited-cell-id chain, useful for LOOP_DETECTED
// diagnostics.
func (e *MeshError) WithHistory(history []string) *MeshError {
	e.History = history
	return e
}

// TraceResult is what a routing attempt ultimately resolves to: either a
// value or an error, never both.
type TraceResult struct {
	OK            bool            `json:"ok"`
	Value         json.RawMessage `json:"value,omitempty"`
	Error         *MeshError      `json:"error,omitempty"`
	CID           string          `json:"cid,omitempty"`
	LatencyMicros int64           `json:"latencyMicros,omitempty"`
}

// Ok builds a successful TraceResult.
func Ok(value json.RawMessage, cid string, latency time.Duration) TraceResult {
	return TraceResult{
		OK:            true,
		Value:         value,
		CID:           cid,
		LatencyMicros: latency.Microseconds(),
	}
}

// Fail builds a failed TraceResult from a MeshError.
func Fail(err *MeshError, cid string, latency time.Duration) TraceResult {
	return TraceResult{
		OK:            false,
		Error:         err,
		CID:           cid,
		LatencyMicros: latency.Microseconds(),
	}
}

// maxForensicSteps bounds how many narrative steps ForensicReport prints,
// per §7 ("up to 20 narrative steps").
const maxForensicSteps = 20

// ForensicReport renders a MeshError as a multi-line, human-readable report
// suitable for operator logs: code, time, source, message, trace hops, and
// up to 20 narrative steps, with details JSON appended.
func ForensicReport(err *MeshError) string {
	if err == nil {
		return "<nil error>"
	}
	report := fmt.Sprintf("mesh error %s from %s at %s: %s",
		err.Code, err.From, time.UnixMilli(err.Timestamp).Format(time.RFC3339), err.Message)
	if len(err.History) > 0 {
		report += fmt.Sprintf("\n  visited: %v", err.History)
	}

	steps := err.Trace
	if len(steps) > maxForensicSteps {
		steps = steps[:maxForensicSteps]
	}
	for i, step := range steps {
		report += fmt.Sprintf("\n  [%d] %s @ %s (%s, %dms)",
			i, step.Action, step.Cell, time.UnixMilli(step.Timestamp).Format(time.RFC3339), step.DurationMs)
	}
	if len(err.Details) > 0 {
		report += fmt.Sprintf("\n  details: %s", err.Details)
	}
	return report
}
