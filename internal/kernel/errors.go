package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when the worker did not become ready within
	// the readiness budget. The requested operation was skipped.
	ErrNotReady = errors.New("compiler not ready")

	// ErrEntryPathCorrected is returned when validation replaced the
	// configured entry path. The correction is already persisted; the
	// resulting settings change triggers a fresh compile.
	ErrEntryPathCorrected = errors.New("entry path corrected")
)

// KernelError reports a failed worker operation.
type KernelError struct {
	// Code identifies the failed operation.
	Code KernelErrorCode

	// Message is a human-readable description.
	Message string

	// EntryPath is the entry path the operation ran against, if any.
	EntryPath string

	// Err is the underlying cause.
	Err error
}

// KernelErrorCode categorizes kernel errors.
type KernelErrorCode string

const (
	ErrCodeCompileFailed     KernelErrorCode = "COMPILE_FAILED"
	ErrCodeExportFailed      KernelErrorCode = "EXPORT_FAILED"
	ErrCodeEntryPointsFailed KernelErrorCode = "ENTRY_POINTS_FAILED"
	ErrCodePluginOptions     KernelErrorCode = "PLUGIN_OPTIONS_FAILED"
)

// Error implements the error interface.
func (e *KernelError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.EntryPath != "" {
		return fmt.Sprintf("%s: %s (entry=%s)", e.Code, msg, e.EntryPath)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *KernelError) Unwrap() error {
	return e.Err
}

// IsCompileError returns true if err is a failed compile.
func IsCompileError(err error) bool {
	return hasCode(err, ErrCodeCompileFailed)
}

// IsExportError returns true if err is a failed export.
func IsExportError(err error) bool {
	return hasCode(err, ErrCodeExportFailed)
}

func hasCode(err error, code KernelErrorCode) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}
