// Package errors provides standardized error messaging for heapguard
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategorySystem     ErrorCategory = "SYSTEM"
	CategoryConfig     ErrorCategory = "CONFIG"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target is a StandardError with the same category and code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Code == e.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrHeapCorruption = &StandardError{Category: CategoryMemory, Code: "HEAP_CORRUPTION"}
	ErrUnknownControl = &StandardError{Category: CategoryValidation, Code: "UNKNOWN_CONTROL"}
	ErrInvalidConfig  = &StandardError{Category: CategoryConfig, Code: "INVALID_CONFIG"}
)

// HeapCorruption describes a canary mismatch. It is never returned to callers;
// the guard attaches it to the fatal log entry.
func HeapCorruption(ptr uintptr, offset uintptr, want, got uint32) *StandardError {
	return NewStandardError(CategoryMemory, "HEAP_CORRUPTION",
		fmt.Sprintf("Canary mismatch at %#x+%d: want %#08x, got %#08x", ptr, offset, want, got),
		map[string]interface{}{"ptr": ptr, "offset": offset, "want": want, "got": got})
}

func UnknownControl(name string) *StandardError {
	return NewStandardError(CategoryValidation, "UNKNOWN_CONTROL",
		fmt.Sprintf("Unknown control name %q", name),
		map[string]interface{}{"name": name})
}

func InvalidConfig(field string, details string) *StandardError {
	return NewStandardError(CategoryConfig, "INVALID_CONFIG",
		fmt.Sprintf("Invalid config field %s: %s", field, details),
		map[string]interface{}{"field": field, "details": details})
}

func MappingFailed(size uintptr, cause error) *StandardError {
	return NewStandardError(CategorySystem, "MAPPING_FAILED",
		fmt.Sprintf("Failed to map %d bytes: %v", size, cause),
		map[string]interface{}{"size": size})
}
