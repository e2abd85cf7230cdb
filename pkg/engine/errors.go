package engine

import (
	"errors"
	"fmt"
)

// ResultCode is the terminal result of a managed-object operation.
type ResultCode string

const (
	// CodeSuccess indicates the operation completed.
	CodeSuccess ResultCode = "SUCCESS"

	// CodeBadRequest indicates a malformed envelope or option set.
	CodeBadRequest ResultCode = "BAD_REQUEST"

	// CodeCfgSyntax indicates a field-level validation failure.
	CodeCfgSyntax ResultCode = "CFG_SYNTAX"

	// CodeCfgSemantic indicates a cross-object reference or consistency failure.
	CodeCfgSemantic ResultCode = "CFG_SEMANTIC"

	// CodeParentDoesNotExist indicates the parent or a referenced object is missing.
	CodeParentDoesNotExist ResultCode = "PARENT_DOES_NOT_EXIST"

	// CodeNoSuchInstance indicates the addressed row does not exist.
	CodeNoSuchInstance ResultCode = "NO_SUCH_INSTANCE"

	// CodeInstanceExists indicates the addressed row already exists.
	CodeInstanceExists ResultCode = "INSTANCE_EXISTS"

	// CodeNotSupportedByController indicates the controller cannot carry the key type or write.
	CodeNotSupportedByController ResultCode = "NOT_SUPPORTED_BY_CTRLR"

	// CodeNotAllowedForThisKeyType indicates the key type is unknown or not valid here.
	CodeNotAllowedForThisKeyType ResultCode = "NOT_ALLOWED_FOR_THIS_KT"

	// CodeNotAllowedForThisDatatype indicates the datastore does not accept the operation.
	CodeNotAllowedForThisDatatype ResultCode = "NOT_ALLOWED_FOR_THIS_DT"

	// CodeNotAllowedAtThisTime indicates the config mode forbids the operation.
	CodeNotAllowedAtThisTime ResultCode = "NOT_ALLOWED_AT_THIS_TIME"

	// CodeMergeConflict indicates an import row conflicts with the candidate.
	CodeMergeConflict ResultCode = "MERGE_CONFLICT"

	// CodeCtrlrDisconnected indicates the controller could not be reached in time.
	CodeCtrlrDisconnected ResultCode = "CTRLR_DISCONNECTED"

	// CodeNotFound indicates a schema lookup (attribute, table) failed.
	CodeNotFound ResultCode = "NOT_FOUND"

	// CodeGeneric indicates an unclassified or internal failure.
	CodeGeneric ResultCode = "GENERIC"
)

// IsSuccess reports whether the code is CodeSuccess.
func (c ResultCode) IsSuccess() bool {
	return c == CodeSuccess
}

// EngineError is the single error type returned across the engine.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Code is the result code from the error taxonomy.
	Code ResultCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// KeyType is the managed-object type involved, if any.
	KeyType KeyType `json:"key_type,omitempty"`

	// Key is the rendered config key involved, if any.
	Key string `json:"key,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation Operation `json:"operation,omitempty"`

	// Datastore is the datastore addressed by the failing call.
	Datastore Datastore `json:"datastore,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Key != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (key=%s, operation=%s)", msg, e.Key, e.Operation)
	} else if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on result code so sentinels work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates an error with the given result code.
func NewError(code ResultCode, message string, err error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Errorf creates an error with the given result code and a formatted message.
func Errorf(code ResultCode, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithKey adds the managed-object key to the error.
func (e *EngineError) WithKey(kt KeyType, key string) *EngineError {
	e.KeyType = kt
	e.Key = key
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(op Operation) *EngineError {
	e.Operation = op
	return e
}

// WithDatastore adds datastore context to an error.
func (e *EngineError) WithDatastore(ds Datastore) *EngineError {
	e.Datastore = ds
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrBadRequest                = &EngineError{Code: CodeBadRequest}
	ErrCfgSyntax                 = &EngineError{Code: CodeCfgSyntax}
	ErrCfgSemantic               = &EngineError{Code: CodeCfgSemantic}
	ErrParentDoesNotExist        = &EngineError{Code: CodeParentDoesNotExist}
	ErrNoSuchInstance            = &EngineError{Code: CodeNoSuchInstance}
	ErrInstanceExists            = &EngineError{Code: CodeInstanceExists}
	ErrNotSupportedByController  = &EngineError{Code: CodeNotSupportedByController}
	ErrNotAllowedForThisKeyType  = &EngineError{Code: CodeNotAllowedForThisKeyType}
	ErrNotAllowedForThisDatatype = &EngineError{Code: CodeNotAllowedForThisDatatype}
	ErrNotAllowedAtThisTime      = &EngineError{Code: CodeNotAllowedAtThisTime}
	ErrMergeConflict             = &EngineError{Code: CodeMergeConflict}
	ErrCtrlrDisconnected         = &EngineError{Code: CodeCtrlrDisconnected}
	ErrNotFound                  = &EngineError{Code: CodeNotFound}
	ErrGeneric                   = &EngineError{Code: CodeGeneric}
)

// CodeOf returns the result code carried by err.
// A nil error is CodeSuccess and an error outside the taxonomy is CodeGeneric.
func CodeOf(err error) ResultCode {
	if err == nil {
		return CodeSuccess
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}

// IsCode returns true if err carries the given result code.
func IsCode(err error, code ResultCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNoSuchInstance returns true if err reports a missing row.
func IsNoSuchInstance(err error) bool {
	return IsCode(err, CodeNoSuchInstance)
}

// IsRetryable returns true if the failure is a reachability problem
// the coordinator may retry once the controller is back.
func IsRetryable(err error) bool {
	return IsCode(err, CodeCtrlrDisconnected)
}
