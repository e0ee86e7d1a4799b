package errors

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

type ErrorType string

const (
	// ErrTypeUpstream covers network/HTTP failures talking to the data source.
	// Retryable by re-running the whole pipeline.
	ErrTypeUpstream ErrorType = "UPSTREAM"
	// ErrTypeMalformedRecord means a normalization rule was violated. The run
	// aborts and the error is surfaced for investigation; it usually implies
	// an upstream schema change.
	ErrTypeMalformedRecord ErrorType = "MALFORMED_RECORD"
	// ErrTypeStore covers blob read/write failures. Retryable.
	ErrTypeStore          ErrorType = "STORE"
	ErrTypeEngineNotReady ErrorType = "ENGINE_NOT_READY"
	ErrTypeInvalidSort    ErrorType = "INVALID_SORT"
	ErrTypeNotFound       ErrorType = "NOT_FOUND"
	ErrTypeInvalidInput   ErrorType = "INVALID_INPUT"
	ErrTypeInternal       ErrorType = "INTERNAL"
)

type DomainError struct {
	Type    ErrorType
	Message string
	// Field names the offending upstream column for malformed-record errors.
	Field string
	// StatusCode carries the upstream HTTP status for upstream errors.
	StatusCode int
	Err        error
	Stack      []byte
}

func (e *DomainError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Type, e.Message, e.Field)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (status %d): %v", e.Type, e.Message, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Type, e.Message, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) StackTrace() []byte {
	return e.Stack
}

func New(errType ErrorType, message string, err error) *DomainError {
	var stack []byte
	if err != nil {
		if stackErr, ok := err.(*goerrors.Error); ok {
			stack = stackErr.Stack()
		} else {
			stack = goerrors.Wrap(err, 2).Stack()
		}
	} else {
		stack = goerrors.New(message).Stack()
	}

	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

func Upstream(message string, statusCode int, err error) *DomainError {
	e := New(ErrTypeUpstream, message, err)
	e.StatusCode = statusCode
	return e
}

func MalformedRecord(field, message string) *DomainError {
	e := New(ErrTypeMalformedRecord, message, nil)
	e.Field = field
	return e
}

func Store(message string, err error) *DomainError {
	return New(ErrTypeStore, message, err)
}

func EngineNotReady(message string) *DomainError {
	return New(ErrTypeEngineNotReady, message, nil)
}

func InvalidSort(message string) *DomainError {
	return New(ErrTypeInvalidSort, message, nil)
}

func NotFound(message string, err error) *DomainError {
	return New(ErrTypeNotFound, message, err)
}

func InvalidInput(message string, err error) *DomainError {
	return New(ErrTypeInvalidInput, message, err)
}

func Internal(message string, err error) *DomainError {
	return New(ErrTypeInternal, message, err)
}

// IsType reports whether err is a DomainError of the given type anywhere in
// its chain.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == errType
	}
	return false
}
