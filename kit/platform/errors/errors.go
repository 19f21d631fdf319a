package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by every replication component. Callers branch on the
// code, never on the message.
const (
	EInternal     = "internal error"
	ENotFound     = "not found"
	EConflict     = "conflict"     // action cannot be performed in the current state
	EInvalid      = "invalid"      // configuration or request validation failed
	EForbidden    = "forbidden"    // e.g. a write sent to a read-only replica
	EUnauthorized = "unauthorized" // replication bind rejected
	EUnavailable  = "unavailable"  // peer unreachable
	ETimeout      = "timeout"      // peer did not answer within the protocol timeout
	EBusy         = "busy"         // consumer is being updated by another supplier
	ENeedsInit    = "needs init"   // consumer is too far behind the changelog
	ECancelled    = "cancelled"    // operation stopped by an administrator
	ERejected     = "rejected"     // consumer refused an update
	ETooMany      = "too many"     // concurrency limit reached
	EPending      = "pending"      // operation accepted but not finished
	EEmptyValue   = "empty value"
)

// Error is the coded error returned across package boundaries.
//
// Code is meant for automated handling (the agreement state machine decides
// between Backoff and Error on it). Msg is for operators. Op names the logical
// operation that failed and Err chains the cause.
//
//	&Error{
//	    Code: EInvalid,
//	    Op:   "config.Validate",
//	    Msg:  fmt.Sprintf("replica id %d out of range", id),
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the outermost coded error in the chain, or
// EInternal when err carries no code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return EInternal
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the outermost coded error that names one.
func ErrorOp(err error) string {
	var e *Error
	for err != nil && errors.As(err, &e) && e != nil {
		if e.Op != "" {
			return e.Op
		}
		err = e.Err
	}
	return ""
}

// IsTransient reports whether err describes a link problem that the agreement
// backoff loop should retry rather than surface as a hard failure.
func IsTransient(err error) bool {
	switch ErrorCode(err) {
	case EUnavailable, ETimeout, EBusy:
		return true
	}
	return false
}

// errEncode an JSON encoding helper that is needed to handle the recursive stack of errors.
type errEncode struct {
	Code string      `json:"code"`
	Msg  string      `json:"message,omitempty"`
	Op   string      `json:"op,omitempty"`
	Err  interface{} `json:"error,omitempty"`
}

// MarshalJSON recursively marshals the stack of Err.
func (e *Error) MarshalJSON() ([]byte, error) {
	ee := errEncode{
		Code: e.Code,
		Msg:  e.Msg,
		Op:   e.Op,
	}
	if e.Err != nil {
		if inner, ok := e.Err.(*Error); ok {
			ee.Err = inner
		} else {
			ee.Err = e.Err.Error()
		}
	}
	return json.Marshal(ee)
}

// UnmarshalJSON recursively unmarshals the error stack.
func (e *Error) UnmarshalJSON(b []byte) error {
	ee := new(errEncode)
	err := json.Unmarshal(b, ee)
	e.Code = ee.Code
	e.Msg = ee.Msg
	e.Op = ee.Op
	e.Err = decodeInternalError(ee.Err)
	return err
}

func decodeInternalError(target interface{}) error {
	if errStr, ok := target.(string); ok {
		return errors.New(errStr)
	}
	if internalErrMap, ok := target.(map[string]interface{}); ok {
		internalErr := new(Error)
		if code, ok := internalErrMap["code"].(string); ok {
			internalErr.Code = code
		}
		if msg, ok := internalErrMap["message"].(string); ok {
			internalErr.Msg = msg
		}
		if op, ok := internalErrMap["op"].(string); ok {
			internalErr.Op = op
		}
		internalErr.Err = decodeInternalError(internalErrMap["error"])
		return internalErr
	}
	return nil
}
