package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/dirsrv/replication/kit/platform/errors"
)

// PlatformErrorCodeHeader carries the error code of a failed request.
const PlatformErrorCodeHeader = "X-Platform-Error-Code"

// ErrorHandler is the error handler in http package.
type ErrorHandler int

// HandleHTTPError encodes err with the status code of its error code, sets
// the X-Platform-Error-Code header and writes the error as JSON.
func (h ErrorHandler) HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		return
	}

	code := errors.ErrorCode(err)
	w.Header().Set(PlatformErrorCodeHeader, code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ErrorCodeToStatusCode(code))
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Op      string `json:"op,omitempty"`
	}
	e.Code = code
	e.Op = errors.ErrorOp(err)
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		e.Message = err.Error()
	} else {
		e.Message = "An internal error has occurred"
	}
	b, _ := json.Marshal(e)
	_, _ = w.Write(b)
}

// ErrorCodeToStatusCode returns the status code of an error code.
func ErrorCodeToStatusCode(code string) int {
	if st, ok := statusCodePlatformError[code]; ok {
		return st
	}
	return http.StatusBadRequest
}

// StatusCodeToErrorCode returns the error code of a status code. The
// mapping is many to one, so clients read the code from the body first.
func StatusCodeToErrorCode(statusCode int) string {
	if code, ok := platformErrorStatusCode[statusCode]; ok {
		return code
	}
	return errors.EInternal
}

var statusCodePlatformError = map[string]int{
	errors.EInternal:     http.StatusInternalServerError,
	errors.EInvalid:      http.StatusBadRequest,
	errors.EEmptyValue:   http.StatusBadRequest,
	errors.EConflict:     http.StatusConflict,
	errors.ENotFound:     http.StatusNotFound,
	errors.EUnavailable:  http.StatusServiceUnavailable,
	errors.EForbidden:    http.StatusForbidden,
	errors.EUnauthorized: http.StatusUnauthorized,
	errors.ETimeout:      http.StatusGatewayTimeout,
	errors.EBusy:         http.StatusLocked,
	errors.ENeedsInit:    http.StatusPreconditionFailed,
	errors.ECancelled:    http.StatusGone,
	errors.ERejected:     http.StatusUnprocessableEntity,
	errors.ETooMany:      http.StatusTooManyRequests,
	errors.EPending:      http.StatusAccepted,
}

var platformErrorStatusCode = func() map[int]string {
	m := make(map[int]string, len(statusCodePlatformError))
	for code, st := range statusCodePlatformError {
		if code == errors.EEmptyValue {
			continue
		}
		m[st] = code
	}
	return m
}()
