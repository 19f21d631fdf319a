package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dirsrv/replication/kit/platform/errors"
	"go.uber.org/zap"
)

// API writes responses and decodes requests for the handlers of a router.
type API struct {
	log        *zap.Logger
	errHandler ErrorHandler
}

// APIOptFn configures an API.
type APIOptFn func(*API)

// WithLog logs failed requests to log.
func WithLog(log *zap.Logger) APIOptFn {
	return func(a *API) { a.log = log }
}

func NewAPI(opts ...APIOptFn) *API {
	a := &API{log: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// DecodeJSON decodes a request body into v.
func (a *API) DecodeJSON(r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return &errors.Error{Code: errors.EInvalid, Msg: "failed to decode request body", Err: err}
	}
	return nil
}

// Respond writes v as JSON with the given status. A nil v, or a 204
// status, writes no body.
func (a *API) Respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if status == http.StatusNoContent || v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("Failed to write response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// Err writes err as a coded JSON error.
func (a *API) Err(w http.ResponseWriter, r *http.Request, err error) {
	if code := errors.ErrorCode(err); code == errors.EInternal {
		a.log.Error("Request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		a.log.Debug("Request rejected", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
	}
	a.errHandler.HandleHTTPError(r.Context(), err, w)
}
