package http

import (
	"net/http"
	"net/url"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/kit/platform/errors"
	kithttp "github.com/dirsrv/replication/kit/transport/http"
	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

const (
	prefixAPI         = "/api/v1"
	prefixReplication = prefixAPI + "/replication"
)

// ReplicationHandler serves the consumer side of the replication protocol.
// Suffixes travel path-escaped in the URL.
type ReplicationHandler struct {
	chi.Router

	log      *zap.Logger
	api      *kithttp.API
	consumer replication.Consumer
}

func NewReplicationHandler(log *zap.Logger, consumer replication.Consumer) *ReplicationHandler {
	h := &ReplicationHandler{
		log:      log,
		api:      kithttp.NewAPI(kithttp.WithLog(log)),
		consumer: consumer,
	}

	r := chi.NewRouter()
	r.Route("/{suffix}", func(r chi.Router) {
		r.Get("/ruv", h.handleGetRUV)
		r.Post("/acquire", h.handleAcquire)
		r.Post("/cleanallruv", h.handleCleanRUV)
		r.Post("/abortcleanallruv", h.handleAbortCleanRUV)

		r.Route("/sessions/{session}", func(r chi.Router) {
			r.Post("/updates", h.handleUpdate)
			r.Post("/init", h.handleInitialize)
			r.Post("/release", h.handleRelease)
		})
	})

	h.Router = r
	return h
}

func (h *ReplicationHandler) Prefix() string {
	return prefixReplication
}

// pathParam returns the unescaped URL parameter key.
func pathParam(r *http.Request, key string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, key))
	if err != nil || v == "" {
		return "", &errors.Error{Code: errors.EInvalid, Msg: "invalid " + key + " in path", Err: err}
	}
	return v, nil
}

// bodySuffix checks a suffix carried in a request body against the one in
// the path, filling it in when empty.
func bodySuffix(r *http.Request, suffix *string) error {
	p, err := pathParam(r, "suffix")
	if err != nil {
		return err
	}
	switch {
	case *suffix == "":
		*suffix = p
	case replication.NormalizeDN(*suffix) != replication.NormalizeDN(p):
		return &errors.Error{Code: errors.EInvalid, Msg: "suffix " + *suffix + " does not match " + p}
	}
	return nil
}

func (h *ReplicationHandler) handleGetRUV(w http.ResponseWriter, r *http.Request) {
	suffix, err := pathParam(r, "suffix")
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	rv, err := h.consumer.RUV(r.Context(), suffix)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, rv)
}

func (h *ReplicationHandler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req replication.AcquireRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := bodySuffix(r, &req.Suffix); err != nil {
		h.api.Err(w, r, err)
		return
	}
	resp, err := h.consumer.Acquire(r.Context(), &req)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, resp)
}

func sessionParams(r *http.Request) (suffix, session string, err error) {
	if suffix, err = pathParam(r, "suffix"); err != nil {
		return "", "", err
	}
	if session, err = pathParam(r, "session"); err != nil {
		return "", "", err
	}
	return suffix, session, nil
}

func (h *ReplicationHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	suffix, session, err := sessionParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	var updates []replication.Update
	if err := h.api.DecodeJSON(r.Body, &updates); err != nil {
		h.api.Err(w, r, err)
		return
	}
	ack, err := h.consumer.Update(r.Context(), suffix, session, updates)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, ack)
}

func (h *ReplicationHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	suffix, session, err := sessionParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	var batch replication.InitBatch
	if err := h.api.DecodeJSON(r.Body, &batch); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.consumer.Initialize(r.Context(), suffix, session, &batch); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusNoContent, nil)
}

func (h *ReplicationHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	suffix, session, err := sessionParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	resp, err := h.consumer.Release(r.Context(), suffix, session)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, resp)
}

func (h *ReplicationHandler) handleCleanRUV(w http.ResponseWriter, r *http.Request) {
	var d replication.CleanDirective
	if err := h.api.DecodeJSON(r.Body, &d); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := bodySuffix(r, &d.Suffix); err != nil {
		h.api.Err(w, r, err)
		return
	}
	reply, err := h.consumer.CleanRUV(r.Context(), &d)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, reply)
}

func (h *ReplicationHandler) handleAbortCleanRUV(w http.ResponseWriter, r *http.Request) {
	var d replication.AbortDirective
	if err := h.api.DecodeJSON(r.Body, &d); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := bodySuffix(r, &d.Suffix); err != nil {
		h.api.Err(w, r, err)
		return
	}
	reply, err := h.consumer.AbortCleanRUV(r.Context(), &d)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, reply)
}
