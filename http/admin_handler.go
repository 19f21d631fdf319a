package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/kit/platform/errors"
	kithttp "github.com/dirsrv/replication/kit/transport/http"
	"github.com/dirsrv/replication/replica"
	"github.com/dirsrv/replication/ruv"
	"github.com/dirsrv/replication/topology"
	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

var errUnauthorized = &errors.Error{
	Code: errors.EUnauthorized,
	Msg:  "unauthorized access",
}

// AdminHandler serves the operator API: status, agreements, CleanAllRUV
// tasks and role changes.
type AdminHandler struct {
	chi.Router

	log        *zap.Logger
	api        *kithttp.API
	token      string
	replicas   *replica.Registry
	agreements *agreement.Service
	monitor    *topology.Monitor
}

type roleRequest struct {
	Role      replication.Role      `json:"role"`
	ReplicaID replication.ReplicaID `json:"replicaID,omitempty"`
}

type replicaResponse struct {
	replication.Identity
	RUV              *ruv.RUV `json:"ruv"`
	ChangelogEntries int      `json:"changelogEntries"`
}

// NewAdminHandler returns the admin API. A non-empty token is required
// from every caller as "Authorization: Token <token>".
func NewAdminHandler(log *zap.Logger, token string, replicas *replica.Registry, agreements *agreement.Service, monitor *topology.Monitor) *AdminHandler {
	h := &AdminHandler{
		log:        log,
		api:        kithttp.NewAPI(kithttp.WithLog(log)),
		token:      token,
		replicas:   replicas,
		agreements: agreements,
		monitor:    monitor,
	}

	r := chi.NewRouter()
	r.Use(h.mwAuth)

	r.Get("/status", h.handleGetStatus)

	r.Route("/replicas", func(r chi.Router) {
		r.Get("/", h.handleGetReplicas)
		r.Route("/{suffix}", func(r chi.Router) {
			r.Post("/promote", h.handlePromote)
			r.Post("/demote", h.handleDemote)

			r.Route("/agreements", func(r chi.Router) {
				r.Get("/", h.handleGetAgreements)
				r.Post("/", h.handlePostAgreement)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.handleGetAgreement)
					r.Patch("/", h.handlePatchAgreement)
					r.Delete("/", h.handleDeleteAgreement)
					r.Get("/status", h.handleGetAgreementStatus)
					r.Post("/init", h.handleInitAgreement)
				})
			})
		})
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.handleGetTasks)
		r.Post("/cleanallruv", h.handlePostClean)
		r.Post("/abortcleanallruv", h.handlePostAbort)
		r.Get("/{id}", h.handleGetTask)
	})

	h.Router = r
	return h
}

func (h *AdminHandler) Prefix() string {
	return prefixAPI
}

func (h *AdminHandler) mwAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Token ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				h.api.Err(w, r, errUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	reports, err := h.monitor.Report(r.Context())
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "tree" {
		h.api.Respond(w, r, http.StatusOK, map[string]string{"tree": topology.Tree(reports)})
		return
	}
	h.api.Respond(w, r, http.StatusOK, reports)
}

func (h *AdminHandler) handleGetReplicas(w http.ResponseWriter, r *http.Request) {
	out := []replicaResponse{}
	for _, rep := range h.replicas.Replicas() {
		out = append(out, replicaResponse{
			Identity:         rep.Identity(),
			RUV:              rep.Changelog().RUV(),
			ChangelogEntries: rep.Changelog().Len(),
		})
	}
	h.api.Respond(w, r, http.StatusOK, out)
}

func (h *AdminHandler) lookup(r *http.Request) (*replica.Replica, error) {
	suffix, err := pathParam(r, "suffix")
	if err != nil {
		return nil, err
	}
	return h.replicas.Lookup(suffix)
}

func (h *AdminHandler) handlePromote(w http.ResponseWriter, r *http.Request) {
	rep, err := h.lookup(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	var req roleRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := rep.Promote(r.Context(), req.Role, req.ReplicaID); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.log.Info("Replica promoted", zap.String("suffix", rep.Suffix()), zap.Stringer("role", req.Role))
	h.api.Respond(w, r, http.StatusOK, rep.Identity())
}

func (h *AdminHandler) handleDemote(w http.ResponseWriter, r *http.Request) {
	rep, err := h.lookup(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	var req roleRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := rep.Demote(r.Context(), req.Role); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.log.Info("Replica demoted", zap.String("suffix", rep.Suffix()), zap.Stringer("role", req.Role))
	h.api.Respond(w, r, http.StatusOK, rep.Identity())
}

func redacted(as []replication.Agreement) []replication.Agreement {
	out := make([]replication.Agreement, 0, len(as))
	for _, a := range as {
		out = append(out, a.Redacted())
	}
	return out
}

func (h *AdminHandler) handleGetAgreements(w http.ResponseWriter, r *http.Request) {
	suffix, err := pathParam(r, "suffix")
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	as, err := h.agreements.ListAgreements(r.Context(), suffix)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, redacted(as))
}

func (h *AdminHandler) handlePostAgreement(w http.ResponseWriter, r *http.Request) {
	var a replication.Agreement
	if err := h.api.DecodeJSON(r.Body, &a); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := bodySuffix(r, &a.Suffix); err != nil {
		h.api.Err(w, r, err)
		return
	}
	created, err := h.agreements.CreateAgreement(r.Context(), a)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusCreated, created.Redacted())
}

func agreementParams(r *http.Request) (suffix, name string, err error) {
	if suffix, err = pathParam(r, "suffix"); err != nil {
		return "", "", err
	}
	if name, err = pathParam(r, "name"); err != nil {
		return "", "", err
	}
	return suffix, name, nil
}

func (h *AdminHandler) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	suffix, name, err := agreementParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	a, err := h.agreements.GetAgreement(r.Context(), suffix, name)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, a.Redacted())
}

func (h *AdminHandler) handlePatchAgreement(w http.ResponseWriter, r *http.Request) {
	suffix, name, err := agreementParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	var req replication.UpdateAgreementRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	a, err := h.agreements.UpdateAgreement(r.Context(), suffix, name, req)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, a.Redacted())
}

func (h *AdminHandler) handleDeleteAgreement(w http.ResponseWriter, r *http.Request) {
	suffix, name, err := agreementParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.agreements.DeleteAgreement(r.Context(), suffix, name); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusNoContent, nil)
}

func (h *AdminHandler) handleGetAgreementStatus(w http.ResponseWriter, r *http.Request) {
	suffix, name, err := agreementParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	st, err := h.agreements.Status(r.Context(), suffix, name)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, st)
}

func (h *AdminHandler) handleInitAgreement(w http.ResponseWriter, r *http.Request) {
	suffix, name, err := agreementParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.agreements.Initialize(r.Context(), suffix, name); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusNoContent, nil)
}

func (h *AdminHandler) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	out := []replication.TaskStatus{}
	for _, rep := range h.replicas.Replicas() {
		ts, err := rep.Coordinator().Tasks(r.Context())
		if err != nil {
			h.api.Err(w, r, err)
			return
		}
		out = append(out, ts...)
	}
	h.api.Respond(w, r, http.StatusOK, out)
}

func (h *AdminHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	reps := h.replicas.Replicas()
	for _, rep := range reps {
		if t, ok := rep.Coordinator().Task(id); ok {
			h.api.Respond(w, r, http.StatusOK, t.Status())
			return
		}
	}
	// tasks of previous runs live only in the store every replica shares
	for _, rep := range reps {
		st, err := rep.Coordinator().TaskStatus(r.Context(), id)
		if errors.ErrorCode(err) == errors.ENotFound {
			continue
		}
		if err != nil {
			h.api.Err(w, r, err)
			return
		}
		h.api.Respond(w, r, http.StatusOK, st)
		return
	}
	h.api.Err(w, r, &errors.Error{Code: errors.ENotFound, Msg: "task " + id + " not found", Err: replication.ErrTaskNotFound})
}

func (h *AdminHandler) handlePostClean(w http.ResponseWriter, r *http.Request) {
	var req replication.CleanRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := req.OK(); err != nil {
		h.api.Err(w, r, err)
		return
	}
	rep, err := h.replicas.Lookup(req.Suffix)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	t, err := rep.Coordinator().Clean(r.Context(), &req)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusCreated, t.Status())
}

func (h *AdminHandler) handlePostAbort(w http.ResponseWriter, r *http.Request) {
	var req replication.AbortRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := req.OK(); err != nil {
		h.api.Err(w, r, err)
		return
	}
	rep, err := h.replicas.Lookup(req.Suffix)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	t, err := rep.Coordinator().Abort(r.Context(), &req)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusCreated, t.Status())
}
