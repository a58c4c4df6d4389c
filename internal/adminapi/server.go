// Package adminapi exposes the kernel façade's operator RPC surface
// as a JSON HTTP API, using a plain http.ServeMux: one mux, one
// handler per route, JSON request/response bodies.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ocap-kernel/kernel/internal/kernel"
	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/observability"
)

// NewMux builds the admin HTTP surface over k.
func NewMux(k *kernel.Kernel) *http.ServeMux {
	mux := http.NewServeMux()
	h := &handler{k: k}

	mux.HandleFunc("POST /vats", h.launchVat)
	mux.HandleFunc("DELETE /vats/{id}", h.terminateVat)
	mux.HandleFunc("POST /vats/{id}/restart", h.restartVat)
	mux.HandleFunc("POST /queue", h.queueMessage)
	mux.HandleFunc("POST /gc", h.collectGarbage)
	mux.HandleFunc("POST /clear", h.clearState)
	mux.HandleFunc("POST /query", h.executeQuery)
	mux.HandleFunc("GET /status", h.getStatus)
	mux.HandleFunc("POST /subclusters", h.launchSubcluster)
	mux.HandleFunc("DELETE /subclusters/{name}", h.terminateSubcluster)
	mux.HandleFunc("GET /subclusters/{name}", h.getSubcluster)
	mux.HandleFunc("GET /vats/{id}/output", h.getVatOutput)

	return withRequestID(observability.HTTPMiddleware(mux))
}

// withRequestID stamps every response with a generated correlation ID,
// the same uuid.New().String() pattern used throughout its
// record and request IDs, applied here at the transport boundary instead
// of per-record.
func withRequestID(next http.Handler) *http.ServeMux {
	wrapped := http.NewServeMux()
	wrapped.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		logging.Op().Debug("admin request", "request_id", reqID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
	return wrapped
}

type handler struct {
	k *kernel.Kernel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err using the kernelerrors.Marshalled boundary
// shape, with an HTTP status derived from its Code (success or an
// error payload, generalized to
// HTTP here the way the daemon's RPC surface does for every transport).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch kernelerrors.CodeOf(err) {
	case kernelerrors.CodeVatNotFound, kernelerrors.CodeSubclusterNotFound:
		status = http.StatusNotFound
	case kernelerrors.CodeVatAlreadyExists, kernelerrors.CodeDuplicateEndowment:
		status = http.StatusConflict
	case kernelerrors.CodeVatDeleted:
		status = http.StatusGone
	case kernelerrors.CodeCListViolation, kernelerrors.CodeVatFault:
		status = http.StatusBadRequest
	}
	logging.Op().Warn("adminapi request failed", "error", err)
	observability.SetSpanError(observability.SpanFromContext(r.Context()), err)
	writeJSON(w, status, kernelerrors.Marshal(err))
}

type launchVatRequest struct {
	VatID      string `json:"vat_id"`
	Bundle     []byte `json:"bundle"`
	Subcluster string `json:"subcluster,omitempty"`
}

func (h *handler) launchVat(w http.ResponseWriter, r *http.Request) {
	var req launchVatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, kernelerrors.ErrCListViolation("", "malformed request body"))
		return
	}
	rec, err := h.k.LaunchVat(r.Context(), kernel.LaunchVatRequest{
		VatID: req.VatID, Bundle: req.Bundle, Subcluster: req.Subcluster,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) terminateVat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.k.TerminateVat(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) restartVat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.k.RestartVat(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueMessageRequest struct {
	Target string        `json:"target"`
	Method string        `json:"method"`
	Args   krefs.CapData `json:"args"`

	// Trace lets an external caller continue its own distributed trace
	// into the crank this message eventually produces.
	Trace *observability.TraceContext `json:"trace,omitempty"`
}

type queueMessageResponse struct {
	ResultPromise string `json:"result_promise"`
}

func (h *handler) queueMessage(w http.ResponseWriter, r *http.Request) {
	var req queueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, kernelerrors.ErrCListViolation("", "malformed request body"))
		return
	}
	ctx := r.Context()
	if req.Trace != nil {
		ctx = observability.InjectTraceContext(ctx, *req.Trace)
	}
	resultP, err := h.k.QueueMessage(ctx, req.Target, req.Method, req.Args)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueMessageResponse{ResultPromise: resultP})
}

func (h *handler) collectGarbage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.k.CollectGarbage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) clearState(w http.ResponseWriter, r *http.Request) {
	if err := h.k.ClearState(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) executeQuery(w http.ResponseWriter, r *http.Request) {
	var q kvstore.Scan
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, r, kernelerrors.ErrCListViolation("", "malformed request body"))
		return
	}
	rows, err := h.k.ExecuteDBQuery(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.k.GetStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type launchSubclusterRequest struct {
	Name         string            `json:"name"`
	BootstrapVat string            `json:"bootstrap_vat"`
	Members      map[string][]byte `json:"members"`
}

func (h *handler) launchSubcluster(w http.ResponseWriter, r *http.Request) {
	var req launchSubclusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, kernelerrors.ErrCListViolation("", "malformed request body"))
		return
	}
	sc, err := h.k.LaunchSubcluster(r.Context(), kernel.LaunchSubclusterRequest{
		Name: req.Name, BootstrapVat: req.BootstrapVat, Members: req.Members,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *handler) terminateSubcluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.k.TerminateSubcluster(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getSubcluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sc, err := h.k.GetSubcluster(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// getVatOutput surfaces a subprocess vat's recently captured stderr, for
// debugging a crank fault when the offending vat is no longer running.
// Returns an empty list rather than an error when no output store is
// configured or nothing has been captured yet.
func (h *handler) getVatOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries := logging.GetOutputStore().GetByVat(id, 20)
	if entries == nil {
		entries = []*logging.OutputEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
