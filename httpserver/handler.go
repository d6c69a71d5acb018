package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/tee-workorder-manager/interfaces"
	"github.com/ruteri/tee-workorder-manager/lifecycle"
)

// Handler serves the synchronous work order API on top of the lifecycle
// manager.
type Handler struct {
	manager *lifecycle.Manager
	log     *slog.Logger
}

// NewHandler creates a handler driving the given manager.
func NewHandler(manager *lifecycle.Manager, log *slog.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

// processRequest is the body of a process call: the id of an already
// scheduled work order.
type processRequest struct {
	WorkOrderID string `json:"workOrderId"`
}

// HandleSubmit accepts a raw work order request, schedules it, processes it
// immediately, and returns the response.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	workOrderID, err := h.manager.Submit(r.Context(), string(body))
	if err != nil {
		h.log.Warn("Rejected work order submission", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.respond(w, r, workOrderID)
}

// HandleProcess processes one scheduled work order by id and returns its
// response. Ids are looked up directly; an id the store has never seen is a
// 404, not a failed execution.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkOrderID == "" {
		http.Error(w, "body must carry a workOrderId", http.StatusBadRequest)
		return
	}

	h.respond(w, r, req.WorkOrderID)
}

// HandleResult returns the persisted response of a processed work order
// without driving any state transition.
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	workOrderID := chi.URLParam(r, "work_order_id")

	resp, err := h.manager.Response(r.Context(), workOrderID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		http.Error(w, "no response for work order", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Could not load work order response", "err", err)
		http.Error(w, "could not load response", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleWorkerDescriptor returns the published worker descriptor so
// requesters can fetch this worker's keys over HTTP as well as from the
// store.
func (h *Handler) HandleWorkerDescriptor(w http.ResponseWriter, r *http.Request) {
	descriptor, err := h.manager.Descriptor()
	if err != nil {
		h.log.Error("Could not build worker descriptor", "err", err)
		http.Error(w, "could not build descriptor", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, descriptor)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, workOrderID string) {
	known, err := h.manager.HasRequest(r.Context(), workOrderID)
	if err != nil {
		h.log.Error("Could not look up work order", "err", err)
		http.Error(w, "store lookup failed", http.StatusInternalServerError)
		return
	}
	if !known {
		http.Error(w, "no such work order", http.StatusNotFound)
		return
	}

	resp, err := h.manager.ProcessSync(r.Context(), workOrderID)
	if err != nil {
		h.log.Error("Work order processing failed", slog.String("workOrderId", workOrderID), "err", err)
		http.Error(w, "work order processing failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Could not write response body", "err", err)
	}
}
