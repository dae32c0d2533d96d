// Package handler provides HTTP handlers for the gateway API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/engine"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/pkg/response"
	"github.com/chaoschain/gateway/internal/store"
)

const maxPerPage = 100

// WorkflowHandler handles workflow-related HTTP requests.
type WorkflowHandler struct {
	engine *engine.Engine
}

// NewWorkflowHandler creates a new workflow handler.
func NewWorkflowHandler(eng *engine.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: eng}
}

// Routes returns a chi router with workflow routes.
func (h *WorkflowHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/steps", h.Steps)
	r.Post("/{id}/resume", h.Resume)

	return r
}

// SubmitHTTPRequest is the HTTP request body for submitting a workflow.
type SubmitHTTPRequest struct {
	Type          string          `json:"type"`
	SignerAddress string          `json:"signerAddress"`
	Input         json.RawMessage `json:"input"`
}

// Submit handles POST /v1/workflows
func (h *WorkflowHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if req.Type == "" {
		response.ValidationErrors(w, map[string]string{"type": "type is required"})
		return
	}
	if req.SignerAddress == "" {
		response.ValidationErrors(w, map[string]string{"signerAddress": "signerAddress is required"})
		return
	}
	if len(req.Input) == 0 {
		response.ValidationErrors(w, map[string]string{"input": "input is required"})
		return
	}

	wf, err := h.engine.Submit(r.Context(), engine.SubmitRequest{
		Type:          req.Type,
		SignerAddress: req.SignerAddress,
		Input:         req.Input,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, wf)
}

// Get handles GET /v1/workflows/{id}
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}

	wf, err := h.engine.Get(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, wf)
}

// Steps handles GET /v1/workflows/{id}/steps
func (h *WorkflowHandler) Steps(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}

	steps, err := h.engine.Steps(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	if steps == nil {
		steps = []*models.Step{}
	}

	response.OK(w, steps)
}

// Resume handles POST /v1/workflows/{id}/resume
func (h *WorkflowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}

	wf, err := h.engine.Resume(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Accepted(w, wf)
}

// List handles GET /v1/workflows
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f store.Filter
	if s := q.Get("type"); s != "" {
		t := guard.WorkflowType(s)
		f.Type = &t
	}
	if s := q.Get("signer"); s != "" {
		addr, err := guard.NewSignerAddress(s)
		if err != nil {
			response.ValidationErrors(w, map[string]string{"signer": "invalid signer address"})
			return
		}
		f.Signer = &addr
	}
	if s := q.Get("state"); s != "" {
		state := models.WorkflowState(s)
		switch state {
		case models.WorkflowCreated, models.WorkflowRunning, models.WorkflowStalled,
			models.WorkflowCompleted, models.WorkflowFailed:
			f.State = &state
		default:
			response.ValidationErrors(w, map[string]string{"state": "unknown workflow state"})
			return
		}
	}

	f.Page = parseIntParam(q.Get("page"), 1)
	f.PerPage = parseIntParam(q.Get("per_page"), 20)
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}

	list, total, err := h.engine.List(r.Context(), f)
	if err != nil {
		response.Error(w, err)
		return
	}
	if list == nil {
		list = []*models.Workflow{}
	}

	totalPages := int(total) / f.PerPage
	if int(total)%f.PerPage != 0 {
		totalPages++
	}

	response.JSONWithMeta(w, http.StatusOK, list, &response.Meta{
		Page:       f.Page,
		PerPage:    f.PerPage,
		Total:      total,
		TotalPages: totalPages,
	})
}

func (h *WorkflowHandler) workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, gerrors.ErrWorkflowNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
