package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/lightic/internal/journal"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// Status handles GET /api/status.
//
//	@Summary		Replica summary
//	@Tags			replica
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// ListCanisters handles GET /api/canisters.
//
//	@Summary		List canisters
//	@Tags			canisters
//	@Produce		json
//	@Success		200	{array}	canister.Info
//	@Security		BearerAuth
//	@Router			/canisters [get]
func (h *Handler) ListCanisters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Canisters())
}

// GetCanister handles GET /api/canisters/{id}. The id may also be a
// deployment name.
//
//	@Summary		Get a canister
//	@Tags			canisters
//	@Produce		json
//	@Param			id	path		string	true	"Canister id or name"
//	@Success		200	{object}	canister.Info
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/canisters/{id} [get]
func (h *Handler) GetCanister(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Canister(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get canister", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetCandid handles GET /api/canisters/{id}/candid.
//
//	@Summary		Get the interface description of a canister
//	@Tags			canisters
//	@Produce		plain
//	@Param			id	path		string	true	"Canister id or name"
//	@Success		200	{string}	string
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/canisters/{id}/candid [get]
func (h *Handler) GetCandid(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.Candid(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get candid", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// Deploy handles POST /api/canisters.
//
//	@Summary		Deploy a workspace module into a new canister
//	@Tags			canisters
//	@Accept			json
//	@Produce		json
//	@Param			body	body		DeployRequest	true	"Deployment"
//	@Success		201		{object}	canister.Info
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/canisters [post]
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Wasm == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("wasm is required"))
		return
	}
	info, err := h.svc.Deploy(r.Context(), req)
	if err != nil {
		writeError(w, "deploy", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// DeleteCanister handles DELETE /api/canisters/{id}.
//
//	@Summary		Delete a canister
//	@Tags			canisters
//	@Param			id	path	string	true	"Canister id or name"
//	@Success		204	"Canister deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/canisters/{id} [delete]
func (h *Handler) DeleteCanister(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete canister", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Call handles POST /api/canisters/{id}/call. A rejected call is still a
// successful request; the rejection is reported in the message.
//
//	@Summary		Call a canister method
//	@Tags			canisters
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Canister id or name"
//	@Param			body	body		CallRequest	true	"Call"
//	@Success		200		{object}	CallResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/canisters/{id}/call [post]
func (h *Handler) Call(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("method is required"))
		return
	}
	resp, err := h.svc.Call(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "call", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMessages handles GET /api/messages.
//
//	@Summary		List messages with optional filtering
//	@Tags			messages
//	@Produce		json
//	@Param			canister	query		string	false	"Target canister id"
//	@Param			method		query		string	false	"Method name"
//	@Param			status		query		string	false	"Status"	Enums(new, processing, ok, error)
//	@Param			limit		query		int		false	"Page size"
//	@Param			offset		query		int		false	"Page offset"
//	@Success		200			{object}	MessageListResponse
//	@Security		BearerAuth
//	@Router			/messages [get]
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, total, err := h.svc.Messages(journal.Filter{
		Canister: q.Get("canister"),
		Method:   q.Get("method"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageListResponse{Messages: items, Total: total})
}

// GetMessage handles GET /api/messages/{id}.
//
//	@Summary		Get a message
//	@Tags			messages
//	@Produce		json
//	@Param			id	path		string	true	"Message id"
//	@Success		200	{object}	journal.Entry
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/messages/{id} [get]
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Message(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Events handles GET /api/journal/events.
//
//	@Summary		List journaled lifecycle events
//	@Tags			messages
//	@Produce		json
//	@Param			canister	query	string	false	"Canister id"
//	@Param			limit		query	int		false	"Max events"
//	@Success		200			{array}	journal.EventRow
//	@Security		BearerAuth
//	@Router			/journal/events [get]
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.svc.Events(r.URL.Query().Get("canister"), limit)
	if err != nil {
		writeError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ReadState handles POST /api/read_state.
//
//	@Summary		Read certified state
//	@Tags			replica
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ReadStateRequest	true	"Paths"
//	@Success		200		{object}	emulator.StateRead
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/read_state [post]
func (h *Handler) ReadState(w http.ResponseWriter, r *http.Request) {
	var req ReadStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("paths are required"))
		return
	}
	read, err := h.svc.ReadState(req.Paths)
	if err != nil {
		writeError(w, "read state", err)
		return
	}
	writeJSON(w, http.StatusOK, read)
}

// Clean handles POST /api/clean.
//
//	@Summary		Reset the replica
//	@Tags			replica
//	@Success		204	"Replica reset"
//	@Security		BearerAuth
//	@Router			/clean [post]
func (h *Handler) Clean(w http.ResponseWriter, r *http.Request) {
	h.svc.Clean(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
