// internal/lending/handler.go
package lending

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"peerreads/internal/auth"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the lending endpoints. Everything except the read-only state
// projection requires an authenticated caller.
func (h *Handler) Routes(secret []byte) chi.Router {
	r := chi.NewRouter()
	r.Get("/books/{bookID}/state", h.handleGetBookState)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(secret))
		r.Post("/books/{bookID}/requests", h.handleRequestBorrow)
		r.Post("/requests/{requestID}/respond", h.handleRespond)
		r.Post("/requests/{requestID}/cancel", h.handleCancel)
		r.Post("/requests/{requestID}/return", h.handleReturn)
	})
	return r
}

func (h *Handler) handleRequestBorrow(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	req, err := h.service.RequestBorrow(r.Context(), bookID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		http.Error(w, "invalid request ID", http.StatusBadRequest)
		return
	}
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := h.service.RespondToRequest(r.Context(), requestID, userID, body.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.CancelRequest)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.MarkReturned)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, requestID, actingUserID uuid.UUID) error) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		http.Error(w, "invalid request ID", http.StatusBadRequest)
		return
	}
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	if err := op(r.Context(), requestID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetBookState(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	state, err := h.service.GetBookState(r.Context(), bookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// writeError maps the engine's error taxonomy onto HTTP. Conflict (409) tells
// the client the resource changed under it and a refresh may help; invalid
// state (422) means the same call will keep failing.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidState):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
