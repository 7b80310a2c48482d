// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer. Authentication happens
// upstream; the gateway forwards the caller's identity in the X-User-ID and
// X-Admin headers.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"waitlist-backend/internal/model"
	"waitlist-backend/internal/monitoring"
	"waitlist-backend/internal/repository"
	"waitlist-backend/internal/service"
)

// EventHandler holds all HTTP handlers for the waitlist API.
type EventHandler struct {
	svc *service.EventService
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.EventService) *EventHandler {
	return &EventHandler{svc: svc}
}

// Routes builds the API router.
func (h *EventHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", HealthCheck)
	r.Method(http.MethodGet, "/metrics", monitoring.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/dates", h.EventDates)
		r.Get("/{id}", h.GetEvent)
		r.Get("/{id}/data", h.EventData)
		r.Get("/{id}/users", h.ListEventUsers)
		r.Get("/{id}/users/{userID}", h.GetEventUser)
		r.Get("/{id}/slot/{userID}", h.GetSlot)
		r.Post("/{id}/register/{userID}", h.Register)
		r.Post("/{id}/unregister/{userID}", h.Unregister)
		r.Post("/{id}/guests/{userID}", h.ChangeGuests)
		r.Post("/{id}/attended/{userID}", h.SetAttended)
		r.Post("/{id}/reject/{userID}", h.Reject)
	})

	r.Get("/users/{id}/actions", h.UserActions)

	return r
}

// caller is the already-authenticated identity forwarded by the gateway.
type caller struct {
	userID string
	admin  bool
}

func callerFrom(r *http.Request) caller {
	return caller{
		userID: r.Header.Get("X-User-ID"),
		admin:  r.Header.Get("X-Admin") == "true",
	}
}

// mayActFor reports whether the caller can operate on userID's registration:
// themselves, or anyone if admin.
func (c caller) mayActFor(userID string) bool {
	return c.admin || (c.userID != "" && c.userID == userID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps the error taxonomy onto HTTP statuses: missing
// resources become 404, conflicts 409, validation 400, storage failures 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, repository.ErrNotRegistered):
		writeError(w, http.StatusNotFound, "user not registered for this event")
	case errors.Is(err, repository.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "user already registered for this event")
	case errors.Is(err, repository.ErrCapacityDenied):
		writeError(w, http.StatusConflict, "guest change exceeds event capacity")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CreateEvent handles POST /events (admin).
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context(), callerFrom(r).admin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// EventDates handles GET /events/dates
func (h *EventHandler) EventDates(w http.ResponseWriter, r *http.Request) {
	dates, err := h.svc.EventDates(r.Context(), callerFrom(r).admin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list event dates")
		return
	}
	if dates == nil {
		dates = []model.EventDate{}
	}
	writeJSON(w, http.StatusOK, dates)
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"), callerFrom(r).admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// EventData handles GET /events/{id}/data
func (h *EventHandler) EventData(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.EventData(r.Context(), chi.URLParam(r, "id"), callerFrom(r).admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// ListEventUsers handles GET /events/{id}/users
func (h *EventHandler) ListEventUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListEventUsers(r.Context(), chi.URLParam(r, "id"), callerFrom(r).admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if users == nil {
		users = []model.Registration{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetEventUser handles GET /events/{id}/users/{userID}
func (h *EventHandler) GetEventUser(w http.ResponseWriter, r *http.Request) {
	reg, err := h.svc.GetEventUser(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// GetSlot handles GET /events/{id}/slot/{userID}
// Computes where a registration attempt would land without persisting it.
func (h *EventHandler) GetSlot(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	userID := chi.URLParam(r, "userID")
	if !c.mayActFor(userID) {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	guests := 0
	if q := r.URL.Query().Get("guests"); q != "" {
		var err error
		if guests, err = strconv.Atoi(q); err != nil || guests < 0 {
			writeError(w, http.StatusBadRequest, "invalid guests parameter")
			return
		}
	}

	p, err := h.svc.GetSlot(r.Context(), chi.URLParam(r, "id"), userID, guests, c.admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Register handles POST /events/{id}/register/{userID}
func (h *EventHandler) Register(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	userID := chi.URLParam(r, "userID")
	if !c.mayActFor(userID) {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Guests < 0 {
		writeError(w, http.StatusBadRequest, "guests cannot be negative")
		return
	}

	reg, err := h.svc.Register(r.Context(), chi.URLParam(r, "id"), userID, req.Guests, c.admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// Unregister handles POST /events/{id}/unregister/{userID}
func (h *EventHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	userID := chi.URLParam(r, "userID")
	if !c.mayActFor(userID) {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	departed, err := h.svc.Unregister(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, departed)
}

// ChangeGuests handles POST /events/{id}/guests/{userID}
func (h *EventHandler) ChangeGuests(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	userID := chi.URLParam(r, "userID")
	if !c.mayActFor(userID) {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	var req model.GuestsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Guests < 0 {
		writeError(w, http.StatusBadRequest, "guests cannot be negative")
		return
	}

	reg, err := h.svc.ChangeGuests(r.Context(), chi.URLParam(r, "id"), userID, req.Guests)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// SetAttended handles POST /events/{id}/attended/{userID} (admin).
func (h *EventHandler) SetAttended(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var req model.AttendedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	reg, err := h.svc.SetAttended(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"), req.Attended)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// Reject handles POST /events/{id}/reject/{userID} (admin).
func (h *EventHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	reg, err := h.svc.Reject(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// UserActions handles GET /users/{id}/actions
func (h *EventHandler) UserActions(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	userID := chi.URLParam(r, "id")
	if !c.mayActFor(userID) {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	actions, err := h.svc.UserActions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list user actions")
		return
	}
	if actions == nil {
		actions = []model.UserAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
