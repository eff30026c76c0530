package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// API exposes the ledger's call contract as thin JSON handlers for the
// client UI and room controller.
type API struct {
	ledger *Ledger
	logger zerolog.Logger
}

// NewAPI creates the HTTP surface over a ledger.
func NewAPI(ledger *Ledger, logger zerolog.Logger) *API {
	return &API{ledger: ledger, logger: logger}
}

// Register mounts the session routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.handleStart)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", a.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/end", a.handleEnd)
	mux.HandleFunc("GET /v1/users/{id}/usage", a.handleUsage)
}

type startRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "userId and roomId are required")
		return
	}

	sess, err := a.ledger.Start(r.Context(), req.UserID, req.RoomID)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.Pause(r.Context(), r.PathValue("id")); err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusPaused)})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.Resume(r.Context(), r.PathValue("id")); err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusActive)})
}

func (a *API) handleEnd(w http.ResponseWriter, r *http.Request) {
	minutes, err := a.ledger.End(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"durationMinutes": minutes})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	used, limit, err := a.ledger.UsageFor(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"minutesUsedThisMonth": used,
		"minutesPerMonth":      limit,
	})
}

// writeLedgerError maps the ledger's typed errors onto status codes.
func (a *API) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error().Err(err).Msg("Session API internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
