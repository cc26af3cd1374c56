package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/syncd/watcher"
	"github.com/agrolink-io/agrolink/pkg/log"
)

// StateLister reports the synchronization state of every watched device.
type StateLister interface {
	States() []watcher.State
}

type handler struct {
	store  commandlog.Log
	states StateLister
	logger log.Logger
}

type appendRequest struct {
	DeviceID string     `json:"device_id"`
	Command  string     `json:"command"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
}

type updateRequest struct {
	Command string `json:"command"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// normalize trims and lowercases operator input. Stored values are matched
// exactly afterwards.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (h *handler) appendCommand(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	device, command := normalize(req.DeviceID), normalize(req.Command)
	if device == "" || command == "" {
		writeError(w, http.StatusBadRequest, "device_id and command are required")
		return
	}

	var issuedAt time.Time
	if req.IssuedAt != nil {
		issuedAt = *req.IssuedAt
	}

	rec, err := h.store.Append(r.Context(), device, command, issuedAt)
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.logger.Info("Command appended", "id", rec.ID, "device", rec.DeviceID, "command", rec.Command,
		"subject", subject(r.Context()))
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) updateCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	command := normalize(req.Command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	rec, err := h.store.Update(r.Context(), id, command)
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.logger.Info("Command updated", "id", rec.ID, "device", rec.DeviceID, "command", rec.Command,
		"subject", subject(r.Context()))
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) latest(w http.ResponseWriter, r *http.Request) {
	device := normalize(mux.Vars(r)["device"])
	rec, err := h.store.Latest(r.Context(), device)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no command")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	device := normalize(mux.Vars(r)["device"])

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := h.store.History(r.Context(), device, limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []commandlog.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) devices(w http.ResponseWriter, _ *http.Request) {
	states := []watcher.State{}
	if h.states != nil {
		states = append(states, h.states.States()...)
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("Readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "command store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commandlog.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, commandlog.ErrStoreUnavailable):
		h.logger.Error(err, "Command store request failed")
		writeError(w, http.StatusServiceUnavailable, commandlog.ErrStoreUnavailable.Error())
	default:
		h.logger.Error(err, "Unexpected command store error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
