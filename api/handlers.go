/*
handlers.go - HTTP handlers for the BAG exchange engine

PURPOSE:
  Exposes every engine operation over REST. Handlers parse the request,
  call the service, and translate domain errors into HTTP statuses. No
  business logic lives here.

ENDPOINTS:
  Listings:
    GET    /api/exchanges                     Phase-filtered active listings
    POST   /api/exchanges                     List a shift
    DELETE /api/exchanges/{id}                Withdraw (soft-delete)
    POST   /api/exchanges/{id}/interest       Toggle caller/user interest
    DELETE /api/exchanges/{id}/interest/{userId}  Admin interest removal
    POST   /api/exchanges/{id}/propose        Bulk-add candidates
    POST   /api/exchanges/{id}/replacements   Mirror to replacements pool
    DELETE /api/exchanges/{id}/replacements   Unmirror
    POST   /api/exchanges/{id}/validate       Execute the trade

  History:
    GET    /api/history                       Ledger, newest first
    POST   /api/history/{id}/revert           Undo a completed trade
    POST   /api/history/{id}/restore          Undo a rejection/removal

  Blocked users:
    GET    /api/slots/{date}/{period}/blocked    Blocked set for a slot
    POST   /api/slots/{date}/{period}/blocked    Recompute + stamp listings

  Admin:
    GET    /api/phase                         Current phase
    PUT    /api/phase                         Set phase
    POST   /api/admin/restore-all             Bulk rollback (with backup)
    GET    /api/admin/backups                 List snapshots
    POST   /api/admin/backups/{id}/restore    Destructive restore

ERROR HANDLING:
  Domain errors map on their code: GUARD_NOT_FOUND -> 404, payload
  problems -> 400, state conflicts -> 409, everything else -> 500 with the
  detail logged, never swallowed.

SEE ALSO:
  - dto.go:    Request payloads and the error envelope
  - server.go: Router and middleware wiring
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/planimed/bag-engine/exchange"
)

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	Service *exchange.Service
	Blocked *exchange.BlockedUsersCache
	Log     *zap.Logger
}

// NewHandler wires a handler. logger may be nil.
func NewHandler(svc *exchange.Service, blocked *exchange.BlockedUsersCache, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Blocked: blocked, Log: logger}
}

// =============================================================================
// LISTINGS
// =============================================================================

// ListExchanges returns the active listings for the current phase.
func (h *Handler) ListExchanges(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.GetShiftExchanges(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*exchange.Exchange{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateExchange lists a shift for exchange.
func (h *Handler) CreateExchange(w http.ResponseWriter, r *http.Request) {
	var req CreateExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ops := make([]exchange.OperationType, 0, len(req.OperationTypes))
	for _, o := range req.OperationTypes {
		ops = append(ops, exchange.OperationType(o))
	}

	created, err := h.Service.AddShiftExchange(r.Context(), &exchange.Exchange{
		UserID:         req.UserID,
		Date:           req.Date,
		Period:         exchange.Period(req.Period),
		ShiftType:      req.ShiftType,
		TimeSlot:       req.TimeSlot,
		Comment:        req.Comment,
		OperationTypes: ops,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteExchange withdraws a listing.
func (h *Handler) DeleteExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.RemoveShiftExchange(r.Context(), id, CallerID(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

// ToggleInterest flips the given user's interest in a listing. The body
// names the user; the authenticated caller is used as a fallback.
func (h *Handler) ToggleInterest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ToggleInterestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = CallerID(r)
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId required", nil)
		return
	}

	if err := h.Service.ToggleInterest(r.Context(), id, userID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RemoveInterest is the admin removal of one user from the interest list.
func (h *Handler) RemoveInterest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")

	if err := h.Service.RemoveUserFromExchange(r.Context(), id, userID, CallerID(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Propose bulk-adds candidates to a listing's interest set.
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.Service.ProposeToUsers(r.Context(), id, req.UserIDs); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ProposeToReplacements mirrors the listing into the replacements pool.
func (h *Handler) ProposeToReplacements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.ProposeToReplacements(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// CancelReplacements removes the replacements-pool mirror.
func (h *Handler) CancelReplacements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.CancelPropositionToReplacements(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ValidateExchange executes the trade with the chosen interested user.
func (h *Handler) ValidateExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.InterestedUserID == "" {
		writeError(w, http.StatusBadRequest, "interestedUserId required", nil)
		return
	}

	entry, err := h.Service.ValidateShiftExchange(r.Context(), id, req.InterestedUserID, CallerID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// =============================================================================
// HISTORY
// =============================================================================

// ListHistory returns ledger entries newest-first, optionally filtered by
// date, period, userId and status query parameters.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := exchange.HistoryQuery{
		Date:   r.URL.Query().Get("date"),
		Period: exchange.Period(r.URL.Query().Get("period")),
		UserID: r.URL.Query().Get("userId"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		q.Statuses = []exchange.HistoryStatus{exchange.HistoryStatus(st)}
	}

	list, err := h.Service.GetExchangeHistory(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*exchange.ExchangeHistory{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RevertExchange undoes a completed trade.
func (h *Handler) RevertExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.RevertToExchange(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reverted": id})
}

// RestoreHistory undoes a rejection or an interest removal, dispatching on
// the entry's status.
func (h *Handler) RestoreHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := h.Service.GetExchangeHistory(r.Context(), exchange.HistoryQuery{})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var target *exchange.ExchangeHistory
	for _, e := range entries {
		if e.ID == id {
			target = e
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "history entry not found", nil)
		return
	}

	switch target.Status {
	case exchange.HistoryRejected:
		err = h.Service.RestoreRejectedExchange(r.Context(), id)
	case exchange.HistoryInterestRemoved:
		err = h.Service.RestoreInterestRemoval(r.Context(), id)
	default:
		writeError(w, http.StatusConflict, "completed trades are undone via revert", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": id})
}

// =============================================================================
// BLOCKED USERS
// =============================================================================

// GetBlockedUsers returns the blocked set for one slot.
func (h *Handler) GetBlockedUsers(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	period := exchange.Period(chi.URLParam(r, "period"))

	blocked, err := h.Blocked.GetBlockedUsersForSlot(r.Context(), date, period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocked)
}

// RefreshBlockedUsers recomputes the slot's blocked set and stamps it onto
// the pending listings.
func (h *Handler) RefreshBlockedUsers(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	period := exchange.Period(chi.URLParam(r, "period"))

	if err := h.Blocked.UpdateBlockedUsersForSlot(r.Context(), date, period); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// =============================================================================
// ADMIN
// =============================================================================

// GetPhase returns the marketplace phase.
func (h *Handler) GetPhase(w http.ResponseWriter, r *http.Request) {
	phase, err := h.Service.Store().GetPhase(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": phase})
}

// SetPhase transitions the marketplace phase.
func (h *Handler) SetPhase(w http.ResponseWriter, r *http.Request) {
	var req PhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	switch exchange.Phase(req.Phase) {
	case exchange.PhaseSubmission, exchange.PhaseDistribution, exchange.PhaseCompleted:
	default:
		writeError(w, http.StatusBadRequest, "unknown phase", nil)
		return
	}
	if err := h.Service.Store().SetPhase(r.Context(), exchange.Phase(req.Phase)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": req.Phase})
}

// RestoreAll rolls back every completed trade after taking a backup.
func (h *Handler) RestoreAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.RestoreAllBagExchanges(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListBackups lists snapshots, newest first, without their payloads.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.Service.Store().ListBackups(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	type summary struct {
		ID        string `json:"id"`
		CreatedAt string `json:"createdAt"`
		Reason    string `json:"reason,omitempty"`
		Exchanges int    `json:"exchanges"`
		History   int    `json:"history"`
		Plannings int    `json:"plannings"`
	}
	out := make([]summary, 0, len(backups))
	for _, b := range backups {
		out = append(out, summary{
			ID:        b.ID,
			CreatedAt: b.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Reason:    b.Reason,
			Exchanges: len(b.Exchanges),
			History:   len(b.History),
			Plannings: len(b.Plannings),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RestoreFromBackup destructively replaces the collections from a snapshot.
func (h *Handler) RestoreFromBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.Service.RestoreFromBackup(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = map[string]any{"cause": err.Error()}
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var de *exchange.Error
	if errors.As(err, &de) {
		status := http.StatusInternalServerError
		switch de.Code {
		case exchange.CodeGuardNotFound:
			status = http.StatusNotFound
		case exchange.CodeInvalidExchange:
			status = http.StatusBadRequest
		case exchange.CodeExchangeUnavailable,
			exchange.CodeGuardAlreadyExchanged,
			exchange.CodeUserHasGuard,
			exchange.CodeUserAlreadyHasShift,
			exchange.CodeUserAlreadyGaveShift:
			status = http.StatusConflict
		}
		writeJSON(w, status, ErrorResponse{Error: de.Message, Code: string(de.Code), Details: de.Details})
		return
	}
	if errors.Is(err, exchange.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found", err)
		return
	}
	h.Log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error", err)
}
