package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
	"equiduty.org/internal/stream"
)

const maxIdempotencyKeyLen = 128

func (a *API) handleProcessCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createProcess(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleProcessResource dispatches /v1/processes/{id} and its action
// sub-resources.
func (a *API) handleProcessResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/processes/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, hasAction := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if !hasAction {
		switch r.Method {
		case http.MethodGet:
			a.getProcess(w, r, id)
		case http.MethodDelete:
			a.deleteProcess(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch action {
	case "start":
		a.postOnly(w, r, func() { a.startProcess(w, r, id) })
	case "complete-turn":
		a.postOnly(w, r, func() { a.completeTurn(w, r, id) })
	case "cancel":
		a.postOnly(w, r, func() { a.cancelProcess(w, r, id) })
	case "dates":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.updateDates(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) postOnly(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn()
}

// handleStableResource dispatches the read-side stable routes:
// /v1/stables/{id}/processes, /members and /routine-instances.
func (a *API) handleStableResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/stables/")
	id, sub, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	switch sub {
	case "processes":
		a.listProcesses(w, r, id)
	case "members":
		a.listMembers(w, r, id)
	case "routine-instances":
		a.listRoutineInstances(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRoutineResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/routine-instances/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" || action != "assign" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	a.postOnly(w, r, func() { a.assignRoutine(w, r, id) })
}

// --- selection handlers ---

func (a *API) listProcesses(w http.ResponseWriter, r *http.Request, stableID string) {
	items, err := a.procs.ListProcesses(r.Context(), stableID)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) getProcess(w http.ResponseWriter, r *http.Request, id string) {
	pc, err := a.procs.GetProcess(r.Context(), id)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request, stableID string) {
	members, err := a.procs.GetStableMembers(r.Context(), stableID)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *API) handleComputeTurnOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var in selection.ComputeTurnOrderInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.procs.ComputeTurnOrder(r.Context(), in)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createProcess(w http.ResponseWriter, r *http.Request) {
	var in selection.CreateProcessInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	p, err := a.procs.CreateProcess(r.Context(), in, idem)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}

	a.audit(r.Context(), "selection.process.create", "process", p.ID,
		zap.String("stable_id", p.StableID),
		zap.String("algorithm", string(p.Algorithm)),
		zap.Int("turns", len(p.Turns)))
	a.publish(stream.Event{
		Type:      stream.EventProcessCreated,
		ProcessID: p.ID,
		StableID:  p.StableID,
		Status:    string(p.Status),
		ActorID:   actorID(r),
	})

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	w.Header().Set("Location", "/v1/processes/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) startProcess(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.procs.StartProcess(r.Context(), id); err != nil {
		handleSelectionError(w, r, err)
		return
	}
	a.audit(r.Context(), "selection.process.start", "process", id)
	a.publish(stream.Event{
		Type:      stream.EventProcessStarted,
		ProcessID: id,
		Status:    string(selection.StatusActive),
		ActorID:   actorID(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": selection.StatusActive})
}

func (a *API) completeTurn(w http.ResponseWriter, r *http.Request, id string) {
	idem, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	res, err := a.procs.CompleteTurn(r.Context(), id, idem)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}

	a.audit(r.Context(), "selection.turn.complete", "process", id,
		zap.Bool("process_completed", res.ProcessCompleted))
	a.publish(stream.Event{
		Type:      stream.EventTurnCompleted,
		ProcessID: id,
		ActorID:   actorID(r),
	})
	if res.ProcessCompleted {
		a.publish(stream.Event{
			Type:      stream.EventProcessDone,
			ProcessID: id,
			Status:    string(selection.StatusCompleted),
			ActorID:   actorID(r),
		})
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancelProcess(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.procs.CancelProcess(r.Context(), id); err != nil {
		handleSelectionError(w, r, err)
		return
	}
	a.audit(r.Context(), "selection.process.cancel", "process", id)
	a.publish(stream.Event{
		Type:      stream.EventProcessCancel,
		ProcessID: id,
		Status:    string(selection.StatusCancelled),
		ActorID:   actorID(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": selection.StatusCancelled})
}

func (a *API) deleteProcess(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.procs.DeleteProcess(r.Context(), id); err != nil {
		handleSelectionError(w, r, err)
		return
	}
	a.audit(r.Context(), "selection.process.delete", "process", id)
	a.publish(stream.Event{
		Type:      stream.EventProcessDeleted,
		ProcessID: id,
		ActorID:   actorID(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

type updateDatesRequest struct {
	StartDate selection.Date `json:"selection_start_date"`
	EndDate   selection.Date `json:"selection_end_date"`
}

func (a *API) updateDates(w http.ResponseWriter, r *http.Request, id string) {
	var req updateDatesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.procs.UpdateDates(r.Context(), id, req.StartDate, req.EndDate); err != nil {
		handleSelectionError(w, r, err)
		return
	}
	a.audit(r.Context(), "selection.process.update_dates", "process", id,
		zap.String("start", req.StartDate.String()),
		zap.String("end", req.EndDate.String()))
	a.publish(stream.Event{
		Type:      stream.EventDatesUpdated,
		ProcessID: id,
		ActorID:   actorID(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// --- routine handlers ---

func (a *API) listRoutineInstances(w http.ResponseWriter, r *http.Request, stableID string) {
	startParam := strings.TrimSpace(r.URL.Query().Get("start"))
	endParam := strings.TrimSpace(r.URL.Query().Get("end"))
	if startParam == "" || endParam == "" {
		writeError(w, r, http.StatusBadRequest, "start and end query parameters are required")
		return
	}
	start, err := selection.ParseDate(startParam)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "start must be a yyyy-MM-dd date")
		return
	}
	end, err := selection.ParseDate(endParam)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "end must be a yyyy-MM-dd date")
		return
	}
	if end.Before(start) {
		writeError(w, r, http.StatusBadRequest, "end must not precede start")
		return
	}

	items, err := a.routines.InstancesForDateRange(r.Context(), stableID, start, end)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) assignRoutine(w http.ResponseWriter, r *http.Request, id string) {
	var in routine.Assignment
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.routines.AssignInstance(r.Context(), id, in)
	if err != nil {
		handleSelectionError(w, r, err)
		return
	}
	if res.Success {
		a.audit(r.Context(), "routine.instance.assign", "routine_instance", id,
			zap.String("assignee_id", in.UserID))
	}
	writeJSON(w, http.StatusOK, res)
}

// --- shared ---

func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idem) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return "", false
	}
	return idem, true
}

func actorID(r *http.Request) string {
	if principal, ok := authPrincipal(r); ok {
		return principal.UserID
	}
	return ""
}
