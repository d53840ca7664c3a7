package api

import (
	"net/http"

	"github.com/MrWong99/pillbox/internal/scan"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/types"
)

// ── scans ──────────────────────────────────────────────────────────────────

type scanRequest struct {
	Text string `json:"text"`
	Save bool   `json:"save"`
}

type scanResponse struct {
	scan.Result
	Saved *scan.Saved `json:"saved,omitempty"`
}

// createScan handles POST /v1/scans. A run that recovers no medicine answers
// 422 with the trace; nothing is saved in that case.
func (h *Handler) createScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.pipeline.Run(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := r.Context().Err(); err != nil {
		// Client went away mid-extraction; nothing is persisted.
		return
	}
	if len(res.Medicines) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, scanResponse{Result: res})
		return
	}

	out := scanResponse{Result: res}
	status := http.StatusOK
	if req.Save {
		saved, err := h.pipeline.Save(r.Context(), res.Medicines, res.TimesPerDay)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out.Saved = &saved
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// ── medicines ──────────────────────────────────────────────────────────────

// listMedicines handles GET /v1/medicines. Removed medicines are included
// only with ?all=true.
func (h *Handler) listMedicines(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		writeError(w, r, err)
		return
	}
	meds, err := h.store.ListMedicines(r.Context(), !all)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if meds == nil {
		meds = []types.Medicine{}
	}
	writeJSON(w, http.StatusOK, meds)
}

func (h *Handler) getMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	med, err := h.store.GetMedicine(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// deleteMedicine handles DELETE /v1/medicines/{id}: the medicine is
// deactivated and its alarms are disabled and cancelled.
func (h *Handler) deleteMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.pipeline.RemoveMedicine(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.pipeline.RegenerateSchedule(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// ── alarms ─────────────────────────────────────────────────────────────────

// listAlarms handles GET /v1/alarms with optional ?enabled=true and
// ?medicine_id=N filters.
func (h *Handler) listAlarms(w http.ResponseWriter, r *http.Request) {
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		writeError(w, r, err)
		return
	}
	medID, err := queryInt64(r, "medicine_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	alarms, err := h.store.ListAlarms(r.Context(), store.AlarmFilter{EnabledOnly: enabled, MedicineID: medID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alarms == nil {
		alarms = []types.Alarm{}
	}
	writeJSON(w, http.StatusOK, alarms)
}

type createAlarmRequest struct {
	MedicineID int64  `json:"medicine_id"`
	Time       string `json:"time"`
	Label      string `json:"label"`
}

func (h *Handler) createAlarm(w http.ResponseWriter, r *http.Request) {
	var req createAlarmRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MedicineID <= 0 {
		writeError(w, r, badRequest("medicine_id is required"))
		return
	}
	at, err := types.ParseClock(req.Time)
	if err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	change, err := h.pipeline.AddAlarm(r.Context(), req.MedicineID, at, req.Label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

type updateAlarmRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) updateAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateAlarmRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, badRequest("enabled is required"))
		return
	}
	change, err := h.pipeline.SetAlarmEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *Handler) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.pipeline.DeleteAlarm(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── doses ──────────────────────────────────────────────────────────────────

// listDoses handles GET /v1/doses with optional ?medicine_id, ?status and
// ?limit filters. Newest first.
func (h *Handler) listDoses(w http.ResponseWriter, r *http.Request) {
	medID, err := queryInt64(r, "medicine_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := types.DoseStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, r, badRequest("invalid status %q", status))
		return
	}

	logs, err := h.store.ListDoseLogs(r.Context(), store.DoseFilter{
		MedicineID: medID,
		Status:     status,
		Limit:      int(limit),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []types.DoseLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type updateDoseRequest struct {
	Status types.DoseStatus `json:"status"`
}

func (h *Handler) updateDose(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateDoseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Status.IsValid() {
		writeError(w, r, badRequest("invalid status %q", req.Status))
		return
	}
	d, err := h.store.SetDoseStatus(r.Context(), id, req.Status, h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ── debug ──────────────────────────────────────────────────────────────────

func (h *Handler) credentials(w http.ResponseWriter, r *http.Request) {
	info, err := h.pipeline.Credentials(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
