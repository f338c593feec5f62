package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"DEFECT_MONITOR/go-backend/internal/apperr"
	"DEFECT_MONITOR/go-backend/internal/models"
)

const maxPageSize = 1000

func (h *Handler) CreateDefect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req models.CreateDefectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if req.DeviceID == "" || req.Value == nil {
		writeMessage(w, http.StatusBadRequest, "device_id와 value는 필수입니다.")
		return
	}

	// 임계값 초과 시 불량
	defective := *req.Value > models.DefectThreshold
	if req.Defective != nil {
		defective = *req.Defective
	}

	rec := &models.DefectRecord{
		DeviceID:  req.DeviceID,
		Value:     req.Value,
		Defective: defective,
		Image:     req.Image,
		Details:   req.Details,
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()
	if err := h.Defects.Insert(ctx, rec); err != nil {
		h.Metrics.IncrementDefectsFailed()
		writeAppError(w, r, apperr.Persistence("Server Error", err))
		return
	}
	h.Metrics.IncrementDefectsStored()
	h.Sink.Publish(*rec)

	writeJSON(w, http.StatusOK, models.CreateDefectResponse{
		Message:   "데이터 측정이 완료되었습니다.",
		DeviceID:  rec.DeviceID,
		Defective: rec.Defective,
	})
}

// LatestDefects lists records newest first; ?limit and ?before page through them.
func (h *Handler) LatestDefects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			writeMessage(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()

	var (
		records []models.DefectRecord
		err     error
	)
	if limit > 0 {
		records, err = h.Defects.ListPage(ctx, limit, before)
	} else {
		records, err = h.Defects.ListLatest(ctx)
	}
	if err != nil {
		writeAppError(w, r, apperr.Persistence("Server Error", err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) DefectStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()
	stats, err := h.Defects.Stats(ctx)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("Server Error", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ClearDefects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()
	n, err := h.Defects.ClearAll(ctx)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("Server Error", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Defect data cleared successfully.",
		"deleted": n,
	})
}
