package handlers

import (
	"context"
	"net/http"
	"time"

	"DEFECT_MONITOR/go-backend/internal/models"
)

// Health reports liveness; a failed DB ping degrades the status but still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	dbOK := false
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dbOK = h.DB.PingContext(ctx) == nil
		cancel()
	}

	status := "healthy"
	if !dbOK {
		status = "degraded"
	}

	detection := "idle"
	if h.Detection != nil {
		detection = h.Detection.Status().State
	}

	writeJSON(w, http.StatusOK, models.HealthStatus{
		Status:        status,
		Database:      dbOK,
		Detection:     detection,
		ActiveClients: h.Hub.Count(),
		Uptime:        h.Metrics.Uptime().Truncate(time.Second).String(),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	snap := h.Metrics.Snapshot()
	snap["active_clients"] = h.Hub.Count()
	if h.Detection != nil {
		snap["detection"] = h.Detection.Status()
	}
	if h.Sessions != nil {
		snap["sessions"] = h.Sessions.ActiveSessions()
	}
	if h.MQTT != nil {
		snap["mqtt"] = h.MQTT.Stats()
	}
	writeJSON(w, http.StatusOK, snap)
}
