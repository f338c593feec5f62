package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"DEFECT_MONITOR/go-backend/internal/detector"
	"DEFECT_MONITOR/go-backend/internal/device"
)

const deviceTimeout = 10 * time.Second

// StartDetection launches the local detector and answers before any event arrives.
func (h *Handler) StartDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	info, err := h.Detection.Start(r.Context())
	if errors.Is(err, detector.ErrAlreadyRunning) {
		writeMessage(w, http.StatusConflict, "Detection is already running")
		return
	}
	if errors.Is(err, detector.ErrClosed) {
		writeMessage(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	slog.Info("detection started", "run_id", info.ID, "pid", info.PID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "Detection process started",
		"run_id":  info.ID,
	})
}

func (h *Handler) StopDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	err := h.Detection.Stop()
	if errors.Is(err, detector.ErrNotRunning) {
		writeMessage(w, http.StatusConflict, "Detection is not running")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Detection process stopped")
}

func (h *Handler) DetectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.Detection.Status())
}

func (h *Handler) RaspberryStart(w http.ResponseWriter, r *http.Request) {
	h.forwardDevice(w, r, h.Device.Start)
}

func (h *Handler) RaspberryStop(w http.ResponseWriter, r *http.Request) {
	h.forwardDevice(w, r, h.Device.Stop)
}

// forwardDevice relays the device's status and JSON body as-is.
func (h *Handler) forwardDevice(w http.ResponseWriter, r *http.Request, call func(context.Context) (*device.Response, error)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceTimeout)
	defer cancel()

	resp, err := call(ctx)
	if resp == nil {
		writeAppError(w, r, err)
		return
	}
	if err != nil {
		slog.Warn("device reported failure", "path", r.URL.Path, "status", resp.Status, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
