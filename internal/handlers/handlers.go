package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"DEFECT_MONITOR/go-backend/internal/apperr"
	"DEFECT_MONITOR/go-backend/internal/detector"
	"DEFECT_MONITOR/go-backend/internal/device"
	"DEFECT_MONITOR/go-backend/internal/models"
	"DEFECT_MONITOR/go-backend/internal/services"
	"DEFECT_MONITOR/go-backend/internal/session"
)

const dbTimeout = 5 * time.Second

type DefectStore interface {
	Insert(ctx context.Context, rec *models.DefectRecord) error
	ListLatest(ctx context.Context) ([]models.DefectRecord, error)
	ListPage(ctx context.Context, limit int, before time.Time) ([]models.DefectRecord, error)
	Stats(ctx context.Context) (models.DefectStats, error)
	ClearAll(ctx context.Context) (int64, error)
}

type Detection interface {
	Start(ctx context.Context) (*detector.RunInfo, error)
	Stop() error
	Status() models.DetectionStatus
}

type DeviceController interface {
	Start(ctx context.Context) (*device.Response, error)
	Stop(ctx context.Context) (*device.Response, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the API is built from.
type Deps struct {
	Auth      *services.Authenticator
	Sessions  *session.Manager
	Defects   DefectStore
	Detection Detection
	Device    DeviceController
	Relay     http.Handler
	Hub       *Hub
	Sink      services.EventSink
	Metrics   *services.Metrics
	MQTT      *services.MQTTEmitter
	DB        Pinger

	CORSOrigins []string
	StaticDir   string
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = services.NewMetrics()
	}
	if d.Hub == nil {
		d.Hub = NewHub(d.Metrics)
	}
	if d.Sink == nil {
		d.Sink = d.Hub
	}
	return &Handler{Deps: d}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.MessageResponse{Message: msg})
}

// writeAppError converts an error into the API's JSON error body.
// Only configuration errors expose their detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.StatusCode(err)
	body := models.ErrorResponse{Message: "Server Error"}

	if e, ok := apperr.As(err); ok {
		body.Code = string(e.Kind)
		switch e.Kind {
		case apperr.KindPersistence:
		case apperr.KindConfiguration:
			body.Message = e.Message
			body.Detail = e.Detail
		default:
			body.Message = e.Message
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
