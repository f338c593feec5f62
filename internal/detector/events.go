package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"DEFECT_MONITOR/go-backend/internal/models"
)

const (
	annotatedDir    = "result"
	annotatedPrefix = "diff_bbox_"
	pollInterval    = 100 * time.Millisecond
	eventTimeout    = 30 * time.Second
)

// HandleLine processes one stdout line. Failures stay local to the line.
func (l *Launcher) HandleLine(ctx context.Context, dir, raw string) {
	l.metrics.IncrementDetectorLines()

	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}

	var ev models.DetectionLine
	if line[0] != '{' || json.Unmarshal([]byte(line), &ev) != nil {
		l.metrics.IncrementDetectorSkipped()
		slog.Debug("detector log line", "line", line)
		return
	}
	if ev.HasError() {
		l.metrics.IncrementDetectorErrors()
		slog.Warn("detector reported error", "error", string(ev.Error))
		return
	}
	if ev.DeviceID == "" {
		l.metrics.IncrementDetectorSkipped()
		slog.Warn("detector event without device_id", "line", line)
		return
	}
	l.metrics.IncrementDetectorEvents()

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	rec := &models.DefectRecord{
		DeviceID:  ev.DeviceID,
		Value:     ev.Value,
		Defective: ev.Defective,
		Details:   ev.Details,
	}

	if ev.Defective && ev.ImagePath != "" {
		rec.Image = l.uploadEvidence(ctx, dir, ev)
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		l.metrics.IncrementDefectsFailed()
		slog.Error("failed to store detector event", "device_id", ev.DeviceID, "error", err)
		return
	}
	l.metrics.IncrementDefectsStored()
	l.sink.Publish(*rec)

	slog.Info("detector event stored",
		"device_id", rec.DeviceID,
		"defective", rec.Defective,
		"image", rec.Image != "",
	)
}

func (l *Launcher) uploadEvidence(ctx context.Context, dir string, ev models.DetectionLine) string {
	path, ok := l.ResolveImage(ctx, dir, ev.ImagePath)
	if !ok {
		slog.Warn("no image found for defective event", "device_id", ev.DeviceID, "image_path", ev.ImagePath)
		return ""
	}
	if l.uploader == nil {
		return ""
	}

	url, err := l.uploader.UploadFile(ctx, path)
	l.metrics.IncrementUploads(err == nil)
	if err != nil {
		slog.Error("image upload failed", "device_id", ev.DeviceID, "path", path, "error", err)
		return ""
	}
	slog.Debug("image uploaded", "device_id", ev.DeviceID, "url", url)
	return url
}

// AnnotatedPath is where the detector writes the marked-up copy of an image.
func AnnotatedPath(dir, imagePath string) string {
	base := filepath.Base(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, annotatedDir, annotatedPrefix+stem+".png")
}

// ResolveImage prefers the annotated image, waiting up to AnnotatedWait for it,
// and falls back to the original.
func (l *Launcher) ResolveImage(ctx context.Context, dir, imagePath string) (string, bool) {
	annotated := AnnotatedPath(dir, imagePath)
	deadline := time.Now().Add(l.cfg.AnnotatedWait)
	for {
		if isFile(annotated) {
			return annotated, true
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(pollInterval):
		}
	}

	original := imagePath
	if !filepath.IsAbs(original) {
		original = filepath.Join(dir, original)
	}
	if isFile(original) {
		return original, true
	}
	return "", false
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
