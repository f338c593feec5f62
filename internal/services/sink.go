package services

import "DEFECT_MONITOR/go-backend/internal/models"

// EventSink receives every defect record after it has been stored.
type EventSink interface {
	Publish(rec models.DefectRecord)
}

type MultiSink []EventSink

func (m MultiSink) Publish(rec models.DefectRecord) {
	for _, s := range m {
		if s != nil {
			s.Publish(rec)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(models.DefectRecord) {}
