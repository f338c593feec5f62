package services

import (
	"sync/atomic"
	"time"
)

// Metrics holds process-wide counters exposed on /api/metrics.
type Metrics struct {
	startedAt time.Time

	defectsStored  atomic.Int64
	defectsFailed  atomic.Int64
	lastDefectTime atomic.Int64

	detectorLines   atomic.Int64
	detectorEvents  atomic.Int64
	detectorSkipped atomic.Int64
	detectorErrors  atomic.Int64
	detectorRuns    atomic.Int64

	uploadsOK     atomic.Int64
	uploadsFailed atomic.Int64

	streamRelays  atomic.Int64
	streamErrors  atomic.Int64
	activeStreams atomic.Int32

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

func (m *Metrics) IncrementDefectsStored() {
	m.defectsStored.Add(1)
	m.lastDefectTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementDefectsFailed() { m.defectsFailed.Add(1) }

func (m *Metrics) IncrementDetectorLines()   { m.detectorLines.Add(1) }
func (m *Metrics) IncrementDetectorEvents()  { m.detectorEvents.Add(1) }
func (m *Metrics) IncrementDetectorSkipped() { m.detectorSkipped.Add(1) }
func (m *Metrics) IncrementDetectorErrors()  { m.detectorErrors.Add(1) }
func (m *Metrics) IncrementDetectorRuns()    { m.detectorRuns.Add(1) }

func (m *Metrics) IncrementUploads(ok bool) {
	if ok {
		m.uploadsOK.Add(1)
		return
	}
	m.uploadsFailed.Add(1)
}

func (m *Metrics) StreamOpened() {
	m.streamRelays.Add(1)
	m.activeStreams.Add(1)
}

func (m *Metrics) StreamClosed() { m.activeStreams.Add(-1) }

func (m *Metrics) IncrementStreamErrors() { m.streamErrors.Add(1) }

func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Add(1)
}

// DecrementWebSocketConnections decrements WebSocket connection count
func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Add(-1)
}

func (m *Metrics) IncrementWebSocketMessages() {
	m.wsMessages.Add(1)
}

func (m *Metrics) IncrementWebSocketErrors() {
	m.wsErrors.Add(1)
}

func (m *Metrics) DetectorEvents() int64 {
	return m.detectorEvents.Load()
}

func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": int64(m.Uptime().Seconds()),
		"defects": map[string]interface{}{
			"stored":      m.defectsStored.Load(),
			"failed":      m.defectsFailed.Load(),
			"last_stored": m.lastDefectTime.Load(),
		},
		"detector": map[string]interface{}{
			"runs":    m.detectorRuns.Load(),
			"lines":   m.detectorLines.Load(),
			"events":  m.detectorEvents.Load(),
			"skipped": m.detectorSkipped.Load(),
			"errors":  m.detectorErrors.Load(),
		},
		"uploads": map[string]interface{}{
			"ok":     m.uploadsOK.Load(),
			"failed": m.uploadsFailed.Load(),
		},
		"stream": map[string]interface{}{
			"relays": m.streamRelays.Load(),
			"active": m.activeStreams.Load(),
			"errors": m.streamErrors.Load(),
		},
		"websocket": map[string]interface{}{
			"connections": m.wsConnections.Load(),
			"messages":    m.wsMessages.Load(),
			"errors":      m.wsErrors.Load(),
		},
	}
}
