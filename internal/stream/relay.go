// Package stream relays the device's MJPEG feed to browsers.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"DEFECT_MONITOR/go-backend/internal/services"
)

const (
	ProbeContentType = "multipart/x-mixed-replace; boundary=frame"
	UserAgent        = "defect-monitor-relay/1.0"

	connectTimeout = 30 * time.Second
	peekSize       = 2048
	copyBufSize    = 32 * 1024
)

var interstitialSignatures = [][]byte{
	[]byte("ngrok"),
	[]byte("<!DOCTYPE html"),
	[]byte("<!doctype html"),
}

const minPeek = len("<!DOCTYPE html")

type Relay struct {
	upstream string
	client   *http.Client
	metrics  *services.Metrics
}

func NewRelay(upstream string, metrics *services.Metrics) *Relay {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		MaxIdleConnsPerHost:   4,
	}
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	// no overall timeout: the body is an endless multipart stream
	return &Relay{upstream: upstream, client: &http.Client{Transport: transport}, metrics: metrics}
}

type relayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func writeRelayError(w http.ResponseWriter, status int, body relayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Type", ProbeContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		rl.relay(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rl *Relay) relay(w http.ResponseWriter, r *http.Request) {
	// upstream is bound to the caller: a browser disconnect cancels it
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rl.upstream, nil)
	if err != nil {
		slog.Error("invalid stream upstream", "url", rl.upstream, "error", err)
		writeRelayError(w, http.StatusInternalServerError, relayError{Error: "stream_misconfigured", Message: "Invalid STREAM_URL"})
		return
	}
	req.Header.Set("ngrok-skip-browser-warning", "true")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "multipart/x-mixed-replace,*/*")

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.metrics.IncrementStreamErrors()
		if r.Context().Err() != nil {
			slog.Debug("stream client left before upstream answered", "error", err)
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			slog.Warn("stream upstream timeout", "url", rl.upstream, "error", err)
			writeRelayError(w, http.StatusGatewayTimeout, relayError{Error: "stream_timeout", Message: "Stream source did not respond in time"})
			return
		}
		slog.Warn("stream upstream unreachable", "url", rl.upstream, "error", err)
		writeRelayError(w, http.StatusBadGateway, relayError{Error: "stream_unreachable", Message: "Stream source is unreachable"})
		return
	}
	defer resp.Body.Close()

	if code := resp.Header.Get("Ngrok-Error-Code"); code != "" {
		rl.metrics.IncrementStreamErrors()
		slog.Warn("stream upstream limited", "code", code, "status", resp.StatusCode)
		writeRelayError(w, http.StatusBadGateway, relayError{Error: "upstream_limited", Message: "Stream tunnel refused the connection", Code: code})
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		rl.metrics.IncrementStreamErrors()
		slog.Warn("stream upstream error status", "status", resp.StatusCode)
		writeRelayError(w, http.StatusBadGateway, relayError{Error: "upstream_status", Message: "Stream source returned an error", Status: resp.StatusCode})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	var body io.Reader = resp.Body

	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		peek, err := peekOpening(resp.Body)
		if err != nil {
			rl.metrics.IncrementStreamErrors()
			slog.Warn("stream upstream read failed", "error", err)
			writeRelayError(w, http.StatusBadGateway, relayError{Error: "stream_unreachable", Message: "Stream source closed the connection"})
			return
		}
		if isInterstitial(peek) {
			rl.metrics.IncrementStreamErrors()
			slog.Warn("stream upstream served an interstitial page", "url", rl.upstream)
			writeRelayError(w, http.StatusBadGateway, relayError{Error: "interstitial_page", Message: "Stream tunnel returned a warning page instead of video"})
			return
		}
		body = io.MultiReader(bytes.NewReader(peek), resp.Body)
	}

	if contentType == "" {
		contentType = ProbeContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rl.metrics.StreamOpened()
	defer rl.metrics.StreamClosed()
	slog.Debug("stream relay started", "remote", r.RemoteAddr)

	if err := copyFlush(w, body); err != nil && r.Context().Err() == nil {
		slog.Warn("stream relay interrupted", "error", err)
	}
}

// peekOpening returns what upstream has sent so far, blocking only until
// there are enough bytes to hold the longest page signature.
func peekOpening(body io.Reader) ([]byte, error) {
	buf := make([]byte, peekSize)
	n := 0
	for n < minPeek {
		m, err := body.Read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf[:n], nil
}

func isInterstitial(b []byte) bool {
	for _, sig := range interstitialSignatures {
		if bytes.Contains(b, sig) {
			return true
		}
	}
	return false
}

// copyFlush pipes src to w, flushing after every write.
func copyFlush(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
