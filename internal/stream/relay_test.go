package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func decodeRelayError(t *testing.T, rec *httptest.ResponseRecorder) relayError {
	t.Helper()
	var body relayError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode failed: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestHeadDoesNotContactUpstream(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	NewRelay(upstream.URL, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/stream/video_feed", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ProbeContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if hits.Load() != 0 {
		t.Errorf("Upstream contacted %d times", hits.Load())
	}
}

func TestRelayPipesStream(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for i := 0; i < 3; i++ {
			io.WriteString(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEG\r\n")
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	NewRelay(upstream.URL, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/video_feed", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("Content-Type = %q", ct)
	}
	if n := strings.Count(rec.Body.String(), "--frame"); n != 3 {
		t.Errorf("Expected 3 frames, got %d", n)
	}
	if !rec.Flushed {
		t.Error("Expected flushes while relaying")
	}
	if gotHeaders.Get("ngrok-skip-browser-warning") != "true" || gotHeaders.Get("User-Agent") != UserAgent {
		t.Errorf("Missing tunnel headers: %v", gotHeaders)
	}
}

func TestRelayUpstreamFailures(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantError string
	}{
		{
			name: "bandwidth limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Ngrok-Error-Code", "ERR_NGROK_725")
				w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
				io.WriteString(w, "--frame\r\n")
			},
			wantError: "upstream_limited",
		},
		{
			name: "interstitial page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				io.WriteString(w, "<!DOCTYPE html><html><body>You are about to visit ngrok</body></html>")
			},
			wantError: "interstitial_page",
		},
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "camera busy", http.StatusServiceUnavailable)
			},
			wantError: "upstream_status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(tt.handler)
			defer upstream.Close()

			rec := httptest.NewRecorder()
			NewRelay(upstream.URL, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/video_feed", nil))

			if rec.Code != http.StatusBadGateway {
				t.Errorf("Status = %d, want 502", rec.Code)
			}
			if body := decodeRelayError(t, rec); body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
			if strings.Contains(rec.Body.String(), "--frame") {
				t.Error("Stream bytes leaked into error response")
			}
		})
	}
}

func TestRelayHTMLWithoutSignatureIsForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<p>camera status ok</p>")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	NewRelay(upstream.URL, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/video_feed", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "<p>camera status ok</p>" {
		t.Errorf("Got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRelayUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	rec := httptest.NewRecorder()
	NewRelay(url, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/video_feed", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", rec.Code)
	}
	if body := decodeRelayError(t, rec); body.Error != "stream_unreachable" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestRelayClientDisconnectClosesUpstream(t *testing.T) {
	closed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for {
			select {
			case <-r.Context().Done():
				close(closed)
				return
			case <-time.After(20 * time.Millisecond):
				io.WriteString(w, "--frame\r\n")
				w.(http.Flusher).Flush()
			}
		}
	}))
	defer upstream.Close()

	relay := httptest.NewServer(NewRelay(upstream.URL, nil))
	defer relay.Close()

	resp, err := http.Get(relay.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	buf := make([]byte, 9)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	resp.Body.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Upstream connection was not torn down after client left")
	}
}

func TestRelayHTMLForwardsBeforeUpstreamFinishes(t *testing.T) {
	const first = "<html><body>frame 1</body>"
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, first)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	relay := httptest.NewServer(NewRelay(upstream.URL, nil))
	defer relay.Close()
	defer close(release)

	resp, err := http.Get(relay.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, len(first))
		n, _ := io.ReadFull(resp.Body, buf)
		got <- string(buf[:n])
	}()

	select {
	case s := <-got:
		if s != first {
			t.Errorf("Forwarded %q, want %q", s, first)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Relay held back HTML that carried no interstitial signature")
	}
}
