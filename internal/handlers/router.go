package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Routes builds the mux and wraps it in the middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Member
	mux.HandleFunc("/api/member/sign-up", h.SignUp)
	mux.HandleFunc("/api/member/sign-in", h.SignIn)
	mux.HandleFunc("/api/member/logout", h.Logout)
	mux.HandleFunc("/api/member/check-auth", h.CheckAuth)

	// Defects
	mux.HandleFunc("/api/defects", h.CreateDefect)
	mux.HandleFunc("/api/defects/latest", h.LatestDefects)
	mux.HandleFunc("/api/defects/stats", h.DefectStats)
	mux.HandleFunc("/api/defects/clear", h.ClearDefects)

	// Detection
	mux.HandleFunc("/api/start-detection", h.StartDetection)
	mux.HandleFunc("/api/stop-detection", h.StopDetection)
	mux.HandleFunc("/api/detection/status", h.DetectionStatus)
	mux.HandleFunc("/api/raspberry/start", h.RaspberryStart)
	mux.HandleFunc("/api/raspberry/stop", h.RaspberryStop)

	mux.HandleFunc("/api/health", h.Health)
	mux.HandleFunc("/api/metrics", h.MetricsHandler)

	if h.Relay != nil {
		mux.Handle("/stream/video_feed", h.Relay)
	}
	mux.Handle("/ws", h.Hub)

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not Found")
	})
	mux.Handle("/", h.spa())

	var handler http.Handler = mux
	if h.Sessions != nil {
		handler = h.Sessions.Middleware(handler)
	}
	handler = corsMiddleware(h.CORSOrigins)(handler)
	handler = loggingMiddleware(handler)
	handler = securityHeaders(handler)
	return recoveryMiddleware(handler)
}

// spa serves the built dashboard, falling back to index.html for client-side routes.
func (h *Handler) spa() http.Handler {
	dir := h.StaticDir
	if dir == "" {
		return http.NotFoundHandler()
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		slog.Warn("static dir has no index.html, SPA disabled", "dir", dir)
		return http.NotFoundHandler()
	}

	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w)
			return
		}
		name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if fi, err := os.Stat(name); err == nil && !fi.IsDir() && !strings.HasSuffix(r.URL.Path, "/index.html") {
			files.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, index)
	})
}
